// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package core

import "time"

// AssignmentState is the delegation state of a Service.
type AssignmentState string

const (
	Unassigned AssignmentState = "unassigned"
	Pending    AssignmentState = "pending"
	Assigned   AssignmentState = "assigned"
)

// Service is a monitored check unit. The delegation engine owns
// Assignee, AssignmentState, and Deadline exclusively — no other
// component mutates them. Every other field is config-supplied or
// populated by the check execution engine (an external collaborator)
// and read by the status exporter.
type Service struct {
	Name string
	Host string // owning host's Name

	Alias  string
	Groups []string

	CheckIntervalSeconds int
	MaxCheckAttempts     int

	EventHandlerEnabled      bool
	FlapDetectionEnabled     bool
	NotificationsEnabled     bool
	PassiveChecksEnabled     bool
	ActiveChecksEnabled      bool
	FailurePredictionEnabled bool

	LastResult      CheckResult
	LastStateChange time.Time

	// Assignee is the identity currently responsible for executing
	// this service's checks, or "" if unassigned.
	Assignee        string
	AssignmentState AssignmentState
	// Deadline is valid only while AssignmentState == Pending.
	Deadline time.Time
}

// ServiceGroup is a named collection of services, derived at dump
// time from Service.Groups.
type ServiceGroup struct {
	Name    string
	Alias   string
	Members []string
}

// Program is the singleton program-wide status record the exporter
// emits on its program-status timer.
type Program struct {
	StartTime time.Time
	PID       int

	ActiveServiceChecksEnabled  bool
	PassiveServiceChecksEnabled bool
	ActiveHostChecksEnabled     bool
	PassiveHostChecksEnabled    bool
	EventHandlersEnabled        bool
	FlapDetectionEnabled        bool
	FailurePredictionEnabled    bool
	ProcessPerformanceData      bool
}
