// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package export

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/sentrymesh/sentryd/core"
)

// timestamp formats t as seconds-since-epoch with sub-second
// precision, matching the legacy consumer's expected field format.
func timestamp(t time.Time) string {
	return fmt.Sprintf("%.6f", float64(t.UnixNano())/1e9)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// unixOrEmpty renders t as a seconds-since-epoch integer, or an empty
// string if t is the zero value — matching the original exporter's
// convention of leaving a status field blank until it has a real
// value to report, rather than emitting a zero-time sentinel.
func unixOrEmpty(t time.Time) any {
	if t.IsZero() {
		return ""
	}
	return t.Unix()
}

// recordBuilder assembles one typecode-framed record: "\n<typecode>:\n
// <key>=<value>\n...999\n\n", mirroring the field-by-field stream
// construction the original exporter performs with chained <<.
type recordBuilder struct {
	buf bytes.Buffer
}

func newRecord(typecode int) *recordBuilder {
	r := &recordBuilder{}
	fmt.Fprintf(&r.buf, "\n%d:\n", typecode)
	return r
}

func (r *recordBuilder) field(key int, value any) *recordBuilder {
	fmt.Fprintf(&r.buf, "%d=%v\n", key, value)
	return r
}

func (r *recordBuilder) bytes() []byte {
	r.buf.WriteString("999\n\n")
	return r.buf.Bytes()
}

// hostDefinitionRecord builds a 400 hostdefinition record.
func hostDefinitionRecord(h *core.Host, now time.Time) []byte {
	return newRecord(typeHostDefinition).
		field(keyTimestamp, timestamp(now)).
		field(keyHostName, h.Name).
		field(keyDisplayName, h.Alias).
		field(keyHostAlias, h.Alias).
		field(keyHostCheckInterval, h.CheckIntervalSeconds).
		field(keyHostMaxAttempts, h.MaxCheckAttempts).
		field(keyHostNotifications, boolInt(h.NotificationsEnabled)).
		field(keyActiveHostChecks, boolInt(h.ActiveChecksEnabled)).
		field(keyPassiveHostChecks, boolInt(h.PassiveChecksEnabled)).
		field(keyHostEventHandler, boolInt(h.EventHandlerEnabled)).
		field(keyHostFlapDetection, boolInt(h.FlapDetectionEnabled)).
		bytes()
}

// hostStatusRecord builds a 212 hoststatusdata record.
func hostStatusRecord(h *core.Host, now time.Time) []byte {
	cr := h.LastResult
	return newRecord(typeHostStatus).
		field(keyTimestamp, timestamp(now)).
		field(keyHost, h.Name).
		field(keyOutput, cr.Output).
		field(keyLongOutput, "").
		field(keyPerfData, cr.PerfData).
		field(keyCurrentState, cr.State.Clamp()).
		field(keyHasBeenChecked, boolInt(!cr.ExecuteTime.IsZero())).
		field(keyShouldBeScheduled, 1).
		field(keyCurrentCheckAttempt, cr.Attempt).
		field(keyMaxCheckAttempts, h.MaxCheckAttempts).
		field(keyLastCheck, unixOrEmpty(cr.ExecuteTime)).
		field(keyLastStateChange, unixOrEmpty(h.LastStateChange)).
		field(keyLatency, cr.Latency().Seconds()).
		field(keyExecutionTime, cr.ExecuteTime.Sub(cr.ScheduleTime).Seconds()).
		field(keyStateType, hardOrSoft(cr.IsHardState)).
		field(keyProcessPerfData, 1).
		bytes()
}

// serviceDefinitionRecord builds a 402 servicedefinition record.
func serviceDefinitionRecord(s *core.Service, now time.Time) []byte {
	return newRecord(typeServiceDefinition).
		field(keyTimestamp, timestamp(now)).
		field(keyHostName, s.Host).
		field(keyDisplayName, s.Alias).
		field(keyServiceDescription, s.Alias).
		field(keyServiceCheckInterval, s.CheckIntervalSeconds).
		field(keyServiceMaxAttempts, s.MaxCheckAttempts).
		field(keyServiceNotifications, boolInt(s.NotificationsEnabled)).
		field(keyActiveServiceChecks, boolInt(s.ActiveChecksEnabled)).
		field(keyPassiveServiceChecks, boolInt(s.PassiveChecksEnabled)).
		field(keyServiceEventHandler, boolInt(s.EventHandlerEnabled)).
		field(keyServiceFlapDetection, boolInt(s.FlapDetectionEnabled)).
		bytes()
}

// serviceStatusRecord builds a 213 servicestatusdata record.
func serviceStatusRecord(s *core.Service, now time.Time) []byte {
	cr := s.LastResult
	return newRecord(typeServiceStatus).
		field(keyTimestamp, timestamp(now)).
		field(keyHost, s.Host).
		field(keyService, s.Alias).
		field(keyOutput, cr.Output).
		field(keyLongOutput, "").
		field(keyPerfData, cr.PerfData).
		field(keyCurrentState, cr.State.Clamp()).
		field(keyHasBeenChecked, boolInt(!cr.ExecuteTime.IsZero())).
		field(keyShouldBeScheduled, 1).
		field(keyCurrentCheckAttempt, cr.Attempt).
		field(keyMaxCheckAttempts, s.MaxCheckAttempts).
		field(keyLastServiceCheck, unixOrEmpty(cr.ExecuteTime)).
		field(keyNextServiceCheck, unixOrEmpty(cr.ScheduleTime)).
		field(keyLastStateChange, unixOrEmpty(s.LastStateChange)).
		field(keyLatency, cr.Latency().Seconds()).
		field(keyExecutionTime, cr.ExecuteTime.Sub(cr.ScheduleTime).Seconds()).
		field(keyStateType, hardOrSoft(cr.IsHardState)).
		field(keyProcessPerfData, 1).
		bytes()
}

func hardOrSoft(hard bool) string {
	if hard {
		return "1"
	}
	return "0"
}

// hostGroupDefinitionRecord builds a 401 hostgroupdefinition record.
func hostGroupDefinitionRecord(hg *core.HostGroup, now time.Time) []byte {
	return newRecord(typeHostGroupDefinition).
		field(keyTimestamp, timestamp(now)).
		field(keyHostGroupName, hg.Name).
		field(keyHostGroupAlias, hg.Alias).
		field(keyHostGroupMembers, strings.Join(hg.Members, ";")).
		bytes()
}

// serviceGroupDefinitionRecord builds a 403 servicegroupdefinition
// record.
func serviceGroupDefinitionRecord(sg *core.ServiceGroup, now time.Time) []byte {
	return newRecord(typeServiceGroupDefinition).
		field(keyTimestamp, timestamp(now)).
		field(keyServiceGroupName, sg.Name).
		field(keyServiceGroupAlias, sg.Alias).
		field(keyServiceGroupMembers, strings.Join(sg.Members, ";")).
		bytes()
}

// programStatusRecord builds a 211 programstatusdata record.
func programStatusRecord(p *core.Program, now time.Time) []byte {
	return newRecord(typeProgramStatus).
		field(keyTimestamp, timestamp(now)).
		field(keyProgramStartTime, p.StartTime.Unix()).
		field(keyProcessID, p.PID).
		field(keyDaemonMode, 1).
		field(keyNotificationsEnabled, 0).
		field(keyActiveServiceChecks, boolInt(p.ActiveServiceChecksEnabled)).
		field(keyPassiveServiceChecks, boolInt(p.PassiveServiceChecksEnabled)).
		field(keyActiveHostChecks, boolInt(p.ActiveHostChecksEnabled)).
		field(keyPassiveHostChecks, boolInt(p.PassiveHostChecksEnabled)).
		field(keyEventHandlersEnabled, boolInt(p.EventHandlersEnabled)).
		field(keyFlapDetectionEnabled, boolInt(p.FlapDetectionEnabled)).
		field(keyFailurePredictionEnabled, boolInt(p.FailurePredictionEnabled)).
		field(keyProcessPerfData, boolInt(p.ProcessPerformanceData)).
		field(keyObsessOverHosts, 0).
		field(keyObsessOverServices, 0).
		field(keyGlobalHostEventHandler, "").
		field(keyGlobalServiceEventHandler, "").
		bytes()
}

// startConfigDumpRecord brackets the beginning of a config dump. The
// original exporter's RETAINED configdumptype key applies only here,
// never on endConfigDumpRecord.
func startConfigDumpRecord(now time.Time) []byte {
	return newRecord(typeStartConfigDump).
		field(keyConfigDumpType, "RETAINED").
		field(keyTimestamp, timestamp(now)).
		bytes()
}

// endConfigDumpRecord brackets the end of a config dump. The
// end-of-data-dump typecode (1000) is reserved for the connection
// teardown GOODBYE frame, not for closing an individual config dump.
func endConfigDumpRecord(now time.Time) []byte {
	return newRecord(typeEndConfigDump).
		field(keyTimestamp, timestamp(now)).
		bytes()
}

// helloPreamble is the one-time preamble sent immediately after the
// sink connection opens. Uses "KEY: value" framing, distinct from the
// "key=value" record framing used everywhere else.
func helloPreamble(instanceName string, now time.Time) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "\n\nHELLO\n")
	fmt.Fprintf(&b, "PROTOCOL: %d\n", 2)
	fmt.Fprintf(&b, "AGENT: %s\n", "I2 COMPATIDO")
	fmt.Fprintf(&b, "AGENTVERSION: %s\n", "2.0")
	fmt.Fprintf(&b, "STARTTIME: %s\n", timestamp(now))
	fmt.Fprintf(&b, "DISPOSITION: %s\n", "REALTIME")
	fmt.Fprintf(&b, "CONNECTION: %s\n", "TCPSOCKET")
	fmt.Fprintf(&b, "INSTANCENAME: %s\n", instanceName)
	fmt.Fprintf(&b, "STARTDATADUMP\n\n")
	return b.Bytes()
}

// goodbyeFrame is the one-time sentinel sent immediately before the
// sink connection closes, carrying the end-of-data-dump typecode.
func goodbyeFrame(now time.Time) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "\n%d\n", typeEndOfDataDump)
	fmt.Fprintf(&b, "ENDTIME: %s\n", timestamp(now))
	fmt.Fprintf(&b, "GOODBYE\n\n")
	return b.Bytes()
}
