// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package export

// Record typecodes. These are externally mandated by the legacy
// consumer's schema and must never change.
const (
	typeProgramStatus          = 211
	typeHostStatus             = 212
	typeServiceStatus          = 213
	typeHostDefinition         = 400
	typeHostGroupDefinition    = 401
	typeServiceDefinition      = 402
	typeServiceGroupDefinition = 403
	typeStartConfigDump        = 900
	typeEndConfigDump          = 901
	typeEndOfRecord            = 999
	typeEndOfDataDump          = 1000
)

// Field keys. Numbers must match the receiver's schema; names mirror
// the legacy consumer's field list.
const (
	keyTimestamp = 4

	// Config dump framing.
	keyConfigDumpType = 245

	// Host fields.
	keyHostName          = 174
	keyDisplayName       = 258
	keyHostAlias         = 159
	keyHostCheckInterval = 161
	keyHostMaxAttempts   = 173
	keyHostNotifications = 178
	keyActiveHostChecks  = 8
	keyPassiveHostChecks = 96
	keyHostEventHandler  = 164
	keyHostFlapDetection = 167

	// Host status fields.
	keyHost                = 53
	keyOutput              = 95
	keyLongOutput          = 125
	keyPerfData            = 99
	keyCurrentState        = 27
	keyHasBeenChecked      = 51
	keyShouldBeScheduled   = 115
	keyCurrentCheckAttempt = 25
	keyMaxCheckAttempts    = 76
	keyLastCheck           = 58
	keyLastStateChange     = 63
	keyLatency             = 71
	keyExecutionTime       = 42
	keyStateType           = 121
	keyProcessPerfData     = 103

	// Host/service group fields.
	keyHostGroupName    = 172
	keyHostGroupAlias   = 170
	keyHostGroupMembers = 171

	// Service fields.
	keyServiceDescription   = 210
	keyServiceCheckInterval = 208
	keyServiceMaxAttempts   = 185
	keyServiceNotifications = 225
	keyActiveServiceChecks  = 9
	keyPassiveServiceChecks = 97
	keyServiceEventHandler  = 212
	keyServiceFlapDetection = 215

	// Service status fields.
	keyService          = 114
	keyLastServiceCheck = 61
	keyNextServiceCheck = 83

	// Service/service-group fields.
	keyServiceGroupName    = 220
	keyServiceGroupAlias   = 218
	keyServiceGroupMembers = 219

	// Program status fields.
	keyProgramStartTime          = 106
	keyProcessID                 = 102
	keyDaemonMode                = 28
	keyNotificationsEnabled      = 88
	keyEventHandlersEnabled      = 39
	keyFlapDetectionEnabled      = 47
	keyFailurePredictionEnabled  = 45
	keyObsessOverHosts           = 92
	keyObsessOverServices        = 94
	keyGlobalHostEventHandler    = 49
	keyGlobalServiceEventHandler = 50
)
