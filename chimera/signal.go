package chimera

// Signal tags a message-channel frame with the handler it targets.
// Values are stable small integers per the wire contract; names mirror
// the reference implementation's enum so a frame's intent reads the
// same in logs on both ends of a connection.
type Signal int

const (
	SignalUnknown Signal = iota

	// General, valid on every connection.
	SignalOK
	SignalShutdown
	SignalClientRegister

	// Manager to Worker.
	SignalBroadcastNodeServer
	SignalRequestStep
	SignalRequestCollect
	SignalRequestGather
	SignalStartNodes
	SignalRecordNodes
	SignalStopNodes
	SignalRequestMethod

	// Worker/Node upward reports.
	SignalNodeStatus
	SignalReportGather
	SignalCompleteBroadcast
)

var signalNames = map[Signal]string{
	SignalOK:                  "OK",
	SignalShutdown:            "SHUTDOWN",
	SignalClientRegister:      "CLIENT_REGISTER",
	SignalBroadcastNodeServer: "BROADCAST_NODE_SERVER",
	SignalRequestStep:         "REQUEST_STEP",
	SignalRequestCollect:      "REQUEST_COLLECT",
	SignalRequestGather:       "REQUEST_GATHER",
	SignalStartNodes:          "START_NODES",
	SignalRecordNodes:         "RECORD_NODES",
	SignalStopNodes:           "STOP_NODES",
	SignalRequestMethod:       "REQUEST_METHOD",
	SignalNodeStatus:          "NODE_STATUS",
	SignalReportGather:        "REPORT_GATHER",
	SignalCompleteBroadcast:   "COMPLETE_BROADCAST",
}

func (s Signal) String() string {
	if name, ok := signalNames[s]; ok {
		return name
	}
	return "UNKNOWN_SIGNAL"
}

// IsKnown reports whether s is a recognized signal. An unrecognized
// signal must be logged and dropped by the receiver, never treated as
// fatal (§7 UnknownSignal).
func (s Signal) IsKnown() bool {
	_, ok := signalNames[s]
	return ok
}
