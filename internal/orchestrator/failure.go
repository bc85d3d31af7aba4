package orchestrator

// FailureKind classifies a component-level error into the lifecycle policy
// the orchestrator applies.
type FailureKind int

const (
	// FailureTransportFatal is a lost or corrupted media path. The call is
	// torn down; there is nothing to play the error prompt on.
	FailureTransportFatal FailureKind = iota

	// FailureProviderHandshake is a failed or timed-out session open. The
	// caller hears the error prompt before hangup.
	FailureProviderHandshake

	// FailureProviderFatal is a provider session lost mid-call. Playback is
	// drained where possible, then the error prompt plays and the call ends.
	FailureProviderFatal

	// FailureBridgeSetup is a PBX refusal during call setup (answer, bridge,
	// external media). Torn down at setup, error prompt best effort.
	FailureBridgeSetup

	// FailureProfileResolve is a codec or profile rejection at setup.
	FailureProfileResolve

	// FailureCallerHangup is the normal end: the PBX reported the caller
	// gone. No prompt, just cleanup.
	FailureCallerHangup

	// FailureAgentHangup is a tool-invoked hangup. The farewell plays, then
	// cleanup.
	FailureAgentHangup

	// FailureSilentCaller is the silent-inbound timeout. The silent prompt
	// plays, then cleanup.
	FailureSilentCaller

	// FailureMaxDuration is the configured call-length ceiling.
	FailureMaxDuration

	// FailureShutdown is process shutdown draining active calls.
	FailureShutdown
)

// reason is the teardown label recorded on metrics and the session.
func (k FailureKind) reason() string {
	switch k {
	case FailureTransportFatal:
		return "transport-lost"
	case FailureProviderHandshake:
		return "provider-handshake"
	case FailureProviderFatal:
		return "provider-lost"
	case FailureBridgeSetup:
		return "bridge-setup"
	case FailureProfileResolve:
		return "profile-resolve"
	case FailureCallerHangup:
		return "caller-hangup"
	case FailureAgentHangup:
		return "agent-hangup"
	case FailureSilentCaller:
		return "silent-caller"
	case FailureMaxDuration:
		return "max-duration"
	case FailureShutdown:
		return "shutdown"
	}
	return "internal"
}

// playsErrorPrompt reports whether the caller should hear the recorded
// error phrase before hangup.
func (k FailureKind) playsErrorPrompt() bool {
	switch k {
	case FailureProviderHandshake, FailureProviderFatal, FailureBridgeSetup, FailureProfileResolve:
		return true
	}
	return false
}

// hangsUpCaller reports whether the orchestrator must hang up the caller
// leg itself. False only when the PBX already reported the channel gone.
func (k FailureKind) hangsUpCaller() bool {
	return k != FailureCallerHangup
}
