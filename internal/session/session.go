// Package session holds the per-call state model and the process-wide store
// that maps call ids to it.
//
// A [CallSession] is owned by the call's orchestrator supervisor; all other
// components reference the call by id only and keep their own state keyed by
// that id. Mutations go through [Store.Update], which serialises writers per
// call; readers get consistent snapshots.
package session

import (
	"time"

	"github.com/varnalab/ariadne/internal/profile"
)

// State is the lifecycle phase of a call.
type State string

const (
	StatePlacing       State = "placing"
	StateBridging      State = "bridging"
	StateHandshaking   State = "handshaking_provider"
	StateGreeting      State = "greeting"
	StateListening     State = "listening"
	StateAgentSpeaking State = "agent_speaking"
	StateBargingIn     State = "barging_in"
	StateFarewell      State = "farewell"
	StateTearingDown   State = "tearing_down"
	StateClosed        State = "closed"
)

// Speaking reports whether the agent holds the floor in this state. The
// gating invariant requires gating tokens to be held whenever this is true.
func (s State) Speaking() bool {
	return s == StateAgentSpeaking || s == StateGreeting || s == StateFarewell
}

// Terminal reports whether the call has left the conversation loop.
func (s State) Terminal() bool {
	return s == StateTearingDown || s == StateClosed
}

// TransportKind selects the upstream media path for a call.
type TransportKind string

const (
	TransportRTP         TransportKind = "rtp"
	TransportAudioSocket TransportKind = "audiosocket"
)

// IsValid reports whether k is a recognised transport kind.
func (k TransportKind) IsValid() bool {
	return k == TransportRTP || k == TransportAudioSocket
}

// Metrics are the per-call counters kept on the session itself. They are
// mutated only under the session's store lock; the observe package mirrors
// them into OTel instruments.
type Metrics struct {
	FramesIn          uint64 `json:"frames_in"`
	FramesOut         uint64 `json:"frames_out"`
	FramesDiscarded   uint64 `json:"frames_discarded"` // discarded by gating
	Underflows        uint64 `json:"underflows"`
	Commits           uint64 `json:"commits"`
	BargeIns          uint64 `json:"barge_ins"`
	FallbackPlaybacks uint64 `json:"fallback_playbacks"`
	UpstreamOverflow  uint64 `json:"upstream_overflow"`
}

// CallSession is the per-call state record. One exists per active call,
// created on "caller answered" and removed when the PBX reports the call
// gone, all tasks have drained, and the provider session is closed.
type CallSession struct {
	// CallID is the opaque stable identifier for the call's lifetime.
	CallID string

	// CallerChannelID and MediaChannelID are the PBX channel ids for the
	// caller leg and the synthetic external-media leg.
	CallerChannelID string
	MediaChannelID  string

	// BridgeID is the mixing bridge joining the two channels.
	BridgeID string

	// Profile is the resolved audio profile. Never changes mid-call.
	Profile profile.Profile

	// Transport selects which media adapter serves this call.
	Transport TransportKind

	// ProviderName is the adapter resolved from the precedence rules
	// (channel variable > context mapping > default).
	ProviderName string

	// State is the lifecycle phase. Mutated only via Store.Update.
	State State

	// TurnID increases by one each time the caller takes the floor.
	TurnID uint64

	// TeardownReason records why the call ended, for metrics.
	TeardownReason string

	// Metrics are the per-call counters.
	Metrics Metrics

	// Timestamps.
	CreatedAt         time.Time
	LastInboundFrame  time.Time
	LastAgentAudio    time.Time
	PostTTSGuardUntil time.Time
}

// Snapshot is a read-only copy of a session, safe to hold across lock
// boundaries. Used by housekeeping iteration and the admin call listing.
type Snapshot struct {
	CallID       string        `json:"call_id"`
	State        State         `json:"state"`
	ProviderName string        `json:"provider"`
	Transport    TransportKind `json:"transport"`
	TurnID       uint64        `json:"turn_id"`
	Metrics      Metrics       `json:"metrics"`
	CreatedAt    time.Time     `json:"created_at"`
}

func (s *CallSession) snapshot() Snapshot {
	return Snapshot{
		CallID:       s.CallID,
		State:        s.State,
		ProviderName: s.ProviderName,
		Transport:    s.Transport,
		TurnID:       s.TurnID,
		Metrics:      s.Metrics,
		CreatedAt:    s.CreatedAt,
	}
}
