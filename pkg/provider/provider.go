// Package provider defines the contract between the Ariadne call core and the
// upstream conversational engines, together with the [Registry] used to
// construct adapters by name.
//
// An [Adapter] wraps one conversational backend, a full-duplex realtime
// voice model or a cascaded STT to LLM to TTS pipeline, behind a single
// session-per-call API. The adapter owns its own network connection,
// reconnect policy, and wire protocol; the core sees exactly one logical
// session per call. Events flow back on a single channel in per-call order.
//
// All implementations must be safe for concurrent use.
package provider

import (
	"context"

	"github.com/varnalab/ariadne/pkg/audio"
)

// Capabilities describes static properties of an adapter. The values are
// assumed constant for the lifetime of the Adapter instance.
type Capabilities struct {
	// SupportsBargeInEvents indicates the backend reports caller speech
	// start/stop itself ([EventSpeechStarted] / [EventSpeechStopped]). When
	// false the core falls back to its own energy-based barge-in detection.
	SupportsBargeInEvents bool

	// Continuous indicates the backend emits one effectively unbroken audio
	// stream per turn rather than discrete TTS segments. This changes how
	// gating is armed: once per turn, never per chunk.
	Continuous bool

	// NativeInputRate is the sample rate in Hz the backend expects caller
	// audio in. The core resamples ingress audio to this rate. Zero means the
	// adapter accepts the profile's provider-facing rate as-is.
	NativeInputRate int

	// MinCommitAudio is the minimum cumulative audio the backend requires
	// between commit boundaries, in milliseconds. The core guarantees at
	// least 100 ms regardless; adapters may raise the floor.
	MinCommitAudio int
}

// SessionContext carries the per-call inputs an adapter needs to open its
// session.
type SessionContext struct {
	// CallID identifies the call; all subsequent per-call operations and all
	// events use this id.
	CallID string

	// InputCodec is the codec caller audio will arrive in on SendAudio.
	InputCodec audio.Codec

	// OutputCodec is the codec the core expects agent audio chunks in.
	OutputCodec audio.Codec

	// InitialContext is the opaque conversation context handed over by the
	// dialplan via the AI_CONTEXT channel variable. Its interpretation is
	// entirely up to the adapter.
	InitialContext string
}

// Adapter is the upstream conversational engine for one or more concurrent
// calls. One Adapter instance serves the whole process; sessions are keyed
// by call id.
//
// Guarantees required from implementations:
//
//   - Events for a given call are delivered in order on [Adapter.Events].
//   - [EventAgentAudioChunk] payloads are self-delimited and decodable
//     independently of one another.
//   - On fatal failure the adapter emits [EventError] then [EventClosed] for
//     the affected call and stops producing events for it.
//   - Reconnect and backoff are handled internally; the core never sees a
//     transient network failure as a session boundary.
type Adapter interface {
	// Capabilities returns the adapter's static properties.
	Capabilities() Capabilities

	// StartSession opens the logical session for one call. It blocks until
	// the backend has acknowledged the session or ctx expires. The core
	// applies its own handshake timeout; adapters should not add a longer one.
	StartSession(ctx context.Context, sc SessionContext) error

	// SendAudio delivers one caller audio frame, already converted to the
	// negotiated input codec. The core guarantees at least 100 ms of audio
	// accumulates between any protocol commit boundaries.
	SendAudio(callID string, frame audio.Frame) error

	// CancelResponse asks the backend to abort its in-flight response for the
	// call (barge-in). It is idempotent from the core's side: cancelling when
	// nothing is in flight is a no-op, not an error.
	CancelResponse(callID string) error

	// EndSession closes the logical session for the call and releases its
	// resources. Safe to call more than once.
	EndSession(callID string) error

	// Events returns the adapter-wide event stream. The channel is closed
	// only when the adapter itself shuts down. Consumers must drain promptly;
	// a stalled consumer is treated as a malfunction by the core.
	Events() <-chan Event
}
