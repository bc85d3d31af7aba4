package provider

import "time"

// EventType discriminates the variants of [Event].
type EventType int

const (
	// EventAgentAudioChunk carries a chunk of synthesised agent audio in the
	// session's output codec.
	EventAgentAudioChunk EventType = iota

	// EventAgentAudioDone marks the end of the agent's audio for the current
	// response.
	EventAgentAudioDone

	// EventSpeechStarted reports backend-side detection of caller speech.
	EventSpeechStarted

	// EventSpeechStopped reports backend-side detection of caller silence.
	EventSpeechStopped

	// EventTranscriptDelta carries a partial transcript of caller speech.
	EventTranscriptDelta

	// EventTranscriptFinal carries the finalised transcript of one caller
	// utterance.
	EventTranscriptFinal

	// EventToolCall reports a tool invocation requested by the model.
	EventToolCall

	// EventError reports a backend failure. Fatal failures are followed by
	// [EventClosed]; anything else is informational.
	EventError

	// EventClosed marks the end of the session's event stream for the call.
	EventClosed
)

// String returns the wire-style name of the event type.
func (t EventType) String() string {
	switch t {
	case EventAgentAudioChunk:
		return "agent_audio_chunk"
	case EventAgentAudioDone:
		return "agent_audio_done"
	case EventSpeechStarted:
		return "speech_started"
	case EventSpeechStopped:
		return "speech_stopped"
	case EventTranscriptDelta:
		return "transcript_delta"
	case EventTranscriptFinal:
		return "transcript_final"
	case EventToolCall:
		return "tool_call"
	case EventError:
		return "error"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is the tagged union emitted by adapters. Only the fields relevant to
// the Type are populated.
type Event struct {
	Type EventType

	// CallID identifies the call the event belongs to.
	CallID string

	// Audio holds the PCM chunk for [EventAgentAudioChunk].
	Audio []byte

	// Text holds transcript content for the transcript variants.
	Text string

	// ToolName and ToolArgs describe an [EventToolCall]; ToolArgs is a
	// JSON-encoded argument object.
	ToolName string
	ToolArgs string

	// Err carries the failure for [EventError].
	Err error

	// Fatal marks an [EventError] that will be followed by [EventClosed].
	Fatal bool

	// At is the adapter-side receive time, on the adapter's monotonic clock.
	At time.Time
}
