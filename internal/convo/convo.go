// Package convo holds the per-call conversation coordinator: the state
// machine that decides who owns the floor.
//
// All inputs (provider events, tapped inbound frames, playback
// notifications) are queued on one channel and processed by a single
// goroutine, so transitions are never re-entered. Provider-reported speech
// events are the authoritative barge-in source when the adapter supports
// them; otherwise an RMS energy estimator over the frames gating discarded
// acts as the fallback detector.
package convo

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/varnalab/ariadne/internal/gating"
	"github.com/varnalab/ariadne/internal/playback"
	"github.com/varnalab/ariadne/pkg/audio"
	"github.com/varnalab/ariadne/pkg/provider"
)

// State is the coordinator's turn-ownership phase.
type State int

const (
	StateIdle State = iota
	StateCallerSpeaking
	StateThinking
	StateAgentSpeaking
	StateBargingIn
	StateClosed
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCallerSpeaking:
		return "caller_speaking"
	case StateThinking:
		return "thinking"
	case StateAgentSpeaking:
		return "agent_speaking"
	case StateBargingIn:
		return "barging_in"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config carries the turn-taking knobs resolved from call config and the
// adapter's capabilities.
type Config struct {
	// Continuous marks full-duplex providers that stream a whole turn as
	// one stream. Gating is armed once per turn either way; this flag is
	// forwarded to the playback manager.
	Continuous bool

	// ProviderSpeechEvents makes adapter speech events the authoritative
	// barge-in source. The energy estimator stays armed as fallback.
	ProviderSpeechEvents bool

	// BargeInEnabled enables the energy-estimator fallback.
	BargeInEnabled bool

	// BargeInThreshold is the normalized RMS [0,1] a tapped frame must
	// reach to count as caller speech.
	BargeInThreshold float64

	// MinBargeIn is how long energy must stay above threshold before the
	// agent is interrupted.
	MinBargeIn time.Duration

	// SampleDuringGuard lets the estimator sample frames discarded by the
	// post-TTS guard window. Off by default: the guard exists because
	// those frames tend to be the agent's own echo.
	SampleDuringGuard bool

	// PostTTSGuard is the guard window armed when an agent turn finishes.
	PostTTSGuard time.Duration
}

// DefaultConfig returns production turn-taking defaults.
func DefaultConfig() Config {
	return Config{
		BargeInEnabled:   true,
		BargeInThreshold: 0.065,
		MinBargeIn:       160 * time.Millisecond,
		PostTTSGuard:     300 * time.Millisecond,
	}
}

// Hooks are the coordinator's callbacks to the orchestrator. Invoked on the
// event-loop goroutine; must not block and must not call back into the
// coordinator synchronously.
type Hooks struct {
	// OnStateChange fires on every transition.
	OnStateChange func(from, to State, turnID uint64)

	// OnBargeIn fires when the caller interrupts the agent. source is
	// "provider" for adapter speech events and "energy" for the estimator.
	OnBargeIn func(turnID uint64, source string)

	// OnToolCall surfaces provider tool invocations.
	OnToolCall func(name, args string)

	// OnTranscript surfaces final caller/agent transcripts for logging.
	OnTranscript func(text string)

	// OnFatal requests call teardown after a provider error/close or a
	// transport write failure.
	OnFatal func(reason string)
}

// Deps are the collaborators one coordinator drives.
type Deps struct {
	Gate    *gating.Manager
	Play    *playback.Manager
	Adapter provider.Adapter

	// Source is the provider-facing codec agent audio arrives in; Egress
	// is the caller-facing codec playback emits.
	Source audio.Codec
	Egress audio.Codec

	// Write delivers paced egress frames to the transport.
	Write playback.WriteFunc

	Log   *slog.Logger
	Hooks Hooks
}

type eventKind int

const (
	evProvider eventKind = iota
	evTap
	evPlaybackEnded
)

type event struct {
	kind     eventKind
	provider provider.Event
	frame    audio.Frame
	streamID string
	reason   playback.EndReason
}

// Coordinator drives turn ownership for one call.
type Coordinator struct {
	callID string
	cfg    Config
	deps   Deps
	log    *slog.Logger

	events chan event
	done   chan struct{}
	wg     sync.WaitGroup

	mu     sync.Mutex
	state  State
	turnID uint64
	closed bool

	// event-loop-owned fields
	ttsToken   gating.Token
	ttsHeld    bool
	toolToken  gating.Token
	toolHeld   bool
	aboveSince time.Duration
}

// New creates and starts a coordinator for callID.
func New(callID string, cfg Config, deps Deps) *Coordinator {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	c := &Coordinator{
		callID: callID,
		cfg:    cfg,
		deps:   deps,
		log:    deps.Log.With("call_id", callID),
		events: make(chan event, 256),
		done:   make(chan struct{}),
		state:  StateIdle,
	}
	c.wg.Add(1)
	go c.run()
	return c
}

// State returns the current turn-ownership phase.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// TurnID returns the current turn identifier.
func (c *Coordinator) TurnID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.turnID
}

// HandleProviderEvent queues one adapter event for processing. Events for
// this call must be fed in adapter order.
func (c *Coordinator) HandleProviderEvent(ev provider.Event) {
	select {
	case c.events <- event{kind: evProvider, provider: ev}:
	case <-c.done:
	}
}

// TapGatedFrame feeds one inbound frame that the gating filter discarded to
// the barge-in energy estimator. Frames are droppable: a full queue sheds
// them rather than stalling the inbound loop.
func (c *Coordinator) TapGatedFrame(f audio.Frame) {
	select {
	case c.events <- event{kind: evTap, frame: f}:
	default:
	}
}

// PlaybackEnded reports that the call's playback stream finished or was
// cancelled. Wired to the playback manager's OnEnded hook. Cancel paths
// reach here synchronously from the event loop itself, so a full queue is
// handed off to a goroutine rather than blocking the caller.
func (c *Coordinator) PlaybackEnded(streamID string, reason playback.EndReason) {
	ev := event{kind: evPlaybackEnded, streamID: streamID, reason: reason}
	select {
	case c.events <- ev:
		return
	case <-c.done:
		return
	default:
	}
	go func() {
		select {
		case c.events <- ev:
		case <-c.done:
		}
	}()
}

// Close stops the event loop, cancels any active stream, and releases all
// gating state for the call. Idempotent.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	close(c.done)
	c.wg.Wait()

	c.deps.Play.Cancel(c.callID, playback.EndTeardown)
	c.deps.Gate.Drop(c.callID)
	c.setState(StateClosed)
	return nil
}

func (c *Coordinator) run() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case ev := <-c.events:
			switch ev.kind {
			case evProvider:
				c.onProviderEvent(ev.provider)
			case evTap:
				c.onTappedFrame(ev.frame)
			case evPlaybackEnded:
				c.onPlaybackEnded(ev.streamID, ev.reason)
			}
		}
	}
}

// setState records a transition and fires the hook.
func (c *Coordinator) setState(to State) {
	c.mu.Lock()
	from := c.state
	if from == to {
		c.mu.Unlock()
		return
	}
	c.state = to
	turn := c.turnID
	c.mu.Unlock()

	c.log.Debug("turn state", "from", from.String(), "to", to.String(), "turn_id", turn)
	if c.deps.Hooks.OnStateChange != nil {
		c.deps.Hooks.OnStateChange(from, to, turn)
	}
}

func (c *Coordinator) currentState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) nextTurn() uint64 {
	c.mu.Lock()
	c.turnID++
	id := c.turnID
	c.mu.Unlock()
	return id
}

func (c *Coordinator) onProviderEvent(ev provider.Event) {
	switch ev.Type {
	case provider.EventSpeechStarted:
		switch c.currentState() {
		case StateIdle:
			c.nextTurn()
			c.setState(StateCallerSpeaking)
		case StateAgentSpeaking:
			// Adapter-reported caller speech during agent playback is
			// the authoritative barge-in signal.
			if c.cfg.ProviderSpeechEvents {
				c.bargeIn("provider")
			}
		}

	case provider.EventSpeechStopped:
		if c.currentState() == StateCallerSpeaking {
			c.setState(StateThinking)
		}

	case provider.EventTranscriptFinal:
		if c.deps.Hooks.OnTranscript != nil {
			c.deps.Hooks.OnTranscript(ev.Text)
		}
		if c.currentState() == StateCallerSpeaking {
			c.setState(StateThinking)
		}

	case provider.EventTranscriptDelta:
		c.log.Debug("transcript delta", "text", ev.Text)

	case provider.EventAgentAudioChunk:
		c.onAgentChunk(ev.Audio)

	case provider.EventAgentAudioDone:
		c.onAgentDone()

	case provider.EventToolCall:
		c.log.Info("provider tool call", "tool", ev.ToolName)
		// Mute capture while the tool runs so the provider does not take
		// new caller input mid-execution. Released when the provider
		// resumes speaking or the turn otherwise resolves.
		if !c.toolHeld {
			c.toolToken = c.deps.Gate.Acquire(c.callID, gating.ReasonTool)
			c.toolHeld = true
		}
		if c.deps.Hooks.OnToolCall != nil {
			c.deps.Hooks.OnToolCall(ev.ToolName, ev.ToolArgs)
		}

	case provider.EventError:
		if ev.Fatal {
			c.log.Error("provider fatal error", "error", ev.Err)
			c.fatal("provider-error")
		} else {
			c.log.Warn("provider error", "error", ev.Err)
		}

	case provider.EventClosed:
		c.fatal("provider-closed")
	}
}

// onAgentChunk routes agent audio into the playback stream, opening one on
// the first chunk of a turn. Chunks arriving while the caller holds the
// floor belong to a cancelled turn and are dropped.
func (c *Coordinator) onAgentChunk(chunk []byte) {
	switch c.currentState() {
	case StateCallerSpeaking, StateBargingIn, StateClosed:
		c.log.Debug("dropping stale agent chunk", "bytes", len(chunk))
		return
	case StateIdle, StateThinking:
		// First chunk of the turn: arm gating before any audio can
		// reach the wire, then open the stream. One token per turn;
		// continuous streams in particular never re-arm per chunk.
		turn := c.TurnID()
		if turn == 0 {
			turn = c.nextTurn() // agent speaks first (greeting)
		}
		streamID := fmt.Sprintf("turn-%d", turn)
		c.ttsToken = c.deps.Gate.Acquire(c.callID, gating.ReasonTTSSegment)
		c.ttsHeld = true

		_, err := c.deps.Play.StartStream(c.callID, streamID, c.cfg.Continuous,
			c.deps.Source, c.deps.Egress, c.deps.Write)
		if err != nil {
			c.log.Error("start playback stream", "error", err)
			c.releaseTTS()
			return
		}
		c.setState(StateAgentSpeaking)
	}

	// The provider resumed speaking; any tool-execution mute hands over
	// to the turn's TTS token acquired above.
	c.releaseTool()

	s, ok := c.deps.Play.Get(c.callID)
	if !ok {
		return
	}
	if err := s.PushChunk(chunk); err != nil {
		c.log.Debug("push agent chunk", "error", err)
	}
}

// onAgentDone finishes the agent's turn: drain the stream, drop the gate
// token, and arm the post-TTS guard over the acoustic tail.
func (c *Coordinator) onAgentDone() {
	if c.currentState() != StateAgentSpeaking {
		return
	}
	if s, ok := c.deps.Play.Get(c.callID); ok {
		s.MarkDone()
	}
	c.releaseTTS()
	c.releaseTool()
	c.deps.Gate.ArmPostTTSGuard(c.callID, c.cfg.PostTTSGuard)
	c.resetEstimator()
	c.setState(StateIdle)
}

// onTappedFrame runs the energy-estimator fallback over one discarded
// inbound frame.
func (c *Coordinator) onTappedFrame(f audio.Frame) {
	if !c.cfg.BargeInEnabled || c.currentState() != StateAgentSpeaking {
		return
	}
	if !c.cfg.SampleDuringGuard && c.deps.Gate.GuardActive(c.callID) {
		return
	}

	if audio.RMS(f.Data) >= c.cfg.BargeInThreshold {
		c.aboveSince += f.Duration()
	} else {
		c.aboveSince = 0
	}
	if c.aboveSince >= c.cfg.MinBargeIn {
		c.resetEstimator()
		c.bargeIn("energy")
	}
}

// bargeIn executes the caller-interrupts-agent transition: cancel playback,
// tell the provider to stop generating, release the gate, and hand the
// floor to the caller under a fresh turn id.
func (c *Coordinator) bargeIn(source string) {
	turn := c.TurnID()
	c.log.Info("barge-in", "turn_id", turn, "source", source)
	c.setState(StateBargingIn)

	c.deps.Play.Cancel(c.callID, playback.EndBargeIn)
	if err := c.deps.Adapter.CancelResponse(c.callID); err != nil {
		c.log.Warn("cancel provider response", "error", err)
	}
	c.releaseTTS()
	c.releaseTool()

	if c.deps.Hooks.OnBargeIn != nil {
		c.deps.Hooks.OnBargeIn(turn, source)
	}

	// Playback cancel is synchronous: the emitter is frozen and flushed
	// by the time Cancel returns, so the floor passes immediately.
	c.nextTurn()
	c.setState(StateCallerSpeaking)
}

func (c *Coordinator) onPlaybackEnded(streamID string, reason playback.EndReason) {
	c.log.Debug("playback ended", "stream_id", streamID, "reason", string(reason))
	if reason == playback.EndWriteError {
		c.fatal("transport-write")
	}
}

func (c *Coordinator) releaseTTS() {
	if c.ttsHeld {
		c.deps.Gate.Release(c.ttsToken)
		c.ttsHeld = false
	}
}

func (c *Coordinator) releaseTool() {
	if c.toolHeld {
		c.deps.Gate.Release(c.toolToken)
		c.toolHeld = false
	}
}

func (c *Coordinator) resetEstimator() {
	c.aboveSince = 0
}

// fatal asks the orchestrator to tear the call down. The coordinator stays
// alive until Close so late events drain harmlessly.
func (c *Coordinator) fatal(reason string) {
	c.releaseTTS()
	c.releaseTool()
	c.deps.Play.Cancel(c.callID, playback.EndTeardown)
	if c.deps.Hooks.OnFatal != nil {
		c.deps.Hooks.OnFatal(reason)
	}
}
