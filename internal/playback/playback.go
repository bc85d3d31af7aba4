// Package playback converts bursty provider audio chunks into a smooth,
// wall-clock-paced 20 ms outbound frame stream.
//
// Each call owns at most one active [Stream]. A stream primes until enough
// audio is buffered, then emits one frame per 20 ms on a monotonic deadline
// loop. When the buffer runs dry mid-stream it stalls: silence keeps the
// downstream cadence alive while the buffer refills, and a stall that
// outlives the fallback timeout asks the orchestrator to play a local
// filler file. Pacing is deadline-based rather than tick-counted so that
// provider jitter cannot compound into drift.
package playback

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/varnalab/ariadne/pkg/audio"
)

var (
	// ErrStreamExists is returned by StartStream when the call already has
	// an active stream.
	ErrStreamExists = errors.New("playback: stream already exists for call")

	// ErrStreamClosed is returned when pushing to a stream that has ended
	// or been cancelled.
	ErrStreamClosed = errors.New("playback: stream closed")

	// ErrCodecMismatch is returned when a stream's source or egress codec
	// is invalid or the pair cannot be transcoded.
	ErrCodecMismatch = errors.New("playback: codec mismatch")
)

// slipTolerance is how late an emit tick may fire before it is counted as
// an underflow and the schedule is resynchronized.
const slipTolerance = 10 * time.Millisecond

// State is the lifecycle phase of a [Stream].
type State int

const (
	StatePriming State = iota
	StatePlaying
	StateStalled
	StateEnded
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StatePriming:
		return "priming"
	case StatePlaying:
		return "playing"
	case StateStalled:
		return "stalled"
	case StateEnded:
		return "ended"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// EndReason tells the coordinator why a stream stopped.
type EndReason string

const (
	// EndCompleted means the provider marked the stream done and the
	// buffer drained fully.
	EndCompleted EndReason = "completed"

	// EndBargeIn means the caller interrupted the agent.
	EndBargeIn EndReason = "barge-in"

	// EndTeardown means the call is being torn down.
	EndTeardown EndReason = "teardown"

	// EndWriteError means the transport rejected a frame.
	EndWriteError EndReason = "write-error"
)

// Config holds the stream timing knobs.
type Config struct {
	// MinStart is how much audio must be buffered before emission starts,
	// and the refill target after a stall.
	MinStart time.Duration

	// LowWatermark is the buffer depth below which a stream with more
	// chunks expected transitions to Stalled.
	LowWatermark time.Duration

	// FallbackTimeout is how long a stall may persist with no new chunks
	// before the fallback file is requested.
	FallbackTimeout time.Duration
}

// DefaultConfig returns production timing defaults.
func DefaultConfig() Config {
	return Config{
		MinStart:        300 * time.Millisecond,
		LowWatermark:    200 * time.Millisecond,
		FallbackTimeout: 3 * time.Second,
	}
}

// Hooks are the manager's callbacks into the rest of the engine. Any field
// may be nil. Hooks are invoked on stream goroutines and must not block.
type Hooks struct {
	// OnStall fires at most once per stream, when a stall outlives the
	// fallback timeout. The orchestrator plays the filler file.
	OnStall func(callID, streamID string)

	// OnEnded fires exactly once per stream, after the last frame.
	OnEnded func(callID, streamID string, reason EndReason)

	// OnUnderflow fires for every emit tick that slipped past tolerance.
	OnUnderflow func(callID string)
}

// WriteFunc delivers one paced egress frame to the call's transport.
type WriteFunc func(audio.Frame) error

// Manager owns all active playback streams. Safe for concurrent use.
type Manager struct {
	cfg   Config
	hooks Hooks
	log   *slog.Logger

	mu      sync.Mutex
	streams map[string]*Stream
}

// NewManager creates a playback manager. A nil logger defaults to slog's
// default logger.
func NewManager(cfg Config, hooks Hooks, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		cfg:     cfg,
		hooks:   hooks,
		log:     log,
		streams: make(map[string]*Stream),
	}
}

// StartStream begins a new paced stream for callID. Provider chunks arrive
// in source codec and are transcoded once per chunk to egress. continuous
// marks full-duplex provider streams, where the whole turn arrives as one
// stream with internal pauses; the coordinator arms gating once per turn
// for those rather than once per chunk.
func (m *Manager) StartStream(callID, streamID string, continuous bool, source, egress audio.Codec, write WriteFunc) (*Stream, error) {
	if err := source.Validate(); err != nil {
		return nil, fmt.Errorf("%w: source %s: %w", ErrCodecMismatch, source, err)
	}
	if err := egress.Validate(); err != nil {
		return nil, fmt.Errorf("%w: egress %s: %w", ErrCodecMismatch, egress, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.streams[callID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrStreamExists, callID)
	}

	s := &Stream{
		m:          m,
		callID:     callID,
		streamID:   streamID,
		continuous: continuous,
		source:     source,
		egress:     egress,
		write:      write,
		slicer:     audio.NewSlicer(egress),
		state:      StatePriming,
		wake:       make(chan struct{}, 1),
		cancelCh:   make(chan struct{}),
		lastChunk:  time.Now(),
	}
	m.streams[callID] = s
	go s.run()

	m.log.Debug("playback stream started",
		"call_id", callID, "stream_id", streamID,
		"continuous", continuous, "egress", egress.String())
	return s, nil
}

// Get returns the active stream for callID, if any.
func (m *Manager) Get(callID string) (*Stream, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[callID]
	return s, ok
}

// Cancel cancels the active stream for callID. Cancelling a call with no
// stream is a no-op.
func (m *Manager) Cancel(callID string, reason EndReason) {
	m.mu.Lock()
	s, ok := m.streams[callID]
	m.mu.Unlock()
	if ok {
		s.Cancel(reason)
	}
}

// Close cancels every active stream. Idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	streams := make([]*Stream, 0, len(m.streams))
	for _, s := range m.streams {
		streams = append(streams, s)
	}
	m.mu.Unlock()

	for _, s := range streams {
		s.Cancel(EndTeardown)
	}
	return nil
}

func (m *Manager) remove(s *Stream) {
	m.mu.Lock()
	if cur, ok := m.streams[s.callID]; ok && cur == s {
		delete(m.streams, s.callID)
	}
	m.mu.Unlock()
}

// Stream is one provider utterance (or one full-duplex turn) being paced
// out to the transport.
type Stream struct {
	m          *Manager
	callID     string
	streamID   string
	continuous bool
	source     audio.Codec
	egress     audio.Codec
	write      WriteFunc

	mu        sync.Mutex
	state     State
	frames    []audio.Frame // pre-sliced 20 ms egress frames
	slicer    *audio.Slicer
	done      bool // provider marked the stream complete
	lastChunk time.Time
	stalled   bool // fallback already requested
	endReason EndReason

	wake     chan struct{}
	cancelCh chan struct{}
	endOnce  sync.Once
}

// StreamID returns the identifier the stream was started with.
func (s *Stream) StreamID() string { return s.streamID }

// Continuous reports whether the stream carries a whole full-duplex turn.
func (s *Stream) Continuous() bool { return s.continuous }

// State returns the current lifecycle phase.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PushChunk transcodes one provider chunk to the egress codec, slices it
// into 20 ms frames, and buffers them. Chunks pushed after the stream has
// ended are dropped with ErrStreamClosed; the caller treats that as a
// stale-turn chunk.
func (s *Stream) PushChunk(data []byte) error {
	out, err := audio.Transcode(data, s.source, s.egress)
	if err != nil {
		return fmt.Errorf("playback: transcode chunk: %w", err)
	}

	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return ErrStreamClosed
	}
	s.slicer.Push(out)
	for {
		f, ok := s.slicer.Next()
		if !ok {
			break
		}
		s.frames = append(s.frames, f)
	}
	s.lastChunk = time.Now()
	s.mu.Unlock()

	s.signal()
	return nil
}

// MarkDone tells the stream no further chunks will arrive. The buffered
// audio plays out to completion; a priming stream flushes immediately
// (the short-utterance case).
func (s *Stream) MarkDone() {
	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return
	}
	s.done = true
	s.mu.Unlock()
	s.signal()
}

// Cancel atomically freezes the emitter, flushes the buffer, and ends the
// stream with the given reason. Idempotent; the first reason wins.
func (s *Stream) Cancel(reason EndReason) {
	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return
	}
	s.state = StateEnded
	s.frames = nil
	s.endReason = reason
	s.mu.Unlock()

	close(s.cancelCh)
	s.finish()
}

// depthLocked returns the buffered audio depth. Caller holds s.mu.
func (s *Stream) depthLocked() time.Duration {
	return time.Duration(len(s.frames))*audio.FrameDuration + s.slicer.Buffered()
}

// flushLocked drains the slicer tail as a final padded frame. Caller holds
// s.mu.
func (s *Stream) flushLocked() {
	if f, ok := s.slicer.Flush(); ok {
		s.frames = append(s.frames, f)
	}
}

func (s *Stream) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// finish fires the OnEnded hook exactly once and detaches the stream from
// the manager. The reason was recorded under s.mu by whichever path ended
// the stream first.
func (s *Stream) finish() {
	s.endOnce.Do(func() {
		s.mu.Lock()
		reason := s.endReason
		if reason == "" {
			reason = EndCompleted
		}
		s.mu.Unlock()
		s.m.remove(s)
		s.m.log.Debug("playback stream ended",
			"call_id", s.callID, "stream_id", s.streamID, "reason", string(reason))
		if s.m.hooks.OnEnded != nil {
			s.m.hooks.OnEnded(s.callID, s.streamID, reason)
		}
	})
}

// run is the per-stream emitter goroutine: prime, then pace frames on a
// monotonic deadline loop until the stream drains or is cancelled.
func (s *Stream) run() {
	// Reusable timer, stopped and drained up front.
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	// Priming: wait for enough depth or an early done. A provider that
	// goes quiet before the start threshold must not leave the caller in
	// dead air, so priming carries its own deadline: the fallback timeout
	// measured from the last chunk.
priming:
	for {
		s.mu.Lock()
		if s.state == StateEnded {
			s.mu.Unlock()
			return
		}
		if s.done {
			s.flushLocked()
			s.state = StatePlaying
			s.mu.Unlock()
			break
		}
		if s.depthLocked() >= s.m.cfg.MinStart {
			s.state = StatePlaying
			s.mu.Unlock()
			break
		}
		deadline := s.lastChunk.Add(s.m.cfg.FallbackTimeout)
		s.mu.Unlock()

		timer.Reset(time.Until(deadline))
		select {
		case <-s.cancelCh:
			return
		case <-s.wake:
			if !timer.Stop() {
				<-timer.C
			}
		case <-timer.C:
			// Provider starved mid-priming. Start pacing with whatever
			// is buffered; a dry buffer stalls on the first tick, which
			// also requests the fallback file.
			s.mu.Lock()
			if s.state == StateEnded {
				s.mu.Unlock()
				return
			}
			s.flushLocked()
			s.state = StatePlaying
			s.m.log.Warn("playback priming starved",
				"call_id", s.callID, "stream_id", s.streamID,
				"buffered", s.depthLocked())
			s.mu.Unlock()
			break priming
		}
	}

	next := time.Now()
	for {
		next = next.Add(audio.FrameDuration)
		timer.Reset(time.Until(next))
		select {
		case <-s.cancelCh:
			return
		case <-timer.C:
		}

		if slip := time.Since(next); slip > slipTolerance {
			s.m.log.Warn("playback schedule slip",
				"call_id", s.callID, "slip", slip)
			if s.m.hooks.OnUnderflow != nil {
				s.m.hooks.OnUnderflow(s.callID)
			}
			// Resynchronize rather than bursting catch-up frames.
			next = time.Now()
		}

		frame, emit, stop := s.tick()
		if stop {
			s.finish()
			return
		}
		if emit {
			if err := s.write(frame); err != nil {
				s.m.log.Error("playback write failed",
					"call_id", s.callID, "error", err)
				s.Cancel(EndWriteError)
				return
			}
		}
	}
}

// tick emits one frame's worth of state machine: pops the next real frame,
// substitutes silence while stalled, and drives the Playing↔Stalled and
// drain-to-Ended transitions.
func (s *Stream) tick() (frame audio.Frame, emit, stop bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateEnded {
		return audio.Frame{}, false, true
	}
	if s.done {
		s.flushLocked()
	}

	if len(s.frames) == 0 {
		if s.done {
			s.state = StateEnded
			s.endReason = EndCompleted
			return audio.Frame{}, false, true
		}
		// Buffer dry, more chunks expected: stall and keep cadence
		// with silence.
		if s.state != StateStalled {
			s.state = StateStalled
			s.m.log.Warn("playback stalled",
				"call_id", s.callID, "stream_id", s.streamID)
		}
		s.maybeRequestFallbackLocked()
		return s.egress.SilenceFrame(), true, false
	}

	// Real audio always drains; the Stalled/Playing split is hysteresis
	// (drop below the low watermark, recover at min_start) so that a
	// jittery provider does not flap the state on every chunk.
	switch s.state {
	case StateStalled:
		if s.done || s.depthLocked() >= s.m.cfg.MinStart {
			s.state = StatePlaying
		}
	case StatePlaying:
		if !s.done && s.depthLocked() < s.m.cfg.LowWatermark {
			s.state = StateStalled
			s.m.log.Warn("playback below low watermark",
				"call_id", s.callID, "depth", s.depthLocked())
		}
	}

	frame = s.frames[0]
	s.frames = s.frames[1:]
	return frame, true, false
}

// maybeRequestFallbackLocked fires the stall hook once per stream when no
// chunk has arrived for the fallback timeout. Caller holds s.mu.
func (s *Stream) maybeRequestFallbackLocked() {
	if s.stalled || s.m.hooks.OnStall == nil {
		return
	}
	if time.Since(s.lastChunk) < s.m.cfg.FallbackTimeout {
		return
	}
	s.stalled = true
	callID, streamID := s.callID, s.streamID
	go s.m.hooks.OnStall(callID, streamID)
}
