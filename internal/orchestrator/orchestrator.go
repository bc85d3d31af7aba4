// Package orchestrator supervises the lifecycle of every call: setup against
// the PBX, media transport attach, provider handshake, the conversation
// loop, and ordered teardown.
//
// One [Orchestrator] serves the process. Each call gets its own supervisor
// goroutine group; the orchestrator routes PBX events and adapter events to
// the owning call and holds the process-wide gating and playback managers.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/varnalab/ariadne/internal/ari"
	"github.com/varnalab/ariadne/internal/config"
	"github.com/varnalab/ariadne/internal/gating"
	"github.com/varnalab/ariadne/internal/observe"
	"github.com/varnalab/ariadne/internal/playback"
	"github.com/varnalab/ariadne/internal/profile"
	"github.com/varnalab/ariadne/internal/resilience"
	"github.com/varnalab/ariadne/internal/session"
	"github.com/varnalab/ariadne/internal/transport"
	"github.com/varnalab/ariadne/internal/transport/audiosocket"
	"github.com/varnalab/ariadne/pkg/audio"
	"github.com/varnalab/ariadne/pkg/provider"
)

// Control is the subset of the ARI client the orchestrator drives. *ari.Client
// satisfies it; tests substitute a fake.
type Control interface {
	Answer(ctx context.Context, channelID string) error
	Hangup(ctx context.Context, channelID string) error
	CreateBridge(ctx context.Context, bridgeID string) (string, error)
	DestroyBridge(ctx context.Context, bridgeID string) error
	AddToBridge(ctx context.Context, bridgeID, channelID string) error
	ExternalMedia(ctx context.Context, p ari.ExternalMediaParams) (ari.Channel, error)
	PlayOnBridge(ctx context.Context, bridgeID, mediaURI string) (string, error)
	ChannelVar(ctx context.Context, channelID, name string) (string, error)
}

var _ Control = (*ari.Client)(nil)

// Deps are the process-wide collaborators an orchestrator is built from.
type Deps struct {
	Cfg      *config.Config
	Control  Control
	Profiles *profile.Registry

	// Adapters maps configured provider names to their constructed
	// adapters. All sessions for a name share one adapter instance.
	Adapters map[string]provider.Adapter

	Store   *session.Store
	Metrics *observe.Metrics
	Log     *slog.Logger
}

// Orchestrator owns all active calls.
type Orchestrator struct {
	cfg      *config.Config
	ctl      Control
	profiles *profile.Registry
	adapters map[string]provider.Adapter
	store    *session.Store
	metrics  *observe.Metrics
	log      *slog.Logger

	gate *gating.Manager
	play *playback.Manager

	// breakers holds one circuit breaker per provider name; repeated
	// handshake failures trip it and new calls for that provider are
	// rejected at setup.
	breakers map[string]*resilience.CircuitBreaker

	mu          sync.Mutex
	calls       map[string]*call
	channels    map[string]*call // caller channel id -> call
	playWaiters map[string]func()
	draining    bool

	sockets socketBroker

	// attachOverride substitutes the media attach step in tests.
	attachOverride func(ctx context.Context, c *call) (transport.Conn, error)

	wg sync.WaitGroup
}

// New builds an orchestrator. The playback manager's stall, underflow, and
// end callbacks are wired back into it.
func New(deps Deps) *Orchestrator {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	o := &Orchestrator{
		cfg:         deps.Cfg,
		ctl:         deps.Control,
		profiles:    deps.Profiles,
		adapters:    deps.Adapters,
		store:       deps.Store,
		metrics:     deps.Metrics,
		log:         deps.Log,
		gate:        gating.NewManager(),
		breakers:    make(map[string]*resilience.CircuitBreaker),
		calls:       make(map[string]*call),
		channels:    make(map[string]*call),
		playWaiters: make(map[string]func()),
		sockets:     socketBroker{waiting: make(map[string]chan transport.Conn)},
	}

	minStart, lowWater, fallback := deps.Cfg.Streaming.Durations()
	o.play = playback.NewManager(playback.Config{
		MinStart:        minStart,
		LowWatermark:    lowWater,
		FallbackTimeout: fallback,
	}, playback.Hooks{
		OnStall:     o.onPlaybackStall,
		OnUnderflow: o.onPlaybackUnderflow,
		OnEnded:     o.onPlaybackEnded,
	}, deps.Log)

	for name := range deps.Adapters {
		o.breakers[name] = resilience.NewCircuitBreaker(resilience.BreakerConfig{Name: name})
	}
	return o
}

// Gate exposes the process-wide gating manager, for the admin surface.
func (o *Orchestrator) Gate() *gating.Manager { return o.gate }

// Run consumes PBX events until ctx is cancelled, then drains active calls.
// When the default transport is AudioSocket it also serves the media listen
// socket.
func (o *Orchestrator) Run(ctx context.Context, events <-chan ari.Event) error {
	for name, ad := range o.adapters {
		o.wg.Add(1)
		go o.dispatchProviderEvents(ctx, name, ad)
	}

	if o.cfg.Transports.Default == session.TransportAudioSocket && o.attachOverride == nil {
		ln, err := audiosocket.Listen(o.cfg.Transports.AudioSocket.ListenAddr, o.log)
		if err != nil {
			return fmt.Errorf("orchestrator: audiosocket listen: %w", err)
		}
		defer ln.Close()
		o.wg.Add(1)
		go o.acceptMedia(ctx, ln)
	}

	for {
		select {
		case <-ctx.Done():
			o.drain()
			o.wg.Wait()
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				o.drain()
				o.wg.Wait()
				return errors.New("orchestrator: event stream closed")
			}
			o.handleEvent(ctx, ev)
		}
	}
}

func (o *Orchestrator) handleEvent(ctx context.Context, ev ari.Event) {
	switch ev.Type {
	case ari.EventStasisStart:
		if isMediaLeg(ev.Channel) {
			o.log.Debug("media leg entered application", "channel_id", ev.Channel.ID)
			return
		}
		o.mu.Lock()
		draining := o.draining
		o.mu.Unlock()
		if draining {
			o.log.Warn("rejecting call during shutdown", "channel_id", ev.Channel.ID)
			_ = o.ctl.Hangup(ctx, ev.Channel.ID)
			return
		}
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.runCall(ctx, ev.Channel)
		}()

	case ari.EventStasisEnd, ari.EventChannelDestroyed:
		if c := o.callByChannel(ev.Channel.ID); c != nil {
			c.teardown(FailureCallerHangup)
		}

	case ari.EventPlaybackFinished:
		o.mu.Lock()
		done := o.playWaiters[ev.Playback.ID]
		delete(o.playWaiters, ev.Playback.ID)
		o.mu.Unlock()
		if done != nil {
			done()
		}
	}
}

// isMediaLeg reports whether ch is a channel the engine itself originated
// for media. Those re-enter the application and must not be treated as new
// callers.
func isMediaLeg(ch ari.Channel) bool {
	const (
		rtpPrefix    = "UnicastRTP/"
		socketPrefix = "AudioSocket/"
	)
	return len(ch.Name) >= len(rtpPrefix) && ch.Name[:len(rtpPrefix)] == rtpPrefix ||
		len(ch.Name) >= len(socketPrefix) && ch.Name[:len(socketPrefix)] == socketPrefix
}

// dispatchProviderEvents fans one adapter's event stream out to the owning
// calls, preserving per-call order.
func (o *Orchestrator) dispatchProviderEvents(ctx context.Context, name string, ad provider.Adapter) {
	defer o.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ad.Events():
			if !ok {
				o.log.Warn("adapter event stream closed", "provider", name)
				return
			}
			c := o.callByID(ev.CallID)
			if c == nil {
				o.log.Debug("event for unknown call", "provider", name, "call_id", ev.CallID, "type", ev.Type.String())
				continue
			}
			c.onProviderEvent(ev)
		}
	}
}

// acceptMedia serves the AudioSocket listener, handing each handshaken
// connection to the call waiting on its UUID.
func (o *Orchestrator) acceptMedia(ctx context.Context, ln *audiosocket.Listener) {
	defer o.wg.Done()
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			o.log.Warn("audiosocket accept", "error", err)
			continue
		}
		if !o.sockets.deliver(conn) {
			o.log.Warn("audiosocket connection for unknown call", "call_id", conn.CallID())
			_ = conn.Close()
		}
	}
}

func (o *Orchestrator) callByID(id string) *call {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls[id]
}

func (o *Orchestrator) callByChannel(channelID string) *call {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.channels[channelID]
}

func (o *Orchestrator) register(c *call) {
	o.mu.Lock()
	o.calls[c.id] = c
	o.channels[c.callerCh] = c
	o.mu.Unlock()
}

func (o *Orchestrator) unregister(c *call) {
	o.mu.Lock()
	delete(o.calls, c.id)
	delete(o.channels, c.callerCh)
	o.mu.Unlock()
}

// expectPlaybackDone registers fn to run when the PBX reports playbackID
// finished. The registration is dropped if teardown wins the race.
func (o *Orchestrator) expectPlaybackDone(playbackID string, fn func()) {
	o.mu.Lock()
	o.playWaiters[playbackID] = fn
	o.mu.Unlock()
}

func (o *Orchestrator) forgetPlayback(playbackID string) {
	o.mu.Lock()
	delete(o.playWaiters, playbackID)
	o.mu.Unlock()
}

// drain tears every active call down for process shutdown.
func (o *Orchestrator) drain() {
	o.mu.Lock()
	o.draining = true
	active := make([]*call, 0, len(o.calls))
	for _, c := range o.calls {
		active = append(active, c)
	}
	o.mu.Unlock()
	for _, c := range active {
		c.teardown(FailureShutdown)
	}
}

// onPlaybackStall plays the filler file when agent audio starves past the
// fallback timeout.
func (o *Orchestrator) onPlaybackStall(callID, streamID string) {
	c := o.callByID(callID)
	if c == nil {
		return
	}
	c.log.Warn("playback starved, playing filler", "stream_id", streamID)
	o.metrics.FallbackPlaybacks.Add(context.Background(), 1)
	_ = o.store.Update(callID, func(s *session.CallSession) {
		s.Metrics.FallbackPlaybacks++
	})
	if uri := o.cfg.Media.FallbackURI; uri != "" && c.bridgeID != "" {
		if _, err := o.ctl.PlayOnBridge(context.Background(), c.bridgeID, uri); err != nil {
			c.log.Warn("play filler", "error", err)
		}
	}
}

func (o *Orchestrator) onPlaybackUnderflow(callID string) {
	o.metrics.Underflows.Add(context.Background(), 1)
	_ = o.store.Update(callID, func(s *session.CallSession) {
		s.Metrics.Underflows++
	})
}

func (o *Orchestrator) onPlaybackEnded(callID, streamID string, reason playback.EndReason) {
	if c := o.callByID(callID); c != nil {
		if coord := c.coord.Load(); coord != nil {
			coord.PlaybackEnded(streamID, reason)
		}
	}
}

// socketBroker matches accepted AudioSocket connections to the calls that
// originated them, keyed by the UUID carried in the handshake frame.
type socketBroker struct {
	mu      sync.Mutex
	waiting map[string]chan transport.Conn
}

// expect returns a channel that will carry callID's media connection.
func (b *socketBroker) expect(callID string) <-chan transport.Conn {
	ch := make(chan transport.Conn, 1)
	b.mu.Lock()
	b.waiting[callID] = ch
	b.mu.Unlock()
	return ch
}

// deliver hands conn to the waiting call. Reports false when nobody is
// waiting on the connection's UUID.
func (b *socketBroker) deliver(conn transport.Conn) bool {
	b.mu.Lock()
	ch, ok := b.waiting[conn.CallID()]
	if ok {
		delete(b.waiting, conn.CallID())
	}
	b.mu.Unlock()
	if !ok {
		return false
	}
	ch <- conn
	return true
}

func (b *socketBroker) forget(callID string) {
	b.mu.Lock()
	delete(b.waiting, callID)
	b.mu.Unlock()
}

// asteriskFormat maps a codec to the Asterisk format name used in the
// external-media originate.
func asteriskFormat(c audio.Codec) (string, error) {
	switch {
	case c.Encoding == audio.EncodingUlaw:
		return "ulaw", nil
	case c.Encoding == audio.EncodingAlaw:
		return "alaw", nil
	case c.Encoding == audio.EncodingPCM16 && c.Rate == 8000:
		return "slin", nil
	case c.Encoding == audio.EncodingPCM16 && c.Rate == 16000:
		return "slin16", nil
	}
	return "", fmt.Errorf("orchestrator: no asterisk format for %s", c)
}

// handshakeTimeout falls back to the documented default when the config
// carries a zero.
func (o *Orchestrator) handshakeTimeout() time.Duration {
	if ms := o.cfg.Timeouts.ProviderHandshakeMs; ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return 10 * time.Second
}
