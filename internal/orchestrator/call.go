package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/varnalab/ariadne/internal/ari"
	"github.com/varnalab/ariadne/internal/convo"
	"github.com/varnalab/ariadne/internal/gating"
	"github.com/varnalab/ariadne/internal/observe"
	"github.com/varnalab/ariadne/internal/playback"
	"github.com/varnalab/ariadne/internal/profile"
	"github.com/varnalab/ariadne/internal/resilience"
	"github.com/varnalab/ariadne/internal/session"
	"github.com/varnalab/ariadne/internal/transport"
	"github.com/varnalab/ariadne/internal/transport/rtpmedia"
	"github.com/varnalab/ariadne/pkg/audio"
	"github.com/varnalab/ariadne/pkg/provider"
)

const (
	// upstreamQueueFrames bounds the to-provider queue at 400 ms of audio.
	// On overflow the oldest frame is shed.
	upstreamQueueFrames = 20

	// commitFloor is the minimum cumulative audio between provider commit
	// boundaries. Adapters may raise it via their capabilities.
	commitFloor = 100 * time.Millisecond

	// voiceFloor is the normalised RMS below which an inbound frame counts
	// as silence for the silent-caller timeout.
	voiceFloor = 0.01

	// maxSendFailures is how many consecutive SendAudio errors are tolerated
	// before the provider session is declared lost.
	maxSendFailures = 5

	// mediaAttachTimeout bounds the wait for the PBX to dial back the
	// AudioSocket media leg.
	mediaAttachTimeout = 10 * time.Second

	// promptWait bounds best-effort prompt playback during teardown and the
	// silent-caller path.
	promptWait = 3 * time.Second
)

// call is one live call's supervisor state.
type call struct {
	o   *Orchestrator
	log *slog.Logger

	id       string
	callerCh string
	bridgeID string
	mediaCh  string

	prof          profile.Profile
	providerCodec audio.Codec
	tapCodec      audio.Codec
	providerName  string
	adapter       provider.Adapter
	conn          transport.Conn

	// coord is written once by setup and read by the adapter event
	// dispatcher, hence the atomic pointer.
	coord atomic.Pointer[convo.Coordinator]

	transportAttr metric.MeasurementOption
	counted       atomic.Bool

	sendCh chan audio.Frame
	cancel context.CancelFunc

	started     time.Time
	lastVoice   atomic.Int64 // unix nanos of last above-floor inbound frame
	turnStarted atomic.Int64 // unix nanos of current turn's caller speech start
	commitMin   time.Duration

	// flushable per-call counters mirrored into the session store once a
	// second by housekeeping.
	framesIn        atomic.Uint64
	framesOut       atomic.Uint64
	framesDiscarded atomic.Uint64
	commits         atomic.Uint64
	bargeIns        atomic.Uint64
	upstreamDrops   atomic.Uint64

	teardownOnce sync.Once
}

// runCall drives one call from arrival to teardown. It blocks until the
// call's goroutine group has drained.
func (o *Orchestrator) runCall(parent context.Context, ch ari.Channel) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	c := &call{
		o:         o,
		id:        uuid.NewString(),
		callerCh:  ch.ID,
		sendCh:    make(chan audio.Frame, upstreamQueueFrames),
		cancel:    cancel,
		started:   time.Now(),
		commitMin: commitFloor,
	}
	c.log = o.log.With("call_id", c.id, "channel_id", ch.ID)
	c.lastVoice.Store(c.started.UnixNano())
	c.log.Info("call arrived", "caller", ch.Caller.Number, "channel", ch.Name)

	setupCtx, span := observe.StartSpan(ctx, "call.setup")
	kind, err := c.setup(setupCtx)
	span.End()
	if err != nil {
		c.log.Error("call setup failed", "error", err)
		c.teardown(kind)
		return
	}
	c.loops(ctx)
}

// setup runs lifecycle steps 1 through 4: session, answer, bridge, media
// attach, provider handshake, greeting. On error the returned FailureKind
// selects the teardown policy.
func (c *call) setup(ctx context.Context) (FailureKind, error) {
	o := c.o

	sess := &session.CallSession{
		CallID:          c.id,
		CallerChannelID: c.callerCh,
		State:           session.StatePlacing,
		CreatedAt:       c.started,
	}
	if err := o.store.Create(sess); err != nil {
		return FailureTransportFatal, fmt.Errorf("orchestrator: create session: %w", err)
	}
	o.metrics.ActiveCalls.Add(ctx, 1)
	c.counted.Store(true)
	o.register(c)

	// Dialplan hints. A variable read failing is not fatal; the defaults
	// take over.
	providerVar := c.channelVar(ctx, "AI_PROVIDER")
	profileVar := c.channelVar(ctx, "AI_AUDIO_PROFILE")
	contextVar := c.channelVar(ctx, "AI_CONTEXT")

	prof, err := o.profiles.Resolve(profileVar)
	if err != nil {
		return FailureProfileResolve, err
	}
	c.prof = prof

	kind := o.cfg.Transports.Default
	c.transportAttr = metric.WithAttributes(observe.Attr("transport", string(kind)))
	if kind == session.TransportAudioSocket &&
		(prof.Ingress.Encoding != audio.EncodingPCM16 || prof.Egress.Encoding != audio.EncodingPCM16) {
		return FailureProfileResolve,
			fmt.Errorf("orchestrator: profile %q (ingress %s, egress %s): audiosocket carries pcm16 only",
				prof.Name, prof.Ingress, prof.Egress)
	}

	// Provider precedence: channel variable > context mapping > default.
	c.providerName = providerVar
	if c.providerName == "" {
		c.providerName = o.cfg.Providers.ContextMap[contextVar]
	}
	if c.providerName == "" {
		c.providerName = o.cfg.Providers.Default
	}
	adapter, ok := o.adapters[c.providerName]
	if !ok {
		return FailureProviderHandshake, fmt.Errorf("orchestrator: provider %q not configured", c.providerName)
	}
	c.adapter = adapter

	caps := adapter.Capabilities()
	c.providerCodec = prof.Provider
	if caps.NativeInputRate != 0 {
		c.providerCodec.Rate = caps.NativeInputRate
	}
	c.tapCodec = audio.Codec{Encoding: audio.EncodingPCM16, Rate: prof.Ingress.Rate}
	if min := time.Duration(caps.MinCommitAudio) * time.Millisecond; min > c.commitMin {
		c.commitMin = min
	}

	_ = o.store.Update(c.id, func(s *session.CallSession) {
		s.Profile = prof
		s.Transport = kind
		s.ProviderName = c.providerName
	})

	if err := o.ctl.Answer(ctx, c.callerCh); err != nil {
		return FailureBridgeSetup, err
	}
	c.setSessionState(session.StateBridging)
	bridgeID, err := o.ctl.CreateBridge(ctx, c.id)
	if err != nil {
		return FailureBridgeSetup, err
	}
	c.bridgeID = bridgeID
	_ = o.store.Update(c.id, func(s *session.CallSession) { s.BridgeID = bridgeID })
	if err := o.ctl.AddToBridge(ctx, bridgeID, c.callerCh); err != nil {
		return FailureBridgeSetup, err
	}

	conn, err := o.attach(ctx, c)
	if err != nil {
		return FailureBridgeSetup, err
	}
	c.conn = conn

	c.setSessionState(session.StateHandshaking)
	if err := c.handshake(ctx, contextVar); err != nil {
		return FailureProviderHandshake, err
	}

	c.coord.Store(convo.New(c.id, convo.Config{
		Continuous:           caps.Continuous,
		ProviderSpeechEvents: caps.SupportsBargeInEvents,
		BargeInEnabled:       o.cfg.BargeIn.BargeInEnabled(),
		BargeInThreshold:     o.cfg.BargeIn.EnergyThreshold,
		MinBargeIn:           time.Duration(o.cfg.BargeIn.MinMs) * time.Millisecond,
		SampleDuringGuard:    o.cfg.BargeIn.SampleDuringGuard,
		PostTTSGuard:         time.Duration(o.cfg.Gating.PostTTSGuardMs) * time.Millisecond,
	}, convo.Deps{
		Gate:    o.gate,
		Play:    o.play,
		Adapter: adapter,
		Source:  c.providerCodec,
		Egress:  prof.Egress,
		Write:   c.writeFrame,
		Log:     c.log,
		Hooks: convo.Hooks{
			OnStateChange: c.onConvoState,
			OnBargeIn:     c.onBargeIn,
			OnToolCall:    c.onToolCall,
			OnTranscript:  func(text string) { c.log.Info("transcript", "text", text) },
			OnFatal:       c.onConvoFatal,
		},
	}))

	c.greet(ctx)
	c.log.Info("call established",
		"provider", c.providerName,
		"profile", prof.Name,
		"transport", string(kind),
		"bridge_id", bridgeID)
	return 0, nil
}

// channelVar reads one dialplan variable, tolerating failures.
func (c *call) channelVar(ctx context.Context, name string) string {
	v, err := c.o.ctl.ChannelVar(ctx, c.callerCh, name)
	if err != nil {
		c.log.Warn("read channel variable", "name", name, "error", err)
		return ""
	}
	return v
}

// attach connects the call's media path, RTP or AudioSocket, and bridges
// the resulting media leg.
func (o *Orchestrator) attach(ctx context.Context, c *call) (transport.Conn, error) {
	if o.attachOverride != nil {
		return o.attachOverride(ctx, c)
	}

	switch o.cfg.Transports.Default {
	case session.TransportRTP:
		return o.attachRTP(ctx, c)
	case session.TransportAudioSocket:
		return o.attachAudioSocket(ctx, c)
	}
	return nil, fmt.Errorf("orchestrator: unknown transport %q", o.cfg.Transports.Default)
}

func (o *Orchestrator) attachRTP(ctx context.Context, c *call) (transport.Conn, error) {
	format, err := asteriskFormat(c.prof.Ingress)
	if err != nil {
		return nil, err
	}
	conn, err := rtpmedia.Dial(o.cfg.Transports.RTP.BindHost+":0", "", c.id, c.prof.Ingress, c.log,
		rtpmedia.WithReorderDepth(o.cfg.Streaming.JitterFrames()))
	if err != nil {
		return nil, err
	}
	media, err := o.ctl.ExternalMedia(ctx, ari.ExternalMediaParams{
		Host:          conn.LocalAddr().String(),
		Format:        format,
		Encapsulation: "rtp",
		Transport:     "udp",
	})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	c.mediaCh = media.ID
	_ = o.store.Update(c.id, func(s *session.CallSession) { s.MediaChannelID = media.ID })
	if err := o.ctl.AddToBridge(ctx, c.bridgeID, media.ID); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

func (o *Orchestrator) attachAudioSocket(ctx context.Context, c *call) (transport.Conn, error) {
	wait := o.sockets.expect(c.id)
	media, err := o.ctl.ExternalMedia(ctx, ari.ExternalMediaParams{
		Host:          o.cfg.Transports.AudioSocket.ListenAddr,
		Format:        "slin",
		Encapsulation: "audiosocket",
		Transport:     "tcp",
		Data:          c.id,
	})
	if err != nil {
		o.sockets.forget(c.id)
		return nil, err
	}
	c.mediaCh = media.ID
	_ = o.store.Update(c.id, func(s *session.CallSession) { s.MediaChannelID = media.ID })
	if err := o.ctl.AddToBridge(ctx, c.bridgeID, media.ID); err != nil {
		o.sockets.forget(c.id)
		return nil, err
	}

	select {
	case conn := <-wait:
		return conn, nil
	case <-time.After(mediaAttachTimeout):
		o.sockets.forget(c.id)
		return nil, errors.New("orchestrator: audiosocket media leg never connected")
	case <-ctx.Done():
		o.sockets.forget(c.id)
		return nil, ctx.Err()
	}
}

// handshake opens the provider session through the provider's circuit
// breaker, retrying once on transient failure.
func (c *call) handshake(ctx context.Context, initialContext string) error {
	o := c.o
	br := o.breakers[c.providerName]
	sc := provider.SessionContext{
		CallID:         c.id,
		InputCodec:     c.providerCodec,
		OutputCodec:    c.providerCodec,
		InitialContext: initialContext,
	}
	open := func() error {
		hctx, cancel := context.WithTimeout(ctx, o.handshakeTimeout())
		defer cancel()
		return c.adapter.StartSession(hctx, sc)
	}

	start := time.Now()
	err := br.Execute(open)
	if err != nil && !errors.Is(err, resilience.ErrCircuitOpen) && ctx.Err() == nil {
		c.log.Warn("provider handshake failed, retrying once", "error", err)
		retry := resilience.NewBackoff(0, 0)
		if werr := retry.Wait(ctx); werr == nil {
			err = br.Execute(open)
		}
	}

	status := "ok"
	if err != nil {
		status = "error"
	}
	o.metrics.RecordHandshake(ctx, c.providerName, status, time.Since(start))
	if err != nil {
		return fmt.Errorf("orchestrator: provider %s handshake: %w", c.providerName, err)
	}
	return nil
}

// greet plays the configured greeting file with gating held over it. With no
// file configured the provider speaks first and normal TTS gating applies.
func (c *call) greet(ctx context.Context) {
	o := c.o
	uri := o.cfg.Media.GreetingURI
	if uri == "" {
		c.setSessionState(session.StateListening)
		return
	}

	c.setSessionState(session.StateGreeting)
	token := o.gate.Acquire(c.id, gating.ReasonGreeting)
	pbID, err := o.ctl.PlayOnBridge(ctx, c.bridgeID, uri)
	if err != nil {
		c.log.Warn("play greeting", "error", err)
		o.gate.Release(token)
		c.setSessionState(session.StateListening)
		return
	}
	o.expectPlaybackDone(pbID, func() {
		o.gate.Release(token)
		o.gate.ArmPostTTSGuard(c.id, time.Duration(o.cfg.Gating.PostTTSGuardMs)*time.Millisecond)
		c.setSessionState(session.StateListening)
	})
}

// loops runs the conversation-phase goroutine group until teardown or a
// fatal error.
func (c *call) loops(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.inboundLoop(gctx) })
	g.Go(func() error { return c.senderLoop(gctx) })
	g.Go(func() error { return c.housekeepingLoop(gctx) })
	if ds, ok := c.conn.(transport.DTMFSource); ok {
		g.Go(func() error { return c.dtmfLoop(gctx, ds) })
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		c.log.Warn("call loop exited", "error", err)
	}
}

// inboundLoop reads caller frames at 20 ms cadence, feeds the silent-caller
// clock and the gate tap, and forwards ungated audio upstream.
func (c *call) inboundLoop(ctx context.Context) error {
	next := time.Now()
	for {
		if ctx.Err() != nil {
			return nil
		}
		next = next.Add(audio.FrameDuration)
		if time.Until(next) < 0 {
			next = time.Now().Add(audio.FrameDuration)
		}

		f, err := c.conn.ReadFrame(next)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.teardown(FailureTransportFatal)
			return fmt.Errorf("orchestrator: inbound read: %w", err)
		}
		c.framesIn.Add(1)
		c.o.metrics.FramesIn.Add(ctx, 1, c.transportAttr)

		tap, err := audio.Transcode(f.Data, f.Codec, c.tapCodec)
		if err != nil {
			c.log.Warn("decode inbound frame", "error", err)
			continue
		}
		tapFrame := audio.Frame{Data: tap, Codec: c.tapCodec}
		if audio.RMS(tap) >= voiceFloor {
			c.lastVoice.Store(time.Now().UnixNano())
		}

		if c.o.gate.IsGated(c.id) {
			c.framesDiscarded.Add(1)
			c.o.metrics.FramesDiscarded.Add(ctx, 1, c.transportAttr)
			if coord := c.coord.Load(); coord != nil {
				coord.TapGatedFrame(tapFrame)
			}
			continue
		}

		up, err := audio.Transcode(tap, c.tapCodec, c.providerCodec)
		if err != nil {
			c.log.Warn("transcode to provider rate", "error", err)
			continue
		}
		c.enqueueUpstream(ctx, audio.Frame{Data: up, Codec: c.providerCodec})
	}
}

// enqueueUpstream pushes one frame onto the bounded to-provider queue,
// shedding the oldest frame on overflow.
func (c *call) enqueueUpstream(ctx context.Context, f audio.Frame) {
	for {
		select {
		case c.sendCh <- f:
			return
		default:
		}
		select {
		case <-c.sendCh:
			c.upstreamDrops.Add(1)
			c.o.metrics.UpstreamDrops.Add(ctx, 1)
		default:
		}
	}
}

// senderLoop drains the upstream queue into the adapter, counting commit
// boundaries every commitMin of delivered audio.
func (c *call) senderLoop(ctx context.Context) error {
	var pending time.Duration
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-c.sendCh:
			if err := c.adapter.SendAudio(c.id, f); err != nil {
				failures++
				c.log.Warn("send audio upstream", "error", err, "consecutive", failures)
				if failures >= maxSendFailures {
					c.teardown(FailureProviderFatal)
					return fmt.Errorf("orchestrator: provider send: %w", err)
				}
				continue
			}
			failures = 0
			pending += f.Duration()
			if pending >= c.commitMin {
				pending = 0
				c.commits.Add(1)
				c.o.metrics.Commits.Add(ctx, 1)
			}
		}
	}
}

// housekeepingLoop enforces the silent-inbound and max-duration timeouts and
// mirrors the per-call counters into the session store.
func (c *call) housekeepingLoop(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	silent := time.Duration(c.o.cfg.Timeouts.SilentInboundMs) * time.Millisecond
	maxDur := time.Duration(c.o.cfg.Timeouts.MaxCallDurationMs) * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.flushCounters()

			if silent > 0 {
				last := time.Unix(0, c.lastVoice.Load())
				if time.Since(last) > silent {
					c.log.Info("silent caller timeout", "silent_for", time.Since(last).Round(time.Second))
					c.promptAndWait(ctx, c.o.cfg.Media.SilentPromptURI)
					c.teardown(FailureSilentCaller)
					return nil
				}
			}
			if maxDur > 0 && time.Since(c.started) > maxDur {
				c.log.Info("max call duration reached")
				c.teardown(FailureMaxDuration)
				return nil
			}
		}
	}
}

// dtmfLoop logs out-of-band DTMF digits from transports that carry them.
func (c *call) dtmfLoop(ctx context.Context, ds transport.DTMFSource) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case digit, ok := <-ds.DTMF():
			if !ok {
				return nil
			}
			c.log.Info("dtmf received", "digit", string(digit))
		}
	}
}

// writeFrame is the playback manager's egress path for this call.
func (c *call) writeFrame(f audio.Frame) error {
	if err := c.conn.WriteFrame(f); err != nil {
		return err
	}
	c.framesOut.Add(1)
	c.o.metrics.FramesOut.Add(context.Background(), 1, c.transportAttr)
	return nil
}

// flushCounters mirrors the local atomics into the session record.
func (c *call) flushCounters() {
	fi, fo := c.framesIn.Swap(0), c.framesOut.Swap(0)
	fd, cm := c.framesDiscarded.Swap(0), c.commits.Swap(0)
	bi, ud := c.bargeIns.Swap(0), c.upstreamDrops.Swap(0)
	if fi|fo|fd|cm|bi|ud == 0 {
		return
	}
	_ = c.o.store.Update(c.id, func(s *session.CallSession) {
		s.Metrics.FramesIn += fi
		s.Metrics.FramesOut += fo
		s.Metrics.FramesDiscarded += fd
		s.Metrics.Commits += cm
		s.Metrics.BargeIns += bi
		s.Metrics.UpstreamOverflow += ud
		s.LastInboundFrame = time.Unix(0, c.lastVoice.Load())
	})
}

func (c *call) setSessionState(st session.State) {
	_ = c.o.store.Update(c.id, func(s *session.CallSession) {
		if !s.State.Terminal() {
			s.State = st
		}
	})
}

// onConvoState mirrors coordinator transitions into the session record and
// closes out turn-duration measurements.
func (c *call) onConvoState(from, to convo.State, turnID uint64) {
	switch to {
	case convo.StateCallerSpeaking:
		c.turnStarted.Store(time.Now().UnixNano())
		c.setSessionState(session.StateListening)
		_ = c.o.store.Update(c.id, func(s *session.CallSession) { s.TurnID = turnID })
	case convo.StateIdle, convo.StateThinking:
		if from == convo.StateAgentSpeaking {
			if t := c.turnStarted.Swap(0); t != 0 {
				c.o.metrics.TurnDuration.Record(context.Background(),
					time.Since(time.Unix(0, t)).Seconds())
			}
		}
		c.setSessionState(session.StateListening)
	case convo.StateAgentSpeaking:
		c.setSessionState(session.StateAgentSpeaking)
		_ = c.o.store.Update(c.id, func(s *session.CallSession) { s.LastAgentAudio = time.Now() })
	case convo.StateBargingIn:
		c.setSessionState(session.StateBargingIn)
	}
}

func (c *call) onBargeIn(turnID uint64, source string) {
	c.bargeIns.Add(1)
	c.o.metrics.RecordBargeIn(context.Background(), source)
}

// onToolCall handles the one tool the core itself understands: ending the
// call. Everything else is the adapter's business and is just logged.
func (c *call) onToolCall(name, args string) {
	switch name {
	case "hangup", "end_call":
		go c.agentHangup()
	}
}

// agentHangup lets any farewell audio drain before tearing the call down.
// The gate stays held across the drain window so capture never reopens
// between the goodbye's TTS token release and the hangup.
func (c *call) agentHangup() {
	token := c.o.gate.Acquire(c.id, gating.ReasonFarewell)
	c.setSessionState(session.StateFarewell)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := c.o.play.Get(c.id); !ok {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	c.o.gate.Release(token)
	c.teardown(FailureAgentHangup)
}

// onConvoFatal maps coordinator fatal reasons onto the failure policy.
// Runs on the coordinator goroutine, so the teardown is deferred to a fresh
// one.
func (c *call) onConvoFatal(reason string) {
	kind := FailureProviderFatal
	if reason == "transport-write" {
		kind = FailureTransportFatal
	}
	go c.teardown(kind)
}

// promptAndWait plays uri on the call's bridge and waits for the PBX to
// report it finished, bounded by promptWait. Best effort on every step.
func (c *call) promptAndWait(ctx context.Context, uri string) {
	if uri == "" || c.bridgeID == "" {
		return
	}
	pbID, err := c.o.ctl.PlayOnBridge(ctx, c.bridgeID, uri)
	if err != nil {
		c.log.Warn("play prompt", "uri", uri, "error", err)
		return
	}
	done := make(chan struct{})
	c.o.expectPlaybackDone(pbID, func() { close(done) })
	select {
	case <-done:
	case <-time.After(promptWait):
		c.o.forgetPlayback(pbID)
	case <-ctx.Done():
		c.o.forgetPlayback(pbID)
	}
}

// teardown releases everything the call owns, exactly once, in dependency
// order: prompt, coordinator (playback and gate), provider session, session
// record, transport, PBX resources.
func (c *call) teardown(kind FailureKind) {
	c.teardownOnce.Do(func() {
		o := c.o
		reason := kind.reason()
		c.log.Info("tearing down call", "reason", reason, "duration", time.Since(c.started).Round(time.Second))

		_ = o.store.Update(c.id, func(s *session.CallSession) {
			s.State = session.StateTearingDown
			s.TeardownReason = reason
		})

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if kind.playsErrorPrompt() {
			c.promptAndWait(ctx, o.cfg.Media.ErrorPromptURI)
		}

		c.cancel()

		if coord := c.coord.Load(); coord != nil {
			_ = coord.Close()
		} else {
			o.play.Cancel(c.id, playback.EndTeardown)
			o.gate.Drop(c.id)
		}
		if c.adapter != nil {
			_ = c.adapter.EndSession(c.id)
		}

		c.flushCounters()
		o.store.Remove(c.id)

		if c.conn != nil {
			_ = c.conn.Close()
		}
		o.sockets.forget(c.id)

		if c.bridgeID != "" {
			_ = o.ctl.DestroyBridge(ctx, c.bridgeID)
		}
		if c.mediaCh != "" {
			_ = o.ctl.Hangup(ctx, c.mediaCh)
		}
		if kind.hangsUpCaller() {
			_ = o.ctl.Hangup(ctx, c.callerCh)
		}

		o.unregister(c)
		if c.counted.Load() {
			o.metrics.ActiveCalls.Add(context.Background(), -1)
		}
		o.metrics.RecordTeardown(context.Background(), reason, time.Since(c.started))
		c.log.Info("call closed", "reason", reason)
	})
}

// onProviderEvent routes one adapter event into the coordinator. Events
// arriving before the coordinator exists (mid-handshake) are dropped.
func (c *call) onProviderEvent(ev provider.Event) {
	coord := c.coord.Load()
	if coord == nil {
		c.log.Debug("provider event before coordinator ready", "type", ev.Type.String())
		return
	}
	coord.HandleProviderEvent(ev)
}
