package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/varnalab/ariadne/internal/ari"
	"github.com/varnalab/ariadne/internal/config"
	"github.com/varnalab/ariadne/internal/profile"
	"github.com/varnalab/ariadne/internal/session"
	"github.com/varnalab/ariadne/internal/transport"
	"github.com/varnalab/ariadne/pkg/audio"
	"github.com/varnalab/ariadne/pkg/provider"
	"github.com/varnalab/ariadne/pkg/provider/mock"
)

var (
	ulaw8k    = audio.Codec{Encoding: audio.EncodingUlaw, Rate: 8000}
	pcm16at8k = audio.Codec{Encoding: audio.EncodingPCM16, Rate: 8000}
)

// fakeControl records the PBX operations the orchestrator performs.
type fakeControl struct {
	mu        sync.Mutex
	answered  []string
	hangups   []string
	bridges   []string
	destroyed []string
	added     map[string][]string
	plays     []playRecord
	vars      map[string]string
	playSeq   int
}

type playRecord struct {
	id     string
	target string
	uri    string
}

func newFakeControl() *fakeControl {
	return &fakeControl{added: make(map[string][]string), vars: make(map[string]string)}
}

func (f *fakeControl) Answer(_ context.Context, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answered = append(f.answered, channelID)
	return nil
}

func (f *fakeControl) Hangup(_ context.Context, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hangups = append(f.hangups, channelID)
	return nil
}

func (f *fakeControl) CreateBridge(_ context.Context, bridgeID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bridges = append(f.bridges, bridgeID)
	return bridgeID, nil
}

func (f *fakeControl) DestroyBridge(_ context.Context, bridgeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, bridgeID)
	return nil
}

func (f *fakeControl) AddToBridge(_ context.Context, bridgeID, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added[bridgeID] = append(f.added[bridgeID], channelID)
	return nil
}

func (f *fakeControl) ExternalMedia(_ context.Context, _ ari.ExternalMediaParams) (ari.Channel, error) {
	return ari.Channel{ID: "media-leg"}, nil
}

func (f *fakeControl) PlayOnBridge(_ context.Context, bridgeID, mediaURI string) (string, error) {
	return f.record(bridgeID, mediaURI), nil
}

func (f *fakeControl) record(target, uri string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.playSeq++
	id := fmt.Sprintf("pb-%d", f.playSeq)
	f.plays = append(f.plays, playRecord{id: id, target: target, uri: uri})
	return id
}

func (f *fakeControl) ChannelVar(_ context.Context, _, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.vars[name], nil
}

func (f *fakeControl) playedURIs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	uris := make([]string, len(f.plays))
	for i, p := range f.plays {
		uris[i] = p.uri
	}
	return uris
}

// fakeConn is an in-memory media path standing in for RTP or AudioSocket.
type fakeConn struct {
	callID string
	in     chan audio.Frame
	out    chan audio.Frame
	closed chan struct{}
	once   sync.Once
}

func newFakeConn(callID string) *fakeConn {
	return &fakeConn{
		callID: callID,
		in:     make(chan audio.Frame, 256),
		out:    make(chan audio.Frame, 1024),
		closed: make(chan struct{}),
	}
}

func (f *fakeConn) CallID() string { return f.callID }

func (f *fakeConn) ReadFrame(deadline time.Time) (audio.Frame, error) {
	select {
	case <-f.closed:
		return audio.Frame{}, transport.ErrClosed
	case fr := <-f.in:
		return fr, nil
	case <-time.After(time.Until(deadline)):
		return ulaw8k.SilenceFrame(), nil
	}
}

func (f *fakeConn) WriteFrame(fr audio.Frame) error {
	select {
	case <-f.closed:
		return transport.ErrClosed
	default:
	}
	select {
	case f.out <- fr:
	default:
	}
	return nil
}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func testConfig() *config.Config {
	// Barge-in stays off here so loud caller frames cannot cancel agent
	// playback mid-test; the estimator has its own coverage in convo.
	off := false
	return &config.Config{
		Transports: config.TransportsConfig{Default: session.TransportRTP},
		Streaming:  config.StreamingConfig{MinStartMs: 60, LowWatermarkMs: 40, FallbackTimeoutMs: 500, JitterBufferMs: 60},
		Gating:     config.GatingConfig{PostTTSGuardMs: 60},
		BargeIn:    config.BargeInConfig{Enabled: &off, EnergyThreshold: 0.065, MinMs: 60},
		Providers:  config.ProvidersConfig{Default: "mock"},
		Media:      config.MediaConfig{ErrorPromptURI: "sound:agent-error"},
		Timeouts:   config.TimeoutsConfig{ProviderHandshakeMs: 500},
	}
}

type fixture struct {
	o       *Orchestrator
	ctl     *fakeControl
	adapter *mock.Adapter
	conn    *fakeConn
	events  chan ari.Event
	store   *session.Store
	cancel  context.CancelFunc
	runDone chan struct{}
}

func newFixture(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()
	return newFixtureWithProfile(t, cfg, profile.Profile{
		Name:     "default",
		Ingress:  ulaw8k,
		Provider: pcm16at8k,
		Egress:   ulaw8k,
	})
}

func newFixtureWithProfile(t *testing.T, cfg *config.Config, prof profile.Profile) *fixture {
	t.Helper()

	profiles, err := profile.NewRegistry([]profile.Profile{prof}, prof.Name)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	f := &fixture{
		ctl:     newFakeControl(),
		adapter: mock.New(),
		events:  make(chan ari.Event, 16),
		store:   session.NewStore(),
		runDone: make(chan struct{}),
	}
	f.o = New(Deps{
		Cfg:      cfg,
		Control:  f.ctl,
		Profiles: profiles,
		Adapters: map[string]provider.Adapter{"mock": f.adapter},
		Store:    f.store,
	})
	f.o.attachOverride = func(_ context.Context, c *call) (transport.Conn, error) {
		f.conn = newFakeConn(c.id)
		return f.conn, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go func() {
		defer close(f.runDone)
		_ = f.o.Run(ctx, f.events)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-f.runDone:
		case <-time.After(3 * time.Second):
			t.Error("orchestrator never drained")
		}
	})
	return f
}

// startCall injects a caller arrival and waits for the call to reach the
// conversation loop.
func (f *fixture) startCall(t *testing.T) string {
	t.Helper()
	f.events <- ari.Event{Type: ari.EventStasisStart, Channel: ari.Channel{ID: "caller-1", Name: "PJSIP/100-00000001"}}

	var id string
	waitFor(t, 2*time.Second, func() bool {
		snaps := f.store.Snapshots()
		if len(snaps) != 1 || snaps[0].State != session.StateListening {
			return false
		}
		id = snaps[0].CallID
		return true
	})
	return id
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never satisfied")
}

func loudUlawFrame() audio.Frame {
	pcm := make([]byte, pcm16at8k.FrameBytes())
	for i := 0; i < len(pcm); i += 2 {
		pcm[i] = 0x00
		pcm[i+1] = 0x30 // ~12288, well above the energy floor
	}
	data, err := audio.Transcode(pcm, pcm16at8k, ulaw8k)
	if err != nil {
		panic(err)
	}
	return audio.Frame{Data: data, Codec: ulaw8k}
}

func TestCallSetupReachesConversationLoop(t *testing.T) {
	f := newFixture(t, testConfig())
	id := f.startCall(t)

	f.ctl.mu.Lock()
	answered := len(f.ctl.answered)
	bridged := f.ctl.added[id]
	f.ctl.mu.Unlock()

	if answered != 1 {
		t.Errorf("answered %d channels, want 1", answered)
	}
	if len(bridged) != 1 || bridged[0] != "caller-1" {
		t.Errorf("bridge members = %v, want [caller-1]", bridged)
	}

	starts := f.adapter.Started()
	if len(starts) != 1 {
		t.Fatalf("StartSession calls = %d, want 1", len(starts))
	}
	sc := starts[0].Session
	if sc.CallID != id {
		t.Errorf("session call id = %q, want %q", sc.CallID, id)
	}
	if sc.InputCodec != pcm16at8k {
		t.Errorf("input codec = %v, want %v", sc.InputCodec, pcm16at8k)
	}
}

func TestCallerHangupTearsDownInOrder(t *testing.T) {
	f := newFixture(t, testConfig())
	id := f.startCall(t)

	f.events <- ari.Event{Type: ari.EventStasisEnd, Channel: ari.Channel{ID: "caller-1"}}

	waitFor(t, 2*time.Second, func() bool { return f.store.Len() == 0 })

	if ends := f.adapter.Ended(id); ends != 1 {
		t.Errorf("EndSession calls = %d, want 1", ends)
	}

	f.ctl.mu.Lock()
	destroyed := len(f.ctl.destroyed)
	hangups := append([]string(nil), f.ctl.hangups...)
	f.ctl.mu.Unlock()
	if destroyed != 1 {
		t.Errorf("bridges destroyed = %d, want 1", destroyed)
	}
	for _, h := range hangups {
		if h == "caller-1" {
			t.Error("hung up a caller the PBX already reported gone")
		}
	}

	select {
	case <-f.conn.closed:
	default:
		t.Error("media connection not closed on teardown")
	}
}

func TestTeardownIsIdempotent(t *testing.T) {
	f := newFixture(t, testConfig())
	id := f.startCall(t)

	f.events <- ari.Event{Type: ari.EventStasisEnd, Channel: ari.Channel{ID: "caller-1"}}
	f.events <- ari.Event{Type: ari.EventChannelDestroyed, Channel: ari.Channel{ID: "caller-1"}}

	waitFor(t, 2*time.Second, func() bool { return f.store.Len() == 0 })
	time.Sleep(100 * time.Millisecond)

	if ends := f.adapter.Ended(id); ends != 1 {
		t.Errorf("EndSession calls = %d, want exactly 1", ends)
	}
	f.ctl.mu.Lock()
	destroyed := len(f.ctl.destroyed)
	f.ctl.mu.Unlock()
	if destroyed != 1 {
		t.Errorf("DestroyBridge calls = %d, want exactly 1", destroyed)
	}
}

func TestAgentAudioFlowsToCallerAndGates(t *testing.T) {
	f := newFixture(t, testConfig())
	id := f.startCall(t)

	// One 100 ms agent turn.
	chunk := make([]byte, pcm16at8k.FrameBytes()*5)
	f.adapter.Emit(provider.Event{Type: provider.EventAgentAudioChunk, CallID: id, Audio: chunk})

	waitFor(t, 2*time.Second, func() bool { return f.o.Gate().IsGated(id) })

	// Caller frames sent while gated must not reach the provider.
	for i := 0; i < 3; i++ {
		f.conn.in <- loudUlawFrame()
	}
	time.Sleep(150 * time.Millisecond)
	if sentWhileGated := f.adapter.SentCount(id); sentWhileGated != 0 {
		t.Errorf("%d frames reached provider while gated", sentWhileGated)
	}

	f.adapter.Emit(provider.Event{Type: provider.EventAgentAudioDone, CallID: id})

	// Agent audio drains to the caller leg.
	waitFor(t, 2*time.Second, func() bool { return len(f.conn.out) >= 5 })

	// Gate reopens after the audio and the post-TTS guard.
	waitFor(t, 2*time.Second, func() bool { return !f.o.Gate().IsGated(id) })

	// With the gate open, caller audio flows upstream again.
	for i := 0; i < 5; i++ {
		f.conn.in <- loudUlawFrame()
	}
	waitFor(t, 2*time.Second, func() bool { return f.adapter.SentCount(id) >= 5 })
}

func TestCommitFloorHonorsAdapterMinimum(t *testing.T) {
	f := newFixture(t, testConfig())
	// Declared before the call arrives: the adapter needs a quarter second
	// of audio per commit, more than the built-in floor.
	f.adapter.Caps = provider.Capabilities{MinCommitAudio: 250}
	id := f.startCall(t)

	// The open gate streams caller frames (plus read-timeout silence)
	// upstream continuously; wait for over half a second of it.
	waitFor(t, 5*time.Second, func() bool { return f.adapter.SentDuration(id) >= 600 })

	var commits uint64
	waitFor(t, 5*time.Second, func() bool {
		snaps := f.store.Snapshots()
		if len(snaps) != 1 {
			return false
		}
		commits = snaps[0].Metrics.Commits
		return commits >= 2
	})

	// Reading the delivered total after the commit count keeps this an
	// upper bound: boundaries may never outpace 250 ms of audio each.
	delivered := f.adapter.SentDuration(id)
	if max := uint64(delivered / 250); commits > max {
		t.Errorf("commits = %d after %d ms delivered, want at most %d", commits, delivered, max)
	}
}

func TestAudioSocketProfileRequiresLinearLegs(t *testing.T) {
	cfg := testConfig()
	cfg.Transports.Default = session.TransportAudioSocket
	// Linear ingress but companded egress: the slin byte stream on the
	// wire cannot carry μ-law frames, so setup must refuse the profile.
	f := newFixtureWithProfile(t, cfg, profile.Profile{
		Name:     "default",
		Ingress:  pcm16at8k,
		Provider: pcm16at8k,
		Egress:   ulaw8k,
	})

	f.events <- ari.Event{Type: ari.EventStasisStart, Channel: ari.Channel{ID: "caller-1", Name: "PJSIP/100-00000001"}}

	waitFor(t, 5*time.Second, func() bool {
		f.ctl.mu.Lock()
		defer f.ctl.mu.Unlock()
		for _, h := range f.ctl.hangups {
			if h == "caller-1" {
				return true
			}
		}
		return false
	})
	waitFor(t, 2*time.Second, func() bool { return f.store.Len() == 0 })

	if starts := f.adapter.Started(); len(starts) != 0 {
		t.Errorf("StartSession calls = %d, want 0 (setup must fail first)", len(starts))
	}
}

func TestHandshakeFailurePlaysErrorPrompt(t *testing.T) {
	f := newFixture(t, testConfig())
	f.adapter.StartErr = errors.New("auth rejected")

	f.events <- ari.Event{Type: ari.EventStasisStart, Channel: ari.Channel{ID: "caller-1", Name: "PJSIP/100-00000001"}}

	waitFor(t, 5*time.Second, func() bool {
		for _, uri := range f.ctl.playedURIs() {
			if uri == "sound:agent-error" {
				return true
			}
		}
		return false
	})
	// Teardown waits up to promptWait (3s) for the PBX to report the prompt
	// finished; the fake control never does, so allow for the full bound.
	waitFor(t, 5*time.Second, func() bool { return f.store.Len() == 0 })

	f.ctl.mu.Lock()
	defer f.ctl.mu.Unlock()
	found := false
	for _, h := range f.ctl.hangups {
		if h == "caller-1" {
			found = true
		}
	}
	if !found {
		t.Error("caller never hung up after handshake failure")
	}
}

func TestProviderClosedTearsDownCall(t *testing.T) {
	f := newFixture(t, testConfig())
	id := f.startCall(t)

	f.adapter.Emit(provider.Event{Type: provider.EventClosed, CallID: id})

	// Provider-lost teardown plays the error prompt and waits up to
	// promptWait (3s) for a PlaybackFinished the fake control never sends.
	waitFor(t, 5*time.Second, func() bool { return f.store.Len() == 0 })

	if ends := f.adapter.Ended(id); ends != 1 {
		t.Errorf("EndSession calls = %d, want 1", ends)
	}
}

func TestSilentCallerTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.Timeouts.SilentInboundMs = 1000
	cfg.Media.SilentPromptURI = "sound:are-you-there"
	f := newFixture(t, cfg)
	f.startCall(t)

	waitFor(t, 5*time.Second, func() bool { return f.store.Len() == 0 })

	found := false
	for _, uri := range f.ctl.playedURIs() {
		if uri == "sound:are-you-there" {
			found = true
		}
	}
	if !found {
		t.Error("silent prompt never played")
	}
}

func TestAgentHangupHoldsGateThroughFarewell(t *testing.T) {
	f := newFixture(t, testConfig())
	id := f.startCall(t)

	// The agent says goodbye and invokes the hangup tool.
	chunk := make([]byte, pcm16at8k.FrameBytes()*5)
	f.adapter.Emit(provider.Event{Type: provider.EventAgentAudioChunk, CallID: id, Audio: chunk})
	waitFor(t, 2*time.Second, func() bool { return f.o.Gate().IsGated(id) })
	f.adapter.Emit(provider.Event{Type: provider.EventToolCall, CallID: id, ToolName: "hangup"})
	f.adapter.Emit(provider.Event{Type: provider.EventAgentAudioDone, CallID: id})

	// While the goodbye drains the call sits in farewell with capture
	// still muted.
	waitFor(t, 2*time.Second, func() bool {
		snaps := f.store.Snapshots()
		return len(snaps) == 1 && snaps[0].State == session.StateFarewell
	})
	if !f.o.Gate().IsGated(id) {
		t.Error("capture reopened during the farewell drain")
	}

	waitFor(t, 5*time.Second, func() bool { return f.store.Len() == 0 })
	if ends := f.adapter.Ended(id); ends != 1 {
		t.Errorf("EndSession calls = %d, want 1", ends)
	}
}

func TestGreetingHoldsGateUntilPlaybackFinished(t *testing.T) {
	cfg := testConfig()
	cfg.Media.GreetingURI = "sound:welcome"
	f := newFixture(t, cfg)

	f.events <- ari.Event{Type: ari.EventStasisStart, Channel: ari.Channel{ID: "caller-1", Name: "PJSIP/100-00000001"}}

	var id string
	waitFor(t, 2*time.Second, func() bool {
		snaps := f.store.Snapshots()
		if len(snaps) != 1 {
			return false
		}
		id = snaps[0].CallID
		return snaps[0].State == session.StateGreeting
	})
	waitFor(t, 2*time.Second, func() bool { return f.o.Gate().IsGated(id) })

	var pbID string
	waitFor(t, 2*time.Second, func() bool {
		f.ctl.mu.Lock()
		defer f.ctl.mu.Unlock()
		for _, p := range f.ctl.plays {
			if p.uri == "sound:welcome" {
				pbID = p.id
			}
		}
		return pbID != ""
	})

	f.events <- ari.Event{Type: ari.EventPlaybackFinished, Playback: ari.Playback{ID: pbID}}

	waitFor(t, 2*time.Second, func() bool {
		snaps := f.store.Snapshots()
		return len(snaps) == 1 && snaps[0].State == session.StateListening
	})
	// Guard tail, then open.
	waitFor(t, 2*time.Second, func() bool { return !f.o.Gate().IsGated(id) })
}
