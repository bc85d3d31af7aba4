// Package gating implements the inbound-capture mute controller that keeps
// the agent from hearing its own voice.
//
// Gating is token-counted: each reason for muting (greeting, an in-flight
// TTS segment, a running tool, the farewell) acquires its own token, and
// capture stays muted until every token is released AND the post-TTS guard
// window has expired. The guard window covers the acoustic tail of agent
// audio still echoing through the mixing bridge after playback stops, a
// sensitive upstream VAD would otherwise transcribe the agent to itself.
//
// The gate check and token bookkeeping share one lock per manager, which is
// what makes the ordering invariant hold: once Acquire returns, the next
// inbound frame for that call observes the token and is discarded. There is
// no window in which a frame races past a freshly armed gate.
package gating

import (
	"sync"
	"time"
)

// Reason tags why capture is muted. Multiple reasons may coexist on one
// call; release is per-token.
type Reason string

const (
	ReasonGreeting   Reason = "greeting"
	ReasonTTSSegment Reason = "tts-segment"
	ReasonTool       Reason = "tool-running"
	ReasonFarewell   Reason = "farewell"
)

// Token is the opaque release handle returned by [Manager.Acquire].
// Releasing the same token twice is a no-op.
type Token struct {
	callID string
	reason Reason
	serial uint64
}

// Reason returns the mute reason this token was issued for.
func (t Token) Reason() Reason { return t.reason }

// callGate is the per-call mute state.
type callGate struct {
	tokens     map[uint64]Reason
	guardUntil time.Time
}

// Manager tracks gating state for all calls. Safe for concurrent use.
type Manager struct {
	mu     sync.Mutex
	calls  map[string]*callGate
	serial uint64

	// now is swappable for tests.
	now func() time.Time
}

// Option configures a [Manager].
type Option func(*Manager)

// WithClock overrides the time source. Tests use this to step through guard
// windows without sleeping.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager returns an empty gating manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		calls: make(map[string]*callGate),
		now:   time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Acquire mutes inbound capture for callID under the given reason and
// returns the release token. The mute takes effect before Acquire returns.
func (m *Manager) Acquire(callID string, reason Reason) Token {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.calls[callID]
	if !ok {
		g = &callGate{tokens: make(map[uint64]Reason)}
		m.calls[callID] = g
	}
	m.serial++
	g.tokens[m.serial] = reason
	return Token{callID: callID, reason: reason, serial: m.serial}
}

// Release removes exactly the given token. Unknown or already-released
// tokens are ignored.
func (m *Manager) Release(t Token) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if g, ok := m.calls[t.callID]; ok {
		delete(g.tokens, t.serial)
	}
}

// IsGated reports whether inbound frames for callID must be discarded:
// any token is held, or the post-TTS guard window has not yet expired.
func (m *Manager) IsGated(callID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.calls[callID]
	if !ok {
		return false
	}
	return len(g.tokens) > 0 || m.now().Before(g.guardUntil)
}

// TokenCount returns the number of active tokens for callID. Used by the
// coordinator's turn invariant checks and by metrics.
func (m *Manager) TokenCount(callID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if g, ok := m.calls[callID]; ok {
		return len(g.tokens)
	}
	return 0
}

// ArmPostTTSGuard extends the guard window for callID to at least now+d.
// An already-later guard is never shortened.
func (m *Manager) ArmPostTTSGuard(callID string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.calls[callID]
	if !ok {
		g = &callGate{tokens: make(map[uint64]Reason)}
		m.calls[callID] = g
	}
	if until := m.now().Add(d); until.After(g.guardUntil) {
		g.guardUntil = until
	}
}

// GuardActive reports whether only the guard window (not a token) is holding
// the gate. The barge-in detector consults this when configured to skip
// energy sampling during the guard.
func (m *Manager) GuardActive(callID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.calls[callID]
	if !ok {
		return false
	}
	return m.now().Before(g.guardUntil)
}

// Drop releases every token and clears the guard for callID. Called once
// during teardown; subsequent calls are no-ops.
func (m *Manager) Drop(callID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.calls, callID)
}
