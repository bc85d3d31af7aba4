// Package mock provides a scripted test double for the provider package.
//
// Use [Adapter] to verify session lifecycle calls made by the call core and
// to feed controlled event sequences back into it:
//
//	a := mock.New()
//	a.Emit(provider.Event{Type: provider.EventAgentAudioChunk, CallID: "c1", Audio: chunk})
//	a.Emit(provider.Event{Type: provider.EventAgentAudioDone, CallID: "c1"})
package mock

import (
	"context"
	"sync"

	"github.com/varnalab/ariadne/pkg/audio"
	"github.com/varnalab/ariadne/pkg/provider"
)

// Compile-time assertion that Adapter satisfies provider.Adapter.
var _ provider.Adapter = (*Adapter)(nil)

// StartCall records a single invocation of Adapter.StartSession.
type StartCall struct {
	// Ctx is the context passed to StartSession.
	Ctx context.Context
	// Session is the SessionContext passed to StartSession.
	Session provider.SessionContext
}

// Adapter is a scripted mock implementation of provider.Adapter.
// The zero value is not usable; create instances with [New].
type Adapter struct {
	mu sync.Mutex

	// Caps is returned by Capabilities.
	Caps provider.Capabilities

	// StartErr, if non-nil, is returned from StartSession.
	StartErr error

	// SendErr, if non-nil, is returned from SendAudio.
	SendErr error

	// StartCalls records every StartSession invocation in order.
	StartCalls []StartCall

	// SentFrames records every frame passed to SendAudio, keyed by call id.
	SentFrames map[string][]audio.Frame

	// CancelCalls counts CancelResponse invocations per call id.
	CancelCalls map[string]int

	// EndCalls counts EndSession invocations per call id.
	EndCalls map[string]int

	events chan provider.Event
	closed bool
}

// New creates a mock adapter with a buffered event channel.
func New() *Adapter {
	return &Adapter{
		SentFrames:  make(map[string][]audio.Frame),
		CancelCalls: make(map[string]int),
		EndCalls:    make(map[string]int),
		events:      make(chan provider.Event, 256),
	}
}

// Capabilities returns Caps.
func (a *Adapter) Capabilities() provider.Capabilities {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Caps
}

// StartSession records the call and returns StartErr.
func (a *Adapter) StartSession(ctx context.Context, sc provider.SessionContext) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.StartCalls = append(a.StartCalls, StartCall{Ctx: ctx, Session: sc})
	return a.StartErr
}

// SendAudio records the frame and returns SendErr.
func (a *Adapter) SendAudio(callID string, frame audio.Frame) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.SendErr != nil {
		return a.SendErr
	}
	a.SentFrames[callID] = append(a.SentFrames[callID], frame)
	return nil
}

// CancelResponse records the call.
func (a *Adapter) CancelResponse(callID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.CancelCalls[callID]++
	return nil
}

// EndSession records the call.
func (a *Adapter) EndSession(callID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.EndCalls[callID]++
	return nil
}

// Events returns the scripted event channel.
func (a *Adapter) Events() <-chan provider.Event {
	return a.events
}

// Emit pushes an event onto the adapter's event channel. Emitting after
// Close panics, matching the contract that adapters stop emitting once
// closed.
func (a *Adapter) Emit(ev provider.Event) {
	a.events <- ev
}

// Close closes the event channel. Idempotent.
func (a *Adapter) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.closed {
		a.closed = true
		close(a.events)
	}
}

// Started returns a copy of the recorded StartSession invocations.
func (a *Adapter) Started() []StartCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]StartCall, len(a.StartCalls))
	copy(out, a.StartCalls)
	return out
}

// SentCount returns the number of frames sent for callID.
func (a *Adapter) SentCount(callID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.SentFrames[callID])
}

// Ended returns the number of EndSession calls recorded for callID.
func (a *Adapter) Ended(callID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.EndCalls[callID]
}

// SentDuration returns the cumulative audio duration sent for callID.
func (a *Adapter) SentDuration(callID string) (total int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, f := range a.SentFrames[callID] {
		total += int(f.Duration().Milliseconds())
	}
	return total
}
