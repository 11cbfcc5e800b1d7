package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"wa-linepool/internal/lines"
)

// Fake is an in-memory Provider for tests and local runs.
type Fake struct {
	mu     sync.Mutex
	down   map[string]bool
	states map[string]ConnState
	probe  map[string]error
	sent   []FakeMessage
}

type FakeMessage struct {
	Handle string
	Phone  string
	Text   string
}

func NewFake() *Fake {
	return &Fake{down: map[string]bool{}, states: map[string]ConnState{}, probe: map[string]error{}}
}

func (f *Fake) Name() string { return "fake" }

// SetDown makes every send on handle fail with ErrProviderUnavailable.
func (f *Fake) SetDown(handle string, down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down[handle] = down
}

// SetState sets what ConnectionState reports for handle. Unset handles are
// open.
func (f *Fake) SetState(handle string, s ConnState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[handle] = s
}

// SetProbeError makes ConnectionState fail for handle.
func (f *Fake) SetProbeError(handle string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probe[handle] = err
}

func (f *Fake) SendText(ctx context.Context, handle, phone, text string) (SendReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down[handle] {
		return SendReceipt{}, fmt.Errorf("%w: handle %s down", lines.ErrProviderUnavailable, handle)
	}
	f.sent = append(f.sent, FakeMessage{Handle: handle, Phone: phone, Text: text})
	return SendReceipt{ProviderMessageID: fmt.Sprintf("fake-%d", len(f.sent)), SentAt: time.Now().UTC()}, nil
}

func (f *Fake) ConnectionState(ctx context.Context, handle string) (ConnState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.probe[handle]; err != nil {
		return StateUnknown, err
	}
	if s, ok := f.states[handle]; ok {
		return s, nil
	}
	return StateOpen, nil
}

func (f *Fake) Sent() []FakeMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]FakeMessage(nil), f.sent...)
}
