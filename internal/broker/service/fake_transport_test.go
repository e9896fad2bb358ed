package service

import (
	"context"
	"sync"
	"time"

	"github.com/kandev/hub/internal/broker/transport"
)

// fakeTransport is a scriptable transport.Transport for exercising the
// dispatcher without a real websocket connection.
type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	healthy   bool

	dispatchFn func(ctx context.Context, req transport.Envelope) (transport.Envelope, error)
	dispatched []transport.Envelope

	aborted []string
	verified []string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{connected: true, healthy: true}
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) setConnected(v bool) {
	f.mu.Lock()
	f.connected = v
	f.mu.Unlock()
}

func (f *fakeTransport) HeartbeatHealthy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthy
}

func (f *fakeTransport) Dispatch(ctx context.Context, req transport.Envelope) (transport.Envelope, error) {
	f.mu.Lock()
	f.dispatched = append(f.dispatched, req)
	fn := f.dispatchFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}
	return transport.Envelope{Type: transport.EnvelopeResult, Data: map[string]interface{}{"output": "ok"}}, nil
}

func (f *fakeTransport) Abort(ctx context.Context, commandID string) error {
	f.mu.Lock()
	f.aborted = append(f.aborted, commandID)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Verify(ctx context.Context, sshContextID string) error {
	f.mu.Lock()
	f.verified = append(f.verified, sshContextID)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) dispatchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.dispatched)
}

var _ transport.Transport = (*fakeTransport)(nil)

func waitUntil(cond func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}
