package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kandev/hub/internal/common/logger"
	"github.com/kandev/hub/internal/events/bus"

	"github.com/kandev/hub/internal/broker/models"
	"github.com/kandev/hub/internal/broker/transport"
)

func newTestBroker(t *testing.T, tr *fakeTransport, cfg Config) *Broker {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	b := New(cfg, tr, bus.NewMemoryEventBus(log), log)
	t.Cleanup(b.Shutdown)
	return b
}

func defaultTestConfig() Config {
	return Config{
		QueueMaxSize:      10,
		MaxRetries:        3,
		DefaultTimeout:    2 * time.Second,
		HeartbeatInterval: time.Second,
		RetentionWindow:   10 * time.Minute,
		SSHEnabled:        true,
	}
}

func TestEnqueueAndDispatchCompletes(t *testing.T) {
	tr := newFakeTransport()
	b := newTestBroker(t, tr, defaultTestConfig())

	cmd, err := b.Enqueue(context.Background(), EnqueueInput{TaskID: "t1", Kind: models.KindPrompt, Content: "do a thing"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if !waitUntil(func() bool {
		got, _ := b.GetCommand(cmd.ID)
		return got != nil && got.Status == models.CommandCompleted
	}, time.Second) {
		t.Fatal("expected command to reach Completed")
	}
}

func TestEnqueueValidation(t *testing.T) {
	tr := newFakeTransport()
	b := newTestBroker(t, tr, defaultTestConfig())

	if _, err := b.Enqueue(context.Background(), EnqueueInput{TaskID: "t1", Content: ""}); err == nil {
		t.Error("expected validation error for empty content")
	}
}

func TestEnqueueQueueFull(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.QueueMaxSize = 1
	// disconnected transport so nothing drains the queue mid-test
	tr := newFakeTransport()
	tr.setConnected(false)
	b := newTestBroker(t, tr, cfg)

	if _, err := b.Enqueue(context.Background(), EnqueueInput{TaskID: "t1", Content: "a"}); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if _, err := b.Enqueue(context.Background(), EnqueueInput{TaskID: "t1", Content: "b"}); err == nil {
		t.Error("expected QueueFull error on second enqueue")
	}
}

// TestCancelWhileQueued covers spec §8 scenario 4.
func TestCancelWhileQueued(t *testing.T) {
	tr := newFakeTransport()
	tr.setConnected(false) // keep the dispatcher from draining so we can cancel mid-queue
	b := newTestBroker(t, tr, defaultTestConfig())

	c1, _ := b.Enqueue(context.Background(), EnqueueInput{TaskID: "t1", Content: "c1"})
	c2, _ := b.Enqueue(context.Background(), EnqueueInput{TaskID: "t1", Content: "c2"})
	c3, _ := b.Enqueue(context.Background(), EnqueueInput{TaskID: "t1", Content: "c3"})

	if err := b.Cancel(context.Background(), c2.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	got, err := b.GetCommand(c2.ID)
	if err != nil {
		t.Fatalf("GetCommand: %v", err)
	}
	if got.Status != models.CommandCancelled {
		t.Errorf("expected c2 cancelled, got %s", got.Status)
	}

	tr.setConnected(true)
	if !waitUntil(func() bool {
		g1, _ := b.GetCommand(c1.ID)
		g3, _ := b.GetCommand(c3.ID)
		return g1 != nil && g1.Status == models.CommandCompleted && g3 != nil && g3.Status == models.CommandCompleted
	}, time.Second) {
		t.Fatal("expected c1 and c3 to complete after reconnect")
	}
	if tr.dispatchCount() != 2 {
		t.Errorf("expected c2 to never be transmitted, dispatch count = %d", tr.dispatchCount())
	}
}

func TestRetryOnFailureThenSucceeds(t *testing.T) {
	tr := newFakeTransport()
	var attempts int32
	tr.dispatchFn = func(ctx context.Context, req transport.Envelope) (transport.Envelope, error) {
		n := atomic.AddInt32(&attempts, 1)
		if n == 1 {
			return transport.Envelope{}, errBoom
		}
		return transport.Envelope{Type: transport.EnvelopeResult, Data: map[string]interface{}{"output": "done"}}, nil
	}
	b := newTestBroker(t, tr, defaultTestConfig())

	cmd, err := b.Enqueue(context.Background(), EnqueueInput{TaskID: "t1", Content: "flaky"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if !waitUntil(func() bool {
		got, _ := b.GetCommand(cmd.ID)
		return got != nil && got.Status == models.CommandCompleted
	}, 5*time.Second) {
		t.Fatal("expected command to eventually complete after one retry")
	}
	if atomic.LoadInt32(&attempts) != 2 {
		t.Errorf("expected exactly 2 dispatch attempts, got %d", attempts)
	}
}

func TestSSHContextLifecycleAndSnapshotBinding(t *testing.T) {
	tr := newFakeTransport()
	b := newTestBroker(t, tr, defaultTestConfig())

	host := "example.com"
	_, err := b.CreateSSHContext(context.Background(), SSHContextInput{ID: "box1", Host: host})
	if err != nil {
		t.Fatalf("CreateSSHContext: %v", err)
	}

	sshID := "box1"
	cmd, err := b.Enqueue(context.Background(), EnqueueInput{TaskID: "t1", Content: "run", SSHContextID: &sshID})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if cmd.SSHSnapshot == nil || cmd.SSHSnapshot.Host != host {
		t.Fatalf("expected SSH snapshot captured at enqueue, got %+v", cmd.SSHSnapshot)
	}

	// deleting the live context must not affect the already-bound snapshot.
	if err := b.DeleteSSHContext("box1"); err != nil {
		t.Fatalf("DeleteSSHContext: %v", err)
	}
	again, err := b.GetCommand(cmd.ID)
	if err != nil {
		t.Fatalf("GetCommand: %v", err)
	}
	if again.SSHSnapshot == nil || again.SSHSnapshot.Host != host {
		t.Error("expected command's SSH snapshot to survive context deletion")
	}
}

func TestSSHDisabledRejectsBinding(t *testing.T) {
	tr := newFakeTransport()
	cfg := defaultTestConfig()
	cfg.SSHEnabled = false
	b := newTestBroker(t, tr, cfg)

	sshID := "nonexistent"
	if _, err := b.Enqueue(context.Background(), EnqueueInput{TaskID: "t1", Content: "run", SSHContextID: &sshID}); err == nil {
		t.Error("expected BusinessLogic error when ssh binding is disabled")
	}
}

func TestHealthReportsQueueAndConnectivity(t *testing.T) {
	tr := newFakeTransport()
	tr.setConnected(false)
	b := newTestBroker(t, tr, defaultTestConfig())

	_, _ = b.Enqueue(context.Background(), EnqueueInput{TaskID: "t1", Content: "a"})

	h := b.Health()
	if h.QueueSize != 1 {
		t.Errorf("expected queue_size=1, got %d", h.QueueSize)
	}
	if h.IsConnected {
		t.Error("expected IsConnected=false")
	}
}

var errBoom = errors.New("boom")
