package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/kandev/hub/internal/common/errors"
	"github.com/kandev/hub/internal/common/logger"
	"github.com/kandev/hub/internal/events"
	"github.com/kandev/hub/internal/events/bus"
	"github.com/kandev/hub/internal/orchestrator/llm"
	"github.com/kandev/hub/internal/task/engine"
	"github.com/kandev/hub/internal/task/models"
	"github.com/kandev/hub/internal/task/repository"
)

// fakeLLM is a scriptable llm.Client for exercising retry, streaming, and
// per-task serialization without a network call.
type fakeLLM struct {
	calls     int32
	failCount int32 // number of leading calls that fail before succeeding
	reply     string
	genErr    error

	streamChunks []string
	streamErr    error
	failAfter    int // fail after emitting this many chunks (0 = fail immediately)
}

func (f *fakeLLM) Generate(ctx context.Context, req llm.Request) (string, error) {
	n := atomic.AddInt32(&f.calls, 1)
	if n <= f.failCount {
		return "", errors.New("transient upstream error")
	}
	if f.genErr != nil {
		return "", f.genErr
	}
	return f.reply, nil
}

func (f *fakeLLM) GenerateStream(ctx context.Context, req llm.Request, onChunk llm.ChunkFunc) error {
	for i, chunk := range f.streamChunks {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if f.streamErr != nil && i == f.failAfter {
			return f.streamErr
		}
		if err := onChunk(chunk); err != nil {
			return err
		}
	}
	return nil
}

func newTestOrchestrator(t *testing.T, client llm.Client, cfg Config) (*Orchestrator, *models.Task) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	repo := repository.NewMemoryRepository()
	eventBus := bus.NewMemoryEventBus(log)
	eng := engine.New(repo, eventBus, log)

	task, err := eng.CreateTask(context.Background(), engine.CreateTaskInput{Title: "conversation task"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	o := New(cfg, client, repo, eng, eventBus, log)
	return o, task
}

func TestSendHappyPath(t *testing.T) {
	client := &fakeLLM{reply: "hello there"}
	cfg := DefaultConfig()
	cfg.CallTimeout = time.Second
	o, task := newTestOrchestrator(t, client, cfg)

	o.CreateConversation(context.Background(), task.ID, "be concise")

	result, err := o.Send(context.Background(), task.ID, "hi", models.SenderUser, nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if result.Response != "hello there" {
		t.Errorf("expected reply to be returned, got %q", result.Response)
	}

	summary := result.Summary
	if summary.MessageCount != 3 { // system + user + assistant
		t.Errorf("expected 3 history entries, got %d", summary.MessageCount)
	}
}

func TestSendRetriesThenSucceeds(t *testing.T) {
	client := &fakeLLM{failCount: 2, reply: "recovered"}
	cfg := DefaultConfig()
	cfg.CallTimeout = time.Second
	o, task := newTestOrchestrator(t, client, cfg)
	o.CreateConversation(context.Background(), task.ID, "")

	result, err := o.Send(context.Background(), task.ID, "hi", models.SenderUser, nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if result.Response != "recovered" {
		t.Errorf("expected eventual success, got %q", result.Response)
	}
	if atomic.LoadInt32(&client.calls) != 3 {
		t.Errorf("expected 3 attempts (2 failures + 1 success), got %d", client.calls)
	}
}

// TestSendRetryExhaustion covers spec §8 scenario 2: every attempt fails,
// the user turn is recorded but no assistant reply is appended.
func TestSendRetryExhaustion(t *testing.T) {
	client := &fakeLLM{failCount: 1000}
	cfg := DefaultConfig()
	cfg.MaxRetries = 2
	cfg.CallTimeout = time.Second
	o, task := newTestOrchestrator(t, client, cfg)
	o.CreateConversation(context.Background(), task.ID, "")

	_, err := o.Send(context.Background(), task.ID, "hi", models.SenderUser, nil)
	if err == nil {
		t.Fatal("expected an error after retry exhaustion")
	}

	summary, sErr := o.Summary(task.ID)
	if sErr != nil {
		t.Fatalf("Summary: %v", sErr)
	}
	if summary.MessageCount != 1 {
		t.Errorf("expected only the user turn to remain, got %d entries", summary.MessageCount)
	}
}

func TestSendRejectsBlankMessage(t *testing.T) {
	client := &fakeLLM{reply: "x"}
	o, task := newTestOrchestrator(t, client, DefaultConfig())
	o.CreateConversation(context.Background(), task.ID, "")

	if _, err := o.Send(context.Background(), task.ID, "   ", models.SenderUser, nil); !apperrors.IsValidation(err) {
		t.Errorf("expected validation error for blank message, got %v", err)
	}
}

func TestSendWithoutConversationAndCreateOnSendDisabled(t *testing.T) {
	client := &fakeLLM{reply: "x"}
	cfg := DefaultConfig()
	cfg.CreateOnSend = false
	o, task := newTestOrchestrator(t, client, cfg)

	if _, err := o.Send(context.Background(), task.ID, "hi", models.SenderUser, nil); !apperrors.IsNotFound(err) {
		t.Errorf("expected not found error, got %v", err)
	}
}

// TestStreamSendFailureMidChunk: a stream failure partway through must not
// leave a partial assistant reply in the context.
func TestStreamSendFailureMidChunk(t *testing.T) {
	client := &fakeLLM{
		streamChunks: []string{"a", "b", "c"},
		streamErr:    errors.New("connection reset"),
		failAfter:    1,
	}
	o, task := newTestOrchestrator(t, client, DefaultConfig())
	o.CreateConversation(context.Background(), task.ID, "")

	var received []string
	err := o.StreamSend(context.Background(), task.ID, "hi", models.SenderUser, nil, func(chunk string) error {
		received = append(received, chunk)
		return nil
	})
	if err == nil {
		t.Fatal("expected stream error to propagate")
	}
	if len(received) != 1 {
		t.Errorf("expected exactly one chunk before failure, got %d", len(received))
	}

	summary, sErr := o.Summary(task.ID)
	if sErr != nil {
		t.Fatalf("Summary: %v", sErr)
	}
	if summary.MessageCount != 1 {
		t.Errorf("expected only the user turn to remain after a failed stream, got %d", summary.MessageCount)
	}
}

// TestStreamSendCancelMidStream drives the real spec §8 scenario 3: the
// *task* is cancelled (via Engine.Cancel, the same path a CancelTask API
// call takes) while StreamSend is mid-flight. It asserts the stream
// terminates with ErrCancelled, the partial reply is discarded, a
// ConversationStreamEnd event carries cancelled=true, and the task itself
// ends up Cancelled.
func TestStreamSendCancelMidStream(t *testing.T) {
	client := &fakeLLM{streamChunks: []string{"a", "b", "c"}}
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	repo := repository.NewMemoryRepository()
	eventBus := bus.NewMemoryEventBus(log)
	eng := engine.New(repo, eventBus, log)

	task, err := eng.CreateTask(context.Background(), engine.CreateTaskInput{Title: "conversation task"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	o := New(DefaultConfig(), client, repo, eng, eventBus, log)
	eng.OnCancel(func(_ context.Context, taskID string) {
		o.CancelTask(taskID)
	})
	o.CreateConversation(context.Background(), task.ID, "")

	endEvents := make(chan *bus.Event, 4)
	sub, err := eventBus.Subscribe(events.TaskSubject(task.ID), func(_ context.Context, evt *bus.Event) error {
		if evt.Type == events.ConversationStreamEnd {
			endEvents <- evt
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	var mu sync.Mutex
	var received []string
	err = o.StreamSend(context.Background(), task.ID, "hi", models.SenderUser, nil, func(chunk string) error {
		mu.Lock()
		received = append(received, chunk)
		first := len(received) == 1
		mu.Unlock()
		if first {
			if _, cancelErr := eng.Cancel(context.Background(), task.ID); cancelErr != nil {
				t.Fatalf("Cancel: %v", cancelErr)
			}
		}
		return nil
	})
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}

	mu.Lock()
	gotChunks := len(received)
	mu.Unlock()
	if gotChunks != 1 {
		t.Errorf("expected exactly one chunk before the cancel interrupted the stream, got %d", gotChunks)
	}

	summary, sErr := o.Summary(task.ID)
	if sErr != nil {
		t.Fatalf("Summary: %v", sErr)
	}
	if summary.MessageCount != 1 {
		t.Errorf("expected only the user turn to remain after a cancelled stream, got %d", summary.MessageCount)
	}

	select {
	case evt := <-endEvents:
		if cancelled, _ := evt.Data["cancelled"].(bool); !cancelled {
			t.Errorf("expected ConversationStreamEnd to carry cancelled=true, got %+v", evt.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ConversationStreamEnd event")
	}

	finalTask, _, tErr := eng.Get(context.Background(), task.ID, false)
	if tErr != nil {
		t.Fatalf("Get: %v", tErr)
	}
	if finalTask.Status != models.TaskStatusCancelled {
		t.Errorf("expected task status Cancelled, got %s", finalTask.Status)
	}
}

func TestStreamSendHappyPath(t *testing.T) {
	client := &fakeLLM{streamChunks: []string{"foo", "bar", "baz"}}
	o, task := newTestOrchestrator(t, client, DefaultConfig())
	o.CreateConversation(context.Background(), task.ID, "")

	var got string
	err := o.StreamSend(context.Background(), task.ID, "hi", models.SenderUser, nil, func(chunk string) error {
		got += chunk
		return nil
	})
	if err != nil {
		t.Fatalf("StreamSend: %v", err)
	}
	if got != "foobarbaz" {
		t.Errorf("expected concatenated chunks, got %q", got)
	}

	summary, sErr := o.Summary(task.ID)
	if sErr != nil {
		t.Fatalf("Summary: %v", sErr)
	}
	if summary.MessageCount != 2 { // user + assistant
		t.Errorf("expected 2 history entries, got %d", summary.MessageCount)
	}
}

func TestClearIsIdempotent(t *testing.T) {
	client := &fakeLLM{reply: "x"}
	o, task := newTestOrchestrator(t, client, DefaultConfig())
	o.CreateConversation(context.Background(), task.ID, "")

	if !o.Clear(task.ID) {
		t.Error("expected first Clear to report removal")
	}
	if o.Clear(task.ID) {
		t.Error("expected second Clear to be a no-op")
	}
}

func TestHealthReportsConfiguration(t *testing.T) {
	client := &fakeLLM{reply: "x"}
	o, _ := newTestOrchestrator(t, client, DefaultConfig())

	h := o.Health()
	if h["llm_configured"] != true {
		t.Errorf("expected llm_configured=true, got %v", h["llm_configured"])
	}
}
