// Package service implements the AI Conversation Orchestrator (spec §4.3):
// per-task conversation context, context-window optimization, synchronous
// and streaming sends, bounded retry with exponential backoff, and
// per-task serialization.
package service

import (
	"context"
	stderrors "errors"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	apperrors "github.com/kandev/hub/internal/common/errors"
	"github.com/kandev/hub/internal/common/logger"
	convctx "github.com/kandev/hub/internal/orchestrator/context"
	"github.com/kandev/hub/internal/orchestrator/llm"
	"github.com/kandev/hub/internal/events"
	"github.com/kandev/hub/internal/events/bus"
	"github.com/kandev/hub/internal/task/engine"
	"github.com/kandev/hub/internal/task/models"
	"github.com/kandev/hub/internal/task/repository"
)

// ErrCancelled is the root cause wrapped into the BusinessLogic AppError
// returned by Send/StreamSend when CancelTask cancels the task's in-flight
// call before it completes (spec.md:161).
var ErrCancelled = stderrors.New("orchestrator: task cancelled mid-send")

func cancelledError() *apperrors.AppError {
	err := apperrors.BusinessLogic("task was cancelled")
	err.Err = ErrCancelled
	return err
}

// Config controls retry, timeout, and token-budget behavior, sourced from
// the llm.* configuration section (spec §6).
type Config struct {
	MaxRetries     int
	CallTimeout    time.Duration
	ContextWindow  int
	MaxOutputTokens int
	CreateOnSend   bool
}

// DefaultConfig matches the llm.* defaults in spec §6 / gemini_service.py.
func DefaultConfig() Config {
	return Config{
		MaxRetries:      3,
		CallTimeout:     30 * time.Second,
		ContextWindow:   32000,
		MaxOutputTokens: 8192,
		CreateOnSend:    true,
	}
}

// Orchestrator is the per-process AI Conversation Orchestrator.
type Orchestrator struct {
	cfg    Config
	llm    llm.Client
	repo   repository.Repository
	engine *engine.Engine
	bus    bus.EventBus
	logger *logger.Logger
	ctxs   *convctx.Store

	taskLocksMu sync.Mutex
	taskLocks   map[string]*sync.Mutex

	cancelMu sync.Mutex
	cancels  map[string]context.CancelFunc
}

// New constructs an Orchestrator.
func New(cfg Config, llmClient llm.Client, repo repository.Repository, eng *engine.Engine, eventBus bus.EventBus, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		llm:       llmClient,
		repo:      repo,
		engine:    eng,
		bus:       eventBus,
		logger:    log,
		ctxs:      convctx.NewStore(convctx.DefaultMaxContexts),
		taskLocks: make(map[string]*sync.Mutex),
		cancels:   make(map[string]context.CancelFunc),
	}
}

// CancelTask cancels the task's in-flight Send/StreamSend, if any. Returns
// false if nothing was in flight. Safe to call even when no send is active.
func (o *Orchestrator) CancelTask(taskID string) bool {
	o.cancelMu.Lock()
	cancel, ok := o.cancels[taskID]
	if ok {
		delete(o.cancels, taskID)
	}
	o.cancelMu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// withTaskCancel derives a cancellable context registered under taskID for
// the duration of one Send/StreamSend call, so CancelTask can interrupt it.
// The returned done func unregisters and releases the context; callers must
// defer it.
func (o *Orchestrator) withTaskCancel(parent context.Context, taskID string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	o.cancelMu.Lock()
	o.cancels[taskID] = cancel
	o.cancelMu.Unlock()

	return ctx, func() {
		o.cancelMu.Lock()
		if o.cancels[taskID] != nil {
			delete(o.cancels, taskID)
		}
		o.cancelMu.Unlock()
		cancel()
	}
}

// CreateConversation creates an empty context for taskID, recording
// systemPrompt as the first history entry when present.
func (o *Orchestrator) CreateConversation(ctx context.Context, taskID string, systemPrompt string) *convctx.ConversationContext {
	return o.ctxs.Create(taskID, systemPrompt)
}

// Clear removes a task's context. Idempotent: returns false if none was present.
func (o *Orchestrator) Clear(taskID string) bool {
	return o.ctxs.Clear(taskID)
}

// Summary returns the context's current summary, or NotFound if absent.
func (o *Orchestrator) Summary(taskID string) (convctx.Summary, error) {
	c, ok := o.ctxs.Get(taskID)
	if !ok {
		return convctx.Summary{}, apperrors.NotFound("conversation", taskID)
	}
	return c.Summary(), nil
}

// Health reports the orchestrator's LLM configuration.
// A lightweight status rather than a real probe: the underlying Client is
// assumed cheap to hold, expensive to call, so health only reports
// configuration completeness.
func (o *Orchestrator) Health() map[string]any {
	_, disabled := o.llm.(llm.DisabledClient)
	return map[string]any{
		"llm_configured": o.llm != nil && !disabled,
		"max_retries":    o.cfg.MaxRetries,
		"context_window": o.cfg.ContextWindow,
	}
}

// SendResult is returned by Send for the synchronous (non-streaming) path.
type SendResult struct {
	Response string
	Model    string
	Summary  convctx.Summary
}

// Send appends message as a user turn, invokes the LLM, and appends the
// reply. One in-flight send per task id; concurrent sends for the same
// task run one at a time, in no guaranteed order.
func (o *Orchestrator) Send(ctx context.Context, taskID string, message string, role models.MessageSender, metadata map[string]interface{}) (*SendResult, error) {
	if strings.TrimSpace(message) == "" {
		return nil, apperrors.ValidationError("message", "must not be empty or whitespace")
	}

	unlock := o.lockTask(taskID)
	defer unlock()

	ctx, done := o.withTaskCancel(ctx, taskID)
	defer done()

	convCtx, err := o.getOrCreateContext(taskID)
	if err != nil {
		return nil, err
	}

	convCtx.AddMessage(role, message, metadata)
	o.optimizeForBudget(convCtx)
	o.persistMessage(ctx, taskID, role, message)
	o.publishConversation(ctx, taskID, events.MessageAppended, map[string]interface{}{"sender": string(role)})

	req := o.buildRequest(convCtx)

	reply, err := o.callWithRetry(ctx, req)
	if err != nil {
		if ctx.Err() == context.Canceled {
			return nil, cancelledError()
		}
		return nil, apperrors.ExternalService("gemini", err)
	}

	convCtx.AddMessage(models.SenderGemini, reply, nil)
	o.persistMessage(ctx, taskID, models.SenderGemini, reply)
	o.publishConversation(ctx, taskID, events.ConversationComplete, map[string]interface{}{"response_length": len(reply)})
	o.publishConversation(ctx, taskID, events.MessageAppended, map[string]interface{}{"sender": string(models.SenderGemini)})

	return &SendResult{Response: reply, Model: o.modelName(), Summary: convCtx.Summary()}, nil
}

// StreamSend is the streaming counterpart to Send. onChunk is invoked for
// each piece of the reply; it is not retried mid-stream, and on failure
// the partial reply is not appended to the context.
func (o *Orchestrator) StreamSend(ctx context.Context, taskID string, message string, role models.MessageSender, metadata map[string]interface{}, onChunk llm.ChunkFunc) error {
	if strings.TrimSpace(message) == "" {
		return apperrors.ValidationError("message", "must not be empty or whitespace")
	}

	unlock := o.lockTask(taskID)
	defer unlock()

	ctx, done := o.withTaskCancel(ctx, taskID)
	defer done()

	convCtx, err := o.getOrCreateContext(taskID)
	if err != nil {
		return err
	}

	convCtx.AddMessage(role, message, metadata)
	o.optimizeForBudget(convCtx)
	o.persistMessage(ctx, taskID, role, message)
	o.publishConversation(ctx, taskID, events.MessageAppended, map[string]interface{}{"sender": string(role)})

	req := o.buildRequest(convCtx)

	o.publishConversation(ctx, taskID, events.ConversationStreamStart, nil)

	var builder strings.Builder
	streamErr := o.llm.GenerateStream(ctx, req, func(chunk string) error {
		builder.WriteString(chunk)
		o.publishConversation(ctx, taskID, events.ConversationStreamChunk, map[string]interface{}{"content": chunk})
		return onChunk(chunk)
	})

	if streamErr != nil {
		if ctx.Err() == context.Canceled {
			// Task cancel fired mid-stream: emit the end-of-stream marker the
			// caller's socket/chunked-response handler is waiting on, and
			// discard the partial reply rather than appending it (spec.md:223).
			o.publishConversation(context.Background(), taskID, events.ConversationStreamEnd, map[string]interface{}{"cancelled": true})
			return cancelledError()
		}
		o.publishConversation(ctx, taskID, events.ConversationStreamEnd, map[string]interface{}{"error": streamErr.Error()})
		return apperrors.ExternalService("gemini", streamErr)
	}

	reply := builder.String()
	convCtx.AddMessage(models.SenderGemini, reply, nil)
	o.persistMessage(ctx, taskID, models.SenderGemini, reply)
	o.publishConversation(ctx, taskID, events.ConversationStreamEnd, map[string]interface{}{"full_response": reply, "length": len(reply)})
	o.publishConversation(ctx, taskID, events.MessageAppended, map[string]interface{}{"sender": string(models.SenderGemini)})
	return nil
}

func (o *Orchestrator) getOrCreateContext(taskID string) (*convctx.ConversationContext, error) {
	if c, ok := o.ctxs.Get(taskID); ok {
		return c, nil
	}
	if !o.cfg.CreateOnSend {
		return nil, apperrors.NotFound("conversation", taskID)
	}
	return o.ctxs.Create(taskID, ""), nil
}

func (o *Orchestrator) optimizeForBudget(c *convctx.ConversationContext) {
	budget := o.cfg.ContextWindow - o.cfg.MaxOutputTokens
	if budget < 0 {
		budget = o.cfg.ContextWindow
	}
	c.Optimize(budget)
}

func (o *Orchestrator) buildRequest(c *convctx.ConversationContext) llm.Request {
	history := c.Snapshot()
	req := llm.Request{
		MaxTokens: o.cfg.MaxOutputTokens,
	}
	for _, entry := range history {
		switch entry.Role {
		case models.SenderSystem:
			req.SystemPrompt = entry.Content
		case models.SenderGemini:
			req.History = append(req.History, llm.Turn{Role: "model", Content: entry.Content})
		default:
			req.History = append(req.History, llm.Turn{Role: "user", Content: entry.Content})
		}
	}
	return req
}

// callWithRetry invokes the LLM with bounded retry and the spec's
// min(2^attempt, 30)-second backoff. Exhaustion surfaces as a plain error;
// callers wrap it as ExternalService.
func (o *Orchestrator) callWithRetry(ctx context.Context, req llm.Request) (string, error) {
	maxTries := o.cfg.MaxRetries + 1 // first attempt plus MaxRetries retries
	if maxTries < 1 {
		maxTries = 1
	}

	return backoff.Retry(ctx, func() (string, error) {
		callCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
		defer cancel()
		return o.llm.Generate(callCtx, req)
	},
		backoff.WithBackOff(newCapExponentialBackoff(30*time.Second)),
		backoff.WithMaxTries(uint(maxTries)),
	)
}

func (o *Orchestrator) persistMessage(ctx context.Context, taskID string, sender models.MessageSender, content string) {
	if o.repo == nil {
		return
	}
	if err := o.repo.AppendMessage(ctx, taskID, &models.Message{Sender: sender, Content: content}); err != nil {
		o.logger.WithTaskID(taskID).Warn("failed to persist message", zap.Error(err))
	}
}

func (o *Orchestrator) publishConversation(ctx context.Context, taskID string, eventType string, data map[string]interface{}) {
	if o.bus == nil {
		return
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	data["task_id"] = taskID
	evt := bus.NewEvent(eventType, "orchestrator", data)
	if err := o.bus.Publish(ctx, events.TaskSubject(taskID), evt); err != nil {
		o.logger.WithTaskID(taskID).Warn("failed to publish conversation event", zap.Error(err))
	}
}

func (o *Orchestrator) modelName() string {
	type named interface{ ModelName() string }
	if n, ok := o.llm.(named); ok {
		return n.ModelName()
	}
	return ""
}

// lockTask returns an unlock function after acquiring the per-task mutex,
// serializing concurrent sends for the same task; waiters acquire it in no
// guaranteed order.
func (o *Orchestrator) lockTask(taskID string) func() {
	o.taskLocksMu.Lock()
	m, ok := o.taskLocks[taskID]
	if !ok {
		m = &sync.Mutex{}
		o.taskLocks[taskID] = m
	}
	o.taskLocksMu.Unlock()

	m.Lock()
	return m.Unlock
}
