// Package service implements the Connector Command Broker (spec §4.4):
// a bounded FIFO dispatcher to one IDE agent, per-command lifecycle,
// cancellation, retry/backoff, and an SSH context registry.
package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/kandev/hub/internal/common/errors"
	"github.com/kandev/hub/internal/common/logger"
	"github.com/kandev/hub/internal/events"
	"github.com/kandev/hub/internal/events/bus"

	"github.com/kandev/hub/internal/broker/models"
	"github.com/kandev/hub/internal/broker/queue"
	"github.com/kandev/hub/internal/broker/transport"
)

const (
	maxContentBytes  = 10000
	maxMetadataBytes = 5 * 1024
	abortGrace       = 5 * time.Second
	dispatcherIdleWait = 200 * time.Millisecond
)

// Config controls queue capacity, retry/backoff, and retention.
type Config struct {
	QueueMaxSize      int
	MaxRetries        int
	DefaultTimeout    time.Duration
	HeartbeatInterval time.Duration
	RetentionWindow   time.Duration
	SSHEnabled        bool
}

// Broker is the Connector Command Broker.
type Broker struct {
	cfg       Config
	transport transport.Transport
	bus       bus.EventBus
	logger    *logger.Logger

	queue *queue.CommandQueue
	wake  chan struct{}

	mu       sync.RWMutex
	commands map[string]*models.Command

	sshMu sync.RWMutex
	ssh   map[string]*models.SSHContext

	stop chan struct{}
	once sync.Once
}

// New constructs a Broker and starts its single dispatcher goroutine.
func New(cfg Config, t transport.Transport, eventBus bus.EventBus, log *logger.Logger) *Broker {
	b := &Broker{
		cfg:       cfg,
		transport: t,
		bus:       eventBus,
		logger:    log,
		queue:     queue.NewCommandQueue(cfg.QueueMaxSize),
		wake:      make(chan struct{}, 1),
		commands:  make(map[string]*models.Command),
		ssh:       make(map[string]*models.SSHContext),
		stop:      make(chan struct{}),
	}
	go b.dispatchLoop()
	return b
}

// Shutdown stops the dispatcher. Remaining Queued commands are marked
// Cancelled with reason=shutdown (spec §5 process shutdown semantics).
func (b *Broker) Shutdown() {
	b.once.Do(func() { close(b.stop) })

	for {
		cmd := b.queue.Dequeue()
		if cmd == nil {
			return
		}
		b.mu.Lock()
		cmd.Status = models.CommandCancelled
		reason := "shutdown"
		cmd.Error = &reason
		now := time.Now()
		cmd.CompletedAt = &now
		b.mu.Unlock()
		b.publishTerminal(cmd)
	}
}

// EnqueueInput is the caller-supplied shape for a new command.
type EnqueueInput struct {
	TaskID         string
	Kind           models.CommandKind
	Content        string
	TimeoutSeconds int
	MaxRetries     *int
	SSHContextID   *string
	Metadata       map[string]interface{}
}

// Enqueue admits a new command to the queue.
func (b *Broker) Enqueue(ctx context.Context, in EnqueueInput) (*models.Command, error) {
	if len(in.Content) == 0 {
		return nil, apperrors.ValidationError("content", "must not be empty")
	}
	if len(in.Content) > maxContentBytes {
		return nil, apperrors.ValidationError("content", "exceeds 10000 characters")
	}
	if metadataSize(in.Metadata) > maxMetadataBytes {
		return nil, apperrors.ValidationError("metadata", "exceeds 5KB serialized")
	}

	timeout := in.TimeoutSeconds
	if timeout <= 0 {
		timeout = int(b.cfg.DefaultTimeout.Seconds())
	}
	maxRetries := b.cfg.MaxRetries
	if in.MaxRetries != nil {
		maxRetries = *in.MaxRetries
	}

	cmd := &models.Command{
		ID:             uuid.NewString(),
		TaskID:         in.TaskID,
		Kind:           in.Kind,
		Content:        in.Content,
		CreatedAt:      time.Now(),
		Status:         models.CommandQueued,
		MaxRetries:     maxRetries,
		TimeoutSeconds: timeout,
		Metadata:       in.Metadata,
	}

	if in.SSHContextID != nil {
		if !b.cfg.SSHEnabled {
			return nil, apperrors.BusinessLogic("ssh context binding is disabled")
		}
		snap, err := b.snapshotSSHContext(*in.SSHContextID)
		if err != nil {
			return nil, err
		}
		cmd.SSHContextID = in.SSHContextID
		cmd.SSHSnapshot = snap
	}

	if err := b.queue.Enqueue(cmd); err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.commands[cmd.ID] = cmd
	b.mu.Unlock()

	b.publish(events.CommandQueued, cmd, map[string]interface{}{"queue_position": b.queue.Len()})
	b.signal()
	return cloneCommand(cmd), nil
}

func (b *Broker) snapshotSSHContext(id string) (*models.SSHContext, error) {
	b.sshMu.RLock()
	defer b.sshMu.RUnlock()
	ctx, ok := b.ssh[id]
	if !ok {
		return nil, apperrors.NotFound("ssh_context", id)
	}
	snap := ctx.Snapshot()
	return &snap, nil
}

// GetCommand returns a point-in-time snapshot of a command.
func (b *Broker) GetCommand(id string) (*models.Command, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	cmd, ok := b.commands[id]
	if !ok {
		return nil, apperrors.NotFound("command", id)
	}
	return cloneCommand(cmd), nil
}

// ListCommands returns a snapshot of all tracked commands.
func (b *Broker) ListCommands() []*models.Command {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*models.Command, 0, len(b.commands))
	for _, cmd := range b.commands {
		out = append(out, cloneCommand(cmd))
	}
	return out
}

// Config returns the broker's active configuration, for status/health echo.
func (b *Broker) Config() Config {
	return b.cfg
}

// Cancel terminates a command: immediate if Queued, cooperative (abort +
// grace window) if Running. Returns success once the command is terminal.
func (b *Broker) Cancel(ctx context.Context, id string) error {
	if b.queue.Remove(id) {
		b.mu.Lock()
		cmd, ok := b.commands[id]
		if ok && !cmd.Status.IsTerminal() {
			cmd.Status = models.CommandCancelled
			now := time.Now()
			cmd.CompletedAt = &now
		}
		b.mu.Unlock()
		if ok {
			b.publishTerminal(cmd)
		}
		return nil
	}

	b.mu.RLock()
	cmd, ok := b.commands[id]
	b.mu.RUnlock()
	if !ok {
		return apperrors.NotFound("command", id)
	}
	if cmd.Status.IsTerminal() {
		return nil
	}

	abortCtx, cancel := context.WithTimeout(ctx, abortGrace)
	defer cancel()
	_ = b.transport.Abort(abortCtx, id)

	b.mu.Lock()
	if !cmd.Status.IsTerminal() {
		cmd.Status = models.CommandCancelled
		now := time.Now()
		cmd.CompletedAt = &now
	}
	b.mu.Unlock()
	b.publishTerminal(cmd)
	return nil
}

// CancelByTask cancels every non-terminal command belonging to taskID
// (spec.md:161 task-cancel propagation). Best-effort: a command that fails
// to cancel is logged, not returned, since the caller is tearing down a
// task regardless.
func (b *Broker) CancelByTask(ctx context.Context, taskID string) {
	b.mu.RLock()
	ids := make([]string, 0)
	for id, cmd := range b.commands {
		if cmd.TaskID == taskID && !cmd.Status.IsTerminal() {
			ids = append(ids, id)
		}
	}
	b.mu.RUnlock()

	for _, id := range ids {
		if err := b.Cancel(ctx, id); err != nil {
			b.logger.WithCommandID(id).Warn("failed to cancel command during task cancel", zap.Error(err))
		}
	}
}

func (b *Broker) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// dispatchLoop is the single dispatcher: pops the head, transmits, and
// processes the outcome, blocking on a disconnected transport.
func (b *Broker) dispatchLoop() {
	for {
		select {
		case <-b.stop:
			return
		default:
		}

		cmd := b.queue.Peek()
		if cmd == nil {
			select {
			case <-b.wake:
			case <-b.stop:
				return
			case <-time.After(time.Second):
			}
			continue
		}

		if !b.transport.IsConnected() {
			select {
			case <-b.stop:
				return
			case <-time.After(dispatcherIdleWait):
			}
			continue
		}

		cmd = b.queue.Dequeue()
		if cmd == nil {
			continue
		}
		b.runCommand(cmd)
	}
}

func (b *Broker) runCommand(cmd *models.Command) {
	b.mu.Lock()
	if cmd.Status.IsTerminal() {
		// cancelled while waiting out a retry backoff; terminal is write-once
		b.mu.Unlock()
		return
	}
	cmd.Status = models.CommandRunning
	now := time.Now()
	cmd.StartedAt = &now
	b.mu.Unlock()
	b.publish(events.CommandStatus, cmd, nil)

	req := transport.Envelope{
		CommandID: cmd.ID,
		Data: map[string]interface{}{
			"kind":     string(cmd.Kind),
			"content":  cmd.Content,
			"metadata": cmd.Metadata,
		},
	}
	if cmd.SSHSnapshot != nil {
		req.Data["ssh_context"] = cmd.SSHSnapshot
	}

	timeout := time.Duration(cmd.TimeoutSeconds) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	resp, err := b.transport.Dispatch(ctx, req)
	timedOut := ctx.Err() == context.DeadlineExceeded
	cancel()

	b.mu.Lock()
	if cmd.Status == models.CommandCancelled {
		b.mu.Unlock()
		return
	}

	if err == nil {
		cmd.Status = models.CommandCompleted
		if text, ok := resp.Data["output"].(string); ok {
			cmd.Response = &text
		}
		done := time.Now()
		cmd.CompletedAt = &done
		b.mu.Unlock()
		b.publishTerminal(cmd)
		return
	}

	msg := err.Error()
	cmd.Error = &msg
	retryable := cmd.RetryCount < cmd.MaxRetries
	b.mu.Unlock()

	if !retryable {
		b.mu.Lock()
		if timedOut {
			cmd.Status = models.CommandTimeout
		} else {
			cmd.Status = models.CommandFailed
		}
		done := time.Now()
		cmd.CompletedAt = &done
		b.mu.Unlock()
		b.publishTerminal(cmd)
		return
	}

	b.mu.Lock()
	cmd.RetryCount++
	attempt := cmd.RetryCount
	cmd.Status = models.CommandQueued
	cmd.StartedAt = nil
	b.mu.Unlock()

	wait := capBackoff(attempt, 30*time.Second)
	b.logger.WithCommandID(cmd.ID).Warn("command failed, retrying", zap.Duration("wait", wait), zap.Error(err))
	go func() {
		select {
		case <-time.After(wait):
		case <-b.stop:
			return
		}
		if requeueErr := b.queue.Requeue(cmd); requeueErr != nil {
			b.logger.WithCommandID(cmd.ID).Warn("failed to requeue command", zap.Error(requeueErr))
			return
		}
		b.signal()
	}()
}

func (b *Broker) publish(eventType string, cmd *models.Command, extra map[string]interface{}) {
	if b.bus == nil {
		return
	}
	data := map[string]interface{}{"command_id": cmd.ID, "task_id": cmd.TaskID, "status": string(cmd.Status)}
	for k, v := range extra {
		data[k] = v
	}
	evt := bus.NewEvent(eventType, "command-broker", data)
	if err := b.bus.Publish(context.Background(), events.CommandSubject(cmd.ID), evt); err != nil {
		b.logger.WithCommandID(cmd.ID).Warn("failed to publish command event", zap.Error(err))
	}
}

func (b *Broker) publishTerminal(cmd *models.Command) {
	b.publish(events.CommandTerminal, cmd, nil)
}

func cloneCommand(cmd *models.Command) *models.Command {
	cp := *cmd
	return &cp
}

func metadataSize(m map[string]interface{}) int {
	if m == nil {
		return 0
	}
	size := 0
	for k, v := range m {
		size += len(k)
		if s, ok := v.(string); ok {
			size += len(s)
		} else {
			size += 32
		}
	}
	return size
}
