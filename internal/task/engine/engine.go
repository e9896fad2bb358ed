package engine

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/kandev/hub/internal/common/errors"
	"github.com/kandev/hub/internal/common/logger"
	"github.com/kandev/hub/internal/events"
	"github.com/kandev/hub/internal/events/bus"
	"github.com/kandev/hub/internal/task/models"
	"github.com/kandev/hub/internal/task/repository"
)

// CancelHook is invoked after a task transitions to Cancelled, so
// collaborators holding in-flight work for that task (the Conversation
// Orchestrator's current send/stream, the Connector Command Broker's
// queued/running commands) can tear it down. Engine depends on nothing
// from those packages; callers register hooks closing over their own
// services (spec.md:161).
type CancelHook func(ctx context.Context, taskID string)

// Engine enforces the task state machine over a Store and publishes
// lifecycle events. It is the only component that mutates task fields.
type Engine struct {
	repo   repository.Repository
	bus    bus.EventBus
	logger *logger.Logger

	cancelHooksMu sync.Mutex
	cancelHooks   []CancelHook
}

// New constructs an Engine over the given Store and Event Bus.
func New(repo repository.Repository, eventBus bus.EventBus, log *logger.Logger) *Engine {
	return &Engine{repo: repo, bus: eventBus, logger: log}
}

// OnCancel registers a hook run synchronously, in registration order,
// every time a task is cancelled. Hooks are best-effort: a hook's own
// failure to tear down its state does not fail the cancel.
func (e *Engine) OnCancel(hook CancelHook) {
	e.cancelHooksMu.Lock()
	e.cancelHooks = append(e.cancelHooks, hook)
	e.cancelHooksMu.Unlock()
}

// CreateTaskInput is the validated shape accepted by CreateTask.
type CreateTaskInput struct {
	Title            string
	Description      string
	Priority         models.Priority
	ProjectPath      *string
	SSHHost          *string
	SSHUser          *string
	EstimatedSeconds *int
	MaxRetries       *int
	AIContexts       map[string]models.AgentContext
	CreatedBy        string
}

// CreateTask validates input and persists a new Pending task.
func (e *Engine) CreateTask(ctx context.Context, in CreateTaskInput) (*models.Task, error) {
	title := strings.TrimSpace(in.Title)
	if len(title) < 1 || len(title) > 255 {
		return nil, apperrors.ValidationError("title", "must be between 1 and 255 characters")
	}
	if len(in.Description) > 2000 {
		return nil, apperrors.ValidationError("description", "must be at most 2000 characters")
	}
	if (in.SSHHost == nil) != (in.SSHUser == nil) {
		return nil, apperrors.ValidationError("ssh_host", "ssh_host and ssh_user must both be present or both absent")
	}
	if in.EstimatedSeconds != nil && (*in.EstimatedSeconds < 1 || *in.EstimatedSeconds > 86400) {
		return nil, apperrors.ValidationError("estimated_duration", "must be between 1 and 86400 seconds")
	}
	maxRetries := 3
	if in.MaxRetries != nil {
		if *in.MaxRetries < 0 || *in.MaxRetries > 10 {
			return nil, apperrors.ValidationError("max_retries", "must be between 0 and 10")
		}
		maxRetries = *in.MaxRetries
	}
	priority := in.Priority
	if priority == "" {
		priority = models.PriorityNormal
	}

	task := &models.Task{
		Title:            title,
		Description:      in.Description,
		Status:           models.TaskStatusPending,
		CurrentTurn:      models.TurnUser,
		Priority:         priority,
		ProjectPath:      in.ProjectPath,
		SSHHost:          in.SSHHost,
		SSHUser:          in.SSHUser,
		EstimatedSeconds: in.EstimatedSeconds,
		MaxRetries:       maxRetries,
		AIContexts:       in.AIContexts,
		CreatedBy:        in.CreatedBy,
	}
	if task.AIContexts == nil {
		task.AIContexts = make(map[string]models.AgentContext)
	}

	if err := e.repo.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	e.publishTask(ctx, events.TaskCreated, task)
	return task, nil
}

// Start applies the Pending -> ProcessingCursor transition.
func (e *Engine) Start(ctx context.Context, id string) (*models.Task, error) {
	return e.transition(ctx, id, func(t *models.Task) error { return start(t, time.Now().UTC()) })
}

// AdvanceTurn hands the turn to next, recomputing status accordingly.
func (e *Engine) AdvanceTurn(ctx context.Context, id string, next models.TaskTurn) (*models.Task, error) {
	return e.transition(ctx, id, func(t *models.Task) error { return advanceTurn(t, next) })
}

// Complete transitions the task to Completed with progress=100.
func (e *Engine) Complete(ctx context.Context, id string) (*models.Task, error) {
	task, err := e.repo.UpdateTask(ctx, id, func(t *models.Task) error { return complete(t, time.Now().UTC()) })
	if err != nil {
		return nil, err
	}
	e.publishTask(ctx, events.TaskTerminated, task)
	return task, nil
}

// Fail transitions the task to Failed, recording reason.
func (e *Engine) Fail(ctx context.Context, id string, reason string) (*models.Task, error) {
	task, err := e.repo.UpdateTask(ctx, id, func(t *models.Task) error { return fail(t, reason, time.Now().UTC()) })
	if err != nil {
		return nil, err
	}
	e.publishTask(ctx, events.TaskTerminated, task)
	return task, nil
}

// Cancel transitions the task to Cancelled, then runs registered cancel
// hooks so the Orchestrator's in-flight send/stream and the Broker's
// in-flight Commands for this task are torn down too (spec.md:161).
func (e *Engine) Cancel(ctx context.Context, id string) (*models.Task, error) {
	task, err := e.repo.UpdateTask(ctx, id, func(t *models.Task) error { return cancelTask(t, time.Now().UTC()) })
	if err != nil {
		return nil, err
	}
	e.publishTask(ctx, events.TaskTerminated, task)
	e.runCancelHooks(ctx, task.ID)
	return task, nil
}

func (e *Engine) runCancelHooks(ctx context.Context, taskID string) {
	e.cancelHooksMu.Lock()
	hooks := append([]CancelHook(nil), e.cancelHooks...)
	e.cancelHooksMu.Unlock()
	for _, hook := range hooks {
		hook(ctx, taskID)
	}
}

// Retry moves a Failed task back to Pending if retry budget remains.
func (e *Engine) Retry(ctx context.Context, id string) (*models.Task, error) {
	task, err := e.transition(ctx, id, func(t *models.Task) error { return retry(t) })
	if err != nil {
		if apperrors.IsBusinessLogic(err) {
			return nil, apperrors.Wrap(err, "retry exhausted")
		}
		return nil, err
	}
	e.publishTask(ctx, events.TaskUpdated, task)
	return task, nil
}

// UpdateProgress sets progress, clamped to [0,100]. Progress must be
// monotone non-decreasing outside of retry/explicit-patch paths; callers
// driving normal work (orchestrator sends, broker commands) should only
// raise it.
func (e *Engine) UpdateProgress(ctx context.Context, id string, progress int) (*models.Task, error) {
	return e.transition(ctx, id, func(t *models.Task) error {
		if t.Status.IsTerminal() {
			return apperrors.BusinessLogic("cannot update progress on a terminal task")
		}
		t.Progress = clampProgress(progress)
		return nil
	})
}

// Get returns a task, optionally with its messages.
func (e *Engine) Get(ctx context.Context, id string, includeMessages bool) (*models.Task, []*models.Message, error) {
	return e.repo.GetTask(ctx, id, includeMessages)
}

// List applies the given filter and pagination.
func (e *Engine) List(ctx context.Context, filter repository.ListFilter, skip, limit int) (*repository.Page, error) {
	return e.repo.ListTasks(ctx, filter, skip, limit)
}

// SoftDelete marks the task deleted; idempotent.
func (e *Engine) SoftDelete(ctx context.Context, id string, actor string) error {
	return e.repo.SoftDeleteTask(ctx, id, actor)
}

// UpdatableFields is the subset of Task fields PUT /api/tasks/{id} may patch.
type UpdatableFields struct {
	Title            *string
	Description      *string
	Priority         *models.Priority
	ProjectPath      *string
	SSHHost          *string
	SSHUser          *string
	EstimatedSeconds *int
	MaxRetries       *int
}

// Update applies a partial patch to task fields not governed by the state
// machine (title, description, priority, remote binding, retry budget).
func (e *Engine) Update(ctx context.Context, id string, fields UpdatableFields) (*models.Task, error) {
	task, err := e.repo.UpdateTask(ctx, id, func(t *models.Task) error {
		if fields.Title != nil {
			title := strings.TrimSpace(*fields.Title)
			if len(title) < 1 || len(title) > 255 {
				return apperrors.ValidationError("title", "must be between 1 and 255 characters")
			}
			t.Title = title
		}
		if fields.Description != nil {
			if len(*fields.Description) > 2000 {
				return apperrors.ValidationError("description", "must be at most 2000 characters")
			}
			t.Description = *fields.Description
		}
		if fields.Priority != nil {
			t.Priority = *fields.Priority
		}
		if fields.ProjectPath != nil {
			t.ProjectPath = fields.ProjectPath
		}
		if fields.SSHHost != nil {
			t.SSHHost = fields.SSHHost
		}
		if fields.SSHUser != nil {
			t.SSHUser = fields.SSHUser
		}
		if (t.SSHHost == nil) != (t.SSHUser == nil) {
			return apperrors.ValidationError("ssh_host", "ssh_host and ssh_user must both be present or both absent")
		}
		if fields.EstimatedSeconds != nil {
			t.EstimatedSeconds = fields.EstimatedSeconds
		}
		if fields.MaxRetries != nil {
			t.MaxRetries = *fields.MaxRetries
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.publishTask(ctx, events.TaskUpdated, task)
	return task, nil
}

// GetAIContext returns an agent's opaque context bag, or nil if unset.
func (e *Engine) GetAIContext(ctx context.Context, id string, agent string) (models.AgentContext, error) {
	task, _, err := e.repo.GetTask(ctx, id, false)
	if err != nil {
		return nil, err
	}
	return task.AIContexts[agent], nil
}

// UpdateAIContext replaces an agent's context bag, last-write-wins.
func (e *Engine) UpdateAIContext(ctx context.Context, id string, agent string, bag models.AgentContext) (*models.Task, error) {
	return e.transition(ctx, id, func(t *models.Task) error {
		if t.AIContexts == nil {
			t.AIContexts = make(map[string]models.AgentContext)
		}
		t.AIContexts[agent] = bag
		return nil
	})
}

// transition loads the task, applies mutate under the Store's update lock,
// and publishes a TaskUpdated event on success.
func (e *Engine) transition(ctx context.Context, id string, mutate func(*models.Task) error) (*models.Task, error) {
	task, err := e.repo.UpdateTask(ctx, id, mutate)
	if err != nil {
		return nil, err
	}
	e.publishTask(ctx, events.TaskUpdated, task)
	return task, nil
}

func (e *Engine) publishTask(ctx context.Context, eventType string, task *models.Task) {
	if e.bus == nil {
		return
	}
	evt := bus.NewEvent(eventType, "task-engine", map[string]interface{}{
		"task_id":  task.ID,
		"status":   string(task.Status),
		"turn":     string(task.CurrentTurn),
		"progress": task.Progress,
	})
	if err := e.bus.Publish(ctx, events.TaskSubject(task.ID), evt); err != nil {
		e.logger.WithTaskID(task.ID).Warn("failed to publish task event", zap.Error(err))
	}
}
