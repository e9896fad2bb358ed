package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/kandev/hub/internal/common/errors"
	"github.com/kandev/hub/internal/task/models"
)

// MemoryRepository is an in-memory Store, used for tests and for running
// the hub without a configured db.url.
type MemoryRepository struct {
	mu       sync.RWMutex
	tasks    map[string]*models.Task
	messages map[string][]*models.Message
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		tasks:    make(map[string]*models.Task),
		messages: make(map[string][]*models.Message),
	}
}

// Close is a no-op for the in-memory repository.
func (r *MemoryRepository) Close() error { return nil }

// CreateTask inserts a new task, assigning an id if absent.
func (r *MemoryRepository) CreateTask(ctx context.Context, task *models.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if _, exists := r.tasks[task.ID]; exists {
		return apperrors.Duplicate("task", "id")
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	if task.AIContexts == nil {
		task.AIContexts = make(map[string]models.AgentContext)
	}

	clone := *task
	r.tasks[task.ID] = &clone
	return nil
}

// GetTask returns a task by id, optionally with its messages.
func (r *MemoryRepository) GetTask(ctx context.Context, id string, includeMessages bool) (*models.Task, []*models.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	task, ok := r.tasks[id]
	if !ok || task.Deleted {
		return nil, nil, apperrors.NotFound("task", id)
	}
	clone := *task

	var msgs []*models.Message
	if includeMessages {
		msgs = append(msgs, r.messages[id]...)
	}
	return &clone, msgs, nil
}

// ListTasks applies filter, skip, and limit over non-deleted tasks,
// ordered by created_at descending.
func (r *MemoryRepository) ListTasks(ctx context.Context, filter ListFilter, skip, limit int) (*Page, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	matched := make([]*models.Task, 0, len(r.tasks))
	for _, task := range r.tasks {
		if task.Deleted {
			continue
		}
		if matchesFilter(task, filter) {
			clone := *task
			matched = append(matched, &clone)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if skip < 0 {
		skip = 0
	}
	if limit <= 0 {
		limit = total
	}
	end := skip + limit
	if skip > total {
		skip = total
	}
	if end > total {
		end = total
	}
	page := matched[skip:end]

	return &Page{
		Tasks:   page,
		Total:   total,
		Skip:    skip,
		Limit:   limit,
		HasNext: end < total,
		HasPrev: skip > 0,
	}, nil
}

func matchesFilter(task *models.Task, f ListFilter) bool {
	if f.Search != "" {
		q := strings.ToLower(f.Search)
		if !strings.Contains(strings.ToLower(task.Title), q) &&
			!strings.Contains(strings.ToLower(task.Description), q) {
			return false
		}
	}
	if f.Status != nil && task.Status != *f.Status {
		return false
	}
	if f.Priority != nil && task.Priority != *f.Priority {
		return false
	}
	if f.CurrentTurn != nil && task.CurrentTurn != *f.CurrentTurn {
		return false
	}
	if f.CreatedBy != "" && task.CreatedBy != f.CreatedBy {
		return false
	}
	if f.CreatedAfter != nil && task.CreatedAt.Before(*f.CreatedAfter) {
		return false
	}
	if f.CreatedBefore != nil && task.CreatedAt.After(*f.CreatedBefore) {
		return false
	}
	if f.IsRemoteSSH != nil && task.IsRemoteSSH() != *f.IsRemoteSSH {
		return false
	}
	return true
}

// UpdateTask applies patch to the stored task under the repository lock,
// persisting whatever fields patch mutates.
func (r *MemoryRepository) UpdateTask(ctx context.Context, id string, patch func(*models.Task) error) (*models.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[id]
	if !ok || task.Deleted {
		return nil, apperrors.NotFound("task", id)
	}
	if err := patch(task); err != nil {
		return nil, err
	}
	task.UpdatedAt = time.Now().UTC()

	clone := *task
	return &clone, nil
}

// SoftDeleteTask marks a task deleted; idempotent.
func (r *MemoryRepository) SoftDeleteTask(ctx context.Context, id string, actor string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[id]
	if !ok {
		return apperrors.NotFound("task", id)
	}
	if task.Deleted {
		return nil
	}
	now := time.Now().UTC()
	task.Deleted = true
	task.DeletedAt = &now
	task.UpdatedAt = now
	return nil
}

// AppendMessage adds a message to a task's append-only history.
func (r *MemoryRepository) AppendMessage(ctx context.Context, taskID string, msg *models.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[taskID]
	if !ok || task.Deleted {
		return apperrors.NotFound("task", taskID)
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	msg.TaskID = taskID

	clone := *msg
	r.messages[taskID] = append(r.messages[taskID], &clone)
	return nil
}

// ListMessages returns a task's messages in append order.
func (r *MemoryRepository) ListMessages(ctx context.Context, taskID string) ([]*models.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if task, ok := r.tasks[taskID]; !ok || task.Deleted {
		return nil, apperrors.NotFound("task", taskID)
	}
	out := make([]*models.Message, len(r.messages[taskID]))
	copy(out, r.messages[taskID])
	return out, nil
}
