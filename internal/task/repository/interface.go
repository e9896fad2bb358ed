// Package repository implements the Store component (spec §4.1): persisted
// CRUD for tasks and messages, with soft-delete and filtered listing.
package repository

import (
	"context"
	"time"

	"github.com/kandev/hub/internal/task/models"
)

// ListFilter narrows ListTasks. Zero-value fields are not applied.
type ListFilter struct {
	Search        string
	Status        *models.TaskStatus
	Priority      *models.Priority
	CurrentTurn   *models.TaskTurn
	CreatedBy     string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	IsRemoteSSH   *bool
}

// Page wraps a ListTasks result with pagination metadata.
type Page struct {
	Tasks    []*models.Task
	Total    int
	Skip     int
	Limit    int
	HasNext  bool
	HasPrev  bool
}

// Repository is the Store contract. All operations execute as if inside an
// implicit transaction; the Task State Engine is the only caller that
// mutates persisted task fields.
type Repository interface {
	CreateTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, id string, includeMessages bool) (*models.Task, []*models.Message, error)
	ListTasks(ctx context.Context, filter ListFilter, skip, limit int) (*Page, error)
	UpdateTask(ctx context.Context, id string, patch func(*models.Task) error) (*models.Task, error)
	SoftDeleteTask(ctx context.Context, id string, actor string) error

	AppendMessage(ctx context.Context, taskID string, msg *models.Message) error
	ListMessages(ctx context.Context, taskID string) ([]*models.Message, error)

	Close() error
}
