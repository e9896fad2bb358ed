// Package api provides HTTP handlers for the Task State Engine (spec §6).
package api

import "time"

// CreateTaskRequest is the POST /api/tasks body.
type CreateTaskRequest struct {
	Title            string                  `json:"title" binding:"required"`
	Description      string                  `json:"description,omitempty"`
	Priority         string                  `json:"priority,omitempty"`
	ProjectPath      *string                 `json:"project_path,omitempty"`
	SSHHost          *string                 `json:"ssh_host,omitempty"`
	SSHUser          *string                 `json:"ssh_user,omitempty"`
	EstimatedSeconds *int                    `json:"estimated_duration,omitempty"`
	MaxRetries       *int                    `json:"max_retries,omitempty"`
	AIContexts       map[string]map[string]interface{} `json:"ai_contexts,omitempty"`
	CreatedBy        string                  `json:"created_by,omitempty"`
}

// UpdateTaskRequest is the PUT /api/tasks/{id} body; a partial patch.
type UpdateTaskRequest struct {
	Title            *string `json:"title,omitempty"`
	Description      *string `json:"description,omitempty"`
	Priority         *string `json:"priority,omitempty"`
	ProjectPath      *string `json:"project_path,omitempty"`
	SSHHost          *string `json:"ssh_host,omitempty"`
	SSHUser          *string `json:"ssh_user,omitempty"`
	EstimatedSeconds *int    `json:"estimated_duration,omitempty"`
	MaxRetries       *int    `json:"max_retries,omitempty"`
}

// RetryRequest carries no fields; retry decrements the retry budget and
// reuses the task's last_error if present.
type RetryRequest struct{}

// FailRequest is the body for a manual failure transition.
type FailRequest struct {
	Reason string `json:"reason"`
}

// AdvanceTurnRequest moves the turn to next.
type AdvanceTurnRequest struct {
	Turn string `json:"turn" binding:"required"`
}

// TaskResponse is the wire shape of a task.
type TaskResponse struct {
	ID               string         `json:"id"`
	Title            string         `json:"title"`
	Description      string         `json:"description,omitempty"`
	Status           string         `json:"status"`
	CurrentTurn      string         `json:"current_turn"`
	Priority         string         `json:"priority"`
	Progress         int            `json:"progress"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	StartedAt        *time.Time     `json:"started_at,omitempty"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
	EstimatedSeconds *int           `json:"estimated_duration,omitempty"`
	ActualSeconds    *int           `json:"actual_duration,omitempty"`
	ProjectPath      *string        `json:"project_path,omitempty"`
	SSHHost          *string        `json:"ssh_host,omitempty"`
	SSHUser          *string        `json:"ssh_user,omitempty"`
	RetryCount       int            `json:"retry_count"`
	MaxRetries       int            `json:"max_retries"`
	LastError        *string        `json:"last_error,omitempty"`
	CreatedBy        string         `json:"created_by,omitempty"`
	Messages         []*MessageResponse `json:"messages,omitempty"`
}

// MessageResponse is the wire shape of a task message.
type MessageResponse struct {
	ID          string    `json:"id"`
	TaskID      string    `json:"task_id"`
	Sender      string    `json:"sender"`
	Content     string    `json:"content"`
	RelatedFile *string   `json:"related_file,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	CreatedBy   string    `json:"creator_id,omitempty"`
}

// TasksListResponse is the GET /api/tasks list envelope.
type TasksListResponse struct {
	Tasks   []*TaskResponse `json:"tasks"`
	Total   int             `json:"total"`
	Skip    int             `json:"skip"`
	Limit   int             `json:"limit"`
	HasNext bool            `json:"has_next"`
	HasPrev bool            `json:"has_prev"`
}
