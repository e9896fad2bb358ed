// Package models defines the task domain's persisted and transient types.
package models

import "time"

// TaskStatus is the closed set of lifecycle states a task can occupy.
type TaskStatus string

const (
	TaskStatusPending             TaskStatus = "pending"
	TaskStatusProcessingCursor    TaskStatus = "processing_cursor"
	TaskStatusAwaitingUserGemini  TaskStatus = "awaiting_user_gemini"
	TaskStatusProcessingGemini    TaskStatus = "processing_gemini"
	TaskStatusAwaitingUserCursor  TaskStatus = "awaiting_user_cursor"
	TaskStatusCompleted           TaskStatus = "completed"
	TaskStatusFailed              TaskStatus = "failed"
	TaskStatusCancelled           TaskStatus = "cancelled"
)

// IsTerminal reports whether a status is one of the write-once terminal states.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// TaskTurn identifies which participant is expected to act next.
type TaskTurn string

const (
	TurnUser   TaskTurn = "user"
	TurnCursor TaskTurn = "cursor"
	TurnGemini TaskTurn = "gemini"
	TurnSystem TaskTurn = "system"
)

// Priority is the closed set of task priorities.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// MessageSender is the closed set of conversation participants attributed
// to a message or a conversation-context history entry.
type MessageSender string

const (
	SenderUser   MessageSender = "user"
	SenderCursor MessageSender = "cursor"
	SenderGemini MessageSender = "gemini"
	SenderSystem MessageSender = "system"
)

// AgentContext is an opaque per-agent key/value bag, last-write-wins.
type AgentContext map[string]interface{}

// Task is a unit of AI work tracked through the state machine in
// internal/task/engine.
type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      TaskStatus `json:"status"`
	CurrentTurn TaskTurn   `json:"current_turn"`
	Priority    Priority   `json:"priority"`
	Progress    int        `json:"progress"`

	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	EstimatedSeconds *int       `json:"estimated_duration,omitempty"`
	ActualSeconds    *int       `json:"actual_duration,omitempty"`

	// Remote project binding. All three absent means a local task;
	// SSHHost and SSHUser must be both present or both absent.
	ProjectPath *string `json:"project_path,omitempty"`
	SSHHost     *string `json:"ssh_host,omitempty"`
	SSHUser     *string `json:"ssh_user,omitempty"`

	RetryCount int     `json:"retry_count"`
	MaxRetries int     `json:"max_retries"`
	LastError  *string `json:"last_error,omitempty"`

	AIContexts map[string]AgentContext `json:"ai_contexts"`

	CreatedBy string `json:"created_by,omitempty"`

	Deleted   bool       `json:"-"`
	DeletedAt *time.Time `json:"-"`
}

// IsRemoteSSH reports whether the task is bound to a remote SSH project.
func (t *Task) IsRemoteSSH() bool {
	return t.SSHHost != nil && t.SSHUser != nil
}

// Message is one append-only utterance within a task, cascade-deleted
// with its task.
type Message struct {
	ID           string        `json:"id"`
	TaskID       string        `json:"task_id"`
	Sender       MessageSender `json:"sender"`
	Content      string        `json:"content"`
	RelatedFile  *string       `json:"related_file,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	CreatedBy    string        `json:"creator_id,omitempty"`
}
