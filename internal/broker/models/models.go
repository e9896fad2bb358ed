// Package models defines the Connector Command Broker's domain types:
// Command and SSHContext (spec §3, §4.4).
package models

import "time"

// CommandKind is the closed set of instruction shapes the IDE agent accepts.
type CommandKind string

const (
	KindPrompt   CommandKind = "prompt"
	KindFileOp   CommandKind = "file_op"
	KindShellOp  CommandKind = "shell_op"
	KindNavigate CommandKind = "navigate"
	KindExtract  CommandKind = "extract"
)

// CommandStatus is the closed set of lifecycle states a Command occupies.
type CommandStatus string

const (
	CommandQueued    CommandStatus = "queued"
	CommandRunning   CommandStatus = "running"
	CommandCompleted CommandStatus = "completed"
	CommandFailed    CommandStatus = "failed"
	CommandCancelled CommandStatus = "cancelled"
	CommandTimeout   CommandStatus = "timeout"
)

// IsTerminal reports whether a status is write-once terminal.
func (s CommandStatus) IsTerminal() bool {
	switch s {
	case CommandCompleted, CommandFailed, CommandCancelled, CommandTimeout:
		return true
	default:
		return false
	}
}

// SSHContext is a named remote endpoint a Command may be bound to.
type SSHContext struct {
	ID               string            `json:"id"`
	Host             string            `json:"host"`
	Port             int               `json:"port"`
	Username         *string           `json:"username,omitempty"`
	KeyPath          *string           `json:"key_path,omitempty"`
	WorkingDirectory *string           `json:"working_directory,omitempty"`
	Env              map[string]string `json:"env,omitempty"`
	IsActive         bool              `json:"is_active"`
	LastVerified     *time.Time        `json:"last_verified,omitempty"`
}

// Snapshot returns a value copy of the context, used to capture SSHContext
// fields into a Command at enqueue time (spec §4.4 SSH context binding):
// later edits or deletion of the live context must not affect commands that
// already captured it.
func (s SSHContext) Snapshot() SSHContext {
	cp := s
	if s.Env != nil {
		cp.Env = make(map[string]string, len(s.Env))
		for k, v := range s.Env {
			cp.Env[k] = v
		}
	}
	return cp
}

// Command is an instruction bound for the IDE agent, tracked through a
// lifecycle to terminal state.
type Command struct {
	ID        string      `json:"id"`
	TaskID    string      `json:"task_id"`
	Kind      CommandKind `json:"kind"`
	Content   string      `json:"content"`
	CreatedAt time.Time   `json:"created_at"`
	StartedAt *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Status        CommandStatus `json:"status"`
	RetryCount    int           `json:"retry_count"`
	MaxRetries    int           `json:"max_retries"`
	TimeoutSeconds int          `json:"timeout_seconds"`

	Response *string `json:"response,omitempty"`
	Error    *string `json:"error,omitempty"`

	SSHContextID *string     `json:"ssh_context_id,omitempty"`
	SSHSnapshot  *SSHContext `json:"-"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`
}
