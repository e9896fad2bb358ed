// Package api provides HTTP handlers for the Connector Command Broker
// (spec §6 Commands surface).
package api

// EnqueueCommandRequest is the POST /api/cursor/tasks/{id}/command body.
type EnqueueCommandRequest struct {
	CommandType    string                 `json:"command_type" binding:"required"`
	Content        string                 `json:"content" binding:"required"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	SSHContextID   *string                `json:"ssh_context_id,omitempty"`
	TimeoutSeconds int                    `json:"timeout_seconds,omitempty"`
}

// EnqueueCommandResponse is the POST .../command response.
type EnqueueCommandResponse struct {
	CommandID     string `json:"command_id"`
	Status        string `json:"status"`
	QueuePosition int    `json:"queue_position"`
	SSHContextUsed bool  `json:"ssh_context_used"`
}

// CommandStatusResponse is the GET .../commands/{id}/status response.
type CommandStatusResponse struct {
	CommandID  string  `json:"command_id"`
	TaskID     string  `json:"task_id"`
	Status     string  `json:"status"`
	RetryCount int     `json:"retry_count"`
	MaxRetries int     `json:"max_retries"`
	Response   *string `json:"response,omitempty"`
	Error      *string `json:"error,omitempty"`
}

// CreateSSHContextRequest is the POST /api/cursor/ssh-contexts body.
type CreateSSHContextRequest struct {
	ID               string            `json:"id" binding:"required"`
	Host             string            `json:"host" binding:"required"`
	Port             int               `json:"port,omitempty"`
	Username         *string           `json:"username,omitempty"`
	KeyPath          *string           `json:"key_path,omitempty"`
	WorkingDirectory *string           `json:"working_directory,omitempty"`
	Env              map[string]string `json:"env,omitempty"`
}

// SSHContextResponse is the wire shape of a registered SSH context.
type SSHContextResponse struct {
	ID               string            `json:"id"`
	Host             string            `json:"host"`
	Port             int               `json:"port"`
	Username         *string           `json:"username,omitempty"`
	KeyPath          *string           `json:"key_path,omitempty"`
	WorkingDirectory *string           `json:"working_directory,omitempty"`
	Env              map[string]string `json:"env,omitempty"`
	IsActive         bool              `json:"is_active"`
	LastVerified     *string           `json:"last_verified,omitempty"`
}

// StatusResponse is the GET /api/cursor/status and /health response.
type StatusResponse struct {
	QueueSize        int  `json:"queue_size"`
	Active           int  `json:"active"`
	Expired          int  `json:"expired"`
	SSHContextCount  int  `json:"ssh_context_count"`
	HeartbeatHealthy bool `json:"heartbeat_healthy"`
	IsConnected      bool `json:"is_connected"`

	Configuration struct {
		QueueMaxSize      int `json:"queue_max_size"`
		MaxRetries        int `json:"max_retries"`
		HeartbeatInterval int `json:"heartbeat_interval_secs"`
		RetentionWindow   int `json:"retention_window_secs"`
	} `json:"configuration"`
}
