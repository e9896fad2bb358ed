package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "github.com/kandev/hub/internal/common/errors"
	"github.com/kandev/hub/internal/common/logger"

	"github.com/kandev/hub/internal/broker/models"
	"github.com/kandev/hub/internal/broker/service"
)

// Handler holds the HTTP handlers for the Connector Command Broker API.
type Handler struct {
	broker *service.Broker
	logger *logger.Logger
}

// NewHandler constructs a Handler over the given Broker.
func NewHandler(b *service.Broker, log *logger.Logger) *Handler {
	return &Handler{broker: b, logger: log}
}

// EnqueueCommand handles POST /api/cursor/tasks/{id}/command.
func (h *Handler) EnqueueCommand(c *gin.Context) {
	taskID := c.Param("id")
	var req EnqueueCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, apperrors.ValidationError("body", err.Error()))
		return
	}

	in := service.EnqueueInput{
		TaskID:         taskID,
		Kind:           models.CommandKind(req.CommandType),
		Content:        req.Content,
		Metadata:       req.Metadata,
		SSHContextID:   req.SSHContextID,
		TimeoutSeconds: req.TimeoutSeconds,
	}

	cmd, err := h.broker.Enqueue(c.Request.Context(), in)
	if err != nil {
		respondErr(c, err)
		return
	}

	c.JSON(http.StatusCreated, EnqueueCommandResponse{
		CommandID:      cmd.ID,
		Status:         string(cmd.Status),
		QueuePosition:  h.broker.Health().QueueSize,
		SSHContextUsed: cmd.SSHSnapshot != nil,
	})
}

// GetCommandStatus handles GET /api/cursor/commands/{command_id}/status.
func (h *Handler) GetCommandStatus(c *gin.Context) {
	cmd, err := h.broker.GetCommand(c.Param("command_id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, commandToStatusResponse(cmd))
}

// CancelCommand handles DELETE /api/cursor/commands/{command_id}.
func (h *Handler) CancelCommand(c *gin.Context) {
	if err := h.broker.Cancel(c.Request.Context(), c.Param("command_id")); err != nil {
		respondErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// CreateSSHContext handles POST /api/cursor/ssh-contexts.
func (h *Handler) CreateSSHContext(c *gin.Context) {
	var req CreateSSHContextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, apperrors.ValidationError("body", err.Error()))
		return
	}

	sc, err := h.broker.CreateSSHContext(c.Request.Context(), service.SSHContextInput{
		ID:               req.ID,
		Host:             req.Host,
		Port:             req.Port,
		Username:         req.Username,
		KeyPath:          req.KeyPath,
		WorkingDirectory: req.WorkingDirectory,
		Env:              req.Env,
	})
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, sshContextToResponse(sc))
}

// GetSSHContext handles GET /api/cursor/ssh-contexts/{id}.
func (h *Handler) GetSSHContext(c *gin.Context) {
	sc, err := h.broker.GetSSHContext(c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, sshContextToResponse(sc))
}

// ListSSHContexts handles GET /api/cursor/ssh-contexts.
func (h *Handler) ListSSHContexts(c *gin.Context) {
	contexts := h.broker.ListSSHContexts()
	out := make([]*SSHContextResponse, len(contexts))
	for i, sc := range contexts {
		out[i] = sshContextToResponse(sc)
	}
	c.JSON(http.StatusOK, gin.H{"ssh_contexts": out, "total": len(out)})
}

// DeleteSSHContext handles DELETE /api/cursor/ssh-contexts/{id}.
func (h *Handler) DeleteSSHContext(c *gin.Context) {
	if err := h.broker.DeleteSSHContext(c.Param("id")); err != nil {
		respondErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// VerifySSHContext handles POST /api/cursor/ssh-contexts/{id}/verify.
func (h *Handler) VerifySSHContext(c *gin.Context) {
	if err := h.broker.VerifySSHContext(c.Request.Context(), c.Param("id")); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"verified": true})
}

// Status handles GET /api/cursor/status and /api/cursor/health.
func (h *Handler) Status(c *gin.Context) {
	snap := h.broker.Health()
	cfg := h.broker.Config()

	resp := StatusResponse{
		QueueSize:        snap.QueueSize,
		Active:           snap.Active,
		Expired:          snap.Expired,
		SSHContextCount:  snap.SSHContextCount,
		HeartbeatHealthy: snap.HeartbeatHealthy,
		IsConnected:      snap.IsConnected,
	}
	resp.Configuration.QueueMaxSize = cfg.QueueMaxSize
	resp.Configuration.MaxRetries = cfg.MaxRetries
	resp.Configuration.HeartbeatInterval = int(cfg.HeartbeatInterval / time.Second)
	resp.Configuration.RetentionWindow = int(cfg.RetentionWindow / time.Second)

	c.JSON(http.StatusOK, resp)
}

func respondErr(c *gin.Context, err error) {
	status, body := apperrors.ToResponse(err)
	c.JSON(status, body)
}

func commandToStatusResponse(cmd *models.Command) CommandStatusResponse {
	return CommandStatusResponse{
		CommandID:  cmd.ID,
		TaskID:     cmd.TaskID,
		Status:     string(cmd.Status),
		RetryCount: cmd.RetryCount,
		MaxRetries: cmd.MaxRetries,
		Response:   cmd.Response,
		Error:      cmd.Error,
	}
}

func sshContextToResponse(sc *models.SSHContext) *SSHContextResponse {
	resp := &SSHContextResponse{
		ID:               sc.ID,
		Host:             sc.Host,
		Port:             sc.Port,
		Username:         sc.Username,
		KeyPath:          sc.KeyPath,
		WorkingDirectory: sc.WorkingDirectory,
		Env:              sc.Env,
		IsActive:         sc.IsActive,
	}
	if sc.LastVerified != nil {
		v := sc.LastVerified.UTC().Format("2006-01-02T15:04:05Z07:00")
		resp.LastVerified = &v
	}
	return resp
}
