package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "github.com/kandev/hub/internal/common/errors"
	"github.com/kandev/hub/internal/common/logger"
	"github.com/kandev/hub/internal/task/engine"
	"github.com/kandev/hub/internal/task/models"
	"github.com/kandev/hub/internal/task/repository"
)

// Handler holds the HTTP handlers for the task API.
type Handler struct {
	engine *engine.Engine
	logger *logger.Logger
}

// NewHandler constructs a Handler over the given Engine.
func NewHandler(eng *engine.Engine, log *logger.Logger) *Handler {
	return &Handler{engine: eng, logger: log}
}

// CreateTask handles POST /api/tasks.
func (h *Handler) CreateTask(c *gin.Context) {
	var req CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, apperrors.ValidationError("body", err.Error()))
		return
	}

	in := engine.CreateTaskInput{
		Title:            req.Title,
		Description:      req.Description,
		Priority:         models.Priority(req.Priority),
		ProjectPath:      req.ProjectPath,
		SSHHost:          req.SSHHost,
		SSHUser:          req.SSHUser,
		EstimatedSeconds: req.EstimatedSeconds,
		MaxRetries:       req.MaxRetries,
		CreatedBy:        req.CreatedBy,
	}
	if req.AIContexts != nil {
		in.AIContexts = make(map[string]models.AgentContext, len(req.AIContexts))
		for agent, bag := range req.AIContexts {
			in.AIContexts[agent] = models.AgentContext(bag)
		}
	}

	task, err := h.engine.CreateTask(c.Request.Context(), in)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, taskToResponse(task, nil))
}

// GetTask handles GET /api/tasks/{id}.
func (h *Handler) GetTask(c *gin.Context) {
	id := c.Param("id")
	includeMessages := c.Query("include_messages") == "true"
	task, messages, err := h.engine.Get(c.Request.Context(), id, includeMessages)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, taskToResponse(task, messages))
}

// ListTasks handles GET /api/tasks.
func (h *Handler) ListTasks(c *gin.Context) {
	skip, _ := strconv.Atoi(c.DefaultQuery("skip", "0"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	filter := repository.ListFilter{
		Search:    c.Query("search"),
		CreatedBy: c.Query("created_by"),
	}
	if v := c.Query("status"); v != "" {
		s := models.TaskStatus(v)
		filter.Status = &s
	}
	if v := c.Query("priority"); v != "" {
		p := models.Priority(v)
		filter.Priority = &p
	}
	if v := c.Query("current_turn"); v != "" {
		t := models.TaskTurn(v)
		filter.CurrentTurn = &t
	}
	if v := c.Query("created_after"); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			filter.CreatedAfter = &ts
		}
	}
	if v := c.Query("created_before"); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			filter.CreatedBefore = &ts
		}
	}
	if v := c.Query("is_remote_ssh"); v != "" {
		b := v == "true"
		filter.IsRemoteSSH = &b
	}

	page, err := h.engine.List(c.Request.Context(), filter, skip, limit)
	if err != nil {
		respondErr(c, err)
		return
	}

	resp := TasksListResponse{
		Tasks:   make([]*TaskResponse, len(page.Tasks)),
		Total:   page.Total,
		Skip:    page.Skip,
		Limit:   page.Limit,
		HasNext: page.HasNext,
		HasPrev: page.HasPrev,
	}
	for i, t := range page.Tasks {
		resp.Tasks[i] = taskToResponse(t, nil)
	}
	c.JSON(http.StatusOK, resp)
}

// UpdateTask handles PUT /api/tasks/{id}.
func (h *Handler) UpdateTask(c *gin.Context) {
	id := c.Param("id")
	var req UpdateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, apperrors.ValidationError("body", err.Error()))
		return
	}

	fields := engine.UpdatableFields{
		Title:            req.Title,
		Description:      req.Description,
		ProjectPath:      req.ProjectPath,
		SSHHost:          req.SSHHost,
		SSHUser:          req.SSHUser,
		EstimatedSeconds: req.EstimatedSeconds,
		MaxRetries:       req.MaxRetries,
	}
	if req.Priority != nil {
		p := models.Priority(*req.Priority)
		fields.Priority = &p
	}

	task, err := h.engine.Update(c.Request.Context(), id, fields)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, taskToResponse(task, nil))
}

// DeleteTask handles DELETE /api/tasks/{id}; soft-delete, idempotent.
func (h *Handler) DeleteTask(c *gin.Context) {
	id := c.Param("id")
	actor := c.Query("actor")
	if err := h.engine.SoftDelete(c.Request.Context(), id, actor); err != nil {
		respondErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// StartTask handles POST /api/tasks/{id}/start.
func (h *Handler) StartTask(c *gin.Context) {
	task, err := h.engine.Start(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, taskToResponse(task, nil))
}

// CompleteTask handles POST /api/tasks/{id}/complete.
func (h *Handler) CompleteTask(c *gin.Context) {
	task, err := h.engine.Complete(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, taskToResponse(task, nil))
}

// CancelTask handles POST /api/tasks/{id}/cancel.
func (h *Handler) CancelTask(c *gin.Context) {
	task, err := h.engine.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, taskToResponse(task, nil))
}

// RetryTask handles POST /api/tasks/{id}/retry.
func (h *Handler) RetryTask(c *gin.Context) {
	task, err := h.engine.Retry(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, taskToResponse(task, nil))
}

// AdvanceTurn handles POST /api/tasks/{id}/turn.
func (h *Handler) AdvanceTurn(c *gin.Context) {
	var req AdvanceTurnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, apperrors.ValidationError("body", err.Error()))
		return
	}
	task, err := h.engine.AdvanceTurn(c.Request.Context(), c.Param("id"), models.TaskTurn(req.Turn))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, taskToResponse(task, nil))
}

func respondErr(c *gin.Context, err error) {
	status, body := apperrors.ToResponse(err)
	c.JSON(status, body)
}

func taskToResponse(t *models.Task, messages []*models.Message) *TaskResponse {
	resp := &TaskResponse{
		ID:               t.ID,
		Title:            t.Title,
		Description:      t.Description,
		Status:           string(t.Status),
		CurrentTurn:      string(t.CurrentTurn),
		Priority:         string(t.Priority),
		Progress:         t.Progress,
		CreatedAt:        t.CreatedAt,
		UpdatedAt:        t.UpdatedAt,
		StartedAt:        t.StartedAt,
		CompletedAt:      t.CompletedAt,
		EstimatedSeconds: t.EstimatedSeconds,
		ActualSeconds:    t.ActualSeconds,
		ProjectPath:      t.ProjectPath,
		SSHHost:          t.SSHHost,
		SSHUser:          t.SSHUser,
		RetryCount:       t.RetryCount,
		MaxRetries:       t.MaxRetries,
		LastError:        t.LastError,
		CreatedBy:        t.CreatedBy,
	}
	if messages != nil {
		resp.Messages = make([]*MessageResponse, len(messages))
		for i, m := range messages {
			resp.Messages[i] = messageToResponse(m)
		}
	}
	return resp
}

func messageToResponse(m *models.Message) *MessageResponse {
	return &MessageResponse{
		ID:          m.ID,
		TaskID:      m.TaskID,
		Sender:      string(m.Sender),
		Content:     m.Content,
		RelatedFile: m.RelatedFile,
		CreatedAt:   m.CreatedAt,
		CreatedBy:   m.CreatedBy,
	}
}
