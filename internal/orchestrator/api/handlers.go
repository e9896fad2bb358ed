package api

import (
	"encoding/json"
	stderrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/kandev/hub/internal/common/errors"
	"github.com/kandev/hub/internal/common/logger"
	"github.com/kandev/hub/internal/orchestrator/context"
	"github.com/kandev/hub/internal/orchestrator/service"
	"github.com/kandev/hub/internal/task/models"
)

// Handler holds the HTTP handlers for the Conversation Orchestrator API.
type Handler struct {
	orch   *service.Orchestrator
	logger *logger.Logger
}

// NewHandler constructs a Handler over the given Orchestrator.
func NewHandler(orch *service.Orchestrator, log *logger.Logger) *Handler {
	return &Handler{orch: orch, logger: log}
}

// SendMessage handles POST /api/gemini/tasks/{id}/message.
func (h *Handler) SendMessage(c *gin.Context) {
	taskID := c.Param("id")
	var req MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, apperrors.ValidationError("body", err.Error()))
		return
	}

	role := senderForRole(req.Role)
	result, err := h.orch.Send(c.Request.Context(), taskID, req.Message, role, req.Metadata)
	if err != nil {
		respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, MessageResponse{
		UserMessage:         req.Message,
		AIResponse:          result.Response,
		Model:               result.Model,
		ConversationSummary: summaryToResponse(result.Summary),
	})
}

// streamEnvelope is one line of the chunked stream body.
type streamEnvelope struct {
	Type      string `json:"type"`
	Content   string `json:"content,omitempty"`
	Length    int    `json:"length,omitempty"`
	Message   string `json:"message,omitempty"`
	Cancelled bool   `json:"cancelled,omitempty"`
}

// StreamMessage handles POST /api/gemini/tasks/{id}/stream. The response
// body is a sequence of newline-delimited JSON envelopes: zero or more
// {"type":"chunk",...}, followed by exactly one {"type":"end",...} or
// {"type":"error",...}.
func (h *Handler) StreamMessage(c *gin.Context) {
	taskID := c.Param("id")
	var req MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, apperrors.ValidationError("body", err.Error()))
		return
	}
	role := senderForRole(req.Role)

	c.Status(http.StatusOK)
	c.Header("Content-Type", "application/x-ndjson")
	c.Writer.Flush()

	full := ""
	streamErr := h.orch.StreamSend(c.Request.Context(), taskID, req.Message, role, req.Metadata, func(chunk string) error {
		full += chunk
		writeEnvelope(c, streamEnvelope{Type: "chunk", Content: chunk})
		return nil
	})

	if streamErr != nil {
		if stderrors.Is(streamErr, service.ErrCancelled) {
			// Task cancel fired mid-stream: terminate with an end marker,
			// not an error, and discard the partial reply (spec.md:223).
			writeEnvelope(c, streamEnvelope{Type: "end", Cancelled: true})
			return
		}
		writeEnvelope(c, streamEnvelope{Type: "error", Message: streamErr.Error()})
		return
	}
	writeEnvelope(c, streamEnvelope{Type: "end", Content: full, Length: len(full)})
}

func writeEnvelope(c *gin.Context, env streamEnvelope) {
	line, err := json.Marshal(env)
	if err != nil {
		return
	}
	c.Writer.Write(line)
	c.Writer.Write([]byte("\n"))
	c.Writer.Flush()
}

// CreateConversation handles POST /api/gemini/tasks/{id}/conversation.
func (h *Handler) CreateConversation(c *gin.Context) {
	taskID := c.Param("id")
	var req ConversationRequest
	_ = c.ShouldBindJSON(&req)

	ctx := h.orch.CreateConversation(c.Request.Context(), taskID, req.SystemPrompt)
	c.JSON(http.StatusCreated, summaryToResponse(ctx.Summary()))
}

// ClearConversation handles DELETE /api/gemini/tasks/{id}/conversation.
func (h *Handler) ClearConversation(c *gin.Context) {
	taskID := c.Param("id")
	cleared := h.orch.Clear(taskID)
	c.JSON(http.StatusOK, gin.H{"cleared": cleared})
}

// GetConversation handles GET /api/gemini/tasks/{id}/conversation.
func (h *Handler) GetConversation(c *gin.Context) {
	taskID := c.Param("id")
	summary, err := h.orch.Summary(taskID)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, summaryToResponse(summary))
}

func respondErr(c *gin.Context, err error) {
	status, body := apperrors.ToResponse(err)
	c.JSON(status, body)
}

func summaryToResponse(s context.Summary) SummaryResponse {
	return SummaryResponse{
		MessageCount:    s.MessageCount,
		EstimatedTokens: s.EstimatedTokens,
		LastUpdated:     s.LastUpdated.UTC().Format("2006-01-02T15:04:05Z07:00"),
		HasSystemPrompt: s.HasSystemPrompt,
	}
}

func senderForRole(role string) models.MessageSender {
	switch role {
	case "assistant":
		return models.SenderGemini
	case "system":
		return models.SenderSystem
	default:
		return models.SenderUser
	}
}
