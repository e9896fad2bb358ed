package ws

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	brokermodels "github.com/kandev/hub/internal/broker/models"
	brokersvc "github.com/kandev/hub/internal/broker/service"
	"github.com/kandev/hub/internal/common/logger"
	orchsvc "github.com/kandev/hub/internal/orchestrator/service"
	taskmodels "github.com/kandev/hub/internal/task/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// commandInbound is the inbound shape on the command channel.
type commandInbound struct {
	Type        string                 `json:"type"`
	CommandType string                 `json:"command_type,omitempty"`
	Content     string                 `json:"content,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// llmInbound is the inbound shape on the LLM channel.
type llmInbound struct {
	Message string `json:"message"`
	Role    string `json:"role,omitempty"`
	Stream  bool   `json:"stream,omitempty"`
}

// Handler upgrades and drives the two client-facing socket channels.
type Handler struct {
	hub    *Hub
	broker *brokersvc.Broker
	orch   *orchsvc.Orchestrator
	logger *logger.Logger
}

// NewHandler constructs a Handler bound to the Broker and Orchestrator that
// the inbound command/LLM channels drive.
func NewHandler(hub *Hub, b *brokersvc.Broker, orch *orchsvc.Orchestrator, log *logger.Logger) *Handler {
	return &Handler{hub: hub, broker: b, orch: orch, logger: log}
}

// CommandChannel upgrades GET /ws/tasks/:id/commands.
func (h *Handler) CommandChannel(c *gin.Context) {
	taskID := c.Param("id")
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := newClient(h.hub, conn, h.commandInboundHandler(taskID), h.logger)
	h.hub.Register(client, taskID)
	go client.WritePump()
	client.ReadPump()
}

// LLMChannel upgrades GET /ws/tasks/:id/llm.
func (h *Handler) LLMChannel(c *gin.Context) {
	taskID := c.Param("id")
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := newClient(h.hub, conn, h.llmInboundHandler(taskID), h.logger)
	h.hub.Register(client, taskID)
	go client.WritePump()
	client.ReadPump()
}

func (h *Handler) commandInboundHandler(taskID string) inboundHandler {
	return func(client *Client, raw []byte) {
		var in commandInbound
		if err := json.Unmarshal(raw, &in); err != nil {
			h.hub.sendDirect(client, outboundEnvelope{Type: "error", Data: map[string]interface{}{"message": "invalid message"}})
			return
		}

		switch in.Type {
		case "status":
			snap := h.broker.Health()
			h.hub.sendDirect(client, outboundEnvelope{Type: "status_update", Data: map[string]interface{}{
				"task_id":           taskID,
				"queue_size":        snap.QueueSize,
				"active":            snap.Active,
				"is_connected":      snap.IsConnected,
				"heartbeat_healthy": snap.HeartbeatHealthy,
			}})

		case "command":
			h.enqueueFromInbound(client, taskID, in)

		default:
			h.hub.sendDirect(client, outboundEnvelope{Type: "error", Data: map[string]interface{}{"message": "unknown type"}})
		}
	}
}

func (h *Handler) enqueueFromInbound(client *Client, taskID string, in commandInbound) {
	cmd, err := h.broker.Enqueue(context.Background(), brokersvc.EnqueueInput{
		TaskID:   taskID,
		Kind:     brokermodels.CommandKind(in.CommandType),
		Content:  in.Content,
		Metadata: in.Metadata,
	})
	if err != nil {
		h.hub.sendDirect(client, outboundEnvelope{Type: "error", Data: map[string]interface{}{"message": err.Error()}})
		return
	}
	h.hub.sendDirect(client, outboundEnvelope{Type: "command_queued", Data: map[string]interface{}{
		"command_id": cmd.ID,
		"status":     string(cmd.Status),
	}})
}

func (h *Handler) llmInboundHandler(taskID string) inboundHandler {
	return func(client *Client, raw []byte) {
		var in llmInbound
		if err := json.Unmarshal(raw, &in); err != nil {
			h.hub.sendDirect(client, outboundEnvelope{Type: "error", Data: map[string]interface{}{"message": "invalid message"}})
			return
		}

		role := senderForRole(in.Role)
		ctx := context.Background()

		if !in.Stream {
			result, err := h.orch.Send(ctx, taskID, in.Message, role, nil)
			if err != nil {
				if stderrors.Is(err, orchsvc.ErrCancelled) {
					h.hub.sendDirect(client, outboundEnvelope{Type: "complete_response", Data: map[string]interface{}{"cancelled": true}})
					return
				}
				h.hub.sendDirect(client, outboundEnvelope{Type: "error", Data: map[string]interface{}{"message": err.Error()}})
				return
			}
			h.hub.sendDirect(client, outboundEnvelope{Type: "complete_response", Data: map[string]interface{}{
				"response": result.Response,
				"model":    result.Model,
			}})
			return
		}

		h.hub.sendDirect(client, outboundEnvelope{Type: "stream_start"})
		full := ""
		err := h.orch.StreamSend(ctx, taskID, in.Message, role, nil, func(chunk string) error {
			full += chunk
			h.hub.sendDirect(client, outboundEnvelope{Type: "stream_chunk", Data: map[string]interface{}{"content": chunk}})
			return nil
		})
		if err != nil {
			if stderrors.Is(err, orchsvc.ErrCancelled) {
				// Task cancel fired mid-stream: terminate with an end marker,
				// not an error, and discard the partial reply (spec.md:223).
				h.hub.sendDirect(client, outboundEnvelope{Type: "stream_end", Data: map[string]interface{}{"cancelled": true}})
				return
			}
			h.hub.sendDirect(client, outboundEnvelope{Type: "error", Data: map[string]interface{}{"message": err.Error()}})
			return
		}
		h.hub.sendDirect(client, outboundEnvelope{Type: "stream_end", Data: map[string]interface{}{
			"full_response": full,
			"length":        len(full),
		}})
	}
}

func senderForRole(role string) taskmodels.MessageSender {
	switch role {
	case "assistant":
		return taskmodels.SenderGemini
	case "system":
		return taskmodels.SenderSystem
	default:
		return taskmodels.SenderUser
	}
}
