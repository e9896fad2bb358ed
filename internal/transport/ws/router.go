package ws

import (
	"github.com/gin-gonic/gin"

	brokersvc "github.com/kandev/hub/internal/broker/service"
	"github.com/kandev/hub/internal/common/logger"
	orchsvc "github.com/kandev/hub/internal/orchestrator/service"
)

// SetupRoutes mounts the client-facing command and LLM socket endpoints.
func SetupRoutes(router *gin.RouterGroup, hub *Hub, b *brokersvc.Broker, orch *orchsvc.Orchestrator, log *logger.Logger) {
	h := NewHandler(hub, b, orch, log)
	ws := router.Group("/ws/tasks/:id")
	{
		ws.GET("/commands", h.CommandChannel)
		ws.GET("/llm", h.LLMChannel)
	}
}
