package api

import (
	"github.com/gin-gonic/gin"

	"github.com/kandev/hub/internal/common/logger"
	"github.com/kandev/hub/internal/orchestrator/service"
)

// SetupRoutes wires the Conversation Orchestrator's HTTP surface (spec §6)
// under router, rooted at /api/gemini.
func SetupRoutes(router *gin.RouterGroup, orch *service.Orchestrator, log *logger.Logger) {
	h := NewHandler(orch, log)

	gemini := router.Group("/gemini/tasks/:id")
	{
		gemini.POST("/message", h.SendMessage)
		gemini.POST("/stream", h.StreamMessage)
		gemini.POST("/conversation", h.CreateConversation)
		gemini.DELETE("/conversation", h.ClearConversation)
		gemini.GET("/conversation", h.GetConversation)
	}
}
