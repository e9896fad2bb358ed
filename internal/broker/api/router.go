package api

import (
	"github.com/gin-gonic/gin"

	"github.com/kandev/hub/internal/common/logger"
	"github.com/kandev/hub/internal/broker/service"
)

// SetupRoutes wires the Connector Command Broker's HTTP surface (spec §6)
// under router, rooted at /api/cursor.
func SetupRoutes(router *gin.RouterGroup, b *service.Broker, log *logger.Logger) {
	h := NewHandler(b, log)

	cursor := router.Group("/cursor")
	{
		cursor.POST("/tasks/:id/command", h.EnqueueCommand)
		cursor.GET("/commands/:command_id/status", h.GetCommandStatus)
		cursor.DELETE("/commands/:command_id", h.CancelCommand)

		cursor.POST("/ssh-contexts", h.CreateSSHContext)
		cursor.GET("/ssh-contexts", h.ListSSHContexts)
		cursor.GET("/ssh-contexts/:id", h.GetSSHContext)
		cursor.DELETE("/ssh-contexts/:id", h.DeleteSSHContext)
		cursor.POST("/ssh-contexts/:id/verify", h.VerifySSHContext)

		cursor.GET("/status", h.Status)
		cursor.GET("/health", h.Status)
	}
}
