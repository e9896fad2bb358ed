package api

import (
	"github.com/gin-gonic/gin"

	"github.com/kandev/hub/internal/common/logger"
	"github.com/kandev/hub/internal/task/engine"
)

// SetupRoutes wires the Task State Engine's HTTP surface (spec §6) under
// router, rooted at /api/tasks.
func SetupRoutes(router *gin.RouterGroup, eng *engine.Engine, log *logger.Logger) {
	h := NewHandler(eng, log)

	tasks := router.Group("/tasks")
	{
		tasks.POST("", h.CreateTask)
		tasks.GET("", h.ListTasks)
		tasks.GET("/:id", h.GetTask)
		tasks.PUT("/:id", h.UpdateTask)
		tasks.DELETE("/:id", h.DeleteTask)

		tasks.POST("/:id/start", h.StartTask)
		tasks.POST("/:id/complete", h.CompleteTask)
		tasks.POST("/:id/cancel", h.CancelTask)
		tasks.POST("/:id/retry", h.RetryTask)
		tasks.POST("/:id/turn", h.AdvanceTurn)
	}
}
