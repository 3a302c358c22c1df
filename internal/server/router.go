package server

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/dwellfi/provision-brain/internal/http/handlers"
)

type RouterConfig struct {
	JobHandler      *handlers.JobHandler
	WorkflowHandler *handlers.WorkflowHandler
	HealthHandler   *handlers.HealthHandler
	AllowOrigins    []string
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()

	origins := cfg.AllowOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With", "X-User-ID"},
		AllowCredentials: true,
	}))

	router.GET("/healthcheck", cfg.HealthHandler.Check)

	api := router.Group("/api")
	{
		api.GET("/workflows", cfg.WorkflowHandler.List)
		api.GET("/workflows/:name/graph", cfg.WorkflowHandler.Graph)
		api.POST("/workflows/:name/jobs", cfg.JobHandler.Start)
		api.POST("/workflows/:name/dry-run", cfg.JobHandler.DryRun)

		api.GET("/jobs", cfg.JobHandler.List)
		api.GET("/jobs/:id", cfg.JobHandler.Get)
		api.POST("/jobs/:id/confirm", cfg.JobHandler.Confirm)
		api.POST("/jobs/:id/cancel", cfg.JobHandler.Cancel)
		api.GET("/jobs/:id/events", cfg.JobHandler.Events)
	}

	return router
}
