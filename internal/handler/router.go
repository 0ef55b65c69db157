package handler

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func SetupRouter(h *Handler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	r.Use(RecoveryMiddleware())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())

	api := r.Group("/api/v1")
	{
		credits := api.Group("/credits")
		{
			credits.GET("/balance", h.GetBalance)
			credits.GET("/check", h.CheckFeasibility)
			credits.GET("/history", h.GetHistory)
		}

		projects := api.Group("/projects")
		{
			projects.POST("", h.CreateProject)
			projects.GET("", h.ListProjects)
			projects.GET("/:id", h.GetProject)
			projects.GET("/:id/urls", h.ListURLs)
			projects.POST("/:id/urls", h.ImportURLs)
			projects.POST("/:id/start", h.StartProject)
			projects.POST("/:id/cancel", h.CancelProject)
			projects.POST("/:id/processing", h.MarkProcessing)
			projects.POST("/:id/complete", h.CompleteProject)
		}

		checks := api.Group("/checks")
		{
			checks.POST("/result", h.RecordCheckResult)
		}
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}
