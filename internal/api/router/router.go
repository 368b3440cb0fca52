package router

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/genjob/internal/api/handler"
)

const creditCheckTimeout = 5 * time.Second

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	r.GET("/health", healthHandler(deps))

	jobHandler := handler.NewJobHandler(deps)
	webhookHandler := handler.NewWebhookHandler(deps)

	// Upstream completion callbacks
	r.POST("/callback", webhookHandler.Receive)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		v1.POST("/callback", webhookHandler.Receive)

		jobs := v1.Group("/jobs")
		{
			// POST /api/v1/jobs - Submit a generation job
			jobs.POST("", jobHandler.CreateJob)

			// GET /api/v1/jobs - List jobs with state filter and pagination
			jobs.GET("", jobHandler.ListJobs)

			// GET /api/v1/jobs/:job_id - Get job status
			jobs.GET("/:job_id", jobHandler.GetJob)

			// GET /api/v1/jobs/:job_id/artifact - Download the generated artifact
			jobs.GET("/:job_id/artifact", jobHandler.GetArtifact)

			// POST /api/v1/jobs/:job_id/refresh - Poll upstream for the job now
			jobs.POST("/:job_id/refresh", jobHandler.RefreshJob)
		}
	}

	r.GET("/", indexHandler(r, deps))

	return r
}

func healthHandler(deps *handler.Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		body := gin.H{
			"status":  "healthy",
			"service": deps.ServiceName,
		}

		if deps.Database != nil {
			if err := deps.Database.HealthCheck(c.Request.Context()); err != nil {
				deps.Logger.Error("Database health check failed", slog.Any("error", err))
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status":   "unhealthy",
					"service":  deps.ServiceName,
					"database": "unreachable",
				})
				return
			}
			body["database"] = "ok"
		}

		// webhooks still reach jobs through polling while the broker is down
		if deps.Broker != nil {
			if err := deps.Broker.HealthCheck(c.Request.Context()); err != nil {
				deps.Logger.Warn("Broker health check failed", slog.Any("error", err))
				body["status"] = "degraded"
				body["broker"] = "unreachable"
			} else {
				body["broker"] = "ok"
			}
		}

		if deps.Credits != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), creditCheckTimeout)
			defer cancel()

			credits, err := deps.Credits.Credits(ctx)
			if err != nil {
				deps.Logger.Warn("Upstream credit check failed", slog.Any("error", err))
				body["status"] = "degraded"
				body["upstream"] = "unreachable"
			} else {
				body["upstream"] = "reachable"
				body["credits"] = credits
			}
		}

		c.JSON(http.StatusOK, body)
	}
}

// indexHandler lists the registered routes and the callback url handed to the upstream
func indexHandler(r *gin.Engine, deps *handler.Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		routes := make([]string, 0)
		for _, route := range r.Routes() {
			routes = append(routes, route.Method+" "+route.Path)
		}

		c.JSON(http.StatusOK, gin.H{
			"service":      deps.ServiceName,
			"callback_url": deps.CallbackURL,
			"routes":       routes,
		})
	}
}
