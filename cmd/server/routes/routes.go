package routes

import (
	"github.com/labstack/echo/v4"
	"github.com/noetl/noetl/cmd/server/container"
	"github.com/noetl/noetl/cmd/server/handlers"
)

// RegisterPlaybookRoutes registers catalog routes
func RegisterPlaybookRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewPlaybookHandler(c)

	playbooks := e.Group("/api/playbooks")
	{
		playbooks.POST("", h.Register) // POST /api/playbooks
		playbooks.GET("", h.Get)       // GET /api/playbooks?path=...&version=...
	}
}

// RegisterExecutionRoutes registers execution lifecycle routes
func RegisterExecutionRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewExecutionHandler(c)

	executions := e.Group("/api/executions")
	{
		executions.POST("", h.Run)                  // POST /api/executions
		executions.GET("/:id", h.Get)               // GET /api/executions/{id}
		executions.GET("/:id/steps", h.Steps)       // GET /api/executions/{id}/steps
		executions.GET("/:id/events", h.Events)     // GET /api/executions/{id}/events
		executions.POST("/:id/cancel", h.Cancel)    // POST /api/executions/{id}/cancel
	}
}

// RegisterEventRoutes registers the event ingest route
func RegisterEventRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewEventHandler(c)
	e.POST("/api/events", h.Emit)
}

// RegisterQueueRoutes registers the worker lease lifecycle routes
func RegisterQueueRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewQueueHandler(c)

	queue := e.Group("/api/queue")
	{
		queue.POST("/lease", h.Lease)              // POST /api/queue/lease
		queue.POST("/:id/heartbeat", h.Heartbeat)  // POST /api/queue/{id}/heartbeat
		queue.POST("/:id/complete", h.Complete)    // POST /api/queue/{id}/complete
		queue.POST("/:id/fail", h.Fail)            // POST /api/queue/{id}/fail
	}
}

// RegisterKeychainRoutes registers credential cache routes
func RegisterKeychainRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewKeychainHandler(c)

	keychain := e.Group("/api/keychain")
	{
		keychain.GET("/resolve", h.Resolve) // GET /api/keychain/resolve
		keychain.POST("", h.Upsert)         // POST /api/keychain
	}
}

// RegisterResultRoutes registers result dereference routes
func RegisterResultRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewResultHandler(c)
	e.GET("/api/results", h.Resolve)
}
