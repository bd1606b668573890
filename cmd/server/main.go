package main

import (
	"context"
	"fmt"
	"os"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/noetl/noetl/cmd/server/container"
	"github.com/noetl/noetl/cmd/server/routes"
	"github.com/noetl/noetl/common/bootstrap"
	"github.com/noetl/noetl/common/events"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	ctx := context.Background()

	// Bootstrap common components (config, logger, DB, redis, metrics)
	components, err := bootstrap.Setup(ctx, "server",
		bootstrap.WithDBInit(events.InitSchema),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap server: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	// Initialize service container (singleton pattern - all services created once)
	serviceContainer, err := container.NewContainer(components)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize service container: %v\n", err)
		os.Exit(1)
	}

	startBackground(ctx, serviceContainer)

	e := setupEcho()
	setupMiddleware(e)
	setupHealthCheck(e, components)
	registerRoutes(e, serviceContainer)

	startServer(e, components)
}

// setupEcho initializes the Echo server with basic configuration
func setupEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	return e
}

// setupMiddleware configures all middleware for the Echo server
func setupMiddleware(e *echo.Echo) {
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestID())
}

// setupHealthCheck registers health and metrics endpoints
func setupHealthCheck(e *echo.Echo, components *bootstrap.Components) {
	e.GET("/health", func(ec echo.Context) error {
		if err := components.Health(ec.Request().Context()); err != nil {
			return ec.JSON(503, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
		}
		return ec.JSON(200, map[string]string{
			"status":  "ok",
			"service": "server",
		})
	})

	e.GET("/metrics", echo.WrapHandler(
		promhttp.HandlerFor(components.Metrics.Registry, promhttp.HandlerOpts{})))
}

// registerRoutes registers all application routes using the service container
func registerRoutes(e *echo.Echo, c *container.Container) {
	routes.RegisterPlaybookRoutes(e, c)
	routes.RegisterExecutionRoutes(e, c)
	routes.RegisterEventRoutes(e, c)
	routes.RegisterQueueRoutes(e, c)
	routes.RegisterKeychainRoutes(e, c)
	routes.RegisterResultRoutes(e, c)
}

// startBackground launches the reaper and the credential sweeper
func startBackground(ctx context.Context, c *container.Container) {
	go func() {
		if err := c.Reaper.Run(ctx); err != nil && ctx.Err() == nil {
			c.Components.Logger.Error("reaper stopped", "error", err)
		}
	}()

	if c.Keychain != nil {
		interval := c.Components.Config.Keychain.SweepInterval
		go func() {
			if err := c.Keychain.RunSweeper(ctx, interval); err != nil && ctx.Err() == nil {
				c.Components.Logger.Error("credential sweeper stopped", "error", err)
			}
		}()
	}
}

// startServer starts the Echo server on the configured port
func startServer(e *echo.Echo, components *bootstrap.Components) {
	port := components.Config.Service.Port
	components.Logger.Info("starting server", "port", port)

	if err := e.Start(fmt.Sprintf(":%d", port)); err != nil {
		components.Logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
