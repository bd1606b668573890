package bootstrap

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/noetl/noetl/common/config"
	"github.com/noetl/noetl/common/db"
	"github.com/noetl/noetl/common/logger"
	"github.com/noetl/noetl/common/metrics"
	"github.com/redis/go-redis/v9"
)

// Setup initializes all service components
// This is the main entry point for all services
func Setup(ctx context.Context, serviceName string, opts ...Option) (*Components, error) {
	// Apply options
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	components := &Components{
		cleanupFuncs: make([]func() error, 0),
	}

	// 1. Load configuration
	var err error
	if options.customConfig != nil {
		components.Config = options.customConfig
	} else {
		components.Config, err = config.Load(serviceName)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}

	// 2. Initialize logger
	if options.customLogger != nil {
		components.Logger = options.customLogger
	} else {
		components.Logger = logger.New(
			components.Config.Service.LogLevel,
			components.Config.Service.LogFormat,
		)
	}

	components.Logger.Info("initializing service",
		"service", serviceName,
		"environment", components.Config.Service.Environment,
	)

	// 3. Metrics registry
	components.Metrics = metrics.New("noetl")

	// 4. Initialize database (if not skipped)
	if !options.skipDB {
		components.Logger.Info("connecting to database")
		components.DB, err = db.New(ctx, components.Config, components.Logger, options.dbInits...)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		components.addCleanup(func() error {
			components.Logger.Info("closing database connection")
			components.DB.Close()
			return nil
		})
	}

	// 5. Initialize redis (if not skipped)
	if !options.skipRedis {
		components.Logger.Info("connecting to redis", "addr", components.Config.RedisAddr())
		components.Redis = redis.NewClient(&redis.Options{
			Addr: components.Config.RedisAddr(),
			DB:   components.Config.Redis.DB,
		})

		if err := components.Redis.Ping(ctx).Err(); err != nil {
			components.Shutdown(ctx)
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}

		components.addCleanup(func() error {
			components.Logger.Info("closing redis connection")
			return components.Redis.Close()
		})
	}

	// 6. Initialize NATS when the nats_kv result store is active
	if !options.skipNATS || components.Config.Result.Store == "nats_kv" {
		components.Logger.Info("connecting to nats", "url", components.Config.NATS.URL)
		components.NATS, err = nats.Connect(components.Config.NATS.URL,
			nats.Name(serviceName),
			nats.MaxReconnects(-1),
		)
		if err != nil {
			components.Shutdown(ctx)
			return nil, fmt.Errorf("failed to connect to nats: %w", err)
		}

		components.addCleanup(func() error {
			components.Logger.Info("draining nats connection")
			return components.NATS.Drain()
		})
	}

	components.Logger.Info("service initialization complete",
		"service", serviceName,
		"db", components.DB != nil,
		"redis", components.Redis != nil,
		"nats", components.NATS != nil,
	)

	return components, nil
}

// MustSetup is like Setup but panics on error
// Useful for services that can't recover from initialization failure
func MustSetup(ctx context.Context, serviceName string, opts ...Option) *Components {
	components, err := Setup(ctx, serviceName, opts...)
	if err != nil {
		panic(fmt.Sprintf("failed to setup service %s: %v", serviceName, err))
	}
	return components
}
