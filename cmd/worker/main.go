package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/noetl/noetl/cmd/worker/runtime"
	"github.com/noetl/noetl/cmd/worker/tools"
	"github.com/noetl/noetl/common/bootstrap"
	"github.com/noetl/noetl/common/clients"
	"github.com/noetl/noetl/common/expr"
	"github.com/noetl/noetl/common/queue"
	"golang.org/x/sync/errgroup"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Workers are DB-free: all state flows through the control plane API
	components, err := bootstrap.Setup(ctx, "worker",
		bootstrap.WithoutDB(),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap worker: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	engine, err := expr.NewEngine()
	if err != nil {
		components.Logger.Error("create expression engine", "error", err)
		os.Exit(1)
	}

	cfg := components.Config
	client := clients.NewServerClient(cfg.Service.ServerURL, components.Logger)
	registry := tools.DefaultRegistry(components.Logger)
	pipeline := runtime.NewPipeline(engine, registry, client, components.Logger)
	keychain := runtime.NewKeychainResolver(client, components.Logger)

	wake := make(chan struct{}, cfg.Worker.PoolSize)
	go subscribeWake(ctx, components, wake)

	components.Logger.Info("worker pool starting",
		"pool_size", cfg.Worker.PoolSize,
		"server_url", cfg.Service.ServerURL,
		"tools", registry.Kinds())

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.Worker.PoolSize; i++ {
		runner := runtime.NewRunner(runtime.RunnerOpts{
			ID:       fmt.Sprintf("worker-%s-%d", uuid.NewString()[:8], i),
			Client:   client,
			Registry: registry,
			Pipeline: pipeline,
			Keychain: keychain,
			Config:   cfg.Worker,
			Wake:     wake,
			Logger:   components.Logger,
		})
		g.Go(func() error {
			return runner.Run(gctx)
		})
	}

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		components.Logger.Error("worker pool stopped", "error", err)
		os.Exit(1)
	}

	components.Logger.Info("worker shutting down gracefully")
}

// subscribeWake forwards queue wake notifications to the runner pool so
// idle runners poll immediately instead of waiting out the interval.
func subscribeWake(ctx context.Context, components *bootstrap.Components, wake chan<- struct{}) {
	if components.Redis == nil {
		return
	}

	sub := components.Redis.Subscribe(ctx, queue.WakeChannel)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-sub.Channel():
			if !ok {
				return
			}
			select {
			case wake <- struct{}{}:
			default:
			}
		}
	}
}
