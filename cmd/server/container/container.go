package container

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/noetl/noetl/cmd/server/orchestrator"
	"github.com/noetl/noetl/common/bootstrap"
	"github.com/noetl/noetl/common/events"
	"github.com/noetl/noetl/common/expr"
	"github.com/noetl/noetl/common/keychain"
	"github.com/noetl/noetl/common/models"
	"github.com/noetl/noetl/common/queue"
	"github.com/noetl/noetl/common/resultref"
)

// Container holds all initialized services (singleton pattern)
type Container struct {
	Components *bootstrap.Components

	Store    *events.Store
	Queue    *queue.Manager
	Reaper   *queue.Reaper
	Keychain *keychain.Service
	Registry *resultref.Registry
	Results  *resultref.Handler
	Expr     *expr.Engine
	Engine   *orchestrator.Engine
}

// NewContainer initializes all services once
func NewContainer(components *bootstrap.Components) (*Container, error) {
	cfg := components.Config
	log := components.Logger

	store := events.NewStore(components.DB, log)

	queueMgr := queue.NewManager(&queue.Opts{
		DB:          components.DB,
		Logger:      log,
		MaxAttempts: cfg.Queue.MaxAttempts,
		RetryDelay:  cfg.Queue.RetryDelay,
	})

	exprEngine, err := expr.NewEngine()
	if err != nil {
		return nil, fmt.Errorf("create expression engine: %w", err)
	}

	// Result stores: postgres is always available; redis and nats_kv
	// register when their connections exist.
	registry := resultref.NewRegistry(cfg.Result.Store)
	pgStore := resultref.NewPostgresStore(components.DB)
	registry.Register(resultref.NewMemoryStore())
	registry.Register(pgStore)
	if components.Redis != nil {
		registry.Register(resultref.NewRedisStore(components.Redis, cfg.Result.DefaultTTL))
	}
	if components.NATS != nil {
		kvStore, err := resultref.NewNATSKVStore(cfg.NATS.URL, cfg.NATS.Bucket)
		if err != nil {
			return nil, fmt.Errorf("create nats_kv result store: %w", err)
		}
		registry.Register(kvStore)
	}
	results := resultref.NewHandler(registry, cfg.Result.InlineMaxBytes, cfg.Result.DefaultTTL, log)

	var keychainSvc *keychain.Service
	if cfg.Keychain.EncryptionKey != "" {
		sealer, err := keychain.NewSealer(cfg.Keychain.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("create credential sealer: %w", err)
		}
		keychainSvc = keychain.NewService(&keychain.Opts{
			DB:             components.DB,
			Sealer:         sealer,
			Logger:         log,
			RenewThreshold: cfg.Keychain.RenewThreshold,
		})
	} else {
		log.Warn("KEYCHAIN_ENCRYPTION_KEY unset, credential cache disabled")
	}

	engine := orchestrator.New(&orchestrator.Opts{
		Store:       store,
		Queue:       queueMgr,
		Keychain:    keychainSvc,
		Cleaner:     pgStore,
		Expr:        exprEngine,
		Redis:       components.Redis,
		Metrics:     components.Metrics,
		Logger:      log,
		MaxAttempts: cfg.Queue.MaxAttempts,
	})

	c := &Container{
		Components: components,
		Store:      store,
		Queue:      queueMgr,
		Keychain:   keychainSvc,
		Registry:   registry,
		Results:    results,
		Expr:       exprEngine,
		Engine:     engine,
	}

	c.Reaper = queue.NewReaper(queueMgr, cfg.Queue.ReapInterval, log, c.onReaped)

	return c, nil
}

// onReaped converts dead-lettered queue rows into failure events so the
// engine can route them. Requeued rows need no event; the retrying worker
// will produce new attempts.
func (c *Container) onReaped(ctx context.Context, items []queue.ReapedItem) {
	log := c.Components.Logger
	if c.Components.Metrics != nil {
		c.Components.Metrics.Reaped.Add(float64(len(items)))
	}

	touched := make(map[int64]bool)
	for _, item := range items {
		if !item.Dead {
			continue
		}

		errJSON, _ := json.Marshal(map[string]any{
			"kind":    models.ErrKindLeaseExpired,
			"message": "lease expired past attempt cap",
		})

		ev := &models.Event{
			ExecutionID: item.ExecutionID,
			NodeID:      item.NodeID,
			NodeName:    item.NodeName,
			EventType:   models.EventStepFailed,
			Status:      models.StatusFailed,
			Result:      errJSON,
		}

		// A dead loop iteration carries its index so the outcome closes
		// that iteration instead of the whole step.
		if idx, ok := iterationIndex(item.NodeID, item.NodeName); ok {
			ev.CurrentIndex = &idx
		}

		if _, err := c.Store.Emit(ctx, ev); err != nil {
			log.Error("dead-letter event failed",
				"execution_id", item.ExecutionID,
				"node_id", item.NodeID,
				"error", err)
			continue
		}
		touched[item.ExecutionID] = true
	}

	for executionID := range touched {
		if err := c.Engine.Advance(ctx, executionID); err != nil {
			log.Error("advance after reap failed", "execution_id", executionID, "error", err)
		}
	}
}

// iterationIndex extracts the loop index from a node_id like "step#3"
func iterationIndex(nodeID, nodeName string) (int, bool) {
	suffix, ok := strings.CutPrefix(nodeID, nodeName+"#")
	if !ok {
		return 0, false
	}
	idx, err := strconv.Atoi(suffix)
	if err != nil {
		return 0, false
	}
	return idx, true
}
