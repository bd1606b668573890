package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/noetl/noetl/cmd/server/container"
	"github.com/noetl/noetl/common/models"
	"github.com/noetl/noetl/common/queue"
)

// QueueHandler exposes the lease lifecycle to workers
type QueueHandler struct {
	c *container.Container
}

// NewQueueHandler creates a queue handler
func NewQueueHandler(c *container.Container) *QueueHandler {
	return &QueueHandler{c: c}
}

// Lease claims one ready queue row for a worker
// POST /api/queue/lease
func (h *QueueHandler) Lease(c echo.Context) error {
	var req struct {
		WorkerID      string   `json:"worker_id"`
		RuntimeFilter []string `json:"runtime_filter"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.WorkerID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "worker_id is required")
	}

	item, err := h.c.Queue.Lease(c.Request().Context(), req.WorkerID, req.RuntimeFilter,
		h.c.Components.Config.Queue.LeaseDuration)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if item == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no work available")
	}

	if m := h.c.Components.Metrics; m != nil {
		m.Leases.Inc()
	}

	return c.JSON(http.StatusOK, item)
}

// Heartbeat extends a lease
// POST /api/queue/:id/heartbeat
func (h *QueueHandler) Heartbeat(c echo.Context) error {
	queueID, workerID, err := h.leaseParams(c)
	if err != nil {
		return err
	}

	err = h.c.Queue.Heartbeat(c.Request().Context(), queueID, workerID,
		h.c.Components.Config.Queue.LeaseDuration)
	return h.leaseResult(c, err)
}

// Complete marks a leased row done. A row already reaped or cancelled
// returns 409 so the worker knows its work may run again elsewhere.
// The boundary event lands before this call while the row is still
// leased, which blocks quiescence; once the row settles the execution
// is re-evaluated so terminal detection can converge.
// POST /api/queue/:id/complete
func (h *QueueHandler) Complete(c echo.Context) error {
	queueID, workerID, err := h.leaseParams(c)
	if err != nil {
		return err
	}

	ctx := c.Request().Context()

	item, err := h.c.Queue.Get(ctx, queueID)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}

	if err := h.c.Queue.Complete(ctx, queueID, workerID); err != nil {
		return h.leaseResult(c, err)
	}

	h.advance(ctx, item.ExecutionID, queueID)
	return c.JSON(http.StatusOK, map[string]any{"status": "ok"})
}

// Fail reports a failed attempt. With retry the row is re-enqueued for
// the next attempt after the configured delay, up to the attempt cap.
// POST /api/queue/:id/fail
func (h *QueueHandler) Fail(c echo.Context) error {
	queueID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid queue id")
	}

	var req struct {
		WorkerID string `json:"worker_id"`
		Reason   string `json:"reason"`
		Retry    bool   `json:"retry"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	ctx := c.Request().Context()

	item, err := h.c.Queue.Get(ctx, queueID)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}

	if err := h.c.Queue.Fail(ctx, queueID, req.WorkerID, req.Reason); err != nil {
		return h.leaseResult(c, err)
	}

	cfg := h.c.Components.Config.Queue
	if req.Retry && item.Attempt < cfg.MaxAttempts {
		var payload models.QueuePayload
		if err := json.Unmarshal(item.Payload, &payload); err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		payload.Attempt = item.Attempt + 1

		_, err := h.c.Queue.Enqueue(ctx, &queue.EnqueueRequest{
			ExecutionID:  item.ExecutionID,
			NodeID:       item.NodeID,
			NodeName:     item.NodeName,
			Attempt:      item.Attempt + 1,
			Payload:      &payload,
			TriggerEvent: item.TriggerEvent,
			AvailableAt:  time.Now().UTC().Add(cfg.RetryDelay),
		})
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}

	h.advance(ctx, item.ExecutionID, queueID)
	return c.JSON(http.StatusOK, map[string]any{"queue_id": queueID, "status": "failed"})
}

// advance re-evaluates an execution after a queue row settled
func (h *QueueHandler) advance(ctx context.Context, executionID, queueID int64) {
	if err := h.c.Engine.Advance(ctx, executionID); err != nil {
		h.c.Components.Logger.Error("advance after settle failed",
			"execution_id", executionID,
			"queue_id", queueID,
			"error", err)
	}
}

func (h *QueueHandler) leaseParams(c echo.Context) (int64, string, error) {
	queueID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return 0, "", echo.NewHTTPError(http.StatusBadRequest, "invalid queue id")
	}

	var req struct {
		WorkerID string `json:"worker_id"`
	}
	if err := c.Bind(&req); err != nil || req.WorkerID == "" {
		return 0, "", echo.NewHTTPError(http.StatusBadRequest, "worker_id is required")
	}

	return queueID, req.WorkerID, nil
}

func (h *QueueHandler) leaseResult(c echo.Context, err error) error {
	if errors.Is(err, queue.ErrLeaseLost) {
		if m := h.c.Components.Metrics; m != nil {
			m.LeaseConflicts.Inc()
		}
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"status": "ok"})
}
