package handlers

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/noetl/noetl/cmd/server/container"
	"github.com/noetl/noetl/common/events"
	"github.com/noetl/noetl/common/playbook"
)

// ExecutionHandler handles execution lifecycle requests
type ExecutionHandler struct {
	c *container.Container
}

// NewExecutionHandler creates an execution handler
func NewExecutionHandler(c *container.Container) *ExecutionHandler {
	return &ExecutionHandler{c: c}
}

// Run starts an execution of a cataloged playbook
// POST /api/executions
func (h *ExecutionHandler) Run(c echo.Context) error {
	var req struct {
		Path              string         `json:"path"`
		Version           string         `json:"version"`
		Workload          map[string]any `json:"workload"`
		EntryStep         string         `json:"entry_step"`
		ParentExecutionID *int64         `json:"parent_execution_id"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Path == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "path is required")
	}

	ctx := c.Request().Context()

	catalogID, content, err := h.c.Store.LookupCatalog(ctx, req.Path, req.Version)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}

	pb, err := playbook.Parse([]byte(content))
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}

	if req.EntryStep != "" {
		if _, ok := pb.Lookup(req.EntryStep); !ok {
			return echo.NewHTTPError(http.StatusBadRequest, "entry_step not found in playbook")
		}
	}

	workload := pb.MergeWorkload(req.Workload)

	executionID, err := h.c.Store.CreateExecution(ctx, catalogID, req.ParentExecutionID, req.Path, workload)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	if err := h.c.Engine.Start(ctx, executionID, catalogID, req.EntryStep); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusCreated, map[string]any{
		"execution_id": executionID,
		"catalog_id":   catalogID,
		"status":       "running",
	})
}

// Get returns the aggregated workflow state
// GET /api/executions/:id
func (h *ExecutionHandler) Get(c echo.Context) error {
	executionID, err := pathID(c)
	if err != nil {
		return err
	}

	state, err := h.c.Store.GetWorkflowState(c.Request().Context(), executionID)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}

	return c.JSON(http.StatusOK, state)
}

// Steps returns the per-step projection
// GET /api/executions/:id/steps
func (h *ExecutionHandler) Steps(c echo.Context) error {
	executionID, err := pathID(c)
	if err != nil {
		return err
	}

	steps, err := h.c.Store.GetStepStates(c.Request().Context(), executionID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusOK, map[string]any{"steps": steps})
}

// Events lists execution events ordered by event_id
// GET /api/executions/:id/events?after=0&limit=100
func (h *ExecutionHandler) Events(c echo.Context) error {
	executionID, err := pathID(c)
	if err != nil {
		return err
	}

	after, _ := strconv.ParseInt(c.QueryParam("after"), 10, 64)
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 || limit > 1000 {
		limit = 200
	}

	evs, err := h.c.Store.List(c.Request().Context(), events.Filter{
		ExecutionID: executionID,
		AfterEvent:  after,
		Limit:       limit,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusOK, map[string]any{"events": evs})
}

// Cancel requests cooperative cancellation. The reason is recorded on
// queue rows and step.cancelled events; cascade (default true) extends
// the cancellation to child executions.
// POST /api/executions/:id/cancel
func (h *ExecutionHandler) Cancel(c echo.Context) error {
	executionID, err := pathID(c)
	if err != nil {
		return err
	}

	var req struct {
		Reason  string `json:"reason"`
		Cascade *bool  `json:"cascade"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	cascade := req.Cascade == nil || *req.Cascade

	cancelled, err := h.c.Engine.Cancel(c.Request().Context(), executionID, req.Reason, cascade)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusAccepted, map[string]any{
		"execution_id": executionID,
		"status":       "cancelled",
		"cancelled":    cancelled,
	})
}

func pathID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid execution id")
	}
	return id, nil
}
