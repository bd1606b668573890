package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/noetl/noetl/cmd/server/container"
	"github.com/noetl/noetl/common/events"
	"github.com/noetl/noetl/common/models"
	"github.com/noetl/noetl/common/resultref"
)

// EventHandler ingests worker events into the log
type EventHandler struct {
	c *container.Container
}

// NewEventHandler creates an event handler
func NewEventHandler(c *container.Container) *EventHandler {
	return &EventHandler{c: c}
}

// Emit appends one event. Oversized results are externalized before the
// append so the log never carries payloads past the inline cap. Boundary
// events advance the execution before the response returns.
// POST /api/events
func (h *EventHandler) Emit(c echo.Context) error {
	var event models.Event
	if err := c.Bind(&event); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid event body")
	}
	if event.ExecutionID == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "execution_id is required")
	}

	ctx := c.Request().Context()

	if err := h.externalizeResult(c, &event); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	eventID, err := h.c.Store.Emit(ctx, &event)
	if err != nil {
		switch {
		case errors.Is(err, events.ErrInvalidEvent):
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		case errors.Is(err, events.ErrCatalogUnresolved), errors.Is(err, events.ErrExecutionNotFound):
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	if m := h.c.Components.Metrics; m != nil {
		m.EventsEmitted.WithLabelValues(string(event.EventType)).Inc()
	}

	if h.c.Engine.ShouldAdvance(event.EventType) {
		if err := h.c.Engine.Advance(ctx, event.ExecutionID); err != nil {
			h.c.Components.Logger.Error("advance failed",
				"execution_id", event.ExecutionID,
				"event_id", eventID,
				"error", err)
		}
	}

	return c.JSON(http.StatusCreated, map[string]any{"event_id": eventID})
}

// externalizeResult replaces an oversized event result with a ResultRef
// envelope. The worker's result spec travels in meta.result_spec.
func (h *EventHandler) externalizeResult(c echo.Context, event *models.Event) error {
	switch event.EventType {
	case models.EventStepDone, models.EventLoopIteration, models.EventTaskAttemptDone:
	default:
		return nil
	}
	if len(event.Result) == 0 {
		return nil
	}

	var spec *models.ResultSpec
	var meta map[string]json.RawMessage
	if len(event.Meta) > 0 {
		if err := json.Unmarshal(event.Meta, &meta); err == nil {
			if raw, ok := meta["result_spec"]; ok {
				spec = &models.ResultSpec{}
				if err := json.Unmarshal(raw, spec); err != nil {
					spec = nil
				}
			}
		}
	}

	var result any
	if err := json.Unmarshal(event.Result, &result); err != nil {
		return nil
	}
	if models.IsResultRef(result) {
		return nil
	}

	iteration := 0
	if event.CurrentIndex != nil {
		iteration = *event.CurrentIndex
	}
	attempt := 0
	if event.Attempt != nil {
		attempt = *event.Attempt
	}

	id := resultref.Identity{
		ExecutionID: event.ExecutionID,
		Step:        event.NodeName,
		Iteration:   iteration,
		Attempt:     attempt,
	}
	handled, err := h.c.Results.Handle(c.Request().Context(), id, result, spec)
	if err != nil {
		return err
	}

	ref, isRef := handled.(*models.ResultRef)
	if !isRef {
		return nil
	}

	encoded, err := json.Marshal(ref)
	if err != nil {
		return err
	}
	event.Result = encoded

	if meta == nil {
		meta = make(map[string]json.RawMessage)
	}
	refJSON, _ := json.Marshal(ref.Ref)
	meta["result_ref"] = refJSON
	event.Meta, _ = json.Marshal(meta)

	return nil
}
