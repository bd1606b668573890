package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/noetl/noetl/cmd/server/container"
	"github.com/noetl/noetl/common/resultref"
)

// ResultHandler dereferences result URIs for workers and clients
type ResultHandler struct {
	c *container.Container
}

// NewResultHandler creates a result handler
func NewResultHandler(c *container.Container) *ResultHandler {
	return &ResultHandler{c: c}
}

// Resolve returns the stored payload behind a noetl:// ref
// GET /api/results?ref=noetl://...
func (h *ResultHandler) Resolve(c echo.Context) error {
	ref := c.QueryParam("ref")
	if ref == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "ref is required")
	}

	data, err := h.c.Registry.Resolve(c.Request().Context(), ref)
	if errors.Is(err, resultref.ErrRefNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	if errors.Is(err, resultref.ErrBadRef) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.JSONBlob(http.StatusOK, data)
}
