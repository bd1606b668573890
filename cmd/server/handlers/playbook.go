package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/noetl/noetl/cmd/server/container"
	"github.com/noetl/noetl/common/playbook"
)

// PlaybookHandler handles catalog registration and lookup
type PlaybookHandler struct {
	c *container.Container
}

// NewPlaybookHandler creates a playbook handler
func NewPlaybookHandler(c *container.Container) *PlaybookHandler {
	return &PlaybookHandler{c: c}
}

// Register validates playbook YAML and stores it in the catalog
// POST /api/playbooks
func (h *PlaybookHandler) Register(c echo.Context) error {
	var req struct {
		Content string `json:"content"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Content == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "content is required")
	}

	pb, err := playbook.Parse([]byte(req.Content))
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}

	catalogID, err := h.c.Store.RegisterPlaybook(c.Request().Context(),
		pb.Metadata.Path, pb.Metadata.Version, req.Content)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	version := pb.Metadata.Version
	if version == "" {
		version = "latest"
	}

	return c.JSON(http.StatusCreated, map[string]any{
		"catalog_id": catalogID,
		"path":       pb.Metadata.Path,
		"version":    version,
		"steps":      pb.StepCount(),
	})
}

// Get returns catalog content for a path and version
// GET /api/playbooks?path=...&version=...
func (h *PlaybookHandler) Get(c echo.Context) error {
	path := c.QueryParam("path")
	if path == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "path is required")
	}

	catalogID, content, err := h.c.Store.LookupCatalog(c.Request().Context(), path, c.QueryParam("version"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}

	return c.JSON(http.StatusOK, map[string]any{
		"catalog_id": catalogID,
		"path":       path,
		"content":    content,
	})
}
