package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/noetl/noetl/cmd/server/container"
	"github.com/noetl/noetl/common/keychain"
	"github.com/noetl/noetl/common/models"
)

// KeychainHandler exposes the credential cache to workers.
// Decrypted material travels only over this API, never through events.
type KeychainHandler struct {
	c *container.Container
}

// NewKeychainHandler creates a keychain handler
func NewKeychainHandler(c *container.Container) *KeychainHandler {
	return &KeychainHandler{c: c}
}

// Resolve fetches credential material for an execution
// GET /api/keychain/resolve?name=...&catalog_id=...&scope=...&execution_id=...
func (h *KeychainHandler) Resolve(c echo.Context) error {
	if h.c.Keychain == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "credential cache disabled")
	}

	name := c.QueryParam("name")
	if name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name is required")
	}
	catalogID, _ := strconv.ParseInt(c.QueryParam("catalog_id"), 10, 64)
	executionID, _ := strconv.ParseInt(c.QueryParam("execution_id"), 10, 64)
	scope := models.KeychainScope(c.QueryParam("scope"))
	if scope == "" {
		scope = models.ScopeCatalog
	}

	resolution, err := h.c.Keychain.Resolve(c.Request().Context(), name, catalogID, scope, executionID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusOK, resolution)
}

// Upsert stores or refreshes a credential
// POST /api/keychain
func (h *KeychainHandler) Upsert(c echo.Context) error {
	if h.c.Keychain == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "credential cache disabled")
	}

	var req struct {
		Name              string            `json:"name"`
		CatalogID         int64             `json:"catalog_id"`
		Scope             string            `json:"scope"`
		ExecutionID       *int64            `json:"execution_id"`
		ParentExecutionID *int64            `json:"parent_execution_id"`
		CredentialType    string            `json:"credential_type"`
		CacheType         string            `json:"cache_type"`
		Data              map[string]any    `json:"data"`
		TTLSeconds        int               `json:"ttl_seconds"`
		AutoRenew         bool              `json:"auto_renew"`
		RenewConfig       json.RawMessage   `json:"renew_config"`
		Fingerprint       map[string]string `json:"fingerprint"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Name == "" || len(req.Data) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "name and data are required")
	}

	scope := models.KeychainScope(req.Scope)
	if scope == "" {
		scope = models.ScopeCatalog
	}
	cacheType := models.CacheType(req.CacheType)
	if cacheType == "" {
		cacheType = models.CacheSecret
	}

	cacheKey, err := h.c.Keychain.Upsert(c.Request().Context(), &keychain.UpsertRequest{
		Name:              req.Name,
		CatalogID:         req.CatalogID,
		Scope:             scope,
		ExecutionID:       req.ExecutionID,
		ParentExecutionID: req.ParentExecutionID,
		CredentialType:    req.CredentialType,
		CacheType:         cacheType,
		Data:              req.Data,
		TTL:               time.Duration(req.TTLSeconds) * time.Second,
		AutoRenew:         req.AutoRenew,
		RenewConfig:       req.RenewConfig,
		Fingerprint:       req.Fingerprint,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusCreated, map[string]any{"cache_key": cacheKey})
}
