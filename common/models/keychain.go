package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// KeychainScope controls the cache-key suffix and visibility of an entry
type KeychainScope string

const (
	ScopeLocal   KeychainScope = "local"
	ScopeGlobal  KeychainScope = "global"
	ScopeShared  KeychainScope = "shared"
	ScopeCatalog KeychainScope = "catalog"
)

// CacheType distinguishes raw secrets from derived tokens
type CacheType string

const (
	CacheSecret CacheType = "secret"
	CacheToken  CacheType = "token"
)

// CacheKey builds the cache key for a credential under a scope.
// local:   {name}:{catalog_id}:{execution_id}
// global:  {name}:{catalog_id}:global
// shared:  {name}:{catalog_id}:shared:{root_execution_id}
// catalog: {name}:{catalog_id}:catalog
func CacheKey(name string, catalogID int64, scope KeychainScope, executionID int64) string {
	switch scope {
	case ScopeLocal:
		return fmt.Sprintf("%s:%d:%d", name, catalogID, executionID)
	case ScopeShared:
		return fmt.Sprintf("%s:%d:shared:%d", name, catalogID, executionID)
	case ScopeCatalog:
		return fmt.Sprintf("%s:%d:catalog", name, catalogID)
	default:
		return fmt.Sprintf("%s:%d:global", name, catalogID)
	}
}

// CacheEntry is one row of the credential cache. Payloads are encrypted at
// rest; decryption happens only in worker memory.
type CacheEntry struct {
	CacheKey          string          `json:"cache_key"`
	Name              string          `json:"name"`
	CatalogID         int64           `json:"catalog_id"`
	Scope             KeychainScope   `json:"scope"`
	ExecutionID       *int64          `json:"execution_id,omitempty"`
	ParentExecutionID *int64          `json:"parent_execution_id,omitempty"`
	CredentialType    string          `json:"credential_type"`
	CacheType         CacheType       `json:"cache_type"`
	DataEncrypted     []byte          `json:"-"`
	ExpiresAt         time.Time       `json:"expires_at"`
	AccessedAt        time.Time       `json:"accessed_at"`
	AccessCount       int64           `json:"access_count"`
	AutoRenew         bool            `json:"auto_renew"`
	RenewConfig       json.RawMessage `json:"renew_config,omitempty"`
	Schema            json.RawMessage `json:"schema,omitempty"`
}

// Expired reports whether the entry's TTL has passed
func (e *CacheEntry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// RenewConfig describes how a worker refreshes an auto-renewing credential
type RenewConfig struct {
	Endpoint   string            `json:"endpoint"`
	Method     string            `json:"method,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Data       map[string]any    `json:"data,omitempty"`
	TokenField string            `json:"token_field"`
	TTLField   string            `json:"ttl_field,omitempty"`
}

// KeychainResolution is the server's answer to a credential read.
// On an expired auto-renew entry the server returns status=expired plus
// the renew config; the worker performs the renewal call and posts back.
type KeychainResolution struct {
	Status      string          `json:"status"` // ok | expired | missing
	Data        map[string]any  `json:"data,omitempty"`
	ExpiresAt   *time.Time      `json:"expires_at,omitempty"`
	AutoRenew   bool            `json:"auto_renew,omitempty"`
	RenewConfig json.RawMessage `json:"renew_config,omitempty"`
}
