package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/noetl/noetl/cmd/worker/tools"
	"github.com/noetl/noetl/common/clients"
	"github.com/noetl/noetl/common/models"
)

// CredentialClient is the keychain surface of the control plane API
type CredentialClient interface {
	ResolveCredential(ctx context.Context, name string, catalogID int64, scope models.KeychainScope, executionID int64) (*models.KeychainResolution, error)
	UpsertCredential(ctx context.Context, req *clients.CredentialUpsert) (string, error)
}

// KeychainResolver fetches decrypted credential material for a step and
// performs auto-renewals. Credential values stay in memory; only names
// and statuses are ever logged.
type KeychainResolver struct {
	client CredentialClient
	http   *http.Client
	log    tools.Logger
}

// NewKeychainResolver creates a resolver
func NewKeychainResolver(client CredentialClient, log tools.Logger) *KeychainResolver {
	return &KeychainResolver{
		client: client,
		http:   &http.Client{Timeout: 30 * time.Second},
		log:    log,
	}
}

// Resolve builds the keychain scope map for a step: credential name to
// decrypted data. An expired auto-renew entry is refreshed against its
// renewal endpoint and written back before use.
func (r *KeychainResolver) Resolve(ctx context.Context, accesses []models.KeychainAccess, executionID int64) (map[string]any, error) {
	if len(accesses) == 0 {
		return nil, nil
	}

	out := make(map[string]any, len(accesses))
	for _, access := range accesses {
		scope := models.KeychainScope(access.Scope)
		res, err := r.client.ResolveCredential(ctx, access.Name, access.CatalogID, scope, executionID)
		if err != nil {
			return nil, fmt.Errorf("resolve credential %q: %w", access.Name, err)
		}

		switch res.Status {
		case "ok":
			out[access.Name] = res.Data

		case "expired":
			if !res.AutoRenew || len(res.RenewConfig) == 0 {
				return nil, fmt.Errorf("credential %q expired and is not auto-renewable", access.Name)
			}
			renewed, ttl, err := r.renew(ctx, access.Name, res)
			if err != nil {
				return nil, fmt.Errorf("renew credential %q: %w", access.Name, err)
			}
			if _, err := r.client.UpsertCredential(ctx, &clients.CredentialUpsert{
				Name:        access.Name,
				CatalogID:   access.CatalogID,
				Scope:       access.Scope,
				ExecutionID: scopedExecutionID(scope, executionID),
				CacheType:   string(models.CacheToken),
				Data:        renewed,
				TTLSeconds:  ttl,
				AutoRenew:   true,
				RenewConfig: res.RenewConfig,
			}); err != nil {
				return nil, fmt.Errorf("store renewed credential %q: %w", access.Name, err)
			}
			r.log.Info("credential renewed", "name", access.Name, "ttl_seconds", ttl)
			out[access.Name] = renewed

		default:
			return nil, fmt.Errorf("credential %q not found in keychain", access.Name)
		}
	}

	return out, nil
}

// renew calls the credential's renewal endpoint and extracts the fresh
// token per the renew config field mapping.
func (r *KeychainResolver) renew(ctx context.Context, name string, res *models.KeychainResolution) (map[string]any, int, error) {
	var cfg models.RenewConfig
	if err := json.Unmarshal(res.RenewConfig, &cfg); err != nil {
		return nil, 0, fmt.Errorf("decode renew config: %w", err)
	}
	if cfg.Endpoint == "" || cfg.TokenField == "" {
		return nil, 0, fmt.Errorf("renew config missing endpoint or token_field")
	}

	method := cfg.Method
	if method == "" {
		method = http.MethodPost
	}

	var body io.Reader
	if cfg.Data != nil {
		encoded, err := json.Marshal(cfg.Data)
		if err != nil {
			return nil, 0, fmt.Errorf("encode renew body: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, cfg.Endpoint, body)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, 0, err
	}
	if resp.StatusCode >= 400 {
		return nil, 0, fmt.Errorf("renewal endpoint returned %d", resp.StatusCode)
	}

	var parsed map[string]any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, 0, fmt.Errorf("decode renewal response: %w", err)
	}

	token, ok := parsed[cfg.TokenField]
	if !ok {
		return nil, 0, fmt.Errorf("renewal response missing field %q", cfg.TokenField)
	}

	data := make(map[string]any, len(res.Data)+1)
	for k, v := range res.Data {
		data[k] = v
	}
	data["token"] = token

	ttl := 0
	if cfg.TTLField != "" {
		if v, ok := parsed[cfg.TTLField].(float64); ok {
			ttl = int(v)
		}
	}

	return data, ttl, nil
}

func scopedExecutionID(scope models.KeychainScope, executionID int64) *int64 {
	switch scope {
	case models.ScopeLocal, models.ScopeShared:
		return &executionID
	}
	return nil
}
