package keychain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/noetl/noetl/common/db"
	"github.com/noetl/noetl/common/logger"
	"github.com/noetl/noetl/common/models"
)

// Sentinel errors
var (
	ErrNotFound = errors.New("credential not found")
	ErrExpired  = errors.New("credential expired")
)

// Service is the scoped, TTL-bound, encrypted credential cache.
// Payloads are sealed at rest; the service hands decrypted material only
// to the resolution path, never to logs or events.
type Service struct {
	db             *db.DB
	sealer         *Sealer
	log            *logger.Logger
	renewThreshold time.Duration
}

// Opts configures the keychain service
type Opts struct {
	DB             *db.DB
	Sealer         *Sealer
	Logger         *logger.Logger
	RenewThreshold time.Duration
}

// NewService creates a keychain service
func NewService(opts *Opts) *Service {
	threshold := opts.RenewThreshold
	if threshold <= 0 {
		threshold = 300 * time.Second
	}
	return &Service{
		db:             opts.DB,
		sealer:         opts.Sealer,
		log:            opts.Logger,
		renewThreshold: threshold,
	}
}

// UpsertRequest stores or refreshes a credential
type UpsertRequest struct {
	Name              string
	CatalogID         int64
	Scope             models.KeychainScope
	ExecutionID       *int64
	ParentExecutionID *int64
	CredentialType    string
	CacheType         models.CacheType
	Data              map[string]any
	TTL               time.Duration
	AutoRenew         bool
	RenewConfig       json.RawMessage
	Schema            json.RawMessage
	Fingerprint       map[string]string
}

// Upsert encrypts and stores a credential. Refreshing an existing entry
// keeps the same cache_key and bumps expires_at in place.
func (s *Service) Upsert(ctx context.Context, req *UpsertRequest) (string, error) {
	executionID := int64(0)
	if req.ExecutionID != nil {
		executionID = *req.ExecutionID
	}
	cacheKey := models.CacheKey(req.Name, req.CatalogID, req.Scope, executionID)
	if len(req.Fingerprint) > 0 {
		cacheKey = cacheKey + ":" + Fingerprint(req.Fingerprint)
	}

	plaintext, err := json.Marshal(req.Data)
	if err != nil {
		return "", fmt.Errorf("marshal credential data: %w", err)
	}

	sealed, err := s.sealer.Seal(plaintext)
	if err != nil {
		return "", fmt.Errorf("seal credential: %w", err)
	}

	ttl := req.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO credential_cache (cache_key, name, catalog_id, scope, execution_id,
			parent_execution_id, credential_type, cache_type, data_encrypted,
			expires_at, accessed_at, access_count, auto_renew, renew_config, schema)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now() + $10, now(), 0, $11, $12, $13)
		ON CONFLICT (cache_key) DO UPDATE SET
			data_encrypted = EXCLUDED.data_encrypted,
			expires_at = EXCLUDED.expires_at,
			accessed_at = now(),
			access_count = credential_cache.access_count + 1,
			auto_renew = EXCLUDED.auto_renew,
			renew_config = COALESCE(EXCLUDED.renew_config, credential_cache.renew_config)
	`, cacheKey, req.Name, req.CatalogID, req.Scope, req.ExecutionID,
		req.ParentExecutionID, req.CredentialType, req.CacheType, sealed,
		ttl, req.AutoRenew, rawOrNil(req.RenewConfig), rawOrNil(req.Schema))
	if err != nil {
		return "", fmt.Errorf("upsert credential: %w", err)
	}

	s.log.Info("credential cached",
		"name", req.Name,
		"catalog_id", req.CatalogID,
		"scope", req.Scope,
		"auto_renew", req.AutoRenew)

	return cacheKey, nil
}

// Resolve reads a credential for an execution. An expired auto-renew entry
// returns status=expired plus the renew config; the worker performs the
// renewal call and posts the refreshed token back via Upsert. Renewal is
// not retried server-side.
func (s *Service) Resolve(ctx context.Context, name string, catalogID int64, scope models.KeychainScope, executionID int64) (*models.KeychainResolution, error) {
	entry, err := s.lookup(ctx, name, catalogID, scope, executionID)
	if errors.Is(err, ErrNotFound) {
		return &models.KeychainResolution{Status: "missing"}, nil
	}
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if entry.Expired(now) || (entry.AutoRenew && entry.ExpiresAt.Sub(now) < s.renewThreshold) {
		if entry.AutoRenew && len(entry.RenewConfig) > 0 {
			return &models.KeychainResolution{
				Status:      "expired",
				AutoRenew:   true,
				RenewConfig: entry.RenewConfig,
			}, nil
		}
		if entry.Expired(now) {
			return &models.KeychainResolution{Status: "missing"}, nil
		}
	}

	plaintext, err := s.sealer.Open(entry.DataEncrypted)
	if err != nil {
		return nil, fmt.Errorf("unseal credential %s: %w", name, err)
	}

	var data map[string]any
	if err := json.Unmarshal(plaintext, &data); err != nil {
		return nil, fmt.Errorf("decode credential %s: %w", name, err)
	}

	s.touch(ctx, entry.CacheKey)

	return &models.KeychainResolution{
		Status:    "ok",
		Data:      data,
		ExpiresAt: &entry.ExpiresAt,
		AutoRenew: entry.AutoRenew,
	}, nil
}

// lookup finds the entry for a scope, walking parent executions for
// local/shared visibility
func (s *Service) lookup(ctx context.Context, name string, catalogID int64, scope models.KeychainScope, executionID int64) (*models.CacheEntry, error) {
	cacheKey := models.CacheKey(name, catalogID, scope, executionID)

	entry, err := s.getByKeyPrefix(ctx, cacheKey)
	if err == nil {
		return entry, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	// Children inherit local/shared entries through parent_execution_id
	if scope == models.ScopeLocal || scope == models.ScopeShared {
		var parentID *int64
		lookupErr := s.db.QueryRow(ctx,
			`SELECT parent_execution_id FROM execution WHERE execution_id = $1`,
			executionID).Scan(&parentID)
		if lookupErr == nil && parentID != nil {
			return s.lookup(ctx, name, catalogID, scope, *parentID)
		}
	}

	return nil, fmt.Errorf("%w: %s", ErrNotFound, cacheKey)
}

// getByKeyPrefix matches the exact key or a fingerprint-suffixed variant
func (s *Service) getByKeyPrefix(ctx context.Context, cacheKey string) (*models.CacheEntry, error) {
	entry := &models.CacheEntry{}
	err := s.db.QueryRow(ctx, `
		SELECT cache_key, name, catalog_id, scope, execution_id, parent_execution_id,
			credential_type, cache_type, data_encrypted, expires_at, accessed_at,
			access_count, auto_renew, renew_config, schema
		FROM credential_cache
		WHERE cache_key = $1 OR cache_key LIKE $1 || ':%'
		ORDER BY accessed_at DESC
		LIMIT 1
	`, cacheKey).Scan(
		&entry.CacheKey, &entry.Name, &entry.CatalogID, &entry.Scope,
		&entry.ExecutionID, &entry.ParentExecutionID, &entry.CredentialType,
		&entry.CacheType, &entry.DataEncrypted, &entry.ExpiresAt, &entry.AccessedAt,
		&entry.AccessCount, &entry.AutoRenew, &entry.RenewConfig, &entry.Schema,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, cacheKey)
	}
	if err != nil {
		return nil, fmt.Errorf("get credential: %w", err)
	}
	return entry, nil
}

func (s *Service) touch(ctx context.Context, cacheKey string) {
	_, err := s.db.Exec(ctx, `
		UPDATE credential_cache
		SET accessed_at = now(), access_count = access_count + 1
		WHERE cache_key = $1
	`, cacheKey)
	if err != nil {
		s.log.Warn("failed to touch credential", "cache_key", cacheKey, "error", err)
	}
}

// Sweep removes expired entries without auto-renew configs
func (s *Service) Sweep(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM credential_cache
		WHERE expires_at < now() AND (auto_renew = false OR renew_config IS NULL)
	`)
	if err != nil {
		return 0, fmt.Errorf("sweep credentials: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		s.log.Info("swept expired credentials", "count", n)
		return n, nil
	}
	return 0, nil
}

// FinalizeExecution deletes local-scope entries at execution completion
func (s *Service) FinalizeExecution(ctx context.Context, executionID int64) error {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM credential_cache
		WHERE scope = 'local' AND execution_id = $1
	`, executionID)
	if err != nil {
		return fmt.Errorf("finalize execution credentials: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		s.log.Debug("deleted local credentials", "execution_id", executionID, "count", n)
	}
	return nil
}

// RunSweeper sweeps on an interval until the context is cancelled
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.log.Error("credential sweep failed", "error", err)
			}
		}
	}
}

func rawOrNil(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
