package resultref

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/noetl/noetl/common/db"
)

// PostgresStore keeps payload bytes in the result_ref table
type PostgresStore struct {
	db *db.DB
}

// NewPostgresStore creates a postgres-backed store
func NewPostgresStore(database *db.DB) *PostgresStore {
	return &PostgresStore{db: database}
}

// Name returns the store identifier
func (s *PostgresStore) Name() string { return "postgres" }

// Put stores payload bytes on the registry row for the ref. The row itself
// is created by the result_ref projection; Put upserts so either order works.
func (s *PostgresStore) Put(ctx context.Context, ref string, data []byte) error {
	execID, step, err := refIdentity(ref)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO result_ref (ref, execution_id, step, store, scope, bytes, sha256, content_type, data)
		VALUES ($1, $2, $3, 'postgres', 'execution', $4, '', 'application/json', $5)
		ON CONFLICT (ref) DO UPDATE SET data = EXCLUDED.data, bytes = EXCLUDED.bytes
	`, ref, execID, step, len(data), data)
	if err != nil {
		return fmt.Errorf("put result payload: %w", err)
	}
	return nil
}

// Get retrieves payload bytes
func (s *PostgresStore) Get(ctx context.Context, ref string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRow(ctx,
		`SELECT data FROM result_ref WHERE ref = $1`, ref).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRefNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("get result payload: %w", err)
	}
	if data == nil {
		return nil, fmt.Errorf("%w: %s (no payload)", ErrRefNotFound, ref)
	}
	return data, nil
}

// Delete removes the payload row
func (s *PostgresStore) Delete(ctx context.Context, ref string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM result_ref WHERE ref = $1`, ref); err != nil {
		return fmt.Errorf("delete result payload: %w", err)
	}
	return nil
}

// DeleteByScope removes all refs of a scope for an execution (finalizer)
func (s *PostgresStore) DeleteByScope(ctx context.Context, executionID int64, scope string) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM result_ref WHERE execution_id = $1 AND scope = $2`, executionID, scope)
	if err != nil {
		return 0, fmt.Errorf("delete refs by scope: %w", err)
	}
	return tag.RowsAffected(), nil
}

func refIdentity(ref string) (execID string, step string, err error) {
	_, execID, step, _, err = ParseRef(ref)
	return execID, step, err
}
