package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/noetl/noetl/common/db"
	"github.com/noetl/noetl/common/logger"
	"github.com/noetl/noetl/common/models"
)

// Sentinel errors
var (
	ErrCatalogUnresolved = errors.New("catalog unresolved")
	ErrInvalidEvent      = errors.New("invalid event")
	ErrExecutionNotFound = errors.New("execution not found")
)

const pgUniqueViolation = "23505"

// Store is the append-only event log over Postgres. Projections are
// updated in the same transaction as the event insert; duplicate marker
// events are collapsed via unique constraints and return the existing
// event_id as a no-op.
type Store struct {
	db  *db.DB
	log *logger.Logger
}

// NewStore creates an event store
func NewStore(database *db.DB, log *logger.Logger) *Store {
	return &Store{db: database, log: log}
}

// Filter selects events from the log
type Filter struct {
	ExecutionID int64
	EventType   models.EventType
	NodeName    string
	Attempt     *int
	AfterEvent  int64
	Limit       int
}

// Emit appends an event and applies its projections in one transaction.
// Returns the event_id; for a duplicate marker it returns the existing
// event_id with no new row.
func (s *Store) Emit(ctx context.Context, e *models.Event) (int64, error) {
	if !models.ValidEventType(e.EventType) {
		return 0, fmt.Errorf("%w: unknown event type %q", ErrInvalidEvent, e.EventType)
	}
	if !models.ValidEventStatus(e.Status) {
		return 0, fmt.Errorf("%w: unknown status %q", ErrInvalidEvent, e.Status)
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	catalogID, err := s.resolveCatalog(ctx, e)
	if err != nil {
		return 0, err
	}
	e.CatalogID = catalogID

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin emit tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var eventID int64
	err = tx.QueryRow(ctx, `
		INSERT INTO event (execution_id, catalog_id, parent_event_id, node_id, node_name,
			event_type, status, timestamp, current_index, attempt, context, result, meta)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING event_id
	`,
		e.ExecutionID, e.CatalogID, e.ParentEventID, nullable(e.NodeID), nullable(e.NodeName),
		e.EventType, e.Status, e.Timestamp, e.CurrentIndex, e.Attempt,
		rawOrNil(e.Context), rawOrNil(e.Result), rawOrNil(e.Meta),
	).Scan(&eventID)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation && e.IsMarker() {
			// Duplicate marker: the first insert already applied the
			// projections, so this is a pure dedup no-op.
			existing, lookupErr := s.existingMarker(ctx, e)
			if lookupErr != nil {
				return 0, fmt.Errorf("lookup deduped event: %w", lookupErr)
			}
			s.log.Debug("event deduped",
				"execution_id", e.ExecutionID,
				"event_type", e.EventType,
				"node_name", e.NodeName,
				"event_id", existing)
			return existing, nil
		}
		return 0, fmt.Errorf("insert event: %w", err)
	}

	e.EventID = eventID

	if err := s.applyProjection(ctx, tx, e); err != nil {
		return 0, fmt.Errorf("apply projection: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit emit tx: %w", err)
	}

	s.log.Debug("event emitted",
		"execution_id", e.ExecutionID,
		"event_id", eventID,
		"event_type", e.EventType,
		"node_name", e.NodeName)

	return eventID, nil
}

// existingMarker finds the event_id the duplicate insert collided with
func (s *Store) existingMarker(ctx context.Context, e *models.Event) (int64, error) {
	var (
		eventID int64
		err     error
	)

	switch e.EventType {
	case models.EventLoopIteration:
		err = s.db.QueryRow(ctx, `
			SELECT event_id FROM event
			WHERE execution_id = $1 AND node_name = $2 AND current_index = $3 AND event_type = $4
		`, e.ExecutionID, e.NodeName, e.CurrentIndex, e.EventType).Scan(&eventID)
	case models.EventExecutionCompleted, models.EventExecutionFailed:
		err = s.db.QueryRow(ctx, `
			SELECT event_id FROM event
			WHERE execution_id = $1 AND event_type = $2
		`, e.ExecutionID, e.EventType).Scan(&eventID)
	default:
		err = s.db.QueryRow(ctx, `
			SELECT event_id FROM event
			WHERE execution_id = $1 AND node_name = $2 AND event_type = $3
		`, e.ExecutionID, e.NodeName, e.EventType).Scan(&eventID)
	}

	if err != nil {
		return 0, err
	}
	return eventID, nil
}

// resolveCatalog resolves catalog_id from the event's meta path+version,
// falling back to the execution's earliest event
func (s *Store) resolveCatalog(ctx context.Context, e *models.Event) (int64, error) {
	if e.CatalogID != 0 {
		return e.CatalogID, nil
	}

	if len(e.Meta) > 0 {
		var meta struct {
			Path    string `json:"path"`
			Version string `json:"version"`
		}
		if err := json.Unmarshal(e.Meta, &meta); err == nil && meta.Path != "" {
			version := meta.Version
			if version == "" {
				version = "latest"
			}
			var catalogID int64
			err := s.db.QueryRow(ctx,
				`SELECT catalog_id FROM catalog WHERE path = $1 AND version = $2`,
				meta.Path, version).Scan(&catalogID)
			if err == nil {
				return catalogID, nil
			}
			if !errors.Is(err, pgx.ErrNoRows) {
				return 0, fmt.Errorf("resolve catalog by path: %w", err)
			}
		}
	}

	var catalogID int64
	err := s.db.QueryRow(ctx, `
		SELECT catalog_id FROM event
		WHERE execution_id = $1
		ORDER BY event_id ASC
		LIMIT 1
	`, e.ExecutionID).Scan(&catalogID)
	if errors.Is(err, pgx.ErrNoRows) {
		// Fall back to the execution record itself (first event of a run)
		err = s.db.QueryRow(ctx,
			`SELECT catalog_id FROM execution WHERE execution_id = $1`,
			e.ExecutionID).Scan(&catalogID)
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("%w: execution %d", ErrCatalogUnresolved, e.ExecutionID)
		}
	}
	if err != nil {
		return 0, fmt.Errorf("resolve catalog from events: %w", err)
	}

	return catalogID, nil
}

// List returns events matching the filter ordered by event_id
func (s *Store) List(ctx context.Context, f Filter) ([]*models.Event, error) {
	query := `
		SELECT event_id, execution_id, catalog_id, parent_event_id, node_id, node_name,
			event_type, status, timestamp, current_index, attempt, context, result, meta
		FROM event
		WHERE execution_id = $1 AND event_id > $2
	`
	args := []any{f.ExecutionID, f.AfterEvent}

	if f.EventType != "" {
		args = append(args, f.EventType)
		query += fmt.Sprintf(" AND event_type = $%d", len(args))
	}
	if f.NodeName != "" {
		args = append(args, f.NodeName)
		query += fmt.Sprintf(" AND node_name = $%d", len(args))
	}
	if f.Attempt != nil {
		args = append(args, *f.Attempt)
		query += fmt.Sprintf(" AND attempt = $%d", len(args))
	}

	query += " ORDER BY event_id ASC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []*models.Event
	for rows.Next() {
		e := &models.Event{}
		var nodeID, nodeName *string
		err := rows.Scan(
			&e.EventID, &e.ExecutionID, &e.CatalogID, &e.ParentEventID, &nodeID, &nodeName,
			&e.EventType, &e.Status, &e.Timestamp, &e.CurrentIndex, &e.Attempt,
			&e.Context, &e.Result, &e.Meta,
		)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if nodeID != nil {
			e.NodeID = *nodeID
		}
		if nodeName != nil {
			e.NodeName = *nodeName
		}
		out = append(out, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}

	return out, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func rawOrNil(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
