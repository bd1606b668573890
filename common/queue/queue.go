package queue

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
	ErrLeaseLost = errors.New("lease lost")
	ErrNotFound  = errors.New("queue item not found")
)

// WakeChannel is the redis pub/sub channel the orchestrator publishes to
// after enqueueing work; workers subscribe to cut polling latency.
const WakeChannel = "noetl:queue:wake"

// Manager is the durable step-run queue over Postgres. The orchestrator is
// the sole writer of new rows; workers lease, heartbeat, and complete.
type Manager struct {
	db          *db.DB
	log         *logger.Logger
	maxAttempts int
	retryDelay  time.Duration
}

// Opts configures a queue manager
type Opts struct {
	DB          *db.DB
	Logger      *logger.Logger
	MaxAttempts int
	RetryDelay  time.Duration
}

// NewManager creates a queue manager
func NewManager(opts *Opts) *Manager {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	retryDelay := opts.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 5 * time.Second
	}
	return &Manager{
		db:          opts.DB,
		log:         opts.Logger,
		maxAttempts: maxAttempts,
		retryDelay:  retryDelay,
	}
}

// EnqueueRequest describes one step-run command to enqueue
type EnqueueRequest struct {
	ExecutionID   int64
	NodeID        string
	NodeName      string
	Attempt       int
	Payload       *models.QueuePayload
	TriggerEvent  int64
	ParentEventID *int64
	AvailableAt   time.Time
}

// Enqueue inserts a step-run command. unique(execution_id, node_id, attempt)
// collapses racing inserts; a conflicting enqueue returns the existing
// queue_id with no new row.
func (m *Manager) Enqueue(ctx context.Context, req *EnqueueRequest) (int64, error) {
	if req.Attempt <= 0 {
		req.Attempt = 1
	}
	if req.AvailableAt.IsZero() {
		req.AvailableAt = time.Now().UTC()
	}

	payloadJSON, err := json.Marshal(req.Payload)
	if err != nil {
		return 0, fmt.Errorf("marshal queue payload: %w", err)
	}

	var queueID int64
	err = m.db.QueryRow(ctx, `
		INSERT INTO queue_item (execution_id, node_id, node_name, attempt, status,
			available_at, payload, trigger_event_id, parent_event_id)
		VALUES ($1, $2, $3, $4, 'queued', $5, $6, $7, $8)
		ON CONFLICT (execution_id, node_id, attempt) DO NOTHING
		RETURNING queue_id
	`, req.ExecutionID, req.NodeID, req.NodeName, req.Attempt,
		req.AvailableAt, payloadJSON, req.TriggerEvent, req.ParentEventID).Scan(&queueID)

	if errors.Is(err, pgx.ErrNoRows) {
		// Duplicate: idempotent no-op, return the existing row
		err = m.db.QueryRow(ctx, `
			SELECT queue_id FROM queue_item
			WHERE execution_id = $1 AND node_id = $2 AND attempt = $3
		`, req.ExecutionID, req.NodeID, req.Attempt).Scan(&queueID)
		if err != nil {
			return 0, fmt.Errorf("lookup deduped queue item: %w", err)
		}
		m.log.Debug("enqueue deduped",
			"execution_id", req.ExecutionID,
			"node_id", req.NodeID,
			"attempt", req.Attempt,
			"queue_id", queueID)
		return queueID, nil
	}
	if err != nil {
		return 0, fmt.Errorf("enqueue: %w", err)
	}

	m.log.Debug("enqueued step run",
		"execution_id", req.ExecutionID,
		"node_name", req.NodeName,
		"attempt", req.Attempt,
		"queue_id", queueID)

	return queueID, nil
}

// Lease claims the oldest ready row for a worker. Returns nil when no work
// is available. Uses row locking so exactly one worker holds a row at a
// time; runtimeFilter restricts to pipelines whose tool kinds the worker
// pool supports (empty means any).
func (m *Manager) Lease(ctx context.Context, workerID string, runtimeFilter []string, leaseDuration time.Duration) (*models.QueueItem, error) {
	tx, err := m.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin lease tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		SELECT queue_id, execution_id, node_id, node_name, attempt, payload,
			trigger_event_id, parent_event_id, available_at, created_at
		FROM queue_item
		WHERE status = 'queued' AND available_at <= now()
	`
	args := []any{}
	if len(runtimeFilter) > 0 {
		args = append(args, runtimeFilter)
		query += fmt.Sprintf(` AND NOT EXISTS (
			SELECT 1 FROM jsonb_array_elements(payload->'rendered_pipeline') AS t
			WHERE NOT (t->>'kind' = ANY($%d))
		)`, len(args))
	}
	query += `
		ORDER BY available_at ASC, created_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	`

	item := &models.QueueItem{}
	err = tx.QueryRow(ctx, query, args...).Scan(
		&item.QueueID, &item.ExecutionID, &item.NodeID, &item.NodeName, &item.Attempt,
		&item.Payload, &item.TriggerEvent, &item.ParentEventID, &item.AvailableAt, &item.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select leasable row: %w", err)
	}

	leaseUntil := time.Now().UTC().Add(leaseDuration)
	_, err = tx.Exec(ctx, `
		UPDATE queue_item
		SET status = 'leased', worker_id = $2, lease_until = $3, updated_at = now()
		WHERE queue_id = $1
	`, item.QueueID, workerID, leaseUntil)
	if err != nil {
		return nil, fmt.Errorf("mark leased: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit lease tx: %w", err)
	}

	item.Status = models.QueueStatusLeased
	item.WorkerID = &workerID
	item.LeaseUntil = &leaseUntil

	m.log.Debug("leased step run",
		"queue_id", item.QueueID,
		"execution_id", item.ExecutionID,
		"node_name", item.NodeName,
		"worker_id", workerID)

	return item, nil
}

// Heartbeat extends the lease. Fails with ErrLeaseLost when the row is no
// longer leased by this worker.
func (m *Manager) Heartbeat(ctx context.Context, queueID int64, workerID string, leaseDuration time.Duration) error {
	tag, err := m.db.Exec(ctx, `
		UPDATE queue_item
		SET lease_until = now() + $3, updated_at = now()
		WHERE queue_id = $1 AND worker_id = $2 AND status = 'leased'
	`, queueID, workerID, leaseDuration)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: queue_id %d worker %s", ErrLeaseLost, queueID, workerID)
	}
	return nil
}

// Complete transitions a leased row to done. Progression happens via event
// emission, never via queue writes.
func (m *Manager) Complete(ctx context.Context, queueID int64, workerID string) error {
	tag, err := m.db.Exec(ctx, `
		UPDATE queue_item
		SET status = 'done', updated_at = now()
		WHERE queue_id = $1 AND worker_id = $2 AND status = 'leased'
	`, queueID, workerID)
	if err != nil {
		return fmt.Errorf("complete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: queue_id %d worker %s", ErrLeaseLost, queueID, workerID)
	}
	return nil
}

// Fail marks a leased row dead with a reason
func (m *Manager) Fail(ctx context.Context, queueID int64, workerID string, reason string) error {
	tag, err := m.db.Exec(ctx, `
		UPDATE queue_item
		SET status = 'dead', updated_at = now(),
			payload = jsonb_set(payload, '{dead_reason}', to_jsonb($3::text))
		WHERE queue_id = $1 AND worker_id = $2 AND status = 'leased'
	`, queueID, workerID, reason)
	if err != nil {
		return fmt.Errorf("fail queue item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: queue_id %d worker %s", ErrLeaseLost, queueID, workerID)
	}
	return nil
}

// MarkDead force-kills queue rows for an execution (cancellation path)
func (m *Manager) MarkDead(ctx context.Context, executionID int64, reason string) (int64, error) {
	tag, err := m.db.Exec(ctx, `
		UPDATE queue_item
		SET status = 'dead', updated_at = now(),
			payload = jsonb_set(payload, '{dead_reason}', to_jsonb($2::text))
		WHERE execution_id = $1 AND status IN ('queued', 'leased')
	`, executionID, reason)
	if err != nil {
		return 0, fmt.Errorf("mark dead: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ReapedItem describes one reclaimed expired lease
type ReapedItem struct {
	QueueID     int64
	ExecutionID int64
	NodeID      string
	NodeName    string
	Attempt     int
	Dead        bool
}

// Reap reclaims expired leases: re-queue with incremented attempt and a
// retry delay, or mark dead past the attempt cap
func (m *Manager) Reap(ctx context.Context) ([]ReapedItem, error) {
	rows, err := m.db.Query(ctx, `
		UPDATE queue_item
		SET status = CASE WHEN attempt + 1 > $1 THEN 'dead' ELSE 'queued' END,
			attempt = CASE WHEN attempt + 1 > $1 THEN attempt ELSE attempt + 1 END,
			worker_id = NULL,
			lease_until = NULL,
			available_at = now() + $2,
			updated_at = now()
		WHERE status = 'leased' AND lease_until < now()
		RETURNING queue_id, execution_id, node_id, node_name, attempt, status
	`, m.maxAttempts, m.retryDelay)
	if err != nil {
		return nil, fmt.Errorf("reap: %w", err)
	}
	defer rows.Close()

	var out []ReapedItem
	for rows.Next() {
		var (
			item   ReapedItem
			status string
		)
		if err := rows.Scan(&item.QueueID, &item.ExecutionID, &item.NodeID, &item.NodeName, &item.Attempt, &status); err != nil {
			return nil, fmt.Errorf("scan reaped item: %w", err)
		}
		item.Dead = status == "dead"
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reaped items: %w", err)
	}

	if len(out) > 0 {
		m.log.Info("reaped expired leases", "count", len(out))
	}

	return out, nil
}

// PendingCounts reports queue rows relevant to quiescence detection:
// ready (queued and available), delayed (queued but not yet available),
// and leased rows for the execution.
func (m *Manager) PendingCounts(ctx context.Context, executionID int64) (ready, delayed, leased int, err error) {
	err = m.db.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'queued' AND available_at <= now()),
			COUNT(*) FILTER (WHERE status = 'queued' AND available_at > now()),
			COUNT(*) FILTER (WHERE status = 'leased')
		FROM queue_item WHERE execution_id = $1
	`, executionID).Scan(&ready, &delayed, &leased)
	if err != nil {
		err = fmt.Errorf("pending counts: %w", err)
	}
	return ready, delayed, leased, err
}

// RowSummary is a light view of a queue row for scheduling decisions
type RowSummary struct {
	QueueID  int64
	NodeID   string
	NodeName string
	Attempt  int
	Status   models.QueueStatus
}

// ListForExecution returns light rows for all queue items of an execution,
// used for loop scheduling and quiescence checks
func (m *Manager) ListForExecution(ctx context.Context, executionID int64) ([]RowSummary, error) {
	rows, err := m.db.Query(ctx, `
		SELECT queue_id, node_id, node_name, attempt, status
		FROM queue_item WHERE execution_id = $1
		ORDER BY queue_id ASC
	`, executionID)
	if err != nil {
		return nil, fmt.Errorf("list queue rows: %w", err)
	}
	defer rows.Close()

	var out []RowSummary
	for rows.Next() {
		var r RowSummary
		if err := rows.Scan(&r.QueueID, &r.NodeID, &r.NodeName, &r.Attempt, &r.Status); err != nil {
			return nil, fmt.Errorf("scan queue row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Get loads one queue item
func (m *Manager) Get(ctx context.Context, queueID int64) (*models.QueueItem, error) {
	item := &models.QueueItem{}
	err := m.db.QueryRow(ctx, `
		SELECT queue_id, execution_id, node_id, node_name, attempt, status, worker_id,
			lease_until, available_at, payload, trigger_event_id, parent_event_id,
			created_at, updated_at
		FROM queue_item WHERE queue_id = $1
	`, queueID).Scan(
		&item.QueueID, &item.ExecutionID, &item.NodeID, &item.NodeName, &item.Attempt,
		&item.Status, &item.WorkerID, &item.LeaseUntil, &item.AvailableAt, &item.Payload,
		&item.TriggerEvent, &item.ParentEventID, &item.CreatedAt, &item.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, queueID)
	}
	if err != nil {
		return nil, fmt.Errorf("get queue item: %w", err)
	}
	return item, nil
}
