package events

import (
	"context"
	"fmt"

	"github.com/noetl/noetl/common/db"
)

// Schema creates the event log, projection, queue, catalog, and credential
// cache tables. Idempotent; run at startup via the bootstrap DB init hook.
const Schema = `
CREATE TABLE IF NOT EXISTS catalog (
	catalog_id   BIGSERIAL PRIMARY KEY,
	path         TEXT NOT NULL,
	version      TEXT NOT NULL DEFAULT 'latest',
	content      TEXT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (path, version)
);

CREATE TABLE IF NOT EXISTS execution (
	execution_id        BIGSERIAL PRIMARY KEY,
	catalog_id          BIGINT NOT NULL REFERENCES catalog(catalog_id),
	parent_execution_id BIGINT,
	playbook_path       TEXT NOT NULL,
	status              TEXT NOT NULL DEFAULT 'running',
	workload            JSONB NOT NULL DEFAULT '{}'::jsonb,
	ctx                 JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS event (
	event_id        BIGSERIAL PRIMARY KEY,
	execution_id    BIGINT NOT NULL,
	catalog_id      BIGINT NOT NULL,
	parent_event_id BIGINT,
	node_id         TEXT,
	node_name       TEXT,
	event_type      TEXT NOT NULL,
	status          TEXT NOT NULL,
	timestamp       TIMESTAMPTZ NOT NULL DEFAULT now(),
	current_index   INT,
	attempt         INT,
	context         JSONB,
	result          JSONB,
	meta            JSONB
);

CREATE INDEX IF NOT EXISTS idx_event_execution ON event(execution_id, event_id);
CREATE UNIQUE INDEX IF NOT EXISTS uq_event_step_started
	ON event(execution_id, node_name) WHERE event_type = 'step.started';
CREATE UNIQUE INDEX IF NOT EXISTS uq_event_loop_iteration
	ON event(execution_id, node_name, current_index) WHERE event_type = 'loop.iteration';
CREATE UNIQUE INDEX IF NOT EXISTS uq_event_execution_completed
	ON event(execution_id) WHERE event_type = 'execution.completed';
CREATE UNIQUE INDEX IF NOT EXISTS uq_event_execution_failed
	ON event(execution_id) WHERE event_type = 'execution.failed';

CREATE TABLE IF NOT EXISTS step_state (
	execution_id  BIGINT NOT NULL,
	node_name     TEXT NOT NULL,
	status        TEXT NOT NULL,
	last_event_id BIGINT NOT NULL,
	attempts      INT NOT NULL DEFAULT 0,
	iterations    INT NOT NULL DEFAULT 0,
	started_at    TIMESTAMPTZ,
	finished_at   TIMESTAMPTZ,
	result_ref    TEXT,
	error         JSONB,
	PRIMARY KEY (execution_id, node_name)
);

CREATE TABLE IF NOT EXISTS transition (
	execution_id     BIGINT NOT NULL,
	from_step        TEXT NOT NULL,
	to_step          TEXT NOT NULL,
	arc_index        INT NOT NULL,
	token_args       JSONB,
	trigger_event_id BIGINT NOT NULL DEFAULT 0,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS queue_item (
	queue_id         BIGSERIAL PRIMARY KEY,
	execution_id     BIGINT NOT NULL,
	node_id          TEXT NOT NULL,
	node_name        TEXT NOT NULL,
	attempt          INT NOT NULL DEFAULT 1,
	status           TEXT NOT NULL DEFAULT 'queued',
	worker_id        TEXT,
	lease_until      TIMESTAMPTZ,
	available_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	payload          JSONB NOT NULL,
	trigger_event_id BIGINT NOT NULL,
	parent_event_id  BIGINT,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (execution_id, node_id, attempt)
);

CREATE INDEX IF NOT EXISTS idx_queue_ready
	ON queue_item(status, available_at) WHERE status = 'queued';

CREATE TABLE IF NOT EXISTS result_ref (
	ref          TEXT PRIMARY KEY,
	execution_id BIGINT NOT NULL,
	step         TEXT NOT NULL,
	task         TEXT,
	iteration    INT,
	page         INT,
	attempt      INT,
	store        TEXT NOT NULL,
	scope        TEXT NOT NULL,
	bytes        BIGINT NOT NULL,
	sha256       TEXT NOT NULL,
	content_type TEXT NOT NULL,
	expires_at   TIMESTAMPTZ,
	extracted    JSONB,
	preview      JSONB,
	data         BYTEA,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS credential_cache (
	cache_key           TEXT PRIMARY KEY,
	name                TEXT NOT NULL,
	catalog_id          BIGINT NOT NULL,
	scope               TEXT NOT NULL,
	execution_id        BIGINT,
	parent_execution_id BIGINT,
	credential_type     TEXT NOT NULL,
	cache_type          TEXT NOT NULL,
	data_encrypted      BYTEA NOT NULL,
	expires_at          TIMESTAMPTZ NOT NULL,
	accessed_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	access_count        BIGINT NOT NULL DEFAULT 0,
	auto_renew          BOOLEAN NOT NULL DEFAULT false,
	renew_config        JSONB,
	schema              JSONB
);
`

// InitSchema applies the schema
func InitSchema(ctx context.Context, database *db.DB) error {
	if _, err := database.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
