package tools

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/noetl/noetl/common/models"
)

// PostgresAdapter runs SQL against an external database.
// Config keys: dsn (or auth with a connection map), command (or sql),
// args. Queries return rows as a list of column maps.
type PostgresAdapter struct {
	log Logger
}

// NewPostgresAdapter creates a postgres adapter
func NewPostgresAdapter(log Logger) *PostgresAdapter {
	return &PostgresAdapter{log: log}
}

// Kind returns the tool kind
func (a *PostgresAdapter) Kind() string { return "postgres" }

// Execute opens a connection per invocation, runs the command, and maps
// SQLSTATEs into the error taxonomy (40001 serialization_failure and
// 40P01 deadlock are retryable).
func (a *PostgresAdapter) Execute(ctx context.Context, config map[string]any, timeout time.Duration) *models.Outcome {
	dsn := stringOpt(config, "dsn")
	if dsn == "" {
		if auth, ok := config["auth"].(map[string]any); ok {
			dsn = buildDSN(auth)
		}
	}
	if dsn == "" {
		return models.ErrorOutcome(models.ErrKindValidation, false, "postgres: dsn is required")
	}

	command := stringOpt(config, "command")
	if command == "" {
		command = stringOpt(config, "sql")
	}
	if command == "" {
		return models.ErrorOutcome(models.ErrKindValidation, false, "postgres: command is required")
	}

	var args []any
	if raw, ok := config["args"].([]any); ok {
		args = raw
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return classifyPGError(err, "connect")
	}
	defer conn.Close(context.Background())

	rows, err := conn.Query(ctx, command, args...)
	if err != nil {
		return classifyPGError(err, "query")
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var out []map[string]any
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return classifyPGError(err, "scan")
		}
		row := make(map[string]any, len(fields))
		for i, fd := range fields {
			row[fd.Name] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return classifyPGError(err, "iterate")
	}

	return models.OKOutcome(map[string]any{
		"rows":  out,
		"count": len(out),
	})
}

func classifyPGError(err error, op string) *models.Outcome {
	if errors.Is(err, context.DeadlineExceeded) {
		return models.ErrorOutcome(models.ErrKindTimeout, true, fmt.Sprintf("postgres %s: %v", op, err))
	}
	if errors.Is(err, context.Canceled) {
		return models.ErrorOutcome(models.ErrKindCancelled, false, "postgres: cancelled")
	}

	outcome := &models.Outcome{Status: "error"}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		outcome.PG = &models.PGOutcome{Code: pgErr.Code, SQLState: pgErr.SQLState()}
		e := &models.OutcomeError{
			Code:    pgErr.Code,
			Message: fmt.Sprintf("postgres %s: %s", op, pgErr.Message),
		}
		switch pgErr.Code {
		case "40001":
			e.Kind, e.Retryable = models.ErrKindSerializationFailure, true
		case "40P01":
			e.Kind, e.Retryable = models.ErrKindDeadlock, true
		case "28000", "28P01":
			e.Kind = models.ErrKindAuth
		case "42501":
			e.Kind = models.ErrKindPermission
		case "3D000", "42P01":
			e.Kind = models.ErrKindNotFound
		default:
			e.Kind = models.ErrKindInternal
		}
		outcome.Error = e
		return outcome
	}

	return models.ErrorOutcome(models.ErrKindNetwork, true, fmt.Sprintf("postgres %s: %v", op, err))
}

func buildDSN(auth map[string]any) string {
	host := stringAny(auth, "host")
	if host == "" {
		return ""
	}
	port := stringAny(auth, "port")
	if port == "" {
		port = "5432"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
		stringAny(auth, "user"), stringAny(auth, "password"),
		host, port, stringAny(auth, "database"))
}

func stringAny(m map[string]any, key string) string {
	if v, ok := m[key]; ok {
		return fmt.Sprintf("%v", v)
	}
	return ""
}
