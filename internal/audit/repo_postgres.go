package audit

import (
	"context"
	"database/sql"
)

const createEventsTable = `
CREATE TABLE IF NOT EXISTS audit_events (
  id          TEXT PRIMARY KEY,
  type        TEXT NOT NULL,
  severity    TEXT NOT NULL,
  actor_id    TEXT NULL,
  line_id     TEXT NULL,
  operator_id TEXT NULL,
  payload     JSONB NULL,
  created_at  TIMESTAMPTZ NOT NULL
)
`

// PostgresRepo appends events to audit_events.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) EnsureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, createEventsTable)
	return err
}

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	const q = `
INSERT INTO audit_events (id, type, severity, actor_id, line_id, operator_id, payload, created_at)
VALUES ($1,$2,$3,NULLIF($4,''),NULLIF($5,''),NULLIF($6,''),NULLIF($7,'')::jsonb,$8)
`
	_, err := r.db.ExecContext(ctx, q,
		e.ID, e.Type, e.Severity, e.ActorID, e.LineID, e.OperatorID, e.Payload, e.CreatedAt,
	)
	return err
}
