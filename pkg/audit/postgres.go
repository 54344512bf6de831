package audit

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const schema = `
CREATE TABLE IF NOT EXISTS approval_audit (
	id          UUID PRIMARY KEY,
	event       TEXT NOT NULL,
	agent_id    TEXT NOT NULL DEFAULT '',
	terminal_id TEXT NOT NULL DEFAULT '',
	command     TEXT NOT NULL DEFAULT '',
	cwd         TEXT NOT NULL DEFAULT '',
	token_hash  TEXT NOT NULL DEFAULT '',
	reason      TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL,
	agent_label TEXT NOT NULL DEFAULT ''
);
ALTER TABLE approval_audit ADD COLUMN IF NOT EXISTS agent_label TEXT NOT NULL DEFAULT '';
CREATE INDEX IF NOT EXISTS approval_audit_token_hash_idx ON approval_audit (token_hash);
`

type PostgresSink struct {
	DB auditDB
}

func (s *PostgresSink) EnsureSchema(ctx context.Context) error {
	_, err := s.DB.Exec(ctx, schema)
	return err
}

func (s *PostgresSink) Append(ctx context.Context, rec Record) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO approval_audit
		(id, event, agent_id, terminal_id, command, cwd, token_hash, reason, created_at, agent_label)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, rec.ID, string(rec.Event), rec.AgentID, rec.TerminalID, rec.Command, rec.Cwd, rec.TokenHash, rec.Reason, rec.CreatedAt, rec.AgentLabel)
	return err
}

func (s *PostgresSink) Get(ctx context.Context, id string) (Record, error) {
	var (
		rec   Record
		event string
	)
	row := s.DB.QueryRow(ctx, `
		SELECT id::text, event, agent_id, terminal_id, command, cwd, token_hash, reason, created_at, agent_label
		FROM approval_audit WHERE id=$1
	`, id)
	if err := row.Scan(&rec.ID, &event, &rec.AgentID, &rec.TerminalID, &rec.Command, &rec.Cwd, &rec.TokenHash, &rec.Reason, &rec.CreatedAt, &rec.AgentLabel); err != nil {
		return rec, err
	}
	rec.Event = Event(event)
	return rec, nil
}

// Close is a no-op; the pool belongs to the caller.
func (s *PostgresSink) Close() error { return nil }
