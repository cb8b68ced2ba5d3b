package store

import (
	"context"
	"fmt"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS activity_logs (
	   id BIGSERIAL PRIMARY KEY,
	   user_id BIGINT NULL,
	   action TEXT NOT NULL,
	   resource_type TEXT NOT NULL DEFAULT '',
	   resource_id TEXT NOT NULL DEFAULT '',
	   session_id TEXT NOT NULL DEFAULT '',
	   issue_type TEXT NOT NULL DEFAULT '',
	   details JSONB NOT NULL DEFAULT '{}'::jsonb,
	   ip_address TEXT NOT NULL DEFAULT '',
	   user_agent TEXT NOT NULL DEFAULT '',
	   created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	 )`,
	`CREATE INDEX IF NOT EXISTS activity_logs_session_action_idx
	   ON activity_logs (session_id, action, created_at)`,
	`CREATE INDEX IF NOT EXISTS activity_logs_issue_idx
	   ON activity_logs (issue_type, created_at)`,
	`CREATE INDEX IF NOT EXISTS activity_logs_user_idx
	   ON activity_logs (user_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS logging_sessions (
	   id TEXT PRIMARY KEY,
	   user_id BIGINT NULL,
	   ip_address TEXT NOT NULL DEFAULT '',
	   user_agent TEXT NOT NULL DEFAULT '',
	   events_count INTEGER NOT NULL DEFAULT 0,
	   errors_count INTEGER NOT NULL DEFAULT 0,
	   status TEXT NOT NULL DEFAULT 'active',
	   session_path TEXT NOT NULL DEFAULT '',
	   created_at TIMESTAMPTZ NOT NULL,
	   updated_at TIMESTAMPTZ NOT NULL,
	   expires_at TIMESTAMPTZ NOT NULL
	 )`,
	`CREATE INDEX IF NOT EXISTS logging_sessions_user_idx
	   ON logging_sessions (user_id, updated_at)`,
	`CREATE TABLE IF NOT EXISTS api_tokens (
	   token_hash TEXT PRIMARY KEY,
	   user_id BIGINT NOT NULL,
	   expires_at TIMESTAMPTZ NULL,
	   created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	 )`,
}

// EnsureSchema creates the tables and indexes the pipeline reads and writes.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	ctx, cancel := p.bounded(ctx)
	defer cancel()

	for i, statement := range schemaStatements {
		if _, err := p.pool.Exec(ctx, statement); err != nil {
			return fmt.Errorf("schema statement %d: %w", i+1, err)
		}
	}
	return nil
}
