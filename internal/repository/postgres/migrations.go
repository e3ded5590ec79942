package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// migrations are applied in order; each entry runs once, tracked in
// schema_migrations.
var migrations = []string{
	// 001: tenants and credentials
	`CREATE TABLE IF NOT EXISTS tenants (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL,
		plan TEXT NOT NULL DEFAULT 'free',
		active BOOLEAN NOT NULL DEFAULT true,
		priority INT NOT NULL DEFAULT 0,
		reputation_tier TEXT NOT NULL DEFAULT 'standard',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE TABLE IF NOT EXISTS api_credentials (
		id UUID PRIMARY KEY,
		tenant_id UUID NOT NULL REFERENCES tenants(id),
		fingerprint TEXT NOT NULL UNIQUE,
		capabilities TEXT[] NOT NULL DEFAULT '{send}',
		active BOOLEAN NOT NULL DEFAULT true,
		last_used_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_api_credentials_tenant ON api_credentials(tenant_id);`,

	// 002: sender domains and DKIM keys
	`CREATE TABLE IF NOT EXISTS domains (
		id UUID PRIMARY KEY,
		tenant_id UUID NOT NULL REFERENCES tenants(id),
		name TEXT NOT NULL,
		spf_status TEXT NOT NULL DEFAULT 'unknown',
		dkim_status TEXT NOT NULL DEFAULT 'unknown',
		dmarc_status TEXT NOT NULL DEFAULT 'unknown',
		last_checked_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (tenant_id, name)
	);
	CREATE INDEX IF NOT EXISTS idx_domains_name ON domains(name);
	CREATE TABLE IF NOT EXISTS dkim_keys (
		id UUID PRIMARY KEY,
		domain_id UUID NOT NULL REFERENCES domains(id),
		selector TEXT NOT NULL,
		private_key_encrypted TEXT NOT NULL,
		public_key TEXT NOT NULL,
		key_size INT NOT NULL DEFAULT 2048,
		algorithm TEXT NOT NULL DEFAULT 'rsa-sha256',
		header_canon TEXT NOT NULL DEFAULT 'relaxed',
		body_canon TEXT NOT NULL DEFAULT 'relaxed',
		active BOOLEAN NOT NULL DEFAULT false,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (domain_id, selector)
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_dkim_keys_active
		ON dkim_keys(domain_id) WHERE active;`,

	// 003: messages and recipients
	`CREATE TABLE IF NOT EXISTS messages (
		id UUID PRIMARY KEY,
		tenant_id UUID NOT NULL REFERENCES tenants(id),
		from_address TEXT NOT NULL,
		reply_to TEXT NOT NULL DEFAULT '',
		subject TEXT NOT NULL DEFAULT '',
		html_body TEXT NOT NULL DEFAULT '',
		text_body TEXT NOT NULL DEFAULT '',
		headers JSONB NOT NULL DEFAULT '{}',
		track_opens BOOLEAN NOT NULL DEFAULT false,
		track_clicks BOOLEAN NOT NULL DEFAULT false,
		idempotency_key TEXT,
		status TEXT NOT NULL DEFAULT 'queued',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_messages_tenant_status_created
		ON messages(tenant_id, status, created_at);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_idempotency
		ON messages(tenant_id, idempotency_key) WHERE idempotency_key IS NOT NULL;
	CREATE TABLE IF NOT EXISTS recipients (
		id UUID PRIMARY KEY,
		message_id UUID NOT NULL REFERENCES messages(id),
		address TEXT NOT NULL,
		domain TEXT NOT NULL,
		state TEXT NOT NULL DEFAULT 'pending',
		attempts INT NOT NULL DEFAULT 0,
		next_attempt_at TIMESTAMPTZ,
		last_error TEXT NOT NULL DEFAULT '',
		classification TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_recipients_message ON recipients(message_id);
	CREATE INDEX IF NOT EXISTS idx_recipients_state_next
		ON recipients(state, next_attempt_at);`,

	// 004: unified queue
	`CREATE TABLE IF NOT EXISTS queue_jobs (
		id UUID PRIMARY KEY,
		tenant_id UUID NOT NULL REFERENCES tenants(id),
		message_id UUID NOT NULL REFERENCES messages(id),
		priority INT NOT NULL DEFAULT 0,
		enqueued_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		not_before TIMESTAMPTZ,
		visibility_deadline TIMESTAMPTZ,
		attempt_count INT NOT NULL DEFAULT 0,
		worker_id TEXT NOT NULL DEFAULT '',
		dead_letter BOOLEAN NOT NULL DEFAULT false
	);
	CREATE INDEX IF NOT EXISTS idx_queue_jobs_tenant_enqueued
		ON queue_jobs(tenant_id, enqueued_at);
	CREATE INDEX IF NOT EXISTS idx_queue_jobs_ready
		ON queue_jobs(priority DESC, enqueued_at) WHERE NOT dead_letter;`,

	// 005: suppression list
	`CREATE TABLE IF NOT EXISTS suppressions (
		id UUID PRIMARY KEY,
		tenant_id UUID NOT NULL REFERENCES tenants(id),
		address TEXT NOT NULL,
		reason TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (tenant_id, address)
	);
	CREATE INDEX IF NOT EXISTS idx_suppressions_tenant_address
		ON suppressions(tenant_id, address);`,

	// 006: append-only events
	`CREATE TABLE IF NOT EXISTS events (
		id UUID PRIMARY KEY,
		message_id UUID NOT NULL,
		type TEXT NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		payload JSONB,
		fingerprint TEXT NOT NULL,
		UNIQUE (fingerprint)
	);
	CREATE INDEX IF NOT EXISTS idx_events_message ON events(message_id, timestamp);`,
}

// Migrate applies any pending migrations. Safe to run on every start.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for i, stmt := range migrations {
		version := i + 1
		var exists bool
		if err := db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)`, version,
		).Scan(&exists); err != nil {
			return fmt.Errorf("check migration %d: %w", version, err)
		}
		if exists {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version) VALUES ($1)`, version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", version, err)
		}
	}
	return nil
}
