package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// Migration represents a database migration.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns all schema migrations in order.
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create tools table",
			SQL: `
				CREATE TABLE IF NOT EXISTS tools (
					id TEXT PRIMARY KEY,
					name VARCHAR(255) NOT NULL,
					description TEXT,
					status VARCHAR(20) NOT NULL DEFAULT 'active',
					api_key_hash TEXT NOT NULL UNIQUE,
					api_key_prefix VARCHAR(32) NOT NULL,
					redirect_uri TEXT,
					webhook_url TEXT,
					webhook_secret TEXT,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_tools_status ON tools(status);
			`,
		},
		{
			Version:     2,
			Description: "Create user sessions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS user_sessions (
					id TEXT PRIMARY KEY,
					token_hash TEXT NOT NULL UNIQUE,
					one_sub_user_id TEXT NOT NULL,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					expires_at TIMESTAMPTZ NOT NULL,
					revoked_at TIMESTAMPTZ
				);

				CREATE INDEX IF NOT EXISTS idx_user_sessions_user ON user_sessions(one_sub_user_id);
			`,
		},
		{
			Version:     3,
			Description: "Create plans and subscriptions tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS plans (
					id TEXT PRIMARY KEY,
					tool_id TEXT NOT NULL REFERENCES tools(id) ON DELETE CASCADE,
					name VARCHAR(255) NOT NULL,
					config JSONB NOT NULL DEFAULT '{}',
					monthly_credits BIGINT NOT NULL DEFAULT 0,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					UNIQUE(tool_id, name)
				);

				CREATE TABLE IF NOT EXISTS subscriptions (
					id TEXT PRIMARY KEY,
					one_sub_user_id TEXT NOT NULL,
					tool_id TEXT NOT NULL REFERENCES tools(id) ON DELETE CASCADE,
					plan_id TEXT NOT NULL REFERENCES plans(id),
					status VARCHAR(20) NOT NULL DEFAULT 'active',
					past_due_since TIMESTAMPTZ,
					current_period_end TIMESTAMPTZ,
					cancel_at_period_end BOOLEAN NOT NULL DEFAULT FALSE,
					tool_user_id TEXT,
					email_sha256 VARCHAR(64),
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					UNIQUE(one_sub_user_id, tool_id)
				);

				CREATE INDEX IF NOT EXISTS idx_subscriptions_tool ON subscriptions(tool_id);
				CREATE INDEX IF NOT EXISTS idx_subscriptions_status ON subscriptions(status);
				CREATE INDEX IF NOT EXISTS idx_subscriptions_tool_user ON subscriptions(tool_id, tool_user_id);
				CREATE INDEX IF NOT EXISTS idx_subscriptions_email ON subscriptions(tool_id, email_sha256);
			`,
		},
		{
			Version:     4,
			Description: "Create authorization codes, grants and verification tokens tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS authorization_codes (
					id TEXT PRIMARY KEY,
					code_hash TEXT NOT NULL UNIQUE,
					tool_id TEXT NOT NULL REFERENCES tools(id) ON DELETE CASCADE,
					one_sub_user_id TEXT NOT NULL,
					redirect_uri TEXT NOT NULL,
					state TEXT,
					expires_at TIMESTAMPTZ NOT NULL,
					consumed_at TIMESTAMPTZ,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_authorization_codes_expires ON authorization_codes(expires_at);

				CREATE TABLE IF NOT EXISTS grants (
					id TEXT PRIMARY KEY,
					tool_id TEXT NOT NULL REFERENCES tools(id) ON DELETE CASCADE,
					one_sub_user_id TEXT NOT NULL,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					revoked_at TIMESTAMPTZ
				);

				CREATE INDEX IF NOT EXISTS idx_grants_tool_user ON grants(tool_id, one_sub_user_id);

				CREATE TABLE IF NOT EXISTS verification_tokens (
					id TEXT PRIMARY KEY,
					token_hash TEXT NOT NULL UNIQUE,
					grant_id TEXT NOT NULL REFERENCES grants(id) ON DELETE CASCADE,
					tool_id TEXT NOT NULL REFERENCES tools(id) ON DELETE CASCADE,
					one_sub_user_id TEXT NOT NULL,
					expires_at TIMESTAMPTZ NOT NULL,
					rotated_at TIMESTAMPTZ,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_verification_tokens_user ON verification_tokens(tool_id, one_sub_user_id);
			`,
		},
		{
			Version:     5,
			Description: "Create revocations table",
			SQL: `
				CREATE TABLE IF NOT EXISTS revocations (
					id TEXT PRIMARY KEY,
					tool_id TEXT NOT NULL REFERENCES tools(id) ON DELETE CASCADE,
					one_sub_user_id TEXT NOT NULL,
					reason TEXT,
					revoked_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					cleared_at TIMESTAMPTZ
				);

				CREATE UNIQUE INDEX IF NOT EXISTS idx_revocations_active
					ON revocations(tool_id, one_sub_user_id) WHERE cleared_at IS NULL;
			`,
		},
		{
			Version:     6,
			Description: "Create credit ledger tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS credit_balances (
					one_sub_user_id TEXT PRIMARY KEY,
					balance BIGINT NOT NULL DEFAULT 0,
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					CHECK (balance >= 0)
				);

				CREATE TABLE IF NOT EXISTS credit_transactions (
					id TEXT PRIMARY KEY,
					one_sub_user_id TEXT NOT NULL,
					tool_id TEXT REFERENCES tools(id) ON DELETE SET NULL,
					type VARCHAR(10) NOT NULL,
					amount BIGINT NOT NULL CHECK (amount > 0),
					reason TEXT,
					idempotency_key TEXT,
					balance_after BIGINT NOT NULL,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE UNIQUE INDEX IF NOT EXISTS idx_credit_transactions_idempotency
					ON credit_transactions(one_sub_user_id, idempotency_key) WHERE idempotency_key IS NOT NULL;
				CREATE INDEX IF NOT EXISTS idx_credit_transactions_user ON credit_transactions(one_sub_user_id, created_at);
			`,
		},
	}
}

// RunMigrations applies pending migrations inside transactions, tracking
// applied versions in schema_migrations.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		return fmt.Errorf("failed to query migrations: %w", err)
	}

	appliedVersions := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		appliedVersions[version] = true
	}
	rows.Close()

	for _, migration := range GetMigrations() {
		if appliedVersions[migration.Version] {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}

		if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO schema_migrations (version, description) VALUES ($1, $2)",
			migration.Version, migration.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}
	}

	return nil
}
