package config

import "fmt"

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS admins (
			id VARCHAR(64) PRIMARY KEY,
			email VARCHAR(255) UNIQUE NOT NULL,
			password_hash VARCHAR(255) NOT NULL,
			name VARCHAR(255) NOT NULL DEFAULT '',
			is_active {{bool}} NOT NULL DEFAULT TRUE,
			last_login_at {{time}} NULL,
			created_at {{time}} NOT NULL,
			updated_at {{time}} NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS api_keys (
			id VARCHAR(64) PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			description TEXT NOT NULL,
			key_hash VARCHAR(64) UNIQUE NOT NULL,
			key_prefix VARCHAR(32) NOT NULL,
			permissions_json TEXT NOT NULL,
			rate_limit INTEGER NOT NULL,
			ip_whitelist_json TEXT NOT NULL,
			is_active {{bool}} NOT NULL DEFAULT TRUE,
			state VARCHAR(16) NOT NULL DEFAULT 'active',
			expires_at {{time}} NULL,
			created_at {{time}} NOT NULL,
			created_by VARCHAR(255) NOT NULL DEFAULT '',
			updated_at {{time}} NOT NULL,
			usage_count BIGINT NOT NULL DEFAULT 0,
			last_used_at {{time}} NULL
		)`,

		`CREATE INDEX idx_api_keys_state ON api_keys(state)`,

		`CREATE TABLE IF NOT EXISTS key_rotations (
			id VARCHAR(64) PRIMARY KEY,
			old_key_id VARCHAR(64) NOT NULL,
			new_key_id VARCHAR(64) NOT NULL,
			grace_period_days INTEGER NOT NULL,
			grace_expires_at {{time}} NOT NULL,
			rotated_at {{time}} NOT NULL,
			rotated_by VARCHAR(255) NOT NULL DEFAULT ''
		)`,

		`CREATE INDEX idx_key_rotations_old ON key_rotations(old_key_id)`,
		`CREATE INDEX idx_key_rotations_new ON key_rotations(new_key_id)`,

		// Usage events intentionally carry no foreign key: they outlive
		// deleted keys for audit.
		`CREATE TABLE IF NOT EXISTS usage_events (
			id VARCHAR(64) PRIMARY KEY,
			key_id VARCHAR(64) NOT NULL,
			ts {{time}} NOT NULL,
			endpoint VARCHAR(512) NOT NULL,
			method VARCHAR(16) NOT NULL,
			status_code INTEGER NOT NULL,
			latency_ms BIGINT NOT NULL DEFAULT 0,
			ip VARCHAR(64) NOT NULL DEFAULT ''
		)`,

		`CREATE INDEX idx_usage_events_key_ts ON usage_events(key_id, ts)`,
		`CREATE INDEX idx_usage_events_ts ON usage_events(ts)`,

		`CREATE TABLE IF NOT EXISTS alert_rules (
			id VARCHAR(64) PRIMARY KEY,
			key_id VARCHAR(64) NOT NULL,
			alert_type VARCHAR(16) NOT NULL,
			threshold_percent INTEGER NOT NULL,
			enabled {{bool}} NOT NULL DEFAULT TRUE,
			last_triggered {{time}} NULL,
			trigger_count BIGINT NOT NULL DEFAULT 0,
			created_at {{time}} NOT NULL,
			updated_at {{time}} NOT NULL
		)`,

		`CREATE INDEX idx_alert_rules_key ON alert_rules(key_id)`,
	}

	for _, m := range migrations {
		stmt := s.dialect.ddl(m)
		if _, err := s.db.Exec(stmt); err != nil {
			// Plain CREATE INDEX fails on re-run; treat "already exists"
			// style errors as a no-op for idempotent migrations.
			if isBenignMigrationError(err) {
				continue
			}
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, stmt)
		}
	}
	return nil
}
