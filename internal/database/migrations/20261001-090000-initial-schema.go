package migrations

func init() {
	Register(Migration{
		Timestamp:   "20261001-090000",
		Description: "Initial schema: profiles, accounts, quota, idempotency, schedules",
		Up: []string{
			`CREATE TABLE IF NOT EXISTS profiles (
				user_id TEXT PRIMARY KEY,
				plan TEXT NOT NULL DEFAULT 'free',
				updated_at TEXT NOT NULL
			)`,

			`CREATE TABLE IF NOT EXISTS accounts (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				name TEXT NOT NULL DEFAULT '',
				login_id TEXT NOT NULL,
				password_enc TEXT NOT NULL,
				price_rate REAL NOT NULL,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_accounts_user_id ON accounts(user_id)`,

			// period is YYYY-MM for monthly tiers and 'lifetime' for the lifetime tier
			`CREATE TABLE IF NOT EXISTS quota_counters (
				user_id TEXT NOT NULL,
				period TEXT NOT NULL,
				processed INTEGER NOT NULL DEFAULT 0,
				updated_at TEXT NOT NULL,
				PRIMARY KEY (user_id, period)
			)`,
			`CREATE TABLE IF NOT EXISTS usage_totals (
				user_id TEXT PRIMARY KEY,
				total_processed INTEGER NOT NULL DEFAULT 0,
				updated_at TEXT NOT NULL
			)`,

			`CREATE TABLE IF NOT EXISTS processed_items (
				user_id TEXT NOT NULL,
				day TEXT NOT NULL,
				listing_id TEXT NOT NULL,
				processed_at TEXT NOT NULL,
				PRIMARY KEY (user_id, day, listing_id)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_processed_items_day ON processed_items(day)`,

			`CREATE TABLE IF NOT EXISTS schedule_entries (
				user_id TEXT NOT NULL,
				account_id TEXT NOT NULL,
				active INTEGER NOT NULL DEFAULT 1,
				last_run_at TEXT,
				next_run_at TEXT NOT NULL,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				PRIMARY KEY (user_id, account_id)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_schedule_entries_due ON schedule_entries(active, next_run_at)`,

			`CREATE TABLE IF NOT EXISTS portal_cookies (
				user_id TEXT NOT NULL,
				login_id TEXT NOT NULL,
				cookies_enc TEXT NOT NULL,
				captured_at TEXT NOT NULL,
				PRIMARY KEY (user_id, login_id)
			)`,
		},
	})
}
