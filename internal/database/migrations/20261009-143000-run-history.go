package migrations

func init() {
	Register(Migration{
		Timestamp:   "20261009-143000",
		Description: "Completion history, recent activity and last run status on schedules",
		Up: []string{
			`CREATE TABLE IF NOT EXISTS completion_history (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				session_id TEXT NOT NULL,
				account_id TEXT NOT NULL,
				trigger_kind TEXT NOT NULL,
				status TEXT NOT NULL,
				processed_items INTEGER NOT NULL DEFAULT 0,
				failed_items INTEGER NOT NULL DEFAULT 0,
				total_items INTEGER NOT NULL DEFAULT 0,
				summary TEXT NOT NULL DEFAULT '',
				started_at TEXT NOT NULL,
				completed_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_completion_history_user ON completion_history(user_id, completed_at)`,

			`CREATE TABLE IF NOT EXISTS activities (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				session_id TEXT NOT NULL,
				item_id TEXT NOT NULL DEFAULT '',
				message TEXT NOT NULL,
				created_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_activities_user ON activities(user_id, created_at)`,

			`ALTER TABLE schedule_entries ADD COLUMN last_session_id TEXT NOT NULL DEFAULT ''`,
			`ALTER TABLE schedule_entries ADD COLUMN last_status TEXT NOT NULL DEFAULT ''`,
		},
	})
}
