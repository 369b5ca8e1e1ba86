package db

const (
	createMigrationsTable = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`

	selectAppliedMigrations = `SELECT version FROM schema_migrations`

	insertMigration = `INSERT INTO schema_migrations (version) VALUES (?)`

	GetState = `SELECT value FROM local_state WHERE key = ?`

	UpsertState = `
		INSERT INTO local_state (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`

	DeleteState = `DELETE FROM local_state WHERE key = ?`

	ListStateKeys = `SELECT key FROM local_state ORDER BY key ASC`

	InsertPrintLog = `
		INSERT INTO print_log (job_id, filename, printer, copies, orientation, attempt, status, error, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	ListRecentPrintLog = `
		SELECT id, job_id, filename, printer, copies, orientation, attempt, status, error, duration_ms, created_at
		FROM print_log ORDER BY id DESC LIMIT ?
	`

	ListPrintLogByJob = `
		SELECT id, job_id, filename, printer, copies, orientation, attempt, status, error, duration_ms, created_at
		FROM print_log WHERE job_id = ? ORDER BY id ASC
	`

	PrunePrintLog = `DELETE FROM print_log WHERE created_at < ?`
)
