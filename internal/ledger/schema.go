package ledger

// Column names keep the camelCase spelling of the existing account store,
// which is why some identifiers are quoted.

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		"creditBalance" NUMERIC(20, 6) NOT NULL DEFAULT 0 CHECK ("creditBalance" >= 0)
	)`,
	`CREATE TABLE IF NOT EXISTS api_call_logs (
		id TEXT PRIMARY KEY,
		"userId" TEXT NOT NULL REFERENCES users (id),
		"apiKeyId" TEXT NOT NULL,
		model_name TEXT NOT NULL,
		prompt_tokens INTEGER NOT NULL,
		completion_tokens INTEGER NOT NULL,
		total_tokens INTEGER NOT NULL,
		credits_used NUMERIC(20, 6) NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS api_call_logs_user_ts_idx ON api_call_logs ("userId", timestamp DESC)`,
}

// SQLite has no fixed-point type; amounts are stored as canonical decimal
// text and all arithmetic happens in Go inside the write transaction.
var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		"creditBalance" TEXT NOT NULL DEFAULT '0'
	)`,
	`CREATE TABLE IF NOT EXISTS api_call_logs (
		id TEXT PRIMARY KEY,
		"userId" TEXT NOT NULL REFERENCES users (id),
		"apiKeyId" TEXT NOT NULL,
		model_name TEXT NOT NULL,
		prompt_tokens INTEGER NOT NULL,
		completion_tokens INTEGER NOT NULL,
		total_tokens INTEGER NOT NULL,
		credits_used TEXT NOT NULL,
		timestamp TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS api_call_logs_user_ts_idx ON api_call_logs ("userId", timestamp DESC)`,
}
