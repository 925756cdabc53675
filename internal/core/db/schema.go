package db

// schemaV1 holds the last published snapshot. Every table is rewritten on save.
const schemaV1 = `
	-- Sessions as last reported by the daemon
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL DEFAULT '',
		claude_session_id TEXT,
		parent_session_id TEXT,
		status TEXT NOT NULL,
		query TEXT NOT NULL DEFAULT '',
		title TEXT,
		summary TEXT,
		model TEXT,
		working_dir TEXT,
		created_at TEXT NOT NULL,
		last_activity_at TEXT,
		completed_at TEXT,
		error_message TEXT,
		cost_usd REAL,
		total_tokens INTEGER,
		duration_ms INTEGER,
		auto_accept_edits BOOLEAN NOT NULL DEFAULT 0,
		archived BOOLEAN NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
	CREATE INDEX IF NOT EXISTS idx_sessions_last_activity ON sessions(last_activity_at);

	-- Approvals, keyed to their session
	CREATE TABLE IF NOT EXISTS approvals (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		run_id TEXT,
		tool_name TEXT NOT NULL DEFAULT '',
		tool_input TEXT,
		status TEXT NOT NULL CHECK(status IN ('pending', 'approved', 'denied')),
		created_at TEXT NOT NULL,
		responded_at TEXT,
		comment TEXT,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_approvals_session_id ON approvals(session_id);

	-- Single row describing the snapshot
	CREATE TABLE IF NOT EXISTS snapshot_meta (
		id INTEGER PRIMARY KEY CHECK(id = 1),
		fetched_at TEXT NOT NULL
	);
`

// schemaV2 keeps the status changes seen on the daemon event stream. Unlike
// the snapshot tables it accumulates across saves.
const schemaV2 = `
	CREATE TABLE IF NOT EXISTS status_changes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		from_status TEXT NOT NULL DEFAULT '',
		to_status TEXT NOT NULL,
		changed_at TEXT NOT NULL,
		UNIQUE(session_id, changed_at, from_status, to_status)
	);

	CREATE INDEX IF NOT EXISTS idx_status_changes_session ON status_changes(session_id, changed_at);
`

// schemaV3 speeds up the pending-approval queries the inbox runs on every refresh
const schemaV3 = `
	CREATE INDEX IF NOT EXISTS idx_approvals_status ON approvals(status, created_at);
`
