package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	message_id    TEXT PRIMARY KEY,
	thread_id     TEXT NOT NULL,
	label_id      TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL DEFAULT 'pending',
	subject       TEXT NOT NULL DEFAULT '',
	sender        TEXT NOT NULL DEFAULT '',
	date          TEXT NOT NULL DEFAULT '',
	raw_text_path TEXT NOT NULL DEFAULT '',
	raw_html_path TEXT NOT NULL DEFAULT '',
	markdown_path TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_status ON messages(status);
CREATE INDEX IF NOT EXISTS idx_messages_label ON messages(label_id);
CREATE INDEX IF NOT EXISTS idx_messages_created_at ON messages(created_at);

CREATE TABLE IF NOT EXISTS labels (
	label_id   TEXT PRIMARY KEY,
	label_name TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS message_labels (
	message_id TEXT NOT NULL REFERENCES messages(message_id),
	label_id   TEXT NOT NULL,
	PRIMARY KEY (message_id, label_id)
);

CREATE TABLE IF NOT EXISTS fetch_runs (
	run_id             INTEGER PRIMARY KEY AUTOINCREMENT,
	run_uuid           TEXT NOT NULL DEFAULT '',
	label_id           TEXT NOT NULL,
	started_at         TEXT NOT NULL,
	completed_at       TEXT,
	ids_discovered     INTEGER NOT NULL DEFAULT 0,
	messages_fetched   INTEGER NOT NULL DEFAULT 0,
	messages_converted INTEGER NOT NULL DEFAULT 0,
	messages_failed    INTEGER NOT NULL DEFAULT 0
);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}
