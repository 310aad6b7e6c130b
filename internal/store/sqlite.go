package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/dkrall/inboxmd/internal/model"
)

// SQLiteTracker implements Tracker using a local SQLite database.
type SQLiteTracker struct {
	db *sqlx.DB
}

// NewSQLiteTracker opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations. WAL mode
// supports the orchestrator's overlapping read/write access pattern
// within a stage.
func NewSQLiteTracker(dbPath string) (*SQLiteTracker, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// One connection keeps the pragmas in effect for every statement
	// and makes :memory: databases behave as a single database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	t := &SQLiteTracker{db: db}
	if err := t.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return t, nil
}

// Close closes the underlying database connection.
func (t *SQLiteTracker) Close() error {
	return t.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (t *SQLiteTracker) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := t.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = t.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := t.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// now returns the current UTC time in the ISO-8601 format used for
// every timestamp column.
func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// BulkInsertPending inserts stubs as pending, skipping already-tracked
// message IDs. The whole page is one transaction so a discovery page
// commits exactly once.
func (t *SQLiteTracker) BulkInsertPending(ctx context.Context, stubs []model.MessageStub, labelID string) (int, error) {
	if len(stubs) == 0 {
		return 0, nil
	}

	tx, err := t.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	const query = `
		INSERT OR IGNORE INTO messages
			(message_id, thread_id, label_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`

	stmt, err := tx.PreparexContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	ts := now()
	inserted := 0
	for _, stub := range stubs {
		res, err := stmt.ExecContext(ctx,
			stub.MessageID, stub.ThreadID, labelID, StatusPending, ts, ts,
		)
		if err != nil {
			return 0, fmt.Errorf("inserting pending message %s: %w", stub.MessageID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("reading rows affected: %w", err)
		}
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing pending inserts: %w", err)
	}
	return inserted, nil
}

// UpdateStatus transitions a message to status, setting only the
// non-empty optional fields and refreshing updated_at.
func (t *SQLiteTracker) UpdateStatus(ctx context.Context, messageID string, status Status, fields StatusFields) error {
	if !status.valid() {
		return &InvalidStatusError{Status: status}
	}

	sets := []string{"status = ?", "updated_at = ?"}
	args := []interface{}{status, now()}

	optional := []struct {
		column string
		value  string
	}{
		{"subject", fields.Subject},
		{"sender", fields.Sender},
		{"date", fields.Date},
		{"raw_text_path", fields.RawTextPath},
		{"raw_html_path", fields.RawHTMLPath},
		{"markdown_path", fields.MarkdownPath},
		{"error_message", fields.ErrorMessage},
	}
	for _, opt := range optional {
		if opt.value != "" {
			sets = append(sets, opt.column+" = ?")
			args = append(args, opt.value)
		}
	}
	args = append(args, messageID)

	query := fmt.Sprintf(
		"UPDATE messages SET %s WHERE message_id = ?",
		strings.Join(sets, ", "),
	)
	if _, err := t.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("updating status of %s: %w", messageID, err)
	}
	return nil
}

func (t *SQLiteTracker) idsByStatus(ctx context.Context, status Status, limit, offset int) ([]string, error) {
	// Page timestamps collide within a bulk insert; rowid breaks ties
	// so pagination stays reproducible.
	const query = `
		SELECT message_id FROM messages
		WHERE status = ?
		ORDER BY created_at, rowid
		LIMIT ? OFFSET ?`

	var ids []string
	err := t.db.SelectContext(ctx, &ids, query, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("querying %s message IDs: %w", status, err)
	}
	return ids, nil
}

// GetPendingIDs returns a window of message IDs awaiting fetch.
func (t *SQLiteTracker) GetPendingIDs(ctx context.Context, limit, offset int) ([]string, error) {
	return t.idsByStatus(ctx, StatusPending, limit, offset)
}

// GetFetchedIDs returns a window of message IDs awaiting conversion.
func (t *SQLiteTracker) GetFetchedIDs(ctx context.Context, limit, offset int) ([]string, error) {
	return t.idsByStatus(ctx, StatusFetched, limit, offset)
}

// GetMessage returns the full record for messageID, or nil when the
// ID is not tracked.
func (t *SQLiteTracker) GetMessage(ctx context.Context, messageID string) (*MessageRecord, error) {
	var rec MessageRecord
	err := t.db.GetContext(ctx, &rec,
		"SELECT * FROM messages WHERE message_id = ?", messageID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting message %s: %w", messageID, err)
	}
	return &rec, nil
}

// IsTracked reports whether a message ID has been recorded.
func (t *SQLiteTracker) IsTracked(ctx context.Context, messageID string) (bool, error) {
	var one int
	err := t.db.GetContext(ctx, &one,
		"SELECT 1 FROM messages WHERE message_id = ?", messageID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking message %s: %w", messageID, err)
	}
	return true, nil
}

// CountByStatus returns message counts grouped by status.
func (t *SQLiteTracker) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := t.db.QueryxContext(ctx,
		"SELECT status, COUNT(*) AS cnt FROM messages GROUP BY status",
	)
	if err != nil {
		return nil, fmt.Errorf("counting messages by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status Status
		var cnt int
		if err := rows.Scan(&status, &cnt); err != nil {
			return nil, fmt.Errorf("scanning status count: %w", err)
		}
		counts[status] = cnt
	}
	return counts, rows.Err()
}

// RetryFailed atomically resets every failed message to pending and
// clears its error message.
func (t *SQLiteTracker) RetryFailed(ctx context.Context) (int, error) {
	res, err := t.db.ExecContext(ctx, `
		UPDATE messages
		SET status = ?, error_message = '', updated_at = ?
		WHERE status = ?`,
		StatusPending, now(), StatusFailed,
	)
	if err != nil {
		return 0, fmt.Errorf("resetting failed messages: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading rows affected: %w", err)
	}
	return int(n), nil
}

// StartRun records the start of a pipeline run and returns its ID.
// Each run also gets a UUID for log correlation across processes.
func (t *SQLiteTracker) StartRun(ctx context.Context, labelID string) (int64, error) {
	res, err := t.db.ExecContext(ctx,
		"INSERT INTO fetch_runs (run_uuid, label_id, started_at) VALUES (?, ?, ?)",
		uuid.New().String(), labelID, now(),
	)
	if err != nil {
		return 0, fmt.Errorf("starting run for label %s: %w", labelID, err)
	}
	runID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading run ID: %w", err)
	}
	return runID, nil
}

// CompleteRun finalizes a run audit record with its counters.
func (t *SQLiteTracker) CompleteRun(ctx context.Context, runID int64, counters RunCounters) error {
	_, err := t.db.ExecContext(ctx, `
		UPDATE fetch_runs SET
			completed_at = ?, ids_discovered = ?, messages_fetched = ?,
			messages_converted = ?, messages_failed = ?
		WHERE run_id = ?`,
		now(), counters.IDsDiscovered, counters.MessagesFetched,
		counters.MessagesConverted, counters.MessagesFailed, runID,
	)
	if err != nil {
		return fmt.Errorf("completing run %d: %w", runID, err)
	}
	return nil
}

// GetRun returns the audit record for runID, or nil when absent.
func (t *SQLiteTracker) GetRun(ctx context.Context, runID int64) (*FetchRun, error) {
	var run FetchRun
	err := t.db.GetContext(ctx, &run,
		"SELECT * FROM fetch_runs WHERE run_id = ?", runID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting run %d: %w", runID, err)
	}
	return &run, nil
}

// UpsertLabels refreshes the label ID→name catalog from the API.
func (t *SQLiteTracker) UpsertLabels(ctx context.Context, labels []model.Label) (int, error) {
	if len(labels) == 0 {
		return 0, nil
	}

	tx, err := t.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	const query = `
		INSERT INTO labels (label_id, label_name, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(label_id) DO UPDATE SET
			label_name = excluded.label_name,
			updated_at = excluded.updated_at`

	stmt, err := tx.PreparexContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("preparing label upsert: %w", err)
	}
	defer stmt.Close()

	ts := now()
	for _, lbl := range labels {
		if _, err := stmt.ExecContext(ctx, lbl.ID, lbl.Name, ts); err != nil {
			return 0, fmt.Errorf("upserting label %s: %w", lbl.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing label upserts: %w", err)
	}
	return len(labels), nil
}

// InsertMessageLabels populates the message→label junction rows for a
// message.
func (t *SQLiteTracker) InsertMessageLabels(ctx context.Context, messageID string, labelIDs []string) error {
	if len(labelIDs) == 0 {
		return nil
	}

	tx, err := t.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx,
		"INSERT OR IGNORE INTO message_labels (message_id, label_id) VALUES (?, ?)",
	)
	if err != nil {
		return fmt.Errorf("preparing message label insert: %w", err)
	}
	defer stmt.Close()

	for _, labelID := range labelIDs {
		if _, err := stmt.ExecContext(ctx, messageID, labelID); err != nil {
			return fmt.Errorf("inserting label %s for message %s: %w", labelID, messageID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing message labels: %w", err)
	}
	return nil
}

// GetMessageLabels returns the labels recorded for a message, joined
// with the catalog for names, sorted by label name. A label missing
// from the catalog falls back to its ID as the name.
func (t *SQLiteTracker) GetMessageLabels(ctx context.Context, messageID string) ([]model.Label, error) {
	rows, err := t.db.QueryxContext(ctx, `
		SELECT ml.label_id, COALESCE(l.label_name, ml.label_id) AS label_name
		FROM message_labels ml
		LEFT JOIN labels l ON ml.label_id = l.label_id
		WHERE ml.message_id = ?
		ORDER BY label_name`,
		messageID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying labels for message %s: %w", messageID, err)
	}
	defer rows.Close()

	var labels []model.Label
	for rows.Next() {
		var lbl model.Label
		if err := rows.Scan(&lbl.ID, &lbl.Name); err != nil {
			return nil, fmt.Errorf("scanning message label: %w", err)
		}
		labels = append(labels, lbl)
	}
	return labels, rows.Err()
}
