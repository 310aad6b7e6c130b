package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dkrall/inboxmd/internal/model"
)

// Status is the processing state of a tracked message.
//
// The state machine is:
//
//	pending --(fetch success)--> fetched --(convert success)--> converted
//	pending --(fetch failure)--> failed
//	fetched --(convert failure)--> failed
//	failed  --(operator retry)--> pending
type Status string

const (
	StatusPending   Status = "pending"
	StatusFetched   Status = "fetched"
	StatusConverted Status = "converted"
	StatusFailed    Status = "failed"
)

// valid reports whether s is one of the four known statuses.
func (s Status) valid() bool {
	switch s {
	case StatusPending, StatusFetched, StatusConverted, StatusFailed:
		return true
	}
	return false
}

// InvalidStatusError indicates a status transition to an unrecognized
// target. This is a programming-contract violation, not a recoverable
// runtime condition.
type InvalidStatusError struct {
	Status Status
}

func (e *InvalidStatusError) Error() string {
	return fmt.Sprintf("invalid status: %q", string(e.Status))
}

// StatusFields carries the optional columns an UpdateStatus call may
// set. Empty fields are left untouched, preserving previously recorded
// values.
type StatusFields struct {
	Subject      string
	Sender       string
	Date         string
	RawTextPath  string
	RawHTMLPath  string
	MarkdownPath string
	ErrorMessage string
}

// MessageRecord is one row of per-message processing state.
type MessageRecord struct {
	MessageID    string `db:"message_id"`
	ThreadID     string `db:"thread_id"`
	LabelID      string `db:"label_id"`
	Status       Status `db:"status"`
	Subject      string `db:"subject"`
	Sender       string `db:"sender"`
	Date         string `db:"date"`
	RawTextPath  string `db:"raw_text_path"`
	RawHTMLPath  string `db:"raw_html_path"`
	MarkdownPath string `db:"markdown_path"`
	ErrorMessage string `db:"error_message"`
	CreatedAt    string `db:"created_at"`
	UpdatedAt    string `db:"updated_at"`
}

// RunCounters holds the finalized counters for a completed run.
type RunCounters struct {
	IDsDiscovered     int
	MessagesFetched   int
	MessagesConverted int
	MessagesFailed    int
}

// FetchRun is one append-only audit record of a pipeline invocation.
type FetchRun struct {
	RunID             int64          `db:"run_id"`
	RunUUID           string         `db:"run_uuid"`
	LabelID           string         `db:"label_id"`
	StartedAt         string         `db:"started_at"`
	CompletedAt       sql.NullString `db:"completed_at"`
	IDsDiscovered     int            `db:"ids_discovered"`
	MessagesFetched   int            `db:"messages_fetched"`
	MessagesConverted int            `db:"messages_converted"`
	MessagesFailed    int            `db:"messages_failed"`
}

// Tracker is the durable system of record for per-message processing
// state and run statistics. Every mutating operation commits
// immediately; a crash mid-batch leaves at most one message's status
// ambiguous.
type Tracker interface {
	// BulkInsertPending inserts stubs as pending with insert-or-ignore
	// semantics keyed by message ID, returning the count of rows
	// actually created.
	BulkInsertPending(ctx context.Context, stubs []model.MessageStub, labelID string) (int, error)

	// UpdateStatus transitions a message to status, overwriting only
	// the non-empty optional fields. An unrecognized status fails with
	// *InvalidStatusError without mutating the record.
	UpdateStatus(ctx context.Context, messageID string, status Status, fields StatusFields) error

	// GetPendingIDs and GetFetchedIDs window over messages in a status,
	// ordered by creation time ascending for reproducible pagination.
	GetPendingIDs(ctx context.Context, limit, offset int) ([]string, error)
	GetFetchedIDs(ctx context.Context, limit, offset int) ([]string, error)

	// GetMessage returns the full record for a message, or nil when
	// the ID is not tracked.
	GetMessage(ctx context.Context, messageID string) (*MessageRecord, error)

	// IsTracked reports whether a message ID has been recorded.
	IsTracked(ctx context.Context, messageID string) (bool, error)

	// CountByStatus returns message counts grouped by status.
	CountByStatus(ctx context.Context) (map[Status]int, error)

	// RetryFailed resets every failed message to pending, clearing its
	// error message, and returns the number of rows reset.
	RetryFailed(ctx context.Context) (int, error)

	// StartRun and CompleteRun bracket a pipeline invocation in the
	// audit log.
	StartRun(ctx context.Context, labelID string) (int64, error)
	CompleteRun(ctx context.Context, runID int64, counters RunCounters) error

	// GetRun returns a run audit record by ID, or nil when absent.
	GetRun(ctx context.Context, runID int64) (*FetchRun, error)

	// UpsertLabels refreshes the label ID→name catalog.
	UpsertLabels(ctx context.Context, labels []model.Label) (int, error)

	// InsertMessageLabels records the labels a message carried at
	// fetch time; GetMessageLabels reads them back joined with the
	// catalog, sorted by label name.
	InsertMessageLabels(ctx context.Context, messageID string, labelIDs []string) error
	GetMessageLabels(ctx context.Context, messageID string) ([]model.Label, error)

	Close() error
}
