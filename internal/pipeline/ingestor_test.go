package pipeline_test

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gmailv1 "google.golang.org/api/gmail/v1"

	"github.com/dkrall/inboxmd/internal/content"
	"github.com/dkrall/inboxmd/internal/gmail"
	"github.com/dkrall/inboxmd/internal/model"
	"github.com/dkrall/inboxmd/internal/pipeline"
	"github.com/dkrall/inboxmd/internal/store"
	"github.com/dkrall/inboxmd/tests/testutil"
)

type fakePager struct {
	pages [][]model.MessageStub
	idx   int
}

func (p *fakePager) More() bool { return p.idx < len(p.pages) }

func (p *fakePager) Next(ctx context.Context) ([]model.MessageStub, error) {
	if p.idx >= len(p.pages) {
		return nil, nil
	}
	page := p.pages[p.idx]
	p.idx++
	return page, nil
}

type fakeMail struct {
	labels   []model.Label
	pages    [][]model.MessageStub
	messages map[string]*gmailv1.Message
	batchErr error

	batchCalls int
}

func (f *fakeMail) ListLabels(ctx context.Context) ([]model.Label, error) {
	return f.labels, nil
}

func (f *fakeMail) DiscoverMessageIDs(labelID string, pageSize int64, query string) gmail.Pager {
	return &fakePager{pages: f.pages}
}

func (f *fakeMail) FetchMessagesBatch(ctx context.Context, messageIDs []string) ([]*gmailv1.Message, error) {
	f.batchCalls++
	if f.batchErr != nil {
		return nil, f.batchErr
	}
	var out []*gmailv1.Message
	for _, id := range messageIDs {
		if m, ok := f.messages[id]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func stubs(ids ...string) []model.MessageStub {
	out := make([]model.MessageStub, 0, len(ids))
	for _, id := range ids {
		out = append(out, model.MessageStub{MessageID: id, ThreadID: "t-" + id})
	}
	return out
}

func encodeBody(s string) string {
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString([]byte(s))
}

func plainMessage(id, subject, date, body string) *gmailv1.Message {
	return &gmailv1.Message{
		Id:       id,
		ThreadId: "t-" + id,
		LabelIds: []string{"INBOX"},
		Payload: &gmailv1.MessagePart{
			MimeType: "text/plain",
			Headers: []*gmailv1.MessagePartHeader{
				{Name: "Subject", Value: subject},
				{Name: "From", Value: "alice@example.com"},
				{Name: "To", Value: "bob@example.com"},
				{Name: "Date", Value: date},
			},
			Body: &gmailv1.MessagePartBody{Data: encodeBody(body)},
		},
	}
}

type testEnv struct {
	ing         *pipeline.Ingestor
	tracker     *store.SQLiteTracker
	mail        *fakeMail
	markdownDir string
}

func newTestEnv(t *testing.T, mail *fakeMail) *testEnv {
	t.Helper()

	tracker := testutil.NewTestTracker(t)

	rawDir := filepath.Join(t.TempDir(), "raw")
	raw, err := content.NewRawStore(rawDir)
	require.NoError(t, err)

	markdownDir := filepath.Join(t.TempDir(), "markdown")
	writer, err := content.NewWriter(markdownDir)
	require.NoError(t, err)

	ing := pipeline.New(
		pipeline.Config{Label: "INBOX", PageSize: 100, BatchSize: 10},
		mail,
		tracker,
		raw,
		writer,
		nil,
	)

	return &testEnv{ing: ing, tracker: tracker, mail: mail, markdownDir: markdownDir}
}

func TestRunDiscoveryInsertsAcrossPages(t *testing.T) {
	env := newTestEnv(t, &fakeMail{
		pages: [][]model.MessageStub{stubs("a", "b"), stubs("c")},
	})
	ctx := context.Background()

	n, err := env.ing.RunDiscovery(ctx, "", "", pipeline.StageOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	counts, err := env.tracker.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, counts[store.StatusPending])

	// Re-running discovery finds nothing new.
	env.mail.pages = [][]model.MessageStub{stubs("a", "b"), stubs("c")}
	n, err = env.ing.RunDiscovery(ctx, "", "", pipeline.StageOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRunDiscoveryOffsetAndLimit(t *testing.T) {
	// Five stubs spread over uneven pages; collected count must be
	// min(limit, max(0, total-offset)) regardless of page boundaries.
	total := 5
	pages := [][]model.MessageStub{stubs("a", "b"), stubs("c", "d"), stubs("e")}

	limits := []*int{nil, intp(0), intp(1), intp(3), intp(10)}
	for _, limit := range limits {
		for offset := 0; offset <= total+1; offset++ {
			name := fmt.Sprintf("limit=%s offset=%d", limitName(limit), offset)
			t.Run(name, func(t *testing.T) {
				env := newTestEnv(t, &fakeMail{pages: pages})
				ctx := context.Background()

				_, err := env.ing.RunDiscovery(ctx, "", "", pipeline.StageOptions{
					Limit:  limit,
					Offset: offset,
				})
				require.NoError(t, err)

				want := total - offset
				if want < 0 {
					want = 0
				}
				if limit != nil && *limit < want {
					want = *limit
				}

				counts, err := env.tracker.CountByStatus(ctx)
				require.NoError(t, err)
				assert.Equal(t, want, counts[store.StatusPending])
			})
		}
	}
}

func intp(v int) *int { return &v }

func limitName(limit *int) string {
	if limit == nil {
		return "nil"
	}
	return fmt.Sprintf("%d", *limit)
}

func TestRunFullPipeline(t *testing.T) {
	mail := &fakeMail{
		labels: []model.Label{{ID: "INBOX", Name: "INBOX"}},
		pages:  [][]model.MessageStub{stubs("msg1")},
		messages: map[string]*gmailv1.Message{
			"msg1": plainMessage("msg1", "Plain Text Email", "Mon, 15 Jan 2024 10:30:00 -0500", "Hello, world.\n"),
		},
	}
	env := newTestEnv(t, mail)
	ctx := context.Background()

	progress, err := env.ing.Run(ctx, "", "", pipeline.StageOptions{})
	require.NoError(t, err)

	assert.Equal(t, model.StageComplete, progress.CurrentStage)
	assert.Equal(t, 1, progress.IDsDiscovered)
	assert.Equal(t, 1, progress.MessagesFetched)
	assert.Equal(t, 1, progress.MessagesConverted)
	assert.Equal(t, 0, progress.MessagesFailed)

	rec, err := env.tracker.GetMessage(ctx, "msg1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, store.StatusConverted, rec.Status)
	assert.Equal(t, "Plain Text Email", rec.Subject)
	assert.Equal(t, "alice@example.com", rec.Sender)
	assert.NotEmpty(t, rec.RawTextPath)
	assert.NotEmpty(t, rec.MarkdownPath)

	// Converted file named by local date, slug, and short ID.
	entries, err := os.ReadDir(env.markdownDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "2024-01-15_plain-text-email_msg1.md", entries[0].Name())

	data, err := os.ReadFile(filepath.Join(env.markdownDir, entries[0].Name()))
	require.NoError(t, err)
	text := string(data)
	assert.True(t, strings.HasPrefix(text, "---\n"))
	assert.Contains(t, text, `subject: "Plain Text Email"`)
	assert.Contains(t, text, `labels: ["INBOX"]`)
	assert.Contains(t, text, "Hello, world.")

	// The audit record carries the final counters.
	run, err := env.tracker.GetRun(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.True(t, run.CompletedAt.Valid)
	assert.Equal(t, 1, run.IDsDiscovered)
	assert.Equal(t, 1, run.MessagesFetched)
	assert.Equal(t, 1, run.MessagesConverted)
	assert.Equal(t, 0, run.MessagesFailed)
}

func TestFetchMarksOmittedIDsFailed(t *testing.T) {
	mail := &fakeMail{
		messages: map[string]*gmailv1.Message{
			"msg1": plainMessage("msg1", "Kept", "Mon, 15 Jan 2024 10:30:00 -0500", "body"),
			// msg2 absent from the batch response.
		},
	}
	env := newTestEnv(t, mail)
	ctx := context.Background()

	_, err := env.tracker.BulkInsertPending(ctx, stubs("msg1", "msg2"), "INBOX")
	require.NoError(t, err)

	n, err := env.ing.RunFetchPending(ctx, pipeline.StageOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, err := env.tracker.GetMessage(ctx, "msg2")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, store.StatusFailed, rec.Status)
	assert.Equal(t, "not returned in batch response", rec.ErrorMessage)
}

func TestFetchBatchErrorPropagates(t *testing.T) {
	mail := &fakeMail{batchErr: errors.New("quota exhausted")}
	env := newTestEnv(t, mail)
	ctx := context.Background()

	_, err := env.tracker.BulkInsertPending(ctx, stubs("msg1"), "INBOX")
	require.NoError(t, err)

	_, err = env.ing.RunFetchPending(ctx, pipeline.StageOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch fetch failed")

	// The message stays pending for the next run.
	rec, err := env.tracker.GetMessage(ctx, "msg1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, rec.Status)
}

func TestFetchMarksUnparseableMessageFailed(t *testing.T) {
	mail := &fakeMail{
		messages: map[string]*gmailv1.Message{
			// No payload: structurally corrupt.
			"msg1": {Id: "msg1"},
		},
	}
	env := newTestEnv(t, mail)
	ctx := context.Background()

	_, err := env.tracker.BulkInsertPending(ctx, stubs("msg1"), "INBOX")
	require.NoError(t, err)

	n, err := env.ing.RunFetchPending(ctx, pipeline.StageOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	rec, err := env.tracker.GetMessage(ctx, "msg1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, rec.Status)
	assert.NotEmpty(t, rec.ErrorMessage)
	assert.Equal(t, 0, env.ing.Progress().MessagesFetched)
	assert.Equal(t, 1, env.ing.Progress().MessagesFailed)
}

func TestConvertMarksEmptyBodyFailed(t *testing.T) {
	env := newTestEnv(t, &fakeMail{})
	ctx := context.Background()

	// Fetched record with no persisted body parts.
	_, err := env.tracker.BulkInsertPending(ctx, stubs("msg1"), "INBOX")
	require.NoError(t, err)
	require.NoError(t, env.tracker.UpdateStatus(ctx, "msg1", store.StatusFetched, store.StatusFields{
		Subject: "Empty",
		Date:    "2024-01-15T10:30:00Z",
	}))

	n, err := env.ing.RunConvertPending(ctx, pipeline.StageOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	rec, err := env.tracker.GetMessage(ctx, "msg1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, rec.Status)
	assert.Contains(t, rec.ErrorMessage, "no convertible content")
}

func TestConvertLimit(t *testing.T) {
	mail := &fakeMail{
		messages: map[string]*gmailv1.Message{
			"msg1": plainMessage("msg1", "One", "Mon, 15 Jan 2024 10:30:00 -0500", "first"),
			"msg2": plainMessage("msg2", "Two", "Tue, 16 Jan 2024 10:30:00 -0500", "second"),
		},
	}
	env := newTestEnv(t, mail)
	ctx := context.Background()

	_, err := env.tracker.BulkInsertPending(ctx, stubs("msg1", "msg2"), "INBOX")
	require.NoError(t, err)
	_, err = env.ing.RunFetchPending(ctx, pipeline.StageOptions{})
	require.NoError(t, err)

	n, err := env.ing.RunConvertPending(ctx, pipeline.StageOptions{Limit: intp(1)})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	counts, err := env.tracker.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[store.StatusFetched])
	assert.Equal(t, 1, counts[store.StatusConverted])
}

func TestRetryFailedResetsForNextRun(t *testing.T) {
	env := newTestEnv(t, &fakeMail{})
	ctx := context.Background()

	_, err := env.tracker.BulkInsertPending(ctx, stubs("msg1"), "INBOX")
	require.NoError(t, err)
	require.NoError(t, env.tracker.UpdateStatus(ctx, "msg1", store.StatusFailed, store.StatusFields{
		ErrorMessage: "boom",
	}))

	n, err := env.ing.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	counts, err := env.ing.GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[store.StatusPending])
}
