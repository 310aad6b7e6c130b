package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkrall/inboxmd/internal/model"
	"github.com/dkrall/inboxmd/internal/store"
	"github.com/dkrall/inboxmd/tests/testutil"
)

func stubs(ids ...string) []model.MessageStub {
	out := make([]model.MessageStub, 0, len(ids))
	for _, id := range ids {
		out = append(out, model.MessageStub{MessageID: id, ThreadID: "t-" + id})
	}
	return out
}

func TestBulkInsertPendingIdempotent(t *testing.T) {
	tr := testutil.NewTestTracker(t)
	ctx := context.Background()

	n, err := tr.BulkInsertPending(ctx, stubs("a", "b", "c"), "INBOX")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// Overlapping re-insert only counts genuinely new rows.
	n, err = tr.BulkInsertPending(ctx, stubs("b", "c", "d"), "INBOX")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	counts, err := tr.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, counts[store.StatusPending])
}

func TestBulkInsertPendingDoesNotResetStatus(t *testing.T) {
	tr := testutil.NewTestTracker(t)
	ctx := context.Background()

	_, err := tr.BulkInsertPending(ctx, stubs("a"), "INBOX")
	require.NoError(t, err)
	require.NoError(t, tr.UpdateStatus(ctx, "a", store.StatusFetched, store.StatusFields{}))

	// Rediscovery of an already-processed ID must not demote it.
	n, err := tr.BulkInsertPending(ctx, stubs("a"), "INBOX")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	rec, err := tr.GetMessage(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, store.StatusFetched, rec.Status)
}

func TestUpdateStatusFields(t *testing.T) {
	tr := testutil.NewTestTracker(t)
	ctx := context.Background()

	_, err := tr.BulkInsertPending(ctx, stubs("a"), "INBOX")
	require.NoError(t, err)

	err = tr.UpdateStatus(ctx, "a", store.StatusFetched, store.StatusFields{
		Subject:     "Hello",
		Sender:      "alice@example.com",
		Date:        "2024-01-15T10:30:00Z",
		RawTextPath: "/tmp/a.txt",
	})
	require.NoError(t, err)

	rec, err := tr.GetMessage(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, store.StatusFetched, rec.Status)
	assert.Equal(t, "Hello", rec.Subject)
	assert.Equal(t, "alice@example.com", rec.Sender)
	assert.Equal(t, "/tmp/a.txt", rec.RawTextPath)

	// A later transition with empty fields keeps the recorded values.
	err = tr.UpdateStatus(ctx, "a", store.StatusConverted, store.StatusFields{
		MarkdownPath: "/tmp/a.md",
	})
	require.NoError(t, err)

	rec, err = tr.GetMessage(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, store.StatusConverted, rec.Status)
	assert.Equal(t, "Hello", rec.Subject)
	assert.Equal(t, "/tmp/a.md", rec.MarkdownPath)
}

func TestUpdateStatusRejectsUnknownStatus(t *testing.T) {
	tr := testutil.NewTestTracker(t)
	ctx := context.Background()

	_, err := tr.BulkInsertPending(ctx, stubs("a"), "INBOX")
	require.NoError(t, err)

	err = tr.UpdateStatus(ctx, "a", store.Status("exploded"), store.StatusFields{Subject: "nope"})
	require.Error(t, err)

	var invalidErr *store.InvalidStatusError
	require.ErrorAs(t, err, &invalidErr)
	assert.Equal(t, store.Status("exploded"), invalidErr.Status)

	// The record is untouched.
	rec, err := tr.GetMessage(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, rec.Status)
	assert.Empty(t, rec.Subject)
}

func TestGetPendingIDsWindowing(t *testing.T) {
	tr := testutil.NewTestTracker(t)
	ctx := context.Background()

	_, err := tr.BulkInsertPending(ctx, stubs("a", "b", "c", "d", "e"), "INBOX")
	require.NoError(t, err)
	require.NoError(t, tr.UpdateStatus(ctx, "b", store.StatusFetched, store.StatusFields{}))

	ids, err := tr.GetPendingIDs(ctx, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, ids)

	ids, err = tr.GetPendingIDs(ctx, 10, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"d", "e"}, ids)

	fetched, err := tr.GetFetchedIDs(ctx, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, fetched)
}

func TestGetMessageAbsent(t *testing.T) {
	tr := testutil.NewTestTracker(t)

	rec, err := tr.GetMessage(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, rec)

	tracked, err := tr.IsTracked(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, tracked)
}

func TestRetryFailed(t *testing.T) {
	tr := testutil.NewTestTracker(t)
	ctx := context.Background()

	_, err := tr.BulkInsertPending(ctx, stubs("a", "b", "c"), "INBOX")
	require.NoError(t, err)
	require.NoError(t, tr.UpdateStatus(ctx, "a", store.StatusFailed, store.StatusFields{ErrorMessage: "boom"}))
	require.NoError(t, tr.UpdateStatus(ctx, "b", store.StatusConverted, store.StatusFields{}))

	n, err := tr.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, err := tr.GetMessage(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, rec.Status)
	assert.Empty(t, rec.ErrorMessage)

	// Converted messages are untouched, and a second retry is a no-op.
	rec, err = tr.GetMessage(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, store.StatusConverted, rec.Status)

	n, err = tr.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRunLifecycle(t *testing.T) {
	tr := testutil.NewTestTracker(t)
	ctx := context.Background()

	runID, err := tr.StartRun(ctx, "INBOX")
	require.NoError(t, err)

	run, err := tr.GetRun(ctx, runID)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, "INBOX", run.LabelID)
	assert.NotEmpty(t, run.RunUUID)
	assert.NotEmpty(t, run.StartedAt)
	assert.False(t, run.CompletedAt.Valid)

	err = tr.CompleteRun(ctx, runID, store.RunCounters{
		IDsDiscovered:     10,
		MessagesFetched:   8,
		MessagesConverted: 7,
		MessagesFailed:    1,
	})
	require.NoError(t, err)

	run, err = tr.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.True(t, run.CompletedAt.Valid)
	assert.Equal(t, 10, run.IDsDiscovered)
	assert.Equal(t, 8, run.MessagesFetched)
	assert.Equal(t, 7, run.MessagesConverted)
	assert.Equal(t, 1, run.MessagesFailed)

	// Distinct runs get distinct UUIDs.
	second, err := tr.StartRun(ctx, "INBOX")
	require.NoError(t, err)
	secondRun, err := tr.GetRun(ctx, second)
	require.NoError(t, err)
	assert.NotEqual(t, run.RunUUID, secondRun.RunUUID)

	missing, err := tr.GetRun(ctx, 9999)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestLabelCatalog(t *testing.T) {
	tr := testutil.NewTestTracker(t)
	ctx := context.Background()

	n, err := tr.UpsertLabels(ctx, []model.Label{
		{ID: "INBOX", Name: "INBOX"},
		{ID: "Label_42", Name: "Newsletters"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Renames overwrite in place.
	_, err = tr.UpsertLabels(ctx, []model.Label{{ID: "Label_42", Name: "News"}})
	require.NoError(t, err)

	_, err = tr.BulkInsertPending(ctx, stubs("a"), "INBOX")
	require.NoError(t, err)
	require.NoError(t, tr.InsertMessageLabels(ctx, "a", []string{"Label_42", "INBOX"}))

	labels, err := tr.GetMessageLabels(ctx, "a")
	require.NoError(t, err)
	require.Len(t, labels, 2)
	assert.Equal(t, model.Label{ID: "INBOX", Name: "INBOX"}, labels[0])
	assert.Equal(t, model.Label{ID: "Label_42", Name: "News"}, labels[1])
}

func TestMessageLabelsUncataloged(t *testing.T) {
	tr := testutil.NewTestTracker(t)
	ctx := context.Background()

	_, err := tr.BulkInsertPending(ctx, stubs("a"), "INBOX")
	require.NoError(t, err)
	require.NoError(t, tr.InsertMessageLabels(ctx, "a", []string{"UNKNOWN_LABEL"}))

	// Labels never synced to the catalog fall back to their ID.
	labels, err := tr.GetMessageLabels(ctx, "a")
	require.NoError(t, err)
	require.Len(t, labels, 1)
	assert.Equal(t, model.Label{ID: "UNKNOWN_LABEL", Name: "UNKNOWN_LABEL"}, labels[0])
}
