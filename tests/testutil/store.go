package testutil

import (
	"testing"

	"github.com/dkrall/inboxmd/internal/store"
)

// NewTestTracker creates an in-memory SQLiteTracker with all migrations
// applied. It automatically closes the tracker when the test completes.
func NewTestTracker(t *testing.T) *store.SQLiteTracker {
	t.Helper()

	tr, err := store.NewSQLiteTracker(":memory:")
	if err != nil {
		t.Fatalf("creating test tracker: %v", err)
	}

	t.Cleanup(func() {
		if err := tr.Close(); err != nil {
			t.Errorf("closing test tracker: %v", err)
		}
	})

	return tr
}
