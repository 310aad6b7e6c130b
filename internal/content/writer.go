package content

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dkrall/inboxmd/internal/model"
)

// slugMaxLength caps the subject-derived portion of a document
// filename.
const slugMaxLength = 50

// Writer persists converted documents with deterministic,
// collision-resistant naming.
type Writer struct {
	dir string
}

// NewWriter creates the markdown output root if needed.
func NewWriter(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating markdown directory %s: %w", dir, err)
	}
	return &Writer{dir: dir}, nil
}

// Write persists a converted document as
// {date}_{slugified subject}_{first 8 chars of message ID}.md,
// e.g. 2024-01-15_weekly-newsletter_18a3f2b0.md, and returns the
// written path.
func (w *Writer) Write(doc model.ConvertedEmail) (string, error) {
	dateStr := doc.Header.Date.Format("2006-01-02")
	slug := Slugify(doc.Header.Subject, slugMaxLength)

	shortID := doc.MessageID
	if len(shortID) > 8 {
		shortID = shortID[:8]
	}

	filename := fmt.Sprintf("%s_%s_%s.md", dateStr, slug, shortID)
	path := filepath.Join(w.dir, filename)

	if err := os.WriteFile(path, []byte(doc.Markdown), 0o644); err != nil {
		return "", fmt.Errorf("writing markdown for %s: %w", doc.MessageID, err)
	}
	return path, nil
}
