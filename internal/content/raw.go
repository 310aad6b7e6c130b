package content

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dkrall/inboxmd/internal/model"
)

// RawPaths holds the filesystem locations of a message's persisted
// original body parts. Empty when the corresponding part was absent.
type RawPaths struct {
	TextPath string
	HTMLPath string
}

// RawStore persists original message bodies to disk, keyed by message
// ID, so conversion can be re-run without refetching.
type RawStore struct {
	dir string
}

// NewRawStore creates the raw content root if needed.
func NewRawStore(dir string) (*RawStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating raw content directory %s: %w", dir, err)
	}
	return &RawStore{dir: dir}, nil
}

// Store writes the body's plain text and HTML parts to
// {messageID}.txt and {messageID}.html respectively, skipping absent
// parts.
func (s *RawStore) Store(messageID string, body model.EmailBody) (RawPaths, error) {
	var paths RawPaths

	if body.PlainText != "" {
		p := filepath.Join(s.dir, messageID+".txt")
		if err := os.WriteFile(p, []byte(body.PlainText), 0o644); err != nil {
			return RawPaths{}, fmt.Errorf("writing raw text for %s: %w", messageID, err)
		}
		paths.TextPath = p
	}

	if body.HTML != "" {
		p := filepath.Join(s.dir, messageID+".html")
		if err := os.WriteFile(p, []byte(body.HTML), 0o644); err != nil {
			return RawPaths{}, fmt.Errorf("writing raw HTML for %s: %w", messageID, err)
		}
		paths.HTMLPath = p
	}

	return paths, nil
}

// Load reads back whichever raw body parts exist at the given paths.
// A missing or empty path leaves that part absent rather than failing,
// so a partially recovered message can still convert from the part
// that survives.
func (s *RawStore) Load(paths RawPaths) (model.EmailBody, error) {
	var body model.EmailBody

	if paths.TextPath != "" {
		data, err := os.ReadFile(paths.TextPath)
		if err == nil {
			body.PlainText = string(data)
		} else if !os.IsNotExist(err) {
			return model.EmailBody{}, fmt.Errorf("reading raw text %s: %w", paths.TextPath, err)
		}
	}

	if paths.HTMLPath != "" {
		data, err := os.ReadFile(paths.HTMLPath)
		if err == nil {
			body.HTML = string(data)
		} else if !os.IsNotExist(err) {
			return model.EmailBody{}, fmt.Errorf("reading raw HTML %s: %w", paths.HTMLPath, err)
		}
	}

	return body, nil
}
