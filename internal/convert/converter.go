// Package convert turns message bodies into markdown documents with a
// front matter metadata block.
package convert

import (
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/jaytaylor/html2text"

	"github.com/dkrall/inboxmd/internal/model"
)

// ConversionError indicates a message had no convertible content.
// It is caught per message by the orchestrator and never aborts a
// batch.
type ConversionError struct {
	MessageID string
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("no convertible content for message %s", e.MessageID)
}

// IsConversionError reports whether err (or its chain) is a
// ConversionError.
func IsConversionError(err error) bool {
	var convErr *ConversionError
	return errors.As(err, &convErr)
}

// Converter produces markdown documents from message bodies. HTML
// bodies run through html2text tuned for recall (links and tables
// kept); extraction failure falls back to the plain text part
// verbatim when one exists.
type Converter struct{}

// Convert builds the full markdown document for a message: front
// matter followed by the extracted body text. It fails with
// *ConversionError when neither body part yields any content.
func (Converter) Convert(messageID string, header model.EmailHeader, body model.EmailBody) (model.ConvertedEmail, error) {
	text := extractText(body)
	if text == "" {
		return model.ConvertedEmail{}, &ConversionError{MessageID: messageID}
	}

	markdown := frontMatter(header) + "\n" + text

	return model.ConvertedEmail{
		MessageID: messageID,
		Markdown:  markdown,
		Header:    header,
	}, nil
}

func extractText(body model.EmailBody) string {
	var result string

	if body.HTML != "" {
		text, err := html2text.FromString(body.HTML, html2text.Options{
			PrettyTables: true,
		})
		if err != nil {
			log.Printf("html extraction failed: %v", err)
		} else {
			result = strings.TrimSpace(text)
		}
	}

	if result == "" && body.PlainText != "" {
		result = body.PlainText
	}
	return result
}

// frontMatter renders the metadata block. Values are double-quoted, so
// embedded double quotes are escaped to keep the block well-formed.
func frontMatter(header model.EmailHeader) string {
	lines := []string{
		"---",
		fmt.Sprintf("subject: %s", quote(header.Subject)),
		fmt.Sprintf("from: %s", quote(header.Sender)),
		fmt.Sprintf("to: %s", quote(header.To)),
		fmt.Sprintf("date: %s", header.Date.Format("2006-01-02 15:04:05")),
	}

	if header.CC != "" {
		lines = append(lines, fmt.Sprintf("cc: %s", quote(header.CC)))
	}
	if len(header.LabelNames) > 0 {
		lines = append(lines, fmt.Sprintf("labels: [%s]", quoteList(header.LabelNames)))
	}
	if len(header.LabelIDs) > 0 {
		lines = append(lines, fmt.Sprintf("label_ids: [%s]", quoteList(header.LabelIDs)))
	}

	lines = append(lines, "---")
	return strings.Join(lines, "\n")
}

func quote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}

func quoteList(values []string) string {
	quoted := make([]string, 0, len(values))
	for _, v := range values {
		quoted = append(quoted, quote(v))
	}
	return strings.Join(quoted, ", ")
}
