package gmail

import (
	"encoding/base64"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"google.golang.org/api/gmail/v1"

	"github.com/dkrall/inboxmd/internal/model"
)

// ParseMessage turns a raw Gmail API message (format=full) into a
// structured EmailMessage. Structural corruption yields a *ParseError
// carrying the message ID when available.
func ParseMessage(raw *gmail.Message) (model.EmailMessage, error) {
	if raw == nil || raw.Id == "" {
		return model.EmailMessage{}, &ParseError{Err: fmt.Errorf("message has no ID")}
	}

	msg := model.EmailMessage{
		MessageID: raw.Id,
		ThreadID:  raw.ThreadId,
		LabelIDs:  raw.LabelIds,
		Snippet:   raw.Snippet,
	}

	if raw.Payload == nil {
		return model.EmailMessage{}, &ParseError{
			MessageID: raw.Id,
			Err:       fmt.Errorf("message has no payload"),
		}
	}

	msg.Header = extractHeaders(raw.Payload)

	body, err := extractBody(raw.Payload)
	if err != nil {
		return model.EmailMessage{}, &ParseError{MessageID: raw.Id, Err: err}
	}
	msg.Body = body

	return msg, nil
}

// extractHeaders pulls the allow-listed headers out of the payload,
// matching header names case-insensitively.
func extractHeaders(payload *gmail.MessagePart) model.EmailHeader {
	headers := map[string]string{}
	for _, h := range payload.Headers {
		name := strings.ToLower(h.Name)
		switch name {
		case "subject", "from", "to", "date", "cc", "message-id":
			headers[name] = h.Value
		}
	}

	subject := headers["subject"]
	if subject == "" {
		subject = model.NoSubject
	}

	return model.EmailHeader{
		Subject:         subject,
		Sender:          headers["from"],
		To:              headers["to"],
		Date:            parseDate(headers["date"]),
		CC:              headers["cc"],
		MessageIDHeader: headers["message-id"],
	}
}

// parseDate parses an RFC 5322 date header value, falling back to the
// Unix epoch on empty or unparseable input. A message always gets
// some date.
func parseDate(value string) time.Time {
	if value == "" {
		return model.Epoch
	}
	t, err := mail.ParseDate(value)
	if err != nil {
		return model.Epoch
	}
	return t
}

// extractBody walks the MIME tree for text/plain and text/html parts,
// then falls back to the top-level body data typed by its declared
// MIME type.
func extractBody(payload *gmail.MessagePart) (model.EmailBody, error) {
	plain, html, err := walkParts(payload)
	if err != nil {
		return model.EmailBody{}, err
	}

	if plain == "" && html == "" && payload.Body != nil && payload.Body.Data != "" {
		decoded, err := decodeBody(payload.Body.Data)
		if err != nil {
			return model.EmailBody{}, err
		}
		if strings.Contains(payload.MimeType, "html") {
			html = decoded
		} else {
			plain = decoded
		}
	}

	return model.EmailBody{PlainText: plain, HTML: html}, nil
}

// walkParts recursively searches a MIME part for text/plain and
// text/html content. First found wins for each, independently, in
// depth-first document order. Parts that declare a filename are
// attachments and are never inspected for body content.
func walkParts(part *gmail.MessagePart) (plain, html string, err error) {
	switch {
	case part.MimeType == "text/plain":
		if part.Body != nil && part.Body.Data != "" {
			plain, err = decodeBody(part.Body.Data)
		}
	case part.MimeType == "text/html":
		if part.Body != nil && part.Body.Data != "" {
			html, err = decodeBody(part.Body.Data)
		}
	case strings.HasPrefix(part.MimeType, "multipart/"):
		for _, sub := range part.Parts {
			if sub.Filename != "" {
				continue
			}
			subPlain, subHTML, subErr := walkParts(sub)
			if subErr != nil {
				return "", "", subErr
			}
			if subPlain != "" && plain == "" {
				plain = subPlain
			}
			if subHTML != "" && html == "" {
				html = subHTML
			}
		}
	}
	return plain, html, err
}

// decodeBody decodes Gmail's URL-safe base64 body encoding. The data
// often arrives unpadded, so it is re-padded to a multiple of four
// before decoding. Invalid UTF-8 sequences are replaced rather than
// rejected.
func decodeBody(data string) (string, error) {
	if rem := len(data) % 4; rem != 0 {
		data += strings.Repeat("=", 4-rem)
	}
	decoded, err := base64.URLEncoding.DecodeString(data)
	if err != nil {
		return "", fmt.Errorf("decoding base64url body: %w", err)
	}
	return strings.ToValidUTF8(string(decoded), "�"), nil
}
