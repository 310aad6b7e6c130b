package model

import "time"

// Epoch is the fallback date used when a message carries no parseable
// Date header. Every message must have some date for file naming.
var Epoch = time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)

// NoSubject is the placeholder used when a message has no Subject header.
const NoSubject = "(no subject)"

// Label is a Gmail label ID/name pair.
type Label struct {
	ID   string
	Name string
}

// MessageStub is a lightweight message reference returned by the
// discovery (list) API, prior to full content fetch.
type MessageStub struct {
	MessageID string
	ThreadID  string
}

// EmailHeader holds the parsed headers of a message. LabelNames and
// LabelIDs are populated from the tracker's label catalog at convert
// time; they are empty during the fetch stage.
type EmailHeader struct {
	Subject         string
	Sender          string
	To              string
	Date            time.Time
	CC              string
	MessageIDHeader string
	LabelNames      []string
	LabelIDs        []string
}

// EmailBody holds the decoded body content of a message. An empty
// string means that part is absent; at least one of PlainText or HTML
// is set when the message has any inline content.
type EmailBody struct {
	PlainText string
	HTML      string
}

// IsEmpty reports whether the body has neither plain text nor HTML.
func (b EmailBody) IsEmpty() bool {
	return b.PlainText == "" && b.HTML == ""
}

// EmailMessage is a fully parsed message: identity, labels, headers,
// and body content.
type EmailMessage struct {
	MessageID string
	ThreadID  string
	LabelIDs  []string
	Header    EmailHeader
	Body      EmailBody
	Snippet   string
}

// ConvertedEmail is the result of converting a message body to a
// markdown document with a front matter block.
type ConvertedEmail struct {
	MessageID string
	Markdown  string
	Header    EmailHeader
}
