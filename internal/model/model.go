// Package model defines the domain types used across the application.
package model

import "time"

// ListingEntry is one row of the bulletin board listing. It only lives for the
// duration of a crawl pass.
type ListingEntry struct {
	ExternalID string
	Title      string
	Author     string
	Category   string
	Published  string // source-local date text, e.g. "2024.03.11"
	URL        string
}

// AttachmentType classifies an attachment by the icon class the board renders.
type AttachmentType string

// Supported attachment types.
const (
	AttachmentDocument     AttachmentType = "document"
	AttachmentSpreadsheet  AttachmentType = "spreadsheet"
	AttachmentPresentation AttachmentType = "presentation"
	AttachmentImageBundle  AttachmentType = "image-bundle"
	AttachmentOther        AttachmentType = "other"
)

// AttachmentDescriptor is a file linked from a detail page.
type AttachmentDescriptor struct {
	Name string
	URL  string
	Type AttachmentType
}

// DetailContent is the parsed detail page of a listing entry.
type DetailContent struct {
	Body        string // inner markup of the content container, NFC-normalized
	Attachments []AttachmentDescriptor
}

// Document is an attachment persisted with a notice.
type Document struct {
	Name string
	URL  string
	Type AttachmentType
}

// StoredNotice is the durable record of a crawled notice, unique by URL.
type StoredNotice struct {
	ID         int64
	URL        string
	ExternalID string
	Title      string
	Body       string // display body with image sources rewritten to stored URLs
	SourceBody string // body as extracted, compared by the change detector
	Category   string
	AuthorID   string
	Tags       []string
	ImageURLs  []string
	Documents  []Document
	Deadline   *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Tag labels notices; names are unique and case-sensitive.
type Tag struct {
	ID   int64
	Name string
}

// Change is the outcome of comparing an extracted item with its stored revision.
type Change int

// Change kinds.
const (
	ChangeUnchanged Change = iota
	ChangeNew
	ChangeChanged
)

func (c Change) String() string {
	switch c {
	case ChangeNew:
		return "new"
	case ChangeChanged:
		return "changed"
	default:
		return "unchanged"
	}
}

// NotificationPayload is the content of a push notification.
type NotificationPayload struct {
	Title    string
	Body     string
	ImageURL string
}
