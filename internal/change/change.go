// Package change classifies a freshly extracted notice against its stored
// revision.
package change

import "notice_crawler/internal/model"

// Snapshot is the comparable part of an extracted notice.
type Snapshot struct {
	Title string
	Body  string // normalized body before image rewriting
}

// Classify reports whether s is new, changed or unchanged relative to prior.
// A nil prior means the URL has never been stored.
func Classify(s Snapshot, prior *model.StoredNotice) model.Change {
	if prior == nil {
		return model.ChangeNew
	}
	if s.Title != prior.Title || s.Body != prior.SourceBody {
		return model.ChangeChanged
	}
	return model.ChangeUnchanged
}
