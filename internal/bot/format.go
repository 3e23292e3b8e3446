package bot

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"notice_crawler/internal/extractor"
	"notice_crawler/internal/model"
)

const previewRunes = 500

// FormatNotice formats a stored notice for display in chat. Dates are shown
// in loc; a nil loc means UTC.
func FormatNotice(n *model.StoredNotice, linkBase string, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	var b strings.Builder
	fmt.Fprintf(&b, "#%d %s\n", n.ID, n.Title)
	if n.Category != "" {
		fmt.Fprintf(&b, "Category: %s\n", n.Category)
	}
	fmt.Fprintf(&b, "Posted: %s\n", n.CreatedAt.In(loc).Format("2006-01-02"))
	if n.Deadline != nil {
		fmt.Fprintf(&b, "Deadline: %s\n", n.Deadline.In(loc).Format("2006-01-02"))
	}

	if preview := extractor.Preview(n.Body, previewRunes); preview != "" {
		b.WriteString("\n")
		b.WriteString(preview)
		b.WriteString("\n")
	}

	if len(n.Documents) > 0 {
		b.WriteString("\nAttachments:\n")
		for _, d := range n.Documents {
			fmt.Fprintf(&b, "  %s (%s): %s\n", d.Name, d.Type, d.URL)
		}
	}

	b.WriteString("\n")
	if linkBase != "" {
		b.WriteString(linkBase + strconv.FormatInt(n.ID, 10))
	} else {
		b.WriteString(n.URL)
	}
	return b.String()
}
