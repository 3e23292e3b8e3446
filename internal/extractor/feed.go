package extractor

import (
	"fmt"
	"net/url"
	"time"

	"github.com/mmcdole/gofeed"

	"notice_crawler/internal/model"
)

// ParseListingFeed extracts listing entries from an RSS or Atom export of the
// board. Items without a detail link are skipped.
func ParseListingFeed(body []byte) ([]model.ListingEntry, error) {
	feed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		return nil, fmt.Errorf("%w: parse feed: %w", ErrParse, err)
	}

	entries := make([]model.ListingEntry, 0, len(feed.Items))
	for _, item := range feed.Items {
		if item.Link == "" {
			continue
		}
		link, id, err := detailLink(nil, item.Link)
		if err != nil {
			// feeds may link without the board id; fall back to the GUID
			if item.GUID == "" {
				return nil, fmt.Errorf("%w: item %q: %w", ErrParse, item.Title, err)
			}
			id = item.GUID
			if u, perr := url.Parse(item.Link); perr == nil {
				link = u.String()
			} else {
				link = item.Link
			}
		}

		entry := model.ListingEntry{
			ExternalID: id,
			Title:      cleanText(item.Title),
			URL:        link,
			Published:  item.Published,
		}
		if item.PublishedParsed != nil {
			entry.Published = item.PublishedParsed.Format(time.RFC3339)
		}
		if len(item.Categories) > 0 {
			entry.Category = cleanText(item.Categories[0])
		}
		switch {
		case item.Author != nil:
			entry.Author = cleanText(item.Author.Name)
		case len(item.Authors) > 0 && item.Authors[0] != nil:
			entry.Author = cleanText(item.Authors[0].Name)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
