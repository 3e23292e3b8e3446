// Package extractor parses bulletin board listing and detail pages into
// typed records.
package extractor

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/text/unicode/norm"

	"notice_crawler/internal/model"
)

// ErrParse signals that a page does not have the expected structure.
var ErrParse = errors.New("unexpected page structure")

// Board markup. Listing rows are ordinal cells:
// number | category | title+link | author | date | ...
const (
	listingTableSelector = "table.board_list"
	listingRowSelector   = "tbody > tr"

	cellCategory = 1
	cellTitle    = 2
	cellAuthor   = 3
	cellDate     = 4

	detailContentSelector    = ".bd_detail_content"
	detailAttachmentSelector = ".bd_detail_file a"

	idParam = "no"

	// badges rendered inside the title anchor
	titleDecorations = "span.new, img, .blind"
)

// SkippedRowsError accompanies a non-empty listing result when some rows
// could not be parsed, such as pinned rows linking off the board.
type SkippedRowsError struct {
	Rows []error
}

func (e *SkippedRowsError) Error() string {
	return fmt.Sprintf("%d listing rows skipped: %v", len(e.Rows), errors.Join(e.Rows...))
}

// Pagination parameters are dropped from detail links so the same notice keeps
// one URL regardless of the listing page it was found on.
var volatileParams = []string{"page", "pager.offset", "offset"}

// ParseListingPage extracts listing entries from a board listing page.
// An empty table yields no entries. A missing table, or rows none of which
// parse, yields ErrParse. Malformed rows next to parsable ones are dropped and
// reported through *SkippedRowsError alongside the entries.
func ParseListingPage(body []byte, base *url.URL) ([]model.ListingEntry, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: parse html: %w", ErrParse, err)
	}

	table := doc.Find(listingTableSelector).First()
	if table.Length() == 0 {
		return nil, fmt.Errorf("%w: listing table %q not found", ErrParse, listingTableSelector)
	}

	var entries []model.ListingEntry
	var skipped []error
	table.Find(listingRowSelector).Each(func(i int, row *goquery.Selection) {
		cells := row.Find("td")
		if cells.Length() <= cellDate {
			// placeholder rows such as "no posts" span the whole table
			return
		}

		link := cells.Eq(cellTitle).Find("a[href]").First()
		href, _ := link.Attr("href")
		if href == "" {
			skipped = append(skipped, fmt.Errorf("%w: row %d has no detail link", ErrParse, i))
			return
		}
		detail, id, err := detailLink(base, href)
		if err != nil {
			skipped = append(skipped, fmt.Errorf("%w: row %d: %w", ErrParse, i, err))
			return
		}

		link.Find(titleDecorations).Remove()
		entry := model.ListingEntry{
			ExternalID: id,
			Title:      cleanText(link.Text()),
			Author:     cleanText(cells.Eq(cellAuthor).Text()),
			Category:   cleanText(cells.Eq(cellCategory).Text()),
			Published:  cleanText(cells.Eq(cellDate).Text()),
			URL:        detail,
		}
		if entry.Title == "" || entry.Published == "" {
			skipped = append(skipped, fmt.Errorf("%w: row %d is missing title or date", ErrParse, i))
			return
		}
		entries = append(entries, entry)
	})

	switch {
	case len(skipped) == 0:
		return entries, nil
	case len(entries) == 0:
		return nil, fmt.Errorf("%w: no parsable rows: %w", ErrParse, errors.Join(skipped...))
	default:
		return entries, &SkippedRowsError{Rows: skipped}
	}
}

// ParseDetailPage extracts the content markup and attachments of a detail page.
func ParseDetailPage(body []byte, base *url.URL) (*model.DetailContent, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: parse html: %w", ErrParse, err)
	}

	content := doc.Find(detailContentSelector).First()
	if content.Length() == 0 {
		return nil, fmt.Errorf("%w: content container %q not found", ErrParse, detailContentSelector)
	}
	inner, err := content.Html()
	if err != nil {
		return nil, fmt.Errorf("%w: render content: %w", ErrParse, err)
	}

	detail := &model.DetailContent{Body: NormalizeBody(inner)}

	doc.Find(detailAttachmentSelector).Each(func(_ int, a *goquery.Selection) {
		href, ok := a.Attr("href")
		if !ok || strings.TrimSpace(href) == "" {
			return
		}
		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			return
		}
		class, _ := a.Attr("class")
		detail.Attachments = append(detail.Attachments, model.AttachmentDescriptor{
			Name: cleanText(a.Text()),
			URL:  resolve(base, ref),
			Type: AttachmentTypeFromClass(class),
		})
	})

	return detail, nil
}

// AttachmentTypeFromClass maps the icon class of an attachment anchor to a type.
func AttachmentTypeFromClass(class string) model.AttachmentType {
	for _, token := range strings.Fields(strings.ToLower(class)) {
		token = strings.TrimPrefix(token, "ico_")
		token = strings.TrimPrefix(token, "icon-")
		switch token {
		case "doc", "docx", "pdf", "txt":
			return model.AttachmentDocument
		case "xls", "xlsx", "csv":
			return model.AttachmentSpreadsheet
		case "ppt", "pptx", "hwp", "hwpx":
			return model.AttachmentPresentation
		case "zip", "img", "jpg", "jpeg", "png", "gif":
			return model.AttachmentImageBundle
		}
	}
	return model.AttachmentOther
}

// NormalizeBody trims markup and converts it to Unicode NFC so bodies
// submitted by different editors compare equal.
func NormalizeBody(html string) string {
	return norm.NFC.String(strings.TrimSpace(html))
}

func detailLink(base *url.URL, href string) (string, string, error) {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", "", fmt.Errorf("parse link %q: %w", href, err)
	}
	abs := ref
	if base != nil {
		abs = base.ResolveReference(ref)
	}
	q := abs.Query()
	id := q.Get(idParam)
	if id == "" {
		return "", "", fmt.Errorf("link %q has no %q parameter", href, idParam)
	}
	for _, p := range volatileParams {
		q.Del(p)
	}
	abs.RawQuery = q.Encode()
	abs.Fragment = ""
	return abs.String(), id, nil
}

func resolve(base, ref *url.URL) string {
	if base == nil {
		return ref.String()
	}
	return base.ResolveReference(ref).String()
}

func cleanText(s string) string {
	return norm.NFC.String(strings.Join(strings.Fields(s), " "))
}
