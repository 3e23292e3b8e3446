// Package media copies images embedded in notice markup into the media store
// and rewrites the markup to point at the stored copies.
package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/url"
	"path"
	"strings"
	"sync"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/sync/semaphore"

	"notice_crawler/internal/fetcher"
)

// ErrUpload is returned when the media store rejects a batch.
var ErrUpload = errors.New("media upload failed")

const (
	defaultConcurrency = 3
	maxLabelRunes      = 40
	maxPlainKeyLen     = 10
	hashedKeyBytes     = 6
)

// Object is an image ready to be stored.
type Object struct {
	Name        string
	Data        []byte
	ContentType string
}

// Store persists images and returns their durable URLs in input order.
type Store interface {
	StoreImages(ctx context.Context, objects []Object) ([]string, error)
	DeleteImages(ctx context.Context, urls []string) error
}

// PageFetcher downloads a single resource.
type PageFetcher interface {
	Fetch(ctx context.Context, url string) (*fetcher.Page, error)
}

// Materializer fetches embedded images and hands them to a Store.
type Materializer struct {
	fetcher     PageFetcher
	store       Store
	log         *slog.Logger
	concurrency int64
}

// NewMaterializer creates a Materializer fetching at most concurrency images
// at a time.
func NewMaterializer(f PageFetcher, store Store, log *slog.Logger, concurrency int) *Materializer {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Materializer{
		fetcher:     f,
		store:       store,
		log:         log,
		concurrency: int64(concurrency),
	}
}

type fetched struct {
	page *fetcher.Page
	ext  string
	err  error
}

// Materialize stores every image referenced by html and returns the rewritten
// markup together with the stored URLs in document order. Relative sources are
// resolved against base. An image that cannot be fetched is dropped and keeps
// its original source; a failed upload fails the whole call with ErrUpload.
// Stored names are derived from label, which should start with NameKey.
func (m *Materializer) Materialize(ctx context.Context, html, label string, base *url.URL) (string, []string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", nil, fmt.Errorf("parse content: %w", err)
	}

	imgs := doc.Find("img[src]")
	if imgs.Length() == 0 {
		return html, nil, nil
	}

	// unique absolute sources in document order
	var sources []string
	index := make(map[string]int)
	imgs.Each(func(_ int, img *goquery.Selection) {
		src, ok := resolveSource(img, base)
		if !ok {
			return
		}
		if _, seen := index[src]; !seen {
			index[src] = len(sources)
			sources = append(sources, src)
		}
	})
	if len(sources) == 0 {
		return html, nil, nil
	}

	results := m.fetchAll(ctx, sources)

	prefix := SanitizeLabel(label)
	var objects []Object
	stored := make(map[string]int) // source -> position in objects
	for i, src := range sources {
		r := results[i]
		if r.err != nil {
			m.log.Warn("drop image", "url", src, "error", r.err)
			continue
		}
		stored[src] = len(objects)
		objects = append(objects, Object{
			Name:        fmt.Sprintf("%s-%d%s", prefix, i+1, r.ext),
			Data:        r.page.Body,
			ContentType: r.page.ContentType,
		})
	}
	if len(objects) == 0 {
		return html, nil, nil
	}

	urls, err := m.store.StoreImages(ctx, objects)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %w", ErrUpload, err)
	}
	if len(urls) != len(objects) {
		return "", nil, fmt.Errorf("%w: stored %d of %d images", ErrUpload, len(urls), len(objects))
	}

	imgs.Each(func(_ int, img *goquery.Selection) {
		src, ok := resolveSource(img, base)
		if !ok {
			return
		}
		if pos, ok := stored[src]; ok {
			img.SetAttr("src", urls[pos])
		}
	})

	rewritten, err := doc.Find("body").Html()
	if err != nil {
		return "", nil, fmt.Errorf("render content: %w", err)
	}
	return strings.TrimSpace(rewritten), urls, nil
}

func (m *Materializer) fetchAll(ctx context.Context, sources []string) []fetched {
	results := make([]fetched, len(sources))
	sem := semaphore.NewWeighted(m.concurrency)
	var wg sync.WaitGroup

	for i, src := range sources {
		if err := sem.Acquire(ctx, 1); err != nil {
			for j := i; j < len(sources); j++ {
				results[j].err = err
			}
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			results[i] = m.fetchOne(ctx, src)
		}()
	}
	wg.Wait()
	return results
}

func (m *Materializer) fetchOne(ctx context.Context, src string) fetched {
	page, err := m.fetcher.Fetch(ctx, src)
	if err != nil {
		return fetched{err: err}
	}
	ext, ok := imageExtension(page.ContentType, src)
	if !ok {
		return fetched{err: fmt.Errorf("not an image: content type %q", page.ContentType)}
	}
	return fetched{page: page, ext: ext}
}

func resolveSource(img *goquery.Selection, base *url.URL) (string, bool) {
	raw := strings.TrimSpace(img.AttrOr("src", ""))
	if raw == "" || strings.HasPrefix(raw, "data:") {
		return "", false
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	if base != nil {
		ref = base.ResolveReference(ref)
	}
	if ref.Scheme != "http" && ref.Scheme != "https" {
		return "", false
	}
	return ref.String(), true
}

var extensions = map[string]string{
	"image/jpeg":    ".jpg",
	"image/jpg":     ".jpg",
	"image/png":     ".png",
	"image/gif":     ".gif",
	"image/webp":    ".webp",
	"image/bmp":     ".bmp",
	"image/svg+xml": ".svg",
}

// imageExtension derives a file extension from the response content type.
// Generic binary responses fall back to the extension of the source path.
func imageExtension(contentType, src string) (string, bool) {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(contentType))
	}
	if ext, ok := extensions[mediaType]; ok {
		return ext, true
	}
	if strings.HasPrefix(mediaType, "image/") {
		if exts, _ := mime.ExtensionsByType(mediaType); len(exts) > 0 {
			return exts[0], true
		}
		return ".img", true
	}
	if mediaType == "application/octet-stream" || mediaType == "" {
		if u, err := url.Parse(src); err == nil {
			ext := strings.ToLower(path.Ext(u.Path))
			for _, known := range extensions {
				if ext == known || ext == ".jpeg" {
					return ext, true
				}
			}
		}
	}
	return "", false
}

// NameKey returns a short component unique to a notice for prefixing its
// image names. Short alphanumeric ids are used as is; anything else, such as
// a feed GUID, is replaced by a truncated SHA-256 in hex.
func NameKey(externalID string) string {
	id := strings.ToLower(externalID)
	if id != "" && len(id) <= maxPlainKeyLen && strings.IndexFunc(id, notKeyRune) < 0 {
		return id
	}
	sum := sha256.Sum256([]byte(externalID))
	return hex.EncodeToString(sum[:hashedKeyBytes])
}

func notKeyRune(r rune) bool {
	return (r < 'a' || r > 'z') && (r < '0' || r > '9')
}

// SanitizeLabel turns a notice label into a file-name-safe prefix.
func SanitizeLabel(label string) string {
	var b strings.Builder
	dash := false
	n := 0
	for _, r := range strings.ToLower(label) {
		if n >= maxLabelRunes {
			break
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			dash = false
			n++
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
			n++
		}
	}
	out := strings.TrimSuffix(b.String(), "-")
	if out == "" {
		return "image"
	}
	return out
}
