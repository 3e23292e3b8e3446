// Package ingest runs the crawl job: it walks the board listing, classifies
// every entry against the stored notices, persists new and changed notices and
// announces new ones.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"notice_crawler/internal/change"
	"notice_crawler/internal/clock"
	"notice_crawler/internal/config"
	"notice_crawler/internal/deadline"
	"notice_crawler/internal/extractor"
	"notice_crawler/internal/fetcher"
	"notice_crawler/internal/media"
	"notice_crawler/internal/model"
	"notice_crawler/internal/storage"
)

const (
	defaultTag = "academic"

	// consecutive unparsable listing pages before the walk gives up
	maxParseFailures = 3

	dispatchTimeout = 15 * time.Second
)

// Item stages, reported when an item fails.
const (
	stateFetchingDetail = "fetching_detail"
	stateClassifying    = "classifying"
	stateMaterializing  = "materializing"
	statePersisting     = "persisting"
	stateNotifying      = "notifying"
)

// Store is the persistence used by the orchestrator.
type Store interface {
	FindNoticeByURL(ctx context.Context, url string) (*model.StoredNotice, error)
	UpsertNotice(ctx context.Context, n *model.StoredNotice) (int64, bool, error)
	FindOrCreateTags(ctx context.Context, names []string) ([]model.Tag, error)
	FindOrCreateSyntheticUser(ctx context.Context, label string) (string, error)
	AllPushTokens(ctx context.Context) ([]string, error)
	PushTokensForNoticeSubscribers(ctx context.Context, noticeID int64) ([]string, error)
}

// PageFetcher downloads listing and detail pages.
type PageFetcher interface {
	Fetch(ctx context.Context, url string) (*fetcher.Page, error)
}

// Materializer copies embedded images into the media store.
type Materializer interface {
	Materialize(ctx context.Context, html, label string, base *url.URL) (string, []string, error)
}

// ImageRemover deletes images that are no longer referenced.
type ImageRemover interface {
	DeleteImages(ctx context.Context, urls []string) error
}

// Notifier delivers a payload to a token set.
type Notifier interface {
	Dispatch(ctx context.Context, payload model.NotificationPayload, tokens []string, deepLink string) error
}

// Options bound and shape a run.
type Options struct {
	BoardURL       string
	ListingFormat  string
	PageParam      string
	MaxItems       int
	RunBudget      time.Duration
	Concurrency    int
	DeepLinkPrefix string
	ChangedNotify  string
	Location       *time.Location
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Fetcher      PageFetcher
	Store        Store
	Materializer Materializer
	Images       ImageRemover
	Notifier     Notifier
	Detector     deadline.Detector
	Clock        clock.Clock
	Log          *slog.Logger
}

// Report summarizes one run.
type Report struct {
	Pages       int
	PagesFailed int
	Seen        int
	New         int
	Changed     int
	Unchanged   int
	Failed      int
	Notified    int
	Truncated   bool
	Duration    time.Duration
}

// Orchestrator is the crawl job.
type Orchestrator struct {
	opts Options
	deps Deps

	mu     sync.Mutex
	report Report
}

// New creates an Orchestrator. Zero options fall back to the defaults of the
// configuration package.
func New(opts Options, deps Deps) *Orchestrator {
	if opts.ListingFormat == "" {
		opts.ListingFormat = config.FormatHTML
	}
	if opts.PageParam == "" {
		opts.PageParam = "page"
	}
	if opts.MaxItems <= 0 {
		opts.MaxItems = 100
	}
	if opts.RunBudget <= 0 {
		opts.RunBudget = 60 * time.Second
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if deps.Detector == nil {
		deps.Detector = deadline.Scanner{}
	}
	if deps.Clock == nil {
		deps.Clock = clock.System{}
	}
	return &Orchestrator{opts: opts, deps: deps}
}

// Run performs one crawl. It never fails: item errors are logged and counted,
// and a run cut short by its budget resumes on the next invocation.
func (o *Orchestrator) Run(ctx context.Context) Report {
	start := o.deps.Clock.Now()

	o.mu.Lock()
	o.report = Report{}
	o.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, o.opts.RunBudget)
	defer cancel()

	var g errgroup.Group
	g.SetLimit(o.opts.Concurrency)

	seen := make(map[string]bool)
	o.walk(ctx, func(e model.ListingEntry) bool {
		if seen[e.URL] {
			return true
		}
		seen[e.URL] = true
		o.count(func(r *Report) { r.Seen++ })

		g.Go(func() error {
			o.processItem(ctx, e)
			return nil
		})
		return len(seen) < o.opts.MaxItems
	}, seen)
	_ = g.Wait()

	o.mu.Lock()
	defer o.mu.Unlock()
	if ctx.Err() != nil {
		o.report.Truncated = true
	}
	o.report.Duration = o.deps.Clock.Now().Sub(start)
	r := o.report

	o.deps.Log.Info("ingest run finished",
		"pages", r.Pages,
		"pages_failed", r.PagesFailed,
		"seen", r.Seen,
		"new", r.New,
		"changed", r.Changed,
		"unchanged", r.Unchanged,
		"failed", r.Failed,
		"notified", r.Notified,
		"truncated", r.Truncated,
		"duration", r.Duration,
	)
	return r
}

// walk feeds listing entries to visit until visit returns false, the listing
// is exhausted or ctx is done.
func (o *Orchestrator) walk(ctx context.Context, visit func(model.ListingEntry) bool, seen map[string]bool) {
	if o.opts.ListingFormat == config.FormatRSS {
		entries, err := o.fetchListing(ctx, o.opts.BoardURL, 1)
		if err != nil {
			return
		}
		for _, e := range entries {
			if ctx.Err() != nil || !visit(e) {
				return
			}
		}
		return
	}

	parseFailures := 0
	for page := 1; ctx.Err() == nil; page++ {
		pageURL, err := o.pageURL(page)
		if err != nil {
			o.deps.Log.Error("build listing url", "board_url", o.opts.BoardURL, "error", err)
			return
		}

		entries, err := o.fetchListing(ctx, pageURL, page)
		switch {
		case errors.Is(err, extractor.ErrParse):
			parseFailures++
			if parseFailures >= maxParseFailures {
				o.deps.Log.Error("stop listing walk after repeated parse failures", "page", page)
				return
			}
			continue
		case err != nil:
			return
		}
		parseFailures = 0

		if len(entries) == 0 {
			o.deps.Log.Debug("listing exhausted", "page", page)
			return
		}

		fresh := 0
		for _, e := range entries {
			if !seen[e.URL] {
				fresh++
			}
			if ctx.Err() != nil || !visit(e) {
				return
			}
		}
		// boards that clamp out-of-range pages repeat the last one
		if fresh == 0 {
			return
		}
	}
}

func (o *Orchestrator) fetchListing(ctx context.Context, pageURL string, page int) ([]model.ListingEntry, error) {
	log := o.deps.Log.With("url", pageURL, "page", page)

	p, err := o.deps.Fetcher.Fetch(ctx, pageURL)
	if err != nil {
		if errors.Is(err, fetcher.ErrTimeout) {
			log.Warn("listing fetch timed out, ending run", "error", err)
		} else {
			log.Error("fetch listing", "error", err)
		}
		return nil, err
	}
	o.count(func(r *Report) { r.Pages++ })

	var entries []model.ListingEntry
	if o.opts.ListingFormat == config.FormatRSS {
		entries, err = extractor.ParseListingFeed(p.Body)
	} else {
		base, _ := url.Parse(pageURL)
		entries, err = extractor.ParseListingPage(p.Body, base)
	}
	var skipped *extractor.SkippedRowsError
	if errors.As(err, &skipped) {
		log.Warn("skipped malformed listing rows", "rows", len(skipped.Rows), "error", err)
		err = nil
	}
	if err != nil {
		log.Error("parse listing, skipping page", "error", err)
		o.count(func(r *Report) { r.PagesFailed++ })
		return nil, err
	}
	log.Debug("listing page parsed", "entries", len(entries))
	return entries, nil
}

func (o *Orchestrator) pageURL(page int) (string, error) {
	u, err := url.Parse(o.opts.BoardURL)
	if err != nil {
		return "", fmt.Errorf("parse board url: %w", err)
	}
	q := u.Query()
	q.Set(o.opts.PageParam, strconv.Itoa(page))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (o *Orchestrator) processItem(ctx context.Context, e model.ListingEntry) {
	log := o.deps.Log.With("url", e.URL, "external_id", e.ExternalID)

	state, err := o.ingest(ctx, e, log)
	if err != nil {
		o.count(func(r *Report) { r.Failed++ })
		log.Error("ingest item", "state", state, "error", err)
	}
}

// ingest moves one entry through fetch, classify, materialize, persist and
// notify. It returns the stage it failed in.
func (o *Orchestrator) ingest(ctx context.Context, e model.ListingEntry, log *slog.Logger) (string, error) {
	base, err := url.Parse(e.URL)
	if err != nil {
		return stateFetchingDetail, fmt.Errorf("parse detail url: %w", err)
	}
	page, err := o.deps.Fetcher.Fetch(ctx, e.URL)
	if err != nil {
		return stateFetchingDetail, err
	}
	detail, err := extractor.ParseDetailPage(page.Body, base)
	if err != nil {
		return stateFetchingDetail, err
	}

	prior, err := o.deps.Store.FindNoticeByURL(ctx, e.URL)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return stateClassifying, fmt.Errorf("find prior notice: %w", err)
	}
	kind := change.Classify(change.Snapshot{Title: e.Title, Body: detail.Body}, prior)
	log.Debug("classified", "change", kind)
	if kind == model.ChangeUnchanged {
		o.count(func(r *Report) { r.Unchanged++ })
		return "", nil
	}

	author, err := o.deps.Store.FindOrCreateSyntheticUser(ctx, authorLabel(e))
	if err != nil {
		return stateMaterializing, fmt.Errorf("resolve author: %w", err)
	}
	tags, err := o.deps.Store.FindOrCreateTags(ctx, []string{defaultTag, e.Category})
	if err != nil {
		return stateMaterializing, fmt.Errorf("resolve tags: %w", err)
	}
	body, images, err := o.deps.Materializer.Materialize(ctx, detail.Body, media.NameKey(e.ExternalID)+" "+e.Title, base)
	if err != nil {
		return stateMaterializing, err
	}

	createdAt := o.createdAt(e.Published, log)
	notice := &model.StoredNotice{
		URL:        e.URL,
		ExternalID: e.ExternalID,
		Title:      e.Title,
		Body:       body,
		SourceBody: detail.Body,
		Category:   e.Category,
		AuthorID:   author,
		Tags:       tagNames(tags),
		ImageURLs:  images,
		Documents:  documents(detail.Attachments),
		Deadline:   o.deps.Detector.Detect(extractor.PlainText(detail.Body), createdAt),
		CreatedAt:  createdAt,
	}

	id, created, err := o.deps.Store.UpsertNotice(ctx, notice)
	if err != nil {
		return statePersisting, err
	}
	if kind == model.ChangeChanged {
		o.count(func(r *Report) { r.Changed++ })
		o.removeStaleImages(ctx, prior.ImageURLs, images, log)
	} else {
		o.count(func(r *Report) { r.New++ })
	}
	log.Info("notice stored", "notice_id", id, "change", kind, "created", created, "images", len(images))

	// delivery outlives the run budget once the notice is committed
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dispatchTimeout)
	defer cancel()

	switch {
	case kind == model.ChangeNew && created:
		tokens, err := o.deps.Store.AllPushTokens(nctx)
		if err != nil {
			return stateNotifying, fmt.Errorf("load push tokens: %w", err)
		}
		o.notify(nctx, newNoticePayload(notice), tokens, id, log)
	case kind == model.ChangeChanged && o.opts.ChangedNotify == config.ChangedNotifyReminders:
		tokens, err := o.deps.Store.PushTokensForNoticeSubscribers(nctx, id)
		if err != nil {
			return stateNotifying, fmt.Errorf("load reminder subscribers: %w", err)
		}
		o.notify(nctx, updatedNoticePayload(notice), tokens, id, log)
	}
	return "", nil
}

func (o *Orchestrator) notify(ctx context.Context, payload model.NotificationPayload, tokens []string, id int64, log *slog.Logger) {
	if len(tokens) == 0 {
		return
	}
	if err := o.deps.Notifier.Dispatch(ctx, payload, tokens, o.DeepLink(id)); err != nil {
		log.Warn("notification partially failed", "notice_id", id, "error", err)
	}
	o.count(func(r *Report) { r.Notified++ })
}

func (o *Orchestrator) removeStaleImages(ctx context.Context, before, after []string, log *slog.Logger) {
	if o.deps.Images == nil {
		return
	}
	keep := make(map[string]bool, len(after))
	for _, u := range after {
		keep[u] = true
	}
	var stale []string
	for _, u := range before {
		if !keep[u] {
			stale = append(stale, u)
		}
	}
	if len(stale) == 0 {
		return
	}
	if err := o.deps.Images.DeleteImages(ctx, stale); err != nil {
		log.Warn("delete stale images", "count", len(stale), "error", err)
	}
}

// DeepLink returns the in-app path of a notice.
func (o *Orchestrator) DeepLink(id int64) string {
	return o.opts.DeepLinkPrefix + strconv.FormatInt(id, 10)
}

var publishedLayouts = []string{"2006.01.02", "2006-01-02", "2006/01/02", "2006.1.2"}

// createdAt combines the source's calendar date with the time of day of the
// run. Feed timestamps carry their own time and are kept as is.
func (o *Orchestrator) createdAt(published string, log *slog.Logger) time.Time {
	now := o.deps.Clock.Now().In(o.opts.Location)
	published = strings.TrimSpace(published)

	if t, err := time.Parse(time.RFC3339, published); err == nil {
		return t.In(o.opts.Location)
	}
	for _, layout := range publishedLayouts {
		d, err := time.ParseInLocation(layout, published, o.opts.Location)
		if err != nil {
			continue
		}
		return time.Date(d.Year(), d.Month(), d.Day(), now.Hour(), now.Minute(), now.Second(), 0, o.opts.Location)
	}
	log.Warn("unparsable published date, using run time", "published", published)
	return now
}

func (o *Orchestrator) count(f func(r *Report)) {
	o.mu.Lock()
	f(&o.report)
	o.mu.Unlock()
}

func authorLabel(e model.ListingEntry) string {
	author := e.Author
	if author == "" {
		author = "Unknown"
	}
	if e.Category == "" {
		return author
	}
	return fmt.Sprintf("%s (%s)", author, e.Category)
}

func tagNames(tags []model.Tag) []string {
	names := make([]string, 0, len(tags))
	for _, t := range tags {
		names = append(names, t.Name)
	}
	return names
}

func documents(atts []model.AttachmentDescriptor) []model.Document {
	if len(atts) == 0 {
		return nil
	}
	docs := make([]model.Document, 0, len(atts))
	for _, a := range atts {
		docs = append(docs, model.Document{Name: a.Name, URL: a.URL, Type: a.Type})
	}
	return docs
}

func newNoticePayload(n *model.StoredNotice) model.NotificationPayload {
	return model.NotificationPayload{
		Title:    "New notice",
		Body:     n.Title,
		ImageURL: firstImage(n.ImageURLs),
	}
}

func updatedNoticePayload(n *model.StoredNotice) model.NotificationPayload {
	return model.NotificationPayload{
		Title:    "Notice updated",
		Body:     n.Title,
		ImageURL: firstImage(n.ImageURLs),
	}
}

func firstImage(urls []string) string {
	if len(urls) == 0 {
		return ""
	}
	return urls[0]
}
