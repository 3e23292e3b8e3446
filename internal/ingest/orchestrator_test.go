package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"notice_crawler/internal/clock"
	"notice_crawler/internal/config"
	"notice_crawler/internal/fetcher"
	"notice_crawler/internal/media"
	"notice_crawler/internal/model"
	"notice_crawler/internal/storage"
)

const (
	boardURL  = "https://www.example.ac.kr/board/list.do"
	noticeURL = "https://www.example.ac.kr/board/view.do?mode=V&no=4521"
)

var kst = time.FixedZone("KST", 9*60*60)

// --- fakes ---

type fakeWeb struct {
	mu    sync.Mutex
	pages map[string]*fetcher.Page
	errs  map[string]error
	block map[string]bool
	calls []string
}

func newFakeWeb() *fakeWeb {
	return &fakeWeb{
		pages: map[string]*fetcher.Page{},
		errs:  map[string]error{},
		block: map[string]bool{},
	}
}

func (w *fakeWeb) set(u, body string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pages[u] = &fetcher.Page{Body: []byte(body), ContentType: "text/html; charset=utf-8"}
}

func (w *fakeWeb) setImage(u, data string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pages[u] = &fetcher.Page{Body: []byte(data), ContentType: "image/png"}
}

func (w *fakeWeb) Fetch(ctx context.Context, u string) (*fetcher.Page, error) {
	w.mu.Lock()
	w.calls = append(w.calls, u)
	blocked := w.block[u]
	p, ok := w.pages[u]
	err := w.errs[u]
	w.mu.Unlock()

	if blocked {
		<-ctx.Done()
		return nil, fmt.Errorf("%w: %s", fetcher.ErrTimeout, u)
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: status 404", fetcher.ErrFetch)
	}
	return p, nil
}

type fakeMedia struct {
	mu      sync.Mutex
	stored  []string
	deleted []string
}

func (m *fakeMedia) StoreImages(_ context.Context, objects []media.Object) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var urls []string
	for _, o := range objects {
		m.stored = append(m.stored, o.Name)
		urls = append(urls, "https://media.example.com/"+o.Name)
	}
	return urls, nil
}

func (m *fakeMedia) DeleteImages(_ context.Context, urls []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, urls...)
	return nil
}

type dispatchCall struct {
	Payload  model.NotificationPayload
	Tokens   []string
	DeepLink string
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []dispatchCall
}

func (n *fakeNotifier) Dispatch(_ context.Context, payload model.NotificationPayload, tokens []string, deepLink string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, dispatchCall{Payload: payload, Tokens: tokens, DeepLink: deepLink})
	return nil
}

func (n *fakeNotifier) getCalls() []dispatchCall {
	n.mu.Lock()
	defer n.mu.Unlock()
	cp := make([]dispatchCall, len(n.calls))
	copy(cp, n.calls)
	return cp
}

// --- fixtures ---

type row struct {
	no, category, title, author, date string
}

func listingHTML(rows ...row) string {
	var b strings.Builder
	b.WriteString(`<html><body><table class="board_list"><thead><tr><th>No</th><th>Category</th><th>Title</th><th>Author</th><th>Date</th></tr></thead><tbody>`)
	for _, r := range rows {
		fmt.Fprintf(&b, `<tr><td>%s</td><td>%s</td><td><a href="view.do?mode=V&amp;no=%s&amp;page=1">%s</a></td><td>%s</td><td>%s</td><td>1</td></tr>`,
			r.no, r.category, r.no, r.title, r.author, r.date)
	}
	b.WriteString(`</tbody></table></body></html>`)
	return b.String()
}

func detailHTML(content string) string {
	return `<html><body><div class="bd_detail"><div class="bd_detail_content">` + content + `</div></div></body></html>`
}

func pageURL(n int) string {
	return fmt.Sprintf("%s?page=%d", boardURL, n)
}

func detailURL(no string) string {
	return "https://www.example.ac.kr/board/view.do?mode=V&no=" + no
}

var midterm = row{no: "4521", category: "Academic", title: "Midterm Notice", author: "Academic Affairs", date: "2024.03.11"}

type testEnv struct {
	store    *storage.SQLite
	web      *fakeWeb
	media    *fakeMedia
	notifier *fakeNotifier
	orch     *Orchestrator
}

func newTestEnv(t *testing.T, tweak func(*Options)) *testEnv {
	t.Helper()
	store, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	env := &testEnv{
		store:    store,
		web:      newFakeWeb(),
		media:    &fakeMedia{},
		notifier: &fakeNotifier{},
	}
	env.orch = newOrchestrator(env, tweak)

	for _, tok := range []string{"100", "200"} {
		if err := store.AddPushToken(context.Background(), tok); err != nil {
			t.Fatalf("add token: %v", err)
		}
	}
	return env
}

func newOrchestrator(env *testEnv, tweak func(*Options)) *Orchestrator {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts := Options{
		BoardURL:       boardURL,
		ListingFormat:  config.FormatHTML,
		PageParam:      "page",
		MaxItems:       100,
		RunBudget:      5 * time.Second,
		Concurrency:    4,
		DeepLinkPrefix: "/root/article?id=",
		ChangedNotify:  config.ChangedNotifyNone,
		Location:       kst,
	}
	if tweak != nil {
		tweak(&opts)
	}
	return New(opts, Deps{
		Fetcher:      env.web,
		Store:        env.store,
		Materializer: media.NewMaterializer(env.web, env.media, log, 2),
		Images:       env.media,
		Notifier:     env.notifier,
		Clock:        clock.Fixed(time.Date(2024, 3, 12, 5, 30, 0, 0, time.UTC)),
		Log:          log,
	})
}

func (e *testEnv) serveMidterm(content string) {
	e.web.set(pageURL(1), listingHTML(midterm))
	e.web.set(pageURL(2), listingHTML())
	e.web.set(detailURL("4521"), detailHTML(content))
}

// --- tests ---

func TestRunScenarioNewThenUnchanged(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	env.serveMidterm("<p>Exams start Monday</p>")

	report := env.orch.Run(ctx)
	if diff := cmp.Diff(Report{Pages: 2, Seen: 1, New: 1, Notified: 1}, report); diff != "" {
		t.Errorf("first run report mismatch (-want +got):\n%s", diff)
	}

	n, err := env.store.FindNoticeByURL(ctx, noticeURL)
	if err != nil {
		t.Fatalf("find notice: %v", err)
	}
	if diff := cmp.Diff("4521", n.ExternalID); diff != "" {
		t.Errorf("external id mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"academic", "Academic"}, n.Tags, cmpopts.SortSlices(func(a, b string) bool { return a < b })); diff != "" {
		t.Errorf("tags mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff("<p>Exams start Monday</p>", n.Body); diff != "" {
		t.Errorf("body mismatch (-want +got):\n%s", diff)
	}

	wantCalls := []dispatchCall{{
		Payload:  model.NotificationPayload{Title: "New notice", Body: "Midterm Notice"},
		Tokens:   []string{"100", "200"},
		DeepLink: fmt.Sprintf("/root/article?id=%d", n.ID),
	}}
	if diff := cmp.Diff(wantCalls, env.notifier.getCalls()); diff != "" {
		t.Errorf("dispatch calls mismatch (-want +got):\n%s", diff)
	}

	report = env.orch.Run(ctx)
	if diff := cmp.Diff(Report{Pages: 2, Seen: 1, Unchanged: 1}, report); diff != "" {
		t.Errorf("second run report mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(1, len(env.notifier.getCalls())); diff != "" {
		t.Errorf("second run must not dispatch (-want +got):\n%s", diff)
	}
	if _, err := env.store.GetNotice(ctx, n.ID+1); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("second run must not create another notice, got %v", err)
	}
}

func TestRunCreatedAtUsesRunTimeOfDay(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	env.serveMidterm("<p>Exams start Monday</p>")

	env.orch.Run(ctx)

	n, err := env.store.FindNoticeByURL(ctx, noticeURL)
	if err != nil {
		t.Fatalf("find notice: %v", err)
	}
	// run at 14:30 KST on the 12th, source date the 11th
	want := time.Date(2024, 3, 11, 14, 30, 0, 0, kst)
	if !n.CreatedAt.Equal(want) {
		t.Errorf("created at = %v, want %v", n.CreatedAt, want)
	}
}

func TestRunChangedIsSilent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	env.serveMidterm("<p>Exams start Monday</p>")
	env.orch.Run(ctx)

	env.web.set(detailURL("4521"), detailHTML("<p>Exams start Tuesday</p>"))
	report := env.orch.Run(ctx)

	if diff := cmp.Diff(Report{Pages: 2, Seen: 1, Changed: 1}, report); diff != "" {
		t.Errorf("report mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(1, len(env.notifier.getCalls())); diff != "" {
		t.Errorf("changed item must not broadcast (-want +got):\n%s", diff)
	}
	n, err := env.store.FindNoticeByURL(ctx, noticeURL)
	if err != nil {
		t.Fatalf("find notice: %v", err)
	}
	if diff := cmp.Diff("<p>Exams start Tuesday</p>", n.SourceBody); diff != "" {
		t.Errorf("source body mismatch (-want +got):\n%s", diff)
	}
}

func TestRunChangedNotifiesReminderSubscribers(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, func(o *Options) { o.ChangedNotify = config.ChangedNotifyReminders })
	env.serveMidterm("<p>Exams start Monday</p>")
	env.orch.Run(ctx)

	n, err := env.store.FindNoticeByURL(ctx, noticeURL)
	if err != nil {
		t.Fatalf("find notice: %v", err)
	}
	if err := env.store.AddReminder(ctx, n.ID, "200"); err != nil {
		t.Fatalf("add reminder: %v", err)
	}

	env.web.set(pageURL(1), listingHTML(row{no: "4521", category: "Academic", title: "Midterm Notice (room change)", author: "Academic Affairs", date: "2024.03.11"}))
	env.orch.Run(ctx)

	calls := env.notifier.getCalls()
	if diff := cmp.Diff(2, len(calls)); diff != "" {
		t.Fatalf("dispatch count mismatch (-want +got):\n%s", diff)
	}
	want := dispatchCall{
		Payload:  model.NotificationPayload{Title: "Notice updated", Body: "Midterm Notice (room change)"},
		Tokens:   []string{"200"},
		DeepLink: fmt.Sprintf("/root/article?id=%d", n.ID),
	}
	if diff := cmp.Diff(want, calls[1]); diff != "" {
		t.Errorf("scoped dispatch mismatch (-want +got):\n%s", diff)
	}
}

func TestRunKeepsItemWhenOneImageFails(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	env.serveMidterm(`<p>Map</p><img src="/upload/a.png"/><img src="/upload/missing.png"/><img src="/upload/c.png"/>`)
	env.web.setImage("https://www.example.ac.kr/upload/a.png", "a")
	env.web.setImage("https://www.example.ac.kr/upload/c.png", "c")

	report := env.orch.Run(ctx)
	if diff := cmp.Diff(1, report.New); diff != "" {
		t.Errorf("new count mismatch (-want +got):\n%s", diff)
	}

	n, err := env.store.FindNoticeByURL(ctx, noticeURL)
	if err != nil {
		t.Fatalf("find notice: %v", err)
	}
	want := []string{
		"https://media.example.com/4521-midterm-notice-1.png",
		"https://media.example.com/4521-midterm-notice-3.png",
	}
	if diff := cmp.Diff(want, n.ImageURLs); diff != "" {
		t.Errorf("image URLs mismatch (-want +got):\n%s", diff)
	}

	calls := env.notifier.getCalls()
	if len(calls) != 1 {
		t.Fatalf("expected one broadcast, got %d", len(calls))
	}
	if diff := cmp.Diff(want[0], calls[0].Payload.ImageURL); diff != "" {
		t.Errorf("payload image mismatch (-want +got):\n%s", diff)
	}
}

func TestRunDeletesStaleImages(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	env.serveMidterm(`<img src="/upload/a.png"/><img src="/upload/b.png"/>`)
	env.web.setImage("https://www.example.ac.kr/upload/a.png", "a")
	env.web.setImage("https://www.example.ac.kr/upload/b.png", "b")
	env.orch.Run(ctx)

	env.web.set(detailURL("4521"), detailHTML(`<img src="/upload/a.png"/>`))
	env.orch.Run(ctx)

	if diff := cmp.Diff([]string{"https://media.example.com/4521-midterm-notice-2.png"}, env.media.deleted); diff != "" {
		t.Errorf("deleted images mismatch (-want +got):\n%s", diff)
	}
}

func TestRunSkipsUnparsableListingPage(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	env.web.set(pageURL(1), listingHTML(midterm))
	env.web.set(pageURL(2), "<html><body><p>Service maintenance</p></body></html>")
	env.web.set(pageURL(3), listingHTML(row{no: "4530", category: "Scholarship", title: "Spring Scholarship", author: "Student Support", date: "2024.03.12"}))
	env.web.set(pageURL(4), listingHTML())
	env.web.set(detailURL("4521"), detailHTML("<p>Exams start Monday</p>"))
	env.web.set(detailURL("4530"), detailHTML("<p>Apply by 2024.03.29</p>"))

	report := env.orch.Run(ctx)
	if diff := cmp.Diff(Report{Pages: 4, PagesFailed: 1, Seen: 2, New: 2, Notified: 2}, report); diff != "" {
		t.Errorf("report mismatch (-want +got):\n%s", diff)
	}

	if _, err := env.store.FindNoticeByURL(ctx, noticeURL); err != nil {
		t.Errorf("page 1 item should be stored: %v", err)
	}
	n, err := env.store.FindNoticeByURL(ctx, detailURL("4530"))
	if err != nil {
		t.Fatalf("page 3 item should be stored: %v", err)
	}
	if n.Deadline == nil || !n.Deadline.Equal(time.Date(2024, 3, 29, 0, 0, 0, 0, kst)) {
		t.Errorf("deadline = %v, want 2024-03-29 KST", n.Deadline)
	}
}

func TestRunSkipsPinnedExternalRow(t *testing.T) {
	env := newTestEnv(t, nil)
	pinned := `<tbody><tr><td>Pinned</td><td>General</td><td><a href="https://portal.example.ac.kr/guide">Portal guide</a></td><td>Office</td><td>2024.01.02</td><td>1</td></tr>`
	env.web.set(pageURL(1), strings.Replace(listingHTML(midterm), "<tbody>", pinned, 1))
	env.web.set(pageURL(2), listingHTML())
	env.web.set(detailURL("4521"), detailHTML("<p>Exams start Monday</p>"))

	report := env.orch.Run(context.Background())
	if diff := cmp.Diff(Report{Pages: 2, Seen: 1, New: 1, Notified: 1}, report); diff != "" {
		t.Errorf("report mismatch (-want +got):\n%s", diff)
	}
}

func TestRunIsolatesItemFailures(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	env.web.set(pageURL(1), listingHTML(midterm, row{no: "4522", category: "Academic", title: "Broken", author: "Registrar", date: "2024.03.11"}))
	env.web.set(pageURL(2), listingHTML())
	env.web.set(detailURL("4521"), detailHTML("<p>Exams start Monday</p>"))

	report := env.orch.Run(ctx)
	if diff := cmp.Diff(Report{Pages: 2, Seen: 2, New: 1, Failed: 1, Notified: 1}, report); diff != "" {
		t.Errorf("report mismatch (-want +got):\n%s", diff)
	}
}

func TestRunListingTimeoutEndsRun(t *testing.T) {
	env := newTestEnv(t, nil)
	env.web.errs[pageURL(1)] = fmt.Errorf("%w: listing", fetcher.ErrTimeout)

	report := env.orch.Run(context.Background())
	if diff := cmp.Diff(Report{}, report); diff != "" {
		t.Errorf("report mismatch (-want +got):\n%s", diff)
	}
	if len(env.notifier.getCalls()) != 0 {
		t.Error("no notification expected")
	}
}

func TestRunBudgetAbandonsInFlightItems(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.RunBudget = 50 * time.Millisecond })
	env.serveMidterm("<p>Exams start Monday</p>")
	env.web.block[detailURL("4521")] = true

	done := make(chan Report)
	go func() { done <- env.orch.Run(context.Background()) }()

	select {
	case report := <-done:
		if !report.Truncated {
			t.Error("expected truncated run")
		}
		if diff := cmp.Diff(1, report.Failed); diff != "" {
			t.Errorf("failed count mismatch (-want +got):\n%s", diff)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop at its budget")
	}

	if _, err := env.store.FindNoticeByURL(context.Background(), noticeURL); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("abandoned item must not be stored, got %v", err)
	}
}

func TestRunBoundsItemsAndDeduplicates(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.MaxItems = 2 })
	env.web.set(pageURL(1), listingHTML(
		midterm,
		midterm,
		row{no: "4520", category: "Academic", title: "Course Drop", author: "Registrar", date: "2024.03.10"},
		row{no: "4519", category: "Academic", title: "Tuition", author: "Registrar", date: "2024.03.09"},
	))
	env.web.set(detailURL("4521"), detailHTML("<p>a</p>"))
	env.web.set(detailURL("4520"), detailHTML("<p>b</p>"))
	env.web.set(detailURL("4519"), detailHTML("<p>c</p>"))

	report := env.orch.Run(context.Background())
	if diff := cmp.Diff(Report{Pages: 1, Seen: 2, New: 2, Notified: 2}, report); diff != "" {
		t.Errorf("report mismatch (-want +got):\n%s", diff)
	}
}

func TestRunStopsOnRepeatedPage(t *testing.T) {
	env := newTestEnv(t, nil)
	env.web.set(pageURL(1), listingHTML(midterm))
	env.web.set(pageURL(2), listingHTML(midterm))
	env.web.set(detailURL("4521"), detailHTML("<p>Exams start Monday</p>"))

	report := env.orch.Run(context.Background())
	if diff := cmp.Diff(Report{Pages: 2, Seen: 1, New: 1, Notified: 1}, report); diff != "" {
		t.Errorf("report mismatch (-want +got):\n%s", diff)
	}
}

func TestOverlappingRunsBroadcastOnce(t *testing.T) {
	env := newTestEnv(t, nil)
	env.serveMidterm("<p>Exams start Monday</p>")
	other := newOrchestrator(env, nil)

	var wg sync.WaitGroup
	for _, o := range []*Orchestrator{env.orch, other} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.Run(context.Background())
		}()
	}
	wg.Wait()

	if diff := cmp.Diff(1, len(env.notifier.getCalls())); diff != "" {
		t.Errorf("broadcast count mismatch (-want +got):\n%s", diff)
	}
}

func TestRunRSSListing(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, func(o *Options) {
		o.ListingFormat = config.FormatRSS
		o.BoardURL = "https://www.example.ac.kr/board/rss.do"
	})
	env.web.set("https://www.example.ac.kr/board/rss.do", `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0"><channel><title>Board</title>
<item>
  <title>Midterm Notice</title>
  <link>https://www.example.ac.kr/board/view.do?mode=V&amp;no=4521</link>
  <category>Academic</category>
  <pubDate>Mon, 11 Mar 2024 09:00:00 +0900</pubDate>
</item>
</channel></rss>`)
	env.web.set(noticeURL, detailHTML("<p>Exams start Monday</p>"))

	report := env.orch.Run(ctx)
	if diff := cmp.Diff(Report{Pages: 1, Seen: 1, New: 1, Notified: 1}, report); diff != "" {
		t.Errorf("report mismatch (-want +got):\n%s", diff)
	}
	n, err := env.store.FindNoticeByURL(ctx, noticeURL)
	if err != nil {
		t.Fatalf("find notice: %v", err)
	}
	if !n.CreatedAt.Equal(time.Date(2024, 3, 11, 9, 0, 0, 0, kst)) {
		t.Errorf("created at = %v, want feed timestamp", n.CreatedAt)
	}
}

func TestRunFeedGUIDsKeepImageNamesApart(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, func(o *Options) {
		o.ListingFormat = config.FormatRSS
		o.BoardURL = "https://www.example.ac.kr/board/rss.do"
	})
	const (
		scholarship = "https://www.example.ac.kr/board/article/view?articleNo=1001"
		dorm        = "https://www.example.ac.kr/board/article/view?articleNo=1002"
	)
	env.web.set("https://www.example.ac.kr/board/rss.do", `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0"><channel><title>Board</title>
<item><title>Scholarship</title><link>`+scholarship+`</link><guid>`+scholarship+`</guid></item>
<item><title>Scholarship</title><link>`+dorm+`</link><guid>`+dorm+`</guid></item>
</channel></rss>`)
	env.web.set(scholarship, detailHTML(`<img src="/upload/a.png"/>`))
	env.web.set(dorm, detailHTML(`<img src="/upload/b.png"/>`))
	env.web.setImage("https://www.example.ac.kr/upload/a.png", "a")
	env.web.setImage("https://www.example.ac.kr/upload/b.png", "b")

	report := env.orch.Run(ctx)
	if diff := cmp.Diff(2, report.New); diff != "" {
		t.Fatalf("new count mismatch (-want +got):\n%s", diff)
	}

	a, err := env.store.FindNoticeByURL(ctx, scholarship)
	if err != nil {
		t.Fatalf("find first notice: %v", err)
	}
	b, err := env.store.FindNoticeByURL(ctx, dorm)
	if err != nil {
		t.Fatalf("find second notice: %v", err)
	}
	if len(a.ImageURLs) != 1 || len(b.ImageURLs) != 1 {
		t.Fatalf("expected one image each, got %v and %v", a.ImageURLs, b.ImageURLs)
	}
	if a.ImageURLs[0] == b.ImageURLs[0] {
		t.Errorf("notices share stored image %s", a.ImageURLs[0])
	}
}
