package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	_ "time/tzdata" // timezone database for minimal images

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"notice_crawler/internal/bot"
	"notice_crawler/internal/clock"
	"notice_crawler/internal/config"
	"notice_crawler/internal/deadline"
	"notice_crawler/internal/fetcher"
	"notice_crawler/internal/ingest"
	"notice_crawler/internal/media"
	"notice_crawler/internal/notify"
	"notice_crawler/internal/reminder"
	"notice_crawler/internal/scheduler"
	"notice_crawler/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)

	loc, err := cfg.Location()
	if err != nil {
		log.Error("load timezone", "error", err)
		os.Exit(1)
	}

	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			log.Error("create data directory", "path", dir, "error", err)
			os.Exit(1)
		}
	}

	store, err := storage.NewSQLite(cfg.DatabasePath)
	if err != nil {
		log.Error("open database", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	mediaStore, err := media.NewFSStore(cfg.MediaDir, cfg.MediaBaseURL)
	if err != nil {
		log.Error("open media store", "path", cfg.MediaDir, "error", err)
		os.Exit(1)
	}

	api, err := tgbotapi.NewBotAPI(cfg.TelegramBotToken)
	if err != nil {
		log.Error("create bot api", "error", err)
		os.Exit(1)
	}

	f := fetcher.New(http.DefaultClient)
	f.SetTimeout(cfg.FetchTimeout)

	dispatcher := notify.NewDispatcher(notify.NewTelegramProvider(api, cfg.PublicBaseURL, log), log)
	clk := clock.System{}

	orch := ingest.New(ingest.Options{
		BoardURL:       cfg.BoardURL,
		ListingFormat:  cfg.ListingFormat,
		PageParam:      cfg.PageParam,
		MaxItems:       cfg.MaxItems,
		RunBudget:      cfg.RunBudget,
		Concurrency:    cfg.Concurrency,
		DeepLinkPrefix: cfg.DeepLinkPrefix,
		ChangedNotify:  cfg.ChangedNotify,
		Location:       loc,
	}, ingest.Deps{
		Fetcher:      f,
		Store:        store,
		Materializer: media.NewMaterializer(f, mediaStore, log, cfg.ImageConcurrency),
		Images:       mediaStore,
		Notifier:     dispatcher,
		Detector:     deadline.Scanner{},
		Clock:        clk,
		Log:          log.With("job", "ingest"),
	})
	sweeper := reminder.New(store, dispatcher, clk, loc, cfg.DeepLinkPrefix, log.With("job", "reminders"))

	sched := scheduler.New(loc, log)
	if err := sched.Add(scheduler.Job{
		Name:       "ingest",
		Spec:       cfg.IngestSchedule,
		RunOnStart: true,
		Run:        func(ctx context.Context) { orch.Run(ctx) },
	}); err != nil {
		log.Error("schedule ingest", "error", err)
		os.Exit(1)
	}
	if err := sched.Add(scheduler.Job{
		Name: "reminders",
		Spec: cfg.ReminderSchedule,
		Run:  func(ctx context.Context) { sweeper.Run(ctx) },
	}); err != nil {
		log.Error("schedule reminders", "error", err)
		os.Exit(1)
	}

	b := bot.New(api, store, cfg.PublicBaseURL+cfg.DeepLinkPrefix, loc, log.With("component", "bot"))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Info("starting crawler", "board_url", cfg.BoardURL, "format", cfg.ListingFormat)

	go b.Run(ctx)

	if err := sched.Run(ctx); err != nil {
		log.Error("scheduler", "error", err)
	}

	log.Info("crawler stopped")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
