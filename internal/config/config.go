// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Listing formats.
const (
	FormatHTML = "html"
	FormatRSS  = "rss"
)

// CHANGED item notification modes.
const (
	ChangedNotifyNone      = "none"
	ChangedNotifyReminders = "reminders"
)

const defaultBoardURL = "https://www.gist.ac.kr/kr/html/sub05/050209.html"

// Config holds the application configuration.
type Config struct {
	TelegramBotToken string
	DatabasePath     string
	LogLevel         string

	BoardURL         string
	ListingFormat    string
	PageParam        string
	MaxItems         int
	RunBudget        time.Duration
	FetchTimeout     time.Duration
	Concurrency      int
	ImageConcurrency int

	IngestSchedule   string
	ReminderSchedule string
	Timezone         string

	MediaDir       string
	MediaBaseURL   string
	DeepLinkPrefix string
	PublicBaseURL  string
	ChangedNotify  string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	token := os.Getenv("TELEGRAM_BOT_TOKEN")
	if token == "" {
		return nil, fmt.Errorf("TELEGRAM_BOT_TOKEN is required")
	}

	cfg := &Config{
		TelegramBotToken: token,
		DatabasePath:     envOrDefault("DATABASE_PATH", "./data/notices.db"),
		LogLevel:         envOrDefault("LOG_LEVEL", "info"),
		BoardURL:         envOrDefault("BOARD_URL", defaultBoardURL),
		ListingFormat:    strings.ToLower(envOrDefault("LISTING_FORMAT", FormatHTML)),
		PageParam:        envOrDefault("PAGE_PARAM", "page"),
		IngestSchedule:   envOrDefault("INGEST_SCHEDULE", "*/5 * * * *"),
		ReminderSchedule: envOrDefault("REMINDER_SCHEDULE", "0 9 * * *"),
		Timezone:         envOrDefault("TIMEZONE", "Asia/Seoul"),
		MediaDir:         envOrDefault("MEDIA_DIR", "./data/media"),
		MediaBaseURL:     envOrDefault("MEDIA_BASE_URL", "/media"),
		DeepLinkPrefix:   envOrDefault("DEEP_LINK_PREFIX", "/root/article?id="),
		PublicBaseURL:    os.Getenv("PUBLIC_BASE_URL"),
		ChangedNotify:    strings.ToLower(envOrDefault("CHANGED_NOTIFY", ChangedNotifyNone)),
	}

	if u, err := url.Parse(cfg.BoardURL); err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid BOARD_URL %q", cfg.BoardURL)
	}
	if cfg.ListingFormat != FormatHTML && cfg.ListingFormat != FormatRSS {
		return nil, fmt.Errorf("invalid LISTING_FORMAT %q, use: html, rss", cfg.ListingFormat)
	}
	if cfg.ChangedNotify != ChangedNotifyNone && cfg.ChangedNotify != ChangedNotifyReminders {
		return nil, fmt.Errorf("invalid CHANGED_NOTIFY %q, use: none, reminders", cfg.ChangedNotify)
	}

	var err error
	if cfg.MaxItems, err = positiveInt("MAX_ITEMS", 100); err != nil {
		return nil, err
	}
	if cfg.Concurrency, err = positiveInt("CONCURRENCY", 4); err != nil {
		return nil, err
	}
	if cfg.ImageConcurrency, err = positiveInt("IMAGE_CONCURRENCY", 3); err != nil {
		return nil, err
	}
	if cfg.RunBudget, err = positiveDuration("RUN_BUDGET", 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.FetchTimeout, err = positiveDuration("FETCH_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Location resolves the configured timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

func envOrDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func positiveInt(key string, def int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid %s %q: must be a positive integer", key, raw)
	}
	return n, nil
}

func positiveDuration(key string, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s %q: must be a positive duration", key, raw)
	}
	return d, nil
}
