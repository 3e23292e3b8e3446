// Package reminder sends deadline reminders to the subscribers of notices
// whose deadline is near.
package reminder

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"notice_crawler/internal/clock"
	"notice_crawler/internal/model"
)

// Store is the persistence used by the sweep.
type Store interface {
	FindNoticesWithDeadlineOn(ctx context.Context, day time.Time) ([]model.StoredNotice, error)
	PushTokensForNoticeSubscribers(ctx context.Context, noticeID int64) ([]string, error)
}

// Notifier delivers a payload to a token set.
type Notifier interface {
	Dispatch(ctx context.Context, payload model.NotificationPayload, tokens []string, deepLink string) error
}

// Sweeper is the daily reminder job.
type Sweeper struct {
	store          Store
	notifier       Notifier
	clock          clock.Clock
	loc            *time.Location
	deepLinkPrefix string
	log            *slog.Logger
}

// New creates a Sweeper evaluating calendar days in loc.
func New(store Store, notifier Notifier, clk clock.Clock, loc *time.Location, deepLinkPrefix string, log *slog.Logger) *Sweeper {
	if loc == nil {
		loc = time.UTC
	}
	return &Sweeper{
		store:          store,
		notifier:       notifier,
		clock:          clk,
		loc:            loc,
		deepLinkPrefix: deepLinkPrefix,
		log:            log,
	}
}

// Run notifies the reminder subscribers of every notice due tomorrow and
// returns the number of notices dispatched. Failures are isolated per notice.
func (s *Sweeper) Run(ctx context.Context) int {
	now := s.clock.Now().In(s.loc)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.loc)
	target := today.AddDate(0, 0, 1)

	notices, err := s.store.FindNoticesWithDeadlineOn(ctx, target)
	if err != nil {
		s.log.Error("find notices due", "day", target.Format(time.DateOnly), "error", err)
		return 0
	}

	sent := 0
	for _, n := range notices {
		if ctx.Err() != nil {
			break
		}
		log := s.log.With("notice_id", n.ID)

		tokens, err := s.store.PushTokensForNoticeSubscribers(ctx, n.ID)
		if err != nil {
			log.Error("load reminder subscribers", "error", err)
			continue
		}
		if len(tokens) == 0 {
			continue
		}

		days := DaysLeft(today, *n.Deadline)
		if err := s.notifier.Dispatch(ctx, Payload(n, days), tokens, s.deepLinkPrefix+strconv.FormatInt(n.ID, 10)); err != nil {
			log.Warn("reminder partially failed", "error", err)
		}
		sent++
	}

	s.log.Info("reminder sweep finished", "day", target.Format(time.DateOnly), "due", len(notices), "sent", sent)
	return sent
}

// DaysLeft counts calendar days from today until the deadline's date.
func DaysLeft(today, deadline time.Time) int {
	d := time.Date(deadline.Year(), deadline.Month(), deadline.Day(), 0, 0, 0, 0, time.UTC)
	t := time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, time.UTC)
	return int(d.Sub(t).Hours() / 24)
}

// Payload builds the reminder notification of a notice.
func Payload(n model.StoredNotice, days int) model.NotificationPayload {
	var image string
	if len(n.ImageURLs) > 0 {
		image = n.ImageURLs[0]
	}
	return model.NotificationPayload{
		Title:    fmt.Sprintf("[Reminder] %d day(s) left", days),
		Body:     fmt.Sprintf("%s: %d day(s) left until the deadline", n.Title, days),
		ImageURL: image,
	}
}
