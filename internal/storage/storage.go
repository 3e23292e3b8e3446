// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"
	"errors"
	"time"

	"notice_crawler/internal/model"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("not found")
	// ErrPersist wraps every failed write.
	ErrPersist = errors.New("persistence error")
)

// Storage is the interface for all persistence operations.
type Storage interface {
	FindNoticeByURL(ctx context.Context, url string) (*model.StoredNotice, error)
	GetNotice(ctx context.Context, id int64) (*model.StoredNotice, error)
	UpsertNotice(ctx context.Context, n *model.StoredNotice) (id int64, created bool, err error)
	FindNoticesWithDeadlineOn(ctx context.Context, day time.Time) ([]model.StoredNotice, error)

	FindOrCreateTags(ctx context.Context, names []string) ([]model.Tag, error)
	FindOrCreateSyntheticUser(ctx context.Context, label string) (string, error)

	AddPushToken(ctx context.Context, token string) error
	RemovePushToken(ctx context.Context, token string) error
	AllPushTokens(ctx context.Context) ([]string, error)

	AddReminder(ctx context.Context, noticeID int64, token string) error
	RemoveReminder(ctx context.Context, noticeID int64, token string) error
	PushTokensForNoticeSubscribers(ctx context.Context, noticeID int64) ([]string, error)

	Close() error
}
