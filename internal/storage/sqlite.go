package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver registration.

	"notice_crawler/internal/clock"
	"notice_crawler/internal/model"
	"notice_crawler/migrations"
)

const (
	timeLayout = "2006-01-02T15:04:05Z"
	dayLayout  = "2006-01-02"

	fileImage    = "image"
	fileDocument = "document"
)

// SQLite implements Storage backed by a SQLite database.
type SQLite struct {
	db    *sql.DB
	clock clock.Clock
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serializes writers and keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=OFF"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("disable foreign keys: %w", err)
	}

	if _, err := migrations.Up(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db, clock: clock.System{}}, nil
}

// SetClock replaces the clock used for bookkeeping timestamps.
func (s *SQLite) SetClock(c clock.Clock) {
	s.clock = c
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) now() string {
	return s.clock.Now().UTC().Format(timeLayout)
}

const noticeColumns = `id, url, external_id, title, body, source_body, category, author_id, deadline, created_at, updated_at`

// FindNoticeByURL returns the notice stored for url or ErrNotFound.
func (s *SQLite) FindNoticeByURL(ctx context.Context, url string) (*model.StoredNotice, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+noticeColumns+` FROM notices WHERE url = ?`, url)
	n, err := scanNotice(row)
	if err != nil {
		return nil, err
	}
	if err := s.loadRelations(ctx, n); err != nil {
		return nil, err
	}
	return n, nil
}

// GetNotice returns a notice by its ID or ErrNotFound.
func (s *SQLite) GetNotice(ctx context.Context, id int64) (*model.StoredNotice, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+noticeColumns+` FROM notices WHERE id = ?`, id)
	n, err := scanNotice(row)
	if err != nil {
		return nil, err
	}
	if err := s.loadRelations(ctx, n); err != nil {
		return nil, err
	}
	return n, nil
}

// UpsertNotice creates the notice or replaces the stored revision with the
// same URL. Creation time and author of an existing row are kept. created
// reports whether this call inserted the row.
func (s *SQLite) UpsertNotice(ctx context.Context, n *model.StoredNotice) (int64, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("%w: begin tx: %w", ErrPersist, err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now()
	deadline := formatDeadline(n.Deadline)

	res, err := tx.ExecContext(ctx,
		`INSERT INTO notices (url, external_id, title, body, source_body, category, author_id, deadline, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (url) DO NOTHING`,
		n.URL, n.ExternalID, n.Title, n.Body, n.SourceBody, n.Category, n.AuthorID, deadline,
		n.CreatedAt.UTC().Format(timeLayout), now,
	)
	if err != nil {
		return 0, false, fmt.Errorf("%w: insert notice: %w", ErrPersist, err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("%w: rows affected: %w", ErrPersist, err)
	}

	var id int64
	created := inserted == 1
	if created {
		if id, err = res.LastInsertId(); err != nil {
			return 0, false, fmt.Errorf("%w: last insert id: %w", ErrPersist, err)
		}
	} else {
		err = tx.QueryRowContext(ctx,
			`UPDATE notices
			 SET external_id = ?, title = ?, body = ?, source_body = ?, category = ?, deadline = ?, updated_at = ?
			 WHERE url = ?
			 RETURNING id`,
			n.ExternalID, n.Title, n.Body, n.SourceBody, n.Category, deadline, now, n.URL,
		).Scan(&id)
		if err != nil {
			return 0, false, fmt.Errorf("%w: update notice: %w", ErrPersist, err)
		}
	}

	if err := replaceTags(ctx, tx, id, n.Tags); err != nil {
		return 0, false, err
	}
	if err := replaceFiles(ctx, tx, id, n.ImageURLs, n.Documents); err != nil {
		return 0, false, err
	}

	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("%w: commit: %w", ErrPersist, err)
	}
	n.ID = id
	return id, created, nil
}

func replaceTags(ctx context.Context, tx *sql.Tx, noticeID int64, tags []string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM notice_tags WHERE notice_id = ?`, noticeID); err != nil {
		return fmt.Errorf("%w: clear tags: %w", ErrPersist, err)
	}
	for _, name := range tags {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO tags (name) VALUES (?)`, name); err != nil {
			return fmt.Errorf("%w: insert tag %q: %w", ErrPersist, name, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO notice_tags (notice_id, tag_id) SELECT ?, id FROM tags WHERE name = ?`,
			noticeID, name,
		); err != nil {
			return fmt.Errorf("%w: link tag %q: %w", ErrPersist, name, err)
		}
	}
	return nil
}

func replaceFiles(ctx context.Context, tx *sql.Tx, noticeID int64, images []string, docs []model.Document) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM notice_files WHERE notice_id = ?`, noticeID); err != nil {
		return fmt.Errorf("%w: clear files: %w", ErrPersist, err)
	}
	const insert = `INSERT INTO notice_files (notice_id, kind, position, name, url, type) VALUES (?, ?, ?, ?, ?, ?)`
	for i, u := range images {
		if _, err := tx.ExecContext(ctx, insert, noticeID, fileImage, i, "", u, ""); err != nil {
			return fmt.Errorf("%w: insert image: %w", ErrPersist, err)
		}
	}
	for i, d := range docs {
		if _, err := tx.ExecContext(ctx, insert, noticeID, fileDocument, i, d.Name, d.URL, string(d.Type)); err != nil {
			return fmt.Errorf("%w: insert document: %w", ErrPersist, err)
		}
	}
	return nil
}

// FindNoticesWithDeadlineOn returns notices whose deadline falls on the
// calendar day of day, in the deadline's own offset.
func (s *SQLite) FindNoticesWithDeadlineOn(ctx context.Context, day time.Time) ([]model.StoredNotice, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+noticeColumns+` FROM notices WHERE substr(deadline, 1, 10) = ? ORDER BY id`,
		day.Format(dayLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("query notices by deadline: %w", err)
	}
	var notices []model.StoredNotice
	for rows.Next() {
		n, err := scanNotice(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		notices = append(notices, *n)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate notices: %w", err)
	}
	_ = rows.Close()

	// relations are loaded after the cursor is released; the pool has one connection
	for i := range notices {
		if err := s.loadRelations(ctx, &notices[i]); err != nil {
			return nil, err
		}
	}
	return notices, nil
}

// FindOrCreateTags resolves tag names to tags, creating missing ones.
// Duplicate names are collapsed; order follows first occurrence.
func (s *SQLite) FindOrCreateTags(ctx context.Context, names []string) ([]model.Tag, error) {
	seen := make(map[string]bool, len(names))
	tags := make([]model.Tag, 0, len(names))
	for _, name := range names {
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true

		if _, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO tags (name) VALUES (?)`, name); err != nil {
			return nil, fmt.Errorf("%w: insert tag %q: %w", ErrPersist, name, err)
		}
		t := model.Tag{Name: name}
		if err := s.db.QueryRowContext(ctx, `SELECT id FROM tags WHERE name = ?`, name).Scan(&t.ID); err != nil {
			return nil, fmt.Errorf("select tag %q: %w", name, err)
		}
		tags = append(tags, t)
	}
	return tags, nil
}

// FindOrCreateSyntheticUser returns the ID of the placeholder user with the
// given label, creating it on first use.
func (s *SQLite) FindOrCreateSyntheticUser(ctx context.Context, label string) (string, error) {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, name, synthetic, created_at) VALUES (?, ?, 1, ?)
		 ON CONFLICT (name) DO NOTHING`,
		uuid.NewString(), label, s.now(),
	); err != nil {
		return "", fmt.Errorf("%w: insert user: %w", ErrPersist, err)
	}

	var id string
	if err := s.db.QueryRowContext(ctx, `SELECT id FROM users WHERE name = ?`, label).Scan(&id); err != nil {
		return "", fmt.Errorf("select user: %w", err)
	}
	return id, nil
}

// AddPushToken subscribes a token to new-notice broadcasts. A token known
// only through reminders is promoted; registering twice is a no-op.
func (s *SQLite) AddPushToken(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO push_tokens (token, broadcast, created_at) VALUES (?, 1, ?)
		 ON CONFLICT (token) DO UPDATE SET broadcast = 1`, token, s.now(),
	)
	if err != nil {
		return fmt.Errorf("%w: add push token: %w", ErrPersist, err)
	}
	return nil
}

// RemovePushToken unregisters a token together with its reminders.
func (s *SQLite) RemovePushToken(ctx context.Context, token string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %w", ErrPersist, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM reminders WHERE token = ?`, token); err != nil {
		return fmt.Errorf("%w: delete reminders: %w", ErrPersist, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM push_tokens WHERE token = ?`, token); err != nil {
		return fmt.Errorf("%w: delete push token: %w", ErrPersist, err)
	}
	return tx.Commit()
}

// AllPushTokens returns the tokens subscribed to broadcasts.
func (s *SQLite) AllPushTokens(ctx context.Context) ([]string, error) {
	return s.queryStrings(ctx, `SELECT token FROM push_tokens WHERE broadcast = 1 ORDER BY created_at, token`)
}

// AddReminder subscribes token to deadline reminders of a notice. An unknown
// token is registered without joining broadcasts.
func (s *SQLite) AddReminder(ctx context.Context, noticeID int64, token string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %w", ErrPersist, err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM notices WHERE id = ?`, noticeID).Scan(&exists); err != nil {
		return fmt.Errorf("check notice: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("notice %d: %w", noticeID, ErrNotFound)
	}

	now := s.now()
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO push_tokens (token, broadcast, created_at) VALUES (?, 0, ?)`, token, now,
	); err != nil {
		return fmt.Errorf("%w: register token: %w", ErrPersist, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO reminders (notice_id, token, created_at) VALUES (?, ?, ?)`,
		noticeID, token, now,
	); err != nil {
		return fmt.Errorf("%w: add reminder: %w", ErrPersist, err)
	}
	return tx.Commit()
}

// RemoveReminder cancels a reminder subscription.
func (s *SQLite) RemoveReminder(ctx context.Context, noticeID int64, token string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM reminders WHERE notice_id = ? AND token = ?`, noticeID, token)
	if err != nil {
		return fmt.Errorf("%w: remove reminder: %w", ErrPersist, err)
	}
	return nil
}

// PushTokensForNoticeSubscribers returns the registered tokens subscribed to
// reminders of a notice.
func (s *SQLite) PushTokensForNoticeSubscribers(ctx context.Context, noticeID int64) ([]string, error) {
	return s.queryStrings(ctx,
		`SELECT r.token FROM reminders r
		 JOIN push_tokens p ON p.token = r.token
		 WHERE r.notice_id = ?
		 ORDER BY r.created_at, r.token`, noticeID)
}

func (s *SQLite) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *SQLite) loadRelations(ctx context.Context, n *model.StoredNotice) error {
	tags, err := s.queryStrings(ctx,
		`SELECT t.name FROM notice_tags nt JOIN tags t ON t.id = nt.tag_id
		 WHERE nt.notice_id = ? ORDER BY t.name`, n.ID)
	if err != nil {
		return fmt.Errorf("load tags: %w", err)
	}
	n.Tags = tags

	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, name, url, type FROM notice_files WHERE notice_id = ? ORDER BY kind, position`, n.ID)
	if err != nil {
		return fmt.Errorf("load files: %w", err)
	}
	defer func() { _ = rows.Close() }()

	n.ImageURLs, n.Documents = nil, nil
	for rows.Next() {
		var kind, name, u, typ string
		if err := rows.Scan(&kind, &name, &u, &typ); err != nil {
			return fmt.Errorf("scan file: %w", err)
		}
		switch kind {
		case fileImage:
			n.ImageURLs = append(n.ImageURLs, u)
		case fileDocument:
			n.Documents = append(n.Documents, model.Document{Name: name, URL: u, Type: model.AttachmentType(typ)})
		}
	}
	return rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanNotice(row scannable) (*model.StoredNotice, error) {
	var n model.StoredNotice
	var deadline sql.NullString
	var created, updated string
	err := row.Scan(&n.ID, &n.URL, &n.ExternalID, &n.Title, &n.Body, &n.SourceBody, &n.Category,
		&n.AuthorID, &deadline, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan notice: %w", err)
	}
	if deadline.Valid {
		if t, err := time.Parse(time.RFC3339, deadline.String); err == nil {
			n.Deadline = &t
		}
	}
	n.CreatedAt, _ = time.Parse(timeLayout, created)
	n.UpdatedAt, _ = time.Parse(timeLayout, updated)
	return &n, nil
}

func formatDeadline(d *time.Time) any {
	if d == nil {
		return nil
	}
	return d.Format(time.RFC3339)
}
