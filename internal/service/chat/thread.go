package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"chatrelay/internal/models"
)

const (
	DefaultTitle   = "New Chat"
	minTitleLength = 3
	maxTitleLength = 20
)

// Service owns threads and their messages. Every access is checked
// against the caller's identity after the row is loaded.
type Service struct {
	db  *sql.DB
	now func() time.Time
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// authorize is the single ownership predicate for thread access.
func authorize(ownerID int64, thread *models.Thread) error {
	if thread == nil || ownerID <= 0 || thread.UserID != ownerID {
		return ErrThreadNotFound
	}
	return nil
}

// NormalizeTitle applies the default and length rules to a requested title.
func NormalizeTitle(title string) (string, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return DefaultTitle, nil
	}
	if n := utf8.RuneCountInString(title); n < minTitleLength || n > maxTitleLength {
		return "", &ValidationError{
			Field:   "title",
			Message: fmt.Sprintf("title must be between %d and %d characters", minTitleLength, maxTitleLength),
		}
	}
	return title, nil
}

// CreateThread inserts a new thread owned by ownerID.
func (s *Service) CreateThread(ctx context.Context, ownerID int64, title string) (*models.Thread, error) {
	if ownerID <= 0 {
		return nil, errors.New("owner is required")
	}
	title, err := NormalizeTitle(title)
	if err != nil {
		return nil, err
	}
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO threads (user_id, title, created_at) VALUES (?, ?, ?)`,
		ownerID, title, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create thread: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("thread id: %w", err)
	}
	return &models.Thread{ID: id, UserID: ownerID, Title: title, CreatedAt: now}, nil
}

// ListThreads returns the owner's threads, newest first.
func (s *Service) ListThreads(ctx context.Context, ownerID int64) ([]models.Thread, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, created_at FROM threads WHERE user_id = ? ORDER BY created_at DESC, id DESC`,
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	threads := make([]models.Thread, 0)
	for rows.Next() {
		var t models.Thread
		if err := rows.Scan(&t.ID, &t.UserID, &t.Title, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		if authorize(ownerID, &t) != nil {
			continue
		}
		threads = append(threads, t)
	}
	return threads, rows.Err()
}

// GetThread loads one thread on behalf of ownerID.
func (s *Service) GetThread(ctx context.Context, ownerID, threadID int64) (*models.Thread, error) {
	thread, err := loadThread(ctx, s.db, threadID)
	if err != nil {
		return nil, err
	}
	if err := authorize(ownerID, thread); err != nil {
		return nil, err
	}
	return thread, nil
}

// DeleteThread removes the thread and all of its messages.
func (s *Service) DeleteThread(ctx context.Context, ownerID, threadID int64) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	thread, err := loadThread(ctx, tx, threadID)
	if err != nil {
		return err
	}
	if err = authorize(ownerID, thread); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM messages WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM threads WHERE id = ?`, threadID); err != nil {
		return fmt.Errorf("delete thread: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit delete thread: %w", err)
	}
	return nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadThread(ctx context.Context, q queryer, threadID int64) (*models.Thread, error) {
	if threadID <= 0 {
		return nil, ErrThreadNotFound
	}
	var t models.Thread
	err := q.QueryRowContext(ctx,
		`SELECT id, user_id, title, created_at FROM threads WHERE id = ?`, threadID,
	).Scan(&t.ID, &t.UserID, &t.Title, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrThreadNotFound
		}
		return nil, fmt.Errorf("get thread: %w", err)
	}
	return &t, nil
}
