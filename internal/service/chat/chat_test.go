package chat

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"chatrelay/internal/config"
	"chatrelay/internal/models"
	"chatrelay/internal/storage"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: ":memory:"},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func insertTestUser(t *testing.T, db *sql.DB, name string) int64 {
	t.Helper()
	res, err := db.Exec(`INSERT INTO users (username, email, password_hash, created_at) VALUES (?, ?, '', ?)`,
		name, name+"@example.com", time.Now().UTC())
	if err != nil {
		t.Fatalf("insert user: %v", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		t.Fatalf("user id: %v", err)
	}
	return id
}

func TestCreateThreadTitleRules(t *testing.T) {
	db := openTestDB(t)
	svc := NewService(db)
	owner := insertTestUser(t, db, "alice")
	ctx := context.Background()

	_, err := svc.CreateThread(ctx, owner, "ab")
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Field != "title" {
		t.Fatalf("expected title validation error, got %v", err)
	}
	if _, err := svc.CreateThread(ctx, owner, "this title is far too long"); !errors.As(err, &verr) {
		t.Fatalf("expected validation error for long title, got %v", err)
	}

	blank, err := svc.CreateThread(ctx, owner, "   ")
	if err != nil {
		t.Fatalf("CreateThread blank: %v", err)
	}
	if blank.Title != DefaultTitle {
		t.Fatalf("expected default title, got %q", blank.Title)
	}

	// counted in characters, not bytes
	if _, err := svc.CreateThread(ctx, owner, "日本語"); err != nil {
		t.Fatalf("three rune title rejected: %v", err)
	}
}

func TestListThreadsNewestFirst(t *testing.T) {
	db := openTestDB(t)
	svc := NewService(db)
	owner := insertTestUser(t, db, "alice")
	other := insertTestUser(t, db, "bob")
	ctx := context.Background()

	if _, err := svc.CreateThread(ctx, owner, "Older"); err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	if _, err := svc.CreateThread(ctx, other, "Not mine"); err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	created, err := svc.CreateThread(ctx, owner, "My Thread")
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}

	threads, err := svc.ListThreads(ctx, owner)
	if err != nil {
		t.Fatalf("ListThreads: %v", err)
	}
	if len(threads) != 2 {
		t.Fatalf("expected 2 threads, got %d", len(threads))
	}
	if threads[0].ID != created.ID || threads[0].Title != "My Thread" {
		t.Fatalf("expected newest thread first, got %+v", threads[0])
	}

	empty, err := svc.ListThreads(ctx, insertTestUser(t, db, "carol"))
	if err != nil {
		t.Fatalf("ListThreads: %v", err)
	}
	if empty == nil || len(empty) != 0 {
		t.Fatalf("expected empty non-nil list, got %#v", empty)
	}
}

func TestDeleteThreadOwnership(t *testing.T) {
	db := openTestDB(t)
	svc := NewService(db)
	owner := insertTestUser(t, db, "alice")
	intruder := insertTestUser(t, db, "mallory")
	ctx := context.Background()

	thread, err := svc.CreateThread(ctx, owner, "Private")
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	if err := svc.DeleteThread(ctx, intruder, thread.ID); !errors.Is(err, ErrThreadNotFound) {
		t.Fatalf("expected not found for non-owner, got %v", err)
	}
	if err := svc.DeleteThread(ctx, owner, thread.ID+100); !errors.Is(err, ErrThreadNotFound) {
		t.Fatalf("expected not found for missing thread, got %v", err)
	}
	threads, err := svc.ListThreads(ctx, owner)
	if err != nil || len(threads) != 1 {
		t.Fatalf("thread should survive foreign delete: %v %v", threads, err)
	}

	if _, err := svc.AppendMessage(ctx, owner, thread.ID, models.RoleUser, "hello"); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if err := svc.DeleteThread(ctx, owner, thread.ID); err != nil {
		t.Fatalf("DeleteThread: %v", err)
	}
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE thread_id = ?`, thread.ID).Scan(&count); err != nil {
		t.Fatalf("count messages: %v", err)
	}
	if count != 0 {
		t.Fatalf("messages not removed with thread")
	}
	if _, err := svc.GetThread(ctx, owner, thread.ID); !errors.Is(err, ErrThreadNotFound) {
		t.Fatalf("expected thread gone, got %v", err)
	}
}

func TestMessagesOrderAndScope(t *testing.T) {
	db := openTestDB(t)
	svc := NewService(db)
	owner := insertTestUser(t, db, "alice")
	other := insertTestUser(t, db, "bob")
	ctx := context.Background()

	thread, err := svc.CreateThread(ctx, owner, "Demo")
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	// identical timestamps must not disturb ordering
	fixed := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return fixed }

	turns := []struct {
		role models.Role
		text string
	}{
		{models.RoleUser, "one"},
		{models.RoleAssistant, "two"},
		{models.RoleUser, "three"},
	}
	for _, turn := range turns {
		if _, err := svc.AppendMessage(ctx, owner, thread.ID, turn.role, turn.text); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	history, err := svc.History(ctx, owner, thread.ID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != len(turns) {
		t.Fatalf("expected %d messages, got %d", len(turns), len(history))
	}
	for i, m := range history {
		if m.Role != turns[i].role || m.Text != turns[i].text {
			t.Fatalf("message %d = %s/%s, want %s/%s", i, m.Role, m.Text, turns[i].role, turns[i].text)
		}
	}

	if _, err := svc.AppendMessage(ctx, other, thread.ID, models.RoleUser, "sneaky"); !errors.Is(err, ErrThreadNotFound) {
		t.Fatalf("expected not found appending to foreign thread, got %v", err)
	}
	if _, _, err := svc.ThreadWithMessages(ctx, other, thread.ID); !errors.Is(err, ErrThreadNotFound) {
		t.Fatalf("expected not found reading foreign thread, got %v", err)
	}
	var verr *ValidationError
	if _, err := svc.AppendMessage(ctx, owner, thread.ID, models.RoleUser, "  "); !errors.As(err, &verr) {
		t.Fatalf("expected validation error for empty text, got %v", err)
	}
}

func TestParseThreadID(t *testing.T) {
	for _, raw := range []string{"", "abc", "-1", "0", "1.5"} {
		if _, err := ParseThreadID(raw); !errors.Is(err, ErrThreadNotFound) {
			t.Fatalf("ParseThreadID(%q) = %v, want not found", raw, err)
		}
	}
	if id, err := ParseThreadID("42"); err != nil || id != 42 {
		t.Fatalf("ParseThreadID(42) = %d, %v", id, err)
	}
}
