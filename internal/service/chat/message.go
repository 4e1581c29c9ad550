package chat

import (
	"context"
	"fmt"
	"strings"

	"chatrelay/internal/models"
)

// AppendMessage stores one turn in a thread the caller owns.
func (s *Service) AppendMessage(ctx context.Context, ownerID, threadID int64, role models.Role, text string) (*models.Message, error) {
	if strings.TrimSpace(text) == "" {
		return nil, &ValidationError{Field: "text", Message: "text cannot be empty"}
	}
	switch role {
	case models.RoleUser, models.RoleAssistant:
	default:
		return nil, &ValidationError{Field: "role", Message: fmt.Sprintf("unsupported role %q", role)}
	}
	if _, err := s.GetThread(ctx, ownerID, threadID); err != nil {
		return nil, err
	}

	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (thread_id, user_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		threadID, ownerID, string(role), text, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("message id: %w", err)
	}
	return &models.Message{
		ID:        id,
		ThreadID:  threadID,
		UserID:    ownerID,
		Role:      role,
		Text:      text,
		CreatedAt: now,
	}, nil
}

// History returns the thread's messages oldest first.
func (s *Service) History(ctx context.Context, ownerID, threadID int64) ([]*models.Message, error) {
	if _, err := s.GetThread(ctx, ownerID, threadID); err != nil {
		return nil, err
	}
	return s.listMessages(ctx, threadID)
}

// ThreadWithMessages loads a thread and its ordered messages.
func (s *Service) ThreadWithMessages(ctx context.Context, ownerID, threadID int64) (*models.Thread, []*models.Message, error) {
	thread, err := s.GetThread(ctx, ownerID, threadID)
	if err != nil {
		return nil, nil, err
	}
	messages, err := s.listMessages(ctx, threadID)
	if err != nil {
		return nil, nil, err
	}
	return thread, messages, nil
}

func (s *Service) listMessages(ctx context.Context, threadID int64) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, thread_id, user_id, role, content, created_at FROM messages WHERE thread_id = ? ORDER BY id ASC`,
		threadID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]*models.Message, 0)
	for rows.Next() {
		m := new(models.Message)
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.UserID, &m.Role, &m.Text, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}
