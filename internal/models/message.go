package models

import "time"

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one append-only turn of a thread. IDs grow strictly with creation
// order, so sorting by ID reconstructs the conversation.
type Message struct {
	ID        int64     `json:"_id"`
	ThreadID  int64     `json:"chat"`
	UserID    int64     `json:"user"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}
