package models

import "time"

// Thread is a named conversation owned by exactly one user.
type Thread struct {
	ID        int64     `json:"_id"`
	UserID    int64     `json:"user"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}
