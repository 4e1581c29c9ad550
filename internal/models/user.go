package models

import "time"

// User is an account as seen by the relay. It is created elsewhere and only read here.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"userName"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	FirstName    string    `json:"firstName"`
	LastName     string    `json:"lastName"`
	Role         string    `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}
