package chat

import (
	"errors"
	"fmt"
	"strconv"
)

// ErrThreadNotFound covers both a missing thread and one owned by someone else.
var ErrThreadNotFound = errors.New("chat not found")

// ValidationError reports a rejected input field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ParseThreadID parses a path id. Anything unusable is reported as not found.
func ParseThreadID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, ErrThreadNotFound
	}
	return id, nil
}
