package worker

import "errors"

var (
	// ErrDispatcherBusy is returned when the intake queue is full.
	ErrDispatcherBusy = errors.New("server is busy, try again shortly")
	// ErrDispatcherClosed is returned after Shutdown has started.
	ErrDispatcherClosed = errors.New("dispatcher is shutting down")
)

type jobType int

const (
	run jobType = iota
	stop
)

// Job is one unit of work owned by a user.
type Job struct {
	typ    jobType
	UserID int64
	Fn     func()
	done   chan struct{}
}
