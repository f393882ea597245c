package chat

import (
	"errors"
	"strings"
)

var (
	// ErrNotFound covers absent records and records in a terminal state, as
	// well as edit/delete attempts by someone other than the sender.
	ErrNotFound = errors.New("not found")

	// ErrForbidden means the caller is authenticated but not allowed to act
	// on the room (not a durable member, or the room is not public).
	ErrForbidden = errors.New("forbidden")

	// ErrRateLimited is returned when the caller exceeded the message rate.
	ErrRateLimited = errors.New("rate limited")
)

// ValidationError collects every problem found in a request.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return strings.Join(e.Problems, ", ")
}

// problems accumulates validation messages and yields a *ValidationError only
// when at least one was added.
type problems []string

func (p *problems) add(msg string) {
	*p = append(*p, msg)
}

func (p problems) err() error {
	if len(p) == 0 {
		return nil
	}
	return &ValidationError{Problems: p}
}
