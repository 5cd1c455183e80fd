package chat

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInaccessible   = errors.New("conversation inaccessible")
	ErrNotFound       = errors.New("message not found")
	ErrNotParticipant = errors.New("user is not a participant")
)

// ThrottledError is a rate-limit rejection carrying the mandatory wait.
type ThrottledError struct {
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("throttled: retry after %s", e.RetryAfter)
}

func Throttled(d time.Duration) error {
	return &ThrottledError{RetryAfter: d}
}

// RetryAfter returns the wait carried by a throttling error anywhere in err's chain.
func RetryAfter(err error) (time.Duration, bool) {
	var te *ThrottledError
	if errors.As(err, &te) {
		return te.RetryAfter, true
	}
	return 0, false
}

type ErrorClass int

const (
	ClassNone ErrorClass = iota
	ClassThrottled
	ClassInaccessible
	ClassNotFound
	ClassNotParticipant
	ClassUnknown
)

func (c ErrorClass) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassThrottled:
		return "throttled"
	case ClassInaccessible:
		return "inaccessible"
	case ClassNotFound:
		return "not_found"
	case ClassNotParticipant:
		return "not_participant"
	default:
		return "unknown"
	}
}

func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ClassNone
	}
	if _, ok := RetryAfter(err); ok {
		return ClassThrottled
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return ClassNotFound
	case errors.Is(err, ErrNotParticipant):
		return ClassNotParticipant
	case errors.Is(err, ErrInaccessible):
		return ClassInaccessible
	}
	return ClassUnknown
}
