package conversation

import (
	"errors"
	"fmt"
)

// ErrSessionNotFound is returned when the session id does not exist. The
// service never auto-creates sessions on miss.
var ErrSessionNotFound = errors.New("session not found")

// ErrEmptyHistory is returned by artifact generation when the session has no
// messages to work from.
var ErrEmptyHistory = errors.New("conversation history is empty")

// MalformedOutputError indicates the model reply could not be parsed into the
// structure a phase required. Raw is kept verbatim for diagnostics and must
// be logged by the caller, never silently dropped.
type MalformedOutputError struct {
	Raw string
	Err error
}

func (e *MalformedOutputError) Error() string {
	return fmt.Sprintf("malformed model output: %v", e.Err)
}

func (e *MalformedOutputError) Unwrap() error {
	return e.Err
}

// IsMalformedOutput reports whether err is a MalformedOutputError.
func IsMalformedOutput(err error) bool {
	var me *MalformedOutputError
	return errors.As(err, &me)
}
