package chat

import (
	"errors"
)

// ErrEmptyMessage is returned when a send operation is attempted with no
// message text. No state is changed.
var ErrEmptyMessage = errors.New("no message provided")

// CollaboratorError reports a failure from an external backend (model
// inference or transcription). The conversation state remains valid; the
// failed turn can simply be retried.
type CollaboratorError struct {
	Op  string
	Err error
}

func (e *CollaboratorError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *CollaboratorError) Unwrap() error {
	return e.Err
}
