package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrSuperseded is returned by an operation whose result arrived after another
	// selection replaced it. The result was discarded.
	ErrSuperseded = errors.New("chat: superseded by a newer selection")

	// ErrNotReady is returned by Send and Retry when the active conversation is not in a
	// state that allows them.
	ErrNotReady = errors.New("chat: conversation not ready")

	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("chat: view model closed")

	// ErrEmptyDraft is returned by Send when the draft is blank.
	ErrEmptyDraft = errors.New("chat: empty draft")
)

// SendFailedError reports a failed send. The optimistic entry was removed and Draft
// holds the content that was put back into the draft.
type SendFailedError struct {
	Draft string
	Err   error
}

func (e SendFailedError) Error() string {
	return fmt.Sprintf("chat: send failed: %v", e.Err)
}

func (e SendFailedError) Unwrap() error { return e.Err }
