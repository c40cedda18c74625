package email

import (
	"errors"
	"fmt"
)

// ErrAlreadySent is returned by Send when the message was already finalized.
var ErrAlreadySent = errors.New("message already sent")

// AttachmentReadError reports an attachment that could not be read while
// building the body.
type AttachmentReadError struct {
	Path string
	Err  error
}

func (e *AttachmentReadError) Error() string {
	return fmt.Sprintf("failed to read attachment %q: %v", e.Path, e.Err)
}

func (e *AttachmentReadError) Unwrap() error {
	return e.Err
}
