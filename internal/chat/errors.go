package chat

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrNotFound: the chat or request does not exist or belongs to someone else.
	ErrNotFound = errors.New("chat: not found")
	// ErrChatDisabled: administratively disabled, never recoverable.
	ErrChatDisabled = errors.New("chat: disabled")
	// ErrChatDeleted: soft-deleted, recoverable through Reactivate.
	ErrChatDeleted  = errors.New("chat: deleted")
	ErrEmptyMessage = errors.New("chat: empty message")
)

// BackendError is reported to the stream consumer when generation fails.
type BackendError struct {
	Op    string
	Cause error
}

func (e *BackendError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("generation %s failed", e.Op)
	}
	return fmt.Sprintf("generation %s failed: %v", e.Op, e.Cause)
}

func (e *BackendError) Unwrap() error { return e.Cause }
