package chat

import (
	"errors"

	"github.com/matheus3301/chatsync/internal/outbox"
)

var (
	ErrClosed       = errors.New("chat session closed")
	ErrUnknownItem  = outbox.ErrUnknownItem
	ErrNotRetryable = outbox.ErrNotRetryable
	// ErrNotReportable is returned when Report targets anything but a visible
	// incoming message that is not already under moderation.
	ErrNotReportable = errors.New("item cannot be reported")
)

// LoadError is the error state shown to the user when nothing could be loaded.
type LoadError string

const (
	LoadErrorNone         LoadError = "NONE"
	LoadErrorNoConnection LoadError = "NO_CONNECTION"
	LoadErrorLoadFailed   LoadError = "LOAD_FAILED"
)
