package remote

import (
	"errors"
	"fmt"
)

// TransportError is any failure talking to the chat API: unreachable host,
// timeout, non-2xx status or an undecodable body. StatusCode is zero when no
// response was received.
type TransportError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("remote %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("remote %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsUnreachable reports whether err is a TransportError that never got a
// response from the server.
func IsUnreachable(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.StatusCode == 0
}
