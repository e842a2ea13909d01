package roomchat

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is matched by every *NotConnectedError.
	ErrNotConnected = &NotConnectedError{}

	// ErrSuperseded is returned by a load or refresh whose result was
	// discarded because a newer request replaced it.
	ErrSuperseded = errors.New("superseded by a newer request")

	ErrNoRoomSelected = errors.New("no room selected")
	ErrEmptyContent   = errors.New("message content is empty")
)

// ConnectionError reports a failed handshake or a lost transport. It is
// retryable.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return "connection error: " + e.Op
	}
	return fmt.Sprintf("connection error: %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// NotConnectedError reports a channel operation attempted before Connect.
type NotConnectedError struct {
	Op string
}

func (e *NotConnectedError) Error() string {
	if e.Op == "" {
		return "not connected"
	}
	return e.Op + ": not connected"
}

// Is makes every NotConnectedError match ErrNotConnected.
func (e *NotConnectedError) Is(target error) bool {
	_, ok := target.(*NotConnectedError)
	return ok
}

// FetchError reports a failed REST call. Message is suitable for display.
type FetchError struct {
	Op      string
	Status  int
	Message string
	Err     error
}

func (e *FetchError) Error() string {
	switch {
	case e.Status != 0:
		return fmt.Sprintf("%s: %s (status %d)", e.Op, e.Message, e.Status)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	default:
		return e.Op + ": " + e.Message
	}
}

func (e *FetchError) Unwrap() error { return e.Err }

// IsConnectionError reports whether err is a transport-level failure.
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// errorMessage extracts the display message stored in store error state.
func errorMessage(err error, fallback string) string {
	var fe *FetchError
	if errors.As(err, &fe) && fe.Message != "" {
		return fe.Message
	}
	if err != nil && err.Error() != "" {
		return err.Error()
	}
	return fallback
}
