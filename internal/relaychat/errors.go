package relaychat

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrInvalidState   = errors.New("invalid state")
	ErrQueueFull      = errors.New("queue full")
	ErrNotImplemented = errors.New("not implemented")
	ErrAuthRejected   = errors.New("authentication rejected")
	ErrClosed         = errors.New("closed")
)

// TransportError wraps connect, subscribe and publish failures. They are
// retried by the reconnect policy unless Err is ErrAuthRejected.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ParseError marks an inbound payload that could not be decoded. It is
// dropped and never surfaced to the user.
type ParseError struct {
	Channel Channel
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s payload: %v", e.Channel, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

type HistoryFetchError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *HistoryFetchError) Error() string {
	return fmt.Sprintf("history %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *HistoryFetchError) Unwrap() error {
	return e.Err
}

type NotificationSyncError struct {
	Op  string
	Err error
}

func (e *NotificationSyncError) Error() string {
	return fmt.Sprintf("notification %s: %v", e.Op, e.Err)
}

func (e *NotificationSyncError) Unwrap() error {
	return e.Err
}

type PersistenceError struct {
	Op       string
	Identity Identity
	Err      error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("cache %s for %q: %v", e.Op, e.Identity, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
