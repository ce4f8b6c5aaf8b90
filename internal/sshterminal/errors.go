package sshterminal

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by every per-session operation that references
	// an unknown session or a session without an open channel.
	ErrNotFound = errors.New("session not found")

	// ErrAlreadyAttached is returned when a second channel is attached to a
	// session.
	ErrAlreadyAttached = errors.New("session already has a channel")

	// ErrInputTooLarge rejects a single input submission over MaxInputMessageSize.
	ErrInputTooLarge = fmt.Errorf("input exceeds %d bytes", MaxInputMessageSize)

	// ErrInputThrottled is returned when a session's input rate limit is exhausted.
	ErrInputThrottled = errors.New("input rate limit exceeded")
)

// ConnectionError is a handshake, authentication or PTY setup failure. The
// session it was raised for stays registered without a channel.
type ConnectionError struct {
	Host  string
	Stage string
	Err   error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect to %s failed at %s: %v", e.Host, e.Stage, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// WriteError is a failed write to a session's channel. It is logged and the
// input dropped; the viewer sees the close notice when the channel dies.
type WriteError struct {
	SessionID string
	Err       error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write to session %s: %v", e.SessionID, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// DeliveryError is a subscriber that could no longer accept output. Only that
// subscriber is dropped.
type DeliveryError struct {
	SessionID string
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to subscriber of session %s: %v", e.SessionID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }
