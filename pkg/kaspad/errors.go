package kaspad

import (
	"errors"
	"fmt"
)

// Package errors.
var (
	// ErrPoolClosed is returned when acquiring from a closed channel pool.
	ErrPoolClosed = errors.New("channel pool is closed")

	// ErrStreamClosed is returned when the message stream has ended or the
	// channel was closed.
	ErrStreamClosed = errors.New("message stream closed")

	// ErrMalformedResponse is returned when a response payload cannot be decoded.
	ErrMalformedResponse = errors.New("malformed response")

	// ErrMissingField is returned when a required response field is absent.
	ErrMissingField = errors.New("response field missing")
)

// RPCError is an error reported by kaspad inside a response payload.
type RPCError struct {
	Command string
	Message string
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	return fmt.Sprintf("kaspad %s: %s", e.Command, e.Message)
}

// CommunicationError is a channel-level failure: dial, send, receive,
// timeout or a broken stream. The channel that produced it has been disposed.
type CommunicationError struct {
	Addr    string
	Command string
	Err     error
}

// Error implements the error interface.
func (e *CommunicationError) Error() string {
	return fmt.Sprintf("kaspad %s: %s: %v", e.Addr, e.Command, e.Err)
}

// Unwrap returns the underlying error.
func (e *CommunicationError) Unwrap() error {
	return e.Err
}

// IsCommunicationError returns true if err is or wraps a *CommunicationError.
func IsCommunicationError(err error) bool {
	var commErr *CommunicationError
	return errors.As(err, &commErr)
}

// IsRetryable returns true if the error is likely transient and worth retrying
// against another backend.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	// Backend-reported errors would repeat on retry
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return false
	}

	if errors.Is(err, ErrPoolClosed) {
		return false
	}

	return IsCommunicationError(err)
}
