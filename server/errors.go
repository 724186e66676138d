package server

import (
	"errors"

	"github.com/risa-org/zonis/handshake"
)

var (
	// ErrUnknownClient is returned when no connection is registered under
	// the requested identifier. Nothing is sent.
	ErrUnknownClient = errors.New("unknown client")

	// ErrRequestFailed matches every *RequestFailedError.
	ErrRequestFailed = errors.New("request failed")

	// ErrServerClosed is returned by Serve after Close.
	ErrServerClosed = errors.New("server closed")

	errConnectionClosed = errors.New("connection closed")
)

// Handshake errors, re-exported so callers of Serve need one import.
var (
	ErrHandshakeFailed      = handshake.ErrHandshakeFailed
	ErrProtocolViolation    = handshake.ErrProtocolViolation
	ErrAuthenticationFailed = handshake.ErrAuthenticationFailed
	ErrDuplicateConnection  = handshake.ErrDuplicateConnection
)

// RequestFailedError is a request that got no usable answer. Message is
// the remote FAILURE_RESPONSE text, or a local description such as
// "connection closed" when Err holds the cause.
type RequestFailedError struct {
	Identifier string
	Route      string
	Message    string
	Err        error
}

func (e *RequestFailedError) Error() string {
	return "request failed: " + e.Message
}

func (e *RequestFailedError) Is(target error) bool {
	return target == ErrRequestFailed
}

func (e *RequestFailedError) Unwrap() error {
	return e.Err
}
