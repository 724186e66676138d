package handshake

import (
	"errors"
	"fmt"
	"strings"
)

// Every rejected or failed handshake produces an *Error that matches
// ErrHandshakeFailed, so an accept loop needs one check. The specific
// kind is also in the chain for callers that care.
var (
	ErrHandshakeFailed      = errors.New("handshake failed")
	ErrProtocolViolation    = errors.New("protocol violation")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrDuplicateConnection  = errors.New("duplicate connection")
)

// Error describes why a connection was not registered.
type Error struct {
	Outcome    Outcome
	Identifier string
	Reason     string
	Cause      error // lower-level fault, if any
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(ErrHandshakeFailed.Error())
	if kind := e.kind(); kind != nil {
		b.WriteString(": ")
		b.WriteString(kind.Error())
	}
	if e.Identifier != "" {
		fmt.Fprintf(&b, " (identifier %q)", e.Identifier)
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap exposes ErrHandshakeFailed, the outcome's kind and the cause.
func (e *Error) Unwrap() []error {
	errs := []error{ErrHandshakeFailed}
	if kind := e.kind(); kind != nil {
		errs = append(errs, kind)
	}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

func (e *Error) kind() error {
	switch e.Outcome {
	case OutcomeProtocolViolation:
		return ErrProtocolViolation
	case OutcomeAuthenticationFailed:
		return ErrAuthenticationFailed
	case OutcomeDuplicateConnection:
		return ErrDuplicateConnection
	default:
		return nil
	}
}
