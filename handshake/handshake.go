package handshake

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/risa-org/zonis/packet"
	"github.com/risa-org/zonis/session"
	"github.com/risa-org/zonis/transport"
)

// Outcome is the terminal state of one handshake.
type Outcome int

const (
	OutcomeAccepted             Outcome = iota // registered and acknowledged
	OutcomeProtocolViolation                   // first packet was not a well-formed IDENTIFY
	OutcomeAuthenticationFailed                // wrong secret key
	OutcomeDuplicateConnection                 // identifier taken, no valid override key
	OutcomeFailed                              // transport fault or timeout
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeProtocolViolation:
		return "protocol_violation"
	case OutcomeAuthenticationFailed:
		return "authentication_failed"
	case OutcomeDuplicateConnection:
		return "duplicate_connection"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Close reasons sent to the peer alongside the close code.
const (
	ReasonInvalidSecretKey = "Invalid secret key."
	ReasonDuplicate        = "Duplicate identifier on IDENTIFY"
	ReasonSuperseded       = "Superseded by override IDENTIFY"
	ReasonTimeout          = "IDENTIFY not received in time"
	ReasonFailed           = "Identify failed"
)

// Result is what Identify returns. Exactly one of Session (accepted) or
// a non-accepted Outcome with Code/Reason is meaningful.
type Result struct {
	Outcome    Outcome
	Identifier string
	Session    *session.Session // the registered session, when accepted
	Replaced   *session.Session // connection superseded via the override key, if any
	Code       transport.CloseCode
	Reason     string
	Cause      error
}

// Accepted reports whether the connection was registered.
func (r Result) Accepted() bool {
	return r.Outcome == OutcomeAccepted
}

// Err converts a rejection into an *Error; it is nil when accepted.
func (r Result) Err() error {
	if r.Accepted() {
		return nil
	}
	return &Error{
		Outcome:    r.Outcome,
		Identifier: r.Identifier,
		Reason:     r.Reason,
		Cause:      r.Cause,
	}
}

// Registry is what the handshake needs from the connection registry.
// The duplicate check and the install must be one atomic step.
type Registry interface {
	Claim(identifier string, sess *session.Session, replace bool) (prev *session.Session, ok bool)
	CompareAndSwap(identifier string, old, next *session.Session) bool
}

// Config holds the credentials a handshake validates against.
type Config struct {
	SecretKey   string
	OverrideKey string
	Timeout     time.Duration // how long to wait for IDENTIFY; 0 waits for ctx only
}

// Handler processes the IDENTIFY exchange on new connections.
// It holds no per-connection state.
type Handler struct {
	registry Registry
	cfg      Config
}

// NewHandler creates a handshake handler installing into registry.
func NewHandler(registry Registry, cfg Config) *Handler {
	return &Handler{registry: registry, cfg: cfg}
}

// Identify runs the handshake on a freshly accepted connection.
//
// Steps:
//  1. Read exactly one packet
//  2. It must decode and be an IDENTIFY with a credential block
//  3. The secret key must match
//  4. Claim the identifier; an occupied slot needs the override key
//  5. Acknowledge with a null IDENTIFY
//  6. Close the connection that was superseded, if any
//
// Every rejection closes the connection before returning.
func (h *Handler) Identify(ctx context.Context, a transport.Adapter) Result {
	if h.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.cfg.Timeout)
		defer cancel()
	}

	// step 1
	var raw []byte
	select {
	case msg, ok := <-a.Receive():
		if !ok {
			return failed(a, "", transport.ErrTransportClosed)
		}
		raw = msg
	case <-ctx.Done():
		a.Close(transport.CloseProtocolError, ReasonTimeout)
		return Result{
			Outcome: OutcomeFailed,
			Code:    transport.CloseProtocolError,
			Reason:  ReasonTimeout,
			Cause:   ctx.Err(),
		}
	}

	// step 2
	p, err := packet.Decode(raw)
	if err != nil {
		return reject(a, OutcomeProtocolViolation, "", transport.CloseProtocolError, "Malformed packet", err)
	}
	if p.Type != packet.TypeIdentify {
		reason := fmt.Sprintf("Expected IDENTIFY, received %s", p.Type)
		return reject(a, OutcomeProtocolViolation, p.Identifier, transport.CloseProtocolError, reason, nil)
	}
	creds, err := p.Identify()
	if err != nil {
		return reject(a, OutcomeProtocolViolation, p.Identifier, transport.CloseProtocolError, "Malformed IDENTIFY data", err)
	}
	if p.Identifier == "" {
		return reject(a, OutcomeProtocolViolation, "", transport.CloseProtocolError, "IDENTIFY missing identifier", nil)
	}

	// step 3
	if !session.KeysEqual(creds.SecretKey, h.cfg.SecretKey) {
		return reject(a, OutcomeAuthenticationFailed, p.Identifier, transport.CloseInvalidSecretKey, ReasonInvalidSecretKey, nil)
	}

	// step 4
	override := creds.OverrideKey != "" && session.KeysEqual(creds.OverrideKey, h.cfg.OverrideKey)
	sess := session.New(p.Identifier, a)
	prev, ok := h.registry.Claim(p.Identifier, sess, override)
	if !ok {
		return reject(a, OutcomeDuplicateConnection, p.Identifier, transport.CloseDuplicate, ReasonDuplicate, nil)
	}
	sess.Transition(session.StateActive)

	// step 5
	if err := sess.Acknowledge(ctx, packet.NewIdentifyAck(p.Identifier)); err != nil {
		sess.Transition(session.StateClosed)
		h.restore(p.Identifier, sess, prev)
		return failed(a, p.Identifier, err)
	}

	// step 6
	if prev != nil && prev != sess {
		prev.Close(transport.CloseSuperseded, ReasonSuperseded)
	}

	return Result{
		Outcome:    OutcomeAccepted,
		Identifier: p.Identifier,
		Session:    sess,
		Replaced:   prev,
	}
}

// restore gives the slot back to prev after sess failed to acknowledge.
// A prev whose connection has died meanwhile could not remove itself while
// sess held the slot, so it is not put back.
func (h *Handler) restore(identifier string, sess, prev *session.Session) {
	if prev == nil || prev.State() == session.StateClosed {
		h.registry.CompareAndSwap(identifier, sess, nil)
		return
	}
	if !h.registry.CompareAndSwap(identifier, sess, prev) {
		return
	}
	// prev closes after the check above: its own cleanup either saw prev
	// in the slot or ran before the swap, and then the state is closed here
	if prev.State() == session.StateClosed {
		h.registry.CompareAndSwap(identifier, prev, nil)
	}
}

// reject closes the connection with code and reason and builds the result.
func reject(a transport.Adapter, outcome Outcome, identifier string, code transport.CloseCode, reason string, cause error) Result {
	a.Close(code, reason)
	return Result{
		Outcome:    outcome,
		Identifier: identifier,
		Code:       code,
		Reason:     reason,
		Cause:      cause,
	}
}

// failed handles faults that are not the peer's protocol mistake.
func failed(a transport.Adapter, identifier string, cause error) Result {
	if cause == nil {
		cause = errors.New("unknown failure")
	}
	return reject(a, OutcomeFailed, identifier, transport.CloseProtocolError, ReasonFailed, cause)
}
