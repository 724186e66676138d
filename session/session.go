package session

import (
	"context"
	"sync"
	"time"

	"github.com/risa-org/zonis/packet"
	"github.com/risa-org/zonis/transport"
	"github.com/risa-org/zonis/transport/sender"
)

// State is where a connection is in its lifecycle.
type State int

const (
	StateConnecting State = iota // accepted, IDENTIFY not yet validated
	StateActive                  // identified and registered
	StateClosed                  // transport gone or rejected, terminal
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one live connection bound to a client identifier.
// It owns the write side of the connection and the table of requests
// waiting for an answer on it.
type Session struct {
	Identifier  string
	ConnectedAt time.Time

	mu           sync.Mutex
	state        State
	lastActiveAt time.Time

	sender  *sender.Sender // serializes writes from concurrent requests
	pending *pendingTable  // requests sent on this connection, not yet answered

	acked     chan struct{} // closed once the IDENTIFY ack is out or the session closes
	ackedOnce sync.Once
}

// New creates a session in StateConnecting for the given adapter.
func New(identifier string, a transport.Adapter) *Session {
	now := time.Now()
	return &Session{
		Identifier:   identifier,
		ConnectedAt:  now,
		state:        StateConnecting,
		lastActiveAt: now,
		sender:       sender.New(a),
		pending:      newPendingTable(),
		acked:        make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transition moves the session to next if the move is legal.
// Closed is terminal.
func (s *Session) Transition(next State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !isValidTransition(s.state, next) {
		return false
	}
	s.state = next
	s.lastActiveAt = time.Now()
	if next == StateClosed {
		s.releaseSends()
	}
	return true
}

func isValidTransition(from, to State) bool {
	switch from {
	case StateConnecting:
		return to == StateActive || to == StateClosed
	case StateActive:
		return to == StateClosed
	default:
		return false
	}
}

// Touch records inbound activity.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActiveAt = time.Now()
	s.mu.Unlock()
}

// LastActiveAt is the last state change or inbound packet.
func (s *Session) LastActiveAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActiveAt
}

// Acknowledge writes the IDENTIFY ack. It must be the first packet the
// peer sees, so Send blocks until Acknowledge has returned.
func (s *Session) Acknowledge(ctx context.Context, ack packet.Packet) error {
	defer s.releaseSends()
	return s.sender.Send(ctx, ack)
}

// Send writes one packet; writes from concurrent requests are serialized.
// It waits for the IDENTIFY ack, or for the session to close, first.
func (s *Session) Send(ctx context.Context, p packet.Packet) error {
	select {
	case <-s.acked:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.sender.Send(ctx, p)
}

func (s *Session) releaseSends() {
	s.ackedOnce.Do(func() { close(s.acked) })
}

// Adapter returns the transport underneath the session.
func (s *Session) Adapter() transport.Adapter {
	return s.sender.Adapter()
}

// Close shuts the transport with code and reason and marks the session closed.
func (s *Session) Close(code transport.CloseCode, reason string) error {
	s.Transition(StateClosed)
	return s.sender.Adapter().Close(code, reason)
}

// Await registers requestID as outstanding. Register before sending the
// request so a fast reply cannot arrive ahead of its waiter.
func (s *Session) Await(requestID string) (<-chan Reply, error) {
	return s.pending.add(requestID)
}

// Cancel forgets an outstanding request, e.g. after its context expired.
// A reply arriving later is reported as unsolicited by Resolve.
func (s *Session) Cancel(requestID string) {
	s.pending.remove(requestID)
}

// Resolve hands a RESPONSE or FAILURE_RESPONSE to its waiter.
// It returns false when nothing was waiting for it.
func (s *Session) Resolve(p packet.Packet) bool {
	return s.pending.resolve(p)
}

// Fail ends the session: every outstanding request receives err and
// later Await calls return it.
func (s *Session) Fail(err error) {
	s.Transition(StateClosed)
	s.pending.failAll(err)
}

// Pending is the number of requests still waiting for an answer.
func (s *Session) Pending() int {
	return s.pending.len()
}
