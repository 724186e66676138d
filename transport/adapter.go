package transport

import (
	"context"
	"errors"
)

// ErrTransportClosed is returned when you try to send on a closed transport.
var ErrTransportClosed = errors.New("transport closed")

// CloseCode is sent to the peer together with a reason when a connection
// is shut down. Values in the 4000-4999 range are application codes and
// are the same on every adapter.
type CloseCode int

const (
	CloseNormal    CloseCode = 1000 // orderly shutdown
	CloseGoingAway CloseCode = 1001 // server stopping

	CloseInvalidSecretKey CloseCode = 4100 // IDENTIFY carried the wrong secret key
	CloseProtocolError    CloseCode = 4101 // first packet was not a well-formed IDENTIFY
	CloseDuplicate        CloseCode = 4102 // identifier taken and no valid override key
	CloseSuperseded       CloseCode = 4103 // replaced by a newer connection using the override key
)

// DisconnectReason tells the session layer why a transport closed.
type DisconnectReason int

const (
	ReasonUnknown      DisconnectReason = iota // catch-all, should be rare
	ReasonNetworkError                         // underlying connection failed
	ReasonTimeout                              // no activity within deadline
	ReasonClosedClean                          // graceful shutdown by either side
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonNetworkError:
		return "network_error"
	case ReasonTimeout:
		return "timeout"
	case ReasonClosedClean:
		return "closed_clean"
	default:
		return "unknown"
	}
}

// DisconnectEvent is sent on the channel returned by Disconnected().
// Code and Text are populated when the peer closed with a close frame.
type DisconnectEvent struct {
	Reason DisconnectReason
	Code   CloseCode
	Text   string
	Err    error // nil on clean close, populated on errors
}

// Adapter is the contract every transport must satisfy.
// The handshake and the dispatcher only ever talk to this interface;
// which concrete socket sits underneath is decided at the edge.
type Adapter interface {
	// Send delivers one text message to the remote side.
	// Returns ErrTransportClosed if the transport is no longer active.
	// Send is not required to be safe for concurrent use; see sender.Sender.
	Send(ctx context.Context, payload []byte) error

	// Receive returns a channel that emits incoming messages in order.
	// The channel is closed when the transport closes.
	Receive() <-chan []byte

	// Disconnected emits exactly one DisconnectEvent when the transport
	// closes, for any reason. It is sent before Receive is closed.
	Disconnected() <-chan DisconnectEvent

	// Close shuts the transport down, telling the peer why.
	// Safe to call multiple times; later calls are no-ops.
	Close(code CloseCode, reason string) error
}
