package sender

import (
	"context"
	"fmt"
	"sync"

	"github.com/risa-org/zonis/packet"
	"github.com/risa-org/zonis/transport"
)

// Sender is the single place where packets for one connection are encoded
// and written. Adapters are not safe for concurrent Send, and several
// requests may be in flight on the same connection, so every write goes
// through mu.
type Sender struct {
	mu      sync.Mutex
	adapter transport.Adapter
}

// New creates a Sender that delivers packets via adapter.
func New(adapter transport.Adapter) *Sender {
	return &Sender{adapter: adapter}
}

// Send encodes p and writes it as one message.
// Encoding errors are returned as-is; transport errors keep
// transport.ErrTransportClosed in their chain.
func (s *Sender) Send(ctx context.Context, p packet.Packet) error {
	raw, err := packet.Encode(p)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.adapter.Send(ctx, raw); err != nil {
		return fmt.Errorf("send %s to %q: %w", p.Type, p.Identifier, err)
	}
	return nil
}

// Adapter returns the underlying transport adapter.
// Useful for accessing Receive() and Disconnected() channels.
func (s *Sender) Adapter() transport.Adapter {
	return s.adapter
}
