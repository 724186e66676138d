// Package transporttest provides an in-memory transport.Adapter for tests
// that need to script what the remote peer sends and inspect what was
// written to it.
package transporttest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/risa-org/zonis/packet"
	"github.com/risa-org/zonis/transport"
)

// Conn is a scripted peer. Messages passed to Deliver appear on Receive;
// messages passed to Send are recorded and readable with NextSent.
type Conn struct {
	mu          sync.Mutex
	sent        [][]byte                       // every message written, in order
	sentCh      chan []byte                    // feeds NextSent and Serve, closed with the connection
	incoming    chan []byte                    // what the peer "sent", drained by Receive
	disconnect  chan transport.DisconnectEvent // buffered(1), one event per connection
	closed      bool
	closeCode   transport.CloseCode // zero unless Close was called
	closeReason string

	// SendErr, when set, is returned by every Send.
	SendErr error
}

// New creates an open fake connection.
func New() *Conn {
	return &Conn{
		sentCh:     make(chan []byte, 64),
		incoming:   make(chan []byte, 64),
		disconnect: make(chan transport.DisconnectEvent, 1),
	}
}

func (c *Conn) Send(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SendErr != nil {
		return c.SendErr
	}
	if c.closed {
		return transport.ErrTransportClosed
	}
	c.sent = append(c.sent, payload)
	select {
	case c.sentCh <- payload:
	default:
	}
	return nil
}

func (c *Conn) Receive() <-chan []byte {
	return c.incoming
}

func (c *Conn) Disconnected() <-chan transport.DisconnectEvent {
	return c.disconnect
}

// Close records the code and reason and ends the inbound stream.
func (c *Conn) Close(code transport.CloseCode, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closeCode = code
	c.closeReason = reason
	c.finish(transport.DisconnectEvent{Reason: transport.ReasonClosedClean})
	return nil
}

// Drop simulates the peer going away without a close frame.
func (c *Conn) Drop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.finish(transport.DisconnectEvent{Reason: transport.ReasonClosedClean})
}

// CloseFromPeer simulates the peer closing with a close frame.
func (c *Conn) CloseFromPeer(code transport.CloseCode, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.finish(transport.DisconnectEvent{Reason: transport.ReasonClosedClean, Code: code, Text: reason})
}

// finish must be called with mu held. Send checks closed under mu, so
// nothing writes to sentCh after it is closed here.
func (c *Conn) finish(ev transport.DisconnectEvent) {
	c.closed = true
	c.disconnect <- ev
	close(c.incoming)
	close(c.sentCh)
}

// DeliverRaw queues raw text as if the peer had sent it.
// It is a no-op once the connection is closed.
func (c *Conn) DeliverRaw(raw []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.incoming <- raw
}

// Deliver encodes p and queues it as if the peer had sent it.
func (c *Conn) Deliver(p packet.Packet) {
	raw, err := packet.Encode(p)
	if err != nil {
		panic(err)
	}
	c.DeliverRaw(raw)
}

// Closed reports whether Close or Drop was called and, for Close, the
// code and reason given.
func (c *Conn) Closed() (bool, transport.CloseCode, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.closeCode, c.closeReason
}

// SentCount returns how many messages have been written so far.
func (c *Conn) SentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

// NextSent waits for the next written message and decodes it.
func (c *Conn) NextSent(t testing.TB) packet.Packet {
	t.Helper()
	select {
	case raw, ok := <-c.sentCh:
		if !ok {
			t.Fatal("connection closed with no packet left to read")
			return packet.Packet{}
		}
		p, err := packet.Decode(raw)
		if err != nil {
			t.Fatalf("peer received undecodable packet %q: %v", raw, err)
		}
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a sent packet")
		return packet.Packet{}
	}
}

// Serve answers every REQUEST written to the connection with reply until
// the connection closes. reply returning ok=false leaves the request
// unanswered. The returned channel is closed when the serving goroutine
// has exited.
func (c *Conn) Serve(reply func(req packet.Packet) (packet.Packet, bool)) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for raw := range c.sentCh {
			p, err := packet.Decode(raw)
			if err != nil || p.Type != packet.TypeRequest {
				continue
			}
			if resp, ok := reply(p); ok {
				c.Deliver(resp)
			}
		}
	}()
	return done
}
