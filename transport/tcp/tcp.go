package tcp

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/risa-org/zonis/transport"
)

// Adapter implements transport.Adapter over a raw TCP connection.
//
// Wire format for each frame:
//
//	[1 byte: kind][4 bytes: payload length uint32 big-endian][N bytes: payload]
//
// A data frame carries one text message. A close frame carries a 2-byte
// close code followed by the reason, mirroring the websocket close frame
// so every adapter reports the same DisconnectEvent to the server.
type Adapter struct {
	conn       net.Conn                       // the underlying TCP connection
	incoming   chan []byte                    // delivers received messages to caller
	disconnect chan transport.DisconnectEvent // signals when connection closes
	done       chan struct{}                  // closed by Close or shutdown, stops the read loop
	closeOnce  sync.Once                      // guarantees cleanup runs exactly once
	closing    atomic.Bool                    // set before the socket closes, marks read errors as clean
	broken     atomic.Bool                    // a frame was cut off mid-write, the stream is unusable
	writeMu    sync.Mutex                     // one writer at a time, frames must not interleave
}

const (
	kindData  byte = 0x01
	kindClose byte = 0x02
)

// MaxFrameSize bounds a single frame so a corrupt length prefix cannot
// make the reader allocate arbitrary memory.
const MaxFrameSize = 16 << 20

const closeWriteTimeout = time.Second

var errFrameTooLarge = errors.New("tcp: frame exceeds MaxFrameSize")

// New wraps an existing net.Conn in a transport Adapter.
// The conn must already be established; dialing or accepting happens outside.
// Immediately starts a read loop goroutine in the background.
func New(conn net.Conn) *Adapter {
	a := &Adapter{
		conn:       conn,
		incoming:   make(chan []byte, 64),                   // buffered so reader doesn't block on slow consumers
		disconnect: make(chan transport.DisconnectEvent, 1), // buffered so emit never blocks
		done:       make(chan struct{}),
	}
	go a.readLoop()
	return a
}

// Send writes one data frame. Uses writeMu so a frame is never interleaved
// with a concurrent close frame. Cancelling ctx interrupts a write that is
// blocked on a peer that stopped reading.
func (a *Adapter) Send(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	if a.closing.Load() || a.broken.Load() {
		return transport.ErrTransportClosed
	}
	deadline, _ := ctx.Deadline()
	a.conn.SetWriteDeadline(deadline)

	interrupted := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		a.conn.SetWriteDeadline(time.Now())
		close(interrupted)
	})
	n, err := a.writeFrame(kindData, payload)
	if !stop() {
		// the deadline may still be in the past; the next Send resets it
		<-interrupted
	}
	if err == nil {
		return nil
	}
	if n > 0 {
		// the peer holds half a frame; nothing sent after it can be parsed
		a.broken.Store(true)
		a.conn.Close()
	}
	if ctxErr := ctx.Err(); ctxErr != nil && n == 0 {
		return ctxErr
	}
	return transport.ErrTransportClosed
}

func (a *Adapter) Receive() <-chan []byte {
	return a.incoming
}

func (a *Adapter) Disconnected() <-chan transport.DisconnectEvent {
	return a.disconnect
}

// Close sends a close frame carrying code and reason, then closes the
// socket. The close frame is best effort: a peer that stopped reading
// holds Close up for at most closeWriteTimeout, and a Send blocked on such
// a peer is cut off by closing the socket after the same interval.
func (a *Adapter) Close(code transport.CloseCode, reason string) error {
	var err error
	a.closeOnce.Do(func() {
		a.closing.Store(true)
		if !a.writeMu.TryLock() {
			cut := time.AfterFunc(closeWriteTimeout, func() { a.conn.Close() })
			a.writeMu.Lock()
			if !cut.Stop() {
				a.broken.Store(true)
			}
		}
		if !a.broken.Load() {
			a.conn.SetWriteDeadline(time.Now().Add(closeWriteTimeout))
			a.writeFrame(kindClose, encodeClose(code, reason))
		}
		a.writeMu.Unlock()

		close(a.done)
		if cerr := a.conn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
	})
	return err
}

// shutdown closes the socket without a close frame. Used by the read loop
// once the peer is already gone or has sent its own close frame.
func (a *Adapter) shutdown() {
	a.closeOnce.Do(func() {
		a.closing.Store(true)
		close(a.done)
		a.conn.Close()
	})
}

// writeFrame reports how many bytes reached the socket, so callers can
// tell a frame that never started from one that was cut off.
func (a *Adapter) writeFrame(kind byte, payload []byte) (int, error) {
	var header [5]byte
	header[0] = kind
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload)))
	n, err := a.conn.Write(header[:])
	if err != nil {
		return n, err
	}
	m, err := a.conn.Write(payload)
	return n + m, err
}

// readLoop reads frames until the connection closes, delivering data
// frames in order and turning a close frame into a DisconnectEvent.
func (a *Adapter) readLoop() {
	defer func() {
		close(a.incoming)
		a.shutdown()
	}()

	for {
		var header [5]byte
		if _, err := io.ReadFull(a.conn, header[:]); err != nil {
			a.signalDisconnect(err)
			return
		}
		size := binary.BigEndian.Uint32(header[1:])
		if size > MaxFrameSize {
			a.signalDisconnect(errFrameTooLarge)
			return
		}
		payload := make([]byte, size)
		if _, err := io.ReadFull(a.conn, payload); err != nil {
			a.signalDisconnect(err)
			return
		}

		switch header[0] {
		case kindData:
			select {
			case a.incoming <- payload:
			case <-a.done:
				a.signalDisconnect(nil)
				return
			}
		case kindClose:
			code, reason := decodeClose(payload)
			a.emit(transport.DisconnectEvent{
				Reason: transport.ReasonClosedClean,
				Code:   code,
				Text:   reason,
			})
			return
		default:
			// unknown frame kinds are skipped so newer peers can add them
		}
	}
}

// signalDisconnect classifies a read error. EOF and errors caused by our
// own Close are clean; anything else is a network error.
func (a *Adapter) signalDisconnect(err error) {
	event := transport.DisconnectEvent{}

	var netErr net.Error
	switch {
	case err == nil, errors.Is(err, io.EOF), a.closing.Load():
		event.Reason = transport.ReasonClosedClean
	case errors.As(err, &netErr) && netErr.Timeout():
		event.Reason = transport.ReasonTimeout
		event.Err = err
	default:
		event.Reason = transport.ReasonNetworkError
		event.Err = err
	}
	a.emit(event)
}

// emit is a non-blocking send; the channel is buffered(1) so the first
// event always lands and later ones are dropped.
func (a *Adapter) emit(event transport.DisconnectEvent) {
	select {
	case a.disconnect <- event:
	default:
	}
}

func encodeClose(code transport.CloseCode, reason string) []byte {
	buf := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(buf, uint16(code))
	copy(buf[2:], reason)
	return buf
}

func decodeClose(payload []byte) (transport.CloseCode, string) {
	if len(payload) < 2 {
		return transport.CloseNormal, ""
	}
	return transport.CloseCode(binary.BigEndian.Uint16(payload)), string(payload[2:])
}
