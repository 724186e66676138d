package websocket

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"

	"nhooyr.io/websocket"

	"github.com/risa-org/zonis/transport"
)

// ReadLimit is the largest message accepted from a peer.
const ReadLimit = 16 << 20

// Adapter implements transport.Adapter over a plain WebSocket connection.
// Each packet is one text message; WebSocket already has message
// boundaries, so no framing of our own is needed.
type Adapter struct {
	conn       *websocket.Conn                // the underlying WebSocket connection
	incoming   chan []byte                    // delivers received messages to caller
	disconnect chan transport.DisconnectEvent // signals when connection closes
	closeOnce  sync.Once                      // guarantees cleanup runs exactly once
	closing    atomic.Bool                    // set by Close, marks the read error as ours
	ctx        context.Context                // scopes the read loop
	cancel     context.CancelFunc             // stops the read loop on close
}

// New wraps an existing *websocket.Conn in a transport Adapter.
func New(conn *websocket.Conn) *Adapter {
	ctx, cancel := context.WithCancel(context.Background())
	conn.SetReadLimit(ReadLimit)
	a := &Adapter{
		conn:       conn,
		incoming:   make(chan []byte, 64),                   // buffered so reader doesn't block on slow consumers
		disconnect: make(chan transport.DisconnectEvent, 1), // buffered so the event never blocks
		ctx:        ctx,
		cancel:     cancel,
	}
	go a.readLoop()
	return a
}

// Handler returns an http.Handler that upgrades each request and hands the
// resulting adapter to serve. serve runs on the request goroutine and the
// connection lives as long as it does.
func Handler(serve func(ctx context.Context, a transport.Adapter), opts *websocket.AcceptOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, opts)
		if err != nil {
			// Accept has already written the error response
			return
		}
		a := New(conn)
		defer a.Close(transport.CloseNormal, "")
		serve(r.Context(), a)
	})
}

// Dial connects to a websocket endpoint and wraps the connection.
func Dial(ctx context.Context, url string) (*Adapter, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return New(conn), nil
}

func (a *Adapter) Send(ctx context.Context, payload []byte) error {
	if a.closing.Load() {
		return transport.ErrTransportClosed
	}
	if err := a.conn.Write(ctx, websocket.MessageText, payload); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return transport.ErrTransportClosed
	}
	return nil
}

func (a *Adapter) Receive() <-chan []byte {
	return a.incoming
}

func (a *Adapter) Disconnected() <-chan transport.DisconnectEvent {
	return a.disconnect
}

// Close runs the websocket close handshake with code and reason. The read
// context is cancelled only afterwards so the close frame is not replaced
// by the library's own policy-violation close.
func (a *Adapter) Close(code transport.CloseCode, reason string) error {
	var err error
	a.closeOnce.Do(func() {
		a.closing.Store(true)
		err = a.conn.Close(websocket.StatusCode(code), reason)
		a.cancel()
	})
	return err
}

func (a *Adapter) readLoop() {
	defer func() {
		close(a.incoming)
		a.cancel()
	}()

	for {
		_, data, err := a.conn.Read(a.ctx)
		if err != nil {
			a.signalDisconnect(err)
			return
		}
		select {
		case a.incoming <- data:
		case <-a.ctx.Done():
			a.signalDisconnect(a.ctx.Err())
			return
		}
	}
}

// signalDisconnect sends exactly one disconnect event.
// A close frame from the peer is a clean close whatever its code; the code
// and reason are passed up so the server and clients can tell why.
// Errors that follow our own Close are clean as well.
func (a *Adapter) signalDisconnect(err error) {
	event := transport.DisconnectEvent{}

	var closeErr websocket.CloseError
	switch {
	case errors.As(err, &closeErr):
		event.Reason = transport.ReasonClosedClean
		event.Code = transport.CloseCode(closeErr.Code)
		event.Text = closeErr.Reason
	case a.closing.Load(), a.ctx.Err() != nil:
		event.Reason = transport.ReasonClosedClean
	default:
		event.Reason = transport.ReasonNetworkError
		event.Err = err
	}

	select {
	case a.disconnect <- event:
	default:
	}
}
