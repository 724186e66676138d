// Package managed adapts framework-managed websockets: connections that are
// upgraded inside a gin route by gorilla/websocket rather than accepted by
// a dedicated websocket server.
package managed

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/risa-org/zonis/transport"
)

const (
	WriteWait      = 10 * time.Second // max time to write a control frame
	MaxMessageSize = 16 << 20         // maximum message size allowed from peer
)

// DefaultUpgrader accepts any origin; put the route behind your own
// middleware if that matters for your deployment.
var DefaultUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Adapter implements transport.Adapter over a gorilla websocket connection.
type Adapter struct {
	conn       *websocket.Conn                // the upgraded gorilla connection
	incoming   chan []byte                    // delivers received messages to caller
	disconnect chan transport.DisconnectEvent // signals when connection closes
	done       chan struct{}                  // closed on shutdown, stops the read loop
	closeOnce  sync.Once                      // guarantees cleanup runs exactly once
	closing    atomic.Bool                    // set by Close, marks the read error as ours
	writeMu    sync.Mutex                     // gorilla supports one concurrent writer
}

// New wraps an upgraded connection and starts its read loop.
func New(conn *websocket.Conn) *Adapter {
	conn.SetReadLimit(MaxMessageSize)
	a := &Adapter{
		conn:       conn,
		incoming:   make(chan []byte, 64),                   // buffered so reader doesn't block on slow consumers
		disconnect: make(chan transport.DisconnectEvent, 1), // buffered so the event never blocks
		done:       make(chan struct{}),
	}
	go a.readLoop()
	return a
}

// Handler upgrades the gin request and runs serve for the lifetime of the
// connection on the handler goroutine.
func Handler(serve func(ctx context.Context, a transport.Adapter), upgrader *websocket.Upgrader) gin.HandlerFunc {
	if upgrader == nil {
		upgrader = &DefaultUpgrader
	}
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			// Upgrade has already replied with an HTTP error
			return
		}
		a := New(conn)
		defer a.Close(transport.CloseNormal, "")
		serve(c.Request.Context(), a)
	}
}

// Dial connects to a websocket endpoint with gorilla's default dialer.
func Dial(ctx context.Context, url string) (*Adapter, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return New(conn), nil
}

func (a *Adapter) Send(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	if a.closing.Load() {
		return transport.ErrTransportClosed
	}
	deadline, _ := ctx.Deadline()
	a.conn.SetWriteDeadline(deadline)

	// gorilla applies its deadline before each write; cancelling has to
	// reach the socket underneath to interrupt one already blocked
	interrupted := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		a.conn.NetConn().SetWriteDeadline(time.Now())
		close(interrupted)
	})
	err := a.conn.WriteMessage(websocket.TextMessage, payload)
	if !stop() {
		<-interrupted
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
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

// Close writes a close frame with code and reason and closes the socket.
func (a *Adapter) Close(code transport.CloseCode, reason string) error {
	var err error
	a.closeOnce.Do(func() {
		a.closing.Store(true)
		msg := websocket.FormatCloseMessage(int(code), reason)
		a.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(WriteWait))
		close(a.done)
		err = a.conn.Close()
	})
	return err
}

func (a *Adapter) shutdown() {
	a.closeOnce.Do(func() {
		a.closing.Store(true)
		close(a.done)
		a.conn.Close()
	})
}

func (a *Adapter) readLoop() {
	defer func() {
		close(a.incoming)
		a.shutdown()
	}()

	for {
		_, data, err := a.conn.ReadMessage()
		if err != nil {
			a.signalDisconnect(err)
			return
		}
		select {
		case a.incoming <- data:
		case <-a.done:
			a.signalDisconnect(nil)
			return
		}
	}
}

func (a *Adapter) signalDisconnect(err error) {
	event := transport.DisconnectEvent{}

	var closeErr *websocket.CloseError
	switch {
	case errors.As(err, &closeErr):
		event.Reason = transport.ReasonClosedClean
		event.Code = transport.CloseCode(closeErr.Code)
		event.Text = closeErr.Text
	case err == nil, a.closing.Load():
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
