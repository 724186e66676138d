// Package client is the endpoint side of zonis: it identifies to a server
// and answers the routes the server calls.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/risa-org/zonis/packet"
	"github.com/risa-org/zonis/transport"
	"github.com/risa-org/zonis/transport/sender"
)

// HandlerFunc answers one route. A returned error is sent back as a
// FAILURE_RESPONSE carrying err.Error().
type HandlerFunc func(ctx context.Context, args map[string]any) (any, error)

// ErrClosed matches every *CloseError.
var ErrClosed = errors.New("connection closed by server")

// CloseError reports how the server ended the connection.
type CloseError struct {
	Code   transport.CloseCode
	Reason string
	Err    error
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s (code %d)", ErrClosed, e.Code)
	}
	return fmt.Sprintf("%s (code %d): %s", ErrClosed, e.Code, e.Reason)
}

func (e *CloseError) Is(target error) bool { return target == ErrClosed }
func (e *CloseError) Unwrap() error        { return e.Err }

type Options struct {
	Identifier  string
	SecretKey   string
	OverrideKey string
	Logger      *zerolog.Logger
}

// Client holds the route table. One Client may serve several connections
// in turn, e.g. across reconnects.
type Client struct {
	opts   Options
	logger zerolog.Logger // Nop unless Options.Logger is set

	mu     sync.RWMutex
	routes map[string]HandlerFunc // route name -> handler, guarded by mu
}

func New(opts Options) *Client {
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = opts.Logger.With().Str("component", "client").Str("identifier", opts.Identifier).Logger()
	}
	return &Client{opts: opts, logger: logger, routes: make(map[string]HandlerFunc)}
}

// Route registers h under name, replacing any earlier handler.
func (c *Client) Route(name string, h HandlerFunc) {
	c.mu.Lock()
	c.routes[name] = h
	c.mu.Unlock()
}

func (c *Client) handler(name string) (HandlerFunc, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.routes[name]
	return h, ok
}

// Identify performs the handshake on a and waits for the server's ack.
// A rejection comes back as a *CloseError with the server's close code.
func (c *Client) Identify(ctx context.Context, a transport.Adapter) error {
	s := sender.New(a)
	if err := s.Send(ctx, packet.NewIdentify(c.opts.Identifier, c.opts.SecretKey, c.opts.OverrideKey)); err != nil {
		return err
	}

	select {
	case raw, ok := <-a.Receive():
		if !ok {
			return closeError(a)
		}
		p, err := packet.Decode(raw)
		if err != nil {
			return err
		}
		if p.Type != packet.TypeIdentify {
			return fmt.Errorf("%w: expected IDENTIFY ack, received %s", packet.ErrDataMismatch, p.Type)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Serve identifies and then answers requests until the connection ends
// or ctx is cancelled. Requests are handled concurrently; replies echo
// the request id.
func (c *Client) Serve(ctx context.Context, a transport.Adapter) error {
	if err := c.Identify(ctx, a); err != nil {
		return err
	}
	c.logger.Info().Msg("identified")

	s := sender.New(a)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case raw, ok := <-a.Receive():
			if !ok {
				return closeError(a)
			}
			p, err := packet.Decode(raw)
			if err != nil {
				c.logger.Warn().Err(err).Msg("packet_malformed")
				continue
			}
			if p.Type != packet.TypeRequest {
				c.logger.Debug().Str("type", string(p.Type)).Msg("packet_ignored")
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				c.answer(ctx, s, p)
			}()
		case <-ctx.Done():
			a.Close(transport.CloseNormal, "client shutting down")
			return ctx.Err()
		}
	}
}

func (c *Client) answer(ctx context.Context, s *sender.Sender, req packet.Packet) {
	reply := c.dispatch(ctx, req)
	if err := s.Send(ctx, reply); err != nil {
		c.logger.Warn().Err(err).Str("request_id", req.ID).Msg("reply_failed")
	}
}

func (c *Client) dispatch(ctx context.Context, req packet.Packet) packet.Packet {
	data, err := req.Request()
	if err != nil {
		return packet.NewFailure(c.opts.Identifier, req.ID, err.Error())
	}
	h, ok := c.handler(data.Route)
	if !ok {
		return packet.NewFailure(c.opts.Identifier, req.ID, fmt.Sprintf("unknown route %q", data.Route))
	}
	result, err := h(ctx, data.Arguments)
	if err != nil {
		return packet.NewFailure(c.opts.Identifier, req.ID, err.Error())
	}
	resp, err := packet.NewResponse(c.opts.Identifier, req.ID, result)
	if err != nil {
		return packet.NewFailure(c.opts.Identifier, req.ID, err.Error())
	}
	return resp
}

func closeError(a transport.Adapter) error {
	select {
	case ev := <-a.Disconnected():
		return &CloseError{Code: ev.Code, Reason: ev.Text, Err: ev.Err}
	default:
		return &CloseError{Err: transport.ErrTransportClosed}
	}
}
