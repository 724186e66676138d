// Package server is the coordinator side of zonis: it accepts client
// connections, runs the IDENTIFY handshake, keeps the registry of
// identified clients and issues requests to them.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/risa-org/zonis/handshake"
	"github.com/risa-org/zonis/observability"
	"github.com/risa-org/zonis/packet"
	"github.com/risa-org/zonis/presence"
	"github.com/risa-org/zonis/session"
	"github.com/risa-org/zonis/store/memory"
	"github.com/risa-org/zonis/transport"
)

// DefaultIdentifier is used when Request is given an empty identifier.
const DefaultIdentifier = "DEFAULT"

const reasonShutdown = "server shutting down"

// Options configures a Server. Everything is fixed at construction.
type Options struct {
	SecretKey string
	// OverrideKey lets a client replace a live connection with the same
	// identifier. Empty generates a random key, see Server.OverrideKey.
	OverrideKey string

	HandshakeTimeout time.Duration
	// RequestTimeout bounds requests whose context has no deadline.
	// Zero waits for the context only.
	RequestTimeout time.Duration

	// HandshakeRate limits handshakes per second across all connections,
	// with bursts up to HandshakeBurst. Zero disables the limit.
	HandshakeRate  float64
	HandshakeBurst int

	Registry *memory.Store // nil creates an empty registry
	Logger   *zerolog.Logger
	Metrics  *observability.Metrics
	Presence presence.Publisher
}

// Server holds the registry and the request machinery.
type Server struct {
	registry    *memory.Store      // identifier -> live session
	handshake   *handshake.Handler // shares registry
	limiter     *rate.Limiter      // nil when handshakes are not throttled
	overrideKey string             // configured or generated at New

	requestTimeout time.Duration // applied only when the caller's ctx has no deadline

	logger     zerolog.Logger
	metrics    *observability.Metrics // nil records nothing
	presence   presence.Publisher
	presenceMu sync.Mutex // orders publishes with respect to the registry

	mu       sync.Mutex         // guards closed against concurrent Serve calls
	closed   bool               // set once by Close, refuses new connections
	conns    sync.WaitGroup     // one per running Serve
	shutdown context.Context    // cancelled by Close, linked into every Serve ctx
	stop     context.CancelFunc // cancels shutdown
}

// New validates opts and builds a Server.
func New(opts Options) (*Server, error) {
	overrideKey := opts.OverrideKey
	if overrideKey == "" {
		key, err := session.GenerateOverrideKey()
		if err != nil {
			return nil, err
		}
		overrideKey = key
	} else if err := session.ValidateOverrideKey(overrideKey); err != nil {
		return nil, err
	}

	registry := opts.Registry
	if registry == nil {
		registry = memory.New()
	}

	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = opts.Logger.With().Str("component", "server").Logger()
	}

	var pub presence.Publisher = presence.Nop{}
	if opts.Presence != nil {
		pub = opts.Presence
	}

	s := &Server{
		registry: registry,
		handshake: handshake.NewHandler(registry, handshake.Config{
			SecretKey:   opts.SecretKey,
			OverrideKey: overrideKey,
			Timeout:     opts.HandshakeTimeout,
		}),
		overrideKey:    overrideKey,
		requestTimeout: opts.RequestTimeout,
		logger:         logger,
		metrics:        opts.Metrics,
		presence:       pub,
	}
	s.shutdown, s.stop = context.WithCancel(context.Background())
	if opts.HandshakeRate > 0 {
		burst := opts.HandshakeBurst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(opts.HandshakeRate), burst)
	}
	return s, nil
}

// OverrideKey returns the key clients must present to supersede a live
// connection. When none was configured this is the generated one.
func (s *Server) OverrideKey() string {
	return s.overrideKey
}

// Serve owns one accepted connection until it closes: it runs the
// handshake and then reads replies for requests issued on it.
// It returns the handshake error for rejected connections and nil once an
// identified connection ends. Cancelling ctx closes the connection.
func (s *Server) Serve(ctx context.Context, a transport.Adapter) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		a.Close(transport.CloseGoingAway, reasonShutdown)
		return ErrServerClosed
	}
	s.conns.Add(1)
	s.mu.Unlock()
	defer s.conns.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	unlink := context.AfterFunc(s.shutdown, cancel)
	defer unlink()

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			a.Close(transport.CloseGoingAway, reasonShutdown)
			return fmt.Errorf("wait for handshake slot: %w", err)
		}
	}

	res := s.handshake.Identify(ctx, a)
	s.metrics.RecordHandshake(res.Outcome.String())
	if !res.Accepted() {
		s.logger.Warn().
			Str("identifier", res.Identifier).
			Str("outcome", res.Outcome.String()).
			Int("close_code", int(res.Code)).
			Str("reason", res.Reason).
			AnErr("cause", res.Cause).
			Msg("handshake_rejected")
		return res.Err()
	}

	sess := res.Session
	s.logger.Info().
		Str("identifier", sess.Identifier).
		Bool("superseded_previous", res.Replaced != nil).
		Msg("client_identified")
	s.publish(presence.Event{Kind: presence.KindConnected, Identifier: sess.Identifier}, sess)

	stop := context.AfterFunc(ctx, func() {
		sess.Close(transport.CloseGoingAway, reasonShutdown)
	})
	defer stop()

	s.readLoop(sess)
	return nil
}

// readLoop routes inbound packets until the connection closes, then
// cleans up after it.
func (s *Server) readLoop(sess *session.Session) {
	a := sess.Adapter()
	for raw := range a.Receive() {
		s.handleInbound(sess, raw)
	}

	var ev transport.DisconnectEvent
	select {
	case ev = <-a.Disconnected():
	default:
	}

	sess.Fail(errConnectionClosed)

	// only remove the entry if it is still ours; a superseding
	// connection may already hold the identifier
	removed := s.registry.CompareAndSwap(sess.Identifier, sess, nil)
	if removed {
		s.publish(presence.Event{Kind: presence.KindDisconnected, Identifier: sess.Identifier, Reason: ev.Reason.String()}, sess)
	}

	s.logger.Info().
		Str("identifier", sess.Identifier).
		Str("reason", ev.Reason.String()).
		Int("close_code", int(ev.Code)).
		Str("close_text", ev.Text).
		AnErr("error", ev.Err).
		Bool("deregistered", removed).
		Dur("connected_for", time.Since(sess.ConnectedAt)).
		Msg("client_disconnected")
}

func (s *Server) handleInbound(sess *session.Session, raw []byte) {
	sess.Touch()

	p, err := packet.Decode(raw)
	if err != nil {
		s.logger.Warn().Str("identifier", sess.Identifier).Err(err).Msg("packet_malformed")
		return
	}

	switch p.Type {
	case packet.TypeResponse, packet.TypeFailureResponse:
		if !sess.Resolve(p) {
			s.logger.Debug().
				Str("identifier", sess.Identifier).
				Str("request_id", p.ID).
				Msg("reply_unsolicited")
		}
	default:
		// IDENTIFY after the handshake, or a client-initiated REQUEST
		s.logger.Warn().
			Str("identifier", sess.Identifier).
			Str("type", string(p.Type)).
			Msg("packet_unexpected")
	}
}

// Request sends route with args to one client and waits for its answer.
// An empty identifier means DefaultIdentifier. A FAILURE_RESPONSE comes
// back as a *RequestFailedError carrying the remote message.
func (s *Server) Request(ctx context.Context, identifier, route string, args map[string]any) (json.RawMessage, error) {
	if identifier == "" {
		identifier = DefaultIdentifier
	}
	sess, ok := s.registry.Get(identifier)
	if !ok {
		s.metrics.RecordRequest(route, "unknown_client", 0)
		return nil, fmt.Errorf("%w: %q", ErrUnknownClient, identifier)
	}
	return s.request(ctx, sess, route, args)
}

// Result is one client's answer in a RequestAll fan-out.
type Result struct {
	Data json.RawMessage
	Err  error
}

// RequestAll sends route to every client registered when it starts and
// collects all answers. A failing client never aborts the others; its
// error is stored in its entry instead.
func (s *Server) RequestAll(ctx context.Context, route string, args map[string]any) map[string]Result {
	entries := s.registry.All()
	results := make(map[string]Result, len(entries))

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, e := range entries {
		wg.Add(1)
		go func(e memory.Entry) {
			defer wg.Done()
			data, err := s.request(ctx, e.Session, route, args)
			mu.Lock()
			results[e.Identifier] = Result{Data: data, Err: err}
			mu.Unlock()
		}(e)
	}
	wg.Wait()
	return results
}

func (s *Server) request(ctx context.Context, sess *session.Session, route string, args map[string]any) (json.RawMessage, error) {
	start := time.Now()
	data, err := s.roundTrip(ctx, sess, route, args)

	outcome := "ok"
	event := s.logger.Debug()
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		outcome = "timeout"
		event = s.logger.Warn()
	default:
		outcome = "failed"
		event = s.logger.Warn()
	}
	s.metrics.RecordRequest(route, outcome, time.Since(start))

	event.
		Str("identifier", sess.Identifier).
		Str("route", route).
		Str("outcome", outcome).
		Dur("duration", time.Since(start)).
		Err(err).
		Msg("request_completed")
	return data, err
}

func (s *Server) roundTrip(ctx context.Context, sess *session.Session, route string, args map[string]any) (json.RawMessage, error) {
	if _, ok := ctx.Deadline(); !ok && s.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.requestTimeout)
		defer cancel()
	}

	fail := func(msg string, cause error) error {
		return &RequestFailedError{Identifier: sess.Identifier, Route: route, Message: msg, Err: cause}
	}

	id := uuid.NewString()
	req, err := packet.NewRequest(sess.Identifier, id, route, args)
	if err != nil {
		return nil, fail(err.Error(), err)
	}

	// register first so a fast reply always finds its waiter
	replies, err := sess.Await(id)
	if err != nil {
		return nil, fail(errConnectionClosed.Error(), err)
	}
	if err := sess.Send(ctx, req); err != nil {
		sess.Cancel(id)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fail("request timed out", ctxErr)
		}
		return nil, fail(errConnectionClosed.Error(), err)
	}

	select {
	case reply := <-replies:
		if reply.Err != nil {
			return nil, fail(errConnectionClosed.Error(), reply.Err)
		}
		if reply.Packet.Type == packet.TypeFailureResponse {
			return nil, fail(reply.Packet.FailureMessage(), nil)
		}
		return reply.Packet.Data, nil
	case <-ctx.Done():
		sess.Cancel(id)
		return nil, fail("request timed out", ctx.Err())
	}
}

// Disconnect forgets identifier. The connection itself stays open and is
// not told; it simply stops being addressable. Reports whether an entry
// was removed.
func (s *Server) Disconnect(identifier string) bool {
	sess, ok := s.registry.Get(identifier)
	if !ok {
		return false
	}
	if !s.registry.CompareAndSwap(identifier, sess, nil) {
		// replaced between Get and here; remove whatever is there now
		s.registry.Remove(identifier)
	}
	s.publish(presence.Event{Kind: presence.KindDisconnected, Identifier: identifier, Reason: "removed"}, sess)
	s.logger.Info().Str("identifier", identifier).Msg("client_deregistered")
	return true
}

// ClientInfo describes one registered client.
type ClientInfo struct {
	Identifier   string    `json:"identifier"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActiveAt time.Time `json:"last_active_at"`
	Pending      int       `json:"pending_requests"`
}

// Clients lists registered clients sorted by identifier.
func (s *Server) Clients() []ClientInfo {
	entries := s.registry.All()
	out := make([]ClientInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, ClientInfo{
			Identifier:   e.Identifier,
			ConnectedAt:  e.Session.ConnectedAt,
			LastActiveAt: e.Session.LastActiveAt(),
			Pending:      e.Session.Pending(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
	return out
}

// Count returns the number of registered clients.
func (s *Server) Count() int {
	return s.registry.Count()
}

// Close refuses new connections, closes every open one with
// CloseGoingAway and waits for their Serve calls to return.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.stop()
	s.conns.Wait()
	return nil
}

// publish announces ev for sess unless the registry has already moved on:
// connected goes out only while sess holds the identifier, disconnected
// only while the identifier is free. Publishes are serialized so an
// event checked against the registry is delivered before any later one.
func (s *Server) publish(ev presence.Event, sess *session.Session) {
	s.presenceMu.Lock()
	defer s.presenceMu.Unlock()

	current, registered := s.registry.Get(ev.Identifier)
	switch ev.Kind {
	case presence.KindConnected:
		if !registered || current != sess {
			return
		}
	case presence.KindDisconnected:
		if registered {
			return
		}
	}

	ev.At = time.Now()
	// presence is best effort and must not hold up the connection
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.presence.Publish(ctx, ev); err != nil {
		s.metrics.RecordPresenceError()
		s.logger.Warn().Err(err).Str("identifier", ev.Identifier).Str("kind", string(ev.Kind)).Msg("presence_publish_failed")
	}
}
