package server

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/risa-org/zonis/observability"
	"github.com/risa-org/zonis/packet"
	"github.com/risa-org/zonis/presence"
	"github.com/risa-org/zonis/session"
	"github.com/risa-org/zonis/transport"
	"github.com/risa-org/zonis/transport/transporttest"
)

const (
	secret   = "s3cret"
	override = "override-key-0123456789"
)

type harness struct {
	srv      *Server
	presence *presence.Recorder
	served   sync.WaitGroup
}

func newHarness(t *testing.T, mutate ...func(*Options)) *harness {
	t.Helper()
	h := &harness{presence: &presence.Recorder{}}
	opts := Options{
		SecretKey:        secret,
		OverrideKey:      override,
		HandshakeTimeout: time.Second,
		RequestTimeout:   2 * time.Second,
		Presence:         h.presence,
		Metrics:          observability.NewMetrics(prometheus.NewRegistry(), nil),
	}
	for _, m := range mutate {
		m(&opts)
	}
	srv, err := New(opts)
	require.NoError(t, err)
	h.srv = srv
	t.Cleanup(func() { srv.Close() })
	return h
}

// connect runs a full handshake for identifier and returns the client
// side of the connection once the ack has been received.
func (h *harness) connect(t *testing.T, identifier, overrideKey string) *transporttest.Conn {
	t.Helper()
	conn := transporttest.New()
	conn.Deliver(packet.NewIdentify(identifier, secret, overrideKey))

	h.served.Add(1)
	go func() {
		defer h.served.Done()
		h.srv.Serve(context.Background(), conn)
	}()

	ack := conn.NextSent(t)
	require.Equal(t, packet.TypeIdentify, ack.Type)
	require.JSONEq(t, "null", string(ack.Data))
	return conn
}

// echo answers "ping" with "pong", "fail" with a FAILURE_RESPONSE "boom"
// and everything else with the route name.
func echo(identifier string) func(packet.Packet) (packet.Packet, bool) {
	return func(req packet.Packet) (packet.Packet, bool) {
		data, err := req.Request()
		if err != nil {
			return packet.Packet{}, false
		}
		switch data.Route {
		case "ping":
			resp, _ := packet.NewResponse(identifier, req.ID, "pong")
			return resp, true
		case "fail":
			return packet.NewFailure(identifier, req.ID, "boom"), true
		default:
			resp, _ := packet.NewResponse(identifier, req.ID, map[string]any{"route": data.Route, "args": data.Arguments})
			return resp, true
		}
	}
}

func TestRequestUnknownClientSendsNothing(t *testing.T) {
	h := newHarness(t)
	other := h.connect(t, "A", "")

	_, err := h.srv.Request(context.Background(), "B", "ping", nil)
	assert.ErrorIs(t, err, ErrUnknownClient)
	assert.Equal(t, 1, other.SentCount(), "only the ack was ever sent")
}

func TestRequestPingPong(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t, "A", "")
	conn.Serve(echo("A"))

	data, err := h.srv.Request(context.Background(), "A", "ping", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"pong"`, string(data))
}

func TestRequestCarriesArguments(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t, "A", "")
	conn.Serve(echo("A"))

	data, err := h.srv.Request(context.Background(), "A", "sum", map[string]any{"a": 1, "b": 2})
	require.NoError(t, err)
	assert.JSONEq(t, `{"route":"sum","args":{"a":1,"b":2}}`, string(data))
}

func TestRequestEmptyIdentifierUsesDefault(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t, DefaultIdentifier, "")
	conn.Serve(echo(DefaultIdentifier))

	data, err := h.srv.Request(context.Background(), "", "ping", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"pong"`, string(data))
}

func TestRequestFailureResponse(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t, "A", "")
	conn.Serve(echo("A"))

	_, err := h.srv.Request(context.Background(), "A", "fail", nil)
	require.ErrorIs(t, err, ErrRequestFailed)

	var rf *RequestFailedError
	require.ErrorAs(t, err, &rf)
	assert.Equal(t, "boom", rf.Message)
	assert.Equal(t, "A", rf.Identifier)
	assert.Equal(t, "request failed: boom", err.Error())
}

func TestRequestReplyWithoutID(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t, "A", "")
	conn.Serve(func(req packet.Packet) (packet.Packet, bool) {
		resp, _ := packet.NewResponse("A", "", "anonymous")
		return resp, true
	})

	data, err := h.srv.Request(context.Background(), "A", "ping", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"anonymous"`, string(data))
}

func TestRequestTimeout(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.RequestTimeout = 30 * time.Millisecond })
	h.connect(t, "A", "")

	_, err := h.srv.Request(context.Background(), "A", "ping", nil)
	assert.ErrorIs(t, err, ErrRequestFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	sess, ok := h.srv.registry.Get("A")
	require.True(t, ok)
	assert.Zero(t, sess.Pending())
}

func TestRequestContextDeadlineWins(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.RequestTimeout = time.Hour })
	h.connect(t, "A", "")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := h.srv.Request(ctx, "A", "ping", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRequestConnectionClosedWhileWaiting(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t, "A", "")
	conn.Serve(func(packet.Packet) (packet.Packet, bool) {
		conn.Drop()
		return packet.Packet{}, false
	})

	_, err := h.srv.Request(context.Background(), "A", "ping", nil)
	require.ErrorIs(t, err, ErrRequestFailed)
	var rf *RequestFailedError
	require.ErrorAs(t, err, &rf)
	assert.Equal(t, "connection closed", rf.Message)
}

func TestRequestUnencodableArguments(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t, "A", "")

	_, err := h.srv.Request(context.Background(), "A", "ping", map[string]any{"ch": make(chan int)})
	assert.ErrorIs(t, err, ErrRequestFailed)
	var rf *RequestFailedError
	require.ErrorAs(t, err, &rf)
	assert.Equal(t, "ping", rf.Route)
	assert.Equal(t, 1, conn.SentCount(), "nothing but the ack was sent")
}

func TestConcurrentRequestsOnOneConnection(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t, "A", "")
	conn.Serve(echo("A"))

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			data, err := h.srv.Request(context.Background(), "A", "echo", map[string]any{"i": i})
			if err != nil {
				errs <- err
				return
			}
			if !assert.JSONEq(t, `{"route":"echo","args":{"i":`+strconv.Itoa(i)+`}}`, string(data)) {
				errs <- errors.New("mismatched reply")
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestRequestAllOneEntryPerClient(t *testing.T) {
	h := newHarness(t)
	for _, id := range []string{"A", "B"} {
		h.connect(t, id, "").Serve(echo(id))
	}
	// C is registered but its connection can no longer be written to
	broken := h.connect(t, "C", "")
	broken.SendErr = transport.ErrTransportClosed

	results := h.srv.RequestAll(context.Background(), "ping", nil)

	require.Len(t, results, 3)
	for _, id := range []string{"A", "B"} {
		require.NoError(t, results[id].Err, id)
		assert.JSONEq(t, `"pong"`, string(results[id].Data))
	}
	assert.ErrorIs(t, results["C"].Err, ErrRequestFailed)
	assert.ErrorIs(t, results["C"].Err, transport.ErrTransportClosed)
}

func TestRequestAllClientClosesBeforeReplying(t *testing.T) {
	h := newHarness(t)
	for _, id := range []string{"A", "B"} {
		h.connect(t, id, "").Serve(echo(id))
	}
	// C receives the request and goes away without answering
	leaving := h.connect(t, "C", "")
	leaving.Serve(func(packet.Packet) (packet.Packet, bool) {
		leaving.Drop()
		return packet.Packet{}, false
	})

	results := h.srv.RequestAll(context.Background(), "ping", nil)

	require.Len(t, results, 3)
	for _, id := range []string{"A", "B"} {
		require.NoError(t, results[id].Err, id)
		assert.JSONEq(t, `"pong"`, string(results[id].Data))
	}
	var rf *RequestFailedError
	require.ErrorAs(t, results["C"].Err, &rf)
	assert.Equal(t, "connection closed", rf.Message)
	assert.Equal(t, "request failed: connection closed", results["C"].Err.Error())
}

func TestRequestAllFailureIsStoredNotRaised(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "A", "").Serve(echo("A"))
	h.connect(t, "B", "").Serve(func(req packet.Packet) (packet.Packet, bool) {
		return packet.NewFailure("B", req.ID, "nope"), true
	})

	results := h.srv.RequestAll(context.Background(), "ping", nil)
	require.Len(t, results, 2)
	assert.NoError(t, results["A"].Err)

	var rf *RequestFailedError
	require.ErrorAs(t, results["B"].Err, &rf)
	assert.Equal(t, "nope", rf.Message)
}

func TestRequestAllEmptyRegistry(t *testing.T) {
	h := newHarness(t)
	assert.Empty(t, h.srv.RequestAll(context.Background(), "ping", nil))
}

func TestDisconnectThenRequest(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t, "A", "")

	assert.True(t, h.srv.Disconnect("A"))
	assert.False(t, h.srv.Disconnect("A"))

	_, err := h.srv.Request(context.Background(), "A", "ping", nil)
	assert.ErrorIs(t, err, ErrUnknownClient)

	closed, _, _ := conn.Closed()
	assert.False(t, closed, "disconnect only forgets the client")
}

func TestClosedConnectionIsDeregistered(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t, "A", "")
	require.Equal(t, 1, h.srv.Count())

	conn.Drop()

	require.Eventually(t, func() bool { return h.srv.Count() == 0 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(h.presence.Events()) == 2 }, 2*time.Second, 5*time.Millisecond)
	events := h.presence.Events()
	assert.Equal(t, presence.KindConnected, events[0].Kind)
	assert.Equal(t, presence.KindDisconnected, events[1].Kind)
	assert.Equal(t, "A", events[1].Identifier)
}

func TestStalePresenceEventsAreSkipped(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "A", "")
	require.Eventually(t, func() bool { return len(h.presence.Events()) == 1 }, 2*time.Second, 5*time.Millisecond)

	// an earlier connection for A finishing its cleanup late must not
	// announce A as gone while the current one is registered
	stale := session.New("A", transporttest.New())
	h.srv.publish(presence.Event{Kind: presence.KindDisconnected, Identifier: "A"}, stale)
	h.srv.publish(presence.Event{Kind: presence.KindConnected, Identifier: "A"}, stale)
	assert.Len(t, h.presence.Events(), 1)

	require.True(t, h.srv.Disconnect("A"))
	events := h.presence.Events()
	require.Len(t, events, 2)
	assert.Equal(t, presence.KindDisconnected, events[1].Kind)
	assert.Equal(t, "removed", events[1].Reason)
}

func TestOverrideSupersedesAndKeepsNewEntry(t *testing.T) {
	h := newHarness(t)
	oldConn := h.connect(t, "A", "")
	newConn := h.connect(t, "A", override)
	newConn.Serve(echo("A"))

	closed, code, _ := oldConn.Closed()
	require.True(t, closed)
	assert.Equal(t, transport.CloseSuperseded, code)

	// the old read loop has finished and must not have removed the new entry
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, h.srv.Count())

	data, err := h.srv.Request(context.Background(), "A", "ping", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"pong"`, string(data))
}

func TestDuplicateWithoutOverrideRejected(t *testing.T) {
	h := newHarness(t)
	original := h.connect(t, "A", "")
	original.Serve(echo("A"))

	dup := transporttest.New()
	dup.Deliver(packet.NewIdentify("A", secret, ""))
	err := h.srv.Serve(context.Background(), dup)

	assert.ErrorIs(t, err, ErrDuplicateConnection)
	_, code, _ := dup.Closed()
	assert.Equal(t, transport.CloseDuplicate, code)

	data, err := h.srv.Request(context.Background(), "A", "ping", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"pong"`, string(data))
}

func TestServeRejectsBadSecret(t *testing.T) {
	h := newHarness(t)
	conn := transporttest.New()
	conn.Deliver(packet.NewIdentify("A", "wrong", ""))

	err := h.srv.Serve(context.Background(), conn)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
	assert.ErrorIs(t, err, ErrHandshakeFailed)
	assert.Zero(t, h.srv.Count())
	_, code, _ := conn.Closed()
	assert.Equal(t, transport.CloseInvalidSecretKey, code)
}

func TestUnexpectedPacketsAreIgnored(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t, "A", "")

	conn.Deliver(packet.NewIdentify("A", secret, ""))
	req, _ := packet.NewRequest("A", "x", "hello", nil)
	conn.Deliver(req)
	conn.DeliverRaw([]byte("garbage"))
	conn.Serve(echo("A"))

	data, err := h.srv.Request(context.Background(), "A", "ping", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"pong"`, string(data))
}

func TestClientsListing(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "B", "")
	h.connect(t, "A", "")

	clients := h.srv.Clients()
	require.Len(t, clients, 2)
	assert.Equal(t, "A", clients[0].Identifier)
	assert.Equal(t, "B", clients[1].Identifier)
	assert.False(t, clients[0].ConnectedAt.IsZero())
}

func TestCloseShutsConnections(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t, "A", "")

	require.NoError(t, h.srv.Close())
	h.served.Wait()

	closed, code, _ := conn.Closed()
	assert.True(t, closed)
	assert.Equal(t, transport.CloseGoingAway, code)

	late := transporttest.New()
	assert.ErrorIs(t, h.srv.Serve(context.Background(), late), ErrServerClosed)
}

func TestServeContextCancelClosesConnection(t *testing.T) {
	h := newHarness(t)
	conn := transporttest.New()
	conn.Deliver(packet.NewIdentify("A", secret, ""))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.srv.Serve(ctx, conn) }()
	conn.NextSent(t)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	_, code, _ := conn.Closed()
	assert.Equal(t, transport.CloseGoingAway, code)
}

func TestNewOverrideKey(t *testing.T) {
	srv, err := New(Options{})
	require.NoError(t, err)
	assert.Len(t, srv.OverrideKey(), 2*session.OverrideKeyBytes)

	_, err = New(Options{OverrideKey: "short"})
	assert.ErrorIs(t, err, session.ErrWeakOverrideKey)

	srv, err = New(Options{OverrideKey: override})
	require.NoError(t, err)
	assert.Equal(t, override, srv.OverrideKey())
}

func TestHandshakeRateLimit(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.HandshakeRate = 1000
		o.HandshakeBurst = 1
	})
	h.connect(t, "A", "")
	h.connect(t, "B", "")
	assert.Equal(t, 2, h.srv.Count())
}
