package handshake

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/risa-org/zonis/packet"
	"github.com/risa-org/zonis/session"
	"github.com/risa-org/zonis/store/memory"
	"github.com/risa-org/zonis/transport"
	"github.com/risa-org/zonis/transport/transporttest"
)

const (
	secret   = "s3cret"
	override = "0123456789abcdef0123456789abcdef"
)

func newHandler(reg *memory.Store) *Handler {
	return NewHandler(reg, Config{SecretKey: secret, OverrideKey: override, Timeout: time.Second})
}

func identify(h *Handler, conn *transporttest.Conn, p packet.Packet) Result {
	conn.Deliver(p)
	return h.Identify(context.Background(), conn)
}

func TestIdentifyAccepted(t *testing.T) {
	reg := memory.New()
	conn := transporttest.New()

	res := identify(newHandler(reg), conn, packet.NewIdentify("A", secret, ""))

	require.True(t, res.Accepted())
	require.NoError(t, res.Err())
	assert.Equal(t, "A", res.Identifier)
	assert.Nil(t, res.Replaced)
	assert.Equal(t, session.StateActive, res.Session.State())

	ack := conn.NextSent(t)
	assert.Equal(t, packet.TypeIdentify, ack.Type)
	assert.Equal(t, "A", ack.Identifier)
	assert.JSONEq(t, "null", string(ack.Data))

	got, ok := reg.Get("A")
	require.True(t, ok)
	assert.Same(t, res.Session, got)
}

func TestIdentifyWrongSecret(t *testing.T) {
	reg := memory.New()
	conn := transporttest.New()

	res := identify(newHandler(reg), conn, packet.NewIdentify("A", "nope", ""))

	assert.Equal(t, OutcomeAuthenticationFailed, res.Outcome)
	assert.ErrorIs(t, res.Err(), ErrHandshakeFailed)
	assert.ErrorIs(t, res.Err(), ErrAuthenticationFailed)

	closed, code, reason := conn.Closed()
	assert.True(t, closed)
	assert.Equal(t, transport.CloseInvalidSecretKey, code)
	assert.Equal(t, ReasonInvalidSecretKey, reason)
	assert.Zero(t, conn.SentCount(), "no ack for a rejected client")
	assert.Zero(t, reg.Count())
}

func TestIdentifyWrongFirstPacket(t *testing.T) {
	reg := memory.New()
	conn := transporttest.New()
	req, err := packet.NewRequest("A", "r1", "ping", nil)
	require.NoError(t, err)

	res := identify(newHandler(reg), conn, req)

	assert.Equal(t, OutcomeProtocolViolation, res.Outcome)
	assert.ErrorIs(t, res.Err(), ErrProtocolViolation)
	_, code, reason := conn.Closed()
	assert.Equal(t, transport.CloseProtocolError, code)
	assert.Equal(t, "Expected IDENTIFY, received REQUEST", reason)
	assert.Zero(t, reg.Count())
}

func TestIdentifyMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":           `{{{`,
		"unknown type":       `{"identifier":"A","type":"HELLO","data":null}`,
		"no credentials":     `{"identifier":"A","type":"IDENTIFY","data":null}`,
		"data not object":    `{"identifier":"A","type":"IDENTIFY","data":"s3cret"}`,
		"missing identifier": `{"identifier":"","type":"IDENTIFY","data":{"secret_key":"s3cret"}}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			reg := memory.New()
			conn := transporttest.New()
			conn.DeliverRaw([]byte(raw))

			res := newHandler(reg).Identify(context.Background(), conn)

			assert.Equal(t, OutcomeProtocolViolation, res.Outcome)
			_, code, _ := conn.Closed()
			assert.Equal(t, transport.CloseProtocolError, code)
			assert.Zero(t, reg.Count())
		})
	}
}

func TestIdentifyDuplicate(t *testing.T) {
	reg := memory.New()
	h := newHandler(reg)

	first := identify(h, transporttest.New(), packet.NewIdentify("A", secret, ""))
	require.True(t, first.Accepted())

	conn := transporttest.New()
	res := identify(h, conn, packet.NewIdentify("A", secret, ""))

	assert.Equal(t, OutcomeDuplicateConnection, res.Outcome)
	assert.ErrorIs(t, res.Err(), ErrDuplicateConnection)
	_, code, reason := conn.Closed()
	assert.Equal(t, transport.CloseDuplicate, code)
	assert.Equal(t, ReasonDuplicate, reason)

	got, _ := reg.Get("A")
	assert.Same(t, first.Session, got, "original connection keeps the slot")
}

func TestIdentifyDuplicateWrongOverride(t *testing.T) {
	reg := memory.New()
	h := newHandler(reg)
	require.True(t, identify(h, transporttest.New(), packet.NewIdentify("A", secret, "")).Accepted())

	res := identify(h, transporttest.New(), packet.NewIdentify("A", secret, "not-the-override-key"))
	assert.Equal(t, OutcomeDuplicateConnection, res.Outcome)
}

func TestIdentifyOverrideReplaces(t *testing.T) {
	reg := memory.New()
	h := newHandler(reg)

	oldConn := transporttest.New()
	first := identify(h, oldConn, packet.NewIdentify("A", secret, ""))
	require.True(t, first.Accepted())

	newConn := transporttest.New()
	second := identify(h, newConn, packet.NewIdentify("A", secret, override))
	require.True(t, second.Accepted())
	assert.Same(t, first.Session, second.Replaced)

	got, _ := reg.Get("A")
	assert.Same(t, second.Session, got)

	closed, code, reason := oldConn.Closed()
	assert.True(t, closed)
	assert.Equal(t, transport.CloseSuperseded, code)
	assert.Equal(t, ReasonSuperseded, reason)
	assert.Equal(t, session.StateClosed, first.Session.State())
}

func TestIdentifyOverrideOnFreeSlot(t *testing.T) {
	reg := memory.New()
	res := identify(newHandler(reg), transporttest.New(), packet.NewIdentify("A", secret, "anything"))
	assert.True(t, res.Accepted(), "override key is only checked when the identifier is taken")
}

func TestIdentifyAckFailureRestoresPrevious(t *testing.T) {
	reg := memory.New()
	h := newHandler(reg)

	first := identify(h, transporttest.New(), packet.NewIdentify("A", secret, ""))
	require.True(t, first.Accepted())

	conn := transporttest.New()
	conn.SendErr = errors.New("broken pipe")
	res := identify(h, conn, packet.NewIdentify("A", secret, override))

	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.ErrorIs(t, res.Err(), ErrHandshakeFailed)
	got, _ := reg.Get("A")
	assert.Same(t, first.Session, got)
	assert.Equal(t, session.StateActive, first.Session.State())
}

func TestIdentifyAckFailureDropsDeadPrevious(t *testing.T) {
	reg := memory.New()
	h := newHandler(reg)

	oldConn := transporttest.New()
	first := identify(h, oldConn, packet.NewIdentify("A", secret, ""))
	require.True(t, first.Accepted())

	// dead but still registered, as when it dies while the override
	// attempt holds the slot and its own cleanup finds nothing to remove
	oldConn.Drop()
	first.Session.Fail(errors.New("connection closed"))

	conn := transporttest.New()
	conn.SendErr = errors.New("broken pipe")
	res := identify(h, conn, packet.NewIdentify("A", secret, override))

	assert.Equal(t, OutcomeFailed, res.Outcome)
	_, ok := reg.Get("A")
	assert.False(t, ok, "a closed session must not be restored")

	// the identifier is free again for a plain IDENTIFY
	again := identify(h, transporttest.New(), packet.NewIdentify("A", secret, ""))
	assert.True(t, again.Accepted())
}

func TestIdentifyTimeout(t *testing.T) {
	reg := memory.New()
	conn := transporttest.New()
	h := NewHandler(reg, Config{SecretKey: secret, OverrideKey: override, Timeout: 20 * time.Millisecond})

	res := h.Identify(context.Background(), conn)

	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.ErrorIs(t, res.Err(), context.DeadlineExceeded)
	closed, _, reason := conn.Closed()
	assert.True(t, closed)
	assert.Equal(t, ReasonTimeout, reason)
}

func TestIdentifyPeerGoneBeforeIdentify(t *testing.T) {
	conn := transporttest.New()
	conn.Drop()

	res := newHandler(memory.New()).Identify(context.Background(), conn)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.ErrorIs(t, res.Err(), transport.ErrTransportClosed)
}

func TestErrorMessage(t *testing.T) {
	err := &Error{Outcome: OutcomeDuplicateConnection, Identifier: "A", Reason: ReasonDuplicate}
	assert.Equal(t, `handshake failed: duplicate connection (identifier "A"): Duplicate identifier on IDENTIFY`, err.Error())
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "accepted", OutcomeAccepted.String())
	assert.Equal(t, "authentication_failed", OutcomeAuthenticationFailed.String())
	assert.Equal(t, "unknown", Outcome(99).String())
}
