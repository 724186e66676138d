package session

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/risa-org/zonis/packet"
)

// ErrSessionClosed is returned by Await once the connection has gone.
var ErrSessionClosed = errors.New("session closed")

// Reply is what a waiting request receives: either the peer's answer or
// the error that ended the connection first.
type Reply struct {
	Packet packet.Packet
	Err    error
}

// pendingTable tracks requests sent but not yet answered on one connection.
//
// Replies that echo a request id go to that request. Replies without an id
// go to the oldest outstanding request, which is the plain "next packet
// in is the answer" discipline for peers that do not echo ids.
type pendingTable struct {
	mu      sync.Mutex
	waiters map[string]chan Reply
	order   []string // request ids, oldest first
	err     error    // set once the connection is gone
}

func newPendingTable() *pendingTable {
	return &pendingTable{waiters: make(map[string]chan Reply)}
}

func (t *pendingTable) add(id string) (<-chan Reply, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.err != nil {
		return nil, t.err
	}
	if _, exists := t.waiters[id]; exists {
		return nil, fmt.Errorf("request id %q already pending", id)
	}
	// buffered so resolve never blocks on a waiter that gave up
	ch := make(chan Reply, 1)
	t.waiters[id] = ch
	t.order = append(t.order, id)
	return ch, nil
}

func (t *pendingTable) remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.drop(id)
}

// drop must be called with mu held.
func (t *pendingTable) drop(id string) {
	delete(t.waiters, id)
	if i := slices.Index(t.order, id); i >= 0 {
		t.order = slices.Delete(t.order, i, i+1)
	}
}

func (t *pendingTable) resolve(p packet.Packet) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := p.ID
	if id == "" {
		if len(t.order) == 0 {
			return false
		}
		id = t.order[0]
	}
	ch, ok := t.waiters[id]
	if !ok {
		return false
	}
	t.drop(id)
	ch <- Reply{Packet: p}
	return true
}

// failAll answers every outstanding request with err and refuses new ones.
func (t *pendingTable) failAll(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.err == nil {
		t.err = err
	}
	for _, id := range t.order {
		t.waiters[id] <- Reply{Err: err}
	}
	t.waiters = make(map[string]chan Reply)
	t.order = nil
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.order)
}
