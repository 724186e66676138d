// Package presence announces clients coming and going to outside observers.
// It mirrors the registry for dashboards and other processes; the server
// never reads it back.
package presence

import (
	"context"
	"errors"
	"sync"
	"time"
)

type Kind string

const (
	KindConnected    Kind = "connected"
	KindDisconnected Kind = "disconnected"
)

// Event is one presence change, published as JSON.
type Event struct {
	Kind       Kind      `json:"kind"`
	Identifier string    `json:"identifier"`
	At         time.Time `json:"at"`
	Reason     string    `json:"reason,omitempty"`
}

// Publisher delivers presence events. Publish must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// Recorder keeps events in memory, for tests and embedders that poll.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func (r *Recorder) Close() error { return nil }

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Multi fans each event out to every publisher. All are attempted; the
// errors are joined.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
