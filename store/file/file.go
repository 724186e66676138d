// Package file keeps a JSON snapshot of the identified clients on disk so
// operators and scripts can see who is online without the admin API.
// The server never reads it back: a restarted server starts empty and
// clients identify again.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/risa-org/zonis/presence"
)

// Record is one online client as written to disk.
type Record struct {
	Identifier  string    `json:"identifier"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Store is a presence.Publisher that rewrites the snapshot file on every
// event.
type Store struct {
	mu      sync.Mutex
	path    string
	clients map[string]time.Time
}

// New creates a snapshot store at path and writes an empty snapshot,
// replacing whatever a previous run left there.
func New(path string) (*Store, error) {
	s := &Store{path: path, clients: make(map[string]time.Time)}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.flush(); err != nil {
		return nil, fmt.Errorf("failed to initialise snapshot %s: %w", path, err)
	}
	return s, nil
}

func (s *Store) Publish(_ context.Context, ev presence.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev.Kind {
	case presence.KindConnected:
		s.clients[ev.Identifier] = ev.At
	case presence.KindDisconnected:
		delete(s.clients, ev.Identifier)
	default:
		return nil
	}
	return s.flush()
}

func (s *Store) Close() error { return nil }

// Count returns the number of clients in the snapshot.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Read loads a snapshot written by a Store.
func Read(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", path, err)
	}
	return records, nil
}

// flush writes the current set sorted by identifier.
// Must be called with mu held.
func (s *Store) flush() error {
	records := make([]Record, 0, len(s.clients))
	for id, at := range s.clients {
		records = append(records, Record{Identifier: id, ConnectedAt: at})
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Identifier < records[j].Identifier })

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}

	// temp file then rename, so readers never see a half-written file
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
