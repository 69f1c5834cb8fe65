// Package offline persists the key session ids of protected content so a
// later playback of the same content can restore them.
package offline

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned by Load when nothing is stored for a URI.
	ErrNotFound = errors.New("no stored sessions")

	// ErrEmptyURI is returned when a record has no content URI.
	ErrEmptyURI = errors.New("empty content uri")
)

// Record is the persisted session state of one piece of content.
type Record struct {
	ContentURI string
	KeySystem  string
	SessionIDs []string
	UpdatedAt  time.Time
}

// Store is the persistence abstraction for offline session ids.
// Implementations can be in-memory or backed by a database.
type Store interface {
	// Save replaces whatever is stored for uri.
	Save(ctx context.Context, uri, keySystem string, sessionIDs []string) error

	// Load returns the record for uri, or ErrNotFound.
	Load(ctx context.Context, uri string) (Record, error)

	// Delete removes the record for uri. Deleting a missing record is not
	// an error.
	Delete(ctx context.Context, uri string) error
}

// InMemoryStore is a concurrency-safe in-memory implementation of Store.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
	now     func() time.Time
}

var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore returns a new empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		records: make(map[string]Record),
		now:     time.Now,
	}
}

// Save implements Store.Save.
func (s *InMemoryStore) Save(ctx context.Context, uri, keySystem string, sessionIDs []string) error {
	if uri == "" {
		return ErrEmptyURI
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[uri] = Record{
		ContentURI: uri,
		KeySystem:  keySystem,
		SessionIDs: slices.Clone(sessionIDs),
		UpdatedAt:  s.now(),
	}
	return nil
}

// Load implements Store.Load. The returned record is a copy.
func (s *InMemoryStore) Load(ctx context.Context, uri string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[uri]
	if !ok {
		return Record{}, ErrNotFound
	}
	rec.SessionIDs = slices.Clone(rec.SessionIDs)
	return rec, nil
}

// Delete implements Store.Delete.
func (s *InMemoryStore) Delete(ctx context.Context, uri string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, uri)
	return nil
}

// Len returns the number of stored records.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
