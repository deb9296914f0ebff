package memory

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/dataqueryagent/server/internal/warehouse"
)

// InMemoryStore is a single-process store backed by a TTL cache. It is the
// simplest correct implementation of the Store contract: durable within a
// session, volatile between sessions.
type InMemoryStore struct {
	cache *ttlcache.Cache[string, *Entry]

	mu       sync.Mutex
	sessions map[string][]string
}

// NewInMemoryStore creates an in-memory store whose entries expire after ttl.
func NewInMemoryStore(ttl time.Duration) *InMemoryStore {
	cache := ttlcache.New(
		ttlcache.WithTTL[string, *Entry](ttl),
	)
	go cache.Start()

	return &InMemoryStore{
		cache:    cache,
		sessions: make(map[string][]string),
	}
}

func (s *InMemoryStore) Put(_ context.Context, sessionID string, queryIdx, attempt int, rows []warehouse.Row, schema []warehouse.Field) (string, error) {
	key := entryKey(sessionID, queryIdx, attempt)
	entry := &Entry{
		Key:       key,
		SessionID: sessionID,
		QueryIdx:  queryIdx,
		Schema:    schema,
		RowCount:  len(rows),
		CreatedAt: time.Now().UTC(),
		Payload:   rows,
	}
	s.cache.Set(key, entry, ttlcache.DefaultTTL)

	s.mu.Lock()
	s.sessions[sessionID] = append(s.sessions[sessionID], key)
	s.mu.Unlock()

	return key, nil
}

func (s *InMemoryStore) Get(_ context.Context, key string) (*Entry, error) {
	item := s.cache.Get(key)
	if item == nil {
		return nil, &ErrNotFound{Key: key}
	}
	return item.Value(), nil
}

func (s *InMemoryStore) List(_ context.Context, sessionID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := s.sessions[sessionID]
	live := make([]string, 0, len(keys))
	for _, k := range keys {
		if s.cache.Has(k) {
			live = append(live, k)
		}
	}
	return live, nil
}

func (s *InMemoryStore) Delete(_ context.Context, key string) error {
	item := s.cache.Get(key)
	if item == nil {
		return nil
	}
	sessionID := item.Value().SessionID
	s.cache.Delete(key)

	s.mu.Lock()
	keys := s.sessions[sessionID]
	for i, k := range keys {
		if k == key {
			s.sessions[sessionID] = append(keys[:i], keys[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	return nil
}

func (s *InMemoryStore) Sweep(_ context.Context, olderThan time.Time) error {
	s.cache.DeleteExpired()

	var stale []string
	s.cache.Range(func(item *ttlcache.Item[string, *Entry]) bool {
		if item.Value().CreatedAt.Before(olderThan) {
			stale = append(stale, item.Key())
		}
		return true
	})
	for _, k := range stale {
		s.cache.Delete(k)
	}
	return nil
}

// Stop terminates the expiry goroutine.
func (s *InMemoryStore) Stop() {
	s.cache.Stop()
}

var _ Store = (*InMemoryStore)(nil)
