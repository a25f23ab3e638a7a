// Package acme stores HTTP-01 validation responses for customer hostnames
// until the certificate authority fetches them.
package acme

import (
	"context"
	"errors"
	"sync"
	"time"
)

// TTL is how long a stored token stays servable.
const TTL = 7 * 24 * time.Hour

// ErrNotFound is returned when no body exists for the (host, token) pair.
var ErrNotFound = errors.New("acme token not found")

// Store holds validation bodies keyed by (host, token). ref groups tokens
// that belong to one provider object so they can be dropped together.
type Store interface {
	Put(ctx context.Context, host, token, body, ref string) error
	Get(ctx context.Context, host, token string) (string, error)
	DeleteByRef(ctx context.Context, ref string) error
}

type memEntry struct {
	body      string
	ref       string
	expiresAt time.Time
}

// MemoryStore is an in-process Store for development and tests.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memEntry
	now     func() time.Time
}

// NewMemoryStore creates a MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memEntry), now: time.Now}
}

func memKey(host, token string) string { return host + "\x00" + token }

func (m *MemoryStore) Put(_ context.Context, host, token, body, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[memKey(host, token)] = memEntry{body: body, ref: ref, expiresAt: m.now().Add(TTL)}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, host, token string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memKey(host, token)
	e, ok := m.entries[k]
	if !ok {
		return "", ErrNotFound
	}
	if m.now().After(e.expiresAt) {
		delete(m.entries, k)
		return "", ErrNotFound
	}
	return e.body, nil
}

func (m *MemoryStore) DeleteByRef(_ context.Context, ref string) error {
	if ref == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, e := range m.entries {
		if e.ref == ref {
			delete(m.entries, k)
		}
	}
	return nil
}
