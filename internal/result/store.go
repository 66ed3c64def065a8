package result

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

var (
	ErrAlreadyIngested = errors.New("results already ingested")
	ErrNoResults       = errors.New("no results for token")
)

// Ingester is the write-once sink the supervisor hands a result document to.
// It returns a reference under which the ingested facts can be found.
type Ingester interface {
	Ingest(ctx context.Context, token string, content []byte) (string, error)
}

// Store persists facts and serves them back per request token.
type Store interface {
	Ingester
	Facts(ctx context.Context, token string) ([]Fact, error)
	// Purge drops the facts of token so the token can be ingested again.
	// Purging an unknown token is not an error.
	Purge(ctx context.Context, token string) error
	Close() error
}

// NewStoreFromDSN picks a Store implementation.
// Supported:
//   - "" or "memory://": in-process map
//   - "postgres://..." / "postgresql://..."
//   - "sqlite://<path>" or a bare path (sqlite)
func NewStoreFromDSN(dsn string) (Store, error) {
	d := strings.TrimSpace(dsn)
	if d == "" || strings.EqualFold(d, "memory://") {
		return NewMemoryStore(), nil
	}
	return NewSQLStore(d)
}

// MemoryStore keeps facts in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	facts map[string][]Fact
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{facts: make(map[string][]Fact)}
}

func (m *MemoryStore) Ingest(_ context.Context, token string, content []byte) (string, error) {
	facts, err := Parse(content)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.facts[token]; ok {
		return "", fmt.Errorf("%w: %s", ErrAlreadyIngested, token)
	}
	m.facts[token] = facts
	return "memory://" + token, nil
}

func (m *MemoryStore) Facts(_ context.Context, token string) ([]Fact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.facts[token]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoResults, token)
	}
	out := make([]Fact, len(f))
	copy(out, f)
	return out, nil
}

func (m *MemoryStore) Purge(_ context.Context, token string) error {
	m.mu.Lock()
	delete(m.facts, token)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Close() error { return nil }
