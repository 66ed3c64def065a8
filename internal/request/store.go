package request

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Store indexes live requests by token.
type Store struct {
	mu        sync.RWMutex
	root      string
	items     map[string]*Request
	observers []Observer
}

// NewStore returns an empty store creating request folders below root.
// Observers are subscribed to every request the store creates.
func NewStore(root string, observers ...Observer) *Store {
	return &Store{root: root, items: make(map[string]*Request), observers: observers}
}

// NewToken returns a fresh request token.
func NewToken() string { return uuid.NewString() }

// Create registers a new pending request. An empty token is replaced by a generated one.
func (s *Store) Create(token, archivePath, testCase string) (*Request, error) {
	if token == "" {
		token = NewToken()
	}
	r := New(token, archivePath, testCase, s.root)
	for _, o := range s.observers {
		r.Subscribe(o)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[token]; ok {
		return nil, fmt.Errorf("request %s already exists", token)
	}
	s.items[token] = r
	return r, nil
}

func (s *Store) Get(token string) (*Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.items[token]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, token)
	}
	return r, nil
}

// List returns snapshots ordered by creation time.
func (s *Store) List() []Snapshot {
	s.mu.RLock()
	out := make([]Snapshot, 0, len(s.items))
	for _, r := range s.items {
		out = append(out, r.Snapshot())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Delete marks the request Deleted and drops it from the index.
func (s *Store) Delete(ctx context.Context, token string, reason string) error {
	r, err := s.Get(token)
	if err != nil {
		return err
	}
	if err := r.UpdateStatus(ctx, StatusDeleted, reason); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.items, token)
	s.mu.Unlock()
	return nil
}
