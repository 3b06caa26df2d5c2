package cacherouter

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrMiss indicates no entry is stored for a path
var ErrMiss = errors.New("cache miss")

// Entry is a stored response
type Entry struct {
	Status      int       `json:"status"`
	ContentType string    `json:"content_type"`
	Body        []byte    `json:"body"`
	StoredAt    time.Time `json:"stored_at"`
}

// Store holds cached responses grouped into named generations
type Store interface {
	Get(ctx context.Context, generation, path string) (*Entry, error)
	Put(ctx context.Context, generation, path string, e *Entry) error
	Generations(ctx context.Context) ([]string, error)
	DeleteGeneration(ctx context.Context, generation string) error
}

// MemoryStore is a process-local Store
type MemoryStore struct {
	mu   sync.RWMutex
	gens map[string]map[string]*Entry
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{gens: make(map[string]map[string]*Entry)}
}

// Get returns the entry for path in generation, or ErrMiss
func (m *MemoryStore) Get(_ context.Context, generation, path string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.gens[generation][path]
	if !ok {
		return nil, ErrMiss
	}
	cp := *e
	return &cp, nil
}

// Put stores e under path in generation
func (m *MemoryStore) Put(_ context.Context, generation, path string, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	gen, ok := m.gens[generation]
	if !ok {
		gen = make(map[string]*Entry)
		m.gens[generation] = gen
	}
	cp := *e
	gen[path] = &cp
	return nil
}

// Generations lists stored generation names in sorted order
func (m *MemoryStore) Generations(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.gens))
	for name := range m.gens {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// DeleteGeneration removes a generation and all of its entries
func (m *MemoryStore) DeleteGeneration(_ context.Context, generation string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.gens, generation)
	return nil
}
