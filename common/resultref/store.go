package resultref

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Sentinel errors
var (
	ErrRefNotFound = errors.New("result ref not found")
	ErrBadRef      = errors.New("malformed result ref")
)

// Store is a payload backend addressed by noetl:// ref URIs
type Store interface {
	Name() string
	Put(ctx context.Context, ref string, data []byte) error
	Get(ctx context.Context, ref string) ([]byte, error)
	Delete(ctx context.Context, ref string) error
}

// BuildRef builds the URI for an externalized payload:
// noetl://{store}/{execution_id}/{step}/{ref_id}
func BuildRef(store string, executionID int64, step, refID string) string {
	return fmt.Sprintf("noetl://%s/%d/%s/%s", store, executionID, step, refID)
}

// ParseRef splits a noetl:// URI into its components
func ParseRef(ref string) (store string, executionID string, step string, refID string, err error) {
	const scheme = "noetl://"
	if !strings.HasPrefix(ref, scheme) {
		return "", "", "", "", fmt.Errorf("%w: %q", ErrBadRef, ref)
	}
	parts := strings.SplitN(ref[len(scheme):], "/", 4)
	if len(parts) != 4 {
		return "", "", "", "", fmt.Errorf("%w: %q", ErrBadRef, ref)
	}
	return parts[0], parts[1], parts[2], parts[3], nil
}

// MemoryStore keeps payloads in process memory. Used in tests and for
// single-process deployments.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore creates a memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

// Name returns the store identifier
func (s *MemoryStore) Name() string { return "memory" }

// Put stores a payload
func (s *MemoryStore) Put(ctx context.Context, ref string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	s.data[ref] = buf
	return nil
}

// Get retrieves a payload
func (s *MemoryStore) Get(ctx context.Context, ref string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRefNotFound, ref)
	}
	return data, nil
}

// Delete removes a payload
func (s *MemoryStore) Delete(ctx context.Context, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, ref)
	return nil
}

// Registry maps store names to backends
type Registry struct {
	stores       map[string]Store
	defaultStore string
}

// NewRegistry creates a store registry
func NewRegistry(defaultStore string) *Registry {
	return &Registry{
		stores:       make(map[string]Store),
		defaultStore: defaultStore,
	}
}

// Register adds a backend
func (r *Registry) Register(s Store) {
	r.stores[s.Name()] = s
}

// ForName returns the backend for a store name, empty means default
func (r *Registry) ForName(name string) (Store, error) {
	if name == "" {
		name = r.defaultStore
	}
	s, ok := r.stores[name]
	if !ok {
		return nil, fmt.Errorf("unknown result store: %s", name)
	}
	return s, nil
}

// Resolve fetches the payload a ref URI points at
func (r *Registry) Resolve(ctx context.Context, ref string) ([]byte, error) {
	storeName, _, _, _, err := ParseRef(ref)
	if err != nil {
		return nil, err
	}
	store, err := r.ForName(storeName)
	if err != nil {
		return nil, err
	}
	return store.Get(ctx, ref)
}
