// Package registry provides the shared in-memory store used for operations,
// batches, rules, and templates. Keeping a single generic implementation
// keeps the locking discipline identical for every entity kind: a RWMutex
// scoped to the map, held only for the mutation itself.
package registry

import (
	"sync"

	"conductor/internal/api"
)

// Registry is a thread-safe map of entities keyed by id.
type Registry[T any] struct {
	mu       sync.RWMutex
	kind     string
	entities map[string]T
}

// New creates an empty registry. kind names the entity for error messages
// (e.g. "operation", "rule").
func New[T any](kind string) *Registry[T] {
	return &Registry[T]{
		kind:     kind,
		entities: make(map[string]T),
	}
}

// Register adds an entity under id. It fails if the id is empty or already
// taken.
func (r *Registry[T]) Register(id string, entity T) error {
	if id == "" {
		return api.NewValidationError(r.kind, "id", "must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entities[id]; exists {
		return api.NewValidationError(r.kind, "id", "already registered: "+id)
	}
	r.entities[id] = entity
	return nil
}

// Put stores an entity under id, replacing any previous value.
func (r *Registry[T]) Put(id string, entity T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entities[id] = entity
}

// Get returns the entity for id.
func (r *Registry[T]) Get(id string) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entity, ok := r.entities[id]
	return entity, ok
}

// Remove deletes the entity for id. It returns a NotFoundError when the id
// is unknown.
func (r *Registry[T]) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entities[id]; !exists {
		return api.NewNotFoundError(r.kind, id)
	}
	delete(r.entities, id)
	return nil
}

// Update applies fn to the entity for id while holding the write lock.
// It returns a NotFoundError when the id is unknown. fn must not block.
func (r *Registry[T]) Update(id string, fn func(T) T) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entity, exists := r.entities[id]
	if !exists {
		return api.NewNotFoundError(r.kind, id)
	}
	r.entities[id] = fn(entity)
	return nil
}

// List returns a snapshot of all entities in unspecified order.
func (r *Registry[T]) List() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entities := make([]T, 0, len(r.entities))
	for _, entity := range r.entities {
		entities = append(entities, entity)
	}
	return entities
}

// Keys returns a snapshot of all ids in unspecified order.
func (r *Registry[T]) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.entities))
	for id := range r.entities {
		keys = append(keys, id)
	}
	return keys
}

// Len returns the number of stored entities.
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entities)
}
