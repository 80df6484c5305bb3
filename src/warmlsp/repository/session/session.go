// Package session stores the running sessions keyed by project root.
package session

import (
	"context"
	"sort"
	"sync"

	tally "github.com/uber-go/tally/v4"
	"github.com/uber/warmlsp/src/warmlsp/internal/errors"
)

// Entry is a value the repository can hold.
type Entry interface {
	comparable
	Root() string
}

// Repository is a root-scoped repository.
type Repository[S Entry] interface {
	Get(ctx context.Context, root string) (S, error)
	Set(ctx context.Context, s S) error
	// Delete removes s only if it is still the entry for its root.
	Delete(ctx context.Context, s S) bool
	List(ctx context.Context) []S
	SessionCount(ctx context.Context) int
}

type repository[S Entry] struct {
	mu       sync.Mutex
	memstore map[string]S
	active   tally.Gauge
}

// New returns a repository to a key-value Session data store.
func New[S Entry](stats tally.Scope) Repository[S] {
	return &repository[S]{
		memstore: make(map[string]S),
		active:   stats.Gauge("active_sessions"),
	}
}

// Get returns the entry for root.
func (r *repository[S]) Get(ctx context.Context, root string) (S, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.memstore[root]
	if !ok {
		var zero S
		return zero, &errors.SessionNotFoundError{Root: root}
	}
	return s, nil
}

// Set stores s under its root, replacing any previous entry.
func (r *repository[S]) Set(ctx context.Context, s S) error {
	var zero S
	if s == zero {
		return errors.New("can't save nil session")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.memstore[s.Root()] = s
	r.active.Update(float64(len(r.memstore)))
	return nil
}

func (r *repository[S]) Delete(ctx context.Context, s S) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.memstore[s.Root()]
	if !ok || current != s {
		return false
	}
	delete(r.memstore, s.Root())
	r.active.Update(float64(len(r.memstore)))
	return true
}

// List returns every entry ordered by root.
func (r *repository[S]) List(ctx context.Context) []S {
	r.mu.Lock()
	defer r.mu.Unlock()

	roots := make([]string, 0, len(r.memstore))
	for root := range r.memstore {
		roots = append(roots, root)
	}
	sort.Strings(roots)
	found := make([]S, 0, len(roots))
	for _, root := range roots {
		found = append(found, r.memstore[root])
	}
	return found
}

// SessionCount returns the total count of stored sessions.
func (r *repository[S]) SessionCount(ctx context.Context) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.memstore)
}
