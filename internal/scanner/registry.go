package scanner

import (
	"fmt"
	"sync"
	"weak"

	"github.com/google/uuid"

	"github.com/zombor/scancore/internal/scanning"
)

// entry is one subscription. get reports false once a weakly held
// observer has been collected.
type entry[O any] struct {
	token uuid.UUID
	get   func() (O, bool)
}

func strongEntry[O any](obs O) entry[O] {
	return entry[O]{token: uuid.New(), get: func() (O, bool) { return obs, true }}
}

// Registry is an ordered set of observers. Observers added with Subscribe
// are held weakly: the registry never keeps them alive and silently skips
// them once they are gone.
type Registry[O any] struct {
	mu      sync.Mutex
	entries []entry[O]
}

// NewRegistry returns an empty registry.
func NewRegistry[O any]() *Registry[O] {
	return &Registry[O]{}
}

// Subscribe adds obs to r without taking ownership of it. *T must
// implement O.
func Subscribe[O any, T any](r *Registry[O], obs *T) (uuid.UUID, error) {
	if obs == nil {
		return uuid.Nil, scanning.NewError(scanning.CodeInvalidArgument, "subscribe", fmt.Errorf("nil observer"))
	}
	if _, ok := any(obs).(O); !ok {
		return uuid.Nil, scanning.NewError(scanning.CodeInvalidArgument, "subscribe", fmt.Errorf("%T does not implement the observer interface", obs))
	}

	wp := weak.Make(obs)
	e := entry[O]{
		token: uuid.New(),
		get: func() (O, bool) {
			var zero O
			p := wp.Value()
			if p == nil {
				return zero, false
			}
			return any(p).(O), true
		},
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return e.token, nil
}

// Add adds obs to r, keeping it alive until removed.
func (r *Registry[O]) Add(obs O) uuid.UUID {
	e := strongEntry(obs)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return e.token
}

// Remove drops the subscription. It reports whether the token was known.
func (r *Registry[O]) Remove(token uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, e := range r.entries {
		if e.token == token {
			r.entries = append(r.entries[:i:i], r.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of live observers, forgetting collected ones.
func (r *Registry[O]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	live := r.entries[:0]
	for _, e := range r.entries {
		if _, ok := e.get(); ok {
			live = append(live, e)
		}
	}
	clear(r.entries[len(live):])
	r.entries = live
	return len(live)
}

func (r *Registry[O]) snapshot() []entry[O] {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]entry[O](nil), r.entries...)
}

// deliver calls fn for every observer still alive, in subscription order.
func deliver[O any](entries []entry[O], fn func(O)) {
	for _, e := range entries {
		if obs, ok := e.get(); ok {
			fn(obs)
		}
	}
}
