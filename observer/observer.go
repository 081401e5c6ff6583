// Package observer is an ordered callback registry with disposer-based unsubscription.
//
// Dispatch iterates a snapshot, so a callback that removes itself or adds another
// callback during dispatch does not disturb the delivery in progress.
package observer

import "sync"

// Registry holds callbacks of type T in registration order.
type Registry[T any] struct {
	mu      sync.Mutex
	nextID  uint64
	entries []entry[T]
}

type entry[T any] struct {
	id uint64
	fn T
}

// Add appends fn and returns a disposer that removes exactly this registration.
// The disposer is safe to call more than once.
func (r *Registry[T]) Add(fn T) (dispose func()) {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.entries = append(r.entries, entry[T]{id: id, fn: fn})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(id) })
	}
}

func (r *Registry[T]) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.entries {
		if e.id == id {
			// Copy instead of in-place delete so outstanding snapshots stay intact.
			next := make([]entry[T], 0, len(r.entries)-1)
			next = append(next, r.entries[:i]...)
			r.entries = append(next, r.entries[i+1:]...)
			return
		}
	}
}

// Snapshot returns the callbacks registered at this instant, in registration order.
func (r *Registry[T]) Snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]T, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.fn
	}
	return out
}

func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Clear drops every registration. Disposers handed out earlier become no-ops.
func (r *Registry[T]) Clear() {
	r.mu.Lock()
	r.entries = nil
	r.mu.Unlock()
}
