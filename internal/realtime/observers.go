package realtime

import "sync"

// observerList is an ordered set of callbacks addressed by handle.
// Iteration always runs over a snapshot so callbacks may add or remove
// observers while being invoked.
type observerList[T any] struct {
	mu      sync.Mutex
	next    uint64
	entries []observer[T]
}

type observer[T any] struct {
	id uint64
	fn T
}

func (l *observerList[T]) add(fn T) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next++
	l.entries = append(l.entries, observer[T]{id: l.next, fn: fn})
	return l.next
}

// remove deletes the observer with id and reports whether it was present.
func (l *observerList[T]) remove(id uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, entry := range l.entries {
		if entry.id == id {
			l.entries = append(l.entries[:i:i], l.entries[i+1:]...)
			return true
		}
	}
	return false
}

func (l *observerList[T]) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *observerList[T]) snapshot() []T {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]T, len(l.entries))
	for i, entry := range l.entries {
		out[i] = entry.fn
	}
	return out
}
