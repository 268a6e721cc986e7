package pipeline

import (
	"sync"

	"github.com/google/go-cmp/cmp"
)

// Disposer detaches a reaction. Calling it more than once is harmless.
type Disposer func()

// Observable holds a value and notifies reactions when it changes by value.
// Every stored value is a snapshot taken through the snapshot func, so later
// mutation of the caller's copy can't leak into the observable.
type Observable[T any] struct {
	mu        sync.Mutex
	value     T
	snapshot  func(T) T
	reactions map[uint64]func(T)
	next      uint64
}

// NewObservable creates an observable holding initial. snapshot may be nil
// for value types.
func NewObservable[T any](initial T, snapshot func(T) T) *Observable[T] {
	if snapshot == nil {
		snapshot = func(v T) T { return v }
	}
	return &Observable[T]{
		value:     snapshot(initial),
		snapshot:  snapshot,
		reactions: make(map[uint64]func(T)),
	}
}

// Get returns a snapshot of the current value.
func (o *Observable[T]) Get() T {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshot(o.value)
}

// Set stores v and runs every reaction if it differs from the current value.
// Reactions run synchronously on the caller's goroutine, after the lock is
// released. It reports whether the value changed.
func (o *Observable[T]) Set(v T) bool {
	next := o.snapshot(v)

	o.mu.Lock()
	if cmp.Equal(o.value, next) {
		o.mu.Unlock()
		return false
	}
	o.value = next

	fns := make([]func(T), 0, len(o.reactions))
	for id := uint64(0); id < o.next; id++ {
		if fn, ok := o.reactions[id]; ok {
			fns = append(fns, fn)
		}
	}
	o.mu.Unlock()

	for _, fn := range fns {
		fn(o.snapshot(next))
	}
	return true
}

// React registers fn to run on every subsequent change. It does not fire for
// the current value.
func (o *Observable[T]) React(fn func(T)) Disposer {
	o.mu.Lock()
	id := o.next
	o.next++
	o.reactions[id] = fn
	o.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.reactions, id)
			o.mu.Unlock()
		})
	}
}

// Reactions returns the number of attached reactions.
func (o *Observable[T]) Reactions() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.reactions)
}
