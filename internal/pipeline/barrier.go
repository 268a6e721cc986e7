package pipeline

import (
	"sort"
	"sync"
)

// Barrier is a one-shot trigger over several independently updated flags.
// It is re-evaluated on every Set and fires fn exactly once, the first time
// all of its conditions hold at the same time. After firing (or Dispose) it
// ignores further updates.
type Barrier struct {
	mu       sync.Mutex
	conds    map[string]bool
	fn       func()
	fired    bool
	disposed bool
}

// NewBarrier creates a barrier over the named conditions, all initially false.
func NewBarrier(fn func(), conds ...string) *Barrier {
	b := &Barrier{
		conds: make(map[string]bool, len(conds)),
		fn:    fn,
	}
	for _, c := range conds {
		b.conds[c] = false
	}
	return b
}

// Set updates a condition. Unknown conditions are ignored, which lets callers
// report flags the barrier was not configured to wait for.
func (b *Barrier) Set(cond string, ok bool) {
	b.mu.Lock()
	if b.fired || b.disposed {
		b.mu.Unlock()
		return
	}
	if _, known := b.conds[cond]; !known {
		b.mu.Unlock()
		return
	}
	b.conds[cond] = ok

	for _, v := range b.conds {
		if !v {
			b.mu.Unlock()
			return
		}
	}

	b.fired = true
	fn := b.fn
	b.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// Unmet returns the conditions still false, sorted by name.
func (b *Barrier) Unmet() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.fired {
		return nil
	}
	var unmet []string
	for c, v := range b.conds {
		if !v {
			unmet = append(unmet, c)
		}
	}
	sort.Strings(unmet)
	return unmet
}

// Dispose tears the barrier down without firing it.
func (b *Barrier) Dispose() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.disposed = true
}
