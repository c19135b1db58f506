// Package observe provides latest-value-wins observable fields for state that
// a presentation layer renders.
package observe

import "sync"

// Value holds a value of type T and pushes every update to its subscribers.
// Each subscriber has a one-slot buffer: a slow reader skips intermediate
// values but always ends up with the latest one, in emission order.
type Value[T any] struct {
	mu    sync.Mutex
	cur   T
	subs  map[int]chan T
	next  int
	equal func(a, b T) bool
}

// NewValue creates a Value that notifies on every Set.
func NewValue[T any](initial T) *Value[T] {
	return &Value[T]{cur: initial, subs: make(map[int]chan T)}
}

// NewComparable creates a Value that ignores Sets equal to the current value.
func NewComparable[T comparable](initial T) *Value[T] {
	v := NewValue(initial)
	v.equal = func(a, b T) bool { return a == b }
	return v
}

// Get returns the current value.
func (v *Value[T]) Get() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cur
}

// Set stores x and notifies subscribers. It reports whether the value changed.
func (v *Value[T]) Set(x T) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.equal != nil && v.equal(v.cur, x) {
		return false
	}
	v.cur = x
	for _, ch := range v.subs {
		push(ch, x)
	}
	return true
}

// Subscribe returns a channel primed with the current value and a cancel
// function. The channel is closed on cancel.
func (v *Value[T]) Subscribe() (<-chan T, func()) {
	ch := make(chan T, 1)
	v.mu.Lock()
	id := v.next
	v.next++
	v.subs[id] = ch
	ch <- v.cur
	v.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			v.mu.Lock()
			delete(v.subs, id)
			close(ch)
			v.mu.Unlock()
		})
	}
}

// push replaces whatever is buffered in ch with x. Callers hold v.mu, so
// there is exactly one writer per channel.
func push[T any](ch chan T, x T) {
	select {
	case <-ch:
	default:
	}
	ch <- x
}
