package view

import (
	"sync"

	"github.com/matheus3301/chatsync/internal/observe"
)

// List is the ordered chat list. All mutations are serialized; each one
// publishes a fresh snapshot to subscribers. Order is insertion order and is
// never re-sorted.
//
// Every mutation bumps a version. Ids written by Append, Replace and
// MarkRead, and ids removed by Replace, remember the version of that write so
// Reconcile can tell local edits apart from a rebuild read before them.
type List struct {
	mu    sync.Mutex
	items []Item
	snap  *observe.Value[[]Item]

	version uint64
	touched map[string]uint64
	removed map[string]uint64
}

// NewList creates an empty list.
func NewList() *List {
	return &List{
		snap:    observe.NewValue[[]Item](nil),
		touched: make(map[string]uint64),
		removed: make(map[string]uint64),
	}
}

// Version returns the current mutation version.
func (l *List) Version() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.version
}

// Append adds it to the end. The caller guarantees its id is fresh.
func (l *List) Append(it Item) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.version++
	l.touch(it.ID())
	l.items = append(l.items, it)
	l.publish()
}

// Replace swaps the first item with the given id for repl, which may be
// empty. It is a no-op returning false when id is absent. Replacement items
// whose id already appears elsewhere in the list, or earlier in repl, are
// dropped.
func (l *List) Replace(id string, repl ...Item) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx := l.indexOf(id)
	if idx < 0 {
		return false
	}

	seen := make(map[string]struct{}, len(l.items))
	for i, it := range l.items {
		if i != idx {
			seen[it.ID()] = struct{}{}
		}
	}
	keep := make([]Item, 0, len(repl))
	for _, it := range repl {
		if _, dup := seen[it.ID()]; dup {
			continue
		}
		seen[it.ID()] = struct{}{}
		keep = append(keep, it)
	}

	l.version++
	l.removed[id] = l.version
	for _, it := range keep {
		l.touch(it.ID())
	}

	next := make([]Item, 0, len(l.items)-1+len(keep))
	next = append(next, l.items[:idx]...)
	next = append(next, keep...)
	next = append(next, l.items[idx+1:]...)
	l.items = next
	l.publish()
	return true
}

// SetAll replaces the whole list, keeping the first occurrence of each id.
func (l *List) SetAll(items []Item) {
	l.mu.Lock()
	defer l.mu.Unlock()

	seen := make(map[string]struct{}, len(items))
	next := make([]Item, 0, len(items))
	for _, it := range items {
		if _, dup := seen[it.ID()]; dup {
			continue
		}
		seen[it.ID()] = struct{}{}
		next = append(next, it)
	}
	l.version++
	clear(l.touched)
	clear(l.removed)
	l.items = next
	l.publish()
}

// Reconcile installs a rebuilt list whose inputs were read at version since.
// Writes made after since win over the rebuild:
//   - an item removed or replaced after since is not brought back;
//   - an item written after since keeps its current form;
//   - items written after since and missing from the rebuild are appended in
//     their current order.
//
// A read flag set locally is never cleared by the rebuild. Duplicate ids keep
// the first occurrence.
func (l *List) Reconcile(rebuilt []Item, since uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	current := make(map[string]Item, len(l.items))
	for _, it := range l.items {
		current[it.ID()] = it
	}

	seen := make(map[string]struct{}, len(rebuilt))
	next := make([]Item, 0, len(rebuilt))
	add := func(it Item) {
		if _, dup := seen[it.ID()]; dup {
			return
		}
		seen[it.ID()] = struct{}{}
		next = append(next, it)
	}

	for _, it := range rebuilt {
		id := it.ID()
		cur, present := current[id]
		if l.touched[id] > since && present {
			add(cur)
			continue
		}
		if l.removed[id] > since {
			continue
		}
		if present && isRead(cur) && !isRead(it) {
			if read, ok := MarkedRead(it); ok {
				it = read
			}
		}
		add(it)
	}
	for _, it := range l.items {
		if l.touched[it.ID()] > since {
			add(it)
		}
	}

	l.version++
	for id, v := range l.touched {
		if v <= since {
			delete(l.touched, id)
		}
	}
	for id, v := range l.removed {
		if v <= since {
			delete(l.removed, id)
		}
	}
	l.items = next
	l.publish()
}

// Get returns the item with the given id.
func (l *List) Get(id string) (Item, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if idx := l.indexOf(id); idx >= 0 {
		return l.items[idx], true
	}
	return nil, false
}

// MarkRead flips the read flag of a read-eligible item in place. This is the
// only mutation that bypasses Replace. It returns the updated item, or false
// if the item is missing or not eligible.
func (l *List) MarkRead(id string) (Item, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx := l.indexOf(id)
	if idx < 0 {
		return nil, false
	}
	read, ok := MarkedRead(l.items[idx])
	if !ok {
		return nil, false
	}
	l.version++
	l.touch(id)
	l.items[idx] = read
	l.publish()
	return read, true
}

// Snapshot returns a copy of the current items.
func (l *List) Snapshot() []Item {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Item, len(l.items))
	copy(out, l.items)
	return out
}

// Len returns the number of items.
func (l *List) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

// Subscribe streams snapshots, latest value wins.
func (l *List) Subscribe() (<-chan []Item, func()) {
	return l.snap.Subscribe()
}

func (l *List) indexOf(id string) int {
	for i, it := range l.items {
		if it.ID() == id {
			return i
		}
	}
	return -1
}

// touch must be called with l.mu held, after bumping the version.
func (l *List) touch(id string) {
	l.touched[id] = l.version
	delete(l.removed, id)
}

// publish must be called with l.mu held.
func (l *List) publish() {
	out := make([]Item, len(l.items))
	copy(out, l.items)
	l.snap.Set(out)
}
