package plan

import (
	"sort"
	"sync"
)

// ChangeOp names the store operation that produced a change event.
type ChangeOp string

const (
	OpAdd        ChangeOp = "add"
	OpRemove     ChangeOp = "remove"
	OpClear      ChangeOp = "clear"
	OpReplaceAll ChangeOp = "replace_all"
)

// ChangeEvent is emitted once per mutating store call.
type ChangeEvent struct {
	Op ChangeOp
	// Affected is the number of items added, replaced or removed.
	Affected int
	// Count is the number of staged items after the call.
	Count int
}

// Observer receives change events. Observers run on the mutating caller's
// goroutine after the store lock is released and may call back into the
// store.
type Observer interface {
	PlanChanged(ChangeEvent)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ChangeEvent)

// PlanChanged implements Observer.
func (f ObserverFunc) PlanChanged(ev ChangeEvent) { f(ev) }

// Store is the guarded staging queue. Every public method holds the lock for
// its whole critical section; notifications are delivered after unlock.
type Store struct {
	mu    sync.Mutex
	items []Item

	subMu     sync.Mutex
	nextSub   int
	observers map[int]Observer
	watchers  map[int]chan ChangeEvent
}

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{
		observers: make(map[int]Observer),
		watchers:  make(map[int]chan ChangeEvent),
	}
}

// Subscribe registers an observer. The returned function unregisters it.
func (s *Store) Subscribe(o Observer) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.observers[id] = o
	return func() {
		s.subMu.Lock()
		delete(s.observers, id)
		s.subMu.Unlock()
	}
}

// Watch returns a channel that receives change events. The channel holds at
// most one pending event; when the consumer lags, the newest event replaces
// the pending one. The returned function closes the channel.
func (s *Store) Watch() (<-chan ChangeEvent, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan ChangeEvent, 1)
	s.watchers[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.watchers, id)
			s.subMu.Unlock()
			close(ch)
		})
	}
}

func (s *Store) notify(ev ChangeEvent) {
	s.subMu.Lock()
	observers := make([]Observer, 0, len(s.observers))
	ids := make([]int, 0, len(s.observers))
	for id := range s.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		observers = append(observers, s.observers[id])
	}
	for _, ch := range s.watchers {
		select {
		case ch <- ev:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
	s.subMu.Unlock()

	for _, o := range observers {
		o.PlanChanged(ev)
	}
}

// Add stages items. With dedupe, an item whose key is already staged
// replaces the staged item in place; otherwise items are appended.
func (s *Store) Add(items []Item, dedupe bool) int {
	s.mu.Lock()
	for _, it := range items {
		cp := it.Clone()
		replaced := false
		if dedupe {
			key := cp.Key()
			for i := range s.items {
				if s.items[i].Key() == key {
					s.items[i] = cp
					replaced = true
					break
				}
			}
		}
		if !replaced {
			s.items = append(s.items, cp)
		}
	}
	ev := ChangeEvent{Op: OpAdd, Affected: len(items), Count: len(s.items)}
	s.mu.Unlock()

	s.notify(ev)
	return ev.Affected
}

// RemoveByIndex removes and returns the item at idx.
func (s *Store) RemoveByIndex(idx int) (Item, bool) {
	s.mu.Lock()
	if idx < 0 || idx >= len(s.items) {
		s.mu.Unlock()
		return Item{}, false
	}
	removed := s.items[idx]
	s.items = append(s.items[:idx], s.items[idx+1:]...)
	ev := ChangeEvent{Op: OpRemove, Affected: 1, Count: len(s.items)}
	s.mu.Unlock()

	s.notify(ev)
	return removed.Clone(), true
}

// RemoveByIndices removes every valid index, highest first, and returns how
// many items were removed. Duplicate and out-of-range indices are ignored.
func (s *Store) RemoveByIndices(indices []int) int {
	uniq := make(map[int]struct{}, len(indices))
	for _, i := range indices {
		uniq[i] = struct{}{}
	}
	ordered := make([]int, 0, len(uniq))
	for i := range uniq {
		ordered = append(ordered, i)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(ordered)))

	s.mu.Lock()
	removed := 0
	for _, idx := range ordered {
		if idx < 0 || idx >= len(s.items) {
			continue
		}
		s.items = append(s.items[:idx], s.items[idx+1:]...)
		removed++
	}
	ev := ChangeEvent{Op: OpRemove, Affected: removed, Count: len(s.items)}
	s.mu.Unlock()

	if removed > 0 {
		s.notify(ev)
	}
	return removed
}

// RemoveByKey removes every item with the given key.
func (s *Store) RemoveByKey(key Key) int {
	s.mu.Lock()
	kept := s.items[:0]
	removed := 0
	for _, it := range s.items {
		if it.Key() == key {
			removed++
			continue
		}
		kept = append(kept, it)
	}
	for i := len(kept); i < len(s.items); i++ {
		s.items[i] = Item{}
	}
	s.items = kept
	ev := ChangeEvent{Op: OpRemove, Affected: removed, Count: len(s.items)}
	s.mu.Unlock()

	if removed > 0 {
		s.notify(ev)
	}
	return removed
}

// Clear removes and returns all staged items.
func (s *Store) Clear() []Item {
	s.mu.Lock()
	cleared := s.items
	s.items = nil
	s.mu.Unlock()

	if len(cleared) > 0 {
		s.notify(ChangeEvent{Op: OpClear, Affected: len(cleared), Count: 0})
	}
	return cleared
}

// ReplaceAll swaps the staged queue for items.
func (s *Store) ReplaceAll(items []Item) {
	next := make([]Item, len(items))
	for i, it := range items {
		next[i] = it.Clone()
	}
	s.mu.Lock()
	s.items = next
	ev := ChangeEvent{Op: OpReplaceAll, Affected: len(next), Count: len(next)}
	s.mu.Unlock()

	s.notify(ev)
}

// List returns a deep copy of the staged items.
func (s *Store) List() []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Item, len(s.items))
	for i, it := range s.items {
		out[i] = it.Clone()
	}
	return out
}

// Count returns the number of staged items.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// HasRollback reports whether any staged item is a rollback.
func (s *Store) HasRollback() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range s.items {
		if it.Action == ActionRollback {
			return true
		}
	}
	return false
}
