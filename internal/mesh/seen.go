package mesh

import (
	"container/list"
	"time"
)

const defaultSeenCapacity = 4096

type seenEntry struct {
	id    string
	first time.Time
}

// SeenSet remembers recently observed packet identities. Once capacity is
// reached the oldest identity is evicted. It is owned by the event loop and
// is not safe for concurrent use.
type SeenSet struct {
	capacity int
	order    *list.List
	index    map[string]*list.Element
}

// NewSeenSet builds a set holding at most capacity identities.
func NewSeenSet(capacity int) *SeenSet {
	if capacity <= 0 {
		capacity = defaultSeenCapacity
	}
	return &SeenSet{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[string]*list.Element, capacity),
	}
}

// Add records id and reports whether it was new. The first-seen time of a
// known id is never refreshed, so eviction stays oldest-first.
func (s *SeenSet) Add(id string, now time.Time) bool {
	if _, ok := s.index[id]; ok {
		return false
	}
	for s.order.Len() >= s.capacity {
		oldest := s.order.Front()
		s.order.Remove(oldest)
		delete(s.index, oldest.Value.(seenEntry).id)
	}
	s.index[id] = s.order.PushBack(seenEntry{id: id, first: now})
	return true
}

// Contains reports whether id is currently remembered.
func (s *SeenSet) Contains(id string) bool {
	_, ok := s.index[id]
	return ok
}

// FirstSeen returns when id was first observed.
func (s *SeenSet) FirstSeen(id string) (time.Time, bool) {
	el, ok := s.index[id]
	if !ok {
		return time.Time{}, false
	}
	return el.Value.(seenEntry).first, true
}

func (s *SeenSet) Len() int { return s.order.Len() }
