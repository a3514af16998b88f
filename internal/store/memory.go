package store

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// MemoryStore keeps messages and groups in maps. Useful for tests and for
// nodes that do not need history across restarts.
type MemoryStore struct {
	mu       sync.RWMutex
	messages map[string]Message
	order    []string
	groups   map[string]Group
}

// NewMemory builds an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		messages: make(map[string]Message),
		groups:   make(map[string]Group),
	}
}

// ApplyMessage applies op under the store lock.
func (s *MemoryStore) ApplyMessage(_ context.Context, op MessageOp) (bool, error) {
	if op.ID() == "" {
		return false, errors.New("message id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var cur *Message
	if existing, ok := s.messages[op.ID()]; ok {
		cur = &existing
	}
	next, changed, err := Apply(cur, op)
	if err != nil || !changed {
		return false, err
	}
	if cur == nil {
		s.order = append(s.order, next.ID)
	}
	s.messages[next.ID] = next
	return true, nil
}

// Message fetches one message by id.
func (s *MemoryStore) Message(_ context.Context, id string) (Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return Message{}, ErrNotFound
	}
	return cloneMessage(m), nil
}

// Conversation lists the messages for a group or direct peer.
func (s *MemoryStore) Conversation(_ context.Context, key string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Message
	for _, id := range s.order {
		m := s.messages[id]
		if inConversation(m, key) {
			out = append(out, cloneMessage(m))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// SaveGroup creates the group or merges members into an existing record.
func (s *MemoryStore) SaveGroup(_ context.Context, g Group) error {
	if g.ID == "" {
		return errors.New("group id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.groups[g.ID]
	if !ok {
		g.Members = uniqueMembers(g.Members)
		s.groups[g.ID] = cloneGroup(g)
		return nil
	}
	existing.Members = uniqueMembers(append(existing.Members, g.Members...))
	s.groups[g.ID] = existing
	return nil
}

// Group fetches a group by id.
func (s *MemoryStore) Group(_ context.Context, id string) (Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[id]
	if !ok {
		return Group{}, ErrNotFound
	}
	return cloneGroup(g), nil
}

// Groups enumerates all known groups sorted by id.
func (s *MemoryStore) Groups(_ context.Context) ([]Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Group, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, cloneGroup(g))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// AddMember adds user to the group, reporting whether membership changed.
func (s *MemoryStore) AddMember(_ context.Context, groupID, user string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[groupID]
	if !ok {
		return false, ErrNotFound
	}
	if g.HasMember(user) {
		return false, nil
	}
	g.Members = append(append([]string(nil), g.Members...), user)
	s.groups[groupID] = g
	return true, nil
}

// RemoveMember drops user from the group.
func (s *MemoryStore) RemoveMember(_ context.Context, groupID, user string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[groupID]
	if !ok {
		return false, ErrNotFound
	}
	out := make([]string, 0, len(g.Members))
	for _, m := range g.Members {
		if m != user {
			out = append(out, m)
		}
	}
	if len(out) == len(g.Members) {
		return false, nil
	}
	g.Members = out
	s.groups[groupID] = g
	return true, nil
}

// IsMember reports whether user belongs to the group. Unknown groups are not an error.
func (s *MemoryStore) IsMember(_ context.Context, groupID, user string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[groupID]
	if !ok {
		return false, nil
	}
	return g.HasMember(user), nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

func uniqueMembers(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, m := range in {
		if m == "" {
			continue
		}
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}
