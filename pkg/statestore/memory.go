package statestore

import (
	"context"
	"fmt"
	"slices"
	"sync"

	cache "github.com/Code-Hex/go-generics-cache"

	"github.com/castaneai/ticketregistry/pkg/ticket"
)

// MemoryStore keeps tickets in-process. A cascading delete holds the store lock,
// so it is atomic to every caller, but the store is only visible to a single node.
type MemoryStore struct {
	mu       sync.RWMutex
	tickets  *cache.Cache[string, *ticket.Ticket]
	children map[string]map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tickets:  cache.New[string, *ticket.Ticket](),
		children: map[string]map[string]struct{}{},
	}
}

func (s *MemoryStore) Insert(ctx context.Context, t *ticket.Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tickets.Get(t.ID); ok {
		return fmt.Errorf("%w: %s", ErrTicketExists, t.ID)
	}
	if t.ParentID != "" {
		if _, ok := s.tickets.Get(t.ParentID); !ok {
			return fmt.Errorf("%w: %s", ErrParentNotFound, t.ParentID)
		}
		if _, ok := s.children[t.ParentID]; !ok {
			s.children[t.ParentID] = map[string]struct{}{}
		}
		s.children[t.ParentID][t.ID] = struct{}{}
	}
	s.tickets.Set(t.ID, t.Clone())
	return nil
}

func (s *MemoryStore) Replace(ctx context.Context, t *ticket.Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.tickets.Get(t.ID)
	if !ok {
		return ErrTicketNotFound
	}
	replaced := t.Clone()
	// the parent link is fixed at insert
	replaced.ParentID = stored.ParentID
	s.tickets.Set(t.ID, replaced)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, ticketID string) (*ticket.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tickets.Get(ticketID)
	if !ok {
		return nil, ErrTicketNotFound
	}
	return t.Clone(), nil
}

func (s *MemoryStore) Children(ctx context.Context, ticketID string) ([]*ticket.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var children []*ticket.Ticket
	for id := range s.children[ticketID] {
		if t, ok := s.tickets.Get(id); ok {
			children = append(children, t.Clone())
		}
	}
	return children, nil
}

func (s *MemoryStore) Delete(ctx context.Context, ticketID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	root, ok := s.tickets.Get(ticketID)
	if !ok {
		return 0, nil
	}
	if root.ParentID != "" {
		delete(s.children[root.ParentID], ticketID)
	}
	removed := 0
	stack := []string{ticketID}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for child := range s.children[id] {
			stack = append(stack, child)
		}
		delete(s.children, id)
		if _, ok := s.tickets.Get(id); ok {
			s.tickets.Delete(id)
			removed++
		}
	}
	return removed, nil
}

// Scan pages through tickets in id order; the cursor is the last id returned.
func (s *MemoryStore) Scan(ctx context.Context, cursor string, count int) ([]*ticket.Ticket, string, error) {
	if count <= 0 {
		count = 1
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.tickets.Keys()
	slices.Sort(ids)
	start, _ := slices.BinarySearch(ids, cursor)
	if cursor != "" && start < len(ids) && ids[start] == cursor {
		start++
	}
	end := min(start+count, len(ids))
	tickets := make([]*ticket.Ticket, 0, end-start)
	for _, id := range ids[start:end] {
		if t, ok := s.tickets.Get(id); ok {
			tickets = append(tickets, t.Clone())
		}
	}
	next := ""
	if end < len(ids) {
		next = ids[end-1]
	}
	return tickets, next, nil
}

func (s *MemoryStore) Count(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.tickets.Keys())), nil
}

func (s *MemoryStore) Drop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.tickets.Keys() {
		s.tickets.Delete(id)
	}
	s.children = map[string]map[string]struct{}{}
	return nil
}
