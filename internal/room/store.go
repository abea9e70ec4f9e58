package room

import (
	"context"
	"sort"
	"sync"

	"go-listen/internal/protocol"
)

// Store is the room membership table. A room exists only while it has
// members; implementations must drop the entry when the last member leaves.
type Store interface {
	// Join adds member to roomID. It reports false when the connection is
	// already a member of that room.
	Join(ctx context.Context, roomID string, member protocol.Member) (bool, error)
	// Leave removes the connection from roomID and reports whether it was there.
	Leave(ctx context.Context, roomID, connID string) (bool, error)
	// Members returns the room's members ordered by join time.
	Members(ctx context.Context, roomID string) ([]protocol.Member, error)
	// Rooms lists rooms that currently have members.
	Rooms(ctx context.Context) ([]Info, error)
}

// Info summarizes an active room.
type Info struct {
	ID      string `json:"id"`
	Members int    `json:"members"`
}

// MemoryStore keeps the table in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	rooms map[string]map[string]protocol.Member // roomID -> connID -> member
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rooms: make(map[string]map[string]protocol.Member)}
}

func (s *MemoryStore) Join(_ context.Context, roomID string, member protocol.Member) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	members, ok := s.rooms[roomID]
	if !ok {
		members = make(map[string]protocol.Member)
		s.rooms[roomID] = members
	}
	if _, exists := members[member.ConnID]; exists {
		return false, nil
	}
	members[member.ConnID] = member
	return true, nil
}

func (s *MemoryStore) Leave(_ context.Context, roomID, connID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	members, ok := s.rooms[roomID]
	if !ok {
		return false, nil
	}
	if _, exists := members[connID]; !exists {
		return false, nil
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(s.rooms, roomID)
	}
	return true, nil
}

func (s *MemoryStore) Members(_ context.Context, roomID string) ([]protocol.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	members := make([]protocol.Member, 0, len(s.rooms[roomID]))
	for _, m := range s.rooms[roomID] {
		members = append(members, m)
	}
	sortMembers(members)
	return members, nil
}

func (s *MemoryStore) Rooms(_ context.Context) ([]Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rooms := make([]Info, 0, len(s.rooms))
	for id, members := range s.rooms {
		rooms = append(rooms, Info{ID: id, Members: len(members)})
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].ID < rooms[j].ID })
	return rooms, nil
}

// sortMembers orders by join time, then connection id for equal timestamps.
func sortMembers(members []protocol.Member) {
	sort.Slice(members, func(i, j int) bool {
		if members[i].JoinedAt != members[j].JoinedAt {
			return members[i].JoinedAt < members[j].JoinedAt
		}
		return members[i].ConnID < members[j].ConnID
	})
}
