package storage

import (
	"fmt"
	"sort"
	"sync"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/types"
)

// MemoryStore keeps records in process memory. Everything is lost on exit.
type MemoryStore struct {
	mu       sync.RWMutex
	nodes    map[string]types.Node
	sessions map[string]types.Session
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes:    make(map[string]types.Node),
		sessions: make(map[string]types.Session),
	}
}

func (s *MemoryStore) SaveNode(node *types.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[node.ID] = copyNode(*node)
	return nil
}

func (s *MemoryStore) GetNode(id string) (*types.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	node, ok := s.nodes[id]
	if !ok {
		return nil, fmt.Errorf("nodes %s: %w", id, ErrNotFound)
	}
	n := copyNode(node)
	return &n, nil
}

func (s *MemoryStore) ListNodes() ([]*types.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	nodes := make([]*types.Node, 0, len(s.nodes))
	for _, node := range s.nodes {
		n := copyNode(node)
		nodes = append(nodes, &n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes, nil
}

func (s *MemoryStore) DeleteNode(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.nodes, id)
	return nil
}

func (s *MemoryStore) SaveSession(session *types.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = session.Clone()
	return nil
}

func (s *MemoryStore) GetSession(id string) (*types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("sessions %s: %w", id, ErrNotFound)
	}
	c := session.Clone()
	return &c, nil
}

// ListSessions returns archived sessions, newest first
func (s *MemoryStore) ListSessions() ([]*types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sessions := make([]*types.Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		c := session.Clone()
		sessions = append(sessions, &c)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
	return sessions, nil
}

func (s *MemoryStore) Close() error { return nil }

func copyNode(n types.Node) types.Node {
	n.Capabilities = n.Capabilities.Clone()
	return n
}
