package storage

import (
	"errors"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/types"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("not found")

// Store defines the interface for controller state storage.
// Only node records and finished sessions are persisted; live clock and
// connection state is rebuilt after a restart.
type Store interface {
	// Nodes
	SaveNode(node *types.Node) error
	GetNode(id string) (*types.Node, error)
	ListNodes() ([]*types.Node, error)
	DeleteNode(id string) error

	// Sessions
	SaveSession(session *types.Session) error
	GetSession(id string) (*types.Session, error)
	ListSessions() ([]*types.Session, error)

	// Utility
	Close() error
}
