// Package state provides SQLite-based persistence for session history.
package state

import (
	"io"
	"time"

	"github.com/iaminawe/taskhive/pkg/models"
)

// Migrator handles database schema migrations.
// Separating this allows clients to depend only on migration functionality.
type Migrator interface {
	// Migrate applies all pending schema migrations.
	Migrate() error
}

// SnapshotStore handles session snapshot persistence.
type SnapshotStore interface {
	SaveSessionSnapshot(session *models.Session) error
	GetSession(id string) (*models.Session, error)
	ListSessions(limit int) ([]SessionSummary, error)
	PurgeOldSessions(olderThan time.Duration) (int64, error)
}

// Store defines the interface for session-history persistence.
// This allows the orchestrator to work with any history backend without
// depending on the concrete SQLite implementation.
type Store interface {
	io.Closer
	Migrator
	SnapshotStore
}

// Compile-time verification that DB implements all interfaces.
var (
	_ Store         = (*DB)(nil)
	_ Migrator      = (*DB)(nil)
	_ SnapshotStore = (*DB)(nil)
)
