package ledger

import "context"

// Store persists one wallet snapshot per user session.
type Store interface {
	// Load returns the persisted snapshot for a session. The second return
	// is false when no snapshot exists yet.
	Load(ctx context.Context, session string) (Snapshot, bool, error)
	// Save atomically replaces the persisted snapshot for a session.
	Save(ctx context.Context, session string, snap Snapshot) error
	Close() error
}
