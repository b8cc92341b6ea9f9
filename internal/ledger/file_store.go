package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	xerrors "MeterVault/internal/errors"
)

// FileStore persists each session's snapshot as a single JSON document under
// the data directory.
type FileStore struct {
	mu  sync.Mutex
	dir string
}

// NewFileStore creates the data directory when missing.
func NewFileStore(dir string) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "ledger data directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "create ledger data directory")
	}
	return &FileStore{dir: dir}, nil
}

// Load implements Store.
func (s *FileStore) Load(_ context.Context, session string) (Snapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	content, err := os.ReadFile(s.path(session))
	if err != nil {
		if os.IsNotExist(err) {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "read ledger snapshot")
	}
	var snap Snapshot
	if err := json.Unmarshal(content, &snap); err != nil {
		return Snapshot{}, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "decode ledger snapshot")
	}
	return snap, true, nil
}

// Save implements Store. The document is written to a temporary file and
// renamed so a crash mid-write never corrupts the snapshot.
func (s *FileStore) Save(_ context.Context, session string, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	content, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "encode ledger snapshot")
	}
	target := s.path(session)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "write ledger snapshot")
	}
	if err := os.Rename(tmp, target); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "replace ledger snapshot")
	}
	return nil
}

// Close implements Store.
func (s *FileStore) Close() error { return nil }

func (s *FileStore) path(session string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, session)
	return filepath.Join(s.dir, fmt.Sprintf("wallet-%s.json", safe))
}

var _ Store = (*FileStore)(nil)
