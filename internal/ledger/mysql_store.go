package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"

	xerrors "MeterVault/internal/errors"
)

// MySQLStore keeps one snapshot row per session.
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore opens the connection pool and ensures the schema exists.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "mysql dsn is required")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "open mysql connection")
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeConnectivity, err, "connect to mysql")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS wallet_snapshots (
        session VARCHAR(128) PRIMARY KEY,
        document JSON NOT NULL,
        updated_at BIGINT NOT NULL
)`
	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "init wallet_snapshots table")
	}
	return nil
}

// Load implements Store.
func (s *MySQLStore) Load(ctx context.Context, session string) (Snapshot, bool, error) {
	const stmt = `SELECT document FROM wallet_snapshots WHERE session = ?`

	var payload []byte
	err := s.db.QueryRowContext(ctx, stmt, session).Scan(&payload)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "read ledger snapshot from mysql")
	}
	var snap Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return Snapshot{}, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "decode ledger snapshot")
	}
	return snap, true, nil
}

// Save implements Store.
func (s *MySQLStore) Save(ctx context.Context, session string, snap Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "encode ledger snapshot")
	}

	const stmt = `INSERT INTO wallet_snapshots (session, document, updated_at)
        VALUES (?, ?, ?)
        ON DUPLICATE KEY UPDATE document = VALUES(document), updated_at = VALUES(updated_at)`

	if _, err := s.db.ExecContext(ctx, stmt, session, payload, time.Now().Unix()); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "write ledger snapshot to mysql")
	}
	return nil
}

// Close implements Store.
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ Store = (*MySQLStore)(nil)
