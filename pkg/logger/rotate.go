package logger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Retention defaults for the ledger audit trail. Debits and balance syncs are
// low-volume but must survive restarts, so the trail keeps a week of numbered
// backups and ages them out after a month.
const (
	defaultAuditMaxSizeMB  = 100
	defaultAuditBackups    = 7
	defaultAuditMaxAgeDays = 30
)

// auditTrailWriter appends audit records to a single file and rotates it by
// size, keeping numbered backups (trail.1 is the newest). Writes are
// serialized so interleaved ledger operations never split a record.
type auditTrailWriter struct {
	mu         sync.Mutex
	file       *os.File
	path       string
	maxSize    int64
	maxBackups int
	maxAge     time.Duration
	size       int64
}

func newAuditTrailWriter(path string, maxSizeMB, maxBackups, maxAgeDays int) (*auditTrailWriter, error) {
	if path == "" {
		return nil, errors.New("audit trail path is required")
	}
	if maxSizeMB <= 0 {
		maxSizeMB = defaultAuditMaxSizeMB
	}
	if maxBackups <= 0 {
		maxBackups = defaultAuditBackups
	}
	if maxAgeDays <= 0 {
		maxAgeDays = defaultAuditMaxAgeDays
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit trail directory: %w", err)
	}
	return &auditTrailWriter{
		path:       path,
		maxSize:    int64(maxSizeMB) * 1024 * 1024,
		maxBackups: maxBackups,
		maxAge:     time.Duration(maxAgeDays) * 24 * time.Hour,
	}, nil
}

func (w *auditTrailWriter) Write(record []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.openTrail(); err != nil {
		return 0, err
	}
	if w.maxSize > 0 && w.size+int64(len(record)) > w.maxSize {
		if err := w.rotate(); err != nil {
			return 0, err
		}
		if err := w.openTrail(); err != nil {
			return 0, err
		}
	}
	n, err := w.file.Write(record)
	w.size += int64(n)
	return n, err
}

func (w *auditTrailWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	w.size = 0
	return err
}

// openTrail opens the active trail file append-only and picks up its current
// size, so restarts continue counting toward the rotation threshold.
func (w *auditTrailWriter) openTrail() error {
	if w.file != nil {
		return nil
	}
	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open audit trail: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat audit trail: %w", err)
	}
	w.file = file
	w.size = info.Size()
	return nil
}

// rotate shifts backups one slot up (trail.1 -> trail.2, ...), moves the
// active trail to slot 1 and drops backups past the retention window.
func (w *auditTrailWriter) rotate() error {
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}
	w.size = 0

	if w.maxBackups > 0 {
		for i := w.maxBackups - 1; i >= 1; i-- {
			src := w.backupPath(i)
			if _, err := os.Stat(src); err == nil {
				_ = os.Rename(src, w.backupPath(i+1))
			}
		}
		if _, err := os.Stat(w.path); err == nil {
			_ = os.Rename(w.path, w.backupPath(1))
		}
	} else {
		_ = os.Remove(w.path)
	}

	w.expireBackups()
	return nil
}

func (w *auditTrailWriter) backupPath(slot int) string {
	return fmt.Sprintf("%s.%d", w.path, slot)
}

func (w *auditTrailWriter) expireBackups() {
	if w.maxAge <= 0 {
		return
	}
	cutoff := time.Now().Add(-w.maxAge)
	for i := 1; i <= w.maxBackups; i++ {
		info, err := os.Stat(w.backupPath(i))
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(w.backupPath(i))
		}
	}
}
