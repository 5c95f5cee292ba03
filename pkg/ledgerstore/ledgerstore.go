// Package ledgerstore persists an append-only audit trail of applied
// transfers to SQLite, so a node's credit history survives restarts and
// can be inspected independently of the in-memory balance map (spec §6
// persistent state). Adapted from the teacher's pkg/state block storage:
// same driver, same query/scan shape, different row.
package ledgerstore

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/vudo/enr/internal/logger"
	"github.com/vudo/enr/pkg/identity"
)

// Entry is one applied transfer, as recorded in the audit trail.
type Entry struct {
	Sequence  int64
	From      identity.NodeId
	To        identity.NodeId
	Amount    uint64
	Tax       uint64
	Nonce     uint64
	Timestamp int64
	AppliedAt time.Time
}

// Store is a SQLite-backed append-only transfer log.
type Store struct {
	mu  sync.RWMutex
	db  *sql.DB
	log *logger.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS transfers (
	sequence   INTEGER PRIMARY KEY AUTOINCREMENT,
	from_id    BLOB NOT NULL,
	to_id      BLOB NOT NULL,
	amount     INTEGER NOT NULL,
	tax        INTEGER NOT NULL,
	nonce      INTEGER NOT NULL,
	timestamp  INTEGER NOT NULL,
	applied_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transfers_from ON transfers (from_id);
CREATE INDEX IF NOT EXISTS idx_transfers_to ON transfers (to_id);
`

// Open creates or attaches to a SQLite database at path, creating the
// transfers table if absent.
func Open(path string, log *logger.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("ledgerstore: open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledgerstore: create schema: %w", err)
	}
	return &Store{db: db, log: log}, nil
}

// Record appends a single applied transfer to the audit trail.
func (s *Store) Record(e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO transfers (from_id, to_id, amount, tax, nonce, timestamp, applied_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.From.Bytes(), e.To.Bytes(), e.Amount, e.Tax, e.Nonce, e.Timestamp, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("ledgerstore: record transfer: %w", err)
	}
	s.log.WithField("from", e.From.String()).Debug("recorded transfer in audit trail")
	return nil
}

func scanEntry(scan func(dest ...interface{}) error) (Entry, error) {
	var e Entry
	var fromBytes, toBytes []byte
	if err := scan(&e.Sequence, &fromBytes, &toBytes, &e.Amount, &e.Tax, &e.Nonce, &e.Timestamp, &e.AppliedAt); err != nil {
		return e, err
	}
	copy(e.From[:], fromBytes)
	copy(e.To[:], toBytes)
	return e, nil
}

// ForAccount returns every recorded transfer touching account, oldest
// first.
func (s *Store) ForAccount(account identity.NodeId) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT sequence, from_id, to_id, amount, tax, nonce, timestamp, applied_at
		 FROM transfers WHERE from_id = ? OR to_id = ? ORDER BY sequence ASC`,
		account.Bytes(), account.Bytes(),
	)
	if err != nil {
		return nil, fmt.Errorf("ledgerstore: query account history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("ledgerstore: scan transfer: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Count returns the total number of recorded transfers.
func (s *Store) Count() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	if err := s.db.QueryRow("SELECT COUNT(*) FROM transfers").Scan(&count); err != nil {
		return 0, fmt.Errorf("ledgerstore: count transfers: %w", err)
	}
	return count, nil
}

// Latest returns the n most recently recorded transfers, newest first.
func (s *Store) Latest(n int) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT sequence, from_id, to_id, amount, tax, nonce, timestamp, applied_at
		 FROM transfers ORDER BY sequence DESC LIMIT ?`, n,
	)
	if err != nil {
		return nil, fmt.Errorf("ledgerstore: query latest transfers: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("ledgerstore: scan transfer: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
