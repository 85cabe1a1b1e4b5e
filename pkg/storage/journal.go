// Package storage keeps a local journal of channel activity: connection
// events and file transfers. Event details are encrypted at rest with a
// key derived from the channel secret, transfer metadata stays queryable
// in the clear.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/pairlink/pairlink/pkg/crypto"
)

var ErrNotFound = errors.New("not found")

// EventKind labels a journal event.
type EventKind string

const (
	EventConnected    EventKind = "connected"
	EventDisconnected EventKind = "disconnected"
	EventMessageSent  EventKind = "message-sent"
	EventMessageRecv  EventKind = "message-received"
	EventError        EventKind = "error"
)

// TransferStatus represents transfer progress in the journal.
type TransferStatus string

const (
	TransferStatusPending   TransferStatus = "pending"
	TransferStatusActive    TransferStatus = "active"
	TransferStatusCompleted TransferStatus = "completed"
	TransferStatusFailed    TransferStatus = "failed"
	TransferStatusDeclined  TransferStatus = "declined"
)

// Event is one journaled channel event.
type Event struct {
	ID        int64
	Kind      EventKind
	Peer      string
	Detail    string
	CreatedAt int64
}

// TransferRecord is one file within a transfer.
type TransferRecord struct {
	ID         int64
	TransferID string
	FileName   string
	Direction  string
	Peer       string
	Size       int64
	Checksum   string
	Status     TransferStatus
	StartedAt  int64
	UpdatedAt  int64
}

// Journal manages the channel activity database.
type Journal struct {
	db     *sql.DB
	cipher *crypto.Cipher
	path   string
}

// NewJournal opens (or creates) the journal database. The secret feeds
// the same key derivation the channel codec uses; an empty secret falls
// back to the built-in one.
func NewJournal(dbPath string, secret string) (*Journal, error) {
	cipher, err := crypto.NewCipher(crypto.DeriveKey(secret))
	if err != nil {
		return nil, fmt.Errorf("failed to set up journal encryption: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	j := &Journal{db: db, cipher: cipher, path: dbPath}
	if err := j.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) initSchema() error {
	schema := `
	-- Channel events
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		peer TEXT NOT NULL,
		detail BLOB,
		created_at INTEGER NOT NULL
	);

	-- File transfers, one row per file
	CREATE TABLE IF NOT EXISTS transfers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		transfer_id TEXT NOT NULL,
		file_name TEXT NOT NULL,
		direction TEXT NOT NULL,
		peer TEXT NOT NULL,
		size INTEGER NOT NULL,
		checksum TEXT,
		status TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		UNIQUE (transfer_id, file_name)
	);

	-- Indexes for the recent-activity queries
	CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_transfers_started ON transfers(started_at DESC);
	CREATE INDEX IF NOT EXISTS idx_transfers_status ON transfers(status);
	`

	if _, err := j.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// RecordEvent appends one event. The detail is encrypted before it
// touches disk.
func (j *Journal) RecordEvent(kind EventKind, peer, detail string) error {
	var sealed []byte
	if detail != "" {
		var err error
		sealed, err = j.cipher.Seal([]byte(detail))
		if err != nil {
			return fmt.Errorf("failed to encrypt detail: %w", err)
		}
	}

	query := `INSERT INTO events (kind, peer, detail, created_at) VALUES (?, ?, ?, ?)`
	if _, err := j.db.Exec(query, string(kind), peer, sealed, time.Now().Unix()); err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// RecentEvents returns the newest events, newest first. Events whose
// detail cannot be decrypted (recorded under a different secret) are
// skipped.
func (j *Journal) RecentEvents(limit int) ([]*Event, error) {
	query := `SELECT id, kind, peer, detail, created_at FROM events
	          ORDER BY created_at DESC, id DESC LIMIT ?`

	rows, err := j.db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var ev Event
		var kind string
		var sealed []byte
		if err := rows.Scan(&ev.ID, &kind, &ev.Peer, &sealed, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Kind = EventKind(kind)

		if len(sealed) > 0 {
			detail, err := j.cipher.Open(sealed)
			if err != nil {
				continue
			}
			ev.Detail = string(detail)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// RecordTransfer stores one file of a transfer, replacing any earlier
// row for the same transfer and file. The record's ID and timestamps are
// filled in.
func (j *Journal) RecordTransfer(rec *TransferRecord) error {
	now := time.Now().Unix()
	if rec.StartedAt == 0 {
		rec.StartedAt = now
	}
	rec.UpdatedAt = now

	query := `INSERT OR REPLACE INTO transfers
	          (transfer_id, file_name, direction, peer, size, checksum, status, started_at, updated_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	result, err := j.db.Exec(query,
		rec.TransferID, rec.FileName, rec.Direction, rec.Peer,
		rec.Size, rec.Checksum, string(rec.Status), rec.StartedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to record transfer: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	rec.ID = id
	return nil
}

// UpdateTransferStatus moves every file of a transfer to a new status.
func (j *Journal) UpdateTransferStatus(transferID string, status TransferStatus) error {
	query := `UPDATE transfers SET status = ?, updated_at = ? WHERE transfer_id = ?`

	result, err := j.db.Exec(query, string(status), time.Now().Unix(), transferID)
	if err != nil {
		return fmt.Errorf("failed to update transfer status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: transfer %s", ErrNotFound, transferID)
	}
	return nil
}

// Transfer retrieves one file row of a transfer.
func (j *Journal) Transfer(transferID, fileName string) (*TransferRecord, error) {
	query := `SELECT id, transfer_id, file_name, direction, peer, size, checksum, status, started_at, updated_at
	          FROM transfers WHERE transfer_id = ? AND file_name = ?`

	var rec TransferRecord
	var status string
	err := j.db.QueryRow(query, transferID, fileName).Scan(
		&rec.ID, &rec.TransferID, &rec.FileName, &rec.Direction, &rec.Peer,
		&rec.Size, &rec.Checksum, &status, &rec.StartedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: transfer %s file %s", ErrNotFound, transferID, fileName)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve transfer: %w", err)
	}
	rec.Status = TransferStatus(status)
	return &rec, nil
}

// RecentTransfers returns the newest transfer rows, newest first.
func (j *Journal) RecentTransfers(limit int) ([]*TransferRecord, error) {
	query := `SELECT id, transfer_id, file_name, direction, peer, size, checksum, status, started_at, updated_at
	          FROM transfers ORDER BY started_at DESC, id DESC LIMIT ?`

	rows, err := j.db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query transfers: %w", err)
	}
	defer rows.Close()

	var records []*TransferRecord
	for rows.Next() {
		var rec TransferRecord
		var status string
		if err := rows.Scan(
			&rec.ID, &rec.TransferID, &rec.FileName, &rec.Direction, &rec.Peer,
			&rec.Size, &rec.Checksum, &status, &rec.StartedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transfer: %w", err)
		}
		rec.Status = TransferStatus(status)
		records = append(records, &rec)
	}
	return records, rows.Err()
}

// TotalBytesTransferred sums the sizes of all completed transfers.
func (j *Journal) TotalBytesTransferred() (int64, error) {
	query := `SELECT COALESCE(SUM(size), 0) FROM transfers WHERE status = ?`

	var total int64
	if err := j.db.QueryRow(query, string(TransferStatusCompleted)).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to sum transfers: %w", err)
	}
	return total, nil
}

// Close closes the database connection.
func (j *Journal) Close() error {
	if j.db != nil {
		return j.db.Close()
	}
	return nil
}

// Path returns the database file path.
func (j *Journal) Path() string {
	return j.path
}
