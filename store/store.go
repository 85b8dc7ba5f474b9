// Package store implements the encrypted local contact log (§4.4): an
// at-rest contact log with rescan throttling and retention, backed by
// modernc.org/sqlite (a pure-Go, cgo-free database/sql driver).
//
// True page-level database encryption (SQLCipher's PRAGMA key) is not
// available to a cgo-free driver. The store instead approximates
// "database-level encryption keyed by MS" with a keyed canary row: on
// open, a value encrypted under a key derived from the master secret
// is written (first open) or verified (subsequent opens). A decrypt
// failure on that canary means the supplied master secret does not
// match the one the database was created under — exactly the OS-
// restored-backup scenario §4.4 describes — and triggers the same
// policy spec.md mandates: close cleanly, delete the file, reopen
// fresh. This is fail-open-to-empty, never fail-open-to-plaintext: the
// contact rows themselves are never served without a matching key.
package store

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/datatrails/go-datatrails-common/logger"
	"github.com/google/uuid"

	"github.com/vailix-dev/vailix/metacipher"

	_ "modernc.org/sqlite"
)

// RetentionWindow is how long a scanned_events row survives before
// CleanupOldScans removes it (§3: 14 days default).
const RetentionWindow = 14 * 24 * time.Hour

// matchChunkSize bounds the size of each IN-query issued by
// MatchingScans, to respect common variable-binding limits (§4.4).
const matchChunkSize = 500

const canaryKeyName = "vailix-store-canary"

// ContactRecord is one row of the scanned_events table.
type ContactRecord struct {
	ID             string
	PeerRPIHex     string
	PeerMetaKeyHex string
	TimestampMS    int64
}

// Store is the encrypted local contact log. It is safe for concurrent
// use; sqlite serializes its own writes and the rescan ledger is
// separately mutex-guarded.
type Store struct {
	db               *sql.DB
	path             string
	canaryKey        []byte
	rescanIntervalMS int64
	ledger           *rescanLedger
	log              logger.Logger
	closed           bool
}

// Open opens (or creates) the encrypted local store at path, keyed by
// masterKeyHex (the identity engine's master secret, hex-encoded).
// masterKeyHex is validated as hex before use, so it can never inject
// into any query built from it. On a key mismatch against an existing
// database file, Open deletes the file and recreates an empty one.
func Open(path string, masterKeyHex string, rescanIntervalMS int64, log logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.Sugar
	}
	log = log.WithServiceName("store")

	if _, err := hex.DecodeString(masterKeyHex); err != nil {
		return nil, ErrInvalidMasterKey
	}

	canaryKey := deriveCanaryKey(masterKeyHex)

	s, err := openOnce(path, canaryKey, rescanIntervalMS, log)
	if err != nil {
		return nil, err
	}

	mismatch, err := s.verifyCanary()
	if err != nil {
		s.db.Close()
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	if mismatch {
		log.Errorf("store: master key mismatch against existing database, wiping and recreating")
		s.db.Close()
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: removing mismatched database: %v", ErrIO, err)
		}
		s, err = openOnce(path, canaryKey, rescanIntervalMS, log)
		if err != nil {
			return nil, err
		}
		if _, err := s.verifyCanary(); err != nil {
			s.db.Close()
			return nil, fmt.Errorf("%w: %v", ErrIO, err)
		}
	}

	if err := s.loadLedger(); err != nil {
		s.db.Close()
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}

	return s, nil
}

// deriveCanaryKey turns the hex master key into a metacipher-sized
// AES key without ever storing or transmitting the master key itself.
func deriveCanaryKey(masterKeyHex string) []byte {
	raw, _ := hex.DecodeString(masterKeyHex)
	if len(raw) >= metacipher.KeyBytes {
		return raw[:metacipher.KeyBytes]
	}
	padded := make([]byte, metacipher.KeyBytes)
	copy(padded, raw)
	return padded
}

func openOnce(path string, canaryKey []byte, rescanIntervalMS int64, log logger.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: opening database: %v", ErrIO, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid lock contention across conns

	s := &Store{
		db:               db,
		path:             path,
		canaryKey:        canaryKey,
		rescanIntervalMS: rescanIntervalMS,
		ledger:           newRescanLedger(),
		log:              log,
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: migrating schema: %v", ErrIO, err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS scanned_events (
			id TEXT PRIMARY KEY,
			rpi TEXT NOT NULL,
			metadata_key TEXT NOT NULL,
			timestamp INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_scanned_events_rpi ON scanned_events(rpi)`,
		`CREATE TABLE IF NOT EXISTS rescan_ledger (
			rpi TEXT PRIMARY KEY,
			last_ms INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS store_canary (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			sealed TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// verifyCanary executes the trivial key-verification query described
// in §4.4. It returns (true, nil) if an existing canary failed to
// decrypt under canaryKey (key mismatch), or writes a fresh canary if
// none exists yet.
func (s *Store) verifyCanary() (mismatch bool, err error) {
	var sealed string
	row := s.db.QueryRow(`SELECT sealed FROM store_canary WHERE id = 1`)
	switch err := row.Scan(&sealed); {
	case err == sql.ErrNoRows:
		fresh, encErr := metacipher.Encrypt([]byte(canaryKeyName), s.canaryKey)
		if encErr != nil {
			return false, encErr
		}
		_, execErr := s.db.Exec(`INSERT INTO store_canary (id, sealed) VALUES (1, ?)`, fresh)
		return false, execErr
	case err != nil:
		return false, err
	default:
		plaintext, decErr := metacipher.Decrypt(sealed, s.canaryKey)
		if decErr != nil || string(plaintext) != canaryKeyName {
			return true, nil
		}
		return false, nil
	}
}

func (s *Store) loadLedger() error {
	rows, err := s.db.Query(`SELECT rpi, last_ms FROM rescan_ledger ORDER BY last_ms DESC LIMIT ?`, ledgerMaxEntries)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var rpi string
		var lastMS int64
		if err := rows.Scan(&rpi, &lastMS); err != nil {
			return err
		}
		s.ledger.record(rpi, lastMS)
	}
	return rows.Err()
}

// LogScan inserts a contact record and updates the rescan ledger with
// now. Failures do not update the in-memory ledger.
func (s *Store) LogScan(ctx context.Context, rpiHex, metadataKeyHex string, timestampMS int64) error {
	if s.closed {
		return ErrClosed
	}

	id := uuid.NewString()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO scanned_events (id, rpi, metadata_key, timestamp) VALUES (?, ?, ?, ?)`,
		id, rpiHex, metadataKeyHex, timestampMS,
	); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO rescan_ledger (rpi, last_ms) VALUES (?, ?)
		 ON CONFLICT(rpi) DO UPDATE SET last_ms = excluded.last_ms`,
		rpiHex, timestampMS,
	); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}

	s.ledger.record(rpiHex, timestampMS)
	return nil
}

// CanScan reports whether rpi may be logged again: true if throttling
// is disabled (rescanIntervalMS == 0), if rpi has never been seen, or
// if enough time has elapsed since it last was.
func (s *Store) CanScan(rpiHex string) bool {
	if s.rescanIntervalMS == 0 {
		return true
	}
	last, ok := s.ledger.lastSeenAt(rpiHex)
	if !ok {
		return true
	}
	return time.Now().UnixMilli()-last >= s.rescanIntervalMS
}

// MatchingScans returns all contact rows whose rpi appears in rpis.
// The underlying query is batched into chunks of at most 500
// identifiers; the union of batches is returned with no duplicates
// introduced (each row is scanned from exactly one batch).
func (s *Store) MatchingScans(ctx context.Context, rpis []string) ([]ContactRecord, error) {
	if s.closed {
		return nil, ErrClosed
	}

	var out []ContactRecord
	for start := 0; start < len(rpis); start += matchChunkSize {
		end := start + matchChunkSize
		if end > len(rpis) {
			end = len(rpis)
		}
		chunk := rpis[start:end]

		placeholders := make([]byte, 0, len(chunk)*2)
		args := make([]any, len(chunk))
		for i, rpi := range chunk {
			if i > 0 {
				placeholders = append(placeholders, ',')
			}
			placeholders = append(placeholders, '?')
			args[i] = rpi
		}

		query := fmt.Sprintf(`SELECT id, rpi, metadata_key, timestamp FROM scanned_events WHERE rpi IN (%s)`, placeholders)
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIO, err)
		}

		for rows.Next() {
			var rec ContactRecord
			if err := rows.Scan(&rec.ID, &rec.PeerRPIHex, &rec.PeerMetaKeyHex, &rec.TimestampMS); err != nil {
				rows.Close()
				return nil, fmt.Errorf("%w: %v", ErrIO, err)
			}
			out = append(out, rec)
		}
		rowErr := rows.Err()
		rows.Close()
		if rowErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrIO, rowErr)
		}
	}

	return out, nil
}

// RecentPairs returns contact rows captured within the last
// withinHours.
func (s *Store) RecentPairs(ctx context.Context, withinHours int) ([]ContactRecord, error) {
	if s.closed {
		return nil, ErrClosed
	}

	cutoff := time.Now().Add(-time.Duration(withinHours) * time.Hour).UnixMilli()
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, rpi, metadata_key, timestamp FROM scanned_events WHERE timestamp > ?`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	defer rows.Close()

	var out []ContactRecord
	for rows.Next() {
		var rec ContactRecord
		if err := rows.Scan(&rec.ID, &rec.PeerRPIHex, &rec.PeerMetaKeyHex, &rec.TimestampMS); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIO, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	return out, nil
}

// CleanupOldScans deletes scanned_events rows older than
// RetentionWindow and prunes rescan-ledger entries older than
// rescanIntervalMS, both in the durable table and in memory.
func (s *Store) CleanupOldScans(ctx context.Context) error {
	if s.closed {
		return ErrClosed
	}

	scanCutoff := time.Now().Add(-RetentionWindow).UnixMilli()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM scanned_events WHERE timestamp < ?`, scanCutoff); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}

	if s.rescanIntervalMS > 0 {
		ledgerCutoff := time.Now().UnixMilli() - s.rescanIntervalMS
		removed := s.ledger.pruneOlderThan(ledgerCutoff)
		if len(removed) > 0 {
			if _, err := s.db.ExecContext(ctx, `DELETE FROM rescan_ledger WHERE last_ms < ?`, ledgerCutoff); err != nil {
				return fmt.Errorf("%w: %v", ErrIO, err)
			}
		}
	}

	return nil
}

// Close releases the underlying database handle. Safe to call more
// than once.
func (s *Store) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
