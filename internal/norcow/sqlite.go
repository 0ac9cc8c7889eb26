package norcow

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore persists flash entries in a SQLite database, the way the
// teacher's example/database.go persisted operation and audit records —
// same driver, same "one connection, schema created on open" shape,
// repurposed from logging rows to raw key/value flash entries. Useful for
// a desktop companion tool or simulator that wants the storage core's
// state to survive a process restart without a real flash chip.
type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS flash_entries (
	key   INTEGER PRIMARY KEY,
	value BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS flash_meta (
	id      INTEGER PRIMARY KEY CHECK (id = 0),
	version INTEGER NOT NULL
);
`

// OpenSQLiteStore opens (creating if necessary) a SQLite-backed store at
// path, defaulting the on-flash format version to initialVersion if the
// meta row does not yet exist.
func OpenSQLiteStore(path string, initialVersion uint32) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("norcow: open sqlite store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("norcow: create schema: %w", err)
	}
	if _, err := db.Exec(
		`INSERT OR IGNORE INTO flash_meta (id, version) VALUES (0, ?)`, initialVersion,
	); err != nil {
		db.Close()
		return nil, fmt.Errorf("norcow: seed version: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Init() (uint32, error) {
	var version uint32
	err := s.db.QueryRow(`SELECT version FROM flash_meta WHERE id = 0`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("norcow: read version: %w", err)
	}
	return version, nil
}

func (s *SQLiteStore) Get(key uint16) ([]byte, error) {
	var value []byte
	err := s.db.QueryRow(`SELECT value FROM flash_entries WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("norcow: get %d: %w", key, err)
	}
	return value, nil
}

func (s *SQLiteStore) exists(key uint16) (bool, error) {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM flash_entries WHERE key = ?`, key).Scan(&count); err != nil {
		return false, fmt.Errorf("norcow: exists %d: %w", key, err)
	}
	return count > 0, nil
}

func (s *SQLiteStore) Set(key uint16, value []byte) error {
	_, err := s.db.Exec(
		`INSERT INTO flash_entries (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("norcow: set %d: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) SetEx(key uint16, value []byte) (bool, error) {
	existed, err := s.exists(key)
	if err != nil {
		return false, err
	}
	if err := s.Set(key, value); err != nil {
		return existed, err
	}
	return existed, nil
}

func (s *SQLiteStore) Delete(key uint16) error {
	if _, err := s.db.Exec(`DELETE FROM flash_entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("norcow: delete %d: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Iterate(fn func(key uint16, value []byte) bool) error {
	rows, err := s.db.Query(`SELECT key, value FROM flash_entries ORDER BY key`)
	if err != nil {
		return fmt.Errorf("norcow: iterate: %w", err)
	}
	defer rows.Close()

	type entry struct {
		key   uint16
		value []byte
	}
	var all []entry
	for rows.Next() {
		var e entry
		if err := rows.Scan(&e.key, &e.value); err != nil {
			return fmt.Errorf("norcow: scan: %w", err)
		}
		all = append(all, e)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	// The result set is materialized before fn runs so fn can safely
	// mutate the store mid-iteration, matching Store.Iterate's contract
	// that a concurrent mutation during the same call is never observed.
	for _, e := range all {
		if !fn(e.key, e.value) {
			break
		}
	}
	return nil
}

func (s *SQLiteStore) UpdateWord(key uint16, offset int, word uint32) error {
	var buf [4]byte
	buf[0] = byte(word)
	buf[1] = byte(word >> 8)
	buf[2] = byte(word >> 16)
	buf[3] = byte(word >> 24)
	return s.UpdateBytes(key, offset, buf[:])
}

func (s *SQLiteStore) UpdateBytes(key uint16, offset int, data []byte) error {
	existing, err := s.Get(key)
	if err != nil {
		return err
	}
	if offset < 0 || offset+len(data) > len(existing) {
		return ErrTooShort
	}
	window := existing[offset : offset+len(data)]
	merged := clearOnlyMerge(window, data)
	copy(window, merged)
	return s.Set(key, existing)
}

func (s *SQLiteStore) Wipe() error {
	if _, err := s.db.Exec(`DELETE FROM flash_entries`); err != nil {
		return fmt.Errorf("norcow: wipe: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpgradeFinish(newVersion uint32) error {
	if _, err := s.db.Exec(`UPDATE flash_meta SET version = ? WHERE id = 0`, newVersion); err != nil {
		return fmt.Errorf("norcow: upgrade finish: %w", err)
	}
	return nil
}
