package seqcache

import (
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists scope entries in a local SQLite file. The
// store's version rides on SQLite's user_version pragma, so a version
// check and a read hit the same database. Insertion order comes from
// the rowid, which upserts preserve.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open seq cache db: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS scope_entries (
			scope TEXT PRIMARY KEY,
			next INTEGER NOT NULL,
			block_size INTEGER NOT NULL
		)
	`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create scope_entries: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// errStoreUnavailable makes a nil *SQLiteStore behave like an absent
// store: the cache checks the version on every entry point, so failing
// here is enough to keep every operation in degraded mode.
var errStoreUnavailable = errors.New("seq cache store unavailable")

func (s *SQLiteStore) Version() (int64, error) {
	if s == nil || s.db == nil {
		return 0, errStoreUnavailable
	}
	var version int64
	if err := s.db.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		return 0, fmt.Errorf("read cache version: %w", err)
	}
	return version, nil
}

func (s *SQLiteStore) SetVersion(version int64) error {
	// PRAGMA does not accept bind parameters.
	if _, err := s.db.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, version)); err != nil {
		return fmt.Errorf("write cache version: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(scope string) (Entry, bool, error) {
	var entry Entry
	err := s.db.QueryRow(`
		SELECT next, block_size FROM scope_entries WHERE scope=?
	`, scope).Scan(&entry.Next, &entry.BlockSize)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("get scope entry: %w", err)
	}
	return entry, true, nil
}

func (s *SQLiteStore) Put(scope string, entry Entry) error {
	_, err := s.db.Exec(`
		INSERT INTO scope_entries (scope, next, block_size)
		VALUES (?, ?, ?)
		ON CONFLICT(scope) DO UPDATE SET next=excluded.next, block_size=excluded.block_size
	`, scope, entry.Next, entry.BlockSize)
	if err != nil {
		return fmt.Errorf("put scope entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Delete(scope string) error {
	if _, err := s.db.Exec(`DELETE FROM scope_entries WHERE scope=?`, scope); err != nil {
		return fmt.Errorf("delete scope entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Scopes() ([]string, error) {
	rows, err := s.db.Query(`SELECT scope FROM scope_entries ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("list scopes: %w", err)
	}
	defer rows.Close()

	scopes := make([]string, 0)
	for rows.Next() {
		var scope string
		if err := rows.Scan(&scope); err != nil {
			return nil, fmt.Errorf("scan scope: %w", err)
		}
		scopes = append(scopes, scope)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scopes: %w", err)
	}
	return scopes, nil
}

func (s *SQLiteStore) Clear() error {
	if _, err := s.db.Exec(`DELETE FROM scope_entries`); err != nil {
		return fmt.Errorf("clear scope entries: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
