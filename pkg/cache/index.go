package cache

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Record is one row of the on-disk cache index: the bookkeeping needed
// for lookup, staleness checks and LRU eviction. Nothing beyond cache
// validity and eviction is persisted.
type Record struct {
	Fingerprint string
	Size        int64
	Stamp       string // source modification signature at write time
	Location    string // committed file, relative to the cache root
	CreatedAt   int64
	LastAccess  int64
}

// Index is the SQLite-backed cache index. It lives inside the cache
// directory next to the committed entries.
type Index struct {
	db *sql.DB
}

// OpenIndex opens (creating if needed) the index database at path.
func OpenIndex(path string) (*Index, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open cache index: %w", err)
	}

	sqlStmt := `CREATE TABLE IF NOT EXISTS entries (
		fingerprint TEXT PRIMARY KEY,
		size        INTEGER NOT NULL,
		stamp       TEXT NOT NULL,
		location    TEXT NOT NULL,
		created_at  INTEGER NOT NULL,
		last_access INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_entries_last_access ON entries(last_access);`
	if _, err := db.Exec(sqlStmt); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize cache index: %w", err)
	}

	return &Index{db: db}, nil
}

// Get returns the record for a fingerprint, or nil if absent.
func (ix *Index) Get(fp string) (*Record, error) {
	rec := &Record{Fingerprint: fp}
	err := ix.db.QueryRow(
		`SELECT size, stamp, location, created_at, last_access FROM entries WHERE fingerprint = ?`, fp).
		Scan(&rec.Size, &rec.Stamp, &rec.Location, &rec.CreatedAt, &rec.LastAccess)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Put inserts or replaces a record.
func (ix *Index) Put(rec *Record) error {
	_, err := ix.db.Exec(
		`INSERT OR REPLACE INTO entries (fingerprint, size, stamp, location, created_at, last_access)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.Fingerprint, rec.Size, rec.Stamp, rec.Location, rec.CreatedAt, rec.LastAccess)
	return err
}

// Touch refreshes a record's last access time for LRU eviction.
func (ix *Index) Touch(fp string, now int64) error {
	_, err := ix.db.Exec(`UPDATE entries SET last_access = ? WHERE fingerprint = ?`, now, fp)
	return err
}

// Delete removes a record.
func (ix *Index) Delete(fp string) error {
	_, err := ix.db.Exec(`DELETE FROM entries WHERE fingerprint = ?`, fp)
	return err
}

// TotalSize returns the combined size of all committed entries.
func (ix *Index) TotalSize() (int64, error) {
	var total sql.NullInt64
	if err := ix.db.QueryRow(`SELECT SUM(size) FROM entries`).Scan(&total); err != nil {
		return 0, err
	}
	return total.Int64, nil
}

// Count returns the number of committed entries.
func (ix *Index) Count() (int64, error) {
	var n int64
	err := ix.db.QueryRow(`SELECT COUNT(*) FROM entries`).Scan(&n)
	return n, err
}

// OldestFirst returns up to limit records ordered by least recent access.
func (ix *Index) OldestFirst(limit int) ([]*Record, error) {
	rows, err := ix.db.Query(
		`SELECT fingerprint, size, stamp, location, created_at, last_access
		 FROM entries ORDER BY last_access ASC, fingerprint ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*Record
	for rows.Next() {
		rec := &Record{}
		if err := rows.Scan(&rec.Fingerprint, &rec.Size, &rec.Stamp, &rec.Location,
			&rec.CreatedAt, &rec.LastAccess); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Close closes the underlying database.
func (ix *Index) Close() error {
	return ix.db.Close()
}
