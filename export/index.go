package export

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"
)

// IndexEntry describes one written record file.
type IndexEntry struct {
	GUID      string `json:"guid"`
	Name      string `json:"name"`
	Type      string `json:"type"`
	Namespace string `json:"namespace"`
	FullType  string `json:"fullType"`
	File      string `json:"file"`
}

// IndexDB is the SQLite index of an export run.
type IndexDB struct {
	db *sql.DB
}

// OpenIndex opens (creating if needed) the index database at path.
func OpenIndex(path string) (*IndexDB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Set busy timeout for concurrent access
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS records (
			guid TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			type TEXT NOT NULL,
			namespace TEXT NOT NULL,
			full_type TEXT NOT NULL,
			file TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS items (
			guid TEXT PRIMARY KEY,
			data JSON NOT NULL
		)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("creating table: %w", err)
		}
	}
	return &IndexDB{db: db}, nil
}

// Close closes the database connection.
func (x *IndexDB) Close() error {
	if x.db != nil {
		return x.db.Close()
	}
	return nil
}

// Write stores the index entries and flat records in one transaction.
func (x *IndexDB) Write(ctx context.Context, entries []IndexEntry, flat map[string]map[string]any) error {
	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	recStmt, err := tx.PrepareContext(ctx,
		"INSERT OR REPLACE INTO records (guid, name, type, namespace, full_type, file) VALUES (?, ?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("preparing records insert: %w", err)
	}
	defer recStmt.Close()
	for _, e := range entries {
		if _, err := recStmt.ExecContext(ctx, e.GUID, e.Name, e.Type, e.Namespace, e.FullType, e.File); err != nil {
			return fmt.Errorf("saving record %s: %w", e.GUID, err)
		}
	}

	itemStmt, err := tx.PrepareContext(ctx, "INSERT OR REPLACE INTO items (guid, data) VALUES (?, json(?))")
	if err != nil {
		return fmt.Errorf("preparing items insert: %w", err)
	}
	defer itemStmt.Close()
	for guid, rec := range flat {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encoding item %s: %w", guid, err)
		}
		if _, err := itemStmt.ExecContext(ctx, guid, string(data)); err != nil {
			return fmt.Errorf("saving item %s: %w", guid, err)
		}
	}
	return tx.Commit()
}

// Count returns the number of indexed records.
func (x *IndexDB) Count(ctx context.Context) (int, error) {
	var n int
	if err := x.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM records").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting records: %w", err)
	}
	return n, nil
}

// Lookup returns the index entry for guid.
func (x *IndexDB) Lookup(ctx context.Context, guid string) (*IndexEntry, error) {
	var e IndexEntry
	err := x.db.QueryRowContext(ctx,
		"SELECT guid, name, type, namespace, full_type, file FROM records WHERE guid = ?", guid,
	).Scan(&e.GUID, &e.Name, &e.Type, &e.Namespace, &e.FullType, &e.File)
	if err != nil {
		return nil, fmt.Errorf("querying record %s: %w", guid, err)
	}
	return &e, nil
}
