// Package store persists global settings and mounted surfaces in SQLite.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Keys of global settings stored encrypted when an encryption key is set.
var secretKeys = map[string]bool{
	"app_secret":   true,
	"access_token": true,
}

// DB provides SQLite persistence for global settings and surfaces.
type DB struct {
	db  *sql.DB
	key []byte
}

// SurfaceRecord is a mounted surface as persisted by the host.
type SurfaceRecord struct {
	ID        string
	Market    string
	Code      string
	Exchange  string
	Name      string
	UpdatedAt time.Time
}

// OpenDB opens (or creates) the SQLite database at path and ensures tables exist.
func OpenDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return nil, fmt.Errorf("set wal mode: %w", err)
	}

	ddl := `
CREATE TABLE IF NOT EXISTS global_settings (
    key        TEXT PRIMARY KEY,
    value      TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS surfaces (
    id         TEXT PRIMARY KEY,
    market     TEXT NOT NULL CHECK(market IN ('domestic','overseas')),
    code       TEXT NOT NULL,
    exchange   TEXT NOT NULL DEFAULT '',
    name       TEXT NOT NULL DEFAULT '',
    updated_at TEXT NOT NULL
);`
	if _, err := db.Exec(ddl); err != nil {
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return &DB{db: db}, nil
}

// SetEncryptionKey enables AES-GCM encryption of secret settings.
func (d *DB) SetEncryptionKey(key []byte) {
	d.key = key
}

// LoadGlobal reads every global setting, decrypting secrets.
func (d *DB) LoadGlobal() (map[string]string, error) {
	rows, err := d.db.Query(`SELECT key, value FROM global_settings`)
	if err != nil {
		return nil, fmt.Errorf("query global settings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan global setting: %w", err)
		}
		if secretKeys[k] && d.key != nil {
			plain, err := decrypt(d.key, v)
			if err != nil {
				return nil, fmt.Errorf("decrypt %s: %w", k, err)
			}
			v = plain
		}
		out[k] = v
	}
	return out, rows.Err()
}

// SaveGlobal stores or updates one global setting. An empty value deletes it.
func (d *DB) SaveGlobal(key, value string) error {
	if value == "" {
		return d.DeleteGlobal(key)
	}
	if secretKeys[key] && d.key != nil {
		enc, err := encrypt(d.key, value)
		if err != nil {
			return fmt.Errorf("encrypt %s: %w", key, err)
		}
		value = enc
	}
	_, err := d.db.Exec(`INSERT OR REPLACE INTO global_settings (key, value, updated_at) VALUES (?,?,?)`,
		key, value, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("save global setting: %w", err)
	}
	return nil
}

// DeleteGlobal removes one global setting.
func (d *DB) DeleteGlobal(key string) error {
	if _, err := d.db.Exec(`DELETE FROM global_settings WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete global setting: %w", err)
	}
	return nil
}

// LoadSurfaces reads every persisted surface ordered by id.
func (d *DB) LoadSurfaces() ([]*SurfaceRecord, error) {
	rows, err := d.db.Query(`SELECT id, market, code, exchange, name, updated_at FROM surfaces ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query surfaces: %w", err)
	}
	defer rows.Close()

	var out []*SurfaceRecord
	for rows.Next() {
		var (
			r        SurfaceRecord
			updatedS string
		)
		if err := rows.Scan(&r.ID, &r.Market, &r.Code, &r.Exchange, &r.Name, &updatedS); err != nil {
			return nil, fmt.Errorf("scan surface: %w", err)
		}
		r.UpdatedAt, _ = time.Parse(time.RFC3339, updatedS)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// SaveSurface inserts or replaces a surface.
func (d *DB) SaveSurface(r *SurfaceRecord) error {
	updated := r.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err := d.db.Exec(`INSERT OR REPLACE INTO surfaces (id, market, code, exchange, name, updated_at) VALUES (?,?,?,?,?,?)`,
		r.ID, r.Market, r.Code, r.Exchange, r.Name, updated.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("save surface: %w", err)
	}
	return nil
}

// DeleteSurface removes a surface by id.
func (d *DB) DeleteSurface(id string) error {
	if _, err := d.db.Exec(`DELETE FROM surfaces WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete surface: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.db.Close()
}
