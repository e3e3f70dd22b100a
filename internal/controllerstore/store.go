// Package controllerstore is the controller's SQLite persistence layer:
// nodes, invites, mesh groups and memberships, settings, the node's
// static WireGuard key, and tunnel descriptors (spec §3, §6). It is
// grounded on the teacher's infra/sqlite/store.go — same Open/WAL/
// busy-timeout shape — generalized from a single-table local store to
// the controller's full schema, with explicit Go structs mirroring SQL
// rows rather than an ORM or generated query layer.
package controllerstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store is the controller's SQLite-backed persistence layer.
type Store struct {
	db *sql.DB
}

// schema creates every table from spec §6 if absent. Column types mirror
// the Go structs in this package field-for-field; timestamps are stored
// as Unix milliseconds (spec §4.G: "timestamps on the wire are
// milliseconds since epoch").
const schema = `
CREATE TABLE IF NOT EXISTS nodes (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	auth_key   TEXT NOT NULL UNIQUE,
	name       TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS invites (
	token      TEXT PRIMARY KEY,
	name_hint  TEXT NOT NULL,
	used       INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS mesh_groups (
	id                  INTEGER PRIMARY KEY AUTOINCREMENT,
	name                TEXT NOT NULL UNIQUE,
	auto_wireguard      INTEGER NOT NULL DEFAULT 0,
	auto_wireguard_mtu  INTEGER NOT NULL DEFAULT 1420
);

CREATE TABLE IF NOT EXISTS mesh_group_memberships (
	mesh_group_id INTEGER NOT NULL,
	node_id       INTEGER NOT NULL,
	PRIMARY KEY (mesh_group_id, node_id)
);

CREATE TABLE IF NOT EXISTS settings (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS wireguard_static_key (
	node_id    INTEGER PRIMARY KEY,
	public_key TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS wireguard_tunnels (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	peer1_id       INTEGER NOT NULL,
	peer2_id       INTEGER NOT NULL,
	mtu            INTEGER NOT NULL,
	endpoint_ipv6  INTEGER NOT NULL,
	endpoint_peer1 TEXT,
	endpoint_peer2 TEXT,
	peer1_answered INTEGER NOT NULL DEFAULT 0,
	peer2_answered INTEGER NOT NULL DEFAULT 0,
	fec            INTEGER NOT NULL DEFAULT 0,
	faketcp        INTEGER NOT NULL DEFAULT 0,
	created_at     INTEGER NOT NULL,
	updated_at     INTEGER NOT NULL,
	UNIQUE (peer1_id, peer2_id, endpoint_ipv6)
);
`

// Open creates (if absent) and opens the SQLite database at path,
// applying the schema and enabling WAL mode and a busy timeout, exactly
// as the teacher's local store does.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func withTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
