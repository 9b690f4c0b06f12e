// Package db is the authoritative store for consolidated traffic events. It
// wraps a SQLite database opened in WAL mode, with the schema managed by
// versioned migrations.
package db

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsEmbed embed.FS

// DB wraps the SQLite connection.
type DB struct {
	*sql.DB
	path string
}

// Open opens (or creates) the database at path, applies the durability
// pragmas, and runs any pending migrations.
func Open(path string) (*DB, error) {
	sdb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := sdb.Exec(pragma); err != nil {
			sdb.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	db := &DB{DB: sdb, path: path}
	if err := db.MigrateUp(MigrationsFS()); err != nil {
		sdb.Close()
		return nil, err
	}
	return db, nil
}

// MigrationsFS returns the embedded migrations rooted at the migrations
// directory.
func MigrationsFS() fs.FS {
	sub, err := fs.Sub(migrationsEmbed, "migrations")
	if err != nil {
		// The directory is embedded at build time; failure here is a
		// packaging bug.
		panic(err)
	}
	return sub
}

// Path returns the filesystem path the database was opened with.
func (db *DB) Path() string { return db.path }
