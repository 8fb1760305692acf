// Package db is the session store: SQLite persistence for recorded sessions,
// readings, gesture events, and labeled training windows, with embedded
// schema migrations and an admin/debug surface.
package db

import (
	"compress/gzip"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/bioforge-data/emgrip/internal/monitoring"
)

// DB wraps the SQLite handle with the store's operations.
type DB struct {
	*sql.DB
	path string
}

// Open opens (creating if needed) the store at path and applies the embedded
// migrations. The connection uses WAL so the recorder's batched writes never
// block snapshot reads.
func Open(path string) (*DB, error) {
	db, err := OpenWithoutMigrations(path)
	if err != nil {
		return nil, err
	}
	if err := db.MigrateUp(); err != nil {
		db.Close()
		return nil, fmt.Errorf("db: migrate %s: %w", path, err)
	}
	return db, nil
}

// OpenWithoutMigrations opens the store without touching the schema.
// RunMigrateAction uses this so the daemon's migrate subcommand can inspect
// and repair version state itself.
func OpenWithoutMigrations(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("db: open %s: %w", path, err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := sqlDB.Exec(p); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("db: %s: %w", p, err)
		}
	}

	return &DB{DB: sqlDB, path: path}, nil
}

// Counts summarizes stored row counts for the status surface.
type Counts struct {
	Sessions       int64 `json:"sessions"`
	Readings       int64 `json:"readings"`
	GestureEvents  int64 `json:"gesture_events"`
	LabeledWindows int64 `json:"labeled_windows"`
}

// StoreCounts returns the row counts of all store tables.
func (db *DB) StoreCounts() (Counts, error) {
	var c Counts
	tables := []struct {
		name string
		dst  *int64
	}{
		{"sessions", &c.Sessions},
		{"readings", &c.Readings},
		{"gesture_events", &c.GestureEvents},
		{"labeled_windows", &c.LabeledWindows},
	}
	for _, tbl := range tables {
		if err := db.QueryRow("SELECT COUNT(*) FROM " + tbl.name).Scan(tbl.dst); err != nil {
			return Counts{}, fmt.Errorf("db: count %s: %w", tbl.name, err)
		}
	}
	return c, nil
}

// AttachAdminRoutes mounts the debug surface on mux: a live read-only SQL
// console and an on-demand gzipped backup download.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)

	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("db: create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+db.path, db.DB, &tailsql.DBOptions{
		Label: "Session store",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("backup", "Create and download a backup of the session store now", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backupPath := fmt.Sprintf("backup-%d.db", time.Now().Unix())
		if _, err := db.Exec("VACUUM INTO ?", backupPath); err != nil {
			http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
			return
		}

		backupFile, err := os.Open(backupPath)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
			return
		}
		defer func() {
			backupFile.Close()
			if err := os.Remove(backupPath); err != nil {
				monitoring.Logf("db: failed to remove backup file: %v", err)
			}
		}()

		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.gz", backupPath))
		w.Header().Set("Content-Type", "application/octet-stream")

		gzipWriter := gzip.NewWriter(w)
		defer gzipWriter.Close()
		if _, err := io.Copy(gzipWriter, backupFile); err != nil {
			monitoring.Logf("db: backup download aborted: %v", err)
		}
	}))

	return nil
}
