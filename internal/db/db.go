package db

import (
	"database/sql"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

const (
	storeDir  = ".readyline"
	storeFile = "readyline.db"
)

type Config struct {
	Workspace string
}

// Connection pragmas. WAL keeps run queries unblocked while the worker
// writes; busy_timeout covers the brief writer lock handoff.
var pragmas = []string{
	"foreign_keys(1)",
	"journal_mode(WAL)",
	"busy_timeout(5000)",
}

// EnsureWorkspace creates the workspace store directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	dir := filepath.Join(workspace, storeDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// Open opens the workspace store.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	var dsn strings.Builder
	dsn.WriteString("file:")
	dsn.WriteString(Path(cfg.Workspace))
	for i, p := range pragmas {
		if i == 0 {
			dsn.WriteString("?_pragma=")
		} else {
			dsn.WriteString("&_pragma=")
		}
		dsn.WriteString(p)
	}
	return sql.Open("sqlite", dsn.String())
}

// Path returns the store file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, storeDir, storeFile)
}
