package db

import (
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const (
	defaultDBName = "leadline.db"
	backupSuffix  = ".bak"
)

type Config struct {
	Workspace string
}

func dbPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".leadline", defaultDBName)
}

// EnsureWorkspace creates the workspace directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	path := filepath.Join(workspace, ".leadline")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// Open opens the SQLite database with foreign keys on and verifies its
// integrity. A corrupt file is restored from the backup copy taken at the
// previous successful open; if no backup exists or restoration fails, the
// original integrity error is returned. After every successful open a fresh
// backup copy is written next to the database.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	path := dbPath(cfg.Workspace)
	conn, err := open(path)
	if err != nil {
		restoreErr := restoreBackup(path)
		if restoreErr != nil {
			return nil, err
		}
		conn, restoreErr = open(path)
		if restoreErr != nil {
			return nil, err
		}
	}
	if err := writeBackup(path); err != nil {
		conn.Close()
		return nil, fmt.Errorf("backup database: %w", err)
	}
	return conn, nil
}

func open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=foreign_keys(1)", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	var result string
	if err := conn.QueryRow(`PRAGMA integrity_check`).Scan(&result); err != nil {
		conn.Close()
		return nil, fmt.Errorf("integrity check: %w", err)
	}
	if result != "ok" {
		conn.Close()
		return nil, fmt.Errorf("integrity check failed: %s", result)
	}
	return conn, nil
}

func restoreBackup(path string) error {
	backup := path + backupSuffix
	if _, err := os.Stat(backup); err != nil {
		return err
	}
	return copyFile(backup, path)
}

func writeBackup(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		// Nothing to back up yet; the first migration run creates the file.
		return nil
	}
	return copyFile(path, path+backupSuffix)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+".tmp")
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(out.Name())
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(out.Name())
		return err
	}
	return os.Rename(out.Name(), dst)
}

// Path returns the db path for the workspace.
func Path(workspace string) string {
	return dbPath(workspace)
}
