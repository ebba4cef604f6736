// Package migrate applies the embedded ledger schema to a freshly opened
// database. Migration files live under sql/ and are named NNN_name.sql;
// they are applied in ascending order, each inside its own transaction.
package migrate

import (
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

//go:embed sql/*.sql
var schemaFS embed.FS

type migration struct {
	version int
	name    string
	stmts   string
}

func load() ([]migration, error) {
	entries, err := schemaFS.ReadDir("sql")
	if err != nil {
		return nil, err
	}
	ms := make([]migration, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		prefix, _, ok := strings.Cut(name, "_")
		if !ok {
			return nil, fmt.Errorf("migration %s: missing version prefix", name)
		}
		v, err := strconv.Atoi(prefix)
		if err != nil {
			return nil, fmt.Errorf("migration %s: %w", name, err)
		}
		data, err := schemaFS.ReadFile("sql/" + name)
		if err != nil {
			return nil, err
		}
		ms = append(ms, migration{version: v, name: name, stmts: string(data)})
	}
	sort.Slice(ms, func(i, j int) bool { return ms[i].version < ms[j].version })
	return ms, nil
}

// Version reports the schema version currently recorded in the database,
// or 0 when no migration has run yet.
func Version(db *sql.DB) (int, error) {
	var v int
	err := db.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return v, nil
}

// Migrate brings the database up to the latest embedded schema version.
// Already-applied migrations are skipped, so calling it on every open is safe.
func Migrate(db *sql.DB) error {
	ms, err := load()
	if err != nil {
		return err
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version(version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}
	current, err := Version(db)
	if err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}
	for _, m := range ms {
		if m.version <= current {
			continue
		}
		if err := apply(db, m); err != nil {
			return err
		}
		current = m.version
	}
	return nil
}

func apply(db *sql.DB, m migration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.stmts); err != nil {
		return fmt.Errorf("apply %s: %w", m.name, err)
	}
	res, err := tx.Exec(`UPDATE schema_version SET version = ?`, m.version)
	if err == nil {
		if n, _ := res.RowsAffected(); n == 0 {
			_, err = tx.Exec(`INSERT INTO schema_version(version) VALUES (?)`, m.version)
		}
	}
	if err != nil {
		return fmt.Errorf("record version %d: %w", m.version, err)
	}
	return tx.Commit()
}
