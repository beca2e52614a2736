package ovsqlite

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema/*.sql
var schemaFS embed.FS

// dbFileName matches the original OVSQLITE_DB_FILE constant.
const dbFileName = "ovsqlite.db"

// DB wraps the single *sql.DB this backend ever opens. Every access
// to it happens from the server's single event-loop goroutine
// (spec.md §4.3.2: "only ever one writer, one goroutine touching the
// handle") — DB itself adds no locking.
type DB struct {
	conn    *sql.DB
	Compress bool
}

// Open opens (creating and migrating if necessary) the sqlite database
// at dir/ovsqlite.db, grounded on the teacher's embedded-migration
// pattern (internal/database/embedded_migrations.go) adapted to a
// single forward-only schema directory instead of per-group shards.
func Open(dir string, compress bool, pageSize, cacheSizeKiB int) (*DB, error) {
	path := dir + "/" + dbFileName
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=1", path)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("ovsqlite: open: %w", err)
	}
	conn.SetMaxOpenConns(1) // single-writer model (spec.md §4.3)

	if pageSize > 0 {
		if _, err := conn.Exec(fmt.Sprintf("pragma page_size=%d", pageSize)); err != nil {
			return nil, fmt.Errorf("ovsqlite: set page_size: %w", err)
		}
	}
	if cacheSizeKiB > 0 {
		if _, err := conn.Exec(fmt.Sprintf("pragma cache_size=-%d", cacheSizeKiB)); err != nil {
			return nil, fmt.Errorf("ovsqlite: set cache_size: %w", err)
		}
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}

	stored, err := db.getMisc("compress")
	if err != nil {
		conn.Close()
		return nil, err
	}
	if stored == "" {
		if err := db.setMisc("compress", boolStr(compress)); err != nil {
			conn.Close()
			return nil, err
		}
		db.Compress = compress
	} else {
		db.Compress = stored == "1"
	}
	return db, nil
}

func boolStr(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func (db *DB) Close() error { return db.conn.Close() }

// migrate applies every schema/NNNN_*.sql file whose version exceeds
// the database's current user_version pragma, in order, each inside
// its own transaction (teacher pattern: internal/database/db_migrate.go).
func (db *DB) migrate() error {
	var current int
	if err := db.conn.QueryRow("pragma user_version").Scan(&current); err != nil {
		return fmt.Errorf("ovsqlite: read user_version: %w", err)
	}

	entries, err := fs.ReadDir(schemaFS, "schema")
	if err != nil {
		return fmt.Errorf("ovsqlite: read embedded schema: %w", err)
	}
	type migration struct {
		version int
		name    string
	}
	var migrations []migration
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		parts := strings.SplitN(e.Name(), "_", 2)
		v, err := strconv.Atoi(parts[0])
		if err != nil {
			continue
		}
		migrations = append(migrations, migration{version: v, name: e.Name()})
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].version < migrations[j].version })

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		content, err := fs.ReadFile(schemaFS, "schema/"+m.name)
		if err != nil {
			return fmt.Errorf("ovsqlite: read migration %s: %w", m.name, err)
		}
		tx, err := db.conn.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("ovsqlite: apply migration %s: %w", m.name, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("pragma user_version=%d", m.version)); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		current = m.version
	}
	if current != SchemaVersion {
		return fmt.Errorf("ovsqlite: schema at version %d, code expects %d", current, SchemaVersion)
	}
	return nil
}

func (db *DB) getMisc(key string) (string, error) {
	var v string
	err := db.conn.QueryRow("select value from misc where key = ?", key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return v, err
}

func (db *DB) setMisc(key, value string) error {
	_, err := db.conn.Exec(
		"insert into misc(key, value) values (?, ?) on conflict(key) do update set value = excluded.value",
		key, value)
	return err
}
