package database

import (
	"database/sql"
	"embed"
	"fmt"
	"net/url"
	"time"

	"github.com/pressly/goose/v3"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// DB wraps the sqlite connection shared by all repositories.
type DB struct {
	conn *sql.DB
}

// Open opens (or creates) the sqlite database at path and applies pending
// migrations. Pass ":memory:" for tests.
func Open(path string) (*DB, error) {
	dsn := path
	if path == ":memory:" {
		dsn = "file::memory:?_foreign_keys=on"
	} else {
		// WAL keeps readers unblocked during fallback materialization writes.
		dsn = fmt.Sprintf("file:%s?%s", path, url.Values{
			"_journal_mode": {"WAL"},
			"_busy_timeout": {"5000"},
			"_foreign_keys": {"on"},
		}.Encode())
	}

	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if path == ":memory:" {
		// Each pooled connection would otherwise get its own empty database.
		conn.SetMaxOpenConns(1)
	} else {
		// SQLite serializes writes; a small pool avoids lock churn.
		conn.SetMaxOpenConns(16)
		conn.SetMaxIdleConns(4)
		conn.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if err := migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}

	return &DB{conn: conn}, nil
}

func migrate(conn *sql.DB) error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(conn, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Connection exposes the raw *sql.DB for repositories.
func (d *DB) Connection() *sql.DB {
	return d.conn
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	return d.conn.Close()
}
