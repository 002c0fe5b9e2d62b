package database

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// dsnOptions are applied to every connection. WAL keeps the scheduler's
// sweeps from blocking API reads, the busy timeout rides out short write
// contention, and foreign keys guard the ledger's subscription references.
const dsnOptions = "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"

// Open opens the billing database at path, verifies the connection, and
// brings the schema up to date. The returned handle is safe for concurrent
// use; callers own closing it.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path+dsnOptions)
	if err != nil {
		return nil, fmt.Errorf("open billing db: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping billing db: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate billing db: %w", err)
	}
	return db, nil
}

// migrate applies any embedded schema migrations that have not yet run.
// Migrations are append-only; the billing ledger's retention requirement
// means old columns are never dropped, only superseded.
func migrate(db *sql.DB) error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}
