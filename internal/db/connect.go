package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // driver: pgx
	_ "modernc.org/sqlite"             // driver: sqlite
)

type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// Open opens a DB, tunes the pool and ensures the schema exists.
func Open(ctx context.Context, driver Driver, dsn string) (*sql.DB, error) {
	var drvName string
	switch normalize(driver) {
	case DriverSQLite:
		drvName = "sqlite" // modernc driver
		if dsn == "" {
			dsn = "file:ltibridge.db?cache=shared&mode=rwc&_pragma=busy_timeout(5000)"
		}
	case DriverPostgres:
		drvName = "pgx" // pgx stdlib driver
		if dsn == "" {
			return nil, fmt.Errorf("db: postgres requires a DSN")
		}
	default:
		return nil, fmt.Errorf("db: unsupported driver %q", driver)
	}

	dbh, err := sql.Open(drvName, dsn)
	if err != nil {
		return nil, err
	}
	if normalize(driver) == DriverSQLite {
		// SQLite should not use many concurrent writers; keep pool small.
		dbh.SetMaxOpenConns(1)
		dbh.SetMaxIdleConns(1)
	} else {
		dbh.SetMaxOpenConns(10)
		dbh.SetMaxIdleConns(10)
	}
	dbh.SetConnMaxLifetime(30 * time.Minute)

	if err := dbh.PingContext(ctx); err != nil {
		_ = dbh.Close()
		return nil, err
	}

	if normalize(driver) == DriverSQLite {
		if _, err := dbh.ExecContext(ctx, `
			PRAGMA foreign_keys = ON;
			PRAGMA journal_mode = WAL;
			PRAGMA synchronous = NORMAL;
			PRAGMA busy_timeout = 5000;
		`); err != nil {
			_ = dbh.Close()
			return nil, fmt.Errorf("sqlite pragmas: %w", err)
		}
	}

	if err := Migrate(ctx, dbh, driver); err != nil {
		_ = dbh.Close()
		return nil, err
	}
	return dbh, nil
}

// Migrate applies the schema for the selected driver (idempotent CREATE IF NOT EXISTS).
func Migrate(ctx context.Context, dbh *sql.DB, driver Driver) error {
	var schema string
	switch normalize(driver) {
	case DriverPostgres:
		schema = schemaPostgres
	case DriverSQLite:
		schema = schemaSQLite
	default:
		return fmt.Errorf("db: unsupported driver %q", driver)
	}

	// Try the whole script first; fall back to statement-by-statement for
	// drivers that reject multi-statement Exec.
	if _, err := dbh.ExecContext(ctx, schema); err != nil {
		for _, stmt := range splitSQL(schema) {
			if strings.TrimSpace(stmt) == "" {
				continue
			}
			if _, e := dbh.ExecContext(ctx, stmt); e != nil {
				return fmt.Errorf("migration failed at %q: %w", firstLine(stmt), e)
			}
		}
	}
	return nil
}

func normalize(d Driver) Driver {
	switch strings.ToLower(strings.TrimSpace(string(d))) {
	case "postgres", "postgresql", "pgx", "pgsql":
		return DriverPostgres
	case "sqlite", "sqlite3":
		return DriverSQLite
	}
	return d
}

// splitSQL naively splits on ';' boundaries. Acceptable for our simple DDL.
func splitSQL(s string) []string {
	parts := strings.Split(s, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p+";")
		}
	}
	return out
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
