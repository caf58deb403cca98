// Package sqlite provides SQLite implementations of storage ports.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"

	"github.com/artpar/tokenledger/ports"
	"github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// driverName registers go-sqlite3 with a connect hook for pragmas that
// have no DSN parameter. The hook runs on every pooled connection.
const driverName = "sqlite3_tokenledger"

func init() {
	sql.Register(driverName, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			_, err := conn.Exec("PRAGMA temp_store = MEMORY", nil)
			return err
		},
	})
}

// DB wraps a SQLite database connection.
type DB struct {
	*sql.DB
}

// Open creates a new SQLite database connection. Pragmas go in the DSN so
// every connection in the pool gets them. Transactions begin IMMEDIATE,
// which takes the write lock before the first read.
func Open(path string) (*DB, error) {
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate" +
		"&_synchronous=NORMAL&_cache_size=-64000" // 64MB
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &DB{DB: db}, nil
}

// Migrate runs all pending migrations.
func (db *DB) Migrate() error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	applied, err := db.appliedMigrations()
	if err != nil {
		return err
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		version := strings.TrimSuffix(name, ".sql")
		if applied[version] {
			continue
		}
		content, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		err = db.inTx(context.Background(), func(tx *sql.Tx) error {
			if _, err := tx.Exec(string(content)); err != nil {
				return fmt.Errorf("execute migration %s: %w", name, err)
			}
			if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
				return fmt.Errorf("record migration %s: %w", name, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	return nil
}

func (db *DB) appliedMigrations() (map[string]bool, error) {
	rows, err := db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("query migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("scan migration: %w", err)
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

// conn is the query surface shared by *sql.DB and *sql.Tx.
type conn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txKey struct{}

func txFrom(ctx context.Context) *sql.Tx {
	tx, _ := ctx.Value(txKey{}).(*sql.Tx)
	return tx
}

// conn returns the transaction carried by ctx, or the pool.
func (db *DB) conn(ctx context.Context) conn {
	if tx := txFrom(ctx); tx != nil {
		return tx
	}
	return db.DB
}

// WithinTx runs fn in one transaction and commits when it returns nil.
// Store calls made with the context passed to fn use that transaction.
func (db *DB) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if txFrom(ctx) != nil {
		return fn(ctx)
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	return tx.Commit()
}

var _ ports.Transactor = (*DB)(nil)

// inTx runs fn inside the transaction carried by ctx, or a new one.
func (db *DB) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	return db.WithinTx(ctx, func(ctx context.Context) error {
		return fn(txFrom(ctx))
	})
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}

// -----------------------------------------------------------------------------
// SQL builders
// -----------------------------------------------------------------------------

// upsertSQL builds an INSERT ... ON CONFLICT statement. once columns are
// written on insert only, incr columns are added to the stored value and
// set columns are overwritten. Arguments bind in keys, once, incr, set order.
func upsertSQL(table string, keys, once, incr, set []string) string {
	var cols []string
	for _, group := range [][]string{keys, once, incr, set} {
		cols = append(cols, group...)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")

	var updates []string
	for _, c := range incr {
		updates = append(updates, fmt.Sprintf("%s = %s + excluded.%s", c, c, c))
	}
	for _, c := range set {
		updates = append(updates, fmt.Sprintf("%s = excluded.%s", c, c))
	}

	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(%s) DO UPDATE SET %s",
		table, strings.Join(cols, ", "), placeholders, strings.Join(keys, ", "), strings.Join(updates, ", "))
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
