// Package sqlite provides the single-node store backend over mattn/go-sqlite3.
// It is also what the test suites run against.
package sqlite

import (
	"database/sql"
	"errors"

	"github.com/mattn/go-sqlite3"

	"github.com/harborline/courier/pkg/store"
)

// Open opens (or creates) a SQLite database file and wraps it in a SQLStore.
// Use ":memory:" for an ephemeral store.
func Open(path string, opts store.Options) (*store.SQLStore, error) {
	dsn := "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate&_fk=1"
	if path == ":memory:" {
		dsn = "file::memory:?mode=memory&cache=shared&_busy_timeout=5000&_txlock=immediate"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// churn inside the coordinator transaction.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return store.NewSQL(db, Dialect{}, opts), nil
}

// Dialect implements store.Dialect for SQLite
type Dialect struct{}

func (Dialect) Name() string { return "sqlite" }

// Rebind is the identity: SQLite takes ? placeholders natively
func (Dialect) Rebind(query string) string { return query }

// ClaimSuffix is empty: SQLite has no row locks, the whole database
// serializes behind the immediate transaction.
func (Dialect) ClaimSuffix() string { return "" }

func (Dialect) CreateDDL() []string { return store.SQLiteDDL() }

func (Dialect) IsUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

func (Dialect) IsSerializationFailure(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
}
