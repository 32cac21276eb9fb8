// Package postgres provides the production store backend over pgx.
package postgres

import (
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/harborline/courier/pkg/store"
)

// Open connects to Postgres and wraps the handle in a SQLStore
func Open(dsn string, opts store.Options) (*store.SQLStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return store.NewSQL(db, Dialect{}, opts), nil
}

// Dialect implements store.Dialect for Postgres
type Dialect struct{}

func (Dialect) Name() string { return "postgres" }

func (Dialect) Rebind(query string) string { return store.RebindNumbered(query) }

// ClaimSuffix lets concurrent claimers skip each other's locked rows
// instead of serializing on them.
func (Dialect) ClaimSuffix() string { return " FOR UPDATE SKIP LOCKED" }

func (Dialect) CreateDDL() []string { return store.PostgresDDL() }

func (Dialect) IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (Dialect) IsSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	// serialization_failure and deadlock_detected
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}
