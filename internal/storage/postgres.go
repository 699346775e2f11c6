package storage

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// NewPostgresProvider opens a Postgres-backed provider. The pool limits match
// a worker process that holds a handful of in-flight webhook deliveries.
func NewPostgresProvider(dsn, contextSuffix string) (Provider, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	return &sqlProvider{
		db:            db,
		dialect:       "postgres",
		contextSuffix: contextSuffix,
		clock:         time.Now,
	}, nil
}
