package storage

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// NewSQLiteProvider opens a SQLite-backed provider. The pool is capped at one
// connection because SQLite serialises writers anyway and a single handle
// avoids SQLITE_BUSY churn.
func NewSQLiteProvider(path, contextSuffix string) (Provider, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	return &sqlProvider{
		db:            db,
		dialect:       "sqlite",
		contextSuffix: contextSuffix,
		clock:         time.Now,
	}, nil
}
