package state

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver

	"github.com/nocturne/connectors/pkg/errors"
)

// OpenPostgres opens the checkpoint store on a PostgreSQL database
func OpenPostgres(ctx context.Context, dsn string) (*SQLStore, error) {
	if dsn == "" {
		return nil, errors.Config("postgres state requires a dsn")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "opening postgres state")
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return newSQLStore(ctx, db, "postgres", func(n int) string { return "$" + strconv.Itoa(n) })
}
