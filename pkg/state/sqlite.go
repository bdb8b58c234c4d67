package state

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure Go SQLite driver

	"github.com/nocturne/connectors/pkg/errors"
)

const (
	dirPermissions  = 0750
	filePermissions = 0600
	busyTimeoutMS   = 5000
)

// OpenSQLite opens (and creates) the checkpoint database at path
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	if path == "" {
		return nil, errors.Config("sqlite state requires a dsn")
	}
	memory := path == ":memory:" || strings.HasPrefix(path, "file::memory:")
	if !memory {
		if err := os.MkdirAll(filepath.Dir(path), dirPermissions); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "creating state directory")
		}
	}

	dsn := path
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn += sep + "_pragma=busy_timeout(" + strconv.Itoa(busyTimeoutMS) + ")&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "opening sqlite state")
	}
	// single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	store, err := newSQLStore(ctx, db, "sqlite", func(int) string { return "?" })
	if err != nil {
		return nil, err
	}
	if !memory {
		_ = os.Chmod(path, filePermissions) //nolint:errcheck // file exists once the table is created
	}
	return store, nil
}
