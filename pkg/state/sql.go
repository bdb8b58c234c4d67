package state

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/nocturne/connectors/pkg/errors"
	"github.com/nocturne/connectors/pkg/models"
)

const pingTimeout = 5 * time.Second

const createTable = `CREATE TABLE IF NOT EXISTS sync_checkpoints (
	connector          TEXT PRIMARY KEY,
	last_synced_at     BIGINT NOT NULL,
	last_successful_at BIGINT NOT NULL,
	updated_at         BIGINT NOT NULL
)`

// SQLStore keeps checkpoints in a database/sql table. Times are stored as
// unix milliseconds so both dialects share one schema.
type SQLStore struct {
	db      *sql.DB
	dialect string
	// placeholder renders the n-th (1-based) bind parameter
	placeholder func(n int) string
}

func newSQLStore(ctx context.Context, db *sql.DB, dialect string, placeholder func(int) string) (*SQLStore, error) {
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close() //nolint:errcheck // best effort cleanup on error path
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "checkpoint database unreachable").
			WithDetail("dialect", dialect)
	}
	if _, err := db.ExecContext(ctx, createTable); err != nil {
		db.Close() //nolint:errcheck // best effort cleanup on error path
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to create checkpoint table")
	}
	return &SQLStore{db: db, dialect: dialect, placeholder: placeholder}, nil
}

func (s *SQLStore) rebind(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString(s.placeholder(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Load returns the checkpoint for connector, or nil when none was saved
func (s *SQLStore) Load(ctx context.Context, connector string) (*models.SyncCheckpoint, error) {
	row := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT last_synced_at, last_successful_at FROM sync_checkpoints WHERE connector = ?`),
		connector)

	var synced, successful int64
	if err := row.Scan(&synced, &successful); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to load checkpoint").
			WithDetail("connector", connector)
	}
	return &models.SyncCheckpoint{
		Connector:        connector,
		LastSyncedAt:     fromMillis(synced),
		LastSuccessfulAt: fromMillis(successful),
	}, nil
}

// Save upserts cp
func (s *SQLStore) Save(ctx context.Context, cp *models.SyncCheckpoint) error {
	if cp == nil || cp.Connector == "" {
		return errors.New(errors.ErrorTypeInternal, "checkpoint without connector")
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO sync_checkpoints
		(connector, last_synced_at, last_successful_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (connector) DO UPDATE SET
			last_synced_at = excluded.last_synced_at,
			last_successful_at = excluded.last_successful_at,
			updated_at = excluded.updated_at`),
		cp.Connector, toMillis(cp.LastSyncedAt), toMillis(cp.LastSuccessfulAt), time.Now().UnixMilli())
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to save checkpoint").
			WithDetail("connector", cp.Connector)
	}
	return nil
}

// Delete forgets connector's checkpoint
func (s *SQLStore) Delete(ctx context.Context, connector string) error {
	if _, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM sync_checkpoints WHERE connector = ?`), connector); err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to delete checkpoint")
	}
	return nil
}

// Close closes the database
func (s *SQLStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("closing %s checkpoint store: %w", s.dialect, err)
	}
	return nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
