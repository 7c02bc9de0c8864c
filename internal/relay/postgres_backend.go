package relay

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresStateTableName   = "devicesync_state"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStateBackend stores the relay snapshot as one row per bucket.
type PostgresStateBackend struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc
	tracker   *bucketTracker

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStateBackend(dsn string) (StateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStateBackend{
		dsn:       dsn,
		tableName: postgresStateTableName,
		openDB:    sql.Open,
		tracker:   newBucketTracker(),
	}, nil
}

func (b *PostgresStateBackend) Load() (*persistedState, error) {
	if b == nil {
		return nil, nil
	}
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT bucket, payload FROM %s", postgresQuoteIdentifier(b.tableName))
	rows, err := b.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	buckets := map[string][]byte{}
	for rows.Next() {
		var bucket, payload string
		if err := rows.Scan(&bucket, &payload); err != nil {
			return nil, err
		}
		buckets[bucket] = []byte(payload)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	state, err := joinSnapshot(buckets)
	if err != nil {
		return nil, err
	}
	b.tracker.commit(buckets)
	return state, nil
}

func (b *PostgresStateBackend) Save(state *persistedState) (retErr error) {
	if b == nil || state == nil {
		return nil
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	buckets, err := splitSnapshot(state)
	if err != nil {
		return err
	}
	changed, removed := b.tracker.diff(buckets)
	if len(changed) == 0 && len(removed) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()

	table := postgresQuoteIdentifier(b.tableName)
	upsert := fmt.Sprintf(`
		INSERT INTO %s (bucket, payload, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (bucket)
		DO UPDATE SET payload = EXCLUDED.payload, updated_at = NOW()`, table)
	for _, bucket := range sortedBuckets(changed) {
		if _, err := tx.ExecContext(ctx, upsert, bucket, string(changed[bucket])); err != nil {
			return fmt.Errorf("upsert %s: %w", bucket, err)
		}
	}
	remove := fmt.Sprintf("DELETE FROM %s WHERE bucket = $1", table)
	for _, bucket := range removed {
		if _, err := tx.ExecContext(ctx, remove, bucket); err != nil {
			return fmt.Errorf("delete %s: %w", bucket, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	b.tracker.commit(buckets)
	return nil
}

func (b *PostgresStateBackend) Describe() string {
	return "postgres"
}

func (b *PostgresStateBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *PostgresStateBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				bucket TEXT PRIMARY KEY,
				payload TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(b.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
