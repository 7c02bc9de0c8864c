package relay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteOperationTimeout = 5 * time.Second

// SQLiteStateBackend stores the relay snapshot in a local SQLite file, one
// row per bucket.
type SQLiteStateBackend struct {
	path    string
	tracker *bucketTracker

	mu sync.Mutex
	db *sql.DB
}

func NewSQLiteStateBackend(path string) (*SQLiteStateBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; the store already serializes saves.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS state (
		bucket TEXT PRIMARY KEY,
		payload BLOB NOT NULL,
		updated_at TEXT NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create state table: %w", err)
	}
	return &SQLiteStateBackend{path: path, tracker: newBucketTracker(), db: db}, nil
}

func (b *SQLiteStateBackend) Path() string {
	return b.path
}

func (b *SQLiteStateBackend) Describe() string {
	return "sqlite"
}

func (b *SQLiteStateBackend) Load() (*persistedState, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db == nil {
		return nil, ErrInvalidState
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()

	rows, err := b.db.QueryContext(ctx, `SELECT bucket, payload FROM state`)
	if err != nil {
		return nil, fmt.Errorf("select state: %w", err)
	}
	defer func() { _ = rows.Close() }()
	buckets := map[string][]byte{}
	for rows.Next() {
		var bucket string
		var payload []byte
		if err := rows.Scan(&bucket, &payload); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		buckets[bucket] = payload
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

func (b *SQLiteStateBackend) Save(state *persistedState) (retErr error) {
	if b == nil || state == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db == nil {
		return ErrInvalidState
	}
	buckets, err := splitSnapshot(state)
	if err != nil {
		return err
	}
	changed, removed := b.tracker.diff(buckets)
	if len(changed) == 0 && len(removed) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
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
	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, bucket := range sortedBuckets(changed) {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO state(bucket, payload, updated_at) VALUES(?, ?, ?)
			ON CONFLICT(bucket) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
			bucket, changed[bucket], now); err != nil {
			return fmt.Errorf("upsert %s: %w", bucket, err)
		}
	}
	for _, bucket := range removed {
		if _, err := tx.ExecContext(ctx, `DELETE FROM state WHERE bucket = ?`, bucket); err != nil {
			return fmt.Errorf("delete %s: %w", bucket, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	b.tracker.commit(buckets)
	return nil
}

func (b *SQLiteStateBackend) Close() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}
