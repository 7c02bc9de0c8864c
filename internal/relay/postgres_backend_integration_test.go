package relay

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// These tests run only when DEVICESYNC_TEST_POSTGRES_DSN points at a
// disposable database. Each test gets its own table.

var pgTableSeq atomic.Uint64

type pgFixture struct {
	dsn   string
	table string
}

func newPGFixture(t *testing.T, prefix string) pgFixture {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("DEVICESYNC_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("DEVICESYNC_TEST_POSTGRES_DSN not set")
	}
	fx := pgFixture{
		dsn:   dsn,
		table: fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), pgTableSeq.Add(1)),
	}
	t.Cleanup(func() { fx.drop(t) })
	return fx
}

func (fx pgFixture) open(t *testing.T) *PostgresStateBackend {
	t.Helper()
	backend, err := NewPostgresStateBackend(fx.dsn)
	if err != nil {
		t.Fatalf("open postgres backend: %v", err)
	}
	pg := backend.(*PostgresStateBackend)
	pg.tableName = fx.table
	return pg
}

func (fx pgFixture) drop(t *testing.T) {
	db, err := sql.Open("postgres", fx.dsn)
	if err != nil {
		t.Errorf("cleanup connect: %v", err)
		return
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, "DROP TABLE IF EXISTS "+postgresQuoteIdentifier(fx.table)); err != nil {
		t.Errorf("drop %s: %v", fx.table, err)
	}
}

func TestPostgresBackendSavesOnlyLiveDevices(t *testing.T) {
	fx := newPGFixture(t, "devicesync_state_it")
	pg := fx.open(t)
	defer pg.Close()

	if got, err := pg.Load(); err != nil || got != nil {
		t.Fatalf("fresh table should load nil, got %+v err=%v", got, err)
	}

	state := sampleState()
	state.Devices["tablet"] = newDeviceState()
	if err := pg.Save(state); err != nil {
		t.Fatalf("save two devices: %v", err)
	}
	delete(state.Devices, "tablet")
	state.RevCounter = 12
	if err := pg.Save(state); err != nil {
		t.Fatalf("save one device: %v", err)
	}

	// A second connection sees only what the first one committed.
	other := fx.open(t)
	defer other.Close()
	got, err := other.Load()
	if err != nil {
		t.Fatalf("load from second connection: %v", err)
	}
	if got == nil || got.RevCounter != 12 || len(got.Devices) != 1 {
		t.Fatalf("unexpected snapshot: %+v", got)
	}
	if got.Devices["pixel-7"].States["dnd"].Revision != "rev_7" {
		t.Fatalf("pixel-7 state lost: %+v", got.Devices["pixel-7"])
	}
}

func TestPostgresBackendRestoresStoreAfterRestart(t *testing.T) {
	fx := newPGFixture(t, "devicesync_store_it")

	first := NewStoreWithOptions(StoreOptions{StateBackend: fx.open(t), DisableWorkers: true})
	if _, err := first.PutState("pixel-7", "hotspot", map[string]any{"enabled": true, "ssid": "desk"}); err != nil {
		t.Fatalf("put state: %v", err)
	}
	first.Close()

	second := NewStoreWithOptions(StoreOptions{StateBackend: fx.open(t), DisableWorkers: true})
	defer second.Close()
	record, err := second.GetState("pixel-7", "hotspot")
	if err != nil {
		t.Fatalf("get state after restart: %v", err)
	}
	if record.Snapshot["ssid"] != "desk" {
		t.Fatalf("unexpected snapshot after restart: %+v", record.Snapshot)
	}
	if status := second.GetBackendStatus(); status.StateBackend != "postgres" {
		t.Fatalf("expected postgres backend status, got %q", status.StateBackend)
	}
}
