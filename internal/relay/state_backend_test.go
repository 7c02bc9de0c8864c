package relay

import (
	"errors"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentworkforce/devicesync/internal/engine"
)

func sampleState() *persistedState {
	return &persistedState{
		RevCounter: 7,
		Devices: map[string]*deviceState{
			"pixel-7": {
				Commands: map[string][]engine.Command{
					"media": {{ID: "c1", Namespace: "media", Action: "play", CreatedAt: time.Unix(1_700_000_000, 0).UTC()}},
				},
				States: map[string]StateRecord{
					"dnd": {Namespace: "dnd", Snapshot: engine.StateSnapshot{"enabled": true}, Revision: "rev_7"},
				},
				Scheduled: map[string]engine.ScheduledItem{},
				Mirror:    map[string][]engine.MirroredRecord{},
			},
		},
	}
}

func TestSnapshotBackendsRoundTrip(t *testing.T) {
	cases := map[string]string{
		"memory":    "memory://",
		"file":      "file://" + filepath.Join(t.TempDir(), "state.json"),
		"bare path": filepath.Join(t.TempDir(), "nested", "state.json"),
	}
	for name, dsn := range cases {
		t.Run(name, func(t *testing.T) {
			backend, err := BuildStateBackendFromDSN(dsn)
			if err != nil || backend == nil {
				t.Fatalf("open %q: backend=%v err=%v", dsn, backend, err)
			}
			if empty, err := backend.Load(); err != nil || empty != nil {
				t.Fatalf("nothing saved yet, got %+v err=%v", empty, err)
			}
			if err := backend.Save(sampleState()); err != nil {
				t.Fatalf("save: %v", err)
			}
			loaded, err := backend.Load()
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if loaded == nil || loaded.RevCounter != 7 {
				t.Fatalf("revCounter not restored: %+v", loaded)
			}
			if cmds := loaded.Devices["pixel-7"].Commands["media"]; len(cmds) != 1 || cmds[0].ID != "c1" {
				t.Fatalf("queued commands not restored: %+v", cmds)
			}

			// Mutating a loaded snapshot never leaks into the stored one.
			loaded.Devices["pixel-7"].States["dnd"] = StateRecord{Revision: "mutated"}
			again, _ := backend.Load()
			if again.Devices["pixel-7"].States["dnd"].Revision != "rev_7" {
				t.Fatalf("stored snapshot was aliased")
			}
			if described, ok := backend.(describedBackend); !ok || described.Describe() == "" {
				t.Fatalf("%T does not describe itself", backend)
			}
		})
	}
}

func TestBuildStateBackendFromDSNSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "relay.db")
	backend, err := BuildStateBackendFromDSN("sqlite://" + path)
	if err != nil {
		t.Fatalf("build sqlite state backend failed: %v", err)
	}
	sqlite, ok := backend.(*SQLiteStateBackend)
	if !ok {
		t.Fatalf("expected *SQLiteStateBackend, got %T", backend)
	}
	t.Cleanup(func() { _ = sqlite.Close() })
	if sqlite.Path() != path {
		t.Fatalf("expected path %q, got %q", path, sqlite.Path())
	}
	if snapshot, err := backend.Load(); err != nil || snapshot != nil {
		t.Fatalf("expected empty initial load, got %+v err=%v", snapshot, err)
	}
	if err := backend.Save(sampleState()); err != nil {
		t.Fatalf("sqlite backend save failed: %v", err)
	}
	snapshot, err := backend.Load()
	if err != nil {
		t.Fatalf("sqlite backend load failed: %v", err)
	}
	if snapshot == nil || snapshot.RevCounter != 7 {
		t.Fatalf("expected revCounter 7, got %+v", snapshot)
	}
	if snapshot.Devices["pixel-7"].States["dnd"].Snapshot["enabled"] != true {
		t.Fatalf("unexpected state after reload: %+v", snapshot.Devices["pixel-7"].States)
	}
}

func TestSQLiteStateBackendRemovesDeletedDevices(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.db")
	backend, err := NewSQLiteStateBackend(path)
	if err != nil {
		t.Fatalf("new sqlite backend: %v", err)
	}
	state := sampleState()
	state.Devices["tablet"] = newDeviceState()
	if err := backend.Save(state); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	delete(state.Devices, "tablet")
	state.RevCounter = 9
	if err := backend.Save(state); err != nil {
		t.Fatalf("second save failed: %v", err)
	}
	if err := backend.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	reopened, err := NewSQLiteStateBackend(path)
	if err != nil {
		t.Fatalf("reopen sqlite backend: %v", err)
	}
	defer reopened.Close()
	snapshot, err := reopened.Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if snapshot.RevCounter != 9 {
		t.Fatalf("expected revCounter 9, got %d", snapshot.RevCounter)
	}
	if _, ok := snapshot.Devices["tablet"]; ok {
		t.Fatalf("expected removed device to stay removed")
	}
	if _, ok := snapshot.Devices["pixel-7"]; !ok {
		t.Fatalf("expected pixel-7 to survive")
	}
}

func TestBuildStateBackendFromDSNPostgresAndUnsupported(t *testing.T) {
	backend, err := BuildStateBackendFromDSN("postgres://localhost/devicesync?sslmode=disable")
	if err != nil {
		t.Fatalf("expected postgres state backend to be available, got %v", err)
	}
	if _, ok := backend.(*PostgresStateBackend); !ok {
		t.Fatalf("expected *PostgresStateBackend, got %T", backend)
	}
	if _, err := BuildStateBackendFromDSN("mysql://localhost/devicesync"); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected not implemented error for mysql state backend, got %v", err)
	}
	if _, err := BuildStateBackendFromDSN("ftp://example.com/state"); err == nil {
		t.Fatalf("expected error for unsupported scheme")
	}
	if backend, err := BuildStateBackendFromDSN("  "); err != nil || backend != nil {
		t.Fatalf("expected nil backend for empty dsn, got %T err=%v", backend, err)
	}
}

func TestDSNPath(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{raw: "file:///var/lib/devicesync/state.json", want: "/var/lib/devicesync/state.json"},
		{raw: "file://data/state.json", want: "data/state.json"},
		{raw: "sqlite://relay.db", want: "relay.db"},
		{raw: "state.json", want: "state.json"},
	}
	for _, tc := range cases {
		parsed, err := url.Parse(tc.raw)
		if err != nil {
			t.Fatalf("parse %q: %v", tc.raw, err)
		}
		got, err := dsnPath(parsed, tc.raw)
		if err != nil {
			t.Fatalf("dsnPath(%q) failed: %v", tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("dsnPath(%q) = %q, want %q", tc.raw, got, tc.want)
		}
	}
	parsed, _ := url.Parse("file://")
	if _, err := dsnPath(parsed, "file://"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for empty file dsn, got %v", err)
	}
}

func TestBucketTrackerSkipsUnchangedBuckets(t *testing.T) {
	tracker := newBucketTracker()
	buckets, err := splitSnapshot(sampleState())
	if err != nil {
		t.Fatalf("split failed: %v", err)
	}
	changed, removed := tracker.diff(buckets)
	if len(changed) != 2 || len(removed) != 0 {
		t.Fatalf("expected 2 changed buckets on first save, got %d changed %d removed", len(changed), len(removed))
	}
	tracker.commit(buckets)

	state := sampleState()
	state.RevCounter = 8
	buckets, _ = splitSnapshot(state)
	changed, _ = tracker.diff(buckets)
	if len(changed) != 1 {
		t.Fatalf("expected only the meta bucket to change, got %v", sortedBuckets(changed))
	}
	if _, ok := changed[metaBucket]; !ok {
		t.Fatalf("expected meta bucket in changes, got %v", sortedBuckets(changed))
	}

	joined, err := joinSnapshot(buckets)
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if joined.RevCounter != 8 || joined.Devices["pixel-7"] == nil {
		t.Fatalf("unexpected joined snapshot: %+v", joined)
	}
}

func TestRegisterStateBackendFactory(t *testing.T) {
	scheme := "statetestcustom"
	var gotDSN string
	RegisterStateBackendFactory(scheme, func(dsn string) (StateBackend, error) {
		gotDSN = dsn
		return NewInMemoryStateBackend(), nil
	})
	t.Cleanup(func() { UnregisterStateBackendFactory(scheme) })

	backend, err := BuildStateBackendFromDSN(" STATETESTCUSTOM://example ")
	if err != nil {
		t.Fatalf("build state backend via registered factory failed: %v", err)
	}
	if backend == nil {
		t.Fatalf("expected non-nil backend from registered state backend factory")
	}
	if gotDSN != "STATETESTCUSTOM://example" {
		t.Fatalf("expected factory to receive trimmed dsn, got %q", gotDSN)
	}
}

func TestRegisteredFactoryOverridesBuiltin(t *testing.T) {
	memory := NewInMemoryStateBackend()
	RegisterStateBackendFactory("sqlite", func(string) (StateBackend, error) {
		return memory, nil
	})
	t.Cleanup(func() { UnregisterStateBackendFactory("sqlite") })

	backend, err := BuildStateBackendFromDSN("sqlite://ignored.db")
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if backend != StateBackend(memory) {
		t.Fatalf("expected registered factory to win, got %T", backend)
	}
}

func TestRegisterStateBackendFactoryIgnoresInvalid(t *testing.T) {
	RegisterStateBackendFactory("  ", func(string) (StateBackend, error) { return nil, nil })
	RegisterStateBackendFactory("nilfactory", nil)
	if _, ok := customStateBackends.lookup("nilfactory"); ok {
		t.Fatalf("expected nil factory to be ignored")
	}
	if _, ok := customStateBackends.lookup(""); ok {
		t.Fatalf("expected empty scheme to be ignored")
	}
}
