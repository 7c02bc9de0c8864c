package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// StateBackend persists the whole relay state as one snapshot. Load returns
// nil when nothing has been saved yet.
type StateBackend interface {
	Load() (*persistedState, error)
	Save(state *persistedState) error
}

// StateBackendFactory opens a backend for a DSN whose scheme it was
// registered under.
type StateBackendFactory func(dsn string) (StateBackend, error)

type stateBackendCloser interface {
	Close() error
}

// describedBackend names the backend kind in the admin status document.
type describedBackend interface {
	Describe() string
}

var builtinStateBackends = map[string]StateBackendFactory{
	"":           openFileBackend,
	"file":       openFileBackend,
	"memory":     openMemoryBackend,
	"mem":        openMemoryBackend,
	"inmem":      openMemoryBackend,
	"postgres":   NewPostgresStateBackend,
	"postgresql": NewPostgresStateBackend,
	"sqlite":     openSQLiteBackend,
	"sqlite3":    openSQLiteBackend,
}

// Schemes that are reserved for backends that do not exist yet.
var plannedStateBackends = map[string]struct{}{
	"mysql": {},
	"redis": {},
}

// BuildStateBackendFromDSN opens the backend named by the DSN scheme. A bare
// path is a JSON file. Factories added with RegisterStateBackendFactory win
// over the built-in schemes. An empty DSN means no persistence.
func BuildStateBackendFromDSN(dsn string) (StateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse state dsn: %w", err)
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := customStateBackends.lookup(scheme); ok {
		return factory(dsn)
	}
	if factory, ok := builtinStateBackends[scheme]; ok {
		return factory(dsn)
	}
	if _, ok := plannedStateBackends[scheme]; ok {
		return nil, fmt.Errorf("%w: state backend %s", ErrNotImplemented, scheme)
	}
	return nil, fmt.Errorf("unsupported state backend scheme: %s", scheme)
}

func openFileBackend(dsn string) (StateBackend, error) {
	path, err := pathFromDSN(dsn)
	if err != nil {
		return nil, err
	}
	return NewJSONFileStateBackend(path), nil
}

func openMemoryBackend(string) (StateBackend, error) {
	return NewInMemoryStateBackend(), nil
}

func openSQLiteBackend(dsn string) (StateBackend, error) {
	path, err := pathFromDSN(dsn)
	if err != nil {
		return nil, err
	}
	backend, err := NewSQLiteStateBackend(path)
	if err != nil {
		return nil, err
	}
	return backend, nil
}

func pathFromDSN(dsn string) (string, error) {
	parsed, err := url.Parse(dsn)
	if err != nil {
		return "", err
	}
	return dsnPath(parsed, dsn)
}

// dsnPath extracts the filesystem path of file:// and sqlite:// DSNs. The
// host part is kept so scheme://relative/path stays relative.
func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	var path string
	switch {
	case parsed.Scheme == "":
		path = raw
	case parsed.Opaque != "":
		path = parsed.Opaque
	default:
		path = parsed.Host + parsed.Path
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return "", fmt.Errorf("%w: %q names no path", ErrInvalidInput, raw)
	}
	return path, nil
}

// JSONFileStateBackend keeps the snapshot in one JSON document, replaced
// atomically on every save.
type JSONFileStateBackend struct {
	path string
}

func NewJSONFileStateBackend(path string) *JSONFileStateBackend {
	return &JSONFileStateBackend{path: strings.TrimSpace(path)}
}

func (b *JSONFileStateBackend) Path() string {
	return b.path
}

func (b *JSONFileStateBackend) Describe() string {
	return "file"
}

func (b *JSONFileStateBackend) Load() (*persistedState, error) {
	if b == nil || b.path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(b.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("read state file: %w", err)
	case len(strings.TrimSpace(string(data))) == 0:
		return nil, nil
	}
	state := &persistedState{}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("decode state file %s: %w", b.path, err)
	}
	return state, nil
}

func (b *JSONFileStateBackend) Save(state *persistedState) error {
	if b == nil || b.path == "" || state == nil {
		return nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(b.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return replaceFile(b.path, data)
}

// replaceFile writes data next to path and renames it into place so readers
// never see a partial snapshot.
func replaceFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

// InMemoryStateBackend holds the last saved snapshot in encoded form, so
// every Load hands out an independent copy.
type InMemoryStateBackend struct {
	mu      sync.Mutex
	encoded []byte
}

func NewInMemoryStateBackend() *InMemoryStateBackend {
	return &InMemoryStateBackend{}
}

func (b *InMemoryStateBackend) Describe() string {
	return "memory"
}

func (b *InMemoryStateBackend) Load() (*persistedState, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	encoded := b.encoded
	b.mu.Unlock()
	if encoded == nil {
		return nil, nil
	}
	state := &persistedState{}
	if err := json.Unmarshal(encoded, state); err != nil {
		return nil, err
	}
	return state, nil
}

func (b *InMemoryStateBackend) Save(state *persistedState) error {
	if b == nil || state == nil {
		return nil
	}
	encoded, err := json.Marshal(state)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.encoded = encoded
	b.mu.Unlock()
	return nil
}

type stateBackendRegistry struct {
	mu        sync.RWMutex
	factories map[string]StateBackendFactory
}

var customStateBackends = &stateBackendRegistry{factories: map[string]StateBackendFactory{}}

// RegisterStateBackendFactory routes DSNs with scheme to factory, overriding
// any built-in backend for that scheme.
func RegisterStateBackendFactory(scheme string, factory StateBackendFactory) {
	customStateBackends.register(scheme, factory)
}

func UnregisterStateBackendFactory(scheme string) {
	customStateBackends.unregister(scheme)
}

func (r *stateBackendRegistry) register(scheme string, factory StateBackendFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	r.mu.Lock()
	r.factories[scheme] = factory
	r.mu.Unlock()
}

func (r *stateBackendRegistry) unregister(scheme string) {
	r.mu.Lock()
	delete(r.factories, normalizeBackendScheme(scheme))
	r.mu.Unlock()
}

func (r *stateBackendRegistry) lookup(scheme string) (StateBackendFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, ok := r.factories[normalizeBackendScheme(scheme)]
	return factory, ok
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
