package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/devicesync/internal/actions"
	"github.com/agentworkforce/devicesync/internal/engine"
	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

const (
	DefaultInboxRescan = 30 * time.Second
	rejectedSuffix     = ".rejected"
)

// InboxEvent is the file format producers drop into the inbox directory.
// Producers should write to a dot-prefixed name and rename it into place.
type InboxEvent struct {
	Stream   string         `json:"stream"`
	Origin   string         `json:"origin"`
	Identity string         `json:"identity"`
	Content  string         `json:"content"`
	Payload  map[string]any `json:"payload,omitempty"`
	SeenAt   time.Time      `json:"seenAt,omitempty"`
}

// Target is the slice of the engine the watcher drives.
type Target interface {
	Trigger(namespace string)
	Mirror(stream string) (*engine.Mirror, error)
}

type WatcherOptions struct {
	State    *StateDir
	InboxDir string
	// RescanInterval retries inbox files whose publish failed.
	RescanInterval time.Duration
	Clock          clockwork.Clock
	Logger         Logger
}

// Watcher turns state file changes into state publishes and inbox files
// into mirrored records.
type Watcher struct {
	target Target
	state  *StateDir
	inbox  string
	rescan time.Duration
	clock  clockwork.Clock
	logger Logger

	ready     chan struct{}
	readyOnce sync.Once
	inboxMu   sync.Mutex
}

func NewWatcher(target Target, opts WatcherOptions) (*Watcher, error) {
	if target == nil {
		return nil, fmt.Errorf("target is required")
	}
	if opts.State == nil {
		return nil, fmt.Errorf("state dir is required")
	}
	inbox := strings.TrimSpace(opts.InboxDir)
	if inbox == "" {
		return nil, fmt.Errorf("inbox dir is required")
	}
	inbox = filepath.Clean(inbox)
	if err := os.MkdirAll(inbox, 0o755); err != nil {
		return nil, err
	}
	rescan := opts.RescanInterval
	if rescan <= 0 {
		rescan = DefaultInboxRescan
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Watcher{
		target: target,
		state:  opts.State,
		inbox:  inbox,
		rescan: rescan,
		clock:  clock,
		logger: opts.Logger,
		ready:  make(chan struct{}),
	}, nil
}

// Ready is closed once both directories are being watched.
func (w *Watcher) Ready() <-chan struct{} {
	return w.ready
}

func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fs watcher: %w", err)
	}
	defer fw.Close()
	for _, dir := range []string{w.state.Root(), w.inbox} {
		if err := fw.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}
	w.readyOnce.Do(func() { close(w.ready) })

	w.ScanInbox(ctx)
	ticker := w.clock.NewTicker(w.rescan)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, event)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logf("fs watcher error: %v", err)
		case <-ticker.Chan():
			w.ScanInbox(ctx)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, event fsnotify.Event) {
	path := filepath.Clean(event.Name)
	if namespace, ok := w.state.NamespaceOf(path); ok {
		if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Remove) {
			w.target.Trigger(namespace)
		}
		return
	}
	if filepath.Dir(path) != w.inbox || !isInboxFile(filepath.Base(path)) {
		return
	}
	if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
		w.inboxMu.Lock()
		defer w.inboxMu.Unlock()
		w.processInboxFile(ctx, path)
	}
}

// ScanInbox publishes every pending inbox file in name order and reports
// how many were consumed.
func (w *Watcher) ScanInbox(ctx context.Context) int {
	w.inboxMu.Lock()
	defer w.inboxMu.Unlock()
	entries, err := os.ReadDir(w.inbox)
	if err != nil {
		w.logf("read inbox: %v", err)
		return 0
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() && isInboxFile(entry.Name()) {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	consumed := 0
	for _, name := range names {
		if ctx.Err() != nil {
			break
		}
		if w.processInboxFile(ctx, filepath.Join(w.inbox, name)) {
			consumed++
		}
	}
	return consumed
}

// processInboxFile reports whether the file was consumed. Files that fail
// to publish stay for the next scan; files that can never publish are
// renamed aside.
func (w *Watcher) processInboxFile(ctx context.Context, path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			w.logf("read inbox file %s: %v", filepath.Base(path), err)
		}
		return false
	}
	var event InboxEvent
	if err := json.Unmarshal(data, &event); err != nil {
		w.reject(path, err)
		return false
	}
	record, err := w.recordFor(event)
	if err != nil {
		w.reject(path, err)
		return false
	}
	mirror, err := w.target.Mirror(record.Stream)
	if err != nil {
		w.logf("mirror %s: %v", record.Stream, err)
		return false
	}
	written, err := mirror.Publish(ctx, record)
	if err != nil {
		if errors.Is(err, engine.ErrInvalidInput) {
			w.reject(path, err)
		} else {
			w.logf("publish %s: %v", filepath.Base(path), err)
		}
		return false
	}
	if !written {
		w.logf("%s: duplicate of a recent event, dropped", filepath.Base(path))
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		w.logf("remove inbox file %s: %v", filepath.Base(path), err)
	}
	return true
}

func (w *Watcher) recordFor(event InboxEvent) (engine.MirroredRecord, error) {
	stream := strings.TrimSpace(event.Stream)
	if !actions.KnownStream(stream) {
		return engine.MirroredRecord{}, fmt.Errorf("%w: unknown stream %q", engine.ErrInvalidInput, event.Stream)
	}
	if strings.TrimSpace(event.Origin) == "" && strings.TrimSpace(event.Identity) == "" && event.Content == "" {
		return engine.MirroredRecord{}, fmt.Errorf("%w: event has no origin, identity or content", engine.ErrInvalidInput)
	}
	payload := make(map[string]any, len(event.Payload)+3)
	for key, value := range event.Payload {
		payload[key] = value
	}
	setDefault(payload, "origin", event.Origin)
	setDefault(payload, "identity", event.Identity)
	setDefault(payload, "content", event.Content)
	return engine.MirroredRecord{
		ID:          uuid.Must(uuid.NewV7()).String(),
		Stream:      stream,
		SourceKey:   engine.SourceKey(event.Origin, event.Identity, event.Content),
		Payload:     payload,
		FirstSeenAt: event.SeenAt,
	}, nil
}

func (w *Watcher) reject(path string, cause error) {
	w.logf("rejecting inbox file %s: %v", filepath.Base(path), cause)
	if err := os.Rename(path, path+rejectedSuffix); err != nil && !errors.Is(err, os.ErrNotExist) {
		w.logf("set aside %s: %v", filepath.Base(path), err)
	}
}

func (w *Watcher) logf(format string, args ...any) {
	if w.logger == nil {
		return
	}
	w.logger.Printf(format, args...)
}

func isInboxFile(name string) bool {
	return !strings.HasPrefix(name, ".") && filepath.Ext(name) == ".json"
}

func setDefault(payload map[string]any, key, value string) {
	if value == "" {
		return
	}
	if _, ok := payload[key]; !ok {
		payload[key] = value
	}
}
