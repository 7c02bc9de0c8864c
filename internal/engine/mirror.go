package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"
)

const (
	DefaultMirrorCapacity = 20
	sourceKeyContentRunes = 64
)

// SourceKey fingerprints a mirrored event by origin (e.g. app package),
// identity (e.g. sender or notification key) and the start of its content.
func SourceKey(origin, identity, content string) string {
	runes := []rune(content)
	if len(runes) > sourceKeyContentRunes {
		runes = runes[:sourceKeyContentRunes]
	}
	sum := sha256.Sum256([]byte(origin + "\x00" + identity + "\x00" + string(runes)))
	return hex.EncodeToString(sum[:16])
}

type MirrorOptions struct {
	Stream        string
	Capacity      int
	DedupCapacity int
	DedupPolicy   EvictionPolicy
	Clock         clockwork.Clock
	Logger        Logger
	Metrics       *Metrics
}

// Mirror writes locally observed events to one remote stream, suppressing
// repeats and keeping the stream at or below its capacity.
type Mirror struct {
	store    MirrorStore
	stream   string
	capacity int
	dedup    *DedupCache
	clock    clockwork.Clock
	logger   Logger
	metrics  *Metrics

	// mu serializes write-then-evict and explicit removals so two evictions
	// never work from the same stale listing.
	mu sync.Mutex
}

func NewMirror(store MirrorStore, opts MirrorOptions) (*Mirror, error) {
	if store == nil {
		return nil, fmt.Errorf("mirror store is required")
	}
	stream := strings.TrimSpace(opts.Stream)
	if stream == "" {
		return nil, fmt.Errorf("stream is required")
	}
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = DefaultMirrorCapacity
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Mirror{
		store:    store,
		stream:   stream,
		capacity: capacity,
		dedup:    NewDedupCache(opts.DedupCapacity, opts.DedupPolicy),
		clock:    clock,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}, nil
}

func (m *Mirror) Stream() string {
	return m.stream
}

func (m *Mirror) Capacity() int {
	return m.capacity
}

func (m *Mirror) ShouldMirror(sourceKey string) bool {
	return m.dedup.ShouldMirror(sourceKey)
}

// Publish writes record unless its source key was mirrored recently, then
// evicts the oldest records beyond capacity. It reports whether a write
// happened. A failed write forgets the key so the event can be retried.
func (m *Mirror) Publish(ctx context.Context, record MirroredRecord) (bool, error) {
	if strings.TrimSpace(record.SourceKey) == "" {
		return false, fmt.Errorf("%w: source key is required", ErrInvalidInput)
	}
	if !m.dedup.ShouldMirror(record.SourceKey) {
		m.metrics.mirrorOutcome(m.stream, "deduplicated", 1)
		return false, nil
	}
	record.Stream = m.stream
	if record.FirstSeenAt.IsZero() {
		record.FirstSeenAt = m.clock.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.MirrorWrite(ctx, record); err != nil {
		m.dedup.Forget(record.SourceKey)
		return false, fmt.Errorf("mirror %s write: %w", m.stream, err)
	}
	m.metrics.mirrorOutcome(m.stream, "written", 1)
	if _, err := m.afterMirrorLocked(ctx); err != nil {
		m.logf("%s: eviction after write failed: %v", m.stream, err)
	}
	return true, nil
}

// AfterMirror deletes the oldest records while the stream holds more than
// capacity. It returns how many records were deleted.
func (m *Mirror) AfterMirror(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.afterMirrorLocked(ctx)
}

// Remove deletes one record on the producer's request.
func (m *Mirror) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.MirrorDelete(ctx, m.stream, id); err != nil {
		return fmt.Errorf("mirror %s delete %s: %w", m.stream, id, err)
	}
	m.metrics.mirrorOutcome(m.stream, "removed", 1)
	return nil
}

// Backfill mirrors a full history, reporting progress after each record.
func (m *Mirror) Backfill(ctx context.Context, records []MirroredRecord, progress ProgressFunc) (int, error) {
	total := len(records)
	notify := func(done int, message string) {
		if progress != nil {
			progress(Progress{Done: done, Total: total, Message: message})
		}
	}
	notify(0, fmt.Sprintf("syncing %d %s record(s)", total, m.stream))
	written := 0
	for i, record := range records {
		if err := ctx.Err(); err != nil {
			notify(i, "cancelled")
			return written, err
		}
		ok, err := m.Publish(ctx, record)
		if err != nil {
			notify(i, err.Error())
			return written, err
		}
		if ok {
			written++
		}
		notify(i+1, fmt.Sprintf("synced %d of %d", i+1, total))
	}
	return written, nil
}

func (m *Mirror) afterMirrorLocked(ctx context.Context) (int, error) {
	records, err := m.store.MirrorList(ctx, m.stream)
	if err != nil {
		return 0, fmt.Errorf("list %s: %w", m.stream, err)
	}
	excess := len(records) - m.capacity
	if excess <= 0 {
		return 0, nil
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].WrittenAt.Before(records[j].WrittenAt)
	})
	deleted := 0
	for _, record := range records[:excess] {
		if err := m.store.MirrorDelete(ctx, m.stream, record.ID); err != nil {
			m.metrics.mirrorOutcome(m.stream, "evicted", deleted)
			return deleted, fmt.Errorf("evict %s record %s: %w", m.stream, record.ID, err)
		}
		deleted++
	}
	m.metrics.mirrorOutcome(m.stream, "evicted", deleted)
	return deleted, nil
}

func (m *Mirror) logf(format string, args ...any) {
	if m.logger == nil {
		return
	}
	m.logger.Printf(format, args...)
}
