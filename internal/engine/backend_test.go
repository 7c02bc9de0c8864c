package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type pushedState struct {
	namespace string
	snapshot  StateSnapshot
}

type statusReport struct {
	id     string
	update StatusUpdate
}

// fakeBackend is an in-memory Backend for engine tests.
type fakeBackend struct {
	mu sync.Mutex

	unauthenticated bool
	fetches         int
	commands        map[string][]Command
	fetchErr        error
	ackErr          error
	acked           []string

	pushes  []pushedState
	pushErr error

	items     map[string]ScheduledItem
	reports   []statusReport
	updateErr error

	mirror    map[string][]MirroredRecord
	writes    int
	writeErr  error
	writeSeq  int64
	writeBase time.Time
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		commands:  map[string][]Command{},
		items:     map[string]ScheduledItem{},
		mirror:    map[string][]MirroredRecord{},
		writeBase: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (b *fakeBackend) IsAuthenticated(context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.unauthenticated
}

func (b *fakeBackend) addCommands(namespace string, commands ...Command) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.commands[namespace] = append(b.commands[namespace], commands...)
}

func (b *fakeBackend) FetchPendingCommands(_ context.Context, namespace string, limit int) ([]Command, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fetches++
	if b.fetchErr != nil {
		return nil, b.fetchErr
	}
	pending := b.commands[namespace]
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	out := make([]Command, len(pending))
	copy(out, pending)
	return out, nil
}

func (b *fakeBackend) AcknowledgeCommand(_ context.Context, namespace, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ackErr != nil {
		return b.ackErr
	}
	b.acked = append(b.acked, id)
	kept := b.commands[namespace][:0]
	for _, cmd := range b.commands[namespace] {
		if cmd.ID != id {
			kept = append(kept, cmd)
		}
	}
	b.commands[namespace] = kept
	return nil
}

func (b *fakeBackend) fetchCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fetches
}

func (b *fakeBackend) ackedIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.acked...)
}

func (b *fakeBackend) PushState(_ context.Context, namespace string, snapshot StateSnapshot) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pushErr != nil {
		return b.pushErr
	}
	b.pushes = append(b.pushes, pushedState{namespace: namespace, snapshot: snapshot.Clone()})
	return nil
}

func (b *fakeBackend) pushed() []pushedState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]pushedState(nil), b.pushes...)
}

func (b *fakeBackend) FetchScheduledItems(_ context.Context, status ItemStatus) ([]ScheduledItem, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]ScheduledItem, 0)
	for _, item := range b.items {
		if item.Status == status {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (b *fakeBackend) UpdateScheduledItemStatus(_ context.Context, id string, update StatusUpdate) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.updateErr != nil {
		return b.updateErr
	}
	b.reports = append(b.reports, statusReport{id: id, update: update})
	item := b.items[id]
	item.ID = id
	item.Status = update.Status
	item.RetryCount = update.RetryCount
	item.LastError = update.LastError
	b.items[id] = item
	return nil
}

func (b *fakeBackend) putItem(item ScheduledItem) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items[item.ID] = item
}

// requestCancel flags an item the way the relay does when a controller asks
// for a cancellation, and queues the matching command created at createdAt.
func (b *fakeBackend) requestCancel(id string, createdAt time.Time) {
	b.mu.Lock()
	item := b.items[id]
	item.CancelRequested = true
	b.items[id] = item
	b.mu.Unlock()
	b.addCommands(DefaultScheduleNamespace, Command{
		ID:        "cancel-" + id,
		Action:    ScheduleActionCancel,
		Args:      map[string]any{"id": id},
		CreatedAt: createdAt,
	})
}

func (b *fakeBackend) reportsFor(id string) []ItemStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]ItemStatus, 0)
	for _, r := range b.reports {
		if r.id == id {
			out = append(out, r.update.Status)
		}
	}
	return out
}

func (b *fakeBackend) MirrorWrite(_ context.Context, record MirroredRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.writeErr != nil {
		return b.writeErr
	}
	b.writes++
	b.writeSeq++
	if record.ID == "" {
		record.ID = fmt.Sprintf("rec_%d", b.writeSeq)
	}
	record.WrittenAt = b.writeBase.Add(time.Duration(b.writeSeq) * time.Millisecond)
	b.mirror[record.Stream] = append(b.mirror[record.Stream], record)
	return nil
}

func (b *fakeBackend) MirrorDelete(_ context.Context, stream, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	records := b.mirror[stream]
	for i, record := range records {
		if record.ID == id {
			b.mirror[stream] = append(records[:i:i], records[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (b *fakeBackend) MirrorList(_ context.Context, stream string) ([]MirroredRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]MirroredRecord(nil), b.mirror[stream]...), nil
}

func (b *fakeBackend) writeCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writes
}

// recordingActuator counts calls and fails while failures remain.
type recordingActuator struct {
	mu       sync.Mutex
	calls    []string
	failures int
	err      error
}

func (a *recordingActuator) Execute(_ context.Context, action string, _ map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, action)
	if a.failures != 0 {
		if a.failures > 0 {
			a.failures--
		}
		if a.err != nil {
			return a.err
		}
		return fmt.Errorf("attempt %d failed", len(a.calls))
	}
	return nil
}

func (a *recordingActuator) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}
