package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	DefaultMaxRetries        = 3
	DefaultRetryBackoff      = 5 * time.Minute
	DefaultRescanInterval    = 30 * time.Second
	DefaultTerminalRetention = 1024
)

// BackoffFunc returns the delay before retry attempt n (n starts at 1). It
// must be bounded and non-decreasing in n.
type BackoffFunc func(attempt int) time.Duration

func FixedBackoff(delay time.Duration) BackoffFunc {
	return func(int) time.Duration {
		return delay
	}
}

// ExponentialBackoff doubles base per attempt and caps the result at max.
func ExponentialBackoff(base, max time.Duration) BackoffFunc {
	return func(attempt int) time.Duration {
		if base <= 0 {
			return 0
		}
		delay := base
		for i := 1; i < attempt; i++ {
			delay *= 2
			if delay >= max {
				return max
			}
		}
		if delay > max {
			return max
		}
		return delay
	}
}

type SchedulerOptions struct {
	MaxRetries     int
	Backoff        BackoffFunc
	RescanInterval time.Duration
	// Retention bounds how many finished items are remembered locally.
	Retention      int
	Clock          clockwork.Clock
	Logger         Logger
	Metrics        *Metrics
}

// Scheduler delivers scheduled items when they become due, retries failed
// deliveries with backoff and reports every transition to the store.
type Scheduler struct {
	store      ScheduleStore
	deliverer  Deliverer
	maxRetries int
	backoff    BackoffFunc
	rescan     time.Duration
	retention  int
	clock      clockwork.Clock
	logger     Logger
	metrics    *Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	entries map[string]*scheduledEntry
	closed  bool
}

type scheduledEntry struct {
	item       ScheduledItem
	timer      clockwork.Timer
	committed  bool
	reported   bool
	finishedAt time.Time
}

func NewScheduler(store ScheduleStore, deliverer Deliverer, opts SchedulerOptions) (*Scheduler, error) {
	if store == nil {
		return nil, fmt.Errorf("schedule store is required")
	}
	if deliverer == nil {
		return nil, fmt.Errorf("deliverer is required")
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	backoff := opts.Backoff
	if backoff == nil {
		backoff = FixedBackoff(DefaultRetryBackoff)
	}
	rescan := opts.RescanInterval
	if rescan <= 0 {
		rescan = DefaultRescanInterval
	}
	retention := opts.Retention
	if retention <= 0 {
		retention = DefaultTerminalRetention
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:      store,
		deliverer:  deliverer,
		maxRetries: maxRetries,
		backoff:    backoff,
		rescan:     rescan,
		retention:  retention,
		clock:      clock,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		ctx:        ctx,
		cancel:     cancel,
		entries:    map[string]*scheduledEntry{},
	}, nil
}

// Schedule arms item. Items already due run immediately; later ones run when
// their timer fires and the item is still pending. Scheduling an id that is
// already known is a no-op.
func (s *Scheduler) Schedule(ctx context.Context, item ScheduledItem) error {
	item.ID = strings.TrimSpace(item.ID)
	if item.ID == "" {
		return fmt.Errorf("%w: scheduled item id is required", ErrInvalidInput)
	}
	if item.Status == "" {
		item.Status = StatusPending
	}
	if item.Status != StatusPending {
		return fmt.Errorf("%w: cannot schedule %s item %s", ErrInvalidState, item.Status, item.ID)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStopped
	}
	if _, known := s.entries[item.ID]; known {
		return nil
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = s.clock.Now()
	}
	entry := &scheduledEntry{item: item}
	s.entries[item.ID] = entry
	s.armLocked(entry)
	return nil
}

// Cancel stops a pending item, or a sending one whose delivery has not
// started yet. Cancelling a finished item fails with ErrInvalidState. An id
// this scheduler never saw is reported cancelled and kept from being armed
// by later rescans.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: scheduled item id is required", ErrInvalidInput)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStopped
	}
	entry, ok := s.entries[id]
	if !ok {
		entry = &scheduledEntry{
			item:       ScheduledItem{ID: id, Status: StatusCancelled},
			finishedAt: s.clock.Now(),
		}
		s.entries[id] = entry
		s.mu.Unlock()
		if err := s.store.UpdateScheduledItemStatus(ctx, id, StatusUpdate{Status: StatusCancelled}); err != nil {
			s.mu.Lock()
			if current, exists := s.entries[id]; exists && current == entry {
				delete(s.entries, id)
			}
			s.mu.Unlock()
			return fmt.Errorf("cancel scheduled item %s: %w", id, err)
		}
		s.markReported(id, StatusCancelled)
		s.metrics.scheduledOutcome("cancelled")
		return nil
	}
	status := entry.item.Status
	if status != StatusPending && !(status == StatusSending && !entry.committed) {
		s.mu.Unlock()
		return fmt.Errorf("%w: scheduled item %s is %s", ErrInvalidState, id, status)
	}
	if entry.timer != nil {
		entry.timer.Stop()
		entry.timer = nil
	}
	entry.item.Status = StatusCancelled
	entry.item.NextAttemptAt = nil
	entry.reported = false
	entry.finishedAt = s.clock.Now()
	update := updateFor(entry.item)
	s.mu.Unlock()

	s.metrics.scheduledOutcome("cancelled")
	s.logf("scheduled item %s cancelled", id)
	return s.report(ctx, id, update)
}

// Rescan fetches pending items from the store and arms the ones not known
// locally. Items a previous process left in sending are armed again as well.
// It also retries status reports that failed earlier.
func (s *Scheduler) Rescan(ctx context.Context) (int, error) {
	pending, err := s.store.FetchScheduledItems(ctx, StatusPending)
	if err != nil {
		return 0, fmt.Errorf("fetch pending scheduled items: %w", err)
	}
	orphaned, err := s.store.FetchScheduledItems(ctx, StatusSending)
	if err != nil {
		return 0, fmt.Errorf("fetch sending scheduled items: %w", err)
	}
	armed := 0
	var cancelKnown []string
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrStopped
	}
	for _, item := range append(pending, orphaned...) {
		if item.ID == "" {
			continue
		}
		if _, known := s.entries[item.ID]; known {
			if item.CancelRequested {
				cancelKnown = append(cancelKnown, item.ID)
			}
			continue
		}
		if item.CancelRequested {
			// Never armed here; the report below carries the cancellation.
			item.Status = StatusCancelled
			item.NextAttemptAt = nil
			s.entries[item.ID] = &scheduledEntry{item: item, finishedAt: s.clock.Now()}
			s.metrics.scheduledOutcome("cancelled")
			s.logf("scheduled item %s cancelled by request", item.ID)
			continue
		}
		item.Status = StatusPending
		entry := &scheduledEntry{item: item}
		s.entries[item.ID] = entry
		s.armLocked(entry)
		armed++
	}
	unreported := make(map[string]StatusUpdate)
	for id, entry := range s.entries {
		if entry.item.Status.Terminal() && !entry.reported {
			unreported[id] = updateFor(entry.item)
		}
	}
	s.pruneFinishedLocked()
	s.mu.Unlock()

	for id, update := range unreported {
		if err := s.report(ctx, id, update); err != nil {
			break
		}
	}
	for _, id := range cancelKnown {
		if err := s.Cancel(ctx, id); err != nil && !errors.Is(err, ErrInvalidState) {
			s.logf("cancel requested for %s: %v", id, err)
		}
	}
	return armed, nil
}

// Run rescans immediately and then every rescan interval until ctx is
// cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.rescan)
	defer ticker.Stop()
	for {
		if armed, err := s.Rescan(ctx); err != nil {
			if errors.Is(err, ErrStopped) {
				return err
			}
			if ctx.Err() == nil && !errors.Is(err, ErrAuthenticationRequired) {
				s.logf("scheduled rescan failed: %v", err)
			}
		} else if armed > 0 {
			s.logf("scheduled rescan armed %d item(s)", armed)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.ctx.Done():
			return ErrStopped
		case <-ticker.Chan():
		}
	}
}

// Status returns the local view of an item.
func (s *Scheduler) Status(id string) (ScheduledItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	if !ok {
		return ScheduledItem{}, false
	}
	return entry.item, true
}

// Armed returns the ids that currently have a pending timer or delivery.
func (s *Scheduler) Armed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.entries))
	for id, entry := range s.entries {
		if entry.item.Status == StatusPending || entry.item.Status == StatusSending {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Close disarms every timer, cancels in-flight deliveries and waits for them.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, entry := range s.entries {
		if entry.timer != nil {
			entry.timer.Stop()
			entry.timer = nil
		}
	}
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) armLocked(entry *scheduledEntry) {
	id := entry.item.ID
	due := entry.item.ExecuteAt
	if entry.item.NextAttemptAt != nil && entry.item.NextAttemptAt.After(due) {
		due = *entry.item.NextAttemptAt
	}
	delay := due.Sub(s.clock.Now())
	if delay <= 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.fire(id)
		}()
		return
	}
	entry.timer = s.clock.AfterFunc(delay, func() {
		s.fire(id)
	})
}

func (s *Scheduler) fire(id string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	entry, ok := s.entries[id]
	if !ok || entry.item.Status != StatusPending || entry.committed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()
	entry.timer = nil
	entry.item.Status = StatusSending
	entry.item.NextAttemptAt = nil
	update := updateFor(entry.item)
	s.mu.Unlock()

	// A failed sending report does not block delivery.
	_ = s.report(s.ctx, id, update)

	s.mu.Lock()
	if s.closed || entry.item.Status != StatusSending {
		s.mu.Unlock()
		return
	}
	entry.committed = true
	item := entry.item
	s.mu.Unlock()

	err := s.deliverer.Deliver(s.ctx, item)
	if s.ctx.Err() != nil {
		return
	}
	s.complete(entry, err)
}

func (s *Scheduler) complete(entry *scheduledEntry, deliverErr error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	id := entry.item.ID
	entry.committed = false
	entry.reported = false
	outcome := "sent"
	if deliverErr == nil {
		entry.item.Status = StatusSent
		entry.item.LastError = ""
		entry.finishedAt = s.clock.Now()
	} else {
		entry.item.RetryCount++
		entry.item.LastError = deliverErr.Error()
		if entry.item.RetryCount < s.maxRetries {
			outcome = "retry"
			next := s.clock.Now().Add(s.backoff(entry.item.RetryCount))
			entry.item.Status = StatusPending
			entry.item.NextAttemptAt = &next
			s.armLocked(entry)
		} else {
			outcome = "failed"
			entry.item.Status = StatusFailed
			entry.finishedAt = s.clock.Now()
		}
	}
	update := updateFor(entry.item)
	s.mu.Unlock()

	s.metrics.scheduledOutcome(outcome)
	switch outcome {
	case "sent":
		s.logf("scheduled item %s sent", id)
	case "retry":
		s.logf("scheduled item %s attempt %d failed, retrying at %s: %v", id, update.RetryCount, update.NextAttemptAt.Format(time.RFC3339), deliverErr)
	default:
		s.logf("scheduled item %s failed after %d attempts: %v", id, update.RetryCount, deliverErr)
	}
	_ = s.report(s.ctx, id, update)
}

func (s *Scheduler) report(ctx context.Context, id string, update StatusUpdate) error {
	if err := s.store.UpdateScheduledItemStatus(ctx, id, update); err != nil {
		if ctx.Err() == nil {
			s.logf("report scheduled item %s as %s failed: %v", id, update.Status, err)
		}
		return err
	}
	s.markReported(id, update.Status)
	return nil
}

func (s *Scheduler) markReported(id string, status ItemStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.entries[id]; ok && entry.item.Status == status {
		entry.reported = true
	}
}

func (s *Scheduler) pruneFinishedLocked() {
	type candidate struct {
		id         string
		finishedAt time.Time
	}
	candidates := make([]candidate, 0)
	for id, entry := range s.entries {
		if entry.item.Status.Terminal() && entry.reported {
			candidates = append(candidates, candidate{id: id, finishedAt: entry.finishedAt})
		}
	}
	if len(candidates) <= s.retention {
		return
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].finishedAt.Equal(candidates[j].finishedAt) {
			return candidates[i].id < candidates[j].id
		}
		return candidates[i].finishedAt.Before(candidates[j].finishedAt)
	})
	for _, c := range candidates[:len(candidates)-s.retention] {
		delete(s.entries, c.id)
	}
}

func updateFor(item ScheduledItem) StatusUpdate {
	return StatusUpdate{
		Status:        item.Status,
		RetryCount:    item.RetryCount,
		LastError:     item.LastError,
		NextAttemptAt: item.NextAttemptAt,
	}
}

func (s *Scheduler) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}
