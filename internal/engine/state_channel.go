package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	DefaultDebounceWindow  = 500 * time.Millisecond
	DefaultPublishInterval = time.Minute
)

// SnapshotFunc builds a fresh snapshot of the feature's local state.
// Returning ErrPermissionDenied publishes the snapshot with hasPermission
// set to false instead of failing.
type SnapshotFunc func(ctx context.Context) (StateSnapshot, error)

type StateChannelOptions struct {
	Namespace       string
	Snapshot        SnapshotFunc
	DebounceWindow  time.Duration
	PublishInterval time.Duration
	Clock           clockwork.Clock
	Logger          Logger
	Metrics         *Metrics
}

// StateChannel pushes a feature's state only when it changed since the last
// confirmed push. All pushes go through one mutex, so they are ordered and a
// snapshot evaluated later is never overtaken by an earlier one.
type StateChannel struct {
	publisher       StatePublisher
	namespace       string
	snapshot        SnapshotFunc
	debounceWindow  time.Duration
	publishInterval time.Duration
	clock           clockwork.Clock
	logger          Logger
	metrics         *Metrics

	ctx    context.Context
	cancel context.CancelFunc

	publishMu     sync.Mutex
	lastPublished StateSnapshot
	hasPublished  bool

	debounceMu sync.Mutex
	debounce   clockwork.Timer
	generation uint64
	closed     bool
}

func NewStateChannel(publisher StatePublisher, opts StateChannelOptions) (*StateChannel, error) {
	if publisher == nil {
		return nil, fmt.Errorf("state publisher is required")
	}
	namespace := strings.TrimSpace(opts.Namespace)
	if namespace == "" {
		return nil, fmt.Errorf("namespace is required")
	}
	debounceWindow := opts.DebounceWindow
	if debounceWindow <= 0 {
		debounceWindow = DefaultDebounceWindow
	}
	publishInterval := opts.PublishInterval
	if publishInterval <= 0 {
		publishInterval = DefaultPublishInterval
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &StateChannel{
		publisher:       publisher,
		namespace:       namespace,
		snapshot:        opts.Snapshot,
		debounceWindow:  debounceWindow,
		publishInterval: publishInterval,
		clock:           clock,
		logger:          opts.Logger,
		metrics:         opts.Metrics,
		ctx:             ctx,
		cancel:          cancel,
	}, nil
}

func (c *StateChannel) Namespace() string {
	return c.namespace
}

// Publish pushes snapshot unless it equals the last published one and force
// is false. It reports whether a push happened.
func (c *StateChannel) Publish(ctx context.Context, snapshot StateSnapshot, force bool) (bool, error) {
	c.publishMu.Lock()
	defer c.publishMu.Unlock()
	return c.publishLocked(ctx, snapshot, force)
}

// PublishCurrent evaluates the snapshot source and publishes the result.
func (c *StateChannel) PublishCurrent(ctx context.Context, force bool) (bool, error) {
	if c.snapshot == nil {
		return false, fmt.Errorf("%s: no snapshot source", c.namespace)
	}
	c.publishMu.Lock()
	defer c.publishMu.Unlock()
	if c.isClosed() {
		return false, ErrStopped
	}
	snapshot, err := c.evaluate(ctx)
	if err != nil {
		c.metrics.statePublish(c.namespace, "error")
		return false, err
	}
	return c.publishLocked(ctx, snapshot, force)
}

// ForcePublish re-sends the current snapshot even if nothing changed.
func (c *StateChannel) ForcePublish(ctx context.Context) (bool, error) {
	return c.PublishCurrent(ctx, true)
}

// Trigger schedules an evaluate-and-publish at the end of the debounce
// window. Each call pushes the deadline back, so a burst collapses into one
// publish that reflects the state after the last trigger.
func (c *StateChannel) Trigger() {
	c.debounceMu.Lock()
	defer c.debounceMu.Unlock()
	if c.closed {
		return
	}
	c.generation++
	generation := c.generation
	if c.debounce != nil {
		c.debounce.Stop()
	}
	c.debounce = c.clock.AfterFunc(c.debounceWindow, func() {
		c.fireDebounced(generation)
	})
}

// Run publishes once, then re-checks every publish interval until ctx is
// cancelled. The periodic re-check still skips unchanged snapshots.
func (c *StateChannel) Run(ctx context.Context) error {
	defer c.Close()
	if c.snapshot == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := c.clock.NewTicker(c.publishInterval)
	defer ticker.Stop()
	c.publishAndLog(ctx, false)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.ctx.Done():
			return ErrStopped
		case <-ticker.Chan():
			c.publishAndLog(ctx, false)
		}
	}
}

// Close disarms the pending debounce and refuses further pushes.
func (c *StateChannel) Close() {
	c.debounceMu.Lock()
	c.closed = true
	c.generation++
	if c.debounce != nil {
		c.debounce.Stop()
		c.debounce = nil
	}
	c.debounceMu.Unlock()
	c.cancel()
}

// LastPublished returns a copy of the last confirmed snapshot.
func (c *StateChannel) LastPublished() (StateSnapshot, bool) {
	c.publishMu.Lock()
	defer c.publishMu.Unlock()
	return c.lastPublished.Clone(), c.hasPublished
}

func (c *StateChannel) publishLocked(ctx context.Context, snapshot StateSnapshot, force bool) (bool, error) {
	if c.isClosed() {
		return false, ErrStopped
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if !force && c.hasPublished && snapshot.Equal(c.lastPublished) {
		c.metrics.statePublish(c.namespace, "unchanged")
		return false, nil
	}
	if err := c.publisher.PushState(ctx, c.namespace, snapshot); err != nil {
		c.metrics.statePublish(c.namespace, "error")
		return false, fmt.Errorf("push %s state: %w", c.namespace, err)
	}
	c.lastPublished = snapshot.Clone()
	c.hasPublished = true
	c.metrics.statePublish(c.namespace, "pushed")
	return true, nil
}

func (c *StateChannel) evaluate(ctx context.Context) (StateSnapshot, error) {
	snapshot, err := c.snapshot(ctx)
	if err != nil {
		if !errors.Is(err, ErrPermissionDenied) {
			return nil, fmt.Errorf("evaluate %s state: %w", c.namespace, err)
		}
		out := snapshot.Clone()
		if out == nil {
			out = StateSnapshot{}
		}
		out["hasPermission"] = false
		return out, nil
	}
	return snapshot, nil
}

func (c *StateChannel) fireDebounced(generation uint64) {
	c.debounceMu.Lock()
	if c.closed || generation != c.generation {
		c.debounceMu.Unlock()
		return
	}
	c.debounce = nil
	c.debounceMu.Unlock()
	c.publishAndLog(c.ctx, false)
}

func (c *StateChannel) publishAndLog(ctx context.Context, force bool) {
	_, err := c.PublishCurrent(ctx, force)
	switch {
	case err == nil:
	case errors.Is(err, ErrAuthenticationRequired), errors.Is(err, ErrStopped), ctx.Err() != nil:
	default:
		c.logf("%s: state publish failed: %v", c.namespace, err)
	}
}

func (c *StateChannel) isClosed() bool {
	c.debounceMu.Lock()
	defer c.debounceMu.Unlock()
	return c.closed
}

func (c *StateChannel) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}
