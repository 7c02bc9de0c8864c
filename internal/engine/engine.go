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
	DefaultScheduleNamespace = "scheduled"

	// Actions the engine handles itself on the schedule namespace.
	ScheduleActionCancel = "cancel"
	ScheduleActionRescan = "rescan"
)

type Options struct {
	Clock   clockwork.Clock
	Logger  Logger
	Metrics *Metrics

	PollInterval    time.Duration
	StalenessWindow time.Duration
	BatchLimit      int
	DebounceWindow  time.Duration
	PublishInterval time.Duration

	// Deliverer enables scheduled delivery. Without it ScheduleItem and
	// CancelItem fail.
	Deliverer         Deliverer
	ScheduleNamespace string
	MaxRetries        int
	Backoff           BackoffFunc
	RescanInterval    time.Duration

	MirrorCapacity int
	DedupCapacity  int
	DedupPolicy    EvictionPolicy
}

// Feature is one synchronization domain: a command channel over Handlers
// and, when Snapshot is set, a state channel. Zero durations fall back to
// the engine options.
type Feature struct {
	Namespace       string
	Handlers        map[string]HandlerFunc
	Schemas         map[string]string
	Snapshot        SnapshotFunc
	PollInterval    time.Duration
	DebounceWindow  time.Duration
	PublishInterval time.Duration
}

type Engine struct {
	backend   Backend
	opts      Options
	scheduler *Scheduler

	mu       sync.Mutex
	features map[string]Feature
	running  map[string]*featureRuntime
	mirrors  map[string]*Mirror
	closed   bool
}

type featureRuntime struct {
	cancel   context.CancelFunc
	commands *CommandChannel
	state    *StateChannel
	done     chan struct{}
}

func New(backend Backend, opts Options) (*Engine, error) {
	if backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	opts.ScheduleNamespace = strings.TrimSpace(opts.ScheduleNamespace)
	if opts.ScheduleNamespace == "" {
		opts.ScheduleNamespace = DefaultScheduleNamespace
	}
	e := &Engine{
		backend:  backend,
		opts:     opts,
		features: map[string]Feature{},
		running:  map[string]*featureRuntime{},
		mirrors:  map[string]*Mirror{},
	}
	if opts.Deliverer != nil {
		scheduler, err := NewScheduler(backend, opts.Deliverer, SchedulerOptions{
			MaxRetries:     opts.MaxRetries,
			Backoff:        opts.Backoff,
			RescanInterval: opts.RescanInterval,
			Clock:          opts.Clock,
			Logger:         opts.Logger,
			Metrics:        opts.Metrics,
		})
		if err != nil {
			return nil, err
		}
		e.scheduler = scheduler
		e.features[opts.ScheduleNamespace] = Feature{
			Namespace: opts.ScheduleNamespace,
			Handlers: map[string]HandlerFunc{
				ScheduleActionCancel: e.handleCancel,
				ScheduleActionRescan: e.handleRescan,
			},
			Schemas: map[string]string{
				ScheduleActionCancel: `{"type":"object","required":["id"],"properties":{"id":{"type":"string","minLength":1}}}`,
			},
		}
	}
	return e, nil
}

// Register adds or replaces a feature. A running feature keeps its old
// configuration until it is restarted.
func (e *Engine) Register(feature Feature) error {
	feature.Namespace = strings.TrimSpace(feature.Namespace)
	if feature.Namespace == "" {
		return fmt.Errorf("%w: namespace is required", ErrInvalidInput)
	}
	if len(feature.Handlers) == 0 && feature.Snapshot == nil {
		return fmt.Errorf("%w: feature %s has neither handlers nor a snapshot source", ErrInvalidInput, feature.Namespace)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrStopped
	}
	if feature.Namespace == e.opts.ScheduleNamespace && e.scheduler != nil {
		existing := e.features[feature.Namespace]
		for action, handler := range existing.Handlers {
			if _, overridden := feature.Handlers[action]; !overridden {
				if feature.Handlers == nil {
					feature.Handlers = map[string]HandlerFunc{}
				}
				feature.Handlers[action] = handler
			}
		}
		for action, schema := range existing.Schemas {
			if _, overridden := feature.Schemas[action]; !overridden {
				if feature.Schemas == nil {
					feature.Schemas = map[string]string{}
				}
				feature.Schemas[action] = schema
			}
		}
	}
	e.features[feature.Namespace] = feature
	return nil
}

// Start launches the namespace's command loop, state channel and, for the
// schedule namespace, the periodic rescan. Starting a running namespace is
// a no-op.
func (e *Engine) Start(namespace string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrStopped
	}
	if _, running := e.running[namespace]; running {
		return nil
	}
	feature, ok := e.features[namespace]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNamespace, namespace)
	}
	rt, err := e.buildRuntime(feature)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	rt.cancel = cancel
	var wg sync.WaitGroup
	if rt.commands != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = rt.commands.Run(ctx)
		}()
	}
	if rt.state != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = rt.state.Run(ctx)
		}()
	}
	if namespace == e.opts.ScheduleNamespace && e.scheduler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = e.scheduler.Run(ctx)
		}()
	}
	go func() {
		wg.Wait()
		close(rt.done)
	}()
	e.running[namespace] = rt
	e.logf("started %s", namespace)
	return nil
}

// Stop tears down the namespace's loops and debounce timer and waits for
// them to exit. In-flight handler calls finish first.
func (e *Engine) Stop(namespace string) error {
	e.mu.Lock()
	rt, ok := e.running[namespace]
	if !ok {
		e.mu.Unlock()
		return nil
	}
	delete(e.running, namespace)
	e.mu.Unlock()

	rt.cancel()
	if rt.state != nil {
		rt.state.Close()
	}
	<-rt.done
	e.logf("stopped %s", namespace)
	return nil
}

// Trigger asks the namespace's state channel for a debounced publish.
func (e *Engine) Trigger(namespace string) {
	if rt := e.runtime(namespace); rt != nil && rt.state != nil {
		rt.state.Trigger()
	}
}

// Wake short-circuits the namespace's poll sleep.
func (e *Engine) Wake(namespace string) {
	if rt := e.runtime(namespace); rt != nil && rt.commands != nil {
		rt.commands.Wake()
	}
}

// WakeAll short-circuits every running poll sleep.
func (e *Engine) WakeAll() {
	e.mu.Lock()
	runtimes := make([]*featureRuntime, 0, len(e.running))
	for _, rt := range e.running {
		runtimes = append(runtimes, rt)
	}
	e.mu.Unlock()
	for _, rt := range runtimes {
		if rt.commands != nil {
			rt.commands.Wake()
		}
	}
}

// ForcePublish re-sends the namespace's current state.
func (e *Engine) ForcePublish(ctx context.Context, namespace string) error {
	rt := e.runtime(namespace)
	if rt == nil || rt.state == nil {
		return fmt.Errorf("%w: %s has no running state channel", ErrUnknownNamespace, namespace)
	}
	_, err := rt.state.ForcePublish(ctx)
	return err
}

func (e *Engine) ScheduleItem(ctx context.Context, item ScheduledItem) error {
	if e.scheduler == nil {
		return fmt.Errorf("%w: scheduled delivery is not configured", ErrInvalidState)
	}
	return e.scheduler.Schedule(ctx, item)
}

func (e *Engine) CancelItem(ctx context.Context, id string) error {
	if e.scheduler == nil {
		return fmt.Errorf("%w: scheduled delivery is not configured", ErrInvalidState)
	}
	return e.scheduler.Cancel(ctx, id)
}

// ItemStatus returns the scheduler's local view of an item.
func (e *Engine) ItemStatus(id string) (ScheduledItem, bool) {
	if e.scheduler == nil {
		return ScheduledItem{}, false
	}
	return e.scheduler.Status(id)
}

// Mirror returns the stream's mirror, creating it on first use.
func (e *Engine) Mirror(stream string) (*Mirror, error) {
	stream = strings.TrimSpace(stream)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrStopped
	}
	if m, ok := e.mirrors[stream]; ok {
		return m, nil
	}
	m, err := NewMirror(e.backend, MirrorOptions{
		Stream:        stream,
		Capacity:      e.opts.MirrorCapacity,
		DedupCapacity: e.opts.DedupCapacity,
		DedupPolicy:   e.opts.DedupPolicy,
		Clock:         e.opts.Clock,
		Logger:        e.opts.Logger,
		Metrics:       e.opts.Metrics,
	})
	if err != nil {
		return nil, err
	}
	e.mirrors[stream] = m
	return m, nil
}

// Namespaces lists registered namespaces.
func (e *Engine) Namespaces() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.features))
	for namespace := range e.features {
		out = append(out, namespace)
	}
	sort.Strings(out)
	return out
}

func (e *Engine) Running(namespace string) bool {
	return e.runtime(namespace) != nil
}

// Close stops every namespace and the scheduler.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	namespaces := make([]string, 0, len(e.running))
	for namespace := range e.running {
		namespaces = append(namespaces, namespace)
	}
	e.mu.Unlock()
	for _, namespace := range namespaces {
		_ = e.Stop(namespace)
	}
	if e.scheduler != nil {
		e.scheduler.Close()
	}
}

func (e *Engine) buildRuntime(feature Feature) (*featureRuntime, error) {
	rt := &featureRuntime{done: make(chan struct{})}
	if len(feature.Handlers) > 0 {
		commands, err := NewCommandChannel(e.backend, CommandChannelOptions{
			Namespace:       feature.Namespace,
			Handlers:        feature.Handlers,
			Schemas:         feature.Schemas,
			PollInterval:    firstPositive(feature.PollInterval, e.opts.PollInterval),
			StalenessWindow: e.opts.StalenessWindow,
			BatchLimit:      e.opts.BatchLimit,
			Clock:           e.opts.Clock,
			Logger:          e.opts.Logger,
			Metrics:         e.opts.Metrics,
		})
		if err != nil {
			return nil, err
		}
		rt.commands = commands
	}
	if feature.Snapshot != nil {
		state, err := NewStateChannel(e.backend, StateChannelOptions{
			Namespace:       feature.Namespace,
			Snapshot:        feature.Snapshot,
			DebounceWindow:  firstPositive(feature.DebounceWindow, e.opts.DebounceWindow),
			PublishInterval: firstPositive(feature.PublishInterval, e.opts.PublishInterval),
			Clock:           e.opts.Clock,
			Logger:          e.opts.Logger,
			Metrics:         e.opts.Metrics,
		})
		if err != nil {
			return nil, err
		}
		rt.state = state
	}
	return rt, nil
}

func (e *Engine) runtime(namespace string) *featureRuntime {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running[namespace]
}

func (e *Engine) handleCancel(ctx context.Context, args map[string]any) error {
	id, _ := args["id"].(string)
	err := e.scheduler.Cancel(ctx, id)
	if errors.Is(err, ErrInvalidState) {
		// Already finished; the controller sees the final status upstream.
		e.logf("cancel %s ignored: %v", id, err)
		return nil
	}
	return err
}

func (e *Engine) handleRescan(ctx context.Context, _ map[string]any) error {
	_, err := e.scheduler.Rescan(ctx)
	return err
}

func firstPositive(values ...time.Duration) time.Duration {
	for _, value := range values {
		if value > 0 {
			return value
		}
	}
	return 0
}

func (e *Engine) logf(format string, args ...any) {
	if e.opts.Logger == nil {
		return
	}
	e.opts.Logger.Printf(format, args...)
}
