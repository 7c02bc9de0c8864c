package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultBatchLimit   = 50
)

type CommandChannelOptions struct {
	Namespace       string
	Handlers        map[string]HandlerFunc
	Schemas         map[string]string
	PollInterval    time.Duration
	StalenessWindow time.Duration
	BatchLimit      int
	Clock           clockwork.Clock
	Logger          Logger
	Metrics         *Metrics
}

// PollResult summarizes one fetch-dispatch-acknowledge cycle.
type PollResult struct {
	Fetched    int
	Duplicates int
	Stale      int
	Unknown    int
	Invalid    int
	Failed     int
	Executed   int
	Acked      int
}

// CommandChannel polls one namespace for commands, runs each actionable
// command through its handler and acknowledges everything it fetched.
type CommandChannel struct {
	source       CommandSource
	namespace    string
	handlers     map[string]HandlerFunc
	validator    *ArgsValidator
	pollInterval time.Duration
	window       time.Duration
	batchLimit   int
	clock        clockwork.Clock
	logger       Logger
	metrics      *Metrics
	wake         chan struct{}
}

func NewCommandChannel(source CommandSource, opts CommandChannelOptions) (*CommandChannel, error) {
	if source == nil {
		return nil, fmt.Errorf("command source is required")
	}
	namespace := strings.TrimSpace(opts.Namespace)
	if namespace == "" {
		return nil, fmt.Errorf("namespace is required")
	}
	validator, err := NewArgsValidator(namespace, opts.Schemas)
	if err != nil {
		return nil, err
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	window := opts.StalenessWindow
	if window <= 0 {
		window = DefaultStalenessWindow
	}
	batchLimit := opts.BatchLimit
	if batchLimit <= 0 {
		batchLimit = DefaultBatchLimit
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	handlers := make(map[string]HandlerFunc, len(opts.Handlers))
	for action, handler := range opts.Handlers {
		if handler != nil {
			handlers[action] = handler
		}
	}
	return &CommandChannel{
		source:       source,
		namespace:    namespace,
		handlers:     handlers,
		validator:    validator,
		pollInterval: pollInterval,
		window:       window,
		batchLimit:   batchLimit,
		clock:        clock,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		wake:         make(chan struct{}, 1),
	}, nil
}

func (c *CommandChannel) Namespace() string {
	return c.namespace
}

// Run polls until ctx is cancelled. While the session is unauthenticated it
// only sleeps.
func (c *CommandChannel) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		result, err := c.PollOnce(ctx)
		switch {
		case err == nil:
			if result.Fetched > 0 {
				c.logf("%s: fetched=%d executed=%d stale=%d unknown=%d failed=%d acked=%d",
					c.namespace, result.Fetched, result.Executed, result.Stale, result.Unknown, result.Failed, result.Acked)
			}
		case errors.Is(err, ErrAuthenticationRequired), ctx.Err() != nil:
		default:
			c.logf("%s: poll cycle failed: %v", c.namespace, err)
		}
		if err := c.sleep(ctx); err != nil {
			return err
		}
	}
}

// PollOnce runs a single cycle. Backend errors abort the cycle; handler
// errors never do.
func (c *CommandChannel) PollOnce(ctx context.Context) (PollResult, error) {
	var result PollResult
	if !c.source.IsAuthenticated(ctx) {
		return result, ErrAuthenticationRequired
	}
	commands, err := c.source.FetchPendingCommands(ctx, c.namespace, c.batchLimit)
	if err != nil {
		return result, fmt.Errorf("fetch %s commands: %w", c.namespace, err)
	}
	result.Fetched = len(commands)
	seen := make(map[string]struct{}, len(commands))
	for _, cmd := range commands {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if cmd.ID == "" {
			c.logf("%s: skipping command without id (action %q)", c.namespace, cmd.Action)
			continue
		}
		if _, dup := seen[cmd.ID]; dup {
			result.Duplicates++
			c.metrics.commandOutcome(c.namespace, "duplicate")
			continue
		}
		seen[cmd.ID] = struct{}{}

		c.dispatch(ctx, cmd, &result)

		if err := ctx.Err(); err != nil {
			return result, err
		}
		if err := c.source.AcknowledgeCommand(ctx, c.namespace, cmd.ID); err != nil {
			return result, fmt.Errorf("acknowledge %s command %s: %w", c.namespace, cmd.ID, err)
		}
		result.Acked++
		c.metrics.commandAcked(c.namespace)
	}
	return result, nil
}

// Wake cuts the current sleep short.
func (c *CommandChannel) Wake() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *CommandChannel) dispatch(ctx context.Context, cmd Command, result *PollResult) {
	if !IsActionable(cmd.CreatedAt, c.clock.Now(), c.window) {
		result.Stale++
		c.metrics.commandOutcome(c.namespace, "stale")
		c.logf("%s: dropping stale command %s (%s, created %s)", c.namespace, cmd.ID, cmd.Action, cmd.CreatedAt.Format(time.RFC3339))
		return
	}
	handler, ok := c.handlers[cmd.Action]
	if !ok {
		result.Unknown++
		c.metrics.commandOutcome(c.namespace, "unknown")
		c.logf("%s: ignoring unknown action %q (command %s)", c.namespace, cmd.Action, cmd.ID)
		return
	}
	if err := c.validator.Validate(cmd.Action, cmd.Args); err != nil {
		result.Invalid++
		c.metrics.commandOutcome(c.namespace, "invalid")
		c.logf("%s: rejecting command %s: %v", c.namespace, cmd.ID, err)
		return
	}
	if err := invokeHandler(ctx, handler, cmd.Args); err != nil {
		result.Failed++
		c.metrics.commandOutcome(c.namespace, "failed")
		c.logf("%s: command %s (%s) failed: %v", c.namespace, cmd.ID, cmd.Action, err)
		return
	}
	result.Executed++
	c.metrics.commandOutcome(c.namespace, "executed")
}

func invokeHandler(ctx context.Context, handler HandlerFunc, args map[string]any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	if args == nil {
		args = map[string]any{}
	}
	return handler(ctx, args)
}

func (c *CommandChannel) sleep(ctx context.Context) error {
	timer := c.clock.NewTimer(c.pollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.Chan():
		return nil
	case <-c.wake:
		return nil
	}
}

func (c *CommandChannel) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}
