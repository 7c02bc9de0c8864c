package engine

import (
	"context"
	"encoding/json"
	"time"
)

type Logger interface {
	Printf(format string, args ...any)
}

// Command is a single remote instruction addressed to one feature namespace.
// Commands are immutable once created and are removed from the backend when
// acknowledged.
type Command struct {
	ID        string         `json:"id"`
	Namespace string         `json:"namespace"`
	Target    string         `json:"target,omitempty"`
	Action    string         `json:"action"`
	Args      map[string]any `json:"args,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// StateSnapshot is a flat record of the observable local state of one
// feature. Snapshots are never mutated after construction.
type StateSnapshot map[string]any

// Equal reports field-wise value equality. Values are compared through their
// JSON encoding so a snapshot decoded from the wire (float64 numbers) equals
// one built locally with ints.
func (s StateSnapshot) Equal(other StateSnapshot) bool {
	if len(s) == 0 && len(other) == 0 {
		return true
	}
	if len(s) != len(other) {
		return false
	}
	left, err := json.Marshal(s)
	if err != nil {
		return false
	}
	right, err := json.Marshal(other)
	if err != nil {
		return false
	}
	return string(left) == string(right)
}

func (s StateSnapshot) Clone() StateSnapshot {
	if s == nil {
		return nil
	}
	out := make(StateSnapshot, len(s))
	for key, value := range s {
		out[key] = value
	}
	return out
}

type ItemStatus string

const (
	StatusPending   ItemStatus = "pending"
	StatusSending   ItemStatus = "sending"
	StatusSent      ItemStatus = "sent"
	StatusFailed    ItemStatus = "failed"
	StatusCancelled ItemStatus = "cancelled"
)

func (s ItemStatus) Terminal() bool {
	switch s {
	case StatusSent, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

func (s ItemStatus) Valid() bool {
	switch s {
	case StatusPending, StatusSending, StatusSent, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// ScheduledItem is a delivery request that becomes due at ExecuteAt. The
// scheduler is the only writer of Status, RetryCount and LastError.
type ScheduledItem struct {
	ID            string         `json:"id"`
	Action        string         `json:"action,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	ExecuteAt     time.Time      `json:"executeAt"`
	CreatedAt     time.Time      `json:"createdAt"`
	Status        ItemStatus     `json:"status"`
	RetryCount    int            `json:"retryCount"`
	LastError     string         `json:"lastError,omitempty"`
	NextAttemptAt *time.Time     `json:"nextAttemptAt,omitempty"`
	// CancelRequested is set by the backend when a controller asked for
	// cancellation. The scheduler honours it on rescan.
	CancelRequested bool `json:"cancelRequested,omitempty"`
}

// StatusUpdate is what the scheduler reports upstream on every transition.
type StatusUpdate struct {
	Status        ItemStatus `json:"status"`
	RetryCount    int        `json:"retryCount"`
	LastError     string     `json:"lastError,omitempty"`
	NextAttemptAt *time.Time `json:"nextAttemptAt,omitempty"`
}

type MirroredRecord struct {
	ID          string         `json:"id"`
	Stream      string         `json:"stream"`
	SourceKey   string         `json:"sourceKey"`
	Payload     map[string]any `json:"payload,omitempty"`
	FirstSeenAt time.Time      `json:"firstSeenAt"`
	WrittenAt   time.Time      `json:"writtenAt,omitempty"`
}

// Progress is reported by long-running bulk operations.
type Progress struct {
	Done    int    `json:"done"`
	Total   int    `json:"total"`
	Message string `json:"message"`
}

type ProgressFunc func(Progress)

type CommandSource interface {
	IsAuthenticated(ctx context.Context) bool
	FetchPendingCommands(ctx context.Context, namespace string, limit int) ([]Command, error)
	AcknowledgeCommand(ctx context.Context, namespace, id string) error
}

type StatePublisher interface {
	PushState(ctx context.Context, namespace string, snapshot StateSnapshot) error
}

type ScheduleStore interface {
	FetchScheduledItems(ctx context.Context, status ItemStatus) ([]ScheduledItem, error)
	UpdateScheduledItemStatus(ctx context.Context, id string, update StatusUpdate) error
}

type MirrorStore interface {
	MirrorWrite(ctx context.Context, record MirroredRecord) error
	MirrorDelete(ctx context.Context, stream, id string) error
	// MirrorList returns the stream's records ordered by write time, oldest first.
	MirrorList(ctx context.Context, stream string) ([]MirroredRecord, error)
}

// Backend is the single collaborator every engine component talks to. It
// must be safe for concurrent use.
type Backend interface {
	CommandSource
	StatePublisher
	ScheduleStore
	MirrorStore
}

// Actuator performs opaque device-control operations.
type Actuator interface {
	Execute(ctx context.Context, action string, args map[string]any) error
}

type ActuatorFunc func(ctx context.Context, action string, args map[string]any) error

func (f ActuatorFunc) Execute(ctx context.Context, action string, args map[string]any) error {
	return f(ctx, action, args)
}

type Deliverer interface {
	Deliver(ctx context.Context, item ScheduledItem) error
}

// DefaultDeliveryAction is used when a scheduled item does not name an action.
const DefaultDeliveryAction = "send"

// ActuatorDeliverer delivers scheduled items through an Actuator.
type ActuatorDeliverer struct {
	Actuator Actuator
}

func (d ActuatorDeliverer) Deliver(ctx context.Context, item ScheduledItem) error {
	action := item.Action
	if action == "" {
		action = DefaultDeliveryAction
	}
	if err := d.Actuator.Execute(ctx, action, item.Payload); err != nil {
		return asActuatorError(action, err)
	}
	return nil
}

type HandlerFunc func(ctx context.Context, args map[string]any) error

// ActuatorHandlers routes each named action to the actuator.
func ActuatorHandlers(actuator Actuator, actions ...string) map[string]HandlerFunc {
	handlers := make(map[string]HandlerFunc, len(actions))
	for _, action := range actions {
		action := action
		handlers[action] = func(ctx context.Context, args map[string]any) error {
			if err := actuator.Execute(ctx, action, args); err != nil {
				return asActuatorError(action, err)
			}
			return nil
		}
	}
	return handlers
}
