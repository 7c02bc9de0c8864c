package device

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/devicesync/internal/actions"
	"github.com/agentworkforce/devicesync/internal/engine"
	"github.com/jonboulle/clockwork"
)

// OutboxEntry is one delivered message line.
type OutboxEntry struct {
	ItemID      string    `json:"itemId"`
	To          string    `json:"to"`
	Body        string    `json:"body"`
	ExecuteAt   time.Time `json:"executeAt"`
	DeliveredAt time.Time `json:"deliveredAt"`
}

// Outbox delivers scheduled messages by appending them to a JSONL file.
type Outbox struct {
	path      string
	clock     clockwork.Clock
	validator *engine.ArgsValidator

	mu sync.Mutex
}

func NewOutbox(path string, clock clockwork.Clock) (*Outbox, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("outbox file is required")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	validator, err := engine.NewArgsValidator("outbox", map[string]string{actions.Send: actions.SendPayloadSchema})
	if err != nil {
		return nil, err
	}
	return &Outbox{path: filepath.Clean(path), clock: clock, validator: validator}, nil
}

func (o *Outbox) Path() string {
	return o.path
}

func (o *Outbox) Deliver(ctx context.Context, item engine.ScheduledItem) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	action := item.Action
	if action == "" {
		action = engine.DefaultDeliveryAction
	}
	if action != actions.Send {
		return &engine.ActuatorError{Action: action, Err: fmt.Errorf("%w: unsupported delivery action", engine.ErrInvalidInput)}
	}
	if err := o.validator.Validate(action, item.Payload); err != nil {
		return &engine.ActuatorError{Action: action, Err: err}
	}
	to, _ := item.Payload["to"].(string)
	body, _ := item.Payload["body"].(string)
	line, err := json.Marshal(OutboxEntry{
		ItemID:      item.ID,
		To:          to,
		Body:        body,
		ExecuteAt:   item.ExecuteAt,
		DeliveredAt: o.clock.Now().UTC(),
	})
	if err != nil {
		return &engine.ActuatorError{Action: action, Err: err}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	file, err := os.OpenFile(o.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return &engine.ActuatorError{Action: action, Err: permissionAware(err)}
	}
	if _, err := file.Write(append(line, '\n')); err != nil {
		_ = file.Close()
		return &engine.ActuatorError{Action: action, Err: err}
	}
	if err := file.Close(); err != nil {
		return &engine.ActuatorError{Action: action, Err: err}
	}
	return nil
}

// Entries reads every delivered message in append order.
func (o *Outbox) Entries() ([]OutboxEntry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	file, err := os.Open(o.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var entries []OutboxEntry
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry OutboxEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return nil, fmt.Errorf("decode outbox line: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, scanner.Err()
}
