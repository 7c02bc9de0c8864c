package engine

import (
	"errors"
	"fmt"
)

var (
	ErrAuthenticationRequired = errors.New("authentication required")
	ErrPermissionDenied       = errors.New("permission denied")
	ErrTransient              = errors.New("transient network error")
	ErrInvalidState           = errors.New("invalid state")
	ErrInvalidInput           = errors.New("invalid input")
	ErrNotFound               = errors.New("not found")
	ErrStopped                = errors.New("stopped")
	ErrUnknownNamespace       = errors.New("unknown namespace")
)

// TransientError wraps a failure that is expected to clear on the next
// poll or push cycle.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("transient network error: %v", e.Err)
	}
	return fmt.Sprintf("%s: transient network error: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

func (e *TransientError) Is(target error) bool {
	return target == ErrTransient
}

// ActuatorError is a handler-level failure of a device-control operation.
type ActuatorError struct {
	Action string
	Err    error
}

func (e *ActuatorError) Error() string {
	return fmt.Sprintf("actuator %s: %v", e.Action, e.Err)
}

func (e *ActuatorError) Unwrap() error {
	return e.Err
}

func asActuatorError(action string, err error) error {
	var actuatorErr *ActuatorError
	if errors.As(err, &actuatorErr) {
		return err
	}
	return &ActuatorError{Action: action, Err: err}
}
