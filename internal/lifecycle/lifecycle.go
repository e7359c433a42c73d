package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
)

var (
	ErrAlreadyStarted = errors.New("already started")
	ErrNotStarted     = errors.New("not started")
	ErrAlreadyStopped = errors.New("already stopped")
)

// Manager defines the lifecycle management interface
type Manager interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// ValidatedLifecycle provides Start/Stop validation for components
// that run background work. Embed it and call its Start/Stop first.
type ValidatedLifecycle struct {
	validator *StateValidator
}

func NewValidatedLifecycle(name string) (*ValidatedLifecycle, error) {
	validator, err := New(name)
	if err != nil {
		return nil, err
	}
	return &ValidatedLifecycle{
		validator: validator,
	}, nil
}

func (vl *ValidatedLifecycle) Start(ctx context.Context) error {
	return vl.validator.Start()
}

func (vl *ValidatedLifecycle) Stop(ctx context.Context) error {
	return vl.validator.Stop()
}

func (vl *ValidatedLifecycle) IsRunning() bool {
	return vl.validator.isStarted.Load() && !vl.validator.isStopped.Load()
}

type StateValidator struct {
	isStarted atomic.Bool
	isStopped atomic.Bool
	name      string
}

func New(name string) (*StateValidator, error) {
	if name == "" {
		return nil, errors.New("lifecycle name must not be empty")
	}
	return &StateValidator{
		isStarted: atomic.Bool{},
		isStopped: atomic.Bool{},
		name:      name,
	}, nil
}

func (validator *StateValidator) Start() error {
	if !validator.isStarted.CompareAndSwap(false, true) {
		return fmt.Errorf("%s %w", validator.name, ErrAlreadyStarted)
	}
	return nil
}

func (validator *StateValidator) Stop() error {
	if !validator.isStarted.Load() {
		return fmt.Errorf("%s %w", validator.name, ErrNotStarted)
	}
	if !validator.isStopped.CompareAndSwap(false, true) {
		return fmt.Errorf("%s %w", validator.name, ErrAlreadyStopped)
	}
	return nil
}
