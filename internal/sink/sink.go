// Package sink defines the output capability the sampling loop writes
// every tick to, together with the console and file implementations.
package sink

import (
	"context"
	"errors"
	"fmt"

	"github.com/ponytojas/water-sensor-sim/internal/models"
)

// Sink receives the batch produced by each tick.
// Emit must not retain b after returning.
type Sink interface {
	Name() string
	Emit(ctx context.Context, b models.Batch) error
	Close() error
}

var (
	ErrIOFailure      = errors.New("io failure")
	ErrPublishFailure = errors.New("publish failure")
)

// Error is returned by sinks when a batch could not be delivered.
// errors.Is matches both its Kind and the underlying cause.
type Error struct {
	Sink string
	Kind error
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s sink: %v: %v", e.Sink, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error { return []error{e.Kind, e.Err} }

// IOFailure wraps err as an ErrIOFailure for the named sink.
func IOFailure(sink string, err error) error {
	return &Error{Sink: sink, Kind: ErrIOFailure, Err: err}
}

// PublishFailure wraps err as an ErrPublishFailure for the named sink.
func PublishFailure(sink string, err error) error {
	return &Error{Sink: sink, Kind: ErrPublishFailure, Err: err}
}
