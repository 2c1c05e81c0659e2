package services

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/civil"
)

// ErrCancelled reports that a request was superseded before it could
// commit. It is a control-flow outcome, not a failure.
var ErrCancelled = errors.New("request superseded")

// ErrCacheInconsistency marks a cache entry whose contents do not belong
// to its key. It should be unreachable.
var ErrCacheInconsistency = errors.New("daily result cache inconsistency")

// ComputationFailure wraps an error raised by a day or aspect collaborator.
type ComputationFailure struct {
	Unit string
	Date civil.Date
	City string
	Err  error
}

func (e *ComputationFailure) Error() string {
	if e.City != "" {
		return fmt.Sprintf("%s computation failed for %s on %s: %v", e.Unit, e.City, e.Date, e.Err)
	}
	return fmt.Sprintf("%s computation failed on %s: %v", e.Unit, e.Date, e.Err)
}

func (e *ComputationFailure) Unwrap() error {
	return e.Err
}

type Status int

const (
	StatusOK Status = iota
	StatusCancelled
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusCancelled:
		return "cancelled"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome is the tagged result of a load: exactly one of a value, a
// cancellation or a failure.
type Outcome[T any] struct {
	Status Status
	Value  T
	Err    error
}

func ok[T any](v T) Outcome[T] {
	return Outcome[T]{Status: StatusOK, Value: v}
}

func cancelled[T any]() Outcome[T] {
	return Outcome[T]{Status: StatusCancelled, Err: ErrCancelled}
}

func failed[T any](err error) Outcome[T] {
	return Outcome[T]{Status: StatusFailed, Err: err}
}

// IsCancellation separates supersession from genuine failure. Deadlines
// set by callers are failures.
func IsCancellation(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}

func fromError[T any](err error) Outcome[T] {
	if IsCancellation(err) {
		return cancelled[T]()
	}
	return failed[T](err)
}
