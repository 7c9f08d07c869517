// Package transform holds the image transform capability used by the worker
package transform

import (
	"context"
	"errors"
)

// Params carries the operation parameters of a job
type Params struct {
	ScaleFactor int
}

// Engine turns source image bytes into transformed image bytes.
// Implementations must be safe for concurrent use.
type Engine interface {
	Apply(ctx context.Context, src []byte, p Params) ([]byte, error)
}

// EngineFunc adapts a function to the Engine interface
type EngineFunc func(ctx context.Context, src []byte, p Params) ([]byte, error)

func (f EngineFunc) Apply(ctx context.Context, src []byte, p Params) ([]byte, error) {
	return f(ctx, src, p)
}

// PermanentError marks a failure that will repeat on every attempt
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// TransientError marks a failure that may succeed on a later attempt
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Permanent wraps err as a PermanentError
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Transient wraps err as a TransientError
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsPermanent reports whether err carries a PermanentError
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// IsTransient reports whether err carries a TransientError or a context error
func IsTransient(err error) bool {
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
