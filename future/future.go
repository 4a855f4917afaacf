package future

import (
	"context"
	"fmt"
	"sync"
)

// Future represents some future result.
type Future[T any] interface {

	// Wait for the future to resolve. Returns the context error if it cancels.
	Wait(ctx context.Context) (T, error)
}

type futureImpl[T any] struct {
	doneCh <-chan struct{}
	result T
	err    error
	once   sync.Once
}

func (f *futureImpl[T]) Wait(ctx context.Context) (res T, err error) {
	select {
	case <-ctx.Done():
		err = ctx.Err()
		return
	case <-f.doneCh:
	}
	return f.result, f.err
}

// New creates a new resolvable future.
func New[T any]() (Future[T], func(result T, err error)) {
	doneCh := make(chan struct{})

	f := &futureImpl[T]{
		doneCh: doneCh,
	}
	resolve := func(result T, err error) {
		// ignore additional calls
		f.once.Do(func() {
			f.err = err
			f.result = result
			close(doneCh)
		})
	}

	return f, resolve
}

// PanicError wraps a value recovered from a panic inside Run.
type PanicError struct {
	Value any
}

func (p *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", p.Value)
}

// Unwrap returns the panic value if it was an error.
func (p *PanicError) Unwrap() error {
	err, _ := p.Value.(error)
	return err
}

// Run calls fn, converting a panic into a *PanicError.
func Run[T any](fn func() (T, error)) (res T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return fn()
}
