// Package owner provides single-goroutine execution contexts.
//
// Go has no goroutine identity, so ownership travels in a [context.Context]: every function an
// Executor runs is passed a context tagged with that Executor, and IsOwner checks for the tag.
package owner

import (
	"context"

	"github.com/samthor/ownedset/future"
)

// Func is work run on the owner. A returned error is a fault for the Executor to surface.
type Func func(ctx context.Context) (err error)

type Executor interface {
	// IsOwner returns true if ctx was handed out by this Executor.
	IsOwner(ctx context.Context) bool

	// Post runs fn once, later, on the owner. Posted funcs run in post order.
	Post(fn Func)
}

type ownerKey struct {
	_ int
}

func withOwner(ctx context.Context, ex Executor) context.Context {
	return context.WithValue(ctx, ownerKey{}, ex)
}

func isOwner(ctx context.Context, ex Executor) bool {
	if ctx == nil {
		return false
	}
	v, _ := ctx.Value(ownerKey{}).(Executor)
	return v == ex
}

// Call runs fn on the owner and waits for its result.
// If ctx is already owned by ex, fn runs inline.
// A panic in fn is returned to the caller as a *future.PanicError.
func Call(ctx context.Context, ex Executor, fn Func) (err error) {
	if ex.IsOwner(ctx) {
		return fn(ctx)
	}

	f, resolve := future.New[struct{}]()
	ex.Post(func(ownerCtx context.Context) error {
		_, err := future.Run(func() (struct{}, error) {
			return struct{}{}, fn(ownerCtx)
		})
		resolve(struct{}{}, err)
		return nil
	})

	_, err = f.Wait(ctx)
	return err
}

// run calls fn with panic recovery.
func run(ctx context.Context, fn Func) (err error) {
	_, err = future.Run(func() (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
