// Package pending holds mutations made away from the owner until they can be applied in a batch.
package pending

import (
	"context"
	"fmt"
	"slices"
)

// Kind is the type of deferred mutation held by an Action.
type Kind int

const (
	KindAdd Kind = iota
	KindRemove
	KindRemoveAt
	KindClear
	KindQuery
)

func (k Kind) String() string {
	switch k {
	case KindAdd:
		return "add"
	case KindRemove:
		return "remove"
	case KindRemoveAt:
		return "remove_at"
	case KindClear:
		return "clear"
	case KindQuery:
		return "query"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// QueryFunc runs on the owner with full visibility of everything queued before it.
type QueryFunc func(ctx context.Context) (err error)

// Action is one deferred mutation or query.
// It owns a private copy of its items, so callers may reuse their buffers once it is built.
type Action[T any] struct {
	kind  Kind
	items []T
	pos   int
	count int

	run  QueryFunc
	fail func(err error)
}

// Add builds an action appending items.
func Add[T any](items ...T) (a Action[T]) {
	return Action[T]{kind: KindAdd, items: slices.Clone(items)}
}

// Remove builds an action removing each of items.
func Remove[T any](items ...T) (a Action[T]) {
	return Action[T]{kind: KindRemove, items: slices.Clone(items)}
}

// RemoveAt builds an action removing up to count members starting at pos.
func RemoveAt[T any](pos, count int) (a Action[T]) {
	return Action[T]{kind: KindRemoveAt, pos: pos, count: count}
}

// Clear builds an action which discards everything.
func Clear[T any]() (a Action[T]) {
	return Action[T]{kind: KindClear}
}

// Query builds an action which calls run on the owner.
// If the batch faults before run is reached, fail is called instead.
func Query[T any](run QueryFunc, fail func(err error)) (a Action[T]) {
	return Action[T]{kind: KindQuery, run: run, fail: fail}
}

func (a Action[T]) Kind() (k Kind) {
	return a.kind
}

// Items returns the action's private items. The caller must not modify them.
func (a Action[T]) Items() (items []T) {
	return a.items
}

// Range returns the position and count of a KindRemoveAt action.
func (a Action[T]) Range() (pos, count int) {
	return a.pos, a.count
}

// Run runs a KindQuery action.
func (a Action[T]) Run(ctx context.Context) (err error) {
	if a.run == nil {
		return fmt.Errorf("action %v is not a query", a.kind)
	}
	return a.run(ctx)
}

// Fail tells the waiter of a KindQuery action that it will never run.
func (a Action[T]) Fail(err error) {
	if a.fail != nil {
		a.fail(err)
	}
}

// Next returns the forecast size of a collection of size count after this action is applied.
func (a Action[T]) Next(count int) (next int) {
	switch a.kind {
	case KindAdd:
		next = count + len(a.items)
	case KindRemove:
		next = count - len(a.items)
	case KindRemoveAt:
		next = count - min(max(count-a.pos, 0), a.count)
	case KindClear:
		next = 0
	default:
		next = count
	}
	return max(next, 0)
}
