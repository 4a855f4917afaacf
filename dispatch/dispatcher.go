package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/samthor/ownedset/debounce"
	"github.com/samthor/ownedset/future"
	"github.com/samthor/ownedset/observe"
	"github.com/samthor/ownedset/owner"
	"github.com/samthor/ownedset/pending"
)

// Dispatcher is an ordered collection owned by an owner.Executor.
type Dispatcher[T comparable] struct {
	ex    owner.Executor
	store Store[T]
	opts  Options

	queue     pending.Queue[T]
	sched     *debounce.Scheduler
	observers observe.Multi[T]
	metrics   *metrics

	hookLock sync.Mutex
	before   func()
	after    func()
}

// New builds a Dispatcher over store, owned by ex.
// The store must not be touched other than via the returned Dispatcher.
// A MaxCount over a Store which reports Indexing() == false panics, as it could never trim.
// A nil opts uses defaults.
func New[T comparable](ex owner.Executor, store Store[T], opts *Options) (d *Dispatcher[T]) {
	if ex == nil || store == nil {
		panic("dispatch: executor and store are required")
	}
	if opts != nil && opts.MaxCount > 0 {
		if ix, ok := store.(interface{ Indexing() bool }); ok && !ix.Indexing() {
			panic("dispatch: MaxCount needs a Store with positions")
		}
	}

	var o Options
	if opts != nil {
		o = *opts
	}
	o.setDefaults()

	d = &Dispatcher[T]{
		ex:      ex,
		store:   store,
		opts:    o,
		sched:   debounce.New(o.Debounce, o.Timer),
		metrics: newMetrics(o.Name, o.Registerer),
	}
	d.queue.Settle(store.Len())
	return d
}

// Observe registers obs for batched change notifications, delivered on the owner.
func (d *Dispatcher[T]) Observe(obs observe.Observer[T]) (stop func()) {
	return d.observers.Add(obs)
}

// OnFlush sets funcs run on the owner before and after each deferred batch is applied.
// Either may be nil.
func (d *Dispatcher[T]) OnFlush(before, after func()) {
	d.hookLock.Lock()
	defer d.hookLock.Unlock()
	d.before = before
	d.after = after
}

func (d *Dispatcher[T]) hooks() (before, after func()) {
	d.hookLock.Lock()
	defer d.hookLock.Unlock()
	return d.before, d.after
}

// Add adds the item. See AddRange.
func (d *Dispatcher[T]) Add(ctx context.Context, item T) (err error) {
	return d.AddRange(ctx, []T{item})
}

// AddRange appends items not already present.
// On the owner, a duplicate error from the store is returned directly. Elsewhere, the call is queued and returns nil.
func (d *Dispatcher[T]) AddRange(ctx context.Context, items []T) (err error) {
	if len(items) == 0 {
		return nil
	}
	if !d.ex.IsOwner(ctx) {
		d.enqueue(pending.Add(items...))
		return nil
	}

	err = d.addRange(items)
	d.settle()
	return err
}

// Remove removes the item.
// Away from the owner this cannot know the outcome, and always returns true.
func (d *Dispatcher[T]) Remove(ctx context.Context, item T) (ok bool, err error) {
	if !d.ex.IsOwner(ctx) {
		d.enqueue(pending.Remove(item))
		return true, nil
	}

	removed := d.removeItems([]T{item})
	d.settle()
	return removed > 0, nil
}

// RemoveItems removes each present item.
func (d *Dispatcher[T]) RemoveItems(ctx context.Context, items []T) (err error) {
	if len(items) == 0 {
		return nil
	}
	if !d.ex.IsOwner(ctx) {
		d.enqueue(pending.Remove(items...))
		return nil
	}

	d.removeItems(items)
	d.settle()
	return nil
}

// RemoveRange removes up to count members starting at pos, returning how many were removed.
// Away from the owner the returned count is an estimate from the pending count, not what the flush eventually removes.
func (d *Dispatcher[T]) RemoveRange(ctx context.Context, pos, count int) (removed int, err error) {
	if pos < 0 || count <= 0 {
		return 0, fmt.Errorf("%w: remove %d+%d", ErrOutOfRange, pos, count)
	}
	if !d.ex.IsOwner(ctx) {
		delta := d.enqueue(pending.RemoveAt[T](pos, count))
		return -delta, nil
	}

	all, err := d.removeRange(pos, count)
	d.settle()
	return len(all), err
}

// Clear removes everything.
func (d *Dispatcher[T]) Clear(ctx context.Context) (err error) {
	if !d.ex.IsOwner(ctx) {
		d.enqueue(pending.Clear[T]())
		return nil
	}

	d.clear()
	d.settle()
	return nil
}

// IndexOf returns the position of item or -1. Owner only.
func (d *Dispatcher[T]) IndexOf(ctx context.Context, item T) (pos int, err error) {
	if !d.ex.IsOwner(ctx) {
		return -1, errNotOwner
	}
	return d.store.IndexOf(item)
}

// Get returns the member at pos. Owner only.
func (d *Dispatcher[T]) Get(ctx context.Context, pos int) (item T, err error) {
	if !d.ex.IsOwner(ctx) {
		return item, errNotOwner
	}
	return d.store.Get(pos)
}

// Contains returns whether item is present. Owner only.
func (d *Dispatcher[T]) Contains(ctx context.Context, item T) (has bool, err error) {
	if !d.ex.IsOwner(ctx) {
		return false, errNotOwner
	}
	return d.store.Contains(item), nil
}

// Count returns the authoritative size. Owner only: use PendingCount for a forecast from elsewhere.
func (d *Dispatcher[T]) Count(ctx context.Context) (count int, err error) {
	if !d.ex.IsOwner(ctx) {
		return 0, errNotOwner
	}
	return d.store.Len(), nil
}

// Snapshot copies the members out. Owner only.
func (d *Dispatcher[T]) Snapshot(ctx context.Context) (out []T, err error) {
	if !d.ex.IsOwner(ctx) {
		return nil, errNotOwner
	}
	return d.store.Snapshot(), nil
}

// PendingCount returns a forecast of the size once everything queued is applied.
// It never blocks and may be called from anywhere.
func (d *Dispatcher[T]) PendingCount() (count int) {
	return d.queue.Count()
}

// Flush applies everything queued right now. Owner only.
// A flush timer which is already armed still fires later, and finds less (or nothing) to do.
func (d *Dispatcher[T]) Flush(ctx context.Context) (err error) {
	if !d.ex.IsOwner(ctx) {
		return errNotOwner
	}
	return d.apply(ctx, pending.Build(d.queue.Drain()))
}

// Sync runs fn on the owner and returns its result.
// On the owner it runs inline. Elsewhere it is queued like a mutation and blocks until the flush which contains it:
// fn sees every mutation queued before it, except that a Clear queued later in the same batch discards those
// mutations before fn runs. Sync does not shorten the debounce window.
// If ctx is done first, Sync returns its error; fn may still run later.
func Sync[T comparable, R any](ctx context.Context, d *Dispatcher[T], fn func(ctx context.Context) (R, error)) (res R, err error) {
	if d.ex.IsOwner(ctx) {
		return fn(ctx)
	}

	f, resolve := future.New[R]()
	d.enqueue(pending.Query[T](func(ownerCtx context.Context) error {
		resolve(future.Run(func() (R, error) {
			return fn(ownerCtx)
		}))
		return nil
	}, func(err error) {
		var zero R
		resolve(zero, err)
	}))

	return f.Wait(ctx)
}

// enqueue queues a from away from the owner, scheduling a flush if it is the first of a batch.
func (d *Dispatcher[T]) enqueue(a pending.Action[T]) (delta int) {
	delta, arm := d.queue.Push(a)

	d.metrics.actions.WithLabelValues(a.Kind().String()).Inc()
	d.metrics.pending.Set(float64(d.queue.Count()))

	if arm {
		d.sched.Schedule(d.flush)
	}
	return delta
}

// flush runs on the timer: it takes the batch and posts it to the owner.
func (d *Dispatcher[T]) flush() {
	plan := pending.Build(d.queue.Drain())

	d.ex.Post(func(ctx context.Context) error {
		return d.apply(ctx, plan)
	})
}

// apply runs on the owner.
// Any panic or error, including from hooks and observers, becomes the batch fault: later steps are skipped
// and their queries failed, but the pending count is always settled.
func (d *Dispatcher[T]) apply(ctx context.Context, plan pending.Plan[T]) (err error) {
	if !plan.Clear && len(plan.Steps) == 0 && plan.Fault == nil {
		return nil
	}
	start := time.Now()

	var (
		applied  int
		skipped  int
		fault    error
		stranded []pending.Action[T]
	)

	before, after := d.hooks()
	if before != nil {
		fault = guard("before flush", func() error {
			before()
			return nil
		})
	}

	if plan.Clear && fault == nil {
		fault = guard("clear", func() error {
			d.clear()
			return nil
		})
	}

	for _, step := range plan.Steps {
		if fault != nil {
			skipped++
			if step.Kind() == pending.KindQuery {
				stranded = append(stranded, step)
			}
			continue
		}

		fault = guard(step.Kind().String(), func() error {
			return d.applyStep(ctx, step)
		})
		if fault != nil {
			skipped++
			continue
		}
		applied++
	}

	for _, a := range plan.Unbuilt {
		skipped++
		if a.Kind() == pending.KindQuery {
			stranded = append(stranded, a)
		}
	}

	if after != nil {
		afterFault := guard("after flush", func() error {
			after()
			return nil
		})
		if fault == nil {
			fault = afterFault
		} else if afterFault != nil {
			fault = errors.Join(fault, afterFault)
		}
	}
	d.settle()

	d.metrics.flushes.Inc()
	d.metrics.batchSize.Observe(float64(len(plan.Steps) + len(plan.Unbuilt)))
	d.metrics.duration.Observe(time.Since(start).Seconds())

	if plan.Fault == nil && fault == nil {
		return nil
	}
	d.metrics.faults.Inc()

	err = &AppliedWithFaultError{
		Applied: applied,
		Skipped: skipped,
		Err:     errors.Join(plan.Fault, fault),
	}
	for _, a := range stranded {
		a.Fail(err)
	}
	return err
}

// guard runs fn, converting a panic into an error, and labels any error with what.
func guard(what string, fn func() error) (err error) {
	_, err = future.Run(func() (struct{}, error) {
		return struct{}{}, fn()
	})
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	return nil
}

func (d *Dispatcher[T]) applyStep(ctx context.Context, step pending.Action[T]) (err error) {
	switch step.Kind() {
	case pending.KindAdd:
		return d.addRange(step.Items())
	case pending.KindRemove:
		d.removeItems(step.Items())
		return nil
	case pending.KindRemoveAt:
		_, err = d.removeRange(step.Range())
		return err
	case pending.KindQuery:
		return step.Run(ctx)
	}
	return fmt.Errorf("unexpected step: %v", step.Kind())
}

// settle resets the pending count from the store.
func (d *Dispatcher[T]) settle() {
	count := d.queue.Settle(d.store.Len())
	d.metrics.pending.Set(float64(count))
}

func (d *Dispatcher[T]) addRange(items []T) (err error) {
	added, at, err := d.store.AddRange(items)
	d.observers.Added(added, at)
	d.trim()
	return err
}

// removeItems removes items, reporting one Removed per run of neighbouring positions.
func (d *Dispatcher[T]) removeItems(items []T) (count int) {
	removed, positions := d.store.RemoveItems(items)
	if len(removed) == 0 {
		return 0
	}
	if positions == nil {
		d.observers.Removed(removed, -1)
		return len(removed)
	}

	// positions are ascending and pre-removal: earlier runs shift later ones down
	start := 0
	for i := 1; i <= len(positions); i++ {
		if i < len(positions) && positions[i] == positions[i-1]+1 {
			continue
		}
		d.observers.Removed(removed[start:i], positions[start]-start)
		start = i
	}
	return len(removed)
}

func (d *Dispatcher[T]) removeRange(pos, count int) (removed []T, err error) {
	removed, err = d.store.RemoveRange(pos, count)
	if err != nil {
		return nil, err
	}
	d.observers.Removed(removed, pos)
	return removed, nil
}

func (d *Dispatcher[T]) clear() {
	d.store.Clear()
	d.observers.Reset()
}

// trim drops the oldest members once the store is well past MaxCount.
func (d *Dispatcher[T]) trim() {
	limit := d.opts.MaxCount
	if limit <= 0 {
		return
	}

	n := d.store.Len()
	if n <= limit+limit/2 {
		return
	}
	if _, err := d.removeRange(0, n-limit); err != nil {
		log.Printf("dispatch %q: could not trim to %d: %v", d.opts.Name, limit, err)
	}
}
