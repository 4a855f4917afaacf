package dispatch

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/samthor/ownedset/debounce"
	"github.com/samthor/ownedset/indexset"
	"github.com/samthor/ownedset/observe"
	"github.com/samthor/ownedset/owner"
)

type harness struct {
	ex    *owner.Manual
	timer *debounce.Manual
	store *indexset.Set[string]
	d     *Dispatcher[string]
	own   context.Context // owner context
	log   []string
}

func newHarness(t *testing.T, setOpts *indexset.Options, opts *Options) (h *harness) {
	if setOpts == nil {
		setOpts = &indexset.Options{Indexing: true}
	}
	if opts == nil {
		opts = &Options{}
	}

	h = &harness{
		ex:    &owner.Manual{},
		timer: &debounce.Manual{},
		store: indexset.New[string](setOpts),
	}
	opts.Timer = h.timer
	h.d = New[string](h.ex, h.store, opts)
	h.own = h.ex.Context(t.Context())

	h.d.Observe(observe.Funcs[string]{
		OnAdded:   func(items []string, at int) { h.log = append(h.log, fmt.Sprintf("+%v@%d", items, at)) },
		OnRemoved: func(items []string, at int) { h.log = append(h.log, fmt.Sprintf("-%v@%d", items, at)) },
		OnReset:   func() { h.log = append(h.log, "reset") },
	})
	return h
}

// flush fires the debounce timer and runs what it posts to the owner.
func (h *harness) flush(t *testing.T) (err error) {
	h.timer.Fire()
	return h.ex.Drain(t.Context())
}

// offOwner runs fn on another goroutine and waits for it.
func offOwner(fn func(ctx context.Context)) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		fn(context.Background())
	}()
	wg.Wait()
}

func waitQueued(t *testing.T, d *Dispatcher[string], n int) {
	deadline := time.Now().Add(time.Second)
	for d.queue.Len() < n {
		if time.Now().After(deadline) {
			t.Fatalf("never got %d queued actions, have: %d", n, d.queue.Len())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestOwnerScenario(t *testing.T) {
	h := newHarness(t, nil, nil)

	for _, v := range []string{"A", "B", "C"} {
		if err := h.d.Add(h.own, v); err != nil {
			t.Fatalf("bad add: %v", err)
		}
	}

	if count, _ := h.d.Count(h.own); count != 3 {
		t.Errorf("expected 3, was: %v", count)
	}
	if pos, _ := h.d.IndexOf(h.own, "B"); pos != 1 {
		t.Errorf("expected B at 1, was: %v", pos)
	}
	if h.timer.Pending() != 0 {
		t.Errorf("owner calls must not arm a flush")
	}

	h.log = nil
	offOwner(func(ctx context.Context) {
		ok, err := h.d.Remove(ctx, "B")
		if !ok || err != nil {
			t.Errorf("deferred remove should report true, got %v %v", ok, err)
		}
	})

	if snap, _ := h.d.Snapshot(h.own); !reflect.DeepEqual(snap, []string{"A", "B", "C"}) {
		t.Errorf("remove must not apply before flush: %v", snap)
	}
	if h.d.PendingCount() != 2 {
		t.Errorf("pending count should forecast 2, was: %v", h.d.PendingCount())
	}

	if err := h.flush(t); err != nil {
		t.Fatalf("bad flush: %v", err)
	}

	if snap, _ := h.d.Snapshot(h.own); !reflect.DeepEqual(snap, []string{"A", "C"}) {
		t.Errorf("bad state: %v", snap)
	}
	if pos, _ := h.d.IndexOf(h.own, "C"); pos != 1 {
		t.Errorf("expected C at 1, was: %v", pos)
	}
	if !reflect.DeepEqual(h.log, []string{"-[B]@1"}) {
		t.Errorf("expected single removed notification, was: %v", h.log)
	}
}

func TestBatchedAdds(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := newHarness(t, nil, &Options{Name: "batch", Registerer: reg})

	var expected []string
	offOwner(func(ctx context.Context) {
		for i := range 20 {
			v := fmt.Sprintf("v%02d", i)
			expected = append(expected, v)
			h.d.Add(ctx, v)
		}
	})

	if h.timer.Pending() != 1 {
		t.Errorf("expected a single armed timer, was: %v", h.timer.Pending())
	}
	if !reflect.DeepEqual(h.timer.Delays(), []time.Duration{DefaultDebounce}) {
		t.Errorf("bad delays: %v", h.timer.Delays())
	}
	if h.d.PendingCount() != 20 {
		t.Errorf("bad pending count: %v", h.d.PendingCount())
	}

	if err := h.flush(t); err != nil {
		t.Fatalf("bad flush: %v", err)
	}

	if !reflect.DeepEqual(h.log, []string{fmt.Sprintf("+%v@0", expected)}) {
		t.Errorf("expected one aggregated add, was: %v", h.log)
	}
	if snap, _ := h.d.Snapshot(h.own); !reflect.DeepEqual(snap, expected) {
		t.Errorf("bad order: %v", snap)
	}

	if v := testutil.ToFloat64(h.d.metrics.flushes); v != 1 {
		t.Errorf("expected one flush, was: %v", v)
	}
	if v := testutil.ToFloat64(h.d.metrics.actions.WithLabelValues("add")); v != 20 {
		t.Errorf("expected 20 add actions, was: %v", v)
	}

	// the next deferred call arms a new window
	offOwner(func(ctx context.Context) { h.d.Add(ctx, "late") })
	if h.timer.Pending() != 1 {
		t.Errorf("expected rearm after flush")
	}
}

func TestClearDiscards(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.d.Add(h.own, "old")
	h.log = nil

	offOwner(func(ctx context.Context) {
		h.d.AddRange(ctx, []string{"a", "b"})
		h.d.AddRange(ctx, []string{"c"})
		h.d.Clear(ctx)
		h.d.AddRange(ctx, []string{"d"})
	})

	if h.d.PendingCount() != 1 {
		t.Errorf("forecast after clear should be 1, was: %v", h.d.PendingCount())
	}

	if err := h.flush(t); err != nil {
		t.Fatalf("bad flush: %v", err)
	}

	if snap, _ := h.d.Snapshot(h.own); !reflect.DeepEqual(snap, []string{"d"}) {
		t.Errorf("only the last add should survive: %v", snap)
	}
	if !reflect.DeepEqual(h.log, []string{"reset", "+[d]@0"}) {
		t.Errorf("earlier adds must never be visible: %v", h.log)
	}
}

func TestDefensiveSnapshot(t *testing.T) {
	h := newHarness(t, nil, nil)

	buf := []string{"x", "y"}
	offOwner(func(ctx context.Context) {
		h.d.AddRange(ctx, buf)
		buf[0] = "mutated"
	})

	h.flush(t)
	if snap, _ := h.d.Snapshot(h.own); !reflect.DeepEqual(snap, []string{"x", "y"}) {
		t.Errorf("queued action must not see later buffer writes: %v", snap)
	}
}

func TestSyncCount(t *testing.T) {
	h := newHarness(t, nil, nil)

	offOwner(func(ctx context.Context) {
		for i := range 5 {
			h.d.Add(ctx, fmt.Sprint(i))
		}
	})

	type result struct {
		count int
		err   error
	}
	resCh := make(chan result, 1)
	go func() {
		count, err := Sync(context.Background(), h.d, func(ctx context.Context) (int, error) {
			return h.d.Count(ctx)
		})
		resCh <- result{count, err}
	}()

	waitQueued(t, h.d, 6)
	select {
	case <-resCh:
		t.Fatalf("Sync must wait for the flush")
	default:
	}

	if err := h.flush(t); err != nil {
		t.Fatalf("bad flush: %v", err)
	}

	select {
	case res := <-resCh:
		if res.err != nil || res.count != 5 {
			t.Errorf("expected authoritative count 5, was: %+v", res)
		}
	case <-time.After(time.Second):
		t.Fatal("Sync never returned")
	}

	// on the owner it runs inline
	count, err := Sync(h.own, h.d, func(ctx context.Context) (int, error) {
		return h.d.Count(ctx)
	})
	if count != 5 || err != nil {
		t.Errorf("inline sync failed: %v %v", count, err)
	}
	if h.timer.Pending() != 0 {
		t.Errorf("inline sync must not queue")
	}
}

func TestSyncCancel(t *testing.T) {
	h := newHarness(t, nil, nil)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	ran := false
	_, err := Sync(ctx, h.d, func(ctx context.Context) (int, error) {
		ran = true
		return 0, nil
	})
	if err != context.Canceled {
		t.Errorf("expected Canceled, was: %v", err)
	}

	// the query still runs later, nobody is listening
	h.flush(t)
	if !ran {
		t.Errorf("query should still run on flush")
	}
}

func TestOffOwnerReads(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.d.Add(h.own, "a")

	offOwner(func(ctx context.Context) {
		if _, err := h.d.Count(ctx); !errors.Is(err, ErrInvalidState) {
			t.Errorf("Count: expected ErrInvalidState, was: %v", err)
		}
		if _, err := h.d.Get(ctx, 0); !errors.Is(err, ErrInvalidState) {
			t.Errorf("Get: expected ErrInvalidState, was: %v", err)
		}
		if _, err := h.d.IndexOf(ctx, "a"); !errors.Is(err, ErrInvalidState) {
			t.Errorf("IndexOf: expected ErrInvalidState, was: %v", err)
		}
		if _, err := h.d.Contains(ctx, "a"); !errors.Is(err, ErrInvalidState) {
			t.Errorf("Contains: expected ErrInvalidState, was: %v", err)
		}
		if _, err := h.d.Snapshot(ctx); !errors.Is(err, ErrInvalidState) {
			t.Errorf("Snapshot: expected ErrInvalidState, was: %v", err)
		}
		if err := h.d.Flush(ctx); !errors.Is(err, ErrInvalidState) {
			t.Errorf("Flush: expected ErrInvalidState, was: %v", err)
		}
		if h.d.PendingCount() != 1 {
			t.Errorf("pending count is readable anywhere")
		}
	})
}

func TestIndexingDisabled(t *testing.T) {
	h := newHarness(t, &indexset.Options{}, nil)
	h.d.AddRange(h.own, []string{"a", "b"})

	if _, err := h.d.Get(h.own, 0); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, was: %v", err)
	}
	if has, _ := h.d.Contains(h.own, "b"); !has {
		t.Errorf("membership must still work")
	}

	h.log = nil
	h.d.Remove(h.own, "a")
	if !reflect.DeepEqual(h.log, []string{"-[a]@-1"}) {
		t.Errorf("unindexed removal has no position: %v", h.log)
	}
}

func TestRemoveRange(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.d.AddRange(h.own, []string{"a", "b", "c", "d", "e"})

	if _, err := h.d.RemoveRange(h.own, -1, 1); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("expected ErrOutOfRange, was: %v", err)
	}
	if _, err := h.d.RemoveRange(h.own, 0, 0); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("expected ErrOutOfRange, was: %v", err)
	}

	offOwner(func(ctx context.Context) {
		removed, err := h.d.RemoveRange(ctx, 3, 10)
		if removed != 2 || err != nil {
			t.Errorf("expected estimate of 2, was: %v %v", removed, err)
		}
	})

	h.log = nil
	h.flush(t)
	if snap, _ := h.d.Snapshot(h.own); !reflect.DeepEqual(snap, []string{"a", "b", "c"}) {
		t.Errorf("bad state: %v", snap)
	}
	if !reflect.DeepEqual(h.log, []string{"-[d e]@3"}) {
		t.Errorf("bad log: %v", h.log)
	}

	removed, err := h.d.RemoveRange(h.own, 1, 1)
	if removed != 1 || err != nil {
		t.Errorf("bad owner remove: %v %v", removed, err)
	}
}

func TestRemoveRuns(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.d.AddRange(h.own, []string{"a", "b", "c", "d", "e", "f"})
	h.log = nil

	h.d.RemoveItems(h.own, []string{"e", "b", "c", "zzz"})

	if !reflect.DeepEqual(h.log, []string{"-[b c]@1", "-[e]@2"}) {
		t.Errorf("bad runs: %v", h.log)
	}
}

func TestFault(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := newHarness(t, &indexset.Options{Indexing: true, Duplicates: indexset.FailDuplicates}, &Options{Registerer: reg})

	if err := h.d.Add(h.own, "1"); err != nil {
		t.Fatalf("bad add: %v", err)
	}
	if err := h.d.Add(h.own, "1"); !errors.Is(err, ErrDuplicate) {
		t.Errorf("owner duplicate must fail synchronously, was: %v", err)
	}

	offOwner(func(ctx context.Context) {
		h.d.Add(ctx, "2")
		h.d.Add(ctx, "1") // merged with "2", faults after adding it
		h.d.RemoveRange(ctx, 0, 1)
	})

	errCh := make(chan error, 1)
	go func() {
		_, err := Sync(context.Background(), h.d, func(ctx context.Context) (int, error) {
			return h.d.Count(ctx)
		})
		errCh <- err
	}()
	waitQueued(t, h.d, 4)

	err := h.flush(t)

	var awf *AppliedWithFaultError
	if !errors.As(err, &awf) {
		t.Fatalf("expected AppliedWithFaultError on owner, was: %v", err)
	}
	if awf.Applied != 0 || awf.Skipped != 3 {
		t.Errorf("bad counts: %+v", awf)
	}
	if !errors.Is(err, ErrDuplicate) {
		t.Errorf("fault should wrap ErrDuplicate: %v", err)
	}

	select {
	case syncErr := <-errCh:
		if !errors.As(syncErr, &awf) {
			t.Errorf("Sync caller should get the fault, was: %v", syncErr)
		}
	case <-time.After(time.Second):
		t.Fatal("stranded Sync never woke")
	}

	if snap, _ := h.d.Snapshot(h.own); !reflect.DeepEqual(snap, []string{"1", "2"}) {
		t.Errorf("partial apply should have kept 2: %v", snap)
	}
	if err := h.store.Check(); err != nil {
		t.Errorf("density broken after fault: %v", err)
	}
	if h.d.PendingCount() != 2 {
		t.Errorf("pending count should settle to store, was: %v", h.d.PendingCount())
	}
	if v := testutil.ToFloat64(h.d.metrics.faults); v != 1 {
		t.Errorf("expected fault metric, was: %v", v)
	}
}

func TestObserverPanic(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.d.Observe(observe.Funcs[string]{
		OnAdded: func(items []string, at int) { panic("observer blew up") },
	})

	offOwner(func(ctx context.Context) { h.d.Add(ctx, "a") })

	var awf *AppliedWithFaultError
	if err := h.flush(t); !errors.As(err, &awf) {
		t.Errorf("observer panic should be a fault, was: %v", err)
	}
	if count, _ := h.d.Count(h.own); count != 1 {
		t.Errorf("add happened before the panic, count: %v", count)
	}
}

// syncCount queues a Sync for the count and waits until it sits in the queue.
func syncCount(t *testing.T, h *harness, queued int) (errCh <-chan error, countCh <-chan int) {
	ec := make(chan error, 1)
	cc := make(chan int, 1)
	go func() {
		count, err := Sync(context.Background(), h.d, func(ctx context.Context) (int, error) {
			return h.d.Count(ctx)
		})
		cc <- count
		ec <- err
	}()
	waitQueued(t, h.d, queued)
	return ec, cc
}

func TestResetPanic(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.d.Add(h.own, "old")
	h.d.Observe(observe.Funcs[string]{
		OnReset: func() { panic("reset observer") },
	})

	offOwner(func(ctx context.Context) {
		h.d.Clear(ctx)
		h.d.Add(ctx, "a")
	})
	errCh, _ := syncCount(t, h, 3)

	err := h.flush(t)

	var awf *AppliedWithFaultError
	if !errors.As(err, &awf) {
		t.Fatalf("expected AppliedWithFaultError on owner, was: %v", err)
	}
	if awf.Applied != 0 || awf.Skipped != 2 {
		t.Errorf("bad counts: %+v", awf)
	}

	select {
	case syncErr := <-errCh:
		if !errors.As(syncErr, &awf) {
			t.Errorf("Sync caller should get the fault, was: %v", syncErr)
		}
	case <-time.After(time.Second):
		t.Fatal("Sync caller never woke")
	}

	if count, _ := h.d.Count(h.own); count != 0 {
		t.Errorf("store was cleared before the panic, count: %v", count)
	}
	if h.d.PendingCount() != 0 {
		t.Errorf("pending count should settle, was: %v", h.d.PendingCount())
	}
}

func TestHookPanic(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.d.OnFlush(func() { panic("before hook") }, nil)

	offOwner(func(ctx context.Context) { h.d.Add(ctx, "a") })
	errCh, _ := syncCount(t, h, 2)

	var awf *AppliedWithFaultError
	if err := h.flush(t); !errors.As(err, &awf) || awf.Skipped != 2 {
		t.Errorf("expected batch skipped with fault, was: %v", err)
	}
	select {
	case syncErr := <-errCh:
		if !errors.As(syncErr, &awf) {
			t.Errorf("Sync caller should get the fault, was: %v", syncErr)
		}
	case <-time.After(time.Second):
		t.Fatal("Sync caller never woke")
	}
	if count, _ := h.d.Count(h.own); count != 0 {
		t.Errorf("nothing should apply after a failed before hook, count: %v", count)
	}

	// a failing after hook still reports, but everything already applied
	h.d.OnFlush(nil, func() { panic("after hook") })
	offOwner(func(ctx context.Context) { h.d.Add(ctx, "b") })
	errCh, countCh := syncCount(t, h, 2)

	if err := h.flush(t); !errors.As(err, &awf) || awf.Applied != 2 {
		t.Errorf("expected applied batch with fault, was: %v", err)
	}
	if err := <-errCh; err != nil || <-countCh != 1 {
		t.Errorf("query ran before the after hook, err: %v", err)
	}
}

func TestSyncBeforeClear(t *testing.T) {
	h := newHarness(t, nil, nil)

	offOwner(func(ctx context.Context) { h.d.Add(ctx, "x") })
	errCh, countCh := syncCount(t, h, 2)
	offOwner(func(ctx context.Context) { h.d.Clear(ctx) })

	if err := h.flush(t); err != nil {
		t.Fatalf("bad flush: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Errorf("bad sync: %v", err)
	}
	if count := <-countCh; count != 0 {
		t.Errorf("a later clear discards earlier adds, count: %v", count)
	}
}

func TestMaxCount(t *testing.T) {
	h := newHarness(t, nil, &Options{MaxCount: 4})

	for i := 1; i <= 6; i++ {
		h.d.Add(h.own, fmt.Sprint(i))
	}
	if count, _ := h.d.Count(h.own); count != 6 {
		t.Errorf("no trim until past 1.5x, count: %v", count)
	}

	h.log = nil
	h.d.Add(h.own, "7")

	if snap, _ := h.d.Snapshot(h.own); !reflect.DeepEqual(snap, []string{"4", "5", "6", "7"}) {
		t.Errorf("bad trim: %v", snap)
	}
	if !reflect.DeepEqual(h.log, []string{"+[7]@6", "-[1 2 3]@0"}) {
		t.Errorf("bad log: %v", h.log)
	}
}

func TestFlushEarly(t *testing.T) {
	h := newHarness(t, nil, nil)

	var hooks []string
	h.d.OnFlush(func() { hooks = append(hooks, "before") }, func() { hooks = append(hooks, "after") })

	offOwner(func(ctx context.Context) { h.d.Add(ctx, "a") })

	if err := h.d.Flush(h.own); err != nil {
		t.Fatalf("bad flush: %v", err)
	}
	if count, _ := h.d.Count(h.own); count != 1 {
		t.Errorf("flush should apply immediately")
	}

	h.log = nil
	h.flush(t) // timer still fires, nothing left
	if len(h.log) != 0 {
		t.Errorf("late timer should find nothing: %v", h.log)
	}
	if !reflect.DeepEqual(hooks, []string{"before", "after"}) {
		t.Errorf("bad hooks: %v", hooks)
	}
}

func TestMaxCountNeedsIndex(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("MaxCount without positions must be rejected")
		}
	}()
	newHarness(t, &indexset.Options{}, &Options{MaxCount: 4})
}

type elementLog struct {
	calls []string
}

func (e *elementLog) AddedOne(item string, at int) {
	e.calls = append(e.calls, fmt.Sprintf("+%s@%d", item, at))
}

func (e *elementLog) RemovedOne(item string, at int) {
	e.calls = append(e.calls, fmt.Sprintf("-%s@%d", item, at))
}

func (e *elementLog) Reset() {
	e.calls = append(e.calls, "reset")
}

func TestPerElementObserver(t *testing.T) {
	h := newHarness(t, nil, nil)

	el := &elementLog{}
	h.d.Observe(observe.PerElement[string](el, 3))

	offOwner(func(ctx context.Context) {
		h.d.AddRange(ctx, []string{"a", "b"})
	})
	h.flush(t)

	offOwner(func(ctx context.Context) {
		h.d.AddRange(ctx, []string{"c", "d", "e"})
	})
	h.flush(t)

	expected := []string{"+a@0", "+b@1", "reset"}
	if !reflect.DeepEqual(el.calls, expected) {
		t.Errorf("bad calls: %v", el.calls)
	}
}
