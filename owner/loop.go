package owner

import (
	"context"
	"errors"
	"log"
	"sync"
)

var (
	ErrAlreadyRunning = errors.New("loop already running")
)

type LoopOpts struct {
	// Fault receives errors returned by posted funcs. Defaults to logging them.
	Fault func(err error) `json:"-"`

	// StopOnFault makes Run return the first fault.
	StopOnFault bool `json:"stopOnFault,omitempty"`
}

func (o *LoopOpts) setDefaults() {
	if o.Fault == nil {
		o.Fault = func(err error) {
			log.Printf("owner loop fault: %v", err)
		}
	}
}

// Loop is an Executor whose owner is the goroutine inside Run.
// Posts are kept in an unbounded FIFO, including posts made before Run is called.
type Loop struct {
	opts LoopOpts

	cond    *sync.Cond
	posted  []Func
	running bool
}

// NewLoop builds a new Loop. A nil opts uses defaults.
func NewLoop(opts *LoopOpts) (l *Loop) {
	var o LoopOpts
	if opts != nil {
		o = *opts
	}
	o.setDefaults()

	return &Loop{
		opts: o,
		cond: sync.NewCond(&sync.Mutex{}),
	}
}

func (l *Loop) IsOwner(ctx context.Context) bool {
	return isOwner(ctx, l)
}

func (l *Loop) Post(fn Func) {
	l.cond.L.Lock()
	defer l.cond.L.Unlock()

	l.posted = append(l.posted, fn)
	l.cond.Signal()
}

// Pending returns the number of posted funcs not yet run.
func (l *Loop) Pending() (count int) {
	l.cond.L.Lock()
	defer l.cond.L.Unlock()
	return len(l.posted)
}

// Run makes the calling goroutine the owner until ctx is done.
// Funcs still posted when ctx is done stay queued for a later Run.
func (l *Loop) Run(ctx context.Context) (err error) {
	l.cond.L.Lock()
	if l.running {
		l.cond.L.Unlock()
		return ErrAlreadyRunning
	}
	l.running = true
	l.cond.L.Unlock()

	defer func() {
		l.cond.L.Lock()
		l.running = false
		l.cond.L.Unlock()
	}()

	stop := context.AfterFunc(ctx, func() {
		l.cond.L.Lock()
		defer l.cond.L.Unlock()
		l.cond.Broadcast()
	})
	defer stop()

	ownerCtx := withOwner(ctx, l)

	for {
		fn, ok := l.next(ctx)
		if !ok {
			return context.Cause(ctx)
		}

		err := run(ownerCtx, fn)
		if err == nil {
			continue
		}
		l.opts.Fault(err)
		if l.opts.StopOnFault {
			return err
		}
	}
}

// next waits for the next posted func, returning false once ctx is done.
func (l *Loop) next(ctx context.Context) (fn Func, ok bool) {
	l.cond.L.Lock()
	defer l.cond.L.Unlock()

	for {
		if ctx.Err() != nil {
			return nil, false
		}
		if len(l.posted) > 0 {
			break
		}
		l.cond.Wait()
	}

	fn = l.posted[0]
	l.posted[0] = nil
	l.posted = l.posted[1:]
	return fn, true
}
