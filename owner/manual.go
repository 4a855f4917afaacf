package owner

import (
	"context"
	"errors"
	"sync"
)

// Manual is an Executor driven by explicit Drain calls, for deterministic tests.
type Manual struct {
	lock   sync.Mutex
	posted []Func
}

func (m *Manual) IsOwner(ctx context.Context) bool {
	return isOwner(ctx, m)
}

func (m *Manual) Post(fn Func) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.posted = append(m.posted, fn)
}

// Context returns a context owned by this Manual.
func (m *Manual) Context(parent context.Context) (ctx context.Context) {
	return withOwner(parent, m)
}

// Pending returns the number of posted funcs not yet run.
func (m *Manual) Pending() (count int) {
	m.lock.Lock()
	defer m.lock.Unlock()
	return len(m.posted)
}

// Drain runs posted funcs on the caller until none are left, including those posted while draining.
// Returns every fault, joined.
func (m *Manual) Drain(parent context.Context) (err error) {
	ctx := m.Context(parent)
	var faults []error

	for {
		m.lock.Lock()
		batch := m.posted
		m.posted = nil
		m.lock.Unlock()

		if len(batch) == 0 {
			return errors.Join(faults...)
		}

		for _, fn := range batch {
			if err := run(ctx, fn); err != nil {
				faults = append(faults, err)
			}
		}
	}
}
