// Package observe describes batched change notifications for ordered collections.
package observe

import (
	"sync"
)

const (
	// DefaultThreshold is the batch size from which PerElement reports a Reset instead.
	DefaultThreshold = 10
)

// Observer receives one call per applied batch, never one per element.
// Positions refer to the collection as it was at the time of the call; at is -1 if the collection keeps no positions.
type Observer[T any] interface {
	// Added reports items now living at [at,at+len(items)).
	Added(items []T, at int)

	// Removed reports items which lived at [at,at+len(items)) before removal.
	Removed(items []T, at int)

	// Reset reports that any view of the collection must be rebuilt from scratch.
	Reset()
}

// Funcs adapts optional funcs to Observer.
type Funcs[T any] struct {
	OnAdded   func(items []T, at int)
	OnRemoved func(items []T, at int)
	OnReset   func()
}

func (f Funcs[T]) Added(items []T, at int) {
	if f.OnAdded != nil {
		f.OnAdded(items, at)
	}
}

func (f Funcs[T]) Removed(items []T, at int) {
	if f.OnRemoved != nil {
		f.OnRemoved(items, at)
	}
}

func (f Funcs[T]) Reset() {
	if f.OnReset != nil {
		f.OnReset()
	}
}

// ElementObserver is for consumers which cannot handle bulk deltas.
type ElementObserver[T any] interface {
	AddedOne(item T, at int)
	RemovedOne(item T, at int)
	Reset()
}

// PerElement expands batches for an ElementObserver.
// Batches smaller than threshold become one call per element; anything larger becomes a single Reset.
// A threshold <= 0 uses DefaultThreshold.
func PerElement[T any](obs ElementObserver[T], threshold int) (out Observer[T]) {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &perElement[T]{obs: obs, threshold: threshold}
}

type perElement[T any] struct {
	obs       ElementObserver[T]
	threshold int
}

func (p *perElement[T]) Added(items []T, at int) {
	if len(items) >= p.threshold {
		p.obs.Reset()
		return
	}
	for i, item := range items {
		if at < 0 {
			p.obs.AddedOne(item, at)
		} else {
			p.obs.AddedOne(item, at+i)
		}
	}
}

func (p *perElement[T]) Removed(items []T, at int) {
	if len(items) >= p.threshold {
		p.obs.Reset()
		return
	}
	// each removal closes the gap, so every element is removed from the same position
	for _, item := range items {
		p.obs.RemovedOne(item, at)
	}
}

func (p *perElement[T]) Reset() {
	p.obs.Reset()
}

// Multi fans notifications out to registered observers, in registration order.
// The zero Multi is ready to use.
type Multi[T any] struct {
	lock    sync.Mutex
	nextID  int
	entries []multiEntry[T]
}

type multiEntry[T any] struct {
	id  int
	obs Observer[T]
}

// Add registers obs, returning a func to remove it again.
func (m *Multi[T]) Add(obs Observer[T]) (remove func()) {
	m.lock.Lock()
	defer m.lock.Unlock()

	id := m.nextID
	m.nextID++
	m.entries = append(m.entries, multiEntry[T]{id: id, obs: obs})

	return func() {
		m.lock.Lock()
		defer m.lock.Unlock()

		for i, e := range m.entries {
			if e.id == id {
				m.entries = append(m.entries[:i:i], m.entries[i+1:]...)
				return
			}
		}
	}
}

// Len returns the number of registered observers.
func (m *Multi[T]) Len() (count int) {
	m.lock.Lock()
	defer m.lock.Unlock()
	return len(m.entries)
}

func (m *Multi[T]) snapshot() (out []Observer[T]) {
	m.lock.Lock()
	defer m.lock.Unlock()

	out = make([]Observer[T], len(m.entries))
	for i, e := range m.entries {
		out[i] = e.obs
	}
	return out
}

func (m *Multi[T]) Added(items []T, at int) {
	if len(items) == 0 {
		return
	}
	for _, obs := range m.snapshot() {
		obs.Added(items, at)
	}
}

func (m *Multi[T]) Removed(items []T, at int) {
	if len(items) == 0 {
		return
	}
	for _, obs := range m.snapshot() {
		obs.Removed(items, at)
	}
}

func (m *Multi[T]) Reset() {
	for _, obs := range m.snapshot() {
		obs.Reset()
	}
}
