// Package dispatch keeps an ordered collection owned by a single execution context, while allowing mutation from anywhere.
//
// Calls made with a context owned by the Dispatcher's owner.Executor apply immediately.
// Calls made from elsewhere are queued, and applied together on the owner one debounce window after the first of them.
// Reads from elsewhere fail with ErrInvalidState: use Sync to read authoritative state.
//
// Faults while applying a deferred batch surface on the owner (as the error of the posted func) and to any Sync caller in that batch.
// Callers of the non-blocking mutations cannot observe them.
package dispatch

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/samthor/ownedset/debounce"
	"github.com/samthor/ownedset/indexset"
)

var (
	ErrDuplicate    = indexset.ErrDuplicate
	ErrOutOfRange   = indexset.ErrOutOfRange
	ErrInvalidState = indexset.ErrInvalidState

	errNotOwner = fmt.Errorf("%w: not on owner, use Sync", ErrInvalidState)
)

const (
	DefaultDebounce = debounce.DefaultWindow
)

// Store is the backing collection. It is only touched on the owner.
// *indexset.Set satisfies it.
type Store[T comparable] interface {
	AddRange(items []T) (added []T, at int, err error)
	RemoveItems(items []T) (removed []T, positions []int)
	RemoveRange(pos, count int) (removed []T, err error)
	IndexOf(item T) (pos int, err error)
	Get(pos int) (item T, err error)
	Contains(item T) bool
	Len() int
	Clear()
	Snapshot() []T
}

type Options struct {
	// Name labels this Dispatcher's metrics.
	Name string `json:"name,omitempty"`

	// Debounce is the delay between the first deferred call and its flush.
	Debounce time.Duration `json:"debounce,omitempty"`

	// MaxCount trims the oldest members once the collection grows past 1.5x this size.
	// Zero disables trimming. Needs a Store with positions.
	MaxCount int `json:"maxCount,omitempty"`

	// Timer schedules flushes, defaults to the real clock.
	Timer debounce.Timer `json:"-"`

	// Registerer receives the metrics, if set.
	Registerer prometheus.Registerer `json:"-"`
}

func (o *Options) setDefaults() {
	if o.Debounce <= 0 {
		o.Debounce = DefaultDebounce
	}
	if o.Timer == nil {
		o.Timer = debounce.Clock{}
	}
	if o.Name == "" {
		o.Name = "default"
	}
}

// AppliedWithFaultError is returned on the owner when a deferred batch faulted.
// Steps applied before the fault stay applied.
type AppliedWithFaultError struct {
	Applied int
	Skipped int
	Err     error
}

func (a *AppliedWithFaultError) Error() string {
	return fmt.Sprintf("batch applied with fault (applied=%d skipped=%d): %v", a.Applied, a.Skipped, a.Err)
}

func (a *AppliedWithFaultError) Unwrap() error {
	return a.Err
}
