package pending

import (
	"fmt"

	"github.com/samthor/ownedset/future"
)

// Plan is the apply-list built from one drained batch.
type Plan[T any] struct {
	// Clear is set if the store must be cleared before any step is applied.
	Clear bool

	// Steps are the surviving actions, in queue order. Never contains KindClear.
	Steps []Action[T]

	// Dropped counts mutations discarded by a later Clear in the same batch.
	Dropped int

	// Fault is set if building stopped early. Steps holds what was accumulated before it.
	Fault error

	// Unbuilt holds the actions from the fault onwards, which were never walked.
	Unbuilt []Action[T]
}

// Build walks a drained batch.
// Neighbouring adds, or neighbouring removes, are merged into one step so they apply and notify as one batch.
// A Clear discards every mutation accumulated before it, but not queries: those are kept so their waiters still wake.
func Build[T any](actions []Action[T]) (p Plan[T]) {
	var i int
	defer func() {
		if r := recover(); r != nil {
			p.Fault = &future.PanicError{Value: r}
			p.Unbuilt = actions[i:]
		}
	}()

	for ; i < len(actions); i++ {
		a := actions[i]

		switch a.kind {
		case KindAdd, KindRemove:
			if last := len(p.Steps) - 1; last >= 0 && p.Steps[last].kind == a.kind {
				p.Steps[last] = merge(p.Steps[last], a)
			} else {
				p.Steps = append(p.Steps, a)
			}

		case KindRemoveAt:
			p.Steps = append(p.Steps, a)

		case KindClear:
			kept := p.Steps[:0]
			for _, prev := range p.Steps {
				if prev.kind == KindQuery {
					kept = append(kept, prev)
				} else {
					p.Dropped++
				}
			}
			p.Steps = kept
			p.Clear = true

		case KindQuery:
			p.Steps = append(p.Steps, a)

		default:
			p.Fault = fmt.Errorf("unknown action: %v", a.kind)
			p.Unbuilt = actions[i:]
			return
		}
	}

	return
}

// merge joins two actions of the same kind into a new action, leaving both untouched.
func merge[T any](a, b Action[T]) (out Action[T]) {
	items := make([]T, 0, len(a.items)+len(b.items))
	items = append(items, a.items...)
	items = append(items, b.items...)
	return Action[T]{kind: a.kind, items: items}
}
