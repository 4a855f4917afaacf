package indexset

import (
	"fmt"
	"iter"
	"slices"

	"github.com/samthor/ownedset/bimap"
)

// Set is a duplicate-free collection of T.
// With indexing enabled, every member also has a position in [0,Len()), assigned in insertion order.
// Mutations which move positions are O(n): this is intended for small batches.
//
// Set is not safe for concurrent use.
type Set[T comparable] struct {
	indexing bool
	policy   DuplicatePolicy

	members map[T]struct{}    // without indexing
	index   bimap.Map[int, T] // with indexing
}

// New builds a new Set. A nil opts is the same as the zero Options.
func New[T comparable](opts *Options) (s *Set[T]) {
	if opts == nil {
		opts = &Options{}
	}

	s = &Set[T]{
		indexing: opts.Indexing,
		policy:   opts.Duplicates,
	}
	if s.indexing {
		s.index.Reserve(opts.Capacity)
	} else {
		s.members = make(map[T]struct{}, opts.Capacity)
	}
	return s
}

// Indexing returns whether this Set keeps positions.
func (s *Set[T]) Indexing() (indexing bool) {
	return s.indexing
}

func (s *Set[T]) Len() (length int) {
	if s.indexing {
		return s.index.Len()
	}
	return len(s.members)
}

func (s *Set[T]) Contains(item T) (has bool) {
	if s.indexing {
		_, has = s.index.GetFar(item)
	} else {
		_, has = s.members[item]
	}
	return
}

func (s *Set[T]) duplicate(item T) (err error) {
	if s.policy == FailDuplicates {
		return fmt.Errorf("%w: %v", ErrDuplicate, item)
	}
	return nil
}

// TryAdd appends the item at position Len().
// Returns false if it was already present, with ErrDuplicate under FailDuplicates.
func (s *Set[T]) TryAdd(item T) (ok bool, err error) {
	if s.Contains(item) {
		return false, s.duplicate(item)
	}

	if s.indexing {
		s.index.Put(s.index.Len(), item)
	} else {
		s.members[item] = struct{}{}
	}
	return true, nil
}

// AddRange appends every item not already present, in order.
// The added items start at position at.
// Under FailDuplicates this stops at the first duplicate, keeping what was added before it.
func (s *Set[T]) AddRange(items []T) (added []T, at int, err error) {
	at = s.Len()
	added = make([]T, 0, len(items))

	for _, item := range items {
		ok, err := s.TryAdd(item)
		if err != nil {
			return added, at, err
		} else if ok {
			added = append(added, item)
		}
	}

	return added, at, nil
}

// InsertAt places the item at pos, moving every member at or after pos up by one.
func (s *Set[T]) InsertAt(pos int, item T) (ok bool, err error) {
	if !s.indexing {
		return false, errIndexing
	}

	n := s.index.Len()
	if pos < 0 || pos > n {
		return false, fmt.Errorf("%w: insert at %d (len=%d)", ErrOutOfRange, pos, n)
	}
	if s.Contains(item) {
		return false, s.duplicate(item)
	}

	for i := n - 1; i >= pos; i-- {
		s.index.Rekey(i, i+1)
	}
	s.index.Put(pos, item)
	return true, nil
}

// Get returns the member at pos.
func (s *Set[T]) Get(pos int) (item T, err error) {
	if !s.indexing {
		return item, errIndexing
	}

	item, ok := s.index.Get(pos)
	if !ok {
		return item, fmt.Errorf("%w: get %d (len=%d)", ErrOutOfRange, pos, s.index.Len())
	}
	return item, nil
}

// IndexOf returns the position of item, or -1 if it is not present.
func (s *Set[T]) IndexOf(item T) (pos int, err error) {
	if !s.indexing {
		return -1, errIndexing
	}

	pos, ok := s.index.GetFar(item)
	if !ok {
		return -1, nil
	}
	return pos, nil
}

// RemoveAt removes the member at pos, moving every following member down by one.
func (s *Set[T]) RemoveAt(pos int) (item T, err error) {
	item, err = s.Get(pos)
	if err != nil {
		return
	}

	s.compact(pos, func(i int) bool { return i == pos })
	return item, nil
}

// Remove removes the item if present.
func (s *Set[T]) Remove(item T) (ok bool) {
	if !s.indexing {
		_, ok = s.members[item]
		delete(s.members, item)
		return
	}

	pos, ok := s.index.GetFar(item)
	if !ok {
		return false
	}
	s.compact(pos, func(i int) bool { return i == pos })
	return true
}

// RemoveItems removes each present item.
// With indexing, positions holds the ascending pre-removal position of each removed item, and removed follows that order.
// Without indexing, removed follows the order of items and positions is nil.
func (s *Set[T]) RemoveItems(items []T) (removed []T, positions []int) {
	if !s.indexing {
		for _, item := range items {
			if _, ok := s.members[item]; ok {
				delete(s.members, item)
				removed = append(removed, item)
			}
		}
		return removed, nil
	}

	drop := make(map[int]struct{}, len(items))
	for _, item := range items {
		if pos, ok := s.index.GetFar(item); ok {
			drop[pos] = struct{}{}
		}
	}
	if len(drop) == 0 {
		return nil, nil
	}

	positions = make([]int, 0, len(drop))
	for pos := range drop {
		positions = append(positions, pos)
	}
	slices.Sort(positions)

	removed = make([]T, len(positions))
	for i, pos := range positions {
		removed[i], _ = s.index.Get(pos)
	}

	s.compact(positions[0], func(i int) bool {
		_, ok := drop[i]
		return ok
	})
	return removed, positions
}

// RemoveRange removes up to count members starting at pos.
// It is valid for pos+count to run past the end; only the members present are removed.
func (s *Set[T]) RemoveRange(pos, count int) (removed []T, err error) {
	if !s.indexing {
		return nil, errIndexing
	}

	n := s.index.Len()
	if pos < 0 || pos > n || count < 0 {
		return nil, fmt.Errorf("%w: remove %d+%d (len=%d)", ErrOutOfRange, pos, count, n)
	}

	end := min(pos+count, n)
	if end == pos {
		return nil, nil
	}

	removed = make([]T, 0, end-pos)
	for i := pos; i < end; i++ {
		item, _ := s.index.Get(i)
		removed = append(removed, item)
	}

	s.compact(pos, func(i int) bool { return i < end })
	return removed, nil
}

// compact walks positions from start upwards, deleting those drop matches and moving the rest down to fill the gaps.
func (s *Set[T]) compact(start int, drop func(pos int) bool) {
	n := s.index.Len()
	shift := 0

	for i := start; i < n; i++ {
		if drop(i) {
			s.index.Delete(i)
			shift++
		} else if shift > 0 {
			s.index.Rekey(i, i-shift)
		}
	}
}

// Clear removes everything.
func (s *Set[T]) Clear() {
	s.index.Clear()
	clear(s.members)
}

// All yields members with their positions.
// Without indexing the order is unspecified and positions are just a counter.
func (s *Set[T]) All() (it iter.Seq2[int, T]) {
	return func(yield func(int, T) bool) {
		if s.indexing {
			for i := range s.index.Len() {
				item, _ := s.index.Get(i)
				if !yield(i, item) {
					return
				}
			}
			return
		}

		i := 0
		for item := range s.members {
			if !yield(i, item) {
				return
			}
			i++
		}
	}
}

// Snapshot copies the members out, in position order when indexing.
func (s *Set[T]) Snapshot() (out []T) {
	out = make([]T, 0, s.Len())
	for _, item := range s.All() {
		out = append(out, item)
	}
	return out
}

// Check verifies that positions form exactly [0,Len()) and map one-to-one onto members.
// It always passes without indexing.
func (s *Set[T]) Check() (err error) {
	if !s.indexing {
		return nil
	}

	n := s.index.Len()
	for i := range n {
		item, ok := s.index.Get(i)
		if !ok {
			return fmt.Errorf("gap at position %d (len=%d)", i, n)
		}
		if back, _ := s.index.GetFar(item); back != i {
			return fmt.Errorf("position %d maps back to %d", i, back)
		}
	}
	return nil
}
