// Package indexset provides a duplicate-free set which can optionally keep a
// dense position index over its members.
package indexset

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicate is returned when adding a present element under FailDuplicates.
	ErrDuplicate = errors.New("element already present")

	// ErrOutOfRange is returned for positions outside the valid range.
	ErrOutOfRange = errors.New("position out of range")

	// ErrInvalidState is returned for operations not allowed in the current state, e.g., position-based calls without indexing.
	ErrInvalidState = errors.New("invalid state")

	errIndexing = fmt.Errorf("%w: indexing disabled", ErrInvalidState)
)

// DuplicatePolicy controls what adding an already present element does.
type DuplicatePolicy int

const (
	// RejectDuplicates silently ignores the add.
	RejectDuplicates DuplicatePolicy = iota

	// FailDuplicates ignores the add and returns ErrDuplicate.
	FailDuplicates
)

type Options struct {
	// Indexing enables the position index. Without it, position-based calls fail with ErrInvalidState.
	Indexing bool `json:"indexing"`

	Duplicates DuplicatePolicy `json:"duplicates"`

	// Capacity presizes the member maps, with or without indexing.
	Capacity int `json:"capacity,omitempty"`
}
