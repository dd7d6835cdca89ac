package lifecycle

import (
	"context"
	"errors"
	"slices"
)

type (
	stack struct {
		Destructors []destructor
	}
	destructor func(ctx context.Context) error
)

// Push adds a destructor to the 'Destructors' slice, to be destroyed in the
// reverse order they were added.
func (s *stack) Push(d destructor) {
	s.Destructors = append(s.Destructors, d)
}

// Destroy calls all accumulated destructors in the reverse order they were
// added, returning all encountered errors joined. A failing destructor does
// not stop the ones added before it.
//
// Destroy empties the stack.
func (s *stack) Destroy(ctx context.Context) error {
	var errs error
	for _, destructor := range slices.Backward(s.Destructors) {
		errs = errors.Join(errs, destructor(ctx))
	}
	s.Destructors = nil
	return errs
}

// Len reports the number of pending destructors.
func (s *stack) Len() int { return len(s.Destructors) }

// releaser adapts an owner's release to a destructor, tagging any failure
// with 'resource'.
func releaser(resource string, release func(context.Context) error) destructor {
	return func(ctx context.Context) error {
		if err := release(ctx); err != nil {
			return &CleanupError{Resource: resource, Err: err}
		}
		return nil
	}
}
