package state

import (
	"context"
	"errors"
)

// Errors returned by Store implementations.
var (
	ErrNotFound = errors.New("branch state not found")
	// ErrNoChange may be returned by an UpdateFunc to skip the write.
	ErrNoChange = errors.New("no change")
)

// UpdateFunc mutates s in place. A new branch is passed with only Branch set.
type UpdateFunc func(s *BranchState) error

// Store persists BranchState keyed by branch name.
//
// Update is an atomic read-modify-write for one key: concurrent updates of
// the same branch never lose writes.
type Store interface {
	Get(ctx context.Context, branch string) (*BranchState, error)
	List(ctx context.Context) ([]*BranchState, error)
	Update(ctx context.Context, branch string, fn UpdateFunc) (*BranchState, error)
	Delete(ctx context.Context, branch string) error
	Close() error
}

// applyUpdate runs fn on a copy of cur (or a fresh state) and reports
// whether anything should be written.
func applyUpdate(branch string, cur *BranchState, fn UpdateFunc) (*BranchState, bool, error) {
	next := cur.Clone()
	if next == nil {
		next = &BranchState{Branch: branch}
	}
	if err := fn(next); err != nil {
		if errors.Is(err, ErrNoChange) {
			if cur == nil {
				return nil, false, ErrNotFound
			}
			return cur.Clone(), false, nil
		}
		return nil, false, err
	}
	next.Branch = branch
	return next, true, nil
}
