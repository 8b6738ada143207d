package core

import (
	"errors"
	"fmt"

	"github.com/go-git/go-git/v5/plumbing"
)

// Sentinel errors matched with errors.Is.
var (
	ErrConflict    = errors.New("conflict")
	ErrIntegrity   = errors.New("integrity violation")
	ErrOutsideView = errors.New("change outside the view")
)

// ConflictError rejects a ref update whose base is stale or which cannot be
// applied without losing work. Nothing has been written when it is returned.
type ConflictError struct {
	Ref      string
	Expected plumbing.Hash
	Actual   plumbing.Hash
	Reason   string
}

func (e *ConflictError) Error() string {
	if e.Expected.IsZero() && e.Actual.IsZero() {
		return fmt.Sprintf("%s: %s", e.Ref, e.Reason)
	}
	return fmt.Sprintf("%s: %s (expected %s, found %s)", e.Ref, e.Reason, shortHash(e.Expected), shortHash(e.Actual))
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// IntegrityError reports cached or stored state that disagrees with what the
// rewrite rules derive.
type IntegrityError struct {
	Commit plumbing.Hash
	Tree   plumbing.Hash
	Reason string
}

func (e *IntegrityError) Error() string {
	msg := "integrity violation"
	if !e.Commit.IsZero() {
		msg += " at commit " + e.Commit.String()
	}
	if !e.Tree.IsZero() {
		msg += " tree " + e.Tree.String()
	}
	return msg + ": " + e.Reason
}

func (e *IntegrityError) Is(target error) bool {
	return target == ErrIntegrity
}

func shortHash(h plumbing.Hash) string {
	if h.IsZero() {
		return "(none)"
	}
	return h.String()[:7]
}
