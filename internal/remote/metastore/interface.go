// Package metastore provides the per-repository rewrite cache and view ref
// table.
package metastore

import (
	"context"
	"errors"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/kilupskalvis/gitview/internal/models"
)

// Sentinel errors for expected conditions.
var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// Mapping is one rewrite cache entry. A zero Filtered hash records that the
// source commit has no counterpart in the view.
type Mapping struct {
	Source   plumbing.Hash
	Filtered plumbing.Hash
}

// MetaStore defines the contract for the rewrite cache and view refs.
//
// Mappings are append-only: the first writer of a key wins and later writers
// must present the same value, otherwise ErrConflict is returned and nothing
// in the batch is written.
type MetaStore interface {
	// Filters
	RegisterFilter(ctx context.Context, filterID, expr string) error
	ListFilters(ctx context.Context) (map[string]string, error)
	DropFilter(ctx context.Context, filterID string) (int, error)

	// Rewrite mapping
	GetMapping(ctx context.Context, filterID string, source plumbing.Hash) (plumbing.Hash, error)
	GetSource(ctx context.Context, filterID string, filtered plumbing.Hash) (plumbing.Hash, error)
	PutMappings(ctx context.Context, filterID string, entries []Mapping) error
	MappingCount(ctx context.Context, filterID string) (int, error)

	// View refs
	ListViewRefs(ctx context.Context, filterID string) ([]*models.ViewRef, error)
	GetViewRef(ctx context.Context, filterID, branch string) (*models.ViewRef, error)
	// UpdateViewRefCAS stores ref when the recorded filtered tip equals
	// expectedTip; an empty expectedTip requires that no record exists.
	// Otherwise it returns ErrConflict.
	UpdateViewRefCAS(ctx context.Context, filterID string, ref *models.ViewRef, expectedTip string) error
	DeleteViewRef(ctx context.Context, filterID, branch string) error

	// Close releases resources.
	Close() error
}
