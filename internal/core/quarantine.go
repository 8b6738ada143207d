package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"github.com/go-git/go-git/v5/storage/memory"
)

// Quarantine stages new objects in memory on top of a read-only base
// storage. Reads fall through to the base; writes stay staged until Promote.
type Quarantine struct {
	staged *memory.ObjectStorage
	base   storer.EncodedObjectStorer
}

var _ storer.EncodedObjectStorer = (*Quarantine)(nil)

// NewQuarantine returns an empty quarantine over base.
func NewQuarantine(base storer.EncodedObjectStorer) *Quarantine {
	return &Quarantine{
		staged: &memory.NewStorage().ObjectStorage,
		base:   base,
	}
}

func (q *Quarantine) NewEncodedObject() plumbing.EncodedObject {
	return &plumbing.MemoryObject{}
}

func (q *Quarantine) SetEncodedObject(o plumbing.EncodedObject) (plumbing.Hash, error) {
	return q.staged.SetEncodedObject(o)
}

func (q *Quarantine) EncodedObject(t plumbing.ObjectType, h plumbing.Hash) (plumbing.EncodedObject, error) {
	o, err := q.staged.EncodedObject(t, h)
	if errors.Is(err, plumbing.ErrObjectNotFound) {
		return q.base.EncodedObject(t, h)
	}
	return o, err
}

func (q *Quarantine) IterEncodedObjects(t plumbing.ObjectType) (storer.EncodedObjectIter, error) {
	staged, err := q.staged.IterEncodedObjects(t)
	if err != nil {
		return nil, err
	}
	base, err := q.base.IterEncodedObjects(t)
	if err != nil {
		staged.Close()
		return nil, err
	}
	return storer.NewMultiEncodedObjectIter([]storer.EncodedObjectIter{staged, base}), nil
}

func (q *Quarantine) HasEncodedObject(h plumbing.Hash) error {
	if q.staged.HasEncodedObject(h) == nil {
		return nil
	}
	return q.base.HasEncodedObject(h)
}

func (q *Quarantine) EncodedObjectSize(h plumbing.Hash) (int64, error) {
	size, err := q.staged.EncodedObjectSize(h)
	if errors.Is(err, plumbing.ErrObjectNotFound) {
		return q.base.EncodedObjectSize(h)
	}
	return size, err
}

func (q *Quarantine) AddAlternate(string) error {
	return errors.New("quarantine does not support alternates")
}

// Staged returns the number of objects waiting for promotion.
func (q *Quarantine) Staged() int {
	return len(q.staged.Objects)
}

// Promote copies every staged object into dst. Staged objects stay readable
// afterwards.
func (q *Quarantine) Promote(ctx context.Context, dst storer.EncodedObjectStorer) (int, error) {
	var n int
	err := q.staged.ForEachObjectHash(func(h plumbing.Hash) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if dst.HasEncodedObject(h) == nil {
			return nil
		}
		o, err := q.staged.EncodedObject(plumbing.AnyObject, h)
		if err != nil {
			return err
		}
		if _, err := dst.SetEncodedObject(o); err != nil {
			return fmt.Errorf("promote object %s: %w", h, err)
		}
		n++
		return nil
	})
	return n, err
}
