package metastore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/kilupskalvis/gitview/internal/models"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketFilters  = []byte("filters")
	bucketForward  = []byte("forward")
	bucketInverse  = []byte("inverse")
	bucketViewRefs = []byte("view_refs")
)

// BboltStore implements MetaStore using bbolt.
type BboltStore struct {
	db *bolt.DB
}

// NewBboltStore opens or creates a bbolt database at the given path.
func NewBboltStore(dbPath string) (*BboltStore, error) {
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create meta directory: %w", err)
		}
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open meta database: %w", err)
	}

	// Create buckets
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketFilters, bucketForward, bucketInverse, bucketViewRefs} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}

	return &BboltStore{db: db}, nil
}

// Close releases the bbolt database.
func (s *BboltStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// hashKey builds "<filterID>/<hash>" keys so a filter's entries are contiguous.
func hashKey(filterID string, h plumbing.Hash) []byte {
	return []byte(filterID + "/" + h.String())
}

func refKey(filterID, branch string) []byte {
	return []byte(filterID + "/" + branch)
}

// RegisterFilter records the canonical expression for a filter ID.
func (s *BboltStore) RegisterFilter(_ context.Context, filterID, expr string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFilters)
		if existing := b.Get([]byte(filterID)); existing != nil {
			if string(existing) != expr {
				return fmt.Errorf("filter %s registered as %q: %w", filterID, existing, ErrConflict)
			}
			return nil
		}
		return b.Put([]byte(filterID), []byte(expr))
	})
}

// ListFilters returns every registered filter keyed by ID.
func (s *BboltStore) ListFilters(_ context.Context) (map[string]string, error) {
	out := make(map[string]string)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFilters).ForEach(func(k, v []byte) error {
			out[string(k)] = string(v)
			return nil
		})
	})
	return out, err
}

// GetMapping returns the filtered commit for a source commit. A zero hash
// means the commit was pruned from the view. Returns ErrNotFound if the commit
// has not been rewritten yet.
func (s *BboltStore) GetMapping(_ context.Context, filterID string, source plumbing.Hash) (plumbing.Hash, error) {
	return s.get(bucketForward, hashKey(filterID, source))
}

// GetSource returns the source commit a filtered commit was first produced
// from. Returns ErrNotFound for commits that are not part of the view.
func (s *BboltStore) GetSource(_ context.Context, filterID string, filtered plumbing.Hash) (plumbing.Hash, error) {
	return s.get(bucketInverse, hashKey(filterID, filtered))
}

func (s *BboltStore) get(bucket, key []byte) (plumbing.Hash, error) {
	var out plumbing.Hash
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get(key)
		if data == nil {
			return ErrNotFound
		}
		if len(data) != len(out) {
			return fmt.Errorf("corrupt entry %s: %d bytes", key, len(data))
		}
		copy(out[:], data)
		return nil
	})
	return out, err
}

// PutMappings stores a batch of rewrite results in one transaction. Existing
// entries must agree with the batch; the inverse side keeps the first source
// that produced a filtered commit.
func (s *BboltStore) PutMappings(_ context.Context, filterID string, entries []Mapping) error {
	if len(entries) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		fwd := tx.Bucket(bucketForward)
		inv := tx.Bucket(bucketInverse)

		for _, e := range entries {
			key := hashKey(filterID, e.Source)
			if existing := fwd.Get(key); existing != nil {
				if !bytes.Equal(existing, e.Filtered[:]) {
					return fmt.Errorf("commit %s already maps to %x: %w", e.Source, existing, ErrConflict)
				}
				continue
			}
			if err := fwd.Put(key, bytes.Clone(e.Filtered[:])); err != nil {
				return fmt.Errorf("store mapping: %w", err)
			}

			if e.Filtered.IsZero() {
				continue
			}
			ikey := hashKey(filterID, e.Filtered)
			if inv.Get(ikey) != nil {
				continue
			}
			if err := inv.Put(ikey, bytes.Clone(e.Source[:])); err != nil {
				return fmt.Errorf("store inverse mapping: %w", err)
			}
		}
		return nil
	})
}

// MappingCount returns the number of rewritten commits for a filter.
func (s *BboltStore) MappingCount(_ context.Context, filterID string) (int, error) {
	var count int
	err := s.db.View(func(tx *bolt.Tx) error {
		prefix := []byte(filterID + "/")
		c := tx.Bucket(bucketForward).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// ListViewRefs returns all refs of a view sorted by branch.
func (s *BboltStore) ListViewRefs(_ context.Context, filterID string) ([]*models.ViewRef, error) {
	var refs []*models.ViewRef

	err := s.db.View(func(tx *bolt.Tx) error {
		prefix := filterID + "/"
		c := tx.Bucket(bucketViewRefs).Cursor()
		for k, v := c.Seek([]byte(prefix)); k != nil && strings.HasPrefix(string(k), prefix); k, v = c.Next() {
			var ref models.ViewRef
			if err := json.Unmarshal(v, &ref); err != nil {
				return fmt.Errorf("unmarshal view ref: %w", err)
			}
			refs = append(refs, &ref)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(refs, func(i, j int) bool {
		return refs[i].Branch < refs[j].Branch
	})
	return refs, nil
}

// GetViewRef retrieves a view ref. Returns ErrNotFound if missing.
func (s *BboltStore) GetViewRef(_ context.Context, filterID, branch string) (*models.ViewRef, error) {
	var ref *models.ViewRef

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketViewRefs).Get(refKey(filterID, branch))
		if data == nil {
			return ErrNotFound
		}
		ref = &models.ViewRef{}
		return json.Unmarshal(data, ref)
	})
	if err != nil {
		return nil, err
	}
	return ref, nil
}

// UpdateViewRefCAS replaces a view ref whose filtered tip is expectedTip.
// An empty expectedTip creates the ref and fails if one exists. A mismatch
// returns ErrConflict.
func (s *BboltStore) UpdateViewRefCAS(_ context.Context, filterID string, ref *models.ViewRef, expectedTip string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketViewRefs)
		key := refKey(filterID, ref.Branch)

		var current string
		if data := b.Get(key); data != nil {
			var stored models.ViewRef
			if err := json.Unmarshal(data, &stored); err != nil {
				return fmt.Errorf("unmarshal view ref: %w", err)
			}
			current = stored.FilteredTip
			if current == "" {
				return fmt.Errorf("view ref %s has no tip", key)
			}
		}
		if current != expectedTip {
			return ErrConflict
		}

		updated := *ref
		if updated.UpdatedAt.IsZero() {
			updated.UpdatedAt = time.Now().UTC()
		}
		newData, err := json.Marshal(&updated)
		if err != nil {
			return fmt.Errorf("marshal view ref: %w", err)
		}
		return b.Put(key, newData)
	})
}

// DeleteViewRef removes a view ref. Returns ErrNotFound if it doesn't exist.
func (s *BboltStore) DeleteViewRef(_ context.Context, filterID, branch string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketViewRefs)
		key := refKey(filterID, branch)

		if b.Get(key) == nil {
			return ErrNotFound
		}
		return b.Delete(key)
	})
}

// DropFilter removes a filter together with its mappings and view refs and
// returns the number of mappings removed.
func (s *BboltStore) DropFilter(_ context.Context, filterID string) (int, error) {
	var removed int
	err := s.db.Update(func(tx *bolt.Tx) error {
		prefix := []byte(filterID + "/")
		for _, name := range [][]byte{bucketForward, bucketInverse, bucketViewRefs} {
			b := tx.Bucket(name)
			var keys [][]byte
			c := b.Cursor()
			for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
				keys = append(keys, bytes.Clone(k))
			}
			for _, k := range keys {
				if err := b.Delete(k); err != nil {
					return fmt.Errorf("delete %s entry: %w", name, err)
				}
			}
			if bytes.Equal(name, bucketForward) {
				removed = len(keys)
			}
		}
		return tx.Bucket(bucketFilters).Delete([]byte(filterID))
	})
	return removed, err
}
