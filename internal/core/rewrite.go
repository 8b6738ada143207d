package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"github.com/kilupskalvis/gitview/internal/filter"
	"github.com/kilupskalvis/gitview/internal/remote/metastore"
	"golang.org/x/sync/errgroup"
)

// flushEvery bounds how many rewrite results are buffered before they are
// written to the cache.
const flushEvery = 512

// DefaultParallelism is the number of refs rewritten concurrently.
const DefaultParallelism = 4

// Stats counts rewrite work since the rewriter was created.
type Stats struct {
	Visited   int64
	Created   int64
	Collapsed int64
	Pruned    int64
	CacheHits int64
}

type counters struct {
	visited, created, collapsed, pruned, hits atomic.Int64
}

type outcome int

const (
	outcomePruned outcome = iota + 1
	outcomeCollapsed
	outcomeCreated
)

// derivation is what the rewrite rules produce for one source commit.
type derivation struct {
	outcome outcome
	result  plumbing.Hash
	commit  *object.Commit
}

// mapper resolves a source commit to its filtered commit. The zero hash
// means the commit has no counterpart in the view.
type mapper func(ctx context.Context, source plumbing.Hash) (plumbing.Hash, error)

// derive applies the rewrite rules to c. The filtered commit is not stored.
func derive(ctx context.Context, s storer.EncodedObjectStorer, proj *Projector, c *object.Commit, mapped mapper) (derivation, error) {
	parents := make([]plumbing.Hash, 0, len(c.ParentHashes))
	seen := make(map[plumbing.Hash]struct{}, len(c.ParentHashes))
	for _, ph := range c.ParentHashes {
		fh, err := mapped(ctx, ph)
		if err != nil {
			return derivation{}, err
		}
		if fh.IsZero() {
			continue
		}
		if _, dup := seen[fh]; dup {
			continue
		}
		seen[fh] = struct{}{}
		parents = append(parents, fh)
	}

	var previous plumbing.Hash
	if len(parents) == 1 {
		t, err := commitTree(s, parents[0])
		if err != nil {
			return derivation{}, err
		}
		previous = t
	}

	pr, err := proj.Project(ctx, c.TreeHash, previous)
	if err != nil {
		return derivation{}, err
	}

	switch {
	case pr.Kind == Empty && len(parents) == 0:
		return derivation{outcome: outcomePruned}, nil
	case pr.Kind == Unchanged && len(parents) == 1:
		return derivation{outcome: outcomeCollapsed, result: parents[0]}, nil
	}

	tree := pr.Tree
	if tree.IsZero() {
		tree = EmptyTree
	}
	fc := &object.Commit{
		Author:       c.Author,
		Committer:    c.Committer,
		MergeTag:     c.MergeTag,
		PGPSignature: c.PGPSignature,
		Message:      c.Message,
		TreeHash:     tree,
		ParentHashes: parents,
		Encoding:     c.Encoding,
		ExtraHeaders: c.ExtraHeaders,
	}
	h, err := hashCommit(fc)
	if err != nil {
		return derivation{}, err
	}
	fc.Hash = h
	return derivation{outcome: outcomeCreated, result: h, commit: fc}, nil
}

// Rewriter maps the history of a repository into one view and records the
// result in the rewrite cache. Rewriting is incremental: commits already in
// the cache are not visited again. It is safe for concurrent use.
type Rewriter struct {
	store    storer.EncodedObjectStorer
	cache    metastore.MetaStore
	spec     filter.Spec
	filterID string
	proj     *Projector
	logger   *slog.Logger

	// Parallelism limits RewriteRefs. Zero means DefaultParallelism.
	Parallelism int

	registerOnce sync.Once
	registerErr  error
	stats        counters
}

// NewRewriter returns a rewriter for spec over the objects in s.
func NewRewriter(s storer.EncodedObjectStorer, cache metastore.MetaStore, spec filter.Spec, logger *slog.Logger) *Rewriter {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Rewriter{
		store:    s,
		cache:    cache,
		spec:     spec,
		filterID: spec.ID(),
		proj:     NewProjector(s, spec),
		logger:   logger.With("filter", spec.String()),
	}
}

// Spec returns the filter of the view.
func (r *Rewriter) Spec() filter.Spec {
	return r.spec
}

// Stats returns a snapshot of the work counters.
func (r *Rewriter) Stats() Stats {
	return Stats{
		Visited:   r.stats.visited.Load(),
		Created:   r.stats.created.Load(),
		Collapsed: r.stats.collapsed.Load(),
		Pruned:    r.stats.pruned.Load(),
		CacheHits: r.stats.hits.Load(),
	}
}

func (r *Rewriter) register(ctx context.Context) error {
	r.registerOnce.Do(func() {
		r.registerErr = r.cache.RegisterFilter(ctx, r.filterID, r.spec.String())
	})
	return r.registerErr
}

// cached returns the cache entry for source, or ErrNotFound.
func (r *Rewriter) cached(ctx context.Context, source plumbing.Hash) (plumbing.Hash, error) {
	h, err := r.cache.GetMapping(ctx, r.filterID, source)
	if err != nil && !errors.Is(err, metastore.ErrNotFound) {
		return plumbing.ZeroHash, fmt.Errorf("read rewrite cache: %w", err)
	}
	return h, err
}

func (r *Rewriter) isCached(ctx context.Context) func(plumbing.Hash) (bool, error) {
	return func(h plumbing.Hash) (bool, error) {
		_, err := r.cached(ctx, h)
		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, metastore.ErrNotFound):
			return false, nil
		default:
			return false, err
		}
	}
}

// Lookup returns the filtered commit for a source commit, if it has already
// been rewritten. The zero hash means the commit has no counterpart in the
// view.
func (r *Rewriter) Lookup(ctx context.Context, source plumbing.Hash) (plumbing.Hash, bool, error) {
	if r.spec.IsIdentity() {
		return source, true, nil
	}
	h, err := r.cached(ctx, source)
	if errors.Is(err, metastore.ErrNotFound) {
		return plumbing.ZeroHash, false, nil
	}
	return h, err == nil, err
}

// Rewrite returns the filtered commit for tip, rewriting every ancestor that
// is not cached yet. The zero hash means nothing of tip is visible.
func (r *Rewriter) Rewrite(ctx context.Context, tip plumbing.Hash) (plumbing.Hash, error) {
	if r.spec.IsIdentity() {
		return tip, nil
	}
	if err := r.register(ctx); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("register filter: %w", err)
	}

	if h, err := r.cached(ctx, tip); err == nil {
		r.stats.hits.Add(1)
		return h, nil
	} else if !errors.Is(err, metastore.ErrNotFound) {
		return plumbing.ZeroHash, err
	}

	head, err := object.GetCommit(r.store, tip)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("read commit %s: %w", tip, err)
	}

	start := time.Now()
	order, err := walkAncestors(ctx, r.store, head, r.isCached(ctx))
	if err != nil {
		return plumbing.ZeroHash, err
	}

	results := make(map[plumbing.Hash]plumbing.Hash, len(order))
	mapped := func(ctx context.Context, source plumbing.Hash) (plumbing.Hash, error) {
		if h, ok := results[source]; ok {
			return h, nil
		}
		h, err := r.cached(ctx, source)
		if errors.Is(err, metastore.ErrNotFound) {
			return plumbing.ZeroHash, &IntegrityError{Commit: source, Reason: "parent was not rewritten"}
		}
		return h, err
	}

	pending := make([]metastore.Mapping, 0, min(len(order), flushEvery))
	for _, c := range order {
		d, err := derive(ctx, r.store, r.proj, c, mapped)
		if err != nil {
			return plumbing.ZeroHash, r.abort(ctx, pending, err)
		}

		switch d.outcome {
		case outcomePruned:
			r.stats.pruned.Add(1)
		case outcomeCollapsed:
			r.stats.collapsed.Add(1)
		case outcomeCreated:
			if err := r.storeCommit(d.commit); err != nil {
				return plumbing.ZeroHash, r.abort(ctx, pending, err)
			}
			r.stats.created.Add(1)
		}
		r.stats.visited.Add(1)

		results[c.Hash] = d.result
		pending = append(pending, metastore.Mapping{Source: c.Hash, Filtered: d.result})
		if len(pending) >= flushEvery {
			if err := r.flush(ctx, pending); err != nil {
				return plumbing.ZeroHash, err
			}
			pending = pending[:0]
		}
	}
	if err := r.flush(ctx, pending); err != nil {
		return plumbing.ZeroHash, err
	}

	r.logger.Debug("rewrote history",
		"tip", tip.String(),
		"filtered", results[tip].String(),
		"commits", len(order),
		"duration", time.Since(start),
	)
	return results[tip], nil
}

func (r *Rewriter) storeCommit(c *object.Commit) error {
	if c.TreeHash == EmptyTree {
		if _, err := materialize(r.store, plumbing.ZeroHash); err != nil {
			return err
		}
	}
	h, err := writeObject(r.store, c)
	if err != nil {
		return fmt.Errorf("store filtered commit: %w", err)
	}
	if h != c.Hash {
		return &IntegrityError{Commit: c.Hash, Reason: "stored commit hashes to " + h.String()}
	}
	return nil
}

// abort keeps the results computed before err, since each one is valid on
// its own.
func (r *Rewriter) abort(ctx context.Context, pending []metastore.Mapping, err error) error {
	if ferr := r.flush(context.WithoutCancel(ctx), pending); ferr != nil {
		return errors.Join(err, ferr)
	}
	return err
}

func (r *Rewriter) flush(ctx context.Context, pending []metastore.Mapping) error {
	err := r.cache.PutMappings(ctx, r.filterID, pending)
	if err == nil || !errors.Is(err, metastore.ErrConflict) {
		return err
	}
	for _, m := range pending {
		existing, gerr := r.cache.GetMapping(ctx, r.filterID, m.Source)
		if gerr == nil && existing != m.Filtered {
			return &IntegrityError{
				Commit: m.Source,
				Reason: fmt.Sprintf("cache maps to %s but recomputation gives %s", existing, m.Filtered),
			}
		}
	}
	return &IntegrityError{Reason: err.Error()}
}

// RewriteRefs rewrites several tips concurrently and returns the filtered tip
// per ref name. Refs whose tip is not visible map to the zero hash.
func (r *Rewriter) RewriteRefs(ctx context.Context, refs []*plumbing.Reference) (map[plumbing.ReferenceName]plumbing.Hash, error) {
	out := make(map[plumbing.ReferenceName]plumbing.Hash, len(refs))
	var mu sync.Mutex

	limit := r.Parallelism
	if limit <= 0 {
		limit = DefaultParallelism
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, ref := range refs {
		g.Go(func() error {
			h, err := r.Rewrite(gctx, ref.Hash())
			if err != nil {
				return fmt.Errorf("rewrite %s: %w", ref.Name(), err)
			}
			mu.Lock()
			out[ref.Name()] = h
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Verify re-derives every commit reachable from tip and checks it against
// the cache. It returns the number of commits checked.
func (r *Rewriter) Verify(ctx context.Context, tip plumbing.Hash) (int, error) {
	if r.spec.IsIdentity() {
		return 0, nil
	}
	if _, err := r.Rewrite(ctx, tip); err != nil {
		return 0, err
	}

	head, err := object.GetCommit(r.store, tip)
	if err != nil {
		return 0, fmt.Errorf("read commit %s: %w", tip, err)
	}
	never := func(plumbing.Hash) (bool, error) { return false, nil }
	order, err := walkAncestors(ctx, r.store, head, never)
	if err != nil {
		return 0, err
	}

	mapped := func(ctx context.Context, source plumbing.Hash) (plumbing.Hash, error) {
		h, err := r.cached(ctx, source)
		if errors.Is(err, metastore.ErrNotFound) {
			return plumbing.ZeroHash, &IntegrityError{Commit: source, Reason: "commit missing from the rewrite cache"}
		}
		return h, err
	}

	for _, c := range order {
		got, err := mapped(ctx, c.Hash)
		if err != nil {
			return 0, err
		}
		d, err := derive(ctx, r.store, r.proj, c, mapped)
		if err != nil {
			return 0, err
		}
		if err := r.check(c, got, d); err != nil {
			return 0, err
		}
	}
	return len(order), nil
}

func (r *Rewriter) check(c *object.Commit, got plumbing.Hash, d derivation) error {
	mismatch := func(reason string) error {
		r.logger.Error("rewrite cache disagrees with recomputation",
			"commit", c.Hash.String(),
			"tree", c.TreeHash.String(),
			"cached", got.String(),
			"reason", reason,
		)
		return &IntegrityError{Commit: c.Hash, Tree: c.TreeHash, Reason: reason}
	}

	if d.outcome != outcomeCreated {
		if got != d.result {
			return mismatch(fmt.Sprintf("cached %s, expected %s", got, d.result))
		}
		return nil
	}
	if got == d.result {
		return nil
	}
	if got.IsZero() {
		return mismatch("cached as pruned but the view has content")
	}

	fc, err := object.GetCommit(r.store, got)
	if err != nil {
		return mismatch(fmt.Sprintf("cached commit %s unreadable: %v", got, err))
	}
	if fc.TreeHash != d.commit.TreeHash {
		return mismatch(fmt.Sprintf("cached tree %s, expected %s", fc.TreeHash, d.commit.TreeHash))
	}
	if len(fc.ParentHashes) != len(d.commit.ParentHashes) {
		return mismatch("parent count differs")
	}
	for i := range fc.ParentHashes {
		if fc.ParentHashes[i] != d.commit.ParentHashes[i] {
			return mismatch(fmt.Sprintf("parent %d is %s, expected %s", i, fc.ParentHashes[i], d.commit.ParentHashes[i]))
		}
	}
	return nil
}
