package core

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"github.com/kilupskalvis/gitview/internal/filter"
)

// ProjectionKind classifies the result of projecting a tree.
type ProjectionKind int

const (
	// ProjectedTree is a tree that differs from the previous projection.
	ProjectedTree ProjectionKind = iota + 1
	// Unchanged means the projection equals the previous one.
	Unchanged
	// Empty means nothing of the tree is visible.
	Empty
)

func (k ProjectionKind) String() string {
	switch k {
	case ProjectedTree:
		return "tree"
	case Unchanged:
		return "unchanged"
	case Empty:
		return "empty"
	default:
		return "unknown"
	}
}

// Projection is the result of Projector.Project.
type Projection struct {
	Kind ProjectionKind
	Tree plumbing.Hash
}

type excludeKey struct {
	tree plumbing.Hash
	dir  string
	pats string
}

// Projector applies a filter to trees. Results are memoized, so a projector
// is cheap to call repeatedly over the trees of one history. It is safe for
// concurrent use.
type Projector struct {
	store storer.EncodedObjectStorer
	spec  filter.Spec
	ops   []filter.Op

	mu       sync.Mutex
	memo     map[plumbing.Hash]plumbing.Hash
	excluded map[excludeKey]plumbing.Hash
}

// NewProjector returns a projector reading and writing trees in s.
func NewProjector(s storer.EncodedObjectStorer, spec filter.Spec) *Projector {
	return &Projector{
		store:    s,
		spec:     spec,
		ops:      spec.Ops(),
		memo:     make(map[plumbing.Hash]plumbing.Hash),
		excluded: make(map[excludeKey]plumbing.Hash),
	}
}

// Spec returns the filter the projector applies.
func (p *Projector) Spec() filter.Spec {
	return p.spec
}

// Project filters tree and compares the result with previous, the projection
// of the parent commit's tree. A zero previous means there is nothing to
// compare against.
func (p *Projector) Project(ctx context.Context, tree, previous plumbing.Hash) (Projection, error) {
	out, err := p.Apply(ctx, tree)
	if err != nil {
		return Projection{}, err
	}
	switch {
	case !previous.IsZero() && (out == previous || (out.IsZero() && previous == EmptyTree)):
		return Projection{Kind: Unchanged, Tree: previous}, nil
	case out.IsZero():
		return Projection{Kind: Empty}, nil
	default:
		return Projection{Kind: ProjectedTree, Tree: out}, nil
	}
}

// Apply filters tree. The zero hash stands for the empty tree on both sides.
func (p *Projector) Apply(ctx context.Context, tree plumbing.Hash) (plumbing.Hash, error) {
	if tree == EmptyTree {
		tree = plumbing.ZeroHash
	}
	if tree.IsZero() {
		return tree, nil
	}

	p.mu.Lock()
	out, ok := p.memo[tree]
	p.mu.Unlock()
	if ok {
		return out, nil
	}

	out = tree
	for _, op := range p.ops {
		if err := ctx.Err(); err != nil {
			return plumbing.ZeroHash, err
		}
		var err error
		out, err = p.applyOp(ctx, op, out)
		if err != nil {
			return plumbing.ZeroHash, fmt.Errorf("apply %s to tree %s: %w", op, tree, err)
		}
		if out == EmptyTree {
			out = plumbing.ZeroHash
		}
	}

	p.mu.Lock()
	p.memo[tree] = out
	p.mu.Unlock()
	return out, nil
}

func (p *Projector) applyOp(ctx context.Context, op filter.Op, tree plumbing.Hash) (plumbing.Hash, error) {
	switch op.Kind {
	case filter.Descend:
		return subtree(p.store, tree, op.Path)
	case filter.Prefix:
		return wrap(p.store, tree, op.Path)
	case filter.Exclude:
		return p.exclude(ctx, tree, op.Patterns, "")
	case filter.Rename:
		out, _, err := p.rename(tree, op.Moves)
		return out, err
	default:
		return plumbing.ZeroHash, fmt.Errorf("unknown operation %d", op.Kind)
	}
}

func matchAny(patterns []string, name string) bool {
	for _, pat := range patterns {
		if ok, _ := doublestar.Match(pat, name); ok {
			return true
		}
	}
	return false
}

// exclude drops entries below dir whose path matches a pattern. Directories
// left empty are dropped as well.
func (p *Projector) exclude(ctx context.Context, tree plumbing.Hash, patterns []string, dir string) (plumbing.Hash, error) {
	if tree.IsZero() {
		return tree, nil
	}
	key := excludeKey{tree: tree, dir: dir, pats: strings.Join(patterns, "\x00")}
	p.mu.Lock()
	out, ok := p.excluded[key]
	p.mu.Unlock()
	if ok {
		return out, nil
	}
	if err := ctx.Err(); err != nil {
		return plumbing.ZeroHash, err
	}

	t, err := readTree(p.store, tree)
	if err != nil {
		return plumbing.ZeroHash, err
	}

	entries := make([]object.TreeEntry, 0, len(t.Entries))
	changed := false
	for _, e := range t.Entries {
		full := path.Join(dir, e.Name)
		if matchAny(patterns, full) {
			changed = true
			continue
		}
		if e.Mode == filemode.Dir {
			h, err := p.exclude(ctx, e.Hash, patterns, full)
			if err != nil {
				return plumbing.ZeroHash, err
			}
			if h != e.Hash {
				changed = true
			}
			if h.IsZero() {
				continue
			}
			e.Hash = h
		}
		entries = append(entries, e)
	}

	switch {
	case len(entries) == 0:
		out = plumbing.ZeroHash
	case !changed:
		out = tree
	default:
		out, err = writeTree(p.store, entries)
		if err != nil {
			return plumbing.ZeroHash, err
		}
	}

	p.mu.Lock()
	p.excluded[key] = out
	p.mu.Unlock()
	return out, nil
}

// rename applies moves in order and returns the tree before each move along
// with the result.
func (p *Projector) rename(tree plumbing.Hash, moves []filter.Move) (plumbing.Hash, []plumbing.Hash, error) {
	states := make([]plumbing.Hash, 0, len(moves))
	for _, m := range moves {
		states = append(states, tree)
		e, ok, err := lookup(p.store, tree, m.From)
		if err != nil {
			return plumbing.ZeroHash, nil, err
		}
		if !ok {
			continue
		}
		tree, err = setEntry(p.store, tree, m.From, nil, true)
		if err != nil {
			return plumbing.ZeroHash, nil, err
		}
		tree, err = setEntry(p.store, tree, m.To, &e, true)
		if err != nil {
			return plumbing.ZeroHash, nil, err
		}
	}
	return tree, states, nil
}
