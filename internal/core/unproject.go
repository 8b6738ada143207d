package core

import (
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/kilupskalvis/gitview/internal/filter"
)

// Unproject splices a filtered tree back into base, a full tree. Everything
// the filter hides is taken from base, so Apply(Unproject(f, base)) == f.
// Changes that the filter could not have produced fail with ErrOutsideView.
// The zero hash stands for the empty tree.
func (p *Projector) Unproject(ctx context.Context, filtered, base plumbing.Hash) (plumbing.Hash, error) {
	if filtered == EmptyTree {
		filtered = plumbing.ZeroHash
	}
	if base == EmptyTree {
		base = plumbing.ZeroHash
	}

	stages := make([]plumbing.Hash, len(p.ops)+1)
	stages[0] = base
	for i, op := range p.ops {
		out, err := p.applyOp(ctx, op, stages[i])
		if err != nil {
			return plumbing.ZeroHash, fmt.Errorf("apply %s to base %s: %w", op, base, err)
		}
		if out == EmptyTree {
			out = plumbing.ZeroHash
		}
		stages[i+1] = out
	}

	cur := filtered
	for i := len(p.ops) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return plumbing.ZeroHash, err
		}
		var err error
		cur, err = p.invertOp(ctx, p.ops[i], cur, stages[i])
		if err != nil {
			return plumbing.ZeroHash, err
		}
	}
	return cur, nil
}

func (p *Projector) invertOp(ctx context.Context, op filter.Op, cur, base plumbing.Hash) (plumbing.Hash, error) {
	switch op.Kind {
	case filter.Descend:
		var e *object.TreeEntry
		if !cur.IsZero() {
			e = &object.TreeEntry{Mode: filemode.Dir, Hash: cur}
		}
		if existing, ok, err := lookup(p.store, base, op.Path); err != nil {
			return plumbing.ZeroHash, err
		} else if ok && existing.Mode != filemode.Dir {
			if e == nil {
				return base, nil
			}
			return plumbing.ZeroHash, &IntegrityError{Tree: base, Reason: fmt.Sprintf("cannot splice at %s: a file is in the way", op.Path)}
		}
		out, err := setEntry(p.store, base, op.Path, e, false)
		if errors.Is(err, errPathBlocked) {
			return plumbing.ZeroHash, &IntegrityError{Tree: base, Reason: fmt.Sprintf("cannot splice at %s: %v", op.Path, err)}
		}
		return out, err

	case filter.Prefix:
		return unwrap(p.store, cur, op.Path)

	case filter.Exclude:
		return p.restoreExcluded(ctx, cur, base, op.Patterns, "")

	case filter.Rename:
		return p.unrename(cur, base, op.Moves)

	default:
		return plumbing.ZeroHash, fmt.Errorf("unknown operation %d", op.Kind)
	}
}

// restoreExcluded merges the entries of base hidden by patterns into the
// filtered tree.
func (p *Projector) restoreExcluded(ctx context.Context, filtered, base plumbing.Hash, patterns []string, dir string) (plumbing.Hash, error) {
	if base.IsZero() {
		visible, err := p.exclude(ctx, filtered, patterns, dir)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		if visible != filtered {
			return plumbing.ZeroHash, fmt.Errorf("%w: %s contains excluded paths", ErrOutsideView, displayDir(dir))
		}
		return filtered, nil
	}

	visible, err := p.exclude(ctx, base, patterns, dir)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if visible == filtered {
		return base, nil
	}

	ft, err := readTree(p.store, filtered)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	bt, err := readTree(p.store, base)
	if err != nil {
		return plumbing.ZeroHash, err
	}

	inView := make(map[string]object.TreeEntry, len(ft.Entries))
	entries := make([]object.TreeEntry, 0, len(ft.Entries)+len(bt.Entries))
	for _, fe := range ft.Entries {
		full := path.Join(dir, fe.Name)
		if matchAny(patterns, full) {
			return plumbing.ZeroHash, fmt.Errorf("%w: %s is excluded", ErrOutsideView, full)
		}
		inView[fe.Name] = fe
		if fe.Mode == filemode.Dir {
			var sub plumbing.Hash
			if be, ok := findEntry(bt, fe.Name); ok && be.Mode == filemode.Dir {
				sub = be.Hash
			}
			h, err := p.restoreExcluded(ctx, fe.Hash, sub, patterns, full)
			if err != nil {
				return plumbing.ZeroHash, err
			}
			if h.IsZero() {
				continue
			}
			fe.Hash = h
		}
		entries = append(entries, fe)
	}

	for _, be := range bt.Entries {
		full := path.Join(dir, be.Name)
		fe, shadowed := inView[be.Name]
		switch {
		case shadowed:
			if be.Mode == filemode.Dir && fe.Mode != filemode.Dir {
				hidden, err := p.restoreExcluded(ctx, plumbing.ZeroHash, be.Hash, patterns, full)
				if err != nil {
					return plumbing.ZeroHash, err
				}
				if !hidden.IsZero() {
					return plumbing.ZeroHash, fmt.Errorf("%w: %s replaces excluded content", ErrOutsideView, full)
				}
			}
		case matchAny(patterns, full):
			entries = append(entries, be)
		case be.Mode == filemode.Dir:
			hidden, err := p.restoreExcluded(ctx, plumbing.ZeroHash, be.Hash, patterns, full)
			if err != nil {
				return plumbing.ZeroHash, err
			}
			if !hidden.IsZero() {
				be.Hash = hidden
				entries = append(entries, be)
			}
		}
	}

	return writeTree(p.store, entries)
}

// unrename moves renamed entries back and restores what they shadowed.
func (p *Projector) unrename(cur, base plumbing.Hash, moves []filter.Move) (plumbing.Hash, error) {
	_, states, err := p.rename(base, moves)
	if err != nil {
		return plumbing.ZeroHash, err
	}

	for i := len(moves) - 1; i >= 0; i-- {
		m, before := moves[i], states[i]

		if _, ok, err := lookup(p.store, cur, m.From); err != nil {
			return plumbing.ZeroHash, err
		} else if ok {
			return plumbing.ZeroHash, fmt.Errorf("%w: %s is renamed to %s", ErrOutsideView, m.From, m.To)
		}

		if _, moved, err := lookup(p.store, before, m.From); err != nil {
			return plumbing.ZeroHash, err
		} else if !moved {
			continue
		}

		e, present, err := lookup(p.store, cur, m.To)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		var shadow *object.TreeEntry
		if se, ok, err := lookup(p.store, before, m.To); err != nil {
			return plumbing.ZeroHash, err
		} else if ok {
			shadow = &se
		}

		cur, err = setEntry(p.store, cur, m.To, shadow, true)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		if present {
			cur, err = setEntry(p.store, cur, m.From, &e, true)
			if err != nil {
				return plumbing.ZeroHash, err
			}
		}
	}
	return cur, nil
}

func displayDir(dir string) string {
	if dir == "" {
		return "the root"
	}
	return dir
}
