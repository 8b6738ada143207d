package filter

import (
	"sort"
	"strings"
)

// normalize folds an operation list into its canonical form. It is applied
// until nothing changes, since one fold can expose another.
func normalize(ops []Op) []Op {
	for {
		next, changed := normalizeOnce(ops)
		if !changed {
			return next
		}
		ops = next
	}
}

func normalizeOnce(in []Op) ([]Op, bool) {
	changed := false
	out := make([]Op, 0, len(in))

	for _, op := range in {
		op = op.clone()

		switch op.Kind {
		case Descend, Prefix:
			if op.Path == "" {
				changed = true
				continue
			}
		case Exclude:
			op.Patterns = sortedUnique(op.Patterns)
			if len(op.Patterns) == 0 {
				changed = true
				continue
			}
		case Rename:
			moves := op.Moves[:0]
			for _, m := range op.Moves {
				if m.From == m.To {
					changed = true
					continue
				}
				moves = append(moves, m)
			}
			op.Moves = moves
			if len(op.Moves) == 0 {
				changed = true
				continue
			}
		default:
			changed = true
			continue
		}

		if len(out) == 0 {
			out = append(out, op)
			continue
		}

		last := &out[len(out)-1]
		switch {
		case last.Kind == Descend && op.Kind == Descend:
			last.Path = last.Path + "/" + op.Path
			changed = true

		case last.Kind == Prefix && op.Kind == Prefix:
			// prefix a then prefix b puts the tree at b/a
			last.Path = op.Path + "/" + last.Path
			changed = true

		case last.Kind == Prefix && op.Kind == Descend:
			p, d := last.Path, op.Path
			switch {
			case p == d:
				out = out[:len(out)-1]
				changed = true
			case strings.HasPrefix(d, p+"/"):
				*last = Op{Kind: Descend, Path: strings.TrimPrefix(d, p+"/")}
				changed = true
			case strings.HasPrefix(p, d+"/"):
				*last = Op{Kind: Prefix, Path: strings.TrimPrefix(p, d+"/")}
				changed = true
			default:
				out = append(out, op)
			}

		case last.Kind == Exclude && op.Kind == Exclude:
			last.Patterns = sortedUnique(append(last.Patterns, op.Patterns...))
			changed = true

		case last.Kind == Rename && op.Kind == Rename:
			last.Moves = append(last.Moves, op.Moves...)
			changed = true

		default:
			out = append(out, op)
		}
	}

	return out, changed
}

func sortedUnique(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := append([]string(nil), in...)
	sort.Strings(out)
	n := 1
	for i := 1; i < len(out); i++ {
		if out[i] != out[n-1] {
			out[n] = out[i]
			n++
		}
	}
	return out[:n]
}
