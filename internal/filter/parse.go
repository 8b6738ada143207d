package filter

import (
	"fmt"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// ParseError reports a malformed filter expression.
type ParseError struct {
	Expr string
	Pos  int
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid filter %q at offset %d: %s", e.Expr, e.Pos, e.Msg)
}

// Parse parses and normalizes a filter expression. The empty string is the
// identity filter.
func Parse(expr string) (Spec, error) {
	p := &parser{expr: expr}
	ops, err := p.parse()
	if err != nil {
		return Spec{}, err
	}
	return newSpec(normalize(ops)), nil
}

// MustParse is like Parse but panics on error. Intended for tests and
// constants.
func MustParse(expr string) Spec {
	s, err := Parse(expr)
	if err != nil {
		panic(err)
	}
	return s
}

type parser struct {
	expr string
	pos  int
}

func (p *parser) errorf(pos int, format string, args ...interface{}) error {
	return &ParseError{Expr: p.expr, Pos: pos, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) rest() string {
	return p.expr[p.pos:]
}

func (p *parser) parse() ([]Op, error) {
	var ops []Op
	for p.pos < len(p.expr) {
		if p.expr[p.pos] != ':' {
			return nil, p.errorf(p.pos, "expected ':'")
		}
		start := p.pos
		parsed, err := p.parseOp()
		if err != nil {
			return nil, err
		}
		if p.pos == start {
			return nil, p.errorf(start, "empty operation")
		}
		ops = append(ops, parsed...)
	}
	return ops, nil
}

func (p *parser) parseOp() ([]Op, error) {
	rest := p.rest()
	start := p.pos

	switch {
	case strings.HasPrefix(rest, "::"):
		p.pos += 2
		raw := p.readPath()
		if !strings.HasSuffix(raw, "/") {
			return nil, p.errorf(start, "'::' selects a directory and must end with '/'")
		}
		clean, err := p.cleanPath(start, raw)
		if err != nil {
			return nil, err
		}
		return []Op{{Kind: Descend, Path: clean}, {Kind: Prefix, Path: clean}}, nil

	case strings.HasPrefix(rest, ":/"):
		p.pos += 2
		clean, err := p.cleanPath(start, p.readPath())
		if err != nil {
			return nil, err
		}
		return []Op{{Kind: Descend, Path: clean}}, nil

	case strings.HasPrefix(rest, ":subdir="):
		p.pos += len(":subdir=")
		clean, err := p.cleanPath(start, p.readPath())
		if err != nil {
			return nil, err
		}
		return []Op{{Kind: Descend, Path: clean}}, nil

	case strings.HasPrefix(rest, ":prefix="):
		p.pos += len(":prefix=")
		clean, err := p.cleanPath(start, p.readPath())
		if err != nil {
			return nil, err
		}
		return []Op{{Kind: Prefix, Path: clean}}, nil

	case strings.HasPrefix(rest, ":exclude["):
		p.pos += len(":exclude[")
		items, err := p.readList(start)
		if err != nil {
			return nil, err
		}
		if len(items) == 0 {
			return nil, p.errorf(start, "exclude needs at least one pattern")
		}
		patterns := make([]string, 0, len(items))
		for _, it := range items {
			pat := strings.Trim(it, "/")
			if pat == "" {
				return nil, p.errorf(start, "empty exclude pattern")
			}
			if !doublestar.ValidatePattern(pat) {
				return nil, p.errorf(start, "invalid exclude pattern %q", it)
			}
			patterns = append(patterns, pat)
		}
		return []Op{{Kind: Exclude, Patterns: patterns}}, nil

	case strings.HasPrefix(rest, ":rename["):
		p.pos += len(":rename[")
		items, err := p.readList(start)
		if err != nil {
			return nil, err
		}
		if len(items) == 0 {
			return nil, p.errorf(start, "rename needs at least one from=to pair")
		}
		moves := make([]Move, 0, len(items))
		for _, it := range items {
			from, to, ok := strings.Cut(it, "=")
			if !ok {
				return nil, p.errorf(start, "rename entry %q is not from=to", it)
			}
			cf, err := p.cleanPath(start, from)
			if err != nil {
				return nil, err
			}
			ct, err := p.cleanPath(start, to)
			if err != nil {
				return nil, err
			}
			if cf == "" || ct == "" {
				return nil, p.errorf(start, "rename entry %q has an empty side", it)
			}
			if strings.HasPrefix(ct, cf+"/") || strings.HasPrefix(cf, ct+"/") {
				return nil, p.errorf(start, "rename %q moves a path into itself", it)
			}
			moves = append(moves, Move{From: cf, To: ct})
		}
		return []Op{{Kind: Rename, Moves: moves}}, nil

	case rest == ":nop" || strings.HasPrefix(rest, ":nop:"):
		p.pos += len(":nop")
		return nil, nil

	default:
		return nil, p.errorf(start, "unknown operation")
	}
}

// readPath consumes up to the next ':' that starts an operation.
func (p *parser) readPath() string {
	end := strings.IndexByte(p.rest(), ':')
	if end < 0 {
		end = len(p.rest())
	}
	s := p.rest()[:end]
	p.pos += end
	return s
}

// readList consumes a bracketed, comma separated list. Nested brackets and
// braces belong to glob syntax and are kept intact.
func (p *parser) readList(start int) ([]string, error) {
	var (
		items   []string
		current strings.Builder
		depth   int
		braces  int
	)
	for p.pos < len(p.expr) {
		c := p.expr[p.pos]
		p.pos++
		switch {
		case c == ']' && depth == 0:
			if s := current.String(); s != "" || len(items) > 0 {
				items = append(items, s)
			}
			for _, it := range items {
				if it == "" {
					return nil, p.errorf(start, "empty list entry")
				}
			}
			return items, nil
		case c == ',' && depth == 0 && braces == 0:
			items = append(items, current.String())
			current.Reset()
			continue
		case c == '[':
			depth++
		case c == ']':
			depth--
		case c == '{':
			braces++
		case c == '}':
			braces--
		}
		current.WriteByte(c)
	}
	return nil, p.errorf(start, "missing closing ']'")
}

func (p *parser) cleanPath(pos int, raw string) (string, error) {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "", nil
	}
	for _, seg := range strings.Split(trimmed, "/") {
		if seg == ".." {
			return "", p.errorf(pos, "path %q escapes the repository root", raw)
		}
	}
	for _, r := range trimmed {
		if r < 0x20 || r == 0x7f {
			return "", p.errorf(pos, "path %q contains control characters", raw)
		}
	}
	clean := path.Clean(trimmed)
	if clean == "." {
		return "", nil
	}
	return clean, nil
}
