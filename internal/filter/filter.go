// Package filter parses and normalizes view filter expressions.
//
// A Spec is an ordered list of path operations. Two expressions that mean the
// same thing normalize to the same operation list, render to the same
// canonical text and therefore share an ID, which is what keys the rewrite
// cache.
package filter

import (
	"encoding/hex"
	"strings"

	"lukechampine.com/blake3"
)

// Kind identifies a path operation.
type Kind int

const (
	// Descend replaces the tree with the subtree at Path.
	Descend Kind = iota + 1
	// Prefix moves the whole tree under Path.
	Prefix
	// Exclude drops every entry matching one of Patterns.
	Exclude
	// Rename moves entries from one path to another.
	Rename
)

func (k Kind) String() string {
	switch k {
	case Descend:
		return "descend"
	case Prefix:
		return "prefix"
	case Exclude:
		return "exclude"
	case Rename:
		return "rename"
	default:
		return "unknown"
	}
}

// Move is a single from=to pair of a Rename op.
type Move struct {
	From string
	To   string
}

// Op is one primitive path operation.
type Op struct {
	Kind     Kind
	Path     string   // Descend, Prefix
	Patterns []string // Exclude
	Moves    []Move   // Rename
}

func (o Op) String() string {
	switch o.Kind {
	case Descend:
		return ":/" + o.Path
	case Prefix:
		return ":prefix=" + o.Path
	case Exclude:
		return ":exclude[" + strings.Join(o.Patterns, ",") + "]"
	case Rename:
		parts := make([]string, len(o.Moves))
		for i, m := range o.Moves {
			parts[i] = m.From + "=" + m.To
		}
		return ":rename[" + strings.Join(parts, ",") + "]"
	default:
		return ""
	}
}

func (o Op) clone() Op {
	c := Op{Kind: o.Kind, Path: o.Path}
	if o.Patterns != nil {
		c.Patterns = append([]string(nil), o.Patterns...)
	}
	if o.Moves != nil {
		c.Moves = append([]Move(nil), o.Moves...)
	}
	return c
}

// identityText is the canonical rendering of the empty operation list.
const identityText = ":nop"

// Spec is an immutable, normalized filter. The zero value is the identity.
type Spec struct {
	ops  []Op
	text string
	id   string
}

// Identity returns the filter that leaves trees untouched.
func Identity() Spec {
	return newSpec(nil)
}

// FromOps builds a normalized Spec from raw operations. Paths must already be
// clean; use Parse for untrusted input.
func FromOps(ops ...Op) Spec {
	return newSpec(normalize(ops))
}

func newSpec(ops []Op) Spec {
	var b strings.Builder
	for _, op := range ops {
		b.WriteString(op.String())
	}
	text := b.String()
	if text == "" {
		text = identityText
	}
	sum := blake3.Sum256([]byte(text))
	return Spec{ops: ops, text: text, id: hex.EncodeToString(sum[:])}
}

// Ops returns a copy of the normalized operation list.
func (s Spec) Ops() []Op {
	out := make([]Op, len(s.ops))
	for i, op := range s.ops {
		out[i] = op.clone()
	}
	return out
}

// IsIdentity reports whether the filter changes nothing.
func (s Spec) IsIdentity() bool {
	return len(s.ops) == 0
}

// String returns the canonical expression.
func (s Spec) String() string {
	if s.text == "" {
		return identityText
	}
	return s.text
}

// ID returns the hex BLAKE3 digest of the canonical expression.
func (s Spec) ID() string {
	if s.id == "" {
		return Identity().id
	}
	return s.id
}

// Compose chains filters: the output tree of a feeds b.
func Compose(specs ...Spec) Spec {
	var ops []Op
	for _, s := range specs {
		for _, op := range s.ops {
			ops = append(ops, op.clone())
		}
	}
	return newSpec(normalize(ops))
}
