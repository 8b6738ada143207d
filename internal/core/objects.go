package core

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
)

// EmptyTree is the id of the tree without entries.
var EmptyTree = plumbing.NewHash("4b825dc642cb6eb9a060e54bf8d69288fbee4904")

// errPathBlocked is returned when a non-directory sits on the path to an entry.
var errPathBlocked = errors.New("path blocked by a non-directory entry")

// readTree loads a tree. The zero hash reads as the empty tree.
func readTree(s storer.EncodedObjectStorer, h plumbing.Hash) (*object.Tree, error) {
	if h.IsZero() || h == EmptyTree {
		return &object.Tree{}, nil
	}
	t, err := object.GetTree(s, h)
	if err != nil {
		return nil, fmt.Errorf("read tree %s: %w", h, err)
	}
	return t, nil
}

// writeTree stores a tree built from entries in git order. No entries yields
// the zero hash and writes nothing.
func writeTree(s storer.EncodedObjectStorer, entries []object.TreeEntry) (plumbing.Hash, error) {
	if len(entries) == 0 {
		return plumbing.ZeroHash, nil
	}
	sorted := make([]object.TreeEntry, len(entries))
	copy(sorted, entries)
	sort.Sort(object.TreeEntrySorter(sorted))

	return writeObject(s, &object.Tree{Entries: sorted})
}

// materialize turns the zero hash into a stored empty tree.
func materialize(s storer.EncodedObjectStorer, tree plumbing.Hash) (plumbing.Hash, error) {
	if !tree.IsZero() {
		return tree, nil
	}
	return writeObject(s, &object.Tree{})
}

type encoder interface {
	Encode(plumbing.EncodedObject) error
}

func writeObject(s storer.EncodedObjectStorer, v encoder) (plumbing.Hash, error) {
	o := s.NewEncodedObject()
	if err := v.Encode(o); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("encode object: %w", err)
	}
	h := o.Hash()
	if s.HasEncodedObject(h) == nil {
		return h, nil
	}
	return s.SetEncodedObject(o)
}

// hashCommit returns the id a commit would have without storing it.
func hashCommit(c *object.Commit) (plumbing.Hash, error) {
	o := &plumbing.MemoryObject{}
	if err := c.Encode(o); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("encode commit: %w", err)
	}
	return o.Hash(), nil
}

func splitPath(p string) []string {
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func findEntry(t *object.Tree, name string) (object.TreeEntry, bool) {
	for _, e := range t.Entries {
		if e.Name == name {
			return e, true
		}
	}
	return object.TreeEntry{}, false
}

// lookup returns the entry at p below root.
func lookup(s storer.EncodedObjectStorer, root plumbing.Hash, p string) (object.TreeEntry, bool, error) {
	parts := splitPath(p)
	if len(parts) == 0 || root.IsZero() {
		return object.TreeEntry{}, false, nil
	}
	cur := root
	for i, name := range parts {
		t, err := readTree(s, cur)
		if err != nil {
			return object.TreeEntry{}, false, err
		}
		e, ok := findEntry(t, name)
		if !ok {
			return object.TreeEntry{}, false, nil
		}
		if i == len(parts)-1 {
			return e, true, nil
		}
		if e.Mode != filemode.Dir {
			return object.TreeEntry{}, false, nil
		}
		cur = e.Hash
	}
	return object.TreeEntry{}, false, nil
}

// subtree returns the directory at p, or the zero hash if there is none.
func subtree(s storer.EncodedObjectStorer, root plumbing.Hash, p string) (plumbing.Hash, error) {
	if p == "" {
		return root, nil
	}
	e, ok, err := lookup(s, root, p)
	if err != nil || !ok || e.Mode != filemode.Dir {
		return plumbing.ZeroHash, err
	}
	return e.Hash, nil
}

// setEntry returns root with the entry at p replaced by e, or removed when e
// is nil. Missing directories are created and emptied ones dropped. A file on
// the way is replaced when force is set, otherwise errPathBlocked.
func setEntry(s storer.EncodedObjectStorer, root plumbing.Hash, p string, e *object.TreeEntry, force bool) (plumbing.Hash, error) {
	name, rest, nested := strings.Cut(p, "/")

	t, err := readTree(s, root)
	if err != nil {
		return plumbing.ZeroHash, err
	}

	entries := make([]object.TreeEntry, 0, len(t.Entries)+1)
	var current *object.TreeEntry
	for i := range t.Entries {
		if t.Entries[i].Name == name {
			c := t.Entries[i]
			current = &c
			continue
		}
		entries = append(entries, t.Entries[i])
	}

	var child *object.TreeEntry
	if !nested {
		if e == nil && current == nil {
			return root, nil
		}
		if e != nil {
			c := *e
			c.Name = name
			child = &c
		}
	} else {
		var sub plumbing.Hash
		if current != nil {
			switch {
			case current.Mode == filemode.Dir:
				sub = current.Hash
			case e == nil:
				return root, nil
			case !force:
				return plumbing.ZeroHash, fmt.Errorf("%s: %w", name, errPathBlocked)
			}
		} else if e == nil {
			return root, nil
		}
		h, err := setEntry(s, sub, rest, e, force)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		if !h.IsZero() {
			child = &object.TreeEntry{Name: name, Mode: filemode.Dir, Hash: h}
		}
	}

	if child != nil {
		entries = append(entries, *child)
	}
	return writeTree(s, entries)
}

// wrap places tree under p. The empty tree stays empty.
func wrap(s storer.EncodedObjectStorer, tree plumbing.Hash, p string) (plumbing.Hash, error) {
	if tree.IsZero() {
		return tree, nil
	}
	parts := splitPath(p)
	for i := len(parts) - 1; i >= 0; i-- {
		h, err := writeTree(s, []object.TreeEntry{{Name: parts[i], Mode: filemode.Dir, Hash: tree}})
		if err != nil {
			return plumbing.ZeroHash, err
		}
		tree = h
	}
	return tree, nil
}

// unwrap is the inverse of wrap. Anything next to the path is outside the
// view.
func unwrap(s storer.EncodedObjectStorer, tree plumbing.Hash, p string) (plumbing.Hash, error) {
	for _, name := range splitPath(p) {
		if tree.IsZero() {
			return tree, nil
		}
		t, err := readTree(s, tree)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		if len(t.Entries) == 0 {
			return plumbing.ZeroHash, nil
		}
		if len(t.Entries) != 1 || t.Entries[0].Name != name || t.Entries[0].Mode != filemode.Dir {
			return plumbing.ZeroHash, fmt.Errorf("%w: only %s/ is visible", ErrOutsideView, p)
		}
		tree = t.Entries[0].Hash
	}
	if tree == EmptyTree {
		return plumbing.ZeroHash, nil
	}
	return tree, nil
}

// commitTree returns the root tree of a commit.
func commitTree(s storer.EncodedObjectStorer, h plumbing.Hash) (plumbing.Hash, error) {
	c, err := object.GetCommit(s, h)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("read commit %s: %w", h, err)
	}
	return c.TreeHash, nil
}
