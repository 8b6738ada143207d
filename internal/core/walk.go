package core

import (
	"context"
	"fmt"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
)

type walkNode struct {
	commit    *object.Commit
	nextVisit int
}

// walkAncestors returns head and its ancestors in a deterministic
// parents-before-children order. The search visits the first parent first, so
// the first-parent chain comes out first. Commits for which stop returns true
// are not entered, nor are their ancestors.
func walkAncestors(
	ctx context.Context,
	s storer.EncodedObjectStorer,
	head *object.Commit,
	stop func(plumbing.Hash) (bool, error),
) ([]*object.Commit, error) {
	result := make([]*object.Commit, 0)
	seen := map[plumbing.Hash]struct{}{head.Hash: {}}
	stack := []*walkNode{{commit: head}}

	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		current := stack[len(stack)-1]
		if current.nextVisit == current.commit.NumParents() {
			result = append(result, current.commit)
			stack = stack[:len(stack)-1]
			continue
		}

		parent := current.commit.ParentHashes[current.nextVisit]
		current.nextVisit++

		if _, ok := seen[parent]; ok {
			continue
		}
		seen[parent] = struct{}{}

		done, err := stop(parent)
		if err != nil {
			return nil, err
		}
		if done {
			continue
		}

		c, err := object.GetCommit(s, parent)
		if err != nil {
			return nil, fmt.Errorf("cannot get parent %d of %s: %w", current.nextVisit-1, current.commit.Hash, err)
		}
		stack = append(stack, &walkNode{commit: c})
	}

	return result, nil
}
