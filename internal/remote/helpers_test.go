package remote

import (
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"github.com/kilupskalvis/gitview/internal/core"
	"github.com/stretchr/testify/require"
)

var testSig = object.Signature{
	Name:  "Test",
	Email: "test@example.com",
	When:  time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
}

func newTestRepo(t *testing.T) *core.Repo {
	t.Helper()
	repo, err := core.InitRepo("project", t.TempDir(), "main", nil)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func storeObject(t *testing.T, s storer.EncodedObjectStorer, o interface {
	Encode(plumbing.EncodedObject) error
}) plumbing.Hash {
	t.Helper()
	obj := s.NewEncodedObject()
	require.NoError(t, o.Encode(obj))
	h, err := s.SetEncodedObject(obj)
	require.NoError(t, err)
	return h
}

func storeBlob(t *testing.T, s storer.EncodedObjectStorer, content string) plumbing.Hash {
	t.Helper()
	obj := s.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	w, err := obj.Writer()
	require.NoError(t, err)
	_, err = w.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	h, err := s.SetEncodedObject(obj)
	require.NoError(t, err)
	return h
}

// storeTree writes files, keyed by slash separated path, as nested trees.
func storeTree(t *testing.T, s storer.EncodedObjectStorer, files map[string]string) plumbing.Hash {
	t.Helper()
	blobs := make(map[string]string)
	dirs := make(map[string]map[string]string)
	for p, content := range files {
		head, rest, nested := strings.Cut(p, "/")
		if !nested {
			blobs[head] = content
			continue
		}
		if dirs[head] == nil {
			dirs[head] = make(map[string]string)
		}
		dirs[head][rest] = content
	}

	var entries []object.TreeEntry
	for name, content := range blobs {
		entries = append(entries, object.TreeEntry{Name: name, Mode: filemode.Regular, Hash: storeBlob(t, s, content)})
	}
	for name, sub := range dirs {
		entries = append(entries, object.TreeEntry{Name: name, Mode: filemode.Dir, Hash: storeTree(t, s, sub)})
	}
	sort.Slice(entries, func(i, j int) bool {
		return treeSortKey(entries[i]) < treeSortKey(entries[j])
	})
	return storeObject(t, s, &object.Tree{Entries: entries})
}

func treeSortKey(e object.TreeEntry) string {
	if e.Mode == filemode.Dir {
		return e.Name + "/"
	}
	return e.Name
}

func storeCommit(t *testing.T, s storer.EncodedObjectStorer, files map[string]string, msg string, parents ...plumbing.Hash) plumbing.Hash {
	t.Helper()
	return storeObject(t, s, &object.Commit{
		Author:       testSig,
		Committer:    testSig,
		Message:      msg,
		TreeHash:     storeTree(t, s, files),
		ParentHashes: parents,
	})
}

func setBranch(t *testing.T, repo *core.Repo, name string, h plumbing.Hash) {
	t.Helper()
	require.NoError(t, repo.Storage.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName(name), h)))
}

func branchTip(t *testing.T, repo *core.Repo, name string) plumbing.Hash {
	t.Helper()
	ref, err := repo.Storage.Reference(plumbing.NewBranchReferenceName(name))
	require.NoError(t, err)
	return ref.Hash()
}

// filesAt returns the files of commit h keyed by path.
func filesAt(t *testing.T, s storer.EncodedObjectStorer, h plumbing.Hash) map[string]string {
	t.Helper()
	c, err := object.GetCommit(s, h)
	require.NoError(t, err)
	tree, err := c.Tree()
	require.NoError(t, err)
	out := make(map[string]string)
	require.NoError(t, tree.Files().ForEach(func(f *object.File) error {
		content, err := f.Contents()
		if err != nil {
			return err
		}
		out[f.Name] = content
		return nil
	}))
	return out
}
