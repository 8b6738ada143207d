package core

import (
	"io"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/kilupskalvis/gitview/internal/remote/metastore"
	"github.com/stretchr/testify/require"
)

func newTestRepo(t *testing.T) *Repo {
	t.Helper()
	meta, err := metastore.NewBboltStore(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })
	return NewRepo("test", memory.NewStorage(), meta, nil)
}

func writeBlob(t *testing.T, s storer.EncodedObjectStorer, content string) plumbing.Hash {
	t.Helper()
	o := s.NewEncodedObject()
	o.SetType(plumbing.BlobObject)
	w, err := o.Writer()
	require.NoError(t, err)
	_, err = w.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	h, err := s.SetEncodedObject(o)
	require.NoError(t, err)
	return h
}

// writeFiles builds a tree from a path to content map.
func writeFiles(t *testing.T, s storer.EncodedObjectStorer, files map[string]string) plumbing.Hash {
	t.Helper()
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var root plumbing.Hash
	for _, p := range paths {
		e := &object.TreeEntry{Mode: filemode.Regular, Hash: writeBlob(t, s, files[p])}
		var err error
		root, err = setEntry(s, root, p, e, false)
		require.NoError(t, err)
	}
	root, err := materialize(s, root)
	require.NoError(t, err)
	return root
}

// readFiles flattens a tree into a path to content map.
func readFiles(t *testing.T, s storer.EncodedObjectStorer, tree plumbing.Hash) map[string]string {
	t.Helper()
	out := map[string]string{}
	if tree.IsZero() || tree == EmptyTree {
		return out
	}
	tr, err := object.GetTree(s, tree)
	require.NoError(t, err)
	err = tr.Files().ForEach(func(f *object.File) error {
		r, err := f.Reader()
		if err != nil {
			return err
		}
		defer r.Close()
		b, err := io.ReadAll(r)
		if err != nil {
			return err
		}
		out[f.Name] = string(b)
		return nil
	})
	require.NoError(t, err)
	return out
}

var testClock = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func writeCommit(t *testing.T, s storer.EncodedObjectStorer, tree plumbing.Hash, msg string, parents ...plumbing.Hash) plumbing.Hash {
	t.Helper()
	sig := object.Signature{Name: "Test", Email: "test@example.com", When: testClock}
	h, err := writeObject(s, &object.Commit{
		Author:       sig,
		Committer:    sig,
		Message:      msg,
		TreeHash:     tree,
		ParentHashes: parents,
	})
	require.NoError(t, err)
	return h
}

func commitFiles(t *testing.T, s storer.EncodedObjectStorer, files map[string]string, msg string, parents ...plumbing.Hash) plumbing.Hash {
	t.Helper()
	return writeCommit(t, s, writeFiles(t, s, files), msg, parents...)
}

func setBranch(t *testing.T, repo *Repo, name string, h plumbing.Hash) {
	t.Helper()
	require.NoError(t, repo.Storage.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName(name), h)))
}

func branchTip(t *testing.T, repo *Repo, name string) plumbing.Hash {
	t.Helper()
	ref, err := repo.Storage.Reference(plumbing.NewBranchReferenceName(name))
	require.NoError(t, err)
	return ref.Hash()
}

func getCommit(t *testing.T, s storer.EncodedObjectStorer, h plumbing.Hash) *object.Commit {
	t.Helper()
	c, err := object.GetCommit(s, h)
	require.NoError(t, err)
	return c
}

func commitFilesOf(t *testing.T, s storer.EncodedObjectStorer, h plumbing.Hash) map[string]string {
	t.Helper()
	return readFiles(t, s, getCommit(t, s, h).TreeHash)
}
