package server

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
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

const testAdminToken = "admin-secret"

var testSig = object.Signature{
	Name:  "Test",
	Email: "test@example.com",
	When:  time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// testTokenStore implements TokenStore for tests.
type testTokenStore struct {
	tokens map[string]*TokenInfo
}

func (t *testTokenStore) GetByHash(hash string) (*TokenInfo, error) {
	return t.tokens[hash], nil
}

func (t *testTokenStore) UpdateLastUsed(_ string) error {
	return nil
}

func (t *testTokenStore) ListTokens() ([]*TokenInfo, error) {
	tokens := make([]*TokenInfo, 0, len(t.tokens))
	for _, tok := range t.tokens {
		tokens = append(tokens, tok)
	}
	return tokens, nil
}

func (t *testTokenStore) DeleteToken(id string) error {
	for hash, tok := range t.tokens {
		if tok.ID == id {
			delete(t.tokens, hash)
			return nil
		}
	}
	return fmt.Errorf("%s: %w", id, ErrTokenNotFound)
}

func (t *testTokenStore) CreateToken(desc string, repos []string, permission string) (string, *TokenInfo, error) {
	rawToken := "test-created-token"
	tokenHash := HashToken(rawToken)
	info := &TokenInfo{
		ID:         "tok-new",
		TokenHash:  tokenHash,
		Desc:       desc,
		Repos:      repos,
		Permission: permission,
	}
	t.tokens[tokenHash] = info
	return rawToken, info, nil
}

func (t *testTokenStore) add(id, raw string, repos []string, permission string) {
	t.tokens[HashToken(raw)] = &TokenInfo{
		ID:         id,
		TokenHash:  HashToken(raw),
		Repos:      repos,
		Permission: permission,
	}
}

// testEnv is a running server with one seeded repository, "project":
// main holds sub/foo and other/a.
type testEnv struct {
	ts      *httptest.Server
	repos   *DiskRepos
	repo    *core.Repo
	tokens  *testTokenStore
	cfg     *ServerConfig
	main    plumbing.Hash
	rwToken string
	roToken string
}

func newTestServer(t *testing.T, configure ...func(*ServerConfig)) *testEnv {
	t.Helper()

	logger := testLogger()
	repos, err := NewDiskRepos(t.TempDir(), logger)
	require.NoError(t, err)
	t.Cleanup(repos.CloseAll)

	require.NoError(t, repos.Create("project", "main"))
	repo, _, err := repos.Open("project")
	require.NoError(t, err)
	main := storeCommit(t, repo.Storage, map[string]string{"sub/foo": "foo\n", "other/a": "a\n"}, "initial\n")
	setBranch(t, repo, "main", main)

	tokens := &testTokenStore{tokens: make(map[string]*TokenInfo)}
	tokens.add("tok-rw", "rw-token", []string{"*"}, "rw")
	tokens.add("tok-ro", "ro-token", []string{"project"}, "ro")

	cfg := DefaultServerConfig()
	cfg.AdminToken = testAdminToken
	for _, fn := range configure {
		fn(cfg)
	}

	h, cleanup := Handler(repos, repos, tokens, cfg, logger)
	t.Cleanup(cleanup)
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)

	return &testEnv{
		ts:      ts,
		repos:   repos,
		repo:    repo,
		tokens:  tokens,
		cfg:     cfg,
		main:    main,
		rwToken: "rw-token",
		roToken: "ro-token",
	}
}

func authReq(method, url, token string, body io.Reader) *http.Request {
	req, _ := http.NewRequest(method, url, body)
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
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
		return sortKey(entries[i]) < sortKey(entries[j])
	})
	return storeObject(t, s, &object.Tree{Entries: entries})
}

func sortKey(e object.TreeEntry) string {
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
