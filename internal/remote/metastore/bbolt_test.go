package metastore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/kilupskalvis/gitview/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testFilter = "f1"

func newTestStore(t *testing.T) *BboltStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test-meta.db")
	s, err := NewBboltStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func hash(s string) plumbing.Hash {
	return plumbing.ComputeHash(plumbing.BlobObject, []byte(s))
}

func TestBboltStore_GetMapping_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetMapping(context.Background(), testFilter, hash("missing"))
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.GetSource(context.Background(), testFilter, hash("missing"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBboltStore_PutMappings(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a, b, c := hash("a"), hash("b"), hash("c")
	fa := hash("fa")
	require.NoError(t, s.PutMappings(ctx, testFilter, []Mapping{
		{Source: a, Filtered: fa},
		{Source: b, Filtered: fa}, // collapsed onto the same filtered commit
		{Source: c, Filtered: plumbing.ZeroHash},
	}))

	got, err := s.GetMapping(ctx, testFilter, b)
	require.NoError(t, err)
	assert.Equal(t, fa, got)

	got, err = s.GetMapping(ctx, testFilter, c)
	require.NoError(t, err)
	assert.True(t, got.IsZero())

	src, err := s.GetSource(ctx, testFilter, fa)
	require.NoError(t, err)
	assert.Equal(t, a, src, "inverse keeps the first source")

	_, err = s.GetSource(ctx, testFilter, plumbing.ZeroHash)
	assert.ErrorIs(t, err, ErrNotFound)

	n, err := s.MappingCount(ctx, testFilter)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestBboltStore_PutMappings_Idempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	m := []Mapping{{Source: hash("a"), Filtered: hash("fa")}}
	require.NoError(t, s.PutMappings(ctx, testFilter, m))
	require.NoError(t, s.PutMappings(ctx, testFilter, m))

	n, err := s.MappingCount(ctx, testFilter)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestBboltStore_PutMappings_ConflictRollsBackBatch(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.PutMappings(ctx, testFilter, []Mapping{{Source: hash("a"), Filtered: hash("fa")}}))

	err := s.PutMappings(ctx, testFilter, []Mapping{
		{Source: hash("b"), Filtered: hash("fb")},
		{Source: hash("a"), Filtered: hash("other")},
	})
	assert.ErrorIs(t, err, ErrConflict)

	_, err = s.GetMapping(ctx, testFilter, hash("b"))
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := s.GetMapping(ctx, testFilter, hash("a"))
	require.NoError(t, err)
	assert.Equal(t, hash("fa"), got)
}

func TestBboltStore_FiltersAreIsolated(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.PutMappings(ctx, "f1", []Mapping{{Source: hash("a"), Filtered: hash("x")}}))
	require.NoError(t, s.PutMappings(ctx, "f2", []Mapping{{Source: hash("a"), Filtered: hash("y")}}))

	got, err := s.GetMapping(ctx, "f2", hash("a"))
	require.NoError(t, err)
	assert.Equal(t, hash("y"), got)

	_, err = s.GetMapping(ctx, "f3", hash("a"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBboltStore_RegisterFilter(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.RegisterFilter(ctx, "f1", ":/sub"))
	require.NoError(t, s.RegisterFilter(ctx, "f1", ":/sub"))
	assert.ErrorIs(t, s.RegisterFilter(ctx, "f1", ":/other"), ErrConflict)
	require.NoError(t, s.RegisterFilter(ctx, "f2", ":nop"))

	filters, err := s.ListFilters(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"f1": ":/sub", "f2": ":nop"}, filters)
}

func TestBboltStore_DropFilter(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.RegisterFilter(ctx, "f1", ":/sub"))
	require.NoError(t, s.PutMappings(ctx, "f1", []Mapping{
		{Source: hash("a"), Filtered: hash("x")},
		{Source: hash("b"), Filtered: plumbing.ZeroHash},
	}))
	require.NoError(t, s.PutMappings(ctx, "f10", []Mapping{{Source: hash("a"), Filtered: hash("z")}}))
	require.NoError(t, s.UpdateViewRefCAS(ctx, "f1", &models.ViewRef{Branch: "main", FilteredTip: "x"}, ""))

	removed, err := s.DropFilter(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, err = s.GetMapping(ctx, "f1", hash("a"))
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetSource(ctx, "f1", hash("x"))
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetViewRef(ctx, "f1", "main")
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := s.GetMapping(ctx, "f10", hash("a"))
	require.NoError(t, err)
	assert.Equal(t, hash("z"), got)

	filters, err := s.ListFilters(ctx)
	require.NoError(t, err)
	assert.Empty(t, filters)
}

func TestBboltStore_ViewRefs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	refs, err := s.ListViewRefs(ctx, testFilter)
	require.NoError(t, err)
	assert.Empty(t, refs)

	require.NoError(t, s.UpdateViewRefCAS(ctx, testFilter, &models.ViewRef{Branch: "main", FilteredTip: "aaa", SourceTip: "111"}, ""))
	require.NoError(t, s.UpdateViewRefCAS(ctx, testFilter, &models.ViewRef{Branch: "dev", FilteredTip: "bbb", SourceTip: "222"}, ""))
	require.NoError(t, s.UpdateViewRefCAS(ctx, "other", &models.ViewRef{Branch: "main", FilteredTip: "ccc"}, ""))

	refs, err = s.ListViewRefs(ctx, testFilter)
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, "dev", refs[0].Branch)
	assert.Equal(t, "main", refs[1].Branch)
	assert.False(t, refs[1].UpdatedAt.IsZero())

	ref, err := s.GetViewRef(ctx, testFilter, "main")
	require.NoError(t, err)
	assert.Equal(t, "aaa", ref.FilteredTip)
	assert.Equal(t, "111", ref.SourceTip)

	require.NoError(t, s.DeleteViewRef(ctx, testFilter, "dev"))
	assert.ErrorIs(t, s.DeleteViewRef(ctx, testFilter, "dev"), ErrNotFound)
}

func TestBboltStore_UpdateViewRefCAS(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.UpdateViewRefCAS(ctx, testFilter, &models.ViewRef{Branch: "main", FilteredTip: "aaa"}, ""))

	// Correct expected value succeeds
	require.NoError(t, s.UpdateViewRefCAS(ctx, testFilter, &models.ViewRef{Branch: "main", FilteredTip: "bbb"}, "aaa"))

	// Stale expected value fails
	err := s.UpdateViewRefCAS(ctx, testFilter, &models.ViewRef{Branch: "main", FilteredTip: "ccc"}, "aaa")
	assert.ErrorIs(t, err, ErrConflict)

	ref, err := s.GetViewRef(ctx, testFilter, "main")
	require.NoError(t, err)
	assert.Equal(t, "bbb", ref.FilteredTip)
}

func TestBboltStore_UpdateViewRefCAS_CreateOnly(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.UpdateViewRefCAS(ctx, testFilter, &models.ViewRef{Branch: "main", FilteredTip: "aaa"}, ""))
	err := s.UpdateViewRefCAS(ctx, testFilter, &models.ViewRef{Branch: "main", FilteredTip: "old"}, "")
	assert.ErrorIs(t, err, ErrConflict)

	ref, err := s.GetViewRef(ctx, testFilter, "main")
	require.NoError(t, err)
	assert.Equal(t, "aaa", ref.FilteredTip)
}

func TestBboltStore_UpdateViewRefCAS_NonExistentWithExpected(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdateViewRefCAS(context.Background(), testFilter, &models.ViewRef{Branch: "nope", FilteredTip: "aaa"}, "something")
	assert.ErrorIs(t, err, ErrConflict)
}

func TestBboltStore_Reopen(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "nested", "meta.db")

	s, err := NewBboltStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.PutMappings(ctx, testFilter, []Mapping{{Source: hash("a"), Filtered: hash("x")}}))
	require.NoError(t, s.Close())

	s, err = NewBboltStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.GetMapping(ctx, testFilter, hash("a"))
	require.NoError(t, err)
	assert.Equal(t, hash("x"), got)
}
