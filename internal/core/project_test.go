package core

import (
	"context"
	"testing"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/kilupskalvis/gitview/internal/filter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var projectFixture = map[string]string{
	"README.md":          "readme",
	"sub/foo":            "sub_bla",
	"sub/deep/bar.go":    "package deep",
	"sub/deep/blob.bin":  "\x00\x01",
	"sub/docs/guide.md":  "guide",
	"other/x.txt":        "x",
	"other/nested/y.bin": "y",
}

func TestProjector_Project(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStorage()
	tree := writeFiles(t, s, projectFixture)

	tests := []struct {
		expr string
		want map[string]string
	}{
		{":/sub", map[string]string{"foo": "sub_bla", "deep/bar.go": "package deep", "deep/blob.bin": "\x00\x01", "docs/guide.md": "guide"}},
		{":/sub/deep", map[string]string{"bar.go": "package deep", "blob.bin": "\x00\x01"}},
		{"::sub/deep/", map[string]string{"sub/deep/bar.go": "package deep", "sub/deep/blob.bin": "\x00\x01"}},
		{":/other:prefix=vendor/other", map[string]string{"vendor/other/x.txt": "x", "vendor/other/nested/y.bin": "y"}},
		{":exclude[**/*.bin,sub/docs]", map[string]string{"README.md": "readme", "sub/foo": "sub_bla", "sub/deep/bar.go": "package deep", "other/x.txt": "x"}},
		{":/sub:exclude[*.md,docs/**]", map[string]string{"foo": "sub_bla", "deep/bar.go": "package deep", "deep/blob.bin": "\x00\x01"}},
		{":rename[README.md=docs/README.md,other=third]", map[string]string{
			"docs/README.md": "readme", "sub/foo": "sub_bla", "sub/deep/bar.go": "package deep",
			"sub/deep/blob.bin": "\x00\x01", "sub/docs/guide.md": "guide", "third/x.txt": "x", "third/nested/y.bin": "y",
		}},
		{":/sub:rename[foo=renamed/foo]:exclude[deep]", map[string]string{"renamed/foo": "sub_bla", "docs/guide.md": "guide"}},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			p := NewProjector(s, filter.MustParse(tt.expr))
			pr, err := p.Project(ctx, tree, plumbing.ZeroHash)
			require.NoError(t, err)
			assert.Equal(t, ProjectedTree, pr.Kind)
			assert.Equal(t, tt.want, readFiles(t, s, pr.Tree))
		})
	}
}

func TestProjector_Empty(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStorage()
	tree := writeFiles(t, s, projectFixture)

	for _, expr := range []string{":/missing", ":/sub/foo", ":exclude[**]", ":/other:exclude[**/*.bin,*.txt]"} {
		p := NewProjector(s, filter.MustParse(expr))
		pr, err := p.Project(ctx, tree, plumbing.ZeroHash)
		require.NoError(t, err, expr)
		assert.Equal(t, Empty, pr.Kind, expr)
		assert.True(t, pr.Tree.IsZero(), expr)
	}

	p := NewProjector(s, filter.MustParse(":prefix=a"))
	pr, err := p.Project(ctx, EmptyTree, plumbing.ZeroHash)
	require.NoError(t, err)
	assert.Equal(t, Empty, pr.Kind)
}

func TestProjector_Unchanged(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStorage()
	p := NewProjector(s, filter.MustParse(":/sub"))

	before := writeFiles(t, s, map[string]string{"sub/foo": "1", "other": "a"})
	after := writeFiles(t, s, map[string]string{"sub/foo": "1", "other": "b"})
	changed := writeFiles(t, s, map[string]string{"sub/foo": "2", "other": "b"})

	first, err := p.Project(ctx, before, plumbing.ZeroHash)
	require.NoError(t, err)
	require.Equal(t, ProjectedTree, first.Kind)

	second, err := p.Project(ctx, after, first.Tree)
	require.NoError(t, err)
	assert.Equal(t, Unchanged, second.Kind)
	assert.Equal(t, first.Tree, second.Tree)

	third, err := p.Project(ctx, changed, first.Tree)
	require.NoError(t, err)
	assert.Equal(t, ProjectedTree, third.Kind)
}

func TestProjector_Deterministic(t *testing.T) {
	ctx := context.Background()
	spec := filter.MustParse(":/sub:exclude[**/*.bin]:rename[foo=x/foo]")

	var results []plumbing.Hash
	for i := 0; i < 3; i++ {
		s := memory.NewStorage()
		tree := writeFiles(t, s, projectFixture)
		out, err := NewProjector(s, spec).Apply(ctx, tree)
		require.NoError(t, err)
		results = append(results, out)
	}
	assert.Equal(t, results[0], results[1])
	assert.Equal(t, results[0], results[2])
}

func TestProjector_UnprojectRoundTrip(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		expr    string
		edit    map[string]string
		wantAll map[string]string
	}{
		{
			expr: ":/sub",
			edit: map[string]string{"foo": "sub_bla", "foo2": "new", "deep/bar.go": "package deep", "deep/blob.bin": "\x00\x01"},
			wantAll: map[string]string{
				"README.md": "readme", "sub/foo": "sub_bla", "sub/foo2": "new", "sub/deep/bar.go": "package deep",
				"sub/deep/blob.bin": "\x00\x01", "other/x.txt": "x", "other/nested/y.bin": "y",
			},
		},
		{
			expr: ":/other:prefix=vendor",
			edit: map[string]string{"vendor/x.txt": "x2"},
			wantAll: map[string]string{
				"README.md": "readme", "sub/foo": "sub_bla", "sub/deep/bar.go": "package deep",
				"sub/deep/blob.bin": "\x00\x01", "sub/docs/guide.md": "guide", "other/x.txt": "x2",
			},
		},
		{
			expr: ":exclude[**/*.bin]",
			edit: map[string]string{"README.md": "changed", "sub/foo": "sub_bla", "sub/docs/guide.md": "guide", "other/x.txt": "x"},
			wantAll: map[string]string{
				"README.md": "changed", "sub/foo": "sub_bla", "sub/deep/blob.bin": "\x00\x01",
				"sub/docs/guide.md": "guide", "other/x.txt": "x", "other/nested/y.bin": "y",
			},
		},
		{
			expr: ":rename[README.md=docs/README.md]",
			edit: map[string]string{"docs/README.md": "readme v2", "sub/foo": "sub_bla", "other/x.txt": "x"},
			wantAll: map[string]string{
				"README.md": "readme v2", "sub/foo": "sub_bla", "other/x.txt": "x",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			s := memory.NewStorage()
			base := writeFiles(t, s, projectFixture)
			p := NewProjector(s, filter.MustParse(tt.expr))

			// Unchanged view splices back to the base itself.
			projected, err := p.Apply(ctx, base)
			require.NoError(t, err)
			same, err := p.Unproject(ctx, projected, base)
			require.NoError(t, err)
			assert.Equal(t, base, same)

			edited := writeFiles(t, s, tt.edit)
			full, err := p.Unproject(ctx, edited, base)
			require.NoError(t, err)
			assert.Equal(t, tt.wantAll, readFiles(t, s, full))

			again, err := p.Apply(ctx, full)
			require.NoError(t, err)
			assert.Equal(t, edited, again)
		})
	}
}

func TestProjector_UnprojectOutsideView(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStorage()
	base := writeFiles(t, s, projectFixture)

	tests := []struct {
		expr string
		edit map[string]string
	}{
		{":prefix=lib", map[string]string{"lib/a": "a", "stray": "b"}},
		{":exclude[**/*.bin]", map[string]string{"sub/foo": "x", "new.bin": "y"}},
		{":rename[README.md=docs/README.md]", map[string]string{"README.md": "shadow", "docs/README.md": "readme"}},
	}
	for _, tt := range tests {
		p := NewProjector(s, filter.MustParse(tt.expr))
		_, err := p.Unproject(ctx, writeFiles(t, s, tt.edit), base)
		assert.ErrorIs(t, err, ErrOutsideView, tt.expr)
	}
}

func TestProjector_UnprojectBlockedPath(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStorage()
	base := writeFiles(t, s, map[string]string{"sub": "i am a file"})
	p := NewProjector(s, filter.MustParse(":/sub"))

	_, err := p.Unproject(ctx, writeFiles(t, s, map[string]string{"foo": "x"}), base)
	var ie *IntegrityError
	require.ErrorAs(t, err, &ie)
	assert.ErrorIs(t, err, ErrIntegrity)
}

func TestProjector_UnprojectCreatesAndRemovesSubtree(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStorage()
	p := NewProjector(s, filter.MustParse(":/a/b"))

	base := writeFiles(t, s, map[string]string{"top": "t"})
	full, err := p.Unproject(ctx, writeFiles(t, s, map[string]string{"f": "1"}), base)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"top": "t", "a/b/f": "1"}, readFiles(t, s, full))

	removed, err := p.Unproject(ctx, plumbing.ZeroHash, full)
	require.NoError(t, err)
	assert.Equal(t, base, removed)
}
