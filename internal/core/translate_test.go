package core

import (
	"context"
	"testing"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/kilupskalvis/gitview/internal/filter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var mainBranch = plumbing.NewBranchReferenceName("main")

// newPush returns a translator whose pushed objects are staged in a fresh
// quarantine, the way a receive-pack session sets it up.
func newPush(t *testing.T, repo *Repo, spec filter.Spec, opts TranslatorOptions) (*Translator, *Quarantine) {
	t.Helper()
	q := NewQuarantine(repo.Storage)
	promote := func(ctx context.Context) error {
		_, err := q.Promote(ctx, repo.Storage)
		return err
	}
	return NewTranslator(repo, spec, q, promote, opts), q
}

func viewOf(t *testing.T, repo *Repo, spec filter.Spec, full plumbing.Hash) plumbing.Hash {
	t.Helper()
	h, err := repo.Rewriter(spec).Rewrite(context.Background(), full)
	require.NoError(t, err)
	return h
}

// seedMain creates main with one commit holding sub/foo and other/a.
func seedMain(t *testing.T, repo *Repo) plumbing.Hash {
	t.Helper()
	c1 := commitFiles(t, repo.Storage, map[string]string{"sub/foo": "sub_bla", "other/a": "a"}, "initial\n")
	setBranch(t, repo, "main", c1)
	return c1
}

func TestTranslator_ReinjectsNewFile(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	spec := filter.MustParse(":/sub")
	c1 := seedMain(t, repo)
	v1 := viewOf(t, repo, spec, c1)

	tr, q := newPush(t, repo, spec, TranslatorOptions{})
	p1 := commitFiles(t, q, map[string]string{"foo": "sub_bla", "foo2": "new"}, "add foo2\n", v1)

	res, err := tr.Push(ctx, PushRequest{Branch: mainBranch, Old: v1, New: p1})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, c1, res.SourceOld)
	assert.Equal(t, p1, res.FilteredNew)

	tip := branchTip(t, repo, "main")
	assert.Equal(t, res.SourceNew, tip)
	assert.Equal(t, map[string]string{"sub/foo": "sub_bla", "sub/foo2": "new", "other/a": "a"}, commitFilesOf(t, repo.Storage, tip))

	full := getCommit(t, repo.Storage, tip)
	assert.Equal(t, []plumbing.Hash{c1}, full.ParentHashes)
	assert.Equal(t, "add foo2\n", full.Message)

	// The new full tip maps back to exactly the pushed commit.
	assert.Equal(t, p1, viewOf(t, repo, spec, tip))
	require.NoError(t, repo.Storage.HasEncodedObject(p1))

	ref, err := repo.Cache.GetViewRef(ctx, spec.ID(), mainBranch.String())
	require.NoError(t, err)
	assert.Equal(t, p1.String(), ref.FilteredTip)
	assert.Equal(t, tip.String(), ref.SourceTip)
}

func TestTranslator_SeveralCommits(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	spec := filter.MustParse(":/sub:prefix=lib")
	c1 := seedMain(t, repo)
	v1 := viewOf(t, repo, spec, c1)

	tr, q := newPush(t, repo, spec, TranslatorOptions{})
	p1 := commitFiles(t, q, map[string]string{"lib/foo": "v2"}, "one\n", v1)
	p2 := commitFiles(t, q, map[string]string{"lib/foo": "v3", "lib/bar": "b"}, "two\n", p1)

	res, err := tr.Push(ctx, PushRequest{Branch: mainBranch, Old: v1, New: p2})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Created)

	tip := branchTip(t, repo, "main")
	assert.Equal(t, map[string]string{"sub/foo": "v3", "sub/bar": "b", "other/a": "a"}, commitFilesOf(t, repo.Storage, tip))
	assert.Equal(t, p2, viewOf(t, repo, spec, tip))

	parent := getCommit(t, repo.Storage, tip).ParentHashes[0]
	assert.Equal(t, p1, viewOf(t, repo, spec, parent))
}

func TestTranslator_InitialPush(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	spec := filter.MustParse(":/sub")

	tr, q := newPush(t, repo, spec, TranslatorOptions{})
	p := commitFiles(t, q, map[string]string{"foo": "x"}, "start\n")

	_, err := tr.Push(ctx, PushRequest{Branch: mainBranch, New: p})
	require.NoError(t, err)

	tip := branchTip(t, repo, "main")
	assert.Equal(t, map[string]string{"sub/foo": "x"}, commitFilesOf(t, repo.Storage, tip))
	assert.Empty(t, getCommit(t, repo.Storage, tip).ParentHashes)
	assert.Equal(t, p, viewOf(t, repo, spec, tip))
}

func TestTranslator_NewBranchFromView(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	spec := filter.MustParse(":/sub")
	c1 := seedMain(t, repo)
	v1 := viewOf(t, repo, spec, c1)

	tr, q := newPush(t, repo, spec, TranslatorOptions{})
	p := commitFiles(t, q, map[string]string{"foo": "feature"}, "feature\n", v1)

	feature := plumbing.NewBranchReferenceName("feature")
	_, err := tr.Push(ctx, PushRequest{Branch: feature, New: p})
	require.NoError(t, err)

	tip := branchTip(t, repo, "feature")
	assert.Equal(t, []plumbing.Hash{c1}, getCommit(t, repo.Storage, tip).ParentHashes)
	assert.Equal(t, c1, branchTip(t, repo, "main"))
}

func TestTranslator_OrphanBranch(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	spec := filter.MustParse(":/sub")
	c1 := seedMain(t, repo)

	tr, q := newPush(t, repo, spec, TranslatorOptions{})
	root := commitFiles(t, q, map[string]string{"foo": "fresh"}, "orphan\n")

	_, err := tr.Push(ctx, PushRequest{Branch: plumbing.NewBranchReferenceName("orphan"), New: root})
	require.NoError(t, err)

	tip := branchTip(t, repo, "orphan")
	assert.Empty(t, getCommit(t, repo.Storage, tip).ParentHashes)
	assert.Equal(t, map[string]string{"sub/foo": "fresh"}, commitFilesOf(t, repo.Storage, tip))
	assert.Equal(t, root, viewOf(t, repo, spec, tip))
	assert.Equal(t, c1, branchTip(t, repo, "main"))
}

// A view commit that several full commits collapse into stands for the
// current branch tip, not for the first commit that produced it.
func TestTranslator_NewBranchKeepsLatestOutOfViewWork(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	spec := filter.MustParse(":/sub")
	c1 := seedMain(t, repo)
	v1 := viewOf(t, repo, spec, c1)
	c2 := commitFiles(t, repo.Storage, map[string]string{"sub/foo": "sub_bla", "other/a": "a2"}, "outside\n", c1)
	setBranch(t, repo, "main", c2)
	require.Equal(t, v1, viewOf(t, repo, spec, c2))

	tr, q := newPush(t, repo, spec, TranslatorOptions{})
	p := commitFiles(t, q, map[string]string{"foo": "feature"}, "feature\n", v1)

	_, err := tr.Push(ctx, PushRequest{Branch: plumbing.NewBranchReferenceName("feature"), New: p})
	require.NoError(t, err)

	tip := branchTip(t, repo, "feature")
	assert.Equal(t, []plumbing.Hash{c2}, getCommit(t, repo.Storage, tip).ParentHashes)
	assert.Equal(t, map[string]string{"sub/foo": "feature", "other/a": "a2"}, commitFilesOf(t, repo.Storage, tip))
	assert.Equal(t, p, viewOf(t, repo, spec, tip))
}

func TestTranslator_StaleBase(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	spec := filter.MustParse(":/sub")
	c1 := seedMain(t, repo)
	v1 := viewOf(t, repo, spec, c1)

	c2 := commitFiles(t, repo.Storage, map[string]string{"sub/foo": "upstream", "other/a": "a"}, "upstream\n", c1)
	setBranch(t, repo, "main", c2)

	tr, q := newPush(t, repo, spec, TranslatorOptions{})
	p := commitFiles(t, q, map[string]string{"foo": "mine"}, "mine\n", v1)

	_, err := tr.Push(ctx, PushRequest{Branch: mainBranch, Old: v1, New: p})
	var ce *ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, v1, ce.Expected)
	assert.Equal(t, viewOf(t, repo, spec, c2), ce.Actual)
	assert.Equal(t, c2, branchTip(t, repo, "main"))
	assert.Error(t, repo.Storage.HasEncodedObject(p), "rejected objects stay in quarantine")
}

func TestTranslator_OutOfViewAdvance(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	spec := filter.MustParse(":/sub")
	c1 := seedMain(t, repo)
	v1 := viewOf(t, repo, spec, c1)

	c2 := commitFiles(t, repo.Storage, map[string]string{"sub/foo": "sub_bla", "other/a": "upstream"}, "outside\n", c1)
	setBranch(t, repo, "main", c2)

	tr, q := newPush(t, repo, spec, TranslatorOptions{})
	p := commitFiles(t, q, map[string]string{"foo": "mine"}, "mine\n", v1)

	_, err := tr.Push(ctx, PushRequest{Branch: mainBranch, Old: v1, New: p})
	require.NoError(t, err)

	tip := branchTip(t, repo, "main")
	assert.Equal(t, []plumbing.Hash{c2}, getCommit(t, repo.Storage, tip).ParentHashes)
	assert.Equal(t, map[string]string{"sub/foo": "mine", "other/a": "upstream"}, commitFilesOf(t, repo.Storage, tip))
	assert.Equal(t, p, viewOf(t, repo, spec, tip))
}

func TestTranslator_ExcludedPathRejected(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	spec := filter.MustParse(":exclude[**/*.bin]")
	c1 := commitFiles(t, repo.Storage, map[string]string{"src/main.go": "package main", "data.bin": "\x00"}, "initial\n")
	setBranch(t, repo, "main", c1)
	v1 := viewOf(t, repo, spec, c1)

	tr, q := newPush(t, repo, spec, TranslatorOptions{})
	p := commitFiles(t, q, map[string]string{"src/main.go": "package main", "sneaky.bin": "x"}, "bin\n", v1)

	_, err := tr.Push(ctx, PushRequest{Branch: mainBranch, Old: v1, New: p})
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, c1, branchTip(t, repo, "main"))
}

func TestTranslator_ExcludedContentPreserved(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	spec := filter.MustParse(":exclude[**/*.bin]")
	c1 := commitFiles(t, repo.Storage, map[string]string{"src/main.go": "package main", "src/blob.bin": "\x00"}, "initial\n")
	setBranch(t, repo, "main", c1)
	v1 := viewOf(t, repo, spec, c1)

	tr, q := newPush(t, repo, spec, TranslatorOptions{})
	p := commitFiles(t, q, map[string]string{"src/main.go": "package main // v2"}, "edit\n", v1)

	_, err := tr.Push(ctx, PushRequest{Branch: mainBranch, Old: v1, New: p})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"src/main.go": "package main // v2", "src/blob.bin": "\x00"},
		commitFilesOf(t, repo.Storage, branchTip(t, repo, "main")))
}

func TestTranslator_EmptyCommitRejected(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	spec := filter.MustParse(":/sub")
	c1 := seedMain(t, repo)
	v1 := viewOf(t, repo, spec, c1)

	tr, q := newPush(t, repo, spec, TranslatorOptions{})
	p := writeCommit(t, q, getCommit(t, repo.Storage, v1).TreeHash, "nothing\n", v1)

	_, err := tr.Push(ctx, PushRequest{Branch: mainBranch, Old: v1, New: p})
	var ce *ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Reason, "changes nothing")
}

func TestTranslator_RootCommitOnExistingView(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	spec := filter.MustParse(":/sub")
	c1 := seedMain(t, repo)
	v1 := viewOf(t, repo, spec, c1)

	tr, q := newPush(t, repo, spec, TranslatorOptions{})
	root := commitFiles(t, q, map[string]string{"foo": "unrelated"}, "root\n")

	_, err := tr.Push(ctx, PushRequest{Branch: mainBranch, Old: v1, New: root})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestTranslator_UnknownParent(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	spec := filter.MustParse(":/sub")
	c1 := seedMain(t, repo)
	v1 := viewOf(t, repo, spec, c1)

	// A commit from the full history is not a commit of the view.
	tr, q := newPush(t, repo, spec, TranslatorOptions{})
	p := commitFiles(t, q, map[string]string{"foo": "x"}, "x\n", c1)

	_, err := tr.Push(ctx, PushRequest{Branch: mainBranch, Old: v1, New: p})
	assert.ErrorIs(t, err, ErrIntegrity)
}

func TestTranslator_DeleteRejectedThroughFilter(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	spec := filter.MustParse(":/sub")
	c1 := seedMain(t, repo)
	v1 := viewOf(t, repo, spec, c1)

	tr, _ := newPush(t, repo, spec, TranslatorOptions{})
	_, err := tr.Push(ctx, PushRequest{Branch: mainBranch, Old: v1})
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, c1, branchTip(t, repo, "main"))
}

func TestTranslator_IdentityView(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	c1 := seedMain(t, repo)

	tr, q := newPush(t, repo, filter.Identity(), TranslatorOptions{})
	p := commitFiles(t, q, map[string]string{"sub/foo": "direct"}, "direct\n", c1)

	res, err := tr.Push(ctx, PushRequest{Branch: mainBranch, Old: c1, New: p})
	require.NoError(t, err)
	assert.Equal(t, p, res.SourceNew)
	assert.Equal(t, p, branchTip(t, repo, "main"))

	del, _ := newPush(t, repo, filter.Identity(), TranslatorOptions{})
	_, err = del.Push(ctx, PushRequest{Branch: mainBranch, Old: p})
	require.NoError(t, err)
	_, err = repo.Storage.Reference(mainBranch)
	assert.ErrorIs(t, err, plumbing.ErrReferenceNotFound)
}

// A view ref left behind by a push through another view is replaced by the
// next push through this one.
func TestTranslator_ViewRefFollowsOtherViews(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	spec := filter.MustParse(":/sub")
	c1 := seedMain(t, repo)
	v1 := viewOf(t, repo, spec, c1)

	tr, q := newPush(t, repo, spec, TranslatorOptions{})
	p1 := commitFiles(t, q, map[string]string{"foo": "one"}, "one\n", v1)
	_, err := tr.Push(ctx, PushRequest{Branch: mainBranch, Old: v1, New: p1})
	require.NoError(t, err)
	full1 := branchTip(t, repo, "main")

	direct, dq := newPush(t, repo, filter.Identity(), TranslatorOptions{})
	c3 := commitFiles(t, dq, map[string]string{"sub/foo": "direct", "other/a": "a"}, "direct\n", full1)
	_, err = direct.Push(ctx, PushRequest{Branch: mainBranch, Old: full1, New: c3})
	require.NoError(t, err)

	stale, err := repo.ViewRef(ctx, spec, mainBranch)
	require.NoError(t, err)
	assert.Equal(t, p1.String(), stale.FilteredTip)

	v3 := viewOf(t, repo, spec, c3)
	tr2, q2 := newPush(t, repo, spec, TranslatorOptions{})
	p2 := commitFiles(t, q2, map[string]string{"foo": "two"}, "two\n", v3)
	_, err = tr2.Push(ctx, PushRequest{Branch: mainBranch, Old: v3, New: p2})
	require.NoError(t, err)

	vr, err := repo.ViewRef(ctx, spec, mainBranch)
	require.NoError(t, err)
	assert.Equal(t, p2.String(), vr.FilteredTip)
	assert.Equal(t, branchTip(t, repo, "main").String(), vr.SourceTip)
}

func TestTranslator_DenyNonFastForwards(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	spec := filter.MustParse(":/sub")
	c1 := seedMain(t, repo)
	c2 := commitFiles(t, repo.Storage, map[string]string{"sub/foo": "two", "other/a": "a"}, "two\n", c1)
	setBranch(t, repo, "main", c2)
	v1 := viewOf(t, repo, spec, c1)
	v2 := viewOf(t, repo, spec, c2)

	tr, q := newPush(t, repo, spec, TranslatorOptions{DenyNonFastForwards: true})
	p := commitFiles(t, q, map[string]string{"foo": "rewritten"}, "rewrite\n", v1)
	_, err := tr.Push(ctx, PushRequest{Branch: mainBranch, Old: v2, New: p})
	var ce *ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "non-fast-forward", ce.Reason)

	force, q := newPush(t, repo, spec, TranslatorOptions{})
	p = commitFiles(t, q, map[string]string{"foo": "rewritten"}, "rewrite\n", v1)
	_, err = force.Push(ctx, PushRequest{Branch: mainBranch, Old: v2, New: p})
	require.NoError(t, err)
	assert.Equal(t, []plumbing.Hash{c1}, getCommit(t, repo.Storage, branchTip(t, repo, "main")).ParentHashes)
}

func TestTranslator_RewindToKnownCommit(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	spec := filter.MustParse(":/sub")
	c1 := seedMain(t, repo)
	c2 := commitFiles(t, repo.Storage, map[string]string{"sub/foo": "two", "other/a": "a"}, "two\n", c1)
	setBranch(t, repo, "main", c2)
	v1 := viewOf(t, repo, spec, c1)
	v2 := viewOf(t, repo, spec, c2)

	tr, _ := newPush(t, repo, spec, TranslatorOptions{})
	res, err := tr.Push(ctx, PushRequest{Branch: mainBranch, Old: v2, New: v1})
	require.NoError(t, err)
	assert.Zero(t, res.Created)
	assert.Equal(t, c1, branchTip(t, repo, "main"))
}

func TestTranslator_NoOp(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	spec := filter.MustParse(":/sub")
	c1 := seedMain(t, repo)
	v1 := viewOf(t, repo, spec, c1)

	tr, _ := newPush(t, repo, spec, TranslatorOptions{})
	res, err := tr.Push(ctx, PushRequest{Branch: mainBranch, Old: v1, New: v1})
	require.NoError(t, err)
	assert.Equal(t, c1, res.SourceNew)
}

func TestTranslator_OnlyBranches(t *testing.T) {
	repo := newTestRepo(t)
	tr, _ := newPush(t, repo, filter.MustParse(":/sub"), TranslatorOptions{})
	_, err := tr.Push(context.Background(), PushRequest{Branch: plumbing.NewTagReferenceName("v1"), New: plumbing.NewHash("1111111111111111111111111111111111111111")})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestTranslator_SignedCommitRoundTrips(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	spec := filter.MustParse(":/sub")
	c1 := seedMain(t, repo)
	v1 := viewOf(t, repo, spec, c1)

	tr, q := newPush(t, repo, spec, TranslatorOptions{})
	sig := object.Signature{Name: "Signer", Email: "signer@example.com", When: testClock}
	p, err := writeObject(q, &object.Commit{
		Author:       sig,
		Committer:    sig,
		PGPSignature: "-----BEGIN PGP SIGNATURE-----\nwsBcBAABCAAQBQJ\n-----END PGP SIGNATURE-----\n",
		Message:      "signed\n",
		TreeHash:     writeFiles(t, q, map[string]string{"foo": "signed"}),
		ParentHashes: []plumbing.Hash{v1},
	})
	require.NoError(t, err)

	_, err = tr.Push(ctx, PushRequest{Branch: mainBranch, Old: v1, New: p})
	require.NoError(t, err)

	full := getCommit(t, repo.Storage, branchTip(t, repo, "main"))
	assert.Equal(t, getCommit(t, repo.Storage, p).PGPSignature, full.PGPSignature)
	assert.Equal(t, p, viewOf(t, repo, spec, full.Hash))
}

// sideBranch forks side from c1 and rewrites it so the view knows it.
func sideBranch(t *testing.T, repo *Repo, spec filter.Spec, c1 plumbing.Hash, files map[string]string) (plumbing.Hash, plumbing.Hash) {
	t.Helper()
	s1 := commitFiles(t, repo.Storage, files, "side\n", c1)
	setBranch(t, repo, "side", s1)
	return s1, viewOf(t, repo, spec, s1)
}

func TestTranslator_MergeAccepted(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	spec := filter.MustParse(":/sub")
	c1 := seedMain(t, repo)
	v1 := viewOf(t, repo, spec, c1)
	s1, w1 := sideBranch(t, repo, spec, c1, map[string]string{"sub/foo": "sub_bla", "sub/bar": "bar", "other/a": "a"})

	tr, q := newPush(t, repo, spec, TranslatorOptions{})
	m := commitFiles(t, q, map[string]string{"foo": "sub_bla", "bar": "bar", "baz": "baz"}, "merge side\n", v1, w1)

	_, err := tr.Push(ctx, PushRequest{Branch: mainBranch, Old: v1, New: m})
	require.NoError(t, err)

	full := getCommit(t, repo.Storage, branchTip(t, repo, "main"))
	assert.Equal(t, []plumbing.Hash{c1, s1}, full.ParentHashes)
	assert.Equal(t, m, viewOf(t, repo, spec, full.Hash))
}

func TestTranslator_MergeDroppingHiddenChangesRejected(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	spec := filter.MustParse(":/sub")
	c1 := seedMain(t, repo)
	v1 := viewOf(t, repo, spec, c1)
	_, w1 := sideBranch(t, repo, spec, c1, map[string]string{"sub/foo": "sub_bla", "sub/bar": "bar", "other/a": "side"})

	tr, q := newPush(t, repo, spec, TranslatorOptions{})
	m := commitFiles(t, q, map[string]string{"foo": "sub_bla", "bar": "bar"}, "merge side\n", v1, w1)

	_, err := tr.Push(ctx, PushRequest{Branch: mainBranch, Old: v1, New: m})
	var ce *ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Reason, "outside the view")
	assert.Equal(t, c1, branchTip(t, repo, "main"))
}

func TestTranslator_ConcurrentPushesSerialized(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	spec := filter.MustParse(":/sub")
	c1 := seedMain(t, repo)
	v1 := viewOf(t, repo, spec, c1)

	first, q1 := newPush(t, repo, spec, TranslatorOptions{})
	second, q2 := newPush(t, repo, spec, TranslatorOptions{})
	p1 := commitFiles(t, q1, map[string]string{"foo": "first"}, "first\n", v1)
	p2 := commitFiles(t, q2, map[string]string{"foo": "second"}, "second\n", v1)

	errs := make(chan error, 2)
	go func() {
		_, err := first.Push(ctx, PushRequest{Branch: mainBranch, Old: v1, New: p1})
		errs <- err
	}()
	go func() {
		_, err := second.Push(ctx, PushRequest{Branch: mainBranch, Old: v1, New: p2})
		errs <- err
	}()

	var ok, conflicts int
	for i := 0; i < 2; i++ {
		err := <-errs
		switch {
		case err == nil:
			ok++
		case assert.ErrorIs(t, err, ErrConflict):
			conflicts++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, conflicts)
}
