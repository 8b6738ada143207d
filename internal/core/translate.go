package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"github.com/go-git/go-git/v5/storage"
	"github.com/kilupskalvis/gitview/internal/filter"
	"github.com/kilupskalvis/gitview/internal/remote/metastore"
)

// PushRequest is one branch update received through a view.
type PushRequest struct {
	Branch plumbing.ReferenceName
	// Old is the filtered tip the client based the push on; zero creates.
	Old plumbing.Hash
	// New is the filtered tip to install; zero deletes.
	New plumbing.Hash
}

// PushResult describes an applied update.
type PushResult struct {
	Branch      plumbing.ReferenceName
	SourceOld   plumbing.Hash
	SourceNew   plumbing.Hash
	FilteredOld plumbing.Hash
	FilteredNew plumbing.Hash
	// Created is the number of full-history commits written.
	Created int
}

// TranslatorOptions tunes which updates are accepted.
type TranslatorOptions struct {
	// DenyNonFastForwards rejects updates that do not descend from the
	// current view tip.
	DenyNonFastForwards bool
}

// Translator applies pushes made against a view to the full history.
//
// Pushed objects are read from objects, which usually overlays a quarantine
// on top of the repository storage. Translated commits are written there as
// well; promote is called after every check passed and must make the
// quarantined objects permanent before any ref moves.
type Translator struct {
	repo     *Repo
	spec     filter.Spec
	rewriter *Rewriter
	objects  storer.EncodedObjectStorer
	proj     *Projector
	promote  func(context.Context) error
	opts     TranslatorOptions
	logger   *slog.Logger
}

// NewTranslator returns a translator for one view of repo. A nil objects
// storer writes straight into the repository.
func NewTranslator(repo *Repo, spec filter.Spec, objects storer.EncodedObjectStorer, promote func(context.Context) error, opts TranslatorOptions) *Translator {
	if objects == nil {
		objects = repo.Storage
	}
	if promote == nil {
		promote = func(context.Context) error { return nil }
	}
	return &Translator{
		repo:     repo,
		spec:     spec,
		rewriter: repo.Rewriter(spec),
		objects:  objects,
		proj:     NewProjector(objects, spec),
		promote:  promote,
		opts:     opts,
		logger:   repo.Logger.With("filter", spec.String()),
	}
}

// Push validates and applies one update. Updates of the same branch are
// serialized; a *ConflictError means nothing was written.
func (t *Translator) Push(ctx context.Context, req PushRequest) (*PushResult, error) {
	if !req.Branch.IsBranch() {
		return nil, &ConflictError{Ref: req.Branch.String(), Reason: "only branches can be updated"}
	}

	unlock, err := t.repo.Locks.Lock(ctx, t.repo.lockKey(req.Branch))
	if err != nil {
		return nil, err
	}
	defer unlock()

	tip, err := t.fullTip(req.Branch)
	if err != nil {
		return nil, err
	}
	var view plumbing.Hash
	if !tip.IsZero() {
		view, err = t.rewriter.Rewrite(ctx, tip)
		if err != nil {
			return nil, err
		}
	}

	result := &PushResult{
		Branch:      req.Branch,
		SourceOld:   tip,
		SourceNew:   tip,
		FilteredOld: view,
		FilteredNew: view,
	}

	if req.Old != view {
		return nil, &ConflictError{
			Ref:      req.Branch.String(),
			Expected: req.Old,
			Actual:   view,
			Reason:   "stale base, fetch first",
		}
	}
	if req.New == view {
		return result, nil
	}
	if req.New.IsZero() {
		return t.delete(ctx, req, result)
	}

	if t.opts.DenyNonFastForwards && !view.IsZero() {
		ff, err := t.isAncestor(view, req.New)
		if err != nil {
			return nil, err
		}
		if !ff {
			return nil, &ConflictError{Ref: req.Branch.String(), Expected: view, Actual: req.New, Reason: "non-fast-forward"}
		}
	}

	var (
		source   plumbing.Hash
		mappings []metastore.Mapping
	)
	if t.spec.IsIdentity() {
		if _, err := object.GetCommit(t.objects, req.New); err != nil {
			return nil, &IntegrityError{Commit: req.New, Reason: "pushed commit is missing"}
		}
		source = req.New
	} else {
		source, mappings, err = t.translate(ctx, req, tip, view)
		if err != nil {
			return nil, err
		}
	}

	if err := t.promote(ctx); err != nil {
		return nil, fmt.Errorf("promote pushed objects: %w", err)
	}
	if err := t.setRef(req.Branch, tip, source); err != nil {
		return nil, err
	}

	if err := t.repo.Cache.PutMappings(ctx, t.spec.ID(), mappings); err != nil {
		// The branch already moved; the same entries are derived again on
		// the next rewrite.
		t.logger.Error("failed to record pushed commits in the rewrite cache",
			"branch", req.Branch.String(), "commit", req.New.String(), "error", err)
	}
	if err := t.recordViewRef(ctx, req.Branch, tip, view, req.New, source); err != nil {
		t.logger.Warn("failed to record view ref", "branch", req.Branch.String(), "error", err)
	}

	result.SourceNew = source
	result.FilteredNew = req.New
	result.Created = len(mappings)

	t.logger.Info("push applied",
		"branch", req.Branch.String(),
		"filtered_old", view.String(),
		"filtered_new", req.New.String(),
		"source_old", tip.String(),
		"source_new", source.String(),
		"created", len(mappings),
	)
	return result, nil
}

func (t *Translator) fullTip(branch plumbing.ReferenceName) (plumbing.Hash, error) {
	ref, err := t.repo.Storage.Reference(branch)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return plumbing.ZeroHash, nil
	}
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("read %s: %w", branch, err)
	}
	return ref.Hash(), nil
}

func (t *Translator) setRef(branch plumbing.ReferenceName, old, new plumbing.Hash) error {
	var oldRef *plumbing.Reference
	if !old.IsZero() {
		oldRef = plumbing.NewHashReference(branch, old)
	}
	err := t.repo.Storage.CheckAndSetReference(plumbing.NewHashReference(branch, new), oldRef)
	if errors.Is(err, storage.ErrReferenceHasChanged) {
		return &ConflictError{Ref: branch.String(), Expected: old, Reason: "branch moved during the push"}
	}
	if err != nil {
		return fmt.Errorf("update %s: %w", branch, err)
	}
	return nil
}

func (t *Translator) delete(ctx context.Context, req PushRequest, result *PushResult) (*PushResult, error) {
	if !t.spec.IsIdentity() {
		return nil, &ConflictError{Ref: req.Branch.String(), Reason: "branches cannot be deleted through a filtered view"}
	}
	if err := t.repo.Storage.RemoveReference(req.Branch); err != nil {
		return nil, fmt.Errorf("delete %s: %w", req.Branch, err)
	}
	if err := t.repo.RecordViewRef(ctx, t.spec, req.Branch, result.FilteredOld, plumbing.ZeroHash, plumbing.ZeroHash); err != nil {
		t.logger.Warn("failed to drop view ref", "branch", req.Branch.String(), "error", err)
	}
	result.SourceNew = plumbing.ZeroHash
	result.FilteredNew = plumbing.ZeroHash
	t.logger.Info("branch deleted", "branch", req.Branch.String(), "source_old", result.SourceOld.String())
	return result, nil
}

// recordViewRef moves the view ref of branch from view to filtered. The
// branch lock is held, so a record describing some other source tip was left
// behind by a push through another view and is replaced.
func (t *Translator) recordViewRef(ctx context.Context, branch plumbing.ReferenceName, tip, view, filtered, source plumbing.Hash) error {
	err := t.repo.RecordViewRef(ctx, t.spec, branch, view, filtered, source)
	if !errors.Is(err, metastore.ErrConflict) {
		return err
	}
	cur, gerr := t.repo.ViewRef(ctx, t.spec, branch)
	if gerr != nil {
		return gerr
	}
	expected := plumbing.ZeroHash
	if cur != nil {
		if cur.SourceTip == source.String() {
			return nil
		}
		if cur.SourceTip == tip.String() {
			return err
		}
		expected = plumbing.NewHash(cur.FilteredTip)
	}
	return t.repo.RecordViewRef(ctx, t.spec, branch, expected, filtered, source)
}

func (t *Translator) isAncestor(ancestor, descendant plumbing.Hash) (bool, error) {
	a, err := object.GetCommit(t.objects, ancestor)
	if err != nil {
		return false, fmt.Errorf("read commit %s: %w", ancestor, err)
	}
	d, err := object.GetCommit(t.objects, descendant)
	if err != nil {
		return false, &IntegrityError{Commit: descendant, Reason: "pushed commit is missing"}
	}
	return a.IsAncestor(d)
}

// sources resolves view commits to the full-history commits they stand for.
// A view commit that is the current view tip of some branch stands for that
// branch's tip, so out-of-view work on the branch is kept; anything else
// falls back to the rewrite cache.
type sources struct {
	t         *Translator
	tip, view plumbing.Hash
	tips      map[plumbing.Hash]plumbing.Hash // view tip -> branch tip
}

func (t *Translator) newSources(tip, view plumbing.Hash) *sources {
	return &sources{t: t, tip: tip, view: view}
}

func (s *sources) resolve(ctx context.Context, filtered plumbing.Hash) (plumbing.Hash, error) {
	if filtered == s.view && !s.view.IsZero() {
		return s.tip, nil
	}
	if s.tips == nil {
		if err := s.loadTips(ctx); err != nil {
			return plumbing.ZeroHash, err
		}
	}
	if full, ok := s.tips[filtered]; ok {
		return full, nil
	}
	src, err := s.t.repo.Cache.GetSource(ctx, s.t.spec.ID(), filtered)
	if errors.Is(err, metastore.ErrNotFound) {
		return plumbing.ZeroHash, &IntegrityError{Commit: filtered, Reason: "commit is not part of this view"}
	}
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("read rewrite cache: %w", err)
	}
	return src, nil
}

// loadTips indexes branch tips by their view commit, default branch first.
// Only the default branch is rewritten on a cache miss; other branches count
// once something fetched them through this view.
func (s *sources) loadTips(ctx context.Context) error {
	refs, err := s.t.repo.Branches()
	if err != nil {
		return err
	}
	head, _ := s.t.repo.DefaultBranch()
	for i, ref := range refs {
		if ref.Name() == head {
			refs[0], refs[i] = refs[i], refs[0]
			slices.SortFunc(refs[1:], func(a, b *plumbing.Reference) int {
				return strings.Compare(a.Name().String(), b.Name().String())
			})
			break
		}
	}

	s.tips = make(map[plumbing.Hash]plumbing.Hash, len(refs))
	for _, ref := range refs {
		filtered, ok, err := s.t.rewriter.Lookup(ctx, ref.Hash())
		if err != nil {
			return err
		}
		if !ok && ref.Name() == head {
			filtered, err = s.t.rewriter.Rewrite(ctx, ref.Hash())
			if err != nil {
				return err
			}
		}
		if filtered.IsZero() {
			continue
		}
		if _, dup := s.tips[filtered]; !dup {
			s.tips[filtered] = ref.Hash()
		}
	}
	return nil
}

func (t *Translator) known(ctx context.Context, view plumbing.Hash) func(plumbing.Hash) (bool, error) {
	return func(h plumbing.Hash) (bool, error) {
		if h == view {
			return true, nil
		}
		_, err := t.repo.Cache.GetSource(ctx, t.spec.ID(), h)
		switch {
		case err == nil:
			return true, nil
		case !errors.Is(err, metastore.ErrNotFound):
			return false, fmt.Errorf("read rewrite cache: %w", err)
		}
		// Objects already in the repository were not pushed; source reports
		// them as foreign to the view.
		return t.repo.Storage.HasEncodedObject(h) == nil, nil
	}
}

// translate writes a full-history commit for every new commit between the
// view tip and req.New and returns the new full tip with the mappings to
// record.
func (t *Translator) translate(ctx context.Context, req PushRequest, tip, view plumbing.Hash) (plumbing.Hash, []metastore.Mapping, error) {
	known := t.known(ctx, view)
	src := t.newSources(tip, view)
	if ok, err := known(req.New); err != nil {
		return plumbing.ZeroHash, nil, err
	} else if ok {
		full, err := src.resolve(ctx, req.New)
		return full, nil, err
	}

	head, err := object.GetCommit(t.objects, req.New)
	if err != nil {
		return plumbing.ZeroHash, nil, &IntegrityError{Commit: req.New, Reason: "pushed commit is missing"}
	}
	order, err := walkAncestors(ctx, t.objects, head, known)
	if err != nil {
		return plumbing.ZeroHash, nil, err
	}

	translated := make(map[plumbing.Hash]plumbing.Hash, len(order))
	filteredOf := make(map[plumbing.Hash]plumbing.Hash, len(order))
	mappings := make([]metastore.Mapping, 0, len(order))

	mapped := func(ctx context.Context, full plumbing.Hash) (plumbing.Hash, error) {
		if f, ok := filteredOf[full]; ok {
			return f, nil
		}
		if full == tip {
			return view, nil
		}
		f, ok, err := t.rewriter.Lookup(ctx, full)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		if !ok {
			return plumbing.ZeroHash, &IntegrityError{Commit: full, Reason: "parent was not rewritten"}
		}
		return f, nil
	}

	for _, fc := range order {
		full, err := t.translateCommit(ctx, req, fc, tip, view, src, translated)
		if err != nil {
			return plumbing.ZeroHash, nil, err
		}

		d, err := derive(ctx, t.objects, t.proj, full, mapped)
		if err != nil {
			return plumbing.ZeroHash, nil, err
		}
		if d.result != fc.Hash {
			return plumbing.ZeroHash, nil, &ConflictError{Ref: req.Branch.String(), Reason: roundTripReason(fc.Hash, d)}
		}

		translated[fc.Hash] = full.Hash
		filteredOf[full.Hash] = fc.Hash
		mappings = append(mappings, metastore.Mapping{Source: full.Hash, Filtered: fc.Hash})
	}

	return translated[req.New], mappings, nil
}

func roundTripReason(pushed plumbing.Hash, d derivation) string {
	switch d.outcome {
	case outcomeCollapsed:
		return fmt.Sprintf("commit %s changes nothing inside the view", shortHash(pushed))
	case outcomePruned:
		return fmt.Sprintf("commit %s has no content in the view", shortHash(pushed))
	default:
		return fmt.Sprintf("commit %s cannot be represented in the full history", shortHash(pushed))
	}
}

func (t *Translator) translateCommit(
	ctx context.Context,
	req PushRequest,
	fc *object.Commit,
	tip, view plumbing.Hash,
	src *sources,
	translated map[plumbing.Hash]plumbing.Hash,
) (*object.Commit, error) {
	ref := req.Branch.String()

	parents := make([]plumbing.Hash, 0, len(fc.ParentHashes))
	seen := make(map[plumbing.Hash]struct{}, len(fc.ParentHashes))
	for _, p := range fc.ParentHashes {
		full, ok := translated[p]
		if !ok {
			var err error
			full, err = src.resolve(ctx, p)
			if err != nil {
				return nil, err
			}
		}
		if _, dup := seen[full]; dup {
			continue
		}
		seen[full] = struct{}{}
		parents = append(parents, full)
	}
	if len(fc.ParentHashes) == 0 && !tip.IsZero() {
		if !view.IsZero() {
			return nil, &ConflictError{Ref: ref, Reason: fmt.Sprintf("commit %s has no parents but the branch already has history in the view", shortHash(fc.Hash))}
		}
		parents = append(parents, tip)
	}

	var base plumbing.Hash
	if len(parents) > 0 {
		var err error
		base, err = commitTree(t.objects, parents[0])
		if err != nil {
			return nil, err
		}
	}

	tree, err := t.proj.Unproject(ctx, fc.TreeHash, base)
	if errors.Is(err, ErrOutsideView) {
		return nil, &ConflictError{Ref: ref, Reason: fmt.Sprintf("commit %s: %v", shortHash(fc.Hash), err)}
	}
	if err != nil {
		return nil, err
	}
	if len(parents) > 1 {
		for _, other := range parents[1:] {
			if err := t.checkMergeParent(ctx, ref, fc, parents[0], other, tree); err != nil {
				return nil, err
			}
		}
	}

	tree, err = materialize(t.objects, tree)
	if err != nil {
		return nil, err
	}

	full := &object.Commit{
		Author:       fc.Author,
		Committer:    fc.Committer,
		MergeTag:     fc.MergeTag,
		PGPSignature: fc.PGPSignature,
		Message:      fc.Message,
		TreeHash:     tree,
		ParentHashes: parents,
		Encoding:     fc.Encoding,
		ExtraHeaders: fc.ExtraHeaders,
	}
	h, err := writeObject(t.objects, full)
	if err != nil {
		return nil, fmt.Errorf("store translated commit: %w", err)
	}
	full.Hash = h
	return full, nil
}

// checkMergeParent rejects a merge when a non-first parent carries changes
// outside the view that the first parent lacks, since the spliced tree takes
// everything outside the view from the first parent.
func (t *Translator) checkMergeParent(ctx context.Context, ref string, fc *object.Commit, first, other, spliced plumbing.Hash) error {
	otherTree, err := commitTree(t.objects, other)
	if err != nil {
		return err
	}
	alt, err := t.proj.Unproject(ctx, fc.TreeHash, otherTree)
	if err != nil && !errors.Is(err, ErrOutsideView) {
		return err
	}
	if err == nil && alt == spliced {
		return nil
	}

	a, err := object.GetCommit(t.objects, first)
	if err != nil {
		return fmt.Errorf("read commit %s: %w", first, err)
	}
	b, err := object.GetCommit(t.objects, other)
	if err != nil {
		return fmt.Errorf("read commit %s: %w", other, err)
	}
	bases, err := b.MergeBase(a)
	if err != nil {
		return fmt.Errorf("merge base of %s and %s: %w", first, other, err)
	}
	for _, mb := range bases {
		atBase, err := t.proj.Unproject(ctx, fc.TreeHash, mb.TreeHash)
		if err != nil && !errors.Is(err, ErrOutsideView) {
			return err
		}
		if err == nil && atBase == alt {
			return nil
		}
	}

	return &ConflictError{
		Ref:    ref,
		Reason: fmt.Sprintf("merge %s would drop changes outside the view from %s", shortHash(fc.Hash), shortHash(other)),
	}
}
