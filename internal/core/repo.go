package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/cache"
	"github.com/go-git/go-git/v5/storage"
	"github.com/go-git/go-git/v5/storage/filesystem"
	"github.com/kilupskalvis/gitview/internal/filter"
	"github.com/kilupskalvis/gitview/internal/models"
	"github.com/kilupskalvis/gitview/internal/remote/metastore"
)

// Layout of a repository directory.
const (
	GitDir     = "git"
	MetaDBFile = "meta.db"
)

// ErrRepoExists is returned by InitRepo when the directory already holds a
// repository.
var ErrRepoExists = errors.New("repository already exists")

// Repo is one hosted repository: its git storage, its rewrite cache and the
// branch locks shared by every connection.
type Repo struct {
	Name    string
	Storage storage.Storer
	Cache   metastore.MetaStore
	Locks   *Locks
	Logger  *slog.Logger

	// Parallelism is handed to every rewriter. Zero means
	// DefaultParallelism.
	Parallelism int
}

// NewRepo wires an already opened storage and cache.
func NewRepo(name string, s storage.Storer, cache metastore.MetaStore, logger *slog.Logger) *Repo {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Repo{
		Name:    name,
		Storage: s,
		Cache:   cache,
		Locks:   NewLocks(),
		Logger:  logger.With("repo", name),
	}
}

// OpenRepo opens the repository stored in dir.
func OpenRepo(name, dir string, logger *slog.Logger) (*Repo, error) {
	gitDir := filepath.Join(dir, GitDir)
	if _, err := os.Stat(gitDir); err != nil {
		return nil, fmt.Errorf("open repository %s: %w", name, err)
	}
	st := filesystem.NewStorage(osfs.New(gitDir), cache.NewObjectLRUDefault())

	meta, err := metastore.NewBboltStore(filepath.Join(dir, MetaDBFile))
	if err != nil {
		return nil, err
	}
	return NewRepo(name, st, meta, logger), nil
}

// InitRepo creates an empty bare repository in dir whose HEAD points at
// defaultBranch.
func InitRepo(name, dir, defaultBranch string, logger *slog.Logger) (*Repo, error) {
	gitDir := filepath.Join(dir, GitDir)
	if _, err := os.Stat(gitDir); err == nil {
		return nil, fmt.Errorf("%s: %w", name, ErrRepoExists)
	}
	if err := os.MkdirAll(gitDir, 0755); err != nil {
		return nil, fmt.Errorf("create repository directory: %w", err)
	}

	st := filesystem.NewStorage(osfs.New(gitDir), cache.NewObjectLRUDefault())
	if defaultBranch == "" {
		defaultBranch = "main"
	}
	if _, err := git.InitWithOptions(st, nil, git.InitOptions{
		DefaultBranch: plumbing.NewBranchReferenceName(defaultBranch),
	}); err != nil {
		return nil, fmt.Errorf("init repository %s: %w", name, err)
	}

	meta, err := metastore.NewBboltStore(filepath.Join(dir, MetaDBFile))
	if err != nil {
		return nil, err
	}
	return NewRepo(name, st, meta, logger), nil
}

// Close releases the rewrite cache.
func (r *Repo) Close() error {
	return r.Cache.Close()
}

// Rewriter returns a rewriter for one view of the repository.
func (r *Repo) Rewriter(spec filter.Spec) *Rewriter {
	rw := NewRewriter(r.Storage, r.Cache, spec, r.Logger)
	rw.Parallelism = r.Parallelism
	return rw
}

// Branches returns the branch refs of the full history sorted by name.
func (r *Repo) Branches() ([]*plumbing.Reference, error) {
	iter, err := r.Storage.IterReferences()
	if err != nil {
		return nil, fmt.Errorf("list references: %w", err)
	}
	defer iter.Close()

	var refs []*plumbing.Reference
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		if ref.Name().IsBranch() && ref.Type() == plumbing.HashReference {
			refs = append(refs, ref)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list references: %w", err)
	}

	sort.Slice(refs, func(i, j int) bool {
		return refs[i].Name() < refs[j].Name()
	})
	return refs, nil
}

// DefaultBranch returns the branch HEAD points to.
func (r *Repo) DefaultBranch() (plumbing.ReferenceName, error) {
	head, err := r.Storage.Reference(plumbing.HEAD)
	if err != nil {
		return "", fmt.Errorf("read HEAD: %w", err)
	}
	if head.Type() != plumbing.SymbolicReference {
		return "", fmt.Errorf("HEAD is detached")
	}
	return head.Target(), nil
}

// lockKey scopes a branch lock to the repository.
func (r *Repo) lockKey(branch plumbing.ReferenceName) string {
	return r.Name + ":" + branch.String()
}

// RecordViewRef moves the view ref of branch from expected to filtered.
// A zero expected requires that no record exists yet and a zero filtered
// removes the record. metastore.ErrConflict reports a record holding
// anything other than expected.
func (r *Repo) RecordViewRef(ctx context.Context, spec filter.Spec, branch plumbing.ReferenceName, expected, filtered, source plumbing.Hash) error {
	id := spec.ID()
	name := branch.String()

	if filtered.IsZero() {
		err := r.Cache.DeleteViewRef(ctx, id, name)
		if errors.Is(err, metastore.ErrNotFound) {
			return nil
		}
		return err
	}

	var want string
	if !expected.IsZero() {
		want = expected.String()
	}
	return r.Cache.UpdateViewRefCAS(ctx, id, &models.ViewRef{
		Branch:      name,
		Filter:      spec.String(),
		FilteredTip: filtered.String(),
		SourceTip:   source.String(),
		UpdatedAt:   time.Now().UTC(),
	}, want)
}

// ObserveViewRef records the first tip a view sees for branch. Existing
// records are left alone; only pushes move them.
func (r *Repo) ObserveViewRef(ctx context.Context, spec filter.Spec, branch plumbing.ReferenceName, filtered, source plumbing.Hash) error {
	if filtered.IsZero() {
		return nil
	}
	err := r.RecordViewRef(ctx, spec, branch, plumbing.ZeroHash, filtered, source)
	if errors.Is(err, metastore.ErrConflict) {
		return nil
	}
	return err
}

// ViewRef returns the recorded view ref of branch, or nil when the view has
// none.
func (r *Repo) ViewRef(ctx context.Context, spec filter.Spec, branch plumbing.ReferenceName) (*models.ViewRef, error) {
	ref, err := r.Cache.GetViewRef(ctx, spec.ID(), branch.String())
	if errors.Is(err, metastore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ref, nil
}
