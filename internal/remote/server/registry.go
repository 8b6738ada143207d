package server

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/kilupskalvis/gitview/internal/core"
	"github.com/kilupskalvis/gitview/internal/remote"
	"github.com/kilupskalvis/gitview/internal/store"
)

// AuditDBFile is the audit log of a repository, next to its git directory.
const AuditDBFile = "audit.db"

// Sentinel errors returned by the repository registry.
var (
	ErrRepoNotFound = errors.New("repository not found")
	ErrRepoExists   = core.ErrRepoExists
)

// RepoOpener returns a hosted repository and its audit log by name.
type RepoOpener interface {
	Open(name string) (*core.Repo, *store.Store, error)
}

// RepoManager creates, deletes and lists hosted repositories.
type RepoManager interface {
	Create(name, defaultBranch string) error
	Delete(name string) error
	List() ([]string, error)
}

// DiskRepos keeps every repository in its own directory under a root,
// opening them lazily and sharing one instance between connections.
type DiskRepos struct {
	reposDir string
	mu       sync.RWMutex
	entries  map[string]*repoEntry
	logger   *slog.Logger

	// Parallelism is applied to every repository as it is opened.
	Parallelism int
}

type repoEntry struct {
	repo  *core.Repo
	audit *store.Store
}

// NewDiskRepos returns a registry rooted at reposDir, creating it if needed.
func NewDiskRepos(reposDir string, logger *slog.Logger) (*DiskRepos, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(reposDir, 0755); err != nil {
		return nil, fmt.Errorf("create repos directory: %w", err)
	}
	return &DiskRepos{
		reposDir: reposDir,
		entries:  make(map[string]*repoEntry),
		logger:   logger,
	}, nil
}

// Open returns the named repository. The repository must already exist.
func (d *DiskRepos) Open(name string) (*core.Repo, *store.Store, error) {
	d.mu.RLock()
	entry, ok := d.entries[name]
	d.mu.RUnlock()
	if ok {
		return entry.repo, entry.audit, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	// Double-check after acquiring write lock.
	if entry, ok := d.entries[name]; ok {
		return entry.repo, entry.audit, nil
	}

	if err := remote.ValidateRepoName(name); err != nil {
		return nil, nil, err
	}

	repoDir := filepath.Join(d.reposDir, name)
	if _, err := os.Stat(filepath.Join(repoDir, core.GitDir)); os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("%s: %w", name, ErrRepoNotFound)
	}

	repo, err := core.OpenRepo(name, repoDir, d.logger)
	if err != nil {
		return nil, nil, err
	}
	entry, err = d.attach(repo, repoDir)
	if err != nil {
		return nil, nil, err
	}
	d.logger.Info("opened repository", "name", name)
	return entry.repo, entry.audit, nil
}

// attach opens the audit log of repo and caches both. Called with mu held.
func (d *DiskRepos) attach(repo *core.Repo, repoDir string) (*repoEntry, error) {
	audit, err := store.Open(filepath.Join(repoDir, AuditDBFile))
	if err != nil {
		repo.Close()
		return nil, fmt.Errorf("open audit log for %s: %w", repo.Name, err)
	}
	repo.Parallelism = d.Parallelism
	entry := &repoEntry{repo: repo, audit: audit}
	d.entries[repo.Name] = entry
	return entry, nil
}

// Create initialises an empty repository whose HEAD points at
// defaultBranch.
func (d *DiskRepos) Create(name, defaultBranch string) error {
	if err := remote.ValidateRepoName(name); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	repoDir := filepath.Join(d.reposDir, name)
	repo, err := core.InitRepo(name, repoDir, defaultBranch, d.logger)
	if err != nil {
		return err
	}
	if _, err := d.attach(repo, repoDir); err != nil {
		return err
	}

	d.logger.Info("created repository", "name", name, "default_branch", defaultBranch)
	return nil
}

// Delete closes and removes a repository with all its views and audit log.
func (d *DiskRepos) Delete(name string) error {
	if err := remote.ValidateRepoName(name); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	repoDir := filepath.Join(d.reposDir, name)
	if _, err := os.Stat(repoDir); os.IsNotExist(err) {
		return fmt.Errorf("%s: %w", name, ErrRepoNotFound)
	}

	// Close and evict cached entry before removing files.
	if entry, ok := d.entries[name]; ok {
		d.closeEntry(name, entry)
		delete(d.entries, name)
	}

	if err := os.RemoveAll(repoDir); err != nil {
		return fmt.Errorf("remove repository directory: %w", err)
	}

	d.logger.Info("deleted repository", "name", name)
	return nil
}

// List returns all repository names sorted.
func (d *DiskRepos) List() ([]string, error) {
	entries, err := os.ReadDir(d.reposDir)
	if err != nil {
		return nil, fmt.Errorf("list repositories: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(d.reposDir, e.Name(), core.GitDir)); err == nil {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// CloseAll closes all open repositories.
func (d *DiskRepos) CloseAll() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for name, entry := range d.entries {
		d.closeEntry(name, entry)
	}
	d.entries = make(map[string]*repoEntry)
}

func (d *DiskRepos) closeEntry(name string, entry *repoEntry) {
	if err := entry.repo.Close(); err != nil {
		d.logger.Error("close rewrite cache", "repo", name, "error", err)
	}
	if err := entry.audit.Close(); err != nil {
		d.logger.Error("close audit log", "repo", name, "error", err)
	}
}
