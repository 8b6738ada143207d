package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/kilupskalvis/gitview/internal/config"
	"github.com/kilupskalvis/gitview/internal/core"
	"github.com/kilupskalvis/gitview/internal/filter"
	"github.com/kilupskalvis/gitview/internal/remote"
	"github.com/spf13/cobra"
)

var (
	rewriteDataDir string
	rewriteVerbose bool
)

var rewriteCmd = &cobra.Command{
	Use:   "rewrite <repo> <filter> [branch...]",
	Short: "Rewrite branches into a view ahead of the first fetch",
	Long: `Rewrite the history of the given branches (default: all) into the view
named by filter and record the results in the rewrite cache. A later clone of
the view only rewrites commits pushed since.

The repository is opened directly from the data directory; stop the server
first, it holds the cache lock.`,
	Args: cobra.MinimumNArgs(2),
	Run:  runRewrite,
}

var verifyCmd = &cobra.Command{
	Use:   "verify <repo> <filter> [branch...]",
	Short: "Check the rewrite cache of a view against the history",
	Long: `Re-derive every cached commit of the view reachable from the given
branches (default: all) and compare it with the rewrite cache. Exits non-zero
at the first disagreement.`,
	Args: cobra.MinimumNArgs(2),
	Run:  runVerify,
}

func init() {
	for _, cmd := range []*cobra.Command{rewriteCmd, verifyCmd} {
		cmd.Flags().StringVar(&rewriteDataDir, "data-dir", "", "Server data directory (default: from the configuration)")
		cmd.Flags().BoolVarP(&rewriteVerbose, "verbose", "v", false, "Log rewrite progress")
	}
}

// openLocalRepo opens repository name from the data directory and selects
// the branches named in args (all branches when empty).
func openLocalRepo(name, expr string, branchArgs []string) (*core.Repo, filter.Spec, []*plumbing.Reference) {
	spec, err := filter.Parse(expr)
	if err != nil {
		exitError("%v", err)
	}
	if err := remote.ValidateRepoName(name); err != nil {
		exitError("%v", err)
	}

	dataDir := rewriteDataDir
	if dataDir == "" {
		dataDir = loadConfig().Server.DataDir
	}
	level := "warn"
	if rewriteVerbose {
		level = "debug"
	}
	logger := newLogger(os.Stderr, level, "text")

	repo, err := core.OpenRepo(name, filepath.Join(dataDir, config.ReposDir, name), logger)
	if err != nil {
		exitError("%v", err)
	}

	refs, err := repo.Branches()
	if err != nil {
		repo.Close()
		exitError("list branches: %v", err)
	}
	if len(branchArgs) == 0 {
		return repo, spec, refs
	}

	byName := make(map[plumbing.ReferenceName]*plumbing.Reference, len(refs))
	for _, ref := range refs {
		byName[ref.Name()] = ref
	}
	selected := make([]*plumbing.Reference, 0, len(branchArgs))
	for _, b := range branchArgs {
		ref, ok := byName[plumbing.NewBranchReferenceName(b)]
		if !ok {
			repo.Close()
			exitError("branch '%s' not found in %s", b, name)
		}
		selected = append(selected, ref)
	}
	return repo, spec, selected
}

// signalContext is cancelled on interrupt.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runRewrite(_ *cobra.Command, args []string) {
	repo, spec, refs := openLocalRepo(args[0], args[1], args[2:])
	defer repo.Close()

	ctx, cancel := signalContext()
	defer cancel()

	start := time.Now()
	rw := repo.Rewriter(spec)
	tips, err := rw.RewriteRefs(ctx, refs)
	if err != nil {
		exitError("rewrite: %v", err)
	}

	yellow := color.New(color.FgYellow)
	for _, ref := range refs {
		filtered := tips[ref.Name()]
		if err := refreshViewRef(ctx, repo, spec, ref.Name(), filtered, ref.Hash()); err != nil {
			exitError("record view ref %s: %v", ref.Name().Short(), err)
		}
		fmt.Printf("  %-24s %s -> ", ref.Name().Short(), shortID(ref.Hash().String()))
		if filtered.IsZero() {
			color.New(color.Faint).Println("(not in view)")
			continue
		}
		yellow.Println(shortID(filtered.String()))
	}

	st := rw.Stats()
	fmt.Printf("\n%d commit(s) visited: %d created, %d collapsed, %d pruned, %d cached (%s)\n",
		st.Visited, st.Created, st.Collapsed, st.Pruned, st.CacheHits,
		time.Since(start).Round(time.Millisecond))
}

func runVerify(_ *cobra.Command, args []string) {
	repo, spec, refs := openLocalRepo(args[0], args[1], args[2:])
	defer repo.Close()

	ctx, cancel := signalContext()
	defer cancel()

	green := color.New(color.FgGreen)
	rw := repo.Rewriter(spec)
	total := 0
	for _, ref := range refs {
		n, err := rw.Verify(ctx, ref.Hash())
		if err != nil {
			var ie *core.IntegrityError
			if errors.As(err, &ie) {
				color.New(color.FgRed).Printf("  %-24s FAILED\n", ref.Name().Short())
			}
			repo.Close()
			exitError("%v", err)
		}
		total += n
		fmt.Printf("  %-24s ", ref.Name().Short())
		green.Printf("ok (%d commits)\n", n)
	}
	fmt.Printf("\nVerified %d commit(s) of %s\n", total, spec)
}

// refreshViewRef replaces the recorded view ref of branch. The command holds
// the repository exclusively, so the stored tip cannot move underneath it.
func refreshViewRef(ctx context.Context, repo *core.Repo, spec filter.Spec, branch plumbing.ReferenceName, filtered, source plumbing.Hash) error {
	cur, err := repo.ViewRef(ctx, spec, branch)
	if err != nil {
		return err
	}
	expected := plumbing.ZeroHash
	if cur != nil {
		expected = plumbing.NewHash(cur.FilteredTip)
	}
	return repo.RecordViewRef(ctx, spec, branch, expected, filtered, source)
}
