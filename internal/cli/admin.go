package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/kilupskalvis/gitview/internal/models"
	"github.com/kilupskalvis/gitview/internal/remote"
	"github.com/spf13/cobra"
)

var (
	statusURL     string
	statusRetries int

	auditKind   string
	auditBranch string
	auditLimit  int

	pruneDryRun     bool
	pruneDropViews  []string
	pruneAuditOlder time.Duration
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check that a gitview server is up",
	Long: `Query GET /status of a gitview server and print the answer. Exits
non-zero unless the server reports ready.`,
	Args: cobra.NoArgs,
	Run:  runStatus,
}

var auditCmd = &cobra.Command{
	Use:   "audit <repo>",
	Short: "Show the fetch and push log of a repository",
	Args:  cobra.ExactArgs(1),
	Run:   adminRun(runAudit),
}

var pruneCmd = &cobra.Command{
	Use:   "prune <repo>",
	Short: "Drop view records of deleted branches",
	Long: `Remove the view ref records of every branch that no longer exists in the
repository. Rewrite mappings are kept unless the view is named with --drop-view,
which discards its whole cache; the next fetch of that view rewrites it again.

Examples:
  gitview prune project --dry-run
  gitview prune project --drop-view :/old/lib --audit-older-than 720h`,
	Args: cobra.ExactArgs(1),
	Run:  adminRun(runPrune),
}

func init() {
	statusCmd.Flags().StringVar(&statusURL, "url",
		envOrDefault("GITVIEW_SERVER_URL", "http://127.0.0.1:8730"),
		"Server base URL (env: GITVIEW_SERVER_URL)")
	statusCmd.Flags().IntVar(&statusRetries, "retries", 3, "Retries while the server is unreachable")

	af := auditCmd.Flags()
	af.StringVar(&auditKind, "kind", "", "Only show events of this kind (fetch|push)")
	af.StringVar(&auditBranch, "branch", "", "Only show events for this branch")
	af.IntVarP(&auditLimit, "limit", "n", 20, "Maximum number of events to show")

	pf := pruneCmd.Flags()
	pf.BoolVar(&pruneDryRun, "dry-run", false, "Report what would be removed")
	pf.StringArrayVar(&pruneDropViews, "drop-view", nil, "Discard the rewrite cache of this view (repeatable)")
	pf.DurationVar(&pruneAuditOlder, "audit-older-than", 0, "Also delete audit events older than this")
}

func runStatus(_ *cobra.Command, _ []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	client := remote.NewClient(statusURL, "").WithRetry(&remote.RetryConfig{
		MaxRetries:     statusRetries,
		InitialBackoff: time.Second,
		MaxBackoff:     5 * time.Second,
		JitterFraction: 0.1,
	})
	status, err := client.Status(ctx)
	if err != nil {
		exitError("%v", err)
	}
	fmt.Println(status)
	if status != remote.ReadinessSentinel {
		exitError("unexpected status from %s", statusURL)
	}
}

func runAudit(ctx context.Context, c *remote.AdminClient, args []string) error {
	switch models.EventKind(auditKind) {
	case "", models.EventFetch, models.EventPush:
	default:
		return fmt.Errorf("invalid --kind %q (fetch|push)", auditKind)
	}

	resp, err := c.Audit(ctx, args[0], remote.AuditQuery{Kind: auditKind, Branch: auditBranch, Limit: auditLimit})
	if err != nil {
		return err
	}
	if len(resp.Events) == 0 {
		fmt.Println("No events")
		return nil
	}

	yellow := color.New(color.FgYellow)
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)

	for _, e := range resp.Events {
		fmt.Printf("%s  ", e.Time.Local().Format("2006-01-02 15:04:05"))
		switch e.Status {
		case models.StatusOK:
			green.Printf("%-8s", e.Status)
		default:
			red.Printf("%-8s", e.Status)
		}
		fmt.Printf(" %-5s %-10s ", e.Kind, e.View)
		if e.Branch != "" {
			fmt.Printf("%s ", e.Branch)
		}
		if e.NewTip != "" {
			yellow.Printf("%s..%s ", shortID(e.OldTip), shortID(e.NewTip))
		}
		if e.Message != "" {
			fmt.Printf("(%s)", e.Message)
		}
		fmt.Println()
	}
	return nil
}

func runPrune(ctx context.Context, c *remote.AdminClient, args []string) error {
	result, err := c.Prune(ctx, args[0], remote.PruneRequest{
		DryRun:         pruneDryRun,
		DropViews:      pruneDropViews,
		AuditOlderThan: pruneAuditOlder,
	})
	if err != nil {
		return err
	}

	verb := "Removed"
	if result.DryRun {
		verb = "Would remove"
	}
	fmt.Printf("%s %d view ref(s) across %d view(s) in %s\n",
		verb, result.ViewRefsRemoved, result.FiltersScanned, result.Duration.Round(time.Millisecond))
	if result.ViewsDropped > 0 {
		fmt.Printf("%s %d mapping(s) of %d dropped view(s)\n", verb, result.MappingsRemoved, result.ViewsDropped)
	}
	if result.EventsRemoved > 0 {
		fmt.Printf("%s %d audit event(s)\n", verb, result.EventsRemoved)
	}
	return nil
}
