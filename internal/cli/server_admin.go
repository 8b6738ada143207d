package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/kilupskalvis/gitview/internal/remote"
	"github.com/spf13/cobra"
)

var (
	tokenDesc       string
	tokenRepos      []string
	tokenPermission string
	repoBranch      string
)

var serverTokensCmd = &cobra.Command{
	Use:   "tokens",
	Short: "Manage access tokens of a running server",
}

var serverReposCmd = &cobra.Command{
	Use:   "repos",
	Short: "Manage repositories of a running server",
}

var tokenCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an access token",
	Long: `Create an access token. The raw token is printed once; the server keeps
only its hash.

Examples:
  gitview server tokens create --desc ci --repo project --permission ro`,
	Args: cobra.NoArgs,
	Run:  adminRun(createToken),
}

var repoCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create an empty repository",
	Args:  cobra.ExactArgs(1),
	Run:   adminRun(createRepo),
}

func init() {
	serverTokensCmd.AddCommand(
		tokenCreateCmd,
		&cobra.Command{
			Use:   "list",
			Short: "List access tokens",
			Args:  cobra.NoArgs,
			Run:   adminRun(listTokens),
		},
		&cobra.Command{
			Use:   "delete <id>",
			Short: "Revoke an access token",
			Args:  cobra.ExactArgs(1),
			Run:   adminRun(deleteToken),
		},
	)
	tf := tokenCreateCmd.Flags()
	tf.StringVar(&tokenDesc, "desc", "", "Token description")
	tf.StringArrayVar(&tokenRepos, "repo", nil, "Repository the token may use, repeatable (default: all)")
	tf.StringVar(&tokenPermission, "permission", "rw", "Permission level: ro or rw")

	repoCreateCmd.Flags().StringVar(&repoBranch, "default-branch", "main", "Branch HEAD points at")
	serverReposCmd.AddCommand(
		repoCreateCmd,
		&cobra.Command{
			Use:   "list",
			Short: "List repositories",
			Args:  cobra.NoArgs,
			Run:   adminRun(listRepos),
		},
		&cobra.Command{
			Use:   "info <name>",
			Short: "Show branches and registered views of a repository",
			Args:  cobra.ExactArgs(1),
			Run:   adminRun(repoInfo),
		},
		&cobra.Command{
			Use:   "delete <name>",
			Short: "Delete a repository and its caches",
			Args:  cobra.ExactArgs(1),
			Run:   adminRun(deleteRepo),
		},
	)
}

// resolveAdminClient builds an AdminClient from the admin connection flags.
func resolveAdminClient() *remote.AdminClient {
	switch {
	case serverAdminURL == "":
		exitError("--url or GITVIEW_SERVER_URL is required")
	case serverAdminToken == "":
		exitError("--admin-token or GITVIEW_ADMIN_TOKEN is required")
	}
	return remote.NewAdminClient(serverAdminURL, serverAdminToken)
}

type adminFunc func(ctx context.Context, c *remote.AdminClient, args []string) error

// adminRun adapts an admin command body to cobra. Its context ends on
// interrupt.
func adminRun(fn adminFunc) func(*cobra.Command, []string) {
	return func(_ *cobra.Command, args []string) {
		c := resolveAdminClient()
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		err := fn(ctx, c, args)
		stop()
		if err != nil {
			exitError("%v", err)
		}
	}
}

func createToken(ctx context.Context, c *remote.AdminClient, _ []string) error {
	tok, err := c.CreateToken(ctx, tokenDesc, tokenRepos, tokenPermission)
	if err != nil {
		return err
	}
	fmt.Println("Token created.")
	fmt.Printf("  ID:          %s\n", tok.ID)
	fmt.Printf("  Description: %s\n", tok.Description)
	fmt.Printf("  Repos:       %s\n", strings.Join(tok.Repos, ", "))
	fmt.Printf("  Permission:  %s\n", tok.Permission)
	fmt.Println()
	color.New(color.FgGreen).Printf("Token: %s\n", tok.Token)
	color.New(color.FgYellow).Println("Save this token, it will not be shown again.")
	return nil
}

func listTokens(ctx context.Context, c *remote.AdminClient, _ []string) error {
	tokens, err := c.ListTokens(ctx)
	if err != nil {
		return err
	}
	if len(tokens) == 0 {
		fmt.Println("No tokens")
		return nil
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tDESCRIPTION\tREPOS\tPERM\tLAST USED")
	for _, t := range tokens {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			t.ID, t.Description, strings.Join(t.Repos, ","), t.Permission, lastUsed(t.LastUsedAt))
	}
	return tw.Flush()
}

func lastUsed(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func deleteToken(ctx context.Context, c *remote.AdminClient, args []string) error {
	if err := c.DeleteToken(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("Deleted token '%s'\n", args[0])
	return nil
}

func createRepo(ctx context.Context, c *remote.AdminClient, args []string) error {
	info, err := c.CreateRepo(ctx, args[0], repoBranch)
	if err != nil {
		return err
	}
	color.New(color.FgGreen).Printf("Created repository '%s' (default branch %s)\n", info.Name, info.DefaultBranch)
	return nil
}

func listRepos(ctx context.Context, c *remote.AdminClient, _ []string) error {
	names, err := c.ListRepos(ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		fmt.Println(name)
	}
	return nil
}

func repoInfo(ctx context.Context, c *remote.AdminClient, args []string) error {
	info, err := c.GetRepo(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Repository:     %s\n", info.Name)
	fmt.Printf("Default branch: %s\n", info.DefaultBranch)
	fmt.Printf("Views:          %d\n", info.Filters)
	fmt.Println("Branches:")
	cyan := color.New(color.FgCyan)
	for _, b := range info.Branches {
		if b == info.DefaultBranch {
			cyan.Printf("  * %s\n", b)
			continue
		}
		fmt.Printf("    %s\n", b)
	}
	return nil
}

func deleteRepo(ctx context.Context, c *remote.AdminClient, args []string) error {
	if err := c.DeleteRepo(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("Deleted repository '%s'\n", args[0])
	return nil
}
