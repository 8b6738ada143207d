package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kilupskalvis/gitview/internal/config"
	"github.com/kilupskalvis/gitview/internal/remote"
	"github.com/spf13/cobra"
)

var completionCmd = &cobra.Command{
	Use:   "completion <bash|zsh|fish|powershell>",
	Short: "Print a shell completion script",
	Long: `Print a completion script for the given shell. Besides commands and
flags, the script completes repository names of the local data directory
for "gitview rewrite" and "gitview verify".

Examples:
  source <(gitview completion bash)
  gitview completion zsh > "${fpath[1]}/_gitview"
  gitview completion fish > ~/.config/fish/completions/gitview.fish`,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	DisableFlagsInUseLine: true,
	RunE:                  runCompletion,
}

func init() {
	rootCmd.AddCommand(completionCmd)
	for _, cmd := range []*cobra.Command{rewriteCmd, verifyCmd} {
		cmd.ValidArgsFunction = completeLocalRepos
	}
}

func runCompletion(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	root := cmd.Root()
	switch args[0] {
	case "bash":
		return root.GenBashCompletionV2(out, true)
	case "zsh":
		return root.GenZshCompletion(out)
	case "fish":
		return root.GenFishCompletion(out, true)
	case "powershell":
		return root.GenPowerShellCompletionWithDesc(out)
	}
	return fmt.Errorf("unsupported shell %q", args[0])
}

// completeLocalRepos offers the repositories of the data directory as the
// first argument. Later arguments are filters and branches, which need the
// repository opened; those are left to the user.
func completeLocalRepos(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) > 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	dataDir := rewriteDataDir
	if dataDir == "" {
		dataDir = completionDataDir()
	}
	return localRepos(filepath.Join(dataDir, config.ReposDir), toComplete), cobra.ShellCompDirectiveNoFileComp
}

// completionDataDir resolves the data directory without exiting on a bad
// configuration file; completion must stay silent.
func completionDataDir() string {
	path := configPath
	if path == "" {
		path = filepath.Join(envOrDefault("GITVIEW_DATA_DIR", config.DefaultDataDir()), config.FileName)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.DefaultDataDir()
	}
	return cfg.Server.DataDir
}

// localRepos lists the repository directories under dir starting with prefix.
func localRepos(dir, prefix string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() || !strings.HasPrefix(name, prefix) || remote.ValidateRepoName(name) != nil {
			continue
		}
		names = append(names, name)
	}
	return names
}
