// Package cli implements the command-line interface for gitview.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/kilupskalvis/gitview/internal/config"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "gitview",
	Short: "Filtered views of git repositories",
	Long: `gitview serves filtered views of git repositories. A client clones,
fetches from and pushes to a sub-directory (or another filtered view) of a
larger repository as if it were a repository of its own, while the server
keeps one canonical history.

  git clone http://host:8730/project.git/libs/core
  git clone ssh://git@host:2222/project.git/:prefix=vendor/project.git`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// ExecuteServer runs "server start" with args.
func ExecuteServer(args []string) error {
	rootCmd.SetArgs(append([]string{"server", "start"}, args...))
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config",
		envOrDefault("GITVIEW_CONFIG", ""),
		"Configuration file (default: <data-dir>/"+config.FileName+", env: GITVIEW_CONFIG)")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(pruneCmd)
	rootCmd.AddCommand(filterCmd)
	rootCmd.AddCommand(rewriteCmd)
	rootCmd.AddCommand(verifyCmd)
}

// loadConfig reads --config, falling back to the file in the default data
// directory.
func loadConfig() *config.Config {
	path := configPath
	if path == "" {
		dataDir := envOrDefault("GITVIEW_DATA_DIR", config.DefaultDataDir())
		path = filepath.Join(dataDir, config.FileName)
	}
	cfg, err := config.Load(path)
	if err != nil {
		exitError("%v", err)
	}
	return cfg
}

// newLogger builds the slog logger selected by level and format.
func newLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

// envOrDefault returns the value of the environment variable key, or defaultVal if unset.
func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// exitError prints an error and exits
func exitError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

// shortID returns first 8 characters of an ID
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
