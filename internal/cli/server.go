package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/kilupskalvis/gitview/internal/config"
	"github.com/kilupskalvis/gitview/internal/core"
	"github.com/kilupskalvis/gitview/internal/remote/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	serverAdminURL   string
	serverAdminToken string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run and manage the gitview server",
	Long:  "Commands for running the gitview server and managing a running one.",
}

var serverStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the gitview server",
	Long: `Start the gitview server.

Repositories live under <data-dir>/repos/<name>/: the bare git repository,
the rewrite cache (bbolt) and the audit log (SQLite). Views are served over
smart HTTP and, when --ssh-listen is set, over SSH.

Settings are read from the configuration file, then GITVIEW_* environment
variables, then flags. The admin token (GITVIEW_ADMIN_TOKEN) enables the
/admin/ endpoints for repository and token management.

Examples:
  gitview server start
  gitview server start --listen 0.0.0.0:8730 --data-dir /var/lib/gitview
  gitview server start --ssh-listen :2222 --authorized-keys ~/.ssh/authorized_keys
  gitview server start --tls-cert server.crt --tls-key server.key`,
	Run: runServerStart,
}

func init() {
	serverCmd.AddCommand(serverStartCmd, serverTokensCmd, serverReposCmd)
	addServerStartFlags(serverStartCmd)
	for _, cmd := range []*cobra.Command{serverTokensCmd, serverReposCmd, auditCmd, pruneCmd} {
		addAdminFlags(cmd)
	}
}

// addServerStartFlags defines the flags of "server start". They default to
// the zero value; only flags set on the command line override the
// configuration.
func addServerStartFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("listen", "", "HTTP listen address (host:port)")
	f.String("data-dir", "", "Directory for repository data")
	f.String("ssh-listen", "", "SSH listen address (host:port); empty disables SSH")
	f.String("host-key", "", "SSH host key file (created if missing)")
	f.String("authorized-keys", "", "SSH authorized_keys file; empty accepts any key")
	f.String("log-level", "", "Log level (debug|info|warn|error)")
	f.String("log-format", "", "Log format (json|text)")
	f.String("tls-cert", "", "TLS certificate file")
	f.String("tls-key", "", "TLS key file")
	f.String("webhook-urls", "", "Comma-separated webhook URLs to notify on push")
	f.String("webhook-secret", "", "HMAC secret for signing webhook payloads")
	f.Bool("no-auth", false, "Serve repositories without token authentication")
	f.Bool("deny-non-fast-forwards", false, "Reject pushes that do not descend from the view tip")
	f.Int("parallelism", 0, "Number of refs rewritten concurrently")
}

// addAdminFlags binds the shared admin connection flags. Every command binds
// the same package-level vars; only one command path executes at runtime.
func addAdminFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&serverAdminURL, "url",
		envOrDefault("GITVIEW_SERVER_URL", ""),
		"Server base URL (env: GITVIEW_SERVER_URL)")
	cmd.PersistentFlags().StringVar(&serverAdminToken, "admin-token",
		os.Getenv("GITVIEW_ADMIN_TOKEN"),
		"Admin token (env: GITVIEW_ADMIN_TOKEN)")
}

// applyServerFlags copies the flags set on the command line into cfg.
func applyServerFlags(cmd *cobra.Command, cfg *config.Config) error {
	f := cmd.Flags()
	strs := map[string]*string{
		"listen":          &cfg.Server.Listen,
		"data-dir":        &cfg.Server.DataDir,
		"ssh-listen":      &cfg.SSH.Listen,
		"host-key":        &cfg.SSH.HostKey,
		"authorized-keys": &cfg.SSH.AuthorizedKeys,
		"log-level":       &cfg.Log.Level,
		"log-format":      &cfg.Log.Format,
		"tls-cert":        &cfg.Server.TLSCert,
		"tls-key":         &cfg.Server.TLSKey,
		"webhook-secret":  &cfg.Webhooks.Secret,
	}
	for name, dst := range strs {
		if f.Changed(name) {
			*dst, _ = f.GetString(name)
		}
	}
	if f.Changed("webhook-urls") {
		v, _ := f.GetString("webhook-urls")
		cfg.Webhooks.URLs = config.SplitList(v)
	}
	if f.Changed("no-auth") {
		noAuth, _ := f.GetBool("no-auth")
		cfg.Server.AuthRequired = !noAuth
	}
	if f.Changed("deny-non-fast-forwards") {
		cfg.Server.DenyNonFastForwards, _ = f.GetBool("deny-non-fast-forwards")
	}
	if f.Changed("parallelism") {
		cfg.Rewrite.Parallelism, _ = f.GetInt("parallelism")
	}
	return cfg.Validate()
}

func runServerStart(cmd *cobra.Command, _ []string) {
	if configPath == "" && cmd.Flags().Changed("data-dir") {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		configPath = filepath.Join(dataDir, config.FileName)
	}
	cfg := loadConfig()
	if err := applyServerFlags(cmd, cfg); err != nil {
		exitError("%v", err)
	}
	logger := newLogger(os.Stdout, cfg.Log.Level, cfg.Log.Format)

	if err := serve(cfg, logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

// serve runs the HTTP and, when configured, SSH listeners until SIGINT or
// SIGTERM, or until either listener fails.
func serve(cfg *config.Config, logger *slog.Logger) error {
	if err := os.MkdirAll(cfg.Server.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	repos, err := server.NewDiskRepos(cfg.ReposPath(), logger)
	if err != nil {
		return fmt.Errorf("open repositories at %s: %w", cfg.ReposPath(), err)
	}
	defer repos.CloseAll()
	repos.Parallelism = cfg.Rewrite.Parallelism

	tokens := server.NewFileTokenStore(cfg.TokensPath(), logger)
	if err := tokens.Load(); err != nil {
		return fmt.Errorf("load token store: %w", err)
	}

	scfg := serverConfig(cfg, logger)
	h, stopHandler := server.Handler(repos, repos, tokens, scfg, logger)
	defer stopHandler()

	httpSrv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       5 * time.Minute,
		WriteTimeout:      30 * time.Minute,
		IdleTimeout:       2 * time.Minute,
	}

	var sshSrv *server.SSHServer
	if cfg.SSH.Listen != "" {
		sshSrv, err = server.NewSSHServer(&server.Services{
			Repos:      repos,
			Translator: core.TranslatorOptions{DenyNonFastForwards: scfg.DenyNonFastForwards},
			Webhooks:   scfg.Webhooks,
			Metrics:    scfg.Metrics,
			Logger:     logger,
		}, &server.SSHConfig{
			HostKeyPath:        cfg.HostKeyPath(),
			AuthorizedKeysPath: cfg.SSH.AuthorizedKeys,
		}, logger)
		if err != nil {
			return fmt.Errorf("configure ssh server: %w", err)
		}
		if cfg.SSH.AuthorizedKeys == "" {
			logger.Warn("no authorized_keys configured; any ssh key is accepted")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting gitview server", "listen", cfg.Server.Listen, "data_dir", cfg.Server.DataDir,
			"tls", cfg.Server.TLSCert != "")
		var err error
		if cfg.Server.TLSCert != "" {
			err = httpSrv.ListenAndServeTLS(cfg.Server.TLSCert, cfg.Server.TLSKey)
		} else {
			err = httpSrv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http: %w", err)
	})
	if sshSrv != nil {
		g.Go(func() error {
			if err := sshSrv.ListenAndServe(cfg.SSH.Listen); !errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("ssh: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if sshSrv != nil {
			sshSrv.Close()
		}
		return httpSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// serverConfig maps the file configuration onto the handler's settings.
func serverConfig(cfg *config.Config, logger *slog.Logger) *server.ServerConfig {
	scfg := server.DefaultServerConfig()
	scfg.AuthRequired = cfg.Server.AuthRequired
	scfg.AdminToken = cfg.Server.AdminToken
	scfg.DenyNonFastForwards = cfg.Server.DenyNonFastForwards
	scfg.Metrics = server.NewMetrics()
	if n := cfg.Server.RequestsPerMinute; n > 0 {
		scfg.RequestsPerMinute = n
	}
	if n := cfg.Server.MaxPackSize; n > 0 {
		scfg.MaxPackSize = n
	}
	if !scfg.AuthRequired {
		logger.Warn("token authentication disabled; every repository is readable and writable")
	}
	if scfg.AdminToken == "" {
		logger.Info("no admin token configured; /admin/ endpoints are disabled")
	}
	if urls := cfg.Webhooks.URLs; len(urls) > 0 {
		scfg.Webhooks = server.NewWebhookNotifier(&server.WebhookConfig{
			URLs:      urls,
			Secret:    cfg.Webhooks.Secret,
			OnFailure: scfg.Metrics.WebhookFailed,
		}, logger)
		logger.Info("webhooks configured", "count", len(urls))
	}
	return scfg
}
