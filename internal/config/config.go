// Package config manages the gitview server configuration. The file is TOML;
// GITVIEW_* environment variables override it and command-line flags
// override both.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

const (
	// FileName is the configuration file looked up in the data directory.
	FileName = "gitview.toml"
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "GITVIEW_"

	ReposDir  = "repos"
	TokenFile = "tokens.json"
	HostKey   = "ssh_host_ed25519_key"
)

// Config is the complete server configuration.
type Config struct {
	Server   ServerConfig  `toml:"server"`
	SSH      SSHConfig     `toml:"ssh"`
	Log      LogConfig     `toml:"log"`
	Rewrite  RewriteConfig `toml:"rewrite"`
	Webhooks WebhookConfig `toml:"webhooks"`
	path     string        // file the configuration was loaded from
}

// ServerConfig configures the HTTP listener and the policies shared by both
// transports.
type ServerConfig struct {
	Listen              string `toml:"listen"`
	DataDir             string `toml:"data_dir"`
	TLSCert             string `toml:"tls_cert"`
	TLSKey              string `toml:"tls_key"`
	AuthRequired        bool   `toml:"auth_required"`
	AdminToken          string `toml:"admin_token"`
	RequestsPerMinute   int    `toml:"requests_per_minute"`
	MaxPackSize         int64  `toml:"max_pack_size"`
	DenyNonFastForwards bool   `toml:"deny_non_fast_forwards"`
}

// SSHConfig configures the SSH listener. An empty Listen disables it.
type SSHConfig struct {
	Listen         string `toml:"listen"`
	HostKey        string `toml:"host_key"`
	AuthorizedKeys string `toml:"authorized_keys"`
}

// LogConfig selects the slog level (debug|info|warn|error) and handler
// (json|text).
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// RewriteConfig tunes the history rewriter.
type RewriteConfig struct {
	Parallelism int `toml:"parallelism"`
}

// WebhookConfig lists the push notification endpoints. Every payload is
// signed with Secret when it is set.
type WebhookConfig struct {
	URLs   []string `toml:"urls"`
	Secret string   `toml:"secret"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:            "127.0.0.1:8730",
			DataDir:           DefaultDataDir(),
			AuthRequired:      true,
			RequestsPerMinute: 300,
			MaxPackSize:       1 << 30,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Rewrite: RewriteConfig{
			Parallelism: 4,
		},
	}
}

// DefaultDataDir returns the default server data directory (~/.gitview).
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/var/lib/gitview"
	}
	return filepath.Join(home, ".gitview")
}

// Load reads the configuration at path on top of Default. A missing file is
// not an error. Environment overrides are applied last.
func Load(path string) (*Config, error) {
	cfg := Default()
	cfg.path = path

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := toml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		case !errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to the file it was loaded from.
func (c *Config) Save() error {
	if c.path == "" {
		return errors.New("config has no file path")
	}
	return c.SaveAs(c.path)
}

// SaveAs writes the configuration to path and remembers it.
func (c *Config) SaveAs(path string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	// The admin token and webhook secrets live in this file.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return err
	}
	c.path = path
	return nil
}

// Path returns the file the configuration was loaded from.
func (c *Config) Path() string {
	return c.path
}

// ReposPath returns the directory holding one subdirectory per repository.
func (c *Config) ReposPath() string {
	return filepath.Join(c.Server.DataDir, ReposDir)
}

// TokensPath returns the token store file.
func (c *Config) TokensPath() string {
	return filepath.Join(c.Server.DataDir, TokenFile)
}

// HostKeyPath returns the SSH host key file, inside the data directory
// unless configured.
func (c *Config) HostKeyPath() string {
	if c.SSH.HostKey != "" {
		return c.SSH.HostKey
	}
	return filepath.Join(c.Server.DataDir, HostKey)
}

// Validate checks values that cannot be fixed by defaults.
func (c *Config) Validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log format %q", c.Log.Format)
	}
	if c.Server.DataDir == "" {
		return errors.New("data_dir must not be empty")
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return errors.New("tls_cert and tls_key must be set together")
	}
	if c.Rewrite.Parallelism < 0 {
		return fmt.Errorf("invalid rewrite parallelism %d", c.Rewrite.Parallelism)
	}
	for _, u := range c.Webhooks.URLs {
		if u == "" {
			return errors.New("webhook url must not be empty")
		}
	}
	return nil
}

// applyEnv overrides fields from GITVIEW_* variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	str("LISTEN", &c.Server.Listen)
	str("DATA_DIR", &c.Server.DataDir)
	str("TLS_CERT", &c.Server.TLSCert)
	str("TLS_KEY", &c.Server.TLSKey)
	str("ADMIN_TOKEN", &c.Server.AdminToken)
	str("SSH_LISTEN", &c.SSH.Listen)
	str("SSH_HOST_KEY", &c.SSH.HostKey)
	str("SSH_AUTHORIZED_KEYS", &c.SSH.AuthorizedKeys)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	if v, ok := lookup(EnvPrefix + "AUTH_REQUIRED"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sAUTH_REQUIRED: %w", EnvPrefix, err)
		}
		c.Server.AuthRequired = b
	}
	if v, ok := lookup(EnvPrefix + "DENY_NON_FAST_FORWARDS"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sDENY_NON_FAST_FORWARDS: %w", EnvPrefix, err)
		}
		c.Server.DenyNonFastForwards = b
	}
	if v, ok := lookup(EnvPrefix + "REWRITE_PARALLELISM"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sREWRITE_PARALLELISM: %w", EnvPrefix, err)
		}
		c.Rewrite.Parallelism = n
	}

	str("WEBHOOK_SECRET", &c.Webhooks.Secret)
	if v, ok := lookup(EnvPrefix + "WEBHOOK_URLS"); ok && v != "" {
		c.Webhooks.URLs = SplitList(v)
	}
	return nil
}

// SplitList splits a comma-separated list, dropping empty items.
func SplitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
