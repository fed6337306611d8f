// Package config handles loading and managing mailstation configuration.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/mailstation/mailstation/internal/fileutil"
)

// ServerConfig holds HTTP API server configuration.
type ServerConfig struct {
	APIPort         int      `toml:"api_port"`         // HTTP server port (default: 8080)
	BindAddr        string   `toml:"bind_addr"`        // Bind address (default: 127.0.0.1)
	APIKey          string   `toml:"api_key"`          // API authentication key
	AllowInsecure   bool     `toml:"allow_insecure"`   // Allow unauthenticated non-loopback access
	CORSOrigins     []string `toml:"cors_origins"`     // Allowed CORS origins (empty = disabled)
	CORSCredentials bool     `toml:"cors_credentials"` // Allow credentials in CORS
	CORSMaxAge      int      `toml:"cors_max_age"`     // Preflight cache duration in seconds (default: 86400)
}

// IsLoopback returns true if the bind address is a loopback address.
// Handles the full 127.0.0.0/8 range, IPv6 ::1, and "localhost".
func (s ServerConfig) IsLoopback() bool {
	addr := s.BindAddr
	if addr == "" || addr == "localhost" {
		return true
	}
	ip := net.ParseIP(addr)
	return ip != nil && ip.IsLoopback()
}

// ValidateSecure returns an error if the server is configured insecurely
// without an explicit opt-in via allow_insecure.
func (s ServerConfig) ValidateSecure() error {
	if !s.IsLoopback() && s.APIKey == "" && !s.AllowInsecure {
		return fmt.Errorf("refusing to start: bind address %q is not loopback and no api_key is set\n\n"+
			"Set [server] api_key in config.toml, or set allow_insecure = true to override", s.BindAddr)
	}
	return nil
}

// RemoteConfig describes the remote IMAP account a local mirror syncs from.
type RemoteConfig struct {
	Email      string `toml:"email"`       // account identity, also the settings-mailbox key prefix
	IMAPHost   string `toml:"imap_host"`   // e.g. imap.gmail.com
	IMAPPort   int    `toml:"imap_port"`   // default 993
	TLS        bool   `toml:"tls"`         // implicit TLS on connect (default true for port 993)
	STARTTLS   bool   `toml:"starttls"`    // upgrade a plaintext connection
	SMTPHost   string `toml:"smtp_host"`   // e.g. smtp.gmail.com
	SMTPPort   int    `toml:"smtp_port"`   // default 587
	Username   string `toml:"username"`    // IMAP/SMTP login, usually == Email
	Gmail      bool   `toml:"gmail"`       // forces the X-GM-EXT-1 fetch/reconcile path regardless of host sniffing
	SkipDrafts bool   `toml:"skip_drafts"` // drop \Draft messages when fetching from Gmail (default true)
}

// LocalConfig describes the local IMAP daemon used as the durable cache.
type LocalConfig struct {
	IMAPHost string `toml:"imap_host"` // default 127.0.0.1
	IMAPPort int    `toml:"imap_port"` // default 143
	TLS      bool   `toml:"tls"`
	STARTTLS bool   `toml:"starttls"`
	Username string `toml:"username"`
}

// AccountSchedule defines the sync schedule for a single remote account.
type AccountSchedule struct {
	Email    string `toml:"email"`    // must match a RemoteConfig.Email entry
	Schedule string `toml:"schedule"` // cron expression, e.g. "0 */2 * * *"
	Enabled  bool   `toml:"enabled"`  // whether scheduled sync is active
}

// EngineConfig holds sync-engine tunables (§5 of the engine's specification).
type EngineConfig struct {
	FetchBatchSize    int `toml:"fetch_batch_size"`    // UIDs per append sub-batch (default 50)
	FetchConcurrency  int `toml:"fetch_concurrency"`   // concurrent connections per fetch cycle (default 4)
	SocketTimeoutSecs int `toml:"socket_timeout_secs"` // per-op read/write deadline (default 30)
}

// Config represents the mailstation configuration.
type Config struct {
	Data     DataConfig        `toml:"data"`
	Local    LocalConfig       `toml:"local"`
	Engine   EngineConfig      `toml:"engine"`
	Server   ServerConfig      `toml:"server"`
	Remotes  []RemoteConfig    `toml:"remotes"`
	Accounts []AccountSchedule `toml:"accounts"`

	// Computed paths (not from config file)
	HomeDir    string `toml:"-"`
	configPath string // resolved path to the loaded config file
}

// DataConfig holds local state-directory configuration (lockfiles, credential
// files — the durable corpus itself lives in the local IMAP daemon, not here).
type DataConfig struct {
	DataDir string `toml:"data_dir"`
}

// DefaultHome returns the default mailstation home directory.
// Respects the MAILSTATION_HOME environment variable and expands ~ in its value.
func DefaultHome() string {
	if h := os.Getenv("MAILSTATION_HOME"); h != "" {
		return expandPath(h)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mailstation"
	}
	return filepath.Join(home, ".mailstation")
}

// NewDefaultConfig returns a configuration with default values.
func NewDefaultConfig() *Config {
	homeDir := DefaultHome()
	return &Config{
		HomeDir: homeDir,
		Data: DataConfig{
			DataDir: homeDir,
		},
		Local: LocalConfig{
			IMAPHost: "127.0.0.1",
			IMAPPort: 143,
			STARTTLS: true,
		},
		Engine: EngineConfig{
			FetchBatchSize:    50,
			FetchConcurrency:  4,
			SocketTimeoutSecs: 30,
		},
		Server: ServerConfig{
			APIPort:  8080,
			BindAddr: "127.0.0.1",
		},
		Remotes:  []RemoteConfig{},
		Accounts: []AccountSchedule{},
	}
}

// Load reads the configuration from the specified file.
// If path is empty, uses the default location (~/.mailstation/config.toml),
// which is optional (missing file returns defaults).
// If path is explicitly provided, the file must exist.
//
// homeDir overrides the home directory (equivalent to MAILSTATION_HOME).
// When set, config.toml is loaded from homeDir unless path is also set.
func Load(path, homeDir string) (*Config, error) {
	explicit := path != ""

	cfg := NewDefaultConfig()

	// --home overrides the default home directory, just like MAILSTATION_HOME.
	if homeDir != "" {
		homeDir = expandPath(homeDir)
		cfg.HomeDir = homeDir
		cfg.Data.DataDir = homeDir
	}

	if !explicit {
		path = filepath.Join(cfg.HomeDir, "config.toml")
	} else {
		// Expand ~ for explicit paths (e.g. --config "~/.mailstation/config.toml"
		// where the shell didn't expand it, or on Windows where ~ is never expanded).
		path = expandPath(path)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if explicit {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		// Default config file is optional
		return cfg, nil
	}

	cfg.configPath = path

	// When --config points to a custom location without --home, derive HomeDir
	// and default DataDir from the config file's parent directory so that
	// lockfiles and credential files live alongside the config.
	if explicit && homeDir == "" {
		cfg.HomeDir = filepath.Dir(path)
		cfg.Data.DataDir = cfg.HomeDir
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if strings.Contains(err.Error(), "invalid escape") ||
			strings.Contains(err.Error(), "hexadecimal digits after") {
			return nil, fmt.Errorf("decode config: %w\n\nhint: Windows paths in TOML must use "+
				"forward slashes (C:/Users/me/mailstation) or single quotes ('C:\\Users\\me\\mailstation').", err)
		}
		return nil, fmt.Errorf("decode config: %w", err)
	}
	// A second decode with pointer fields tells an absent tls/skip_drafts key
	// (which takes its default below) from an explicit false.
	var present struct {
		Remotes []struct {
			TLS        *bool `toml:"tls"`
			SkipDrafts *bool `toml:"skip_drafts"`
		} `toml:"remotes"`
	}
	_, _ = toml.DecodeFile(path, &present)

	// Expand ~ in paths
	cfg.Data.DataDir = expandPath(cfg.Data.DataDir)

	// When --config is used, resolve relative paths against the config file's
	// directory so behavior doesn't depend on the working directory.
	if explicit {
		cfg.Data.DataDir = resolveRelative(cfg.Data.DataDir, cfg.HomeDir)
	}

	for i := range cfg.Remotes {
		r := &cfg.Remotes[i]
		if r.IMAPPort == 0 {
			r.IMAPPort = 993
		}
		if r.SMTPPort == 0 {
			r.SMTPPort = 587
		}
		if r.Username == "" {
			r.Username = r.Email
		}
		if !r.Gmail {
			r.Gmail = isGmailHost(r.IMAPHost)
		}
		if i >= len(present.Remotes) || present.Remotes[i].TLS == nil {
			r.TLS = r.IMAPPort == 993 && !r.STARTTLS
		}
		if i >= len(present.Remotes) || present.Remotes[i].SkipDrafts == nil {
			r.SkipDrafts = true
		}
	}

	return cfg, nil
}

// isGmailHost reports whether host is a known Gmail IMAP endpoint. The
// derived value is only a default; Remote.Gmail can always override it, and
// the connection layer confirms the X-GM-EXT-1 capability at login regardless.
func isGmailHost(host string) bool {
	h := strings.ToLower(host)
	return h == "imap.gmail.com" || strings.HasSuffix(h, ".gmail.com")
}

// LockDir returns the directory holding per-account user-scope lockfiles.
func (c *Config) LockDir() string {
	return filepath.Join(c.Data.DataDir, "locks")
}

// CredentialsDir returns the directory holding saved remote-account credentials.
func (c *Config) CredentialsDir() string {
	return filepath.Join(c.Data.DataDir, "credentials")
}

// EnsureHomeDir creates the mailstation home directory if it doesn't exist.
func (c *Config) EnsureHomeDir() error {
	return fileutil.SecureMkdirAll(c.HomeDir, 0700)
}

// ConfigFilePath returns the path to the config file.
// If a config was loaded (including via --config), returns the actual path used.
// Otherwise returns the default location based on HomeDir.
func (c *Config) ConfigFilePath() string {
	if c.configPath != "" {
		return c.configPath
	}
	return filepath.Join(c.HomeDir, "config.toml")
}

// RemoteByEmail returns the configured remote account matching email, or nil.
func (c *Config) RemoteByEmail(email string) *RemoteConfig {
	for i := range c.Remotes {
		if c.Remotes[i].Email == email {
			return &c.Remotes[i]
		}
	}
	return nil
}

// ScheduledAccounts returns accounts with scheduling enabled.
func (c *Config) ScheduledAccounts() []AccountSchedule {
	var scheduled []AccountSchedule
	for _, acc := range c.Accounts {
		if acc.Enabled && acc.Schedule != "" {
			scheduled = append(scheduled, acc)
		}
	}
	return scheduled
}

// GetAccountSchedule returns the schedule for a specific account email.
// Returns nil if the account is not configured for scheduling.
// The returned value is a copy, so mutations won't affect the config.
func (c *Config) GetAccountSchedule(email string) *AccountSchedule {
	for i := range c.Accounts {
		if c.Accounts[i].Email == email {
			acc := c.Accounts[i]
			return &acc
		}
	}
	return nil
}

// secureTempDir applies owner-only permissions to a temp directory created by
// os.MkdirTemp, which uses default permissions. On Windows, this also sets an
// owner-only DACL. Failures are logged but non-fatal.
func secureTempDir(dir string) {
	if err := fileutil.SecureChmod(dir, 0700); err != nil {
		slog.Warn("failed to secure temp directory permissions", "path", dir, "err", err)
	}
}

// MkTempDir creates a temporary directory with fallback logic for restricted
// environments (e.g. Windows where %TEMP% may be inaccessible due to
// permissions, antivirus, or group policy).
func MkTempDir(pattern string, preferredDirs ...string) (string, error) {
	for _, base := range preferredDirs {
		if base == "" {
			continue
		}
		dir, err := os.MkdirTemp(base, pattern)
		if err == nil {
			secureTempDir(dir)
			return dir, nil
		}
	}

	dir, sysErr := os.MkdirTemp("", pattern)
	if sysErr == nil {
		secureTempDir(dir)
		return dir, nil
	}

	fallbackBase := filepath.Join(DefaultHome(), "tmp")
	if err := fileutil.SecureMkdirAll(fallbackBase, 0700); err != nil {
		return "", fmt.Errorf("create temp dir: %w (fallback also failed: %v)", sysErr, err)
	}
	dir, err := os.MkdirTemp(fallbackBase, pattern)
	if err != nil {
		return "", fmt.Errorf("create temp dir: %w (fallback also failed: %v)", sysErr, err)
	}
	secureTempDir(dir)
	return dir, nil
}

// resolveRelative makes a relative path absolute by joining it with base.
// Absolute paths and empty strings are returned unchanged.
func resolveRelative(path, base string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}

// expandPath expands ~ to the user's home directory.
// Only expands paths that are exactly "~" or start with "~/".
// It also strips surrounding single or double quotes, which Windows CMD
// passes through literally (unlike Unix shells which strip them).
func expandPath(path string) string {
	if path == "" {
		return path
	}
	if runtime.GOOS == "windows" && len(path) >= 2 &&
		((path[0] == '\'' && path[len(path)-1] == '\'') ||
			(path[0] == '"' && path[len(path)-1] == '"')) {
		path = path[1 : len(path)-1]
	}
	if path == "~" || strings.HasPrefix(path, "~"+string(os.PathSeparator)) || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		if path == "~" {
			return home
		}
		suffix := path[2:]
		for len(suffix) > 0 && (suffix[0] == '/' || suffix[0] == os.PathSeparator) {
			suffix = suffix[1:]
		}
		return filepath.Join(home, suffix)
	}
	return path
}
