package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/cbroglie/mustache"

	"github.com/neilberkman/ccgate/internal/core/models"
)

const (
	DefaultCallTimeout    = 30 * time.Second
	DefaultConnectTimeout = 5 * time.Second
	DefaultPollInterval   = 2 * time.Second

	DefaultApproveReason = "Approved via ccgate"
	DefaultDenyReason    = "Denied via ccgate"
)

// Keys as they appear in config.toml
const (
	KeyDaemonSocket   = "daemon_socket"
	KeyCallTimeout    = "call_timeout"
	KeyConnectTimeout = "connect_timeout"
	KeyPollInterval   = "poll_interval"
	KeyCacheDB        = "cache_db"
	KeyApproveReason  = "approve_reason"
	KeyDenyReason     = "deny_reason"
)

// Environment variables
const (
	EnvDaemonSocket   = "HUMANLAYER_DAEMON_SOCKET"
	EnvCallTimeout    = "CCGATE_CALL_TIMEOUT"
	EnvConnectTimeout = "CCGATE_CONNECT_TIMEOUT"
	EnvPollInterval   = "CCGATE_POLL_INTERVAL"
	EnvCacheDB        = "CCGATE_CACHE_DB"
)

// Source records where a resolved value came from
type Source string

const (
	SourceFlag    Source = "flag"
	SourceEnv     Source = "env"
	SourceConfig  Source = "config"
	SourceDefault Source = "default"
)

// Flags holds command-line overrides. Empty fields are unset.
type Flags struct {
	ConfigPath   string
	DaemonSocket string
	CallTimeout  string
	CacheDB      string
}

// Config is resolved once at startup and passed down explicitly
type Config struct {
	DaemonSocket   string
	CallTimeout    time.Duration
	ConnectTimeout time.Duration
	PollInterval   time.Duration
	CacheDB        string
	ApproveReason  string
	DenyReason     string

	// Path is the config file that was read, empty if none
	Path string

	sources map[string]Source
}

// Entry is one resolved setting, for display
type Entry struct {
	Key    string
	Value  string
	Source Source
}

type tomlConfig struct {
	DaemonSocket   string `toml:"daemon_socket"`
	CallTimeout    string `toml:"call_timeout"`
	ConnectTimeout string `toml:"connect_timeout"`
	PollInterval   string `toml:"poll_interval"`
	CacheDB        string `toml:"cache_db"`
	ApproveReason  string `toml:"approve_reason"`
	DenyReason     string `toml:"deny_reason"`
}

// Dir returns $XDG_CONFIG_HOME/ccgate, falling back to ~/.config/ccgate
func Dir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "ccgate")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "~"
	}
	return filepath.Join(home, ".config", "ccgate")
}

// DefaultSocketPath is where the daemon listens unless told otherwise
func DefaultSocketPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "~"
	}
	return filepath.Join(home, ".humanlayer", "daemon.sock")
}

// Load resolves every setting with precedence flag > env > config file > default.
// A missing default config file is fine; a missing --config file is not.
func Load(flags Flags) (*Config, error) {
	cfg := &Config{
		DaemonSocket:   DefaultSocketPath(),
		CallTimeout:    DefaultCallTimeout,
		ConnectTimeout: DefaultConnectTimeout,
		PollInterval:   DefaultPollInterval,
		CacheDB:        filepath.Join(Dir(), "cache.db"),
		ApproveReason:  DefaultApproveReason,
		DenyReason:     DefaultDenyReason,
		sources:        make(map[string]Source),
	}

	path := flags.ConfigPath
	explicit := path != ""
	if !explicit {
		path = filepath.Join(Dir(), "config.toml")
	}

	if _, err := os.Stat(path); err == nil {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
		cfg.Path = path
	} else if explicit {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.applyFlags(flags); err != nil {
		return nil, err
	}

	cfg.DaemonSocket = expandHome(cfg.DaemonSocket)
	cfg.CacheDB = expandHome(cfg.CacheDB)
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	var tc tomlConfig
	md, err := toml.DecodeFile(path, &tc)
	if err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("unknown key %q in %s", undecoded[0].String(), path)
	}

	set := func(key, value string) error {
		if !md.IsDefined(key) {
			return nil
		}
		return c.set(key, value, SourceConfig)
	}
	for _, kv := range []struct{ key, value string }{
		{KeyDaemonSocket, tc.DaemonSocket},
		{KeyCallTimeout, tc.CallTimeout},
		{KeyConnectTimeout, tc.ConnectTimeout},
		{KeyPollInterval, tc.PollInterval},
		{KeyCacheDB, tc.CacheDB},
		{KeyApproveReason, tc.ApproveReason},
		{KeyDenyReason, tc.DenyReason},
	} {
		if err := set(kv.key, kv.value); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	return nil
}

func (c *Config) applyEnv() error {
	for _, kv := range []struct{ key, env string }{
		{KeyDaemonSocket, EnvDaemonSocket},
		{KeyCallTimeout, EnvCallTimeout},
		{KeyConnectTimeout, EnvConnectTimeout},
		{KeyPollInterval, EnvPollInterval},
		{KeyCacheDB, EnvCacheDB},
	} {
		value := os.Getenv(kv.env)
		if value == "" {
			continue
		}
		if err := c.set(kv.key, value, SourceEnv); err != nil {
			return fmt.Errorf("%s: %w", kv.env, err)
		}
	}
	return nil
}

func (c *Config) applyFlags(flags Flags) error {
	for _, kv := range []struct{ key, value, flag string }{
		{KeyDaemonSocket, flags.DaemonSocket, "--daemon-socket"},
		{KeyCallTimeout, flags.CallTimeout, "--timeout"},
		{KeyCacheDB, flags.CacheDB, "--cache-db"},
	} {
		if kv.value == "" {
			continue
		}
		if err := c.set(kv.key, kv.value, SourceFlag); err != nil {
			return fmt.Errorf("%s: %w", kv.flag, err)
		}
	}
	return nil
}

func (c *Config) set(key, value string, src Source) error {
	switch key {
	case KeyDaemonSocket:
		if value == "" {
			return errors.New("daemon_socket must not be empty")
		}
		c.DaemonSocket = value
	case KeyCallTimeout:
		d, err := parseDuration(key, value)
		if err != nil {
			return err
		}
		c.CallTimeout = d
	case KeyConnectTimeout:
		d, err := parseDuration(key, value)
		if err != nil {
			return err
		}
		c.ConnectTimeout = d
	case KeyPollInterval:
		d, err := parseDuration(key, value)
		if err != nil {
			return err
		}
		c.PollInterval = d
	case KeyCacheDB:
		c.CacheDB = value
	case KeyApproveReason:
		if err := checkTemplate(key, value); err != nil {
			return err
		}
		c.ApproveReason = value
	case KeyDenyReason:
		if err := checkTemplate(key, value); err != nil {
			return err
		}
		c.DenyReason = value
	default:
		return fmt.Errorf("unknown key %q", key)
	}
	c.sources[key] = src
	return nil
}

func parseDuration(key, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s %q: must be positive", key, value)
	}
	return d, nil
}

func checkTemplate(key, value string) error {
	if _, err := mustache.ParseString(value); err != nil {
		return fmt.Errorf("invalid %s template: %w", key, err)
	}
	return nil
}

// Source reports where key's value came from
func (c *Config) Source(key string) Source {
	if src, ok := c.sources[key]; ok {
		return src
	}
	return SourceDefault
}

// Entries lists every setting in a stable order
func (c *Config) Entries() []Entry {
	values := []struct{ key, value string }{
		{KeyDaemonSocket, c.DaemonSocket},
		{KeyCallTimeout, c.CallTimeout.String()},
		{KeyConnectTimeout, c.ConnectTimeout.String()},
		{KeyPollInterval, c.PollInterval.String()},
		{KeyCacheDB, c.CacheDB},
		{KeyApproveReason, c.ApproveReason},
		{KeyDenyReason, c.DenyReason},
	}
	entries := make([]Entry, 0, len(values))
	for _, v := range values {
		entries = append(entries, Entry{Key: v.key, Value: v.value, Source: c.Source(v.key)})
	}
	return entries
}

// Reason renders the configured comment for a decision. A template that
// fails to render falls back to the built-in text.
func (c *Config) Reason(approval models.Approval, decision models.Decision) string {
	tmpl, fallback := c.ApproveReason, DefaultApproveReason
	if decision == models.DecisionDeny {
		tmpl, fallback = c.DenyReason, DefaultDenyReason
	}
	reason, err := RenderReason(tmpl, approval)
	if err != nil || strings.TrimSpace(reason) == "" {
		return fallback
	}
	return reason
}

// RenderReason expands {{tool_name}}, {{session_id}} and {{approval_id}} in tmpl
func RenderReason(tmpl string, approval models.Approval) (string, error) {
	data := map[string]interface{}{
		"tool_name":   approval.ToolName,
		"session_id":  approval.SessionID,
		"approval_id": approval.ID,
	}
	out, err := mustache.Render(tmpl, data)
	if err != nil {
		return "", fmt.Errorf("failed to render reason: %w", err)
	}
	return out, nil
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
