// Package config loads the merged file + environment configuration.
//
// A config file (yaml, json or toml) provides the base; environment
// variables of the form AUTOPULSE__SECTION__KEY overlay scalar settings, and
// a __FILE suffix marks a variable whose value is a path to a file holding
// the real value (docker secrets convention).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/mescon/autopulse/internal/rewrite"
)

// Version is set at build time via -ldflags. Default "dev" is used for
// development builds.
var Version = "dev"

// Config is the full application configuration.
type Config struct {
	App      App                      `json:"app" yaml:"app" toml:"app"`
	Auth     Auth                     `json:"auth" yaml:"auth" toml:"auth"`
	Opts     Opts                     `json:"opts" yaml:"opts" toml:"opts"`
	Triggers map[string]TriggerConfig `json:"triggers" yaml:"triggers" toml:"triggers"`
	Targets  map[string]TargetConfig  `json:"targets" yaml:"targets" toml:"targets"`
	Webhooks map[string]WebhookConfig `json:"webhooks" yaml:"webhooks" toml:"webhooks"`
	Anchors  []string                 `json:"anchors" yaml:"anchors" toml:"anchors"`
}

// App holds the HTTP listen settings and database location.
type App struct {
	Host         string `json:"host" yaml:"host" toml:"host"`
	Port         int    `json:"port" yaml:"port" toml:"port"`
	DatabasePath string `json:"database_path" yaml:"database_path" toml:"database_path"`
	DataDir      string `json:"data_dir" yaml:"data_dir" toml:"data_dir"`
}

// Auth configures HTTP Basic auth. Password may be a bcrypt hash.
type Auth struct {
	Enabled  *bool  `json:"enabled" yaml:"enabled" toml:"enabled"`
	Username string `json:"username" yaml:"username" toml:"username"`
	Password string `json:"password" yaml:"password" toml:"password"`
}

// On reports whether auth is enabled (default on).
func (a Auth) On() bool {
	return a.Enabled == nil || *a.Enabled
}

// Opts holds the reconciliation knobs.
type Opts struct {
	CheckPath        bool   `json:"check_path" yaml:"check_path" toml:"check_path"`
	MaxRetries       int    `json:"max_retries" yaml:"max_retries" toml:"max_retries"`
	DefaultTimerWait int    `json:"default_timer_wait" yaml:"default_timer_wait" toml:"default_timer_wait"`
	CleanupDays      int    `json:"cleanup_days" yaml:"cleanup_days" toml:"cleanup_days"`
	LogFile          string `json:"log_file" yaml:"log_file" toml:"log_file"`
	LogFileRollover  string `json:"log_file_rollover" yaml:"log_file_rollover" toml:"log_file_rollover"`
	LogLevel         string `json:"log_level" yaml:"log_level" toml:"log_level"`
}

// Timer delays fan-out eligibility of an event.
type Timer struct {
	WaitSeconds int `json:"wait_seconds" yaml:"wait_seconds" toml:"wait_seconds"`
}

// Wait returns the configured wait or the global default.
func (t *Timer) Wait(defaultSeconds int) time.Duration {
	if t != nil && t.WaitSeconds > 0 {
		return time.Duration(t.WaitSeconds) * time.Second
	}
	return time.Duration(defaultSeconds) * time.Second
}

// Trigger type discriminators.
const (
	TriggerManual  = "manual"
	TriggerNotify  = "notify"
	TriggerSonarr  = "sonarr"
	TriggerRadarr  = "radarr"
	TriggerLidarr  = "lidarr"
	TriggerReadarr = "readarr"
)

// TriggerConfig is the tagged trigger variant. Fields beyond the common set
// apply only to the notify (filesystem watcher) type.
type TriggerConfig struct {
	Type     string         `json:"type" yaml:"type" toml:"type"`
	Rewrite  []rewrite.Rule `json:"rewrite" yaml:"rewrite" toml:"rewrite"`
	Timer    *Timer         `json:"timer" yaml:"timer" toml:"timer"`
	Excludes []string       `json:"excludes" yaml:"excludes" toml:"excludes"`

	// notify only
	Paths           []string `json:"paths" yaml:"paths" toml:"paths"`
	Recursive       *bool    `json:"recursive" yaml:"recursive" toml:"recursive"`
	Filters         []string `json:"filters" yaml:"filters" toml:"filters"`
	Backend         string   `json:"backend" yaml:"backend" toml:"backend"`
	DebounceSeconds int      `json:"debounce_seconds" yaml:"debounce_seconds" toml:"debounce_seconds"`
}

// ExcludesTarget reports whether fan-out to the named target is excluded for
// events from this trigger. Evaluated per-tick against current configuration.
func (t TriggerConfig) ExcludesTarget(name string) bool {
	for _, ex := range t.Excludes {
		if ex == name {
			return true
		}
	}
	return false
}

// Target type discriminators.
const (
	TargetPlex      = "plex"
	TargetJellyfin  = "jellyfin"
	TargetEmby      = "emby"
	TargetTdarr     = "tdarr"
	TargetFileFlows = "fileflows"
	TargetCommand   = "command"
	TargetSonarr    = "sonarr"
	TargetRadarr    = "radarr"
	TargetAutopulse = "autopulse"
)

// TargetConfig is the tagged target variant.
type TargetConfig struct {
	Type    string         `json:"type" yaml:"type" toml:"type"`
	Rewrite []rewrite.Rule `json:"rewrite" yaml:"rewrite" toml:"rewrite"`

	// network targets
	URL   string `json:"url" yaml:"url" toml:"url"`
	Token string `json:"token" yaml:"token" toml:"token"`

	// plex
	RefreshOnScan bool `json:"refresh" yaml:"refresh" toml:"refresh"`

	// tdarr
	DBID string `json:"db_id" yaml:"db_id" toml:"db_id"`

	// fileflows
	Flow string `json:"flow" yaml:"flow" toml:"flow"`

	// command
	Path      string   `json:"path" yaml:"path" toml:"path"`
	Args      []string `json:"args" yaml:"args" toml:"args"`
	TimeoutMS int      `json:"timeout_ms" yaml:"timeout_ms" toml:"timeout_ms"`

	// autopulse (downstream instance)
	Trigger  string `json:"trigger" yaml:"trigger" toml:"trigger"`
	Username string `json:"username" yaml:"username" toml:"username"`
	Password string `json:"password" yaml:"password" toml:"password"`
}

// Webhook type discriminators.
const (
	WebhookDiscord  = "discord"
	WebhookShoutrrr = "shoutrrr"
)

// WebhookConfig is the tagged webhook sink variant.
type WebhookConfig struct {
	Type string `json:"type" yaml:"type" toml:"type"`
	URL  string `json:"url" yaml:"url" toml:"url"`

	// discord
	Username  string `json:"username" yaml:"username" toml:"username"`
	AvatarURL string `json:"avatar_url" yaml:"avatar_url" toml:"avatar_url"`
}

var validTriggerTypes = map[string]bool{
	TriggerManual: true, TriggerNotify: true, TriggerSonarr: true,
	TriggerRadarr: true, TriggerLidarr: true, TriggerReadarr: true,
}

var validTargetTypes = map[string]bool{
	TargetPlex: true, TargetJellyfin: true, TargetEmby: true,
	TargetTdarr: true, TargetFileFlows: true, TargetCommand: true,
	TargetSonarr: true, TargetRadarr: true, TargetAutopulse: true,
}

var validWebhookTypes = map[string]bool{
	WebhookDiscord: true, WebhookShoutrrr: true,
}

// Global singleton, set by Load.
var cfg *Config

// Load reads the config file (if any), applies environment overrides and
// defaults, validates, and installs the global configuration.
func Load() (*Config, error) {
	c := &Config{}

	path, err := findConfigFile()
	if err != nil {
		return nil, err
	}
	if path != "" {
		if err := decodeFile(path, c); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
	}

	applyEnv(c)
	applyDefaults(c)

	if err := c.Validate(); err != nil {
		return nil, err
	}

	cfg = c
	return c, nil
}

// Get returns the current configuration. Panics if Load hasn't been called.
func Get() *Config {
	if cfg == nil {
		panic("config.Load() must be called before config.Get()")
	}
	return cfg
}

// SetForTesting installs a config without calling Load. Test code only.
func SetForTesting(c *Config) {
	cfg = c
}

// NewTestConfig returns a minimal Config suitable for unit tests.
func NewTestConfig() *Config {
	enabled := false
	c := &Config{
		App:  App{Host: "127.0.0.1", Port: 2875, DatabasePath: ":memory:"},
		Auth: Auth{Enabled: &enabled, Username: "admin", Password: "password"},
		Opts: Opts{
			MaxRetries:       5,
			DefaultTimerWait: 60,
			CleanupDays:      10,
			LogFileRollover:  "never",
			LogLevel:         "debug",
		},
		Triggers: map[string]TriggerConfig{},
		Targets:  map[string]TargetConfig{},
		Webhooks: map[string]WebhookConfig{},
	}
	return c
}

// findConfigFile picks $AUTOPULSE_CONFIG or the first config.<ext> in cwd.
func findConfigFile() (string, error) {
	if p := os.Getenv("AUTOPULSE_CONFIG"); p != "" {
		if _, err := os.Stat(p); err != nil {
			return "", fmt.Errorf("AUTOPULSE_CONFIG points to unreadable file: %w", err)
		}
		return p, nil
	}
	for _, name := range []string{"config.yaml", "config.yml", "config.json", "config.toml"} {
		if _, err := os.Stat(name); err == nil {
			return name, nil
		}
	}
	return "", nil
}

func decodeFile(path string, c *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, c)
	case ".json":
		return json.Unmarshal(data, c)
	case ".toml":
		return toml.Unmarshal(data, c)
	default:
		return fmt.Errorf("unsupported config extension %q", ext)
	}
}

const envPrefix = "AUTOPULSE__"

// applyEnv overlays AUTOPULSE__SECTION__KEY variables onto scalar settings.
// A trailing __FILE marks the value as a path whose contents hold the real
// value.
func applyEnv(c *Config) {
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, envPrefix) {
			continue
		}
		name := strings.TrimPrefix(key, envPrefix)
		if tail, found := strings.CutSuffix(name, "__FILE"); found {
			content, err := os.ReadFile(value)
			if err != nil {
				continue
			}
			name = tail
			value = strings.TrimSpace(string(content))
		}
		applyEnvValue(c, strings.ToLower(name), value)
	}
}

func applyEnvValue(c *Config, name, value string) {
	switch name {
	case "app__host":
		c.App.Host = value
	case "app__port":
		if n, err := strconv.Atoi(value); err == nil {
			c.App.Port = n
		}
	case "app__database_path":
		c.App.DatabasePath = value
	case "app__data_dir":
		c.App.DataDir = value
	case "auth__enabled":
		b := parseBool(value)
		c.Auth.Enabled = &b
	case "auth__username":
		c.Auth.Username = value
	case "auth__password":
		c.Auth.Password = value
	case "opts__check_path":
		c.Opts.CheckPath = parseBool(value)
	case "opts__max_retries":
		if n, err := strconv.Atoi(value); err == nil {
			c.Opts.MaxRetries = n
		}
	case "opts__default_timer_wait":
		if n, err := strconv.Atoi(value); err == nil {
			c.Opts.DefaultTimerWait = n
		}
	case "opts__cleanup_days":
		if n, err := strconv.Atoi(value); err == nil {
			c.Opts.CleanupDays = n
		}
	case "opts__log_file":
		c.Opts.LogFile = value
	case "opts__log_file_rollover":
		c.Opts.LogFileRollover = value
	case "opts__log_level":
		c.Opts.LogLevel = value
	case "anchors":
		c.Anchors = splitList(value)
	}
}

func parseBool(v string) bool {
	switch strings.ToLower(v) {
	case "true", "1", "yes":
		return true
	}
	return false
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func applyDefaults(c *Config) {
	if c.App.Host == "" {
		c.App.Host = "0.0.0.0"
	}
	if c.App.Port == 0 {
		c.App.Port = 2875
	}
	if c.App.DataDir == "" {
		c.App.DataDir = "./data"
	}
	if c.App.DatabasePath == "" {
		c.App.DatabasePath = filepath.Join(c.App.DataDir, "autopulse.db")
	}
	if c.Auth.Username == "" {
		c.Auth.Username = "admin"
	}
	if c.Auth.Password == "" {
		c.Auth.Password = "password"
	}
	if c.Opts.MaxRetries == 0 {
		c.Opts.MaxRetries = 5
	}
	if c.Opts.DefaultTimerWait == 0 {
		c.Opts.DefaultTimerWait = 60
	}
	if c.Opts.CleanupDays == 0 {
		c.Opts.CleanupDays = 10
	}
	if c.Opts.LogFileRollover == "" {
		c.Opts.LogFileRollover = "daily"
	}
	if c.Opts.LogLevel == "" {
		c.Opts.LogLevel = "info"
	}
	if c.Triggers == nil {
		c.Triggers = map[string]TriggerConfig{}
	}
	if c.Targets == nil {
		c.Targets = map[string]TargetConfig{}
	}
	if c.Webhooks == nil {
		c.Webhooks = map[string]WebhookConfig{}
	}
}

// Validate checks type discriminators and per-variant required fields.
// Configuration errors are startup-only and fatal.
func (c *Config) Validate() error {
	switch c.Opts.LogFileRollover {
	case "daily", "hourly", "minutely", "never":
	default:
		return fmt.Errorf("opts.log_file_rollover: unknown value %q", c.Opts.LogFileRollover)
	}

	for name, t := range c.Triggers {
		if !validTriggerTypes[t.Type] {
			return fmt.Errorf("trigger %q: unknown type %q", name, t.Type)
		}
		if t.Type == TriggerNotify && len(t.Paths) == 0 {
			return fmt.Errorf("trigger %q: notify trigger requires paths", name)
		}
		if _, err := rewrite.Compile(t.Rewrite); err != nil {
			return fmt.Errorf("trigger %q: %w", name, err)
		}
		for _, ex := range t.Excludes {
			if _, ok := c.Targets[ex]; !ok {
				return fmt.Errorf("trigger %q: excluded target %q is not configured", name, ex)
			}
		}
	}

	for name, t := range c.Targets {
		if !validTargetTypes[t.Type] {
			return fmt.Errorf("target %q: unknown type %q", name, t.Type)
		}
		if t.Type == TargetCommand {
			if t.Path == "" {
				return fmt.Errorf("target %q: command target requires path", name)
			}
		} else if t.URL == "" {
			return fmt.Errorf("target %q: %s target requires url", name, t.Type)
		}
		if _, err := rewrite.Compile(t.Rewrite); err != nil {
			return fmt.Errorf("target %q: %w", name, err)
		}
	}

	for name, w := range c.Webhooks {
		if !validWebhookTypes[w.Type] {
			return fmt.Errorf("webhook %q: unknown type %q", name, w.Type)
		}
		if w.URL == "" {
			return fmt.Errorf("webhook %q: url is required", name)
		}
	}

	return nil
}

// TimerWait resolves the effective fan-out delay for a trigger.
func (c *Config) TimerWait(t TriggerConfig) time.Duration {
	return t.Timer.Wait(c.Opts.DefaultTimerWait)
}
