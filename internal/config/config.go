// Package config loads the device agent configuration from a TOML file and
// DEVICESYNC_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

const (
	defaultConfigPath = "~/.config/devicesync/agent.toml"
	defaultRelayURL   = "http://127.0.0.1:8080"
	defaultDataDir    = "~/.local/share/devicesync"
)

// Agent is everything the device agent needs to run.
type Agent struct {
	RelayURL    string
	DeviceID    string
	Token       string
	// TokenFile, when set, holds the bearer token and is re-read every
	// TokenReload so a rotated token is picked up without a restart.
	TokenFile   string
	TokenReload time.Duration
	StateDir    string
	InboxDir    string
	OutboxFile  string
	MetricsAddr string
	Namespaces  []string
	Streams     []string

	PollInterval    time.Duration
	PublishInterval time.Duration
	DebounceWindow  time.Duration
	StalenessWindow time.Duration

	MaxRetries     int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	RescanInterval time.Duration

	MirrorCapacity int
	DedupCapacity  int
	// DedupPolicy is "oldest" or "clear-all".
	DedupPolicy string
}

type rawAgent struct {
	RelayURL    string   `toml:"relay_url"`
	DeviceID    string   `toml:"device_id"`
	Token       string   `toml:"token"`
	TokenFile   string   `toml:"token_file"`
	TokenReload string   `toml:"token_reload_interval"`
	DataDir     string   `toml:"data_dir"`
	StateDir    string   `toml:"state_dir"`
	InboxDir    string   `toml:"inbox_dir"`
	OutboxFile  string   `toml:"outbox_file"`
	MetricsAddr string   `toml:"metrics_addr"`
	Namespaces  []string `toml:"namespaces"`
	Streams     []string `toml:"streams"`

	Engine struct {
		PollInterval    string `toml:"poll_interval"`
		PublishInterval string `toml:"publish_interval"`
		DebounceWindow  string `toml:"debounce_window"`
		StalenessWindow string `toml:"staleness_window"`
	} `toml:"engine"`

	Scheduler struct {
		MaxRetries     int    `toml:"max_retries"`
		BackoffBase    string `toml:"backoff_base"`
		BackoffMax     string `toml:"backoff_max"`
		RescanInterval string `toml:"rescan_interval"`
	} `toml:"scheduler"`

	Mirror struct {
		Capacity      int    `toml:"capacity"`
		DedupCapacity int    `toml:"dedup_capacity"`
		DedupPolicy   string `toml:"dedup_policy"`
	} `toml:"mirror"`
}

// Default returns the configuration used when no file exists.
func Default() Agent {
	dataDir := mustExpand(defaultDataDir)
	return Agent{
		RelayURL:        defaultRelayURL,
		TokenReload:     30 * time.Second,
		StateDir:        filepath.Join(dataDir, "state"),
		InboxDir:        filepath.Join(dataDir, "inbox"),
		OutboxFile:      filepath.Join(dataDir, "outbox.jsonl"),
		Namespaces:      []string{"dnd", "media", "hotspot"},
		Streams:         []string{"notifications", "calls", "messages"},
		PollInterval:    5 * time.Second,
		PublishInterval: time.Minute,
		DebounceWindow:  500 * time.Millisecond,
		StalenessWindow: 10 * time.Second,
		MaxRetries:      3,
		BackoffBase:     30 * time.Second,
		BackoffMax:      5 * time.Minute,
		RescanInterval:  30 * time.Second,
		MirrorCapacity:  20,
		DedupCapacity:   100,
		DedupPolicy:     "oldest",
	}
}

// Load reads the agent config at path, falling back to defaults when the
// file is missing. An empty path means the default location.
func Load(path string) (Agent, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return Agent{}, err
	}
	cfg := Default()

	file, err := os.Open(resolved)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Agent{}, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return Agent{}, fmt.Errorf("read config: %w", err)
	}
	var raw rawAgent
	if err := toml.Unmarshal(data, &raw); err != nil {
		return Agent{}, fmt.Errorf("parse config: %w", err)
	}
	if err := raw.apply(&cfg); err != nil {
		return Agent{}, err
	}
	return cfg, nil
}

func (raw rawAgent) apply(cfg *Agent) error {
	setString(&cfg.RelayURL, raw.RelayURL)
	setString(&cfg.DeviceID, raw.DeviceID)
	setString(&cfg.Token, raw.Token)
	setPath(&cfg.TokenFile, raw.TokenFile)
	if dataDir := strings.TrimSpace(raw.DataDir); dataDir != "" {
		dataDir = mustExpand(dataDir)
		cfg.StateDir = filepath.Join(dataDir, "state")
		cfg.InboxDir = filepath.Join(dataDir, "inbox")
		cfg.OutboxFile = filepath.Join(dataDir, "outbox.jsonl")
	}
	setPath(&cfg.StateDir, raw.StateDir)
	setPath(&cfg.InboxDir, raw.InboxDir)
	setPath(&cfg.OutboxFile, raw.OutboxFile)
	setString(&cfg.MetricsAddr, raw.MetricsAddr)
	if len(raw.Namespaces) > 0 {
		cfg.Namespaces = trimAll(raw.Namespaces)
	}
	if len(raw.Streams) > 0 {
		cfg.Streams = trimAll(raw.Streams)
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"token_reload_interval", raw.TokenReload, &cfg.TokenReload},
		{"engine.poll_interval", raw.Engine.PollInterval, &cfg.PollInterval},
		{"engine.publish_interval", raw.Engine.PublishInterval, &cfg.PublishInterval},
		{"engine.debounce_window", raw.Engine.DebounceWindow, &cfg.DebounceWindow},
		{"engine.staleness_window", raw.Engine.StalenessWindow, &cfg.StalenessWindow},
		{"scheduler.backoff_base", raw.Scheduler.BackoffBase, &cfg.BackoffBase},
		{"scheduler.backoff_max", raw.Scheduler.BackoffMax, &cfg.BackoffMax},
		{"scheduler.rescan_interval", raw.Scheduler.RescanInterval, &cfg.RescanInterval},
	}
	for _, d := range durations {
		if err := setDuration(d.dst, d.raw); err != nil {
			return fmt.Errorf("parse %s: %w", d.key, err)
		}
	}
	if raw.Scheduler.MaxRetries > 0 {
		cfg.MaxRetries = raw.Scheduler.MaxRetries
	}
	if raw.Mirror.Capacity > 0 {
		cfg.MirrorCapacity = raw.Mirror.Capacity
	}
	if raw.Mirror.DedupCapacity > 0 {
		cfg.DedupCapacity = raw.Mirror.DedupCapacity
	}
	setString(&cfg.DedupPolicy, strings.ToLower(raw.Mirror.DedupPolicy))
	return cfg.Validate()
}

// ApplyEnv overlays DEVICESYNC_* variables. getenv is os.Getenv outside
// tests.
func (c *Agent) ApplyEnv(getenv func(string) string) error {
	setString(&c.RelayURL, getenv("DEVICESYNC_RELAY_URL"))
	setString(&c.DeviceID, getenv("DEVICESYNC_DEVICE_ID"))
	setString(&c.Token, getenv("DEVICESYNC_TOKEN"))
	setPath(&c.TokenFile, getenv("DEVICESYNC_TOKEN_FILE"))
	setPath(&c.StateDir, getenv("DEVICESYNC_STATE_DIR"))
	setPath(&c.InboxDir, getenv("DEVICESYNC_INBOX_DIR"))
	setPath(&c.OutboxFile, getenv("DEVICESYNC_OUTBOX_FILE"))
	setString(&c.MetricsAddr, getenv("DEVICESYNC_METRICS_ADDR"))
	if err := setDuration(&c.PollInterval, getenv("DEVICESYNC_POLL_INTERVAL")); err != nil {
		return fmt.Errorf("parse DEVICESYNC_POLL_INTERVAL: %w", err)
	}
	if raw := strings.TrimSpace(getenv("DEVICESYNC_MAX_RETRIES")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return fmt.Errorf("parse DEVICESYNC_MAX_RETRIES: invalid value %q", raw)
		}
		c.MaxRetries = n
	}
	return c.Validate()
}

// Validate checks cross-field constraints.
func (c Agent) Validate() error {
	switch c.DedupPolicy {
	case "oldest", "clear-all":
	default:
		return fmt.Errorf("mirror.dedup_policy must be oldest or clear-all, got %q", c.DedupPolicy)
	}
	if c.BackoffMax < c.BackoffBase {
		return fmt.Errorf("scheduler.backoff_max (%s) is below backoff_base (%s)", c.BackoffMax, c.BackoffBase)
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("scheduler.max_retries must be positive")
	}
	return nil
}

func setString(dst *string, value string) {
	if value = strings.TrimSpace(value); value != "" {
		*dst = value
	}
}

func setPath(dst *string, value string) {
	if value = strings.TrimSpace(value); value != "" {
		*dst = mustExpand(value)
	}
}

func setDuration(dst *time.Duration, value string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return err
	}
	if parsed <= 0 {
		return fmt.Errorf("duration must be positive, got %s", value)
	}
	*dst = parsed
	return nil
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		if value = strings.TrimSpace(value); value != "" {
			out = append(out, value)
		}
	}
	return out
}

func resolvePath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return expandPath(defaultConfigPath)
	}
	return expandPath(path)
}

func mustExpand(path string) string {
	expanded, err := expandPath(path)
	if err != nil {
		return path
	}
	return expanded
}

func expandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", fmt.Errorf("path is empty")
	}
	if strings.HasPrefix(trimmed, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		trimmed = filepath.Join(home, strings.TrimPrefix(trimmed, "~"))
	}
	return filepath.Abs(trimmed)
}
