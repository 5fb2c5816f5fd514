package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/agentrt/internal/engine"
	"github.com/rendis/agentrt/internal/push"
	"github.com/rendis/agentrt/internal/skill"
	"github.com/rendis/agentrt/internal/store"
)

// Config holds all agentd configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr   string `json:"listen_addr"`
	BaseURL      string `json:"base_url"`
	LogLevel     string `json:"log_level"`
	DBPath       string `json:"db_path"`
	ManifestPath string `json:"manifest_path"`
	MCPStdio     bool   `json:"mcp_stdio"`
	// SecretPassphrase unlocks the vault holding the push signing key.
	// Env only.
	SecretPassphrase string `json:"-"`
	// PushTrustedIssuers are key set URLs of other agents whose push
	// challenges this agent answers. The agent's own key set is always trusted.
	PushTrustedIssuers []string `json:"push_trusted_issuers"`

	PoolSize   int    `json:"pool_size"`
	RunMode    string `json:"run_mode"`
	QueueSize  int    `json:"queue_size"`
	MaxTasks   int    `json:"max_tasks"`
	MaxHistory int    `json:"max_history"`

	// Durations are in seconds.
	TaskTimeoutSec     float64 `json:"task_timeout_sec"`
	RunEventTimeoutSec float64 `json:"run_event_timeout_sec"`
	DevEventPollSec    float64 `json:"dev_event_poll_sec"`
	DevEventTimeoutSec float64 `json:"dev_event_timeout_sec"`
	SchedulerTickSec   float64 `json:"scheduler_tick_sec"`
	RetentionSec       float64 `json:"retention_sec"`
	CleanupIntervalSec float64 `json:"cleanup_interval_sec"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:         ":4200",
		LogLevel:           "info",
		PoolSize:           engine.DefaultPoolSize,
		RunMode:            skill.RunModeReleased,
		QueueSize:          256,
		MaxTasks:           10000,
		MaxHistory:         1000,
		TaskTimeoutSec:     180,
		RunEventTimeoutSec: 600,
		DevEventPollSec:    1,
		DevEventTimeoutSec: 300,
		SchedulerTickSec:   1,
		RetentionSec:       24 * 3600,
		CleanupIntervalSec: 3600,
	}
}

func agentdDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentd"
	}
	return filepath.Join(home, ".agentd")
}

func settingsPath() string {
	if v := os.Getenv("AGENTD_SETTINGS"); v != "" {
		return v
	}
	return filepath.Join(agentdDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	envString("AGENTD_LISTEN_ADDR", &cfg.ListenAddr)
	envString("AGENTD_BASE_URL", &cfg.BaseURL)
	envString("AGENTD_LOG_LEVEL", &cfg.LogLevel)
	envString("AGENTD_DB_PATH", &cfg.DBPath)
	envString("AGENTD_MANIFEST", &cfg.ManifestPath)
	envString("AGENTD_RUN_MODE", &cfg.RunMode)
	envBool("AGENTD_MCP_STDIO", &cfg.MCPStdio)
	envString("AGENTD_SECRET_PASSPHRASE", &cfg.SecretPassphrase)
	envList("AGENTD_PUSH_TRUSTED_ISSUERS", &cfg.PushTrustedIssuers)
	envInt("AGENTD_POOL_SIZE", &cfg.PoolSize)
	envInt("AGENTD_QUEUE_SIZE", &cfg.QueueSize)
	envInt("AGENTD_MAX_TASKS", &cfg.MaxTasks)
	envInt("AGENTD_MAX_HISTORY", &cfg.MaxHistory)
	envFloat("AGENTD_TASK_TIMEOUT", &cfg.TaskTimeoutSec)
	envFloat("AGENTD_RUN_EVENT_TIMEOUT", &cfg.RunEventTimeoutSec)
	envFloat("AGENTD_DEV_EVENT_POLL", &cfg.DevEventPollSec)
	envFloat("AGENTD_DEV_EVENT_TIMEOUT", &cfg.DevEventTimeoutSec)
	envFloat("AGENTD_SCHEDULER_TICK", &cfg.SchedulerTickSec)
	envFloat("AGENTD_RETENTION", &cfg.RetentionSec)
	envFloat("AGENTD_CLEANUP_INTERVAL", &cfg.CleanupIntervalSec)

	// Derive base_url from listen_addr if empty.
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost" + cfg.ListenAddr
	}
	if cfg.RunMode != skill.RunModeDeveloping {
		cfg.RunMode = skill.RunModeReleased
	}

	return cfg
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "true" || v == "1"
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envList(key string, dst *[]string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	*dst = out
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// pushIssuer is the URL of this agent's published key set.
func (c Config) pushIssuer() string {
	return strings.TrimRight(c.BaseURL, "/") + push.JWKSPath
}

// challengeIssuers lists the senders whose push challenges are answered.
func (c Config) challengeIssuers() []string {
	return append([]string{c.pushIssuer()}, c.PushTrustedIssuers...)
}

// runtimeConfig maps the file configuration onto the runtime knobs; zero
// values fall back to the runtime defaults.
func (c Config) runtimeConfig(agentID string) engine.RuntimeConfig {
	rc := engine.DefaultRuntimeConfig()
	rc.AgentID = agentID
	rc.PoolSize = c.PoolSize
	rc.RunMode = c.RunMode
	rc.QueueSize = c.QueueSize
	rc.TaskTimeout = seconds(c.TaskTimeoutSec)
	rc.RunEventTimeout = seconds(c.RunEventTimeoutSec)
	rc.DevEventPoll = seconds(c.DevEventPollSec)
	rc.DevEventTimeout = seconds(c.DevEventTimeoutSec)
	rc.SchedulerTick = seconds(c.SchedulerTickSec)
	rc.Records = store.Options{
		MaxTasks:        c.MaxTasks,
		Retention:       seconds(c.RetentionSec),
		MaxHistory:      c.MaxHistory,
		CleanupInterval: seconds(c.CleanupIntervalSec),
	}
	return rc
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	LogLevelChanged bool
	RestartNeeded   []string // fields that require a restart
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
	}
	restart := []struct {
		name    string
		changed bool
	}{
		{"listen_addr", old.ListenAddr != new.ListenAddr},
		{"base_url", old.BaseURL != new.BaseURL},
		{"push_trusted_issuers", !slices.Equal(old.PushTrustedIssuers, new.PushTrustedIssuers)},
		{"db_path", old.DBPath != new.DBPath},
		{"manifest_path", old.ManifestPath != new.ManifestPath},
		{"mcp_stdio", old.MCPStdio != new.MCPStdio},
		{"pool_size", old.PoolSize != new.PoolSize},
		{"run_mode", old.RunMode != new.RunMode},
		{"queue_size", old.QueueSize != new.QueueSize},
	}
	for _, f := range restart {
		if f.changed {
			d.RestartNeeded = append(d.RestartNeeded, f.name)
		}
	}
	return d
}
