package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/agentrt/internal/skill"
)

func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("AGENTD_SETTINGS", filepath.Join(dir, "settings.json"))
	return dir
}

func TestLoadConfig_Defaults(t *testing.T) {
	isolate(t)

	cfg := loadConfig()
	assert.Equal(t, ":4200", cfg.ListenAddr)
	assert.Equal(t, "http://localhost:4200", cfg.BaseURL)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 20, cfg.PoolSize)
	assert.Equal(t, skill.RunModeReleased, cfg.RunMode)
	assert.Empty(t, cfg.DBPath)
	assert.False(t, cfg.MCPStdio)
	assert.Equal(t, []string{"http://localhost:4200/.well-known/jwks.json"}, cfg.challengeIssuers())

	rc := cfg.runtimeConfig("helper")
	assert.Equal(t, "helper", rc.AgentID)
	assert.Equal(t, 180*time.Second, rc.TaskTimeout)
	assert.Equal(t, 600*time.Second, rc.RunEventTimeout)
	assert.Equal(t, 300*time.Second, rc.DevEventTimeout)
	assert.Equal(t, time.Second, rc.SchedulerTick)
	assert.Equal(t, 256, rc.QueueSize)
	assert.Equal(t, 10000, rc.Records.MaxTasks)
	assert.Equal(t, 24*time.Hour, rc.Records.Retention)
	assert.Equal(t, 1000, rc.Records.MaxHistory)
	assert.Equal(t, time.Hour, rc.Records.CleanupInterval)
}

func TestLoadConfig_Layering(t *testing.T) {
	dir := isolate(t)
	settings := `{"listen_addr": ":9000", "log_level": "debug", "pool_size": 4, "task_timeout_sec": 30, "run_mode": "developing"}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.json"), []byte(settings), 0o644))

	t.Setenv("AGENTD_LOG_LEVEL", "warn")
	t.Setenv("AGENTD_TASK_TIMEOUT", "2.5")
	t.Setenv("AGENTD_MCP_STDIO", "1")
	t.Setenv("AGENTD_POOL_SIZE", "not-a-number")

	cfg := loadConfig()
	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, "http://localhost:9000", cfg.BaseURL)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, 4, cfg.PoolSize)
	assert.Equal(t, skill.RunModeDeveloping, cfg.RunMode)
	assert.True(t, cfg.MCPStdio)
	assert.Equal(t, 2500*time.Millisecond, cfg.runtimeConfig("a").TaskTimeout)
}

func TestLoadConfig_TrustedIssuers(t *testing.T) {
	isolate(t)
	t.Setenv("AGENTD_BASE_URL", "https://agent.example/")
	t.Setenv("AGENTD_PUSH_TRUSTED_ISSUERS", " https://a.example/.well-known/jwks.json, ,https://b.example/keys")

	cfg := loadConfig()
	assert.Equal(t, "https://agent.example/.well-known/jwks.json", cfg.pushIssuer())
	assert.Equal(t, []string{
		"https://agent.example/.well-known/jwks.json",
		"https://a.example/.well-known/jwks.json",
		"https://b.example/keys",
	}, cfg.challengeIssuers())
}

func TestLoadConfig_UnknownRunMode(t *testing.T) {
	isolate(t)
	t.Setenv("AGENTD_RUN_MODE", "staging")

	assert.Equal(t, skill.RunModeReleased, loadConfig().RunMode)
}

func TestDiffConfigs(t *testing.T) {
	old := defaultConfig()

	d := diffConfigs(old, old)
	assert.False(t, d.LogLevelChanged)
	assert.Empty(t, d.RestartNeeded)

	next := old
	next.LogLevel = "debug"
	next.ListenAddr = ":1"
	next.DBPath = "agent.db"
	d = diffConfigs(old, next)
	assert.True(t, d.LogLevelChanged)
	assert.Equal(t, []string{"listen_addr", "db_path"}, d.RestartNeeded)
}

func TestBuiltinManifest(t *testing.T) {
	m, err := loadManifest("")
	require.NoError(t, err)
	assert.Equal(t, "agentd", m.Agent.Name)

	reg := skill.NewRegistry()
	for _, s := range builtinSkills() {
		require.NoError(t, reg.Register(s))
	}
	assert.True(t, m.Check(reg).Valid())
	require.Len(t, m.Tasks, 2)
}
