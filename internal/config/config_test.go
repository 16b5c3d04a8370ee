package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ananta888/ananta/internal/capability"
	"github.com/ananta888/ananta/internal/modelpool"
	"github.com/ananta888/ananta/internal/toolroute"
)

func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv(homeEnv, home)
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	return home
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestDefaults(t *testing.T) {
	home := isolate(t)
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:7466", cfg.Listen)
	assert.Equal(t, filepath.Join(home, "ananta.db"), cfg.DB)
	assert.Equal(t, RoleHub, cfg.Role)
	assert.Equal(t, LeaseConfig{DefaultSeconds: 120, MinSeconds: 10, MaxSeconds: 3600}, cfg.Lease)
	assert.Equal(t, 40, cfg.ReadModel.RecentLimit)
	assert.Equal(t, time.Hour, cfg.GoalCache.TTL)
	assert.Equal(t, 0.85, cfg.GoalCache.SimilarityThreshold)
	assert.True(t, cfg.QualityGates.Enabled)
	assert.Equal(t, 8, cfg.QualityGates.MinOutputChars)
	assert.True(t, cfg.Tools.Guardrails.Enabled)
	assert.Equal(t, 5, cfg.Tools.Guardrails.MaxCalls)
	assert.True(t, cfg.Tools.Policy().Allowlist.All)
	assert.Equal(t, toolroute.DefaultConfig(), cfg.Tools.Routing)
	assert.Equal(t, 30*time.Second, cfg.Delegation.Retry.MaxElapsed)
}

func TestUserProjectAndEnvLayering(t *testing.T) {
	home := isolate(t)
	writeFile(t, filepath.Join(home, "config.yaml"), `
role: worker
agent_name: alpha
lease:
  default_seconds: 60
model_pool:
  limits:
    - provider: openai
      model: gpt
      limit: 2
tools:
  allowlist: [list_tasks, read_task_timeline]
  overrides:
    list_teams:
      requires_admin: false
  routing:
    max_tools: 3
    rules:
      - keywords: [deploy]
        enable: [execute_shell]
`)
	wd, err := os.Getwd()
	require.NoError(t, err)
	writeFile(t, filepath.Join(wd, projectConfigName), `
agent_name: alpha-project
read_model:
  recent_limit: 10
`)
	t.Setenv("ANANTA_LISTEN", "0.0.0.0:9000")
	t.Setenv("ANANTA_LEASE_MAX_SECONDS", "900")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, RoleWorker, cfg.Role)
	assert.Equal(t, "alpha-project", cfg.AgentName)
	assert.Equal(t, 10, cfg.ReadModel.RecentLimit)
	assert.Equal(t, 60, cfg.Lease.DefaultSeconds)
	assert.Equal(t, 900, cfg.Lease.MaxSeconds)
	assert.Equal(t, "0.0.0.0:9000", cfg.Listen)
	assert.Equal(t, []modelpool.Limit{{Provider: "openai", Model: "gpt", Limit: 2}}, cfg.ModelPool.Limits)

	policy := cfg.Tools.Policy()
	assert.Equal(t, capability.Allowlist{Names: []string{"list_tasks", "read_task_timeline"}}, policy.Allowlist)
	require.Contains(t, policy.Overrides, "list_teams")
	require.NotNil(t, policy.Overrides["list_teams"].RequiresAdmin)
	assert.False(t, *policy.Overrides["list_teams"].RequiresAdmin)

	assert.True(t, cfg.Tools.Routing.Enabled)
	assert.Equal(t, 3, cfg.Tools.Routing.MaxTools)
	assert.Equal(t, []toolroute.Rule{{Keywords: []string{"deploy"}, Enable: []string{"execute_shell"}}}, cfg.Tools.Routing.Rules)
}

func TestValidate(t *testing.T) {
	isolate(t)
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"role", func(c *Config) { c.Role = "boss" }},
		{"min lease", func(c *Config) { c.Lease.MinSeconds = 0 }},
		{"max below min", func(c *Config) { c.Lease.MaxSeconds = 5 }},
		{"default out of range", func(c *Config) { c.Lease.DefaultSeconds = 7200 }},
		{"retention", func(c *Config) { c.Retention.Days = -1 }},
		{"recent limit", func(c *Config) { c.ReadModel.RecentLimit = 0 }},
		{"threshold", func(c *Config) { c.GoalCache.SimilarityThreshold = 1.5 }},
		{"pool limit", func(c *Config) { c.ModelPool.Limits = []modelpool.Limit{{Model: "m", Limit: 1}} }},
		{"token", func(c *Config) { c.Auth.Tokens = []TokenConfig{{Subject: "x"}} }},
		{"routing budget", func(c *Config) { c.Tools.Routing.MaxTools = 0 }},
	}
	require.NoError(t, Default().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLeaseClamp(t *testing.T) {
	l := LeaseConfig{DefaultSeconds: 120, MinSeconds: 10, MaxSeconds: 3600}
	assert.Equal(t, 120, l.Clamp(0))
	assert.Equal(t, 10, l.Clamp(1))
	assert.Equal(t, 3600, l.Clamp(99999))
	assert.Equal(t, 60, l.Clamp(60))
}

func TestSaveRoundTrip(t *testing.T) {
	home := isolate(t)
	cfg := Default()
	cfg.AgentName = "saved"
	cfg.Worker.Enabled = true
	cfg.Auth.Tokens = []TokenConfig{{Token: "t1", Subject: "ops", Role: RoleHub, Admin: true}}

	path := filepath.Join(home, "nested", "config.yaml")
	require.NoError(t, Save(path, cfg))

	loaded, err := LoadFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, "saved", loaded.AgentName)
	assert.True(t, loaded.Worker.Enabled)
	assert.Equal(t, cfg.Auth.Tokens, loaded.Auth.Tokens)
	assert.Equal(t, cfg.Retention.SweepInterval, loaded.Retention.SweepInterval)

	bad := Default()
	bad.Role = ""
	assert.Error(t, Save(path, bad))
	assert.Error(t, Save(path, nil))
}

func TestLoadFromPathInvalid(t *testing.T) {
	home := isolate(t)
	path := filepath.Join(home, "bad.yaml")
	writeFile(t, path, "lease:\n  min_seconds: 0\n")
	_, err := LoadFromPath(path)
	assert.ErrorContains(t, err, "invalid config")

	_, err = LoadFromPath(filepath.Join(home, "missing.yaml"))
	assert.Error(t, err)
}

func TestWatcherReloads(t *testing.T) {
	home := isolate(t)
	path := filepath.Join(home, "config.yaml")
	writeFile(t, path, "agent_name: before\n")

	changes := make(chan *Config, 4)
	w, err := NewWatcher(path, func(c *Config) { changes <- c }, WithWatchDebounce(20*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	writeFile(t, path, "agent_name: after\n")

	select {
	case cfg := <-changes:
		assert.Equal(t, "after", cfg.AgentName)
	case <-time.After(5 * time.Second):
		t.Fatal("config change not observed")
	}
}

func TestNewWatcherValidation(t *testing.T) {
	_, err := NewWatcher("", func(*Config) {})
	assert.Error(t, err)
	_, err = NewWatcher("x.yaml", nil)
	assert.Error(t, err)
}
