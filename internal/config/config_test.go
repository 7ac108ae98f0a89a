package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/release-orchestrator/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("RELEASE_ROOT", "")
	t.Setenv("RELEASE_LOCK_BACKEND", "")
	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "/opt/ayna", cfg.Root)
	assert.Equal(t, 10, cfg.Keep)
	assert.Equal(t, 30*time.Second, cfg.HealthTimeout)
	assert.Equal(t, 5, cfg.HealthRetries)
	assert.Equal(t, "file", cfg.LockBackend)
	assert.Equal(t, ":8190", cfg.AgentAddr)
}

func TestLoadOverridesAndValidation(t *testing.T) {
	t.Setenv("RELEASE_KEEP", "4")
	t.Setenv("RELEASE_HEALTH_TIMEOUT", "5s")
	t.Setenv("RELEASE_KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("DATABASE_URL", "postgres://db/releases")
	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Keep)
	assert.Equal(t, 5*time.Second, cfg.HealthTimeout)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "postgres://db/releases", cfg.DatabaseURL)

	t.Setenv("RELEASE_LOCK_BACKEND", "redis")
	_, err = config.Load()
	assert.ErrorContains(t, err, "RELEASE_REDIS_ADDR")

	t.Setenv("RELEASE_LOCK_BACKEND", "file")
	t.Setenv("RELEASE_KEEP", "1")
	_, err = config.Load()
	assert.ErrorContains(t, err, "rollback target")
}

const manifest = `
project: ledger
standard_version: "2.1"
source:
  type: dir
  location: /srv/ledger
ports:
  web: 8130
  api: 8131
environments:
  production:
    env_file: .env.production
    services: [ledger-web, ledger-api]
  dev:
    env_file: .env.dev
services:
  web: ledger-web
  api: ledger-api
hooks:
  - name: migrate
    command: [venv/bin/python, manage.py, migrate, --noinput]
    dir: web
health:
  candidate_endpoints: ["http://127.0.0.1:8139/health"]
tasks: [deploy, rollback, status, logs, migrate]
`

func TestParseProject(t *testing.T) {
	p, err := config.ParseProject([]byte(manifest))
	require.NoError(t, err)

	assert.Equal(t, "ledger", p.Name)
	assert.Equal(t, config.HealthPreActivation, p.Health.Mode)
	assert.Equal(t, []string{"http://localhost:8130/", "http://localhost:8131/health"}, p.Health.Endpoints)
	assert.Equal(t, []string{"dev", "production"}, p.EnvironmentNames())
	assert.Equal(t, []string{"ledger-web", "ledger-api"}, p.ServiceUnits("production"))
	assert.Equal(t, []string{"ledger-api", "ledger-web"}, p.ServiceUnits("dev"))

	hook, ok := p.Hook("migrate")
	require.True(t, ok)
	assert.Equal(t, "web", hook.Dir)

	_, err = p.Environment("qa")
	assert.ErrorContains(t, err, "unknown environment")
	assert.Equal(t, filepath.Join("/opt/ayna", "ledger"), p.Dir("/opt/ayna"))
}

func TestParseProjectRejectsMissingCandidate(t *testing.T) {
	_, err := config.ParseProject([]byte("project: x\nenvironments: {dev: {}}\n"))
	assert.ErrorContains(t, err, "candidate_endpoints")

	_, err = config.ParseProject([]byte("project: x\nenvironments: {dev: {}}\nhealth: {mode: post-activation}\nports: {web: 8100}\n"))
	assert.NoError(t, err)
}

func TestLoadProjectFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deploy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(manifest), 0o644))
	p, err := config.LoadProject(path)
	require.NoError(t, err)
	assert.Equal(t, "dir", p.Source.Type)
}

func TestHooksPreset(t *testing.T) {
	p, err := config.ParseProject([]byte("project: x\nenvironments: {dev: {}}\nhooks_preset: django\nhealth: {candidate_endpoints: [\"http://127.0.0.1:8109/\"]}\n"))
	require.NoError(t, err)
	require.Len(t, p.Hooks, 3)
	assert.Equal(t, []string{"install", "migrate", "collectstatic"}, []string{p.Hooks[0].Name, p.Hooks[1].Name, p.Hooks[2].Name})

	_, err = config.ParseProject([]byte("project: x\nenvironments: {dev: {}}\nhooks_preset: rails\nhealth: {candidate_endpoints: [\"http://127.0.0.1:8109/\"]}\n"))
	assert.ErrorContains(t, err, "hooks_preset")
}
