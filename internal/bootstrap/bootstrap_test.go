package bootstrap_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/release-orchestrator/internal/bootstrap"
	"github.com/ILLUVRSE/release-orchestrator/internal/config"
	"github.com/ILLUVRSE/release-orchestrator/internal/store"
)

func TestNewLogger(t *testing.T) {
	log, err := bootstrap.NewLogger("debug", "json")
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, log.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, log.Formatter)

	_, err = bootstrap.NewLogger("loud", "text")
	assert.Error(t, err)
	_, err = bootstrap.NewLogger("info", "xml")
	assert.Error(t, err)
}

func TestBuildWiresFileBackedStack(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "app.py"), []byte("print(1)"), 0o644))

	manifest := filepath.Join(t.TempDir(), "deploy.yaml")
	require.NoError(t, os.WriteFile(manifest, []byte(`
project: ledger
source: {type: dir, location: `+src+`}
ports: {web: 8130}
environments: {production: {}}
services: {web: ledger-web}
health: {candidate_endpoints: ["http://127.0.0.1:8139/"]}
`), 0o644))
	registry := filepath.Join(t.TempDir(), "ports.yaml")
	require.NoError(t, os.WriteFile(registry, []byte("projects:\n  ledger: {start: 8130, end: 8139}\n"), 0o644))

	cfg := config.Config{
		ProjectFile:      manifest,
		Root:             t.TempDir(),
		PortRegistryFile: registry,
		StandardVersion:  "2.1",
		Keep:             5,
		HealthTimeout:    time.Second,
		HealthRetries:    1,
		HealthInterval:   10 * time.Millisecond,
		LockBackend:      "file",
	}
	logger, _ := test.NewNullLogger()
	st, err := bootstrap.Build(context.Background(), cfg, logger)
	require.NoError(t, err)
	defer st.Close()

	assert.Equal(t, filepath.Join(cfg.Root, "ledger"), st.ProjectDir)
	assert.Equal(t, "ledger", st.Manager.Project().Name)
	assert.True(t, st.Registry.Contains("ledger", 8135))
	assert.NotNil(t, st.Validator())

	rel, err := st.Store.Create(context.Background(), "HEAD")
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(st.ProjectDir, store.ReleasesDir, rel.Name(), "app.py"))
}

func TestMaterializerRejectsUnknownSource(t *testing.T) {
	_, err := bootstrap.Materializer(context.Background(), &config.Project{Source: config.SourceConfig{Type: "ftp"}})
	assert.Error(t, err)
	_, err = bootstrap.Materializer(context.Background(), &config.Project{Source: config.SourceConfig{Type: "git"}})
	assert.Error(t, err)
}
