package release

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/ILLUVRSE/release-orchestrator/internal/store"
)

// SharedEnvLink is the stable name services read their environment from.
const SharedEnvLink = ".env"

// EnvFileName is the shared file holding env's variables.
func EnvFileName(env, configured string) string {
	if configured != "" {
		return configured
	}
	return ".env." + env
}

// SetupEnv makes shared/.env point at shared/.env.<env>. A missing env file
// is seeded from the current release's .env.example, or created empty.
// Existing env files are never overwritten.
func (m *Manager) SetupEnv(ctx context.Context, env string) (string, error) {
	envCfg, err := m.opts.Project.Environment(env)
	if err != nil {
		return "", err
	}
	if m.opts.ProjectDir == "" {
		return "", fmt.Errorf("env setup: project directory unknown")
	}
	shared := filepath.Join(m.opts.ProjectDir, store.SharedDir)
	if err := os.MkdirAll(shared, 0o750); err != nil {
		return "", fmt.Errorf("shared dir: %w", err)
	}

	name := EnvFileName(env, envCfg.EnvFile)
	target := filepath.Join(shared, name)
	if _, err := os.Stat(target); errors.Is(err, fs.ErrNotExist) {
		seed := []byte{}
		if cur, ok, err := m.opts.Store.Current(ctx); err == nil && ok {
			if b, err := os.ReadFile(filepath.Join(cur.Path, ".env.example")); err == nil {
				seed = b
			}
		}
		if err := os.WriteFile(target, seed, 0o600); err != nil {
			return "", fmt.Errorf("seed %s: %w", name, err)
		}
		m.log.WithField("file", target).Info("created environment file")
	} else if err != nil {
		return "", err
	}

	link := filepath.Join(shared, SharedEnvLink)
	tmp := link + ".tmp"
	_ = os.Remove(tmp)
	if err := os.Symlink(name, tmp); err != nil {
		return "", fmt.Errorf("link %s: %w", SharedEnvLink, err)
	}
	if err := os.Rename(tmp, link); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("link %s: %w", SharedEnvLink, err)
	}
	m.log.WithFields(logrus.Fields{"env": env, "target": name}).Info("environment linked")
	return target, nil
}
