// Package hooks runs the per-release build and migration commands declared in
// the project manifest (dependency install, schema migration, static assets).
package hooks

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ILLUVRSE/release-orchestrator/internal/config"
	"github.com/ILLUVRSE/release-orchestrator/internal/errs"
)

const tailBytes = 2048

// Hook is one external command run inside a release directory.
type Hook struct {
	Name    string
	Command []string
	// Dir is relative to the release directory.
	Dir string
	Env map[string]string
}

// FromConfig converts manifest hook entries.
func FromConfig(cfgs []config.HookConfig) []Hook {
	out := make([]Hook, 0, len(cfgs))
	for _, c := range cfgs {
		out = append(out, Hook{Name: c.Name, Command: c.Command, Dir: c.Dir, Env: c.Env})
	}
	return out
}

// Runner executes hooks one after another inside a release directory and
// stops at the first failure.
type Runner struct {
	Logger logrus.FieldLogger
	// Timeout bounds a single hook; zero means no bound beyond ctx.
	Timeout time.Duration
}

// Run executes hooks in order and stops at the first failure, which is
// returned as a HOOK_ERROR naming the hook and carrying the stderr tail.
func (r *Runner) Run(ctx context.Context, releaseDir string, env []string, hooks []Hook) error {
	for _, h := range hooks {
		if err := r.runOne(ctx, releaseDir, env, h); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) runOne(ctx context.Context, releaseDir string, env []string, h Hook) error {
	op := fmt.Sprintf("hook %s", h.Name)
	if len(h.Command) == 0 {
		return errs.Errorf(errs.KindHook, op, "empty command")
	}
	dir := releaseDir
	if h.Dir != "" {
		dir = filepath.Join(releaseDir, filepath.FromSlash(h.Dir))
		rel, err := filepath.Rel(releaseDir, dir)
		if err != nil || strings.HasPrefix(rel, "..") {
			return errs.Errorf(errs.KindHook, op, "dir %q escapes release directory", h.Dir)
		}
	}

	runCtx := ctx
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, h.Command[0], h.Command[1:]...)
	cmd.Dir = dir
	cmd.Env = buildEnv(env, h.Env)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log := r.logger().WithFields(logrus.Fields{"hook": h.Name, "dir": dir})
	log.Info("running hook")
	start := time.Now()
	err := cmd.Run()
	log = log.WithField("elapsed", time.Since(start).Round(time.Millisecond))
	if err != nil {
		if ctx.Err() != nil {
			return errs.E(errs.KindHook, op, fmt.Errorf("cancelled: %w", ctx.Err()))
		}
		tail := lastBytes(stderr.Bytes(), tailBytes)
		if tail == "" {
			tail = lastBytes(stdout.Bytes(), tailBytes)
		}
		log.WithError(err).Warn("hook failed")
		if tail != "" {
			return errs.Errorf(errs.KindHook, op, "%v: %s", err, tail)
		}
		return errs.E(errs.KindHook, op, err)
	}
	log.Debug("hook finished")
	return nil
}

func (r *Runner) logger() logrus.FieldLogger {
	if r.Logger != nil {
		return r.Logger
	}
	return logrus.StandardLogger()
}

// buildEnv layers base (or the process env when nil) under the hook's own
// variables, sorted for reproducibility.
func buildEnv(base []string, extra map[string]string) []string {
	if base == nil {
		base = os.Environ()
	}
	out := append([]string(nil), base...)
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+extra[k])
	}
	return out
}

func lastBytes(b []byte, n int) string {
	b = bytes.TrimSpace(b)
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return string(b)
}
