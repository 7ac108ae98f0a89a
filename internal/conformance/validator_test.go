package conformance_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/release-orchestrator/internal/conformance"
	"github.com/ILLUVRSE/release-orchestrator/internal/errs"
	"github.com/ILLUVRSE/release-orchestrator/internal/ports"
)

const manifest = `
project: ledger
ports:
  web: 8130
  api: 8131
environments:
  dev: {}
  staging: {}
  production: {}
services:
  web: ledger-web
tasks: [deploy, rollback, status, logs, migrate, db-backup]
`

func registry(t *testing.T) *ports.Registry {
	t.Helper()
	reg, err := ports.Parse([]byte("projects:\n  ledger: {start: 8130, end: 8139}\n  billing: {start: 8140, end: 8149}\n"))
	require.NoError(t, err)
	return reg
}

// conformingProject lays out a tree that passes every default rule.
func conformingProject(t *testing.T, manifestBody string) string {
	t.Helper()
	dir := t.TempDir()
	write := func(name, body string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	write(".standard-version", "2.1\n")
	write("deploy.yaml", manifestBody)
	write("Dockerfile", "FROM python:3.12\n")
	write(".env.example", "DATABASE_URL=\n")
	for _, d := range []string{"systemd", "scripts"} {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, d), 0o755))
	}
	return dir
}

func validate(t *testing.T, dir string) conformance.Report {
	t.Helper()
	rep, err := conformance.New(registry(t), "2.1").ValidateFS(osfs.New(dir))
	require.NoError(t, err)
	return rep
}

func TestConformingProjectPasses(t *testing.T) {
	rep := validate(t, conformingProject(t, manifest))

	assert.True(t, rep.Passed())
	assert.NoError(t, rep.Err())
	assert.Zero(t, rep.ErrorCount)
	assert.Zero(t, rep.WarningCount)
	require.Len(t, rep.Results, len(conformance.DefaultRules()))
	assert.Equal(t, "standard.version-marker", rep.Results[0].RuleID)
	assert.Equal(t, "ports.registry", rep.Results[len(rep.Results)-1].RuleID)
}

func TestMissingSystemdAndForeignPort(t *testing.T) {
	dir := conformingProject(t, `
project: ledger
ports: {api: 9000}
environments: {dev: {}, staging: {}, production: {}}
services: {api: ledger-api}
tasks: [deploy, rollback, status, logs, migrate]
`)
	require.NoError(t, os.Remove(filepath.Join(dir, "systemd")))

	rep := validate(t, dir)
	assert.Equal(t, 1, rep.WarningCount)
	assert.Equal(t, 1, rep.ErrorCount)
	assert.False(t, rep.Passed())

	warn := rep.Failures(conformance.SeverityWarning)
	require.Len(t, warn, 1)
	assert.Equal(t, "layout.systemd", warn[0].RuleID)

	failed := rep.Failures(conformance.SeverityError)
	require.Len(t, failed, 1)
	assert.Equal(t, "ports.registry", failed[0].RuleID)
	assert.Contains(t, failed[0].Message, "9000 outside assigned range 8130-8139")

	err := rep.Err()
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrValidation)
	assert.Equal(t, errs.ExitValidation, errs.ExitCode(err))
}

func TestWarningsAloneDoNotFail(t *testing.T) {
	dir := conformingProject(t, manifest)
	require.NoError(t, os.Remove(filepath.Join(dir, "Dockerfile")))
	require.NoError(t, os.Remove(filepath.Join(dir, ".env.example")))

	rep := validate(t, dir)
	assert.Equal(t, 2, rep.WarningCount)
	assert.True(t, rep.Passed())
	assert.Equal(t, errs.ExitOK, errs.ExitCode(rep.Err()))
}

func TestPortCollisionWithAnotherProject(t *testing.T) {
	dir := conformingProject(t, `
project: ledger
ports: {web: 8130, worker: 8141}
environments: {dev: {}, staging: {}, production: {}}
services: {}
tasks: [deploy, rollback, status, logs, migrate]
`)
	rep := validate(t, dir)
	failed := rep.Failures(conformance.SeverityError)
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].Message, "collides with billing")
}

func TestValidateIsDeterministic(t *testing.T) {
	dir := conformingProject(t, `
project: ledger
ports: {web: 9001, api: 9000, admin: 8132}
environments: [production, dev]
tasks: [deploy]
`)
	v := conformance.New(registry(t), "2.1")

	st1, err := conformance.Snapshot(osfs.New(dir))
	require.NoError(t, err)
	st2, err := conformance.Snapshot(osfs.New(dir))
	require.NoError(t, err)

	a, err := v.Validate(st1).JSON()
	require.NoError(t, err)
	b, err := v.Validate(st2).JSON()
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))

	d1, _ := v.Validate(st1).Digest()
	d2, _ := v.Validate(st1).Digest()
	assert.Equal(t, d1, d2)
}

func TestPanickingRuleOnlyFailsItself(t *testing.T) {
	rules := conformance.DefaultRules()
	rules = append(rules[:2], append([]conformance.Rule{{
		ID:       "custom.explodes",
		Severity: conformance.SeverityWarning,
		Check: func(conformance.ProjectState, conformance.Env) conformance.Outcome {
			var m map[string]int
			m["boom"] = 1
			return conformance.Pass("unreachable")
		},
	}}, rules[2:]...)...)
	v := &conformance.Validator{Rules: rules, Env: conformance.Env{Registry: registry(t), StandardVersion: "2.1"}}

	st, err := conformance.Snapshot(osfs.New(conformingProject(t, manifest)))
	require.NoError(t, err)
	rep := v.Validate(st)

	require.Len(t, rep.Results, len(rules))
	assert.Equal(t, "custom.explodes", rep.Results[2].RuleID)
	assert.Equal(t, conformance.StatusFail, rep.Results[2].Status)
	assert.Contains(t, rep.Results[2].Message, "rule panicked")
	assert.Equal(t, 1, rep.WarningCount)
	assert.Zero(t, rep.ErrorCount)
}

func TestMalformedManifestAndStaleStandard(t *testing.T) {
	dir := conformingProject(t, "project: [unterminated\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".standard-version"), []byte("1.0"), 0o644))

	rep := validate(t, dir)
	byID := map[string]conformance.Result{}
	for _, r := range rep.Results {
		byID[r.RuleID] = r
	}
	assert.Equal(t, conformance.StatusFail, byID["standard.version-marker"].Status)
	assert.Contains(t, byID["standard.version-marker"].Message, `expected "2.1"`)
	assert.Contains(t, byID["manifest.present"].Message, "malformed")
	assert.Equal(t, conformance.StatusFail, byID["manifest.keys"].Status)
	assert.Equal(t, conformance.StatusFail, byID["ports.registry"].Status)
	// Every rule still reported.
	assert.Len(t, rep.Results, len(conformance.DefaultRules()))
}
