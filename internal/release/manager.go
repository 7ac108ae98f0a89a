// Package release drives the deploy and rollback protocol: materialize,
// run hooks, gate on health, swap the pointer, reload services, and record
// exactly one DeploymentAttempt per invocation.
package release

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ILLUVRSE/release-orchestrator/internal/audit"
	"github.com/ILLUVRSE/release-orchestrator/internal/backup"
	"github.com/ILLUVRSE/release-orchestrator/internal/config"
	"github.com/ILLUVRSE/release-orchestrator/internal/errs"
	"github.com/ILLUVRSE/release-orchestrator/internal/health"
	"github.com/ILLUVRSE/release-orchestrator/internal/hooks"
	"github.com/ILLUVRSE/release-orchestrator/internal/lock"
	"github.com/ILLUVRSE/release-orchestrator/internal/models"
	"github.com/ILLUVRSE/release-orchestrator/internal/notify"
	"github.com/ILLUVRSE/release-orchestrator/internal/ports"
	"github.com/ILLUVRSE/release-orchestrator/internal/procctl"
	"github.com/ILLUVRSE/release-orchestrator/internal/store"
)

// Prober checks a set of endpoints; all must be healthy.
type Prober interface {
	ProbeAll(ctx context.Context, endpoints []string, timeout time.Duration, retries int) (health.Result, []health.Result)
}

// HookRunner executes manifest hooks inside a release directory.
type HookRunner interface {
	Run(ctx context.Context, releaseDir string, env []string, hs []hooks.Hook) error
}

// Backuper snapshots the project's data before a deploy changes anything.
type Backuper interface {
	Backup(ctx context.Context, env, envFile string) (string, error)
}

// Options wires a Manager to its collaborators. Project, Store, Prober,
// Controller and Locker are required.
type Options struct {
	Project *config.Project
	// ProjectDir is the host path holding releases/ and shared/. Hook
	// environments and env files resolve against it.
	ProjectDir string
	Store      store.Store
	Prober     Prober
	// Hooks defaults to hooks.Runner.
	Hooks      HookRunner
	Controller procctl.Controller
	Locker     lock.Locker
	// Recorder and Notifier are optional; every finished attempt goes to both.
	Recorder audit.Recorder
	Notifier notify.Notifier
	// Registry enables the deploy-time port check when set.
	Registry *ports.Registry
	// Backup runs before materialization unless a deploy skips it. Nil
	// disables backups.
	Backup Backuper

	HealthTimeout time.Duration
	HealthRetries int
	// Keep is how many releases survive the post-deploy prune; zero disables it.
	Keep int

	Logger logrus.FieldLogger
	Now    func() time.Time
}

// Manager runs deploy, rollback and maintenance operations for one project.
// Operations that change the pointer or services hold the project lock.
type Manager struct {
	opts Options
	log  logrus.FieldLogger
}

// New validates opts and fills defaults: 30s health timeout, 5 retries.
func New(opts Options) (*Manager, error) {
	switch {
	case opts.Project == nil:
		return nil, fmt.Errorf("release manager: project required")
	case opts.Store == nil:
		return nil, fmt.Errorf("release manager: store required")
	case opts.Prober == nil:
		return nil, fmt.Errorf("release manager: prober required")
	case opts.Controller == nil:
		return nil, fmt.Errorf("release manager: process controller required")
	case opts.Locker == nil:
		return nil, fmt.Errorf("release manager: locker required")
	}
	if opts.Hooks == nil {
		opts.Hooks = &hooks.Runner{Logger: opts.Logger}
	}
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = 30 * time.Second
	}
	if opts.HealthRetries <= 0 {
		opts.HealthRetries = 5
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Manager{opts: opts, log: log.WithField("project", opts.Project.Name)}, nil
}

// Project is the manifest the manager deploys.
func (m *Manager) Project() *config.Project { return m.opts.Project }

// DeployOptions tune a single deploy.
type DeployOptions struct {
	// SkipBackup leaves out the pre-deploy database backup.
	SkipBackup bool
}

// run carries one attempt through the protocol.
type run struct {
	m   *Manager
	att *models.DeploymentAttempt
	log logrus.FieldLogger
}

func (m *Manager) begin(kind models.AttemptKind, version, env string) *run {
	att := &models.DeploymentAttempt{
		ID:          uuid.New(),
		Project:     m.opts.Project.Name,
		Kind:        kind,
		Version:     version,
		Environment: env,
		StartedAt:   m.opts.Now().UTC(),
	}
	r := &run{m: m, att: att}
	r.log = m.log.WithFields(logrus.Fields{"attempt": att.ID, "kind": kind, "env": env})
	return r
}

func (r *run) step(name string) {
	r.att.Steps = append(r.att.Steps, name)
	fields := logrus.Fields{"state": name}
	if r.att.TargetRelease != nil {
		fields["release"] = models.ReleaseName(*r.att.TargetRelease)
	}
	r.log.WithFields(fields).Info("attempt transition")
}

// finish stamps the outcome and records the attempt. Journal and notifier
// failures are logged; they never change the outcome.
func (r *run) finish(outcome models.Outcome, reason string, cause error) (models.DeploymentAttempt, error) {
	r.att.Outcome = outcome
	r.att.Reason = reason
	r.att.FinishedAt = r.m.opts.Now().UTC()

	entry := r.log.WithFields(logrus.Fields{"state": "finished", "outcome": outcome, "duration": r.att.Duration()})
	if r.att.TargetRelease != nil {
		entry = entry.WithField("release", models.ReleaseName(*r.att.TargetRelease))
	}
	if cause != nil {
		entry = entry.WithError(cause)
	}
	switch {
	case r.att.Severity == models.SeverityFatal:
		entry.Error("attempt finished")
	case outcome != models.OutcomeSuccess:
		entry.Warn("attempt finished")
	default:
		entry.Info("attempt finished")
	}

	// Recording happens even when the caller has gone away.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if r.m.opts.Recorder != nil {
		if err := r.m.opts.Recorder.Record(ctx, r.att); err != nil {
			r.log.WithError(err).Error("record attempt")
		}
	}
	if r.m.opts.Notifier != nil {
		if err := r.m.opts.Notifier.Notify(ctx, *r.att); err != nil {
			r.log.WithError(err).Warn("notify attempt")
		}
	}
	return *r.att, cause
}

func (r *run) fatal() { r.att.Severity = models.SeverityFatal }

// Deploy materializes version and makes it current for env if and only if it
// passes the health gate.
func (m *Manager) Deploy(ctx context.Context, version, env string) (models.DeploymentAttempt, error) {
	return m.DeployWith(ctx, version, env, DeployOptions{})
}

// DeployWith is Deploy with per-invocation options.
func (m *Manager) DeployWith(ctx context.Context, version, env string, opts DeployOptions) (models.DeploymentAttempt, error) {
	if version == "" {
		version = "HEAD"
	}
	r := m.begin(models.AttemptDeploy, version, env)
	p := m.opts.Project

	envCfg, err := p.Environment(env)
	if err != nil {
		return r.finish(models.OutcomeAborted, err.Error(), errs.E(errs.KindValidation, "deploy", err))
	}

	unlock, err := m.opts.Locker.Acquire(ctx, p.Name)
	if err != nil {
		// Nothing happened; the holder's attempt is the one that gets journaled.
		r.att.Outcome = models.OutcomeAborted
		r.att.Reason = err.Error()
		r.att.FinishedAt = m.opts.Now().UTC()
		return *r.att, err
	}
	defer m.unlock(unlock)
	r.step("locked")

	prev, hasPrev, err := m.opts.Store.Current(ctx)
	if err != nil {
		r.fatal()
		return r.finish(models.OutcomeAborted, "cannot resolve current release: "+err.Error(), err)
	}
	if hasPrev {
		r.att.PreviousRelease = models.Int64Ptr(prev.ID)
	}

	if err := m.checkPorts(); err != nil {
		return r.finish(models.OutcomeAborted, err.Error(), err)
	}

	if m.opts.Backup != nil && !opts.SkipBackup {
		m.backup(ctx, r, env, envCfg)
	}

	r.step("materialize")
	rel, err := m.opts.Store.Create(ctx, version)
	if err != nil {
		if ctx.Err() != nil {
			return r.finish(models.OutcomeAborted, "cancelled", err)
		}
		return r.finish(models.OutcomeAborted, "artifact: "+err.Error(), err)
	}
	r.att.TargetRelease = models.Int64Ptr(rel.ID)

	if len(p.Hooks) > 0 {
		r.step("hooks")
		if err := m.opts.Hooks.Run(ctx, rel.Path, m.hookEnv(rel, env, envCfg), hooks.FromConfig(p.Hooks)); err != nil {
			m.discard(r, rel)
			if ctx.Err() != nil {
				return r.finish(models.OutcomeAborted, "cancelled", fmt.Errorf("deploy cancelled: %w", ctx.Err()))
			}
			return r.finish(models.OutcomeAborted, err.Error(), err)
		}
	}

	if p.Health.Mode == config.HealthPostActivation {
		return m.activateThenProbe(ctx, r, rel, prev, hasPrev, env)
	}
	return m.probeThenActivate(ctx, r, rel, env)
}

// probeThenActivate gates activation on the candidate answering on its
// isolated port. The pointer is untouched on every failure path.
func (m *Manager) probeThenActivate(ctx context.Context, r *run, rel models.Release, env string) (models.DeploymentAttempt, error) {
	hc := m.opts.Project.Health
	r.step("probe-candidate")
	unit := candidateUnit(hc.CandidateService, rel)
	if unit != "" {
		if err := m.opts.Controller.Start(ctx, unit); err != nil {
			m.discard(r, rel)
			return r.finish(models.OutcomeAborted, "start candidate: "+err.Error(),
				errs.E(errs.KindHealthCheck, "start candidate "+unit, err))
		}
	}
	res, _ := m.opts.Prober.ProbeAll(ctx, hc.CandidateEndpoints, m.opts.HealthTimeout, m.opts.HealthRetries)
	if unit != "" {
		if err := m.opts.Controller.Stop(context.WithoutCancel(ctx), unit); err != nil {
			r.log.WithError(err).WithField("unit", unit).Warn("stop candidate")
		}
	}

	// Last point at which cancellation leaves the old release serving.
	if ctx.Err() != nil || res.Cancelled {
		m.discard(r, rel)
		return r.finish(models.OutcomeAborted, "cancelled before activation", fmt.Errorf("deploy cancelled: %w", context.Cause(ctx)))
	}
	if !res.Healthy {
		m.discard(r, rel)
		return r.finish(models.OutcomeAborted, res.Reason(), errs.Errorf(errs.KindHealthCheck, "deploy "+rel.Name(), "%s", res.Reason()))
	}

	actx := context.WithoutCancel(ctx)
	r.step("activate")
	if err := m.opts.Store.Activate(actx, rel.ID); err != nil {
		m.discard(r, rel)
		r.fatal()
		return r.finish(models.OutcomeAborted, "activate: "+err.Error(), err)
	}

	if err := m.reload(actx, r, env); err != nil {
		r.fatal()
		return r.finish(models.OutcomeAborted, "service reload failed: "+err.Error(), err)
	}
	m.prune(actx, r)
	return r.finish(models.OutcomeSuccess, "", nil)
}

// activateThenProbe swaps first and checks the live endpoints; an unhealthy
// release is reverted to the previous one.
func (m *Manager) activateThenProbe(ctx context.Context, r *run, rel models.Release, prev models.Release, hasPrev bool, env string) (models.DeploymentAttempt, error) {
	if ctx.Err() != nil {
		m.discard(r, rel)
		return r.finish(models.OutcomeAborted, "cancelled before activation", fmt.Errorf("deploy cancelled: %w", ctx.Err()))
	}
	actx := context.WithoutCancel(ctx)
	r.step("activate")
	if err := m.opts.Store.Activate(actx, rel.ID); err != nil {
		m.discard(r, rel)
		r.fatal()
		return r.finish(models.OutcomeAborted, "activate: "+err.Error(), err)
	}
	if err := m.reload(actx, r, env); err != nil {
		r.fatal()
		return r.finish(models.OutcomeAborted, "service reload failed: "+err.Error(), err)
	}

	r.step("probe-live")
	res, _ := m.opts.Prober.ProbeAll(ctx, m.opts.Project.Health.Endpoints, m.opts.HealthTimeout, m.opts.HealthRetries)
	if res.Cancelled || ctx.Err() != nil {
		// Already activated: stay there.
		m.prune(actx, r)
		return r.finish(models.OutcomeSuccess, "cancelled after activation; live health unverified", nil)
	}
	if res.Healthy {
		m.prune(actx, r)
		return r.finish(models.OutcomeSuccess, "", nil)
	}

	healthErr := errs.Errorf(errs.KindHealthCheck, "deploy "+rel.Name(), "%s", res.Reason())
	if !hasPrev {
		r.fatal()
		return r.finish(models.OutcomeAborted, res.Reason()+"; no previous release to revert to", healthErr)
	}

	r.step("revert")
	if err := m.opts.Store.RevertTo(actx, prev.ID); err != nil {
		r.fatal()
		return r.finish(models.OutcomeAborted, fmt.Sprintf("%s; revert to %s failed: %v", res.Reason(), prev.Name(), err), healthErr)
	}
	m.discard(r, rel)
	if err := m.reload(actx, r, env); err != nil {
		r.fatal()
		return r.finish(models.OutcomeRolledBack, fmt.Sprintf("%s; reverted to %s but %v", res.Reason(), prev.Name(), err), err)
	}
	return r.finish(models.OutcomeRolledBack, res.Reason(), healthErr)
}

// Rollback makes the release preceding the current one active again.
func (m *Manager) Rollback(ctx context.Context, env string) (models.DeploymentAttempt, error) {
	r := m.begin(models.AttemptRollback, "", env)
	p := m.opts.Project
	if env != "" {
		if _, err := p.Environment(env); err != nil {
			return r.finish(models.OutcomeAborted, err.Error(), errs.E(errs.KindValidation, "rollback", err))
		}
	}

	unlock, err := m.opts.Locker.Acquire(ctx, p.Name)
	if err != nil {
		r.att.Outcome = models.OutcomeAborted
		r.att.Reason = err.Error()
		r.att.FinishedAt = m.opts.Now().UTC()
		return *r.att, err
	}
	defer m.unlock(unlock)
	r.step("locked")

	cur, ok, err := m.opts.Store.Current(ctx)
	if err != nil {
		r.fatal()
		return r.finish(models.OutcomeAborted, "cannot resolve current release: "+err.Error(), err)
	}
	if !ok {
		err := errs.E(errs.KindNoRollbackTarget, "rollback", errors.New("no release is active"))
		return r.finish(models.OutcomeAborted, err.Error(), err)
	}
	r.att.PreviousRelease = models.Int64Ptr(cur.ID)

	target, err := m.opts.Store.Previous(ctx)
	if err != nil {
		return r.finish(models.OutcomeAborted, err.Error(), err)
	}
	r.att.TargetRelease = models.Int64Ptr(target.ID)
	r.att.Version = target.Version

	if ctx.Err() != nil {
		return r.finish(models.OutcomeAborted, "cancelled", fmt.Errorf("rollback cancelled: %w", ctx.Err()))
	}
	actx := context.WithoutCancel(ctx)
	r.step("revert")
	if err := m.opts.Store.RevertTo(actx, target.ID); err != nil {
		r.fatal()
		return r.finish(models.OutcomeAborted, "revert: "+err.Error(), err)
	}
	if err := m.reload(actx, r, env); err != nil {
		r.fatal()
		return r.finish(models.OutcomeAborted, "service reload failed: "+err.Error(), err)
	}

	if eps := p.Health.Endpoints; len(eps) > 0 {
		r.step("probe-live")
		res, _ := m.opts.Prober.ProbeAll(ctx, eps, m.opts.HealthTimeout, m.opts.HealthRetries)
		if !res.Healthy && !res.Cancelled {
			// The pointer moved; the operator still needs to hear about it.
			reason := "rolled back to " + target.Name() + " but " + res.Reason()
			return r.finish(models.OutcomeSuccess, reason, errs.Errorf(errs.KindHealthCheck, "rollback "+target.Name(), "%s", res.Reason()))
		}
	}
	return r.finish(models.OutcomeSuccess, "", nil)
}

// Migrate runs the migrate hook inside the current release.
func (m *Manager) Migrate(ctx context.Context, env string) (models.DeploymentAttempt, error) {
	r := m.begin(models.AttemptMigrate, "", env)
	p := m.opts.Project
	envCfg, err := p.Environment(env)
	if err != nil {
		return r.finish(models.OutcomeAborted, err.Error(), errs.E(errs.KindValidation, "migrate", err))
	}
	hook, ok := p.Hook("migrate")
	if !ok {
		err := errs.Errorf(errs.KindHook, "migrate", "no migrate hook declared")
		return r.finish(models.OutcomeAborted, err.Error(), err)
	}

	unlock, err := m.opts.Locker.Acquire(ctx, p.Name)
	if err != nil {
		r.att.Outcome = models.OutcomeAborted
		r.att.Reason = err.Error()
		r.att.FinishedAt = m.opts.Now().UTC()
		return *r.att, err
	}
	defer m.unlock(unlock)

	cur, ok, err := m.opts.Store.Current(ctx)
	if err != nil {
		r.fatal()
		return r.finish(models.OutcomeAborted, err.Error(), err)
	}
	if !ok {
		err := errs.Errorf(errs.KindHook, "migrate", "no active release")
		return r.finish(models.OutcomeAborted, err.Error(), err)
	}
	r.att.TargetRelease = models.Int64Ptr(cur.ID)
	r.att.Version = cur.Version

	r.step("hooks")
	if err := m.opts.Hooks.Run(ctx, cur.Path, m.hookEnv(cur, env, envCfg), hooks.FromConfig([]config.HookConfig{hook})); err != nil {
		return r.finish(models.OutcomeAborted, err.Error(), err)
	}
	return r.finish(models.OutcomeSuccess, "", nil)
}

// Backup takes an on-demand database backup for env and returns its path.
func (m *Manager) Backup(ctx context.Context, env string) (string, error) {
	envCfg, err := m.opts.Project.Environment(env)
	if err != nil {
		return "", errs.E(errs.KindValidation, "backup", err)
	}
	if m.opts.Backup == nil {
		return "", fmt.Errorf("backups are not configured")
	}
	return m.opts.Backup.Backup(ctx, env, m.envFilePath(env, envCfg))
}

// ServiceAction is an operator command applied to every unit of an
// environment.
type ServiceAction string

const (
	ServiceStart   ServiceAction = "start"
	ServiceStop    ServiceAction = "stop"
	ServiceRestart ServiceAction = "restart"
	ServiceReload  ServiceAction = "reload"
)

// ServiceResult is the outcome of one unit.
type ServiceResult struct {
	Unit string `json:"unit"`
	Err  error  `json:"-"`
}

// Services applies action to each unit of env under the project lock. Every
// unit is attempted; the returned error joins the failures.
func (m *Manager) Services(ctx context.Context, env string, action ServiceAction) ([]ServiceResult, error) {
	if _, err := m.opts.Project.Environment(env); err != nil {
		return nil, errs.E(errs.KindValidation, "services", err)
	}
	var do func(context.Context, string) error
	switch action {
	case ServiceStart:
		do = m.opts.Controller.Start
	case ServiceStop:
		do = m.opts.Controller.Stop
	case ServiceRestart:
		do = m.opts.Controller.Restart
	case ServiceReload:
		do = m.opts.Controller.Reload
	default:
		return nil, errs.Errorf(errs.KindValidation, "services", "unknown action %q", action)
	}

	unlock, err := m.opts.Locker.Acquire(ctx, m.opts.Project.Name)
	if err != nil {
		return nil, err
	}
	defer m.unlock(unlock)

	var (
		results  []ServiceResult
		failures []error
	)
	for _, unit := range m.opts.Project.ServiceUnits(env) {
		err := do(ctx, unit)
		results = append(results, ServiceResult{Unit: unit, Err: err})
		entry := m.log.WithFields(logrus.Fields{"unit": unit, "action": action, "env": env})
		if err != nil {
			entry.WithError(err).Warn("service action failed")
			failures = append(failures, fmt.Errorf("%s %s: %w", action, unit, err))
			continue
		}
		entry.Info("service action done")
	}
	return results, errors.Join(failures...)
}

// Prune removes old releases under the project lock.
func (m *Manager) Prune(ctx context.Context, keep int) ([]int64, error) {
	unlock, err := m.opts.Locker.Acquire(ctx, m.opts.Project.Name)
	if err != nil {
		return nil, err
	}
	defer m.unlock(unlock)
	return m.opts.Store.Prune(ctx, keep)
}

// History lists recorded attempts, oldest first.
func (m *Manager) History(ctx context.Context, limit int) ([]models.DeploymentAttempt, error) {
	l, ok := m.opts.Recorder.(audit.Lister)
	if !ok {
		return nil, fmt.Errorf("attempt history not available")
	}
	return l.List(ctx, m.opts.Project.Name, limit)
}

// Status is a point-in-time view of a project.
type Status struct {
	Project        string                         `json:"project"`
	Current        *models.Release                `json:"current,omitempty"`
	RollbackTarget *models.Release                `json:"rollbackTarget,omitempty"`
	Releases       []models.Release               `json:"releases"`
	Services       map[string]models.ServiceState `json:"services"`
	Health         []health.Result                `json:"health,omitempty"`
}

// Status reads without taking the lock.
func (m *Manager) Status(ctx context.Context, env string) (Status, error) {
	p := m.opts.Project
	st := Status{Project: p.Name, Services: map[string]models.ServiceState{}}

	cur, ok, err := m.opts.Store.Current(ctx)
	if err != nil {
		return st, err
	}
	if ok {
		st.Current = &cur
		if prev, err := m.opts.Store.Previous(ctx); err == nil {
			st.RollbackTarget = &prev
		}
	}
	if st.Releases, err = m.opts.Store.List(ctx); err != nil {
		return st, err
	}
	for _, unit := range p.ServiceUnits(env) {
		state, err := m.opts.Controller.Status(ctx, unit)
		if err != nil {
			return st, err
		}
		st.Services[unit] = state
	}
	if len(p.Health.Endpoints) > 0 && ok {
		_, st.Health = m.opts.Prober.ProbeAll(ctx, p.Health.Endpoints, 5*time.Second, 1)
	}
	return st, nil
}

func (m *Manager) checkPorts() error {
	if m.opts.Registry == nil || len(m.opts.Project.Ports) == 0 {
		return nil
	}
	violations, err := m.opts.Registry.Check(m.opts.Project.Name, m.opts.Project.Ports)
	if err != nil {
		return errs.E(errs.KindPortConflict, "deploy", err)
	}
	if len(violations) > 0 {
		msgs := make([]string, 0, len(violations))
		for _, v := range violations {
			msgs = append(msgs, v.Message)
		}
		return errs.Errorf(errs.KindPortConflict, "deploy", "%s", strings.Join(msgs, "; "))
	}
	return nil
}

// reload asks the controller to pick up the new pointer. A failure here is an
// environment problem, not a bad release, so the pointer is left alone.
func (m *Manager) reload(ctx context.Context, r *run, env string) error {
	r.step("reload")
	for _, unit := range m.opts.Project.ServiceUnits(env) {
		if err := m.opts.Controller.Reload(ctx, unit); err != nil {
			return errs.E(errs.KindServiceReload, "reload "+unit, err)
		}
	}
	return nil
}

// backup is best effort: a project without a database, or a failing dump,
// is logged and the deploy carries on.
func (m *Manager) backup(ctx context.Context, r *run, env string, envCfg config.Environment) {
	r.step("backup")
	path, err := m.opts.Backup.Backup(ctx, env, m.envFilePath(env, envCfg))
	switch {
	case errors.Is(err, backup.ErrNoDatabase):
		r.log.Warn("no DATABASE_URL for environment, skipping backup")
	case err != nil:
		r.log.WithError(err).Warn("database backup failed")
	default:
		r.log.WithField("file", path).Info("database backed up")
	}
}

func (m *Manager) envFilePath(env string, envCfg config.Environment) string {
	return filepath.Join(m.opts.ProjectDir, store.SharedDir, EnvFileName(env, envCfg.EnvFile))
}

func (m *Manager) discard(r *run, rel models.Release) {
	r.step("discard")
	if err := m.opts.Store.Discard(context.Background(), rel.ID); err != nil {
		r.log.WithError(err).WithField("release", rel.Name()).Error("discard release")
	}
}

func (m *Manager) prune(ctx context.Context, r *run) {
	if m.opts.Keep <= 0 {
		return
	}
	removed, err := m.opts.Store.Prune(ctx, m.opts.Keep)
	if err != nil {
		r.log.WithError(err).Warn("prune releases")
		return
	}
	if len(removed) > 0 {
		r.step("prune")
		r.log.WithField("removed", removed).Info("pruned releases")
	}
}

func (m *Manager) unlock(unlock lock.Unlock) {
	if err := unlock(); err != nil {
		m.log.WithError(err).Error("release project lock")
	}
}

func (m *Manager) hookEnv(rel models.Release, env string, envCfg config.Environment) []string {
	out := append(os.Environ(),
		"DEPLOY_ENV="+env,
		"PROJECT_NAME="+m.opts.Project.Name,
		"RELEASE_ID="+strconv.FormatInt(rel.ID, 10),
		"RELEASE_DIR="+rel.Path,
		"RELEASE_VERSION="+rel.Version,
	)
	if m.opts.ProjectDir != "" {
		out = append(out, "PROJECT_DIR="+m.opts.ProjectDir)
		out = append(out, "ENV_FILE="+m.envFilePath(env, envCfg))
	}
	keys := make([]string, 0, len(envCfg.Vars))
	for k := range envCfg.Vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+envCfg.Vars[k])
	}
	return out
}

// candidateUnit instantiates a systemd template unit ("app-candidate@") for rel.
func candidateUnit(service string, rel models.Release) string {
	if strings.HasSuffix(service, "@") {
		return service + rel.Name()
	}
	return service
}
