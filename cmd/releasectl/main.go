package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/go-git/go-billy/v5/osfs"

	"github.com/ILLUVRSE/release-orchestrator/internal/bootstrap"
	"github.com/ILLUVRSE/release-orchestrator/internal/config"
	"github.com/ILLUVRSE/release-orchestrator/internal/conformance"
	"github.com/ILLUVRSE/release-orchestrator/internal/errs"
	"github.com/ILLUVRSE/release-orchestrator/internal/models"
	"github.com/ILLUVRSE/release-orchestrator/internal/procctl"
	"github.com/ILLUVRSE/release-orchestrator/internal/release"
)

const usage = `usage: releasectl <command> [flags]

commands:
  deploy     -env E [-version V] [-skip-backup]
                                   materialize, health-gate and activate a release
  rollback   [-env E]              return to the previous release
  status     [-env E] [-json]      show current release, services and health
  validate   [-dir D] [-json]      check a project tree against the standard
  logs       [-env E] [-n N]       follow service logs
  migrate    -env E                run the migrate hook in the current release
  prune      [-keep N]             remove old releases
  history    [-limit N] [-json]    list recorded attempts
  env-setup  -env E                link shared/.env to the environment file
  db-backup  -env E                dump the environment's database to shared/backups
  services   start|stop|restart|reload -env E
                                   apply the action to every service unit
`

var (
	ok   = color.New(color.FgGreen, color.Bold).SprintFunc()
	warn = color.New(color.FgYellow, color.Bold).SprintFunc()
	bad  = color.New(color.FgRed, color.Bold).SprintFunc()
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(errs.ExitFailure)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1], os.Args[2:], os.Stdout)
	stop()
	if err != nil {
		var rep reportedError
		if !errors.As(err, &rep) {
			fmt.Fprintf(os.Stderr, "%s %v\n", bad("error:"), err)
		}
		os.Exit(errs.ExitCode(err))
	}
}

// reportedError marks failures whose details were already printed.
type reportedError struct{ error }

func (e reportedError) Unwrap() error { return e.error }

func run(ctx context.Context, cmd string, args []string, out io.Writer) error {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	env := fs.String("env", "production", "target environment")
	asJSON := fs.Bool("json", false, "print JSON")

	switch cmd {
	case "validate":
		dir := fs.String("dir", ".", "project directory")
		if err := fs.Parse(args); err != nil {
			return err
		}
		return validate(*dir, *asJSON, out)
	case "-h", "--help", "help":
		fmt.Fprint(out, usage)
		return nil
	}

	var action release.ServiceAction
	if cmd == "services" {
		if len(args) == 0 {
			return errs.Errorf(errs.KindValidation, "services", "missing action (start, stop, restart or reload)")
		}
		action, args = release.ServiceAction(args[0]), args[1:]
		switch action {
		case release.ServiceStart, release.ServiceStop, release.ServiceRestart, release.ServiceReload:
		default:
			return errs.Errorf(errs.KindValidation, "services", "unknown action %q", action)
		}
	}

	version := fs.String("version", "HEAD", "version to deploy (commit, tag or artifact name)")
	lines := fs.Int("n", 100, "lines of history before following")
	keep := fs.Int("keep", 0, "releases to keep (default RELEASE_KEEP)")
	limit := fs.Int("limit", 20, "attempts to show")
	skipBackup := fs.Bool("skip-backup", false, "deploy without the pre-deploy database backup")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := bootstrap.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	st, err := bootstrap.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()
	mgr := st.Manager

	switch cmd {
	case "deploy":
		att, err := mgr.DeployWith(ctx, *version, *env, release.DeployOptions{SkipBackup: *skipBackup})
		printAttempt(out, att)
		return err
	case "rollback":
		att, err := mgr.Rollback(ctx, *env)
		printAttempt(out, att)
		return err
	case "status":
		s, err := mgr.Status(ctx, *env)
		if err != nil {
			return err
		}
		if *asJSON {
			return writeJSON(out, s)
		}
		printStatus(out, s)
		return nil
	case "logs":
		j := procctl.Journal{UseSudo: cfg.UseSudo, Lines: *lines}
		return j.Follow(ctx, st.Project.ServiceUnits(*env), out)
	case "migrate":
		att, err := mgr.Migrate(ctx, *env)
		printAttempt(out, att)
		return err
	case "prune":
		n := *keep
		if n == 0 {
			n = cfg.Keep
		}
		removed, err := mgr.Prune(ctx, n)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s removed %d release(s) %v\n", ok("pruned"), len(removed), removed)
		return nil
	case "history":
		attempts, err := mgr.History(ctx, *limit)
		if err != nil {
			return err
		}
		if *asJSON {
			return writeJSON(out, attempts)
		}
		printHistory(out, attempts)
		return nil
	case "env-setup":
		target, err := mgr.SetupEnv(ctx, *env)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s %s -> %s\n", ok("linked"), filepath.Join(st.ProjectDir, "shared", release.SharedEnvLink), target)
		return nil
	case "db-backup":
		path, err := mgr.Backup(ctx, *env)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s %s\n", ok("backed up"), path)
		return nil
	case "services":
		results, err := mgr.Services(ctx, *env, action)
		for _, r := range results {
			if r.Err != nil {
				fmt.Fprintf(out, "%s %s %s: %v\n", bad("failed"), action, r.Unit, r.Err)
				continue
			}
			fmt.Fprintf(out, "%s %s %s\n", ok("ok"), action, r.Unit)
		}
		if err != nil && len(results) > 0 {
			return reportedError{err}
		}
		return err
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// validate needs only the port registry, not a deployable project.
func validate(dir string, asJSON bool, out io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	reg, err := bootstrap.LoadRegistry(cfg)
	if err != nil {
		return err
	}
	rep, err := conformance.New(reg, cfg.StandardVersion).ValidateFS(osfs.New(dir))
	if err != nil {
		return err
	}
	if asJSON {
		if err := writeJSON(out, rep); err != nil {
			return err
		}
	} else {
		printReport(out, rep)
	}
	if err := rep.Err(); err != nil {
		return reportedError{err}
	}
	return nil
}

func printReport(out io.Writer, rep conformance.Report) {
	fmt.Fprintf(out, "%s (standard %s)\n", rep.Project, rep.Standard)
	for _, r := range rep.Results {
		mark := ok("PASS")
		if r.Status == conformance.StatusFail {
			mark = bad("FAIL")
			if r.Severity == conformance.SeverityWarning {
				mark = warn("WARN")
			}
		}
		fmt.Fprintf(out, "  %s  %-26s %s\n", mark, r.RuleID, r.Message)
	}
	summary := fmt.Sprintf("%d error(s), %d warning(s)", rep.ErrorCount, rep.WarningCount)
	if rep.Passed() {
		fmt.Fprintln(out, ok("conformant:"), summary)
	} else {
		fmt.Fprintln(out, bad("not conformant:"), summary)
	}
}

func printAttempt(out io.Writer, a models.DeploymentAttempt) {
	if a.Outcome == "" {
		return
	}
	var mark string
	switch a.Outcome {
	case models.OutcomeSuccess:
		mark = ok(string(a.Outcome))
	case models.OutcomeRolledBack:
		mark = warn(string(a.Outcome))
	default:
		mark = bad(string(a.Outcome))
	}
	target := "-"
	if a.TargetRelease != nil {
		target = models.ReleaseName(*a.TargetRelease)
	}
	for i, step := range a.Steps {
		fmt.Fprintf(out, "[%d/%d] %s\n", i+1, len(a.Steps), step)
	}
	fmt.Fprintf(out, "%s %s %s (%s) in %s\n", mark, a.Kind, target, a.Version, a.Duration().Round(time.Millisecond))
	if a.Reason != "" {
		fmt.Fprintf(out, "  reason: %s\n", a.Reason)
	}
	if a.Severity == models.SeverityFatal {
		fmt.Fprintf(out, "  %s manual intervention required\n", bad("FATAL"))
	}
}

func printStatus(out io.Writer, s release.Status) {
	if s.Current == nil {
		fmt.Fprintf(out, "%s: no active release\n", s.Project)
	} else {
		fmt.Fprintf(out, "%s: %s active (%s, %s)\n", s.Project, ok(s.Current.Name()), s.Current.Version, s.Current.Checksum)
	}
	if s.RollbackTarget != nil {
		fmt.Fprintf(out, "rollback target: %s (%s)\n", s.RollbackTarget.Name(), s.RollbackTarget.Version)
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RELEASE\tSTATUS\tVERSION\tCREATED")
	for _, r := range s.Releases {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Name(), r.Status, r.Version, r.CreatedAt.Format(time.RFC3339))
	}
	_ = tw.Flush()
	units := make([]string, 0, len(s.Services))
	for unit := range s.Services {
		units = append(units, unit)
	}
	sort.Strings(units)
	for _, unit := range units {
		state := s.Services[unit]
		mark := ok(string(state))
		if state != models.ServiceRunning {
			mark = bad(string(state))
		}
		fmt.Fprintf(out, "service %s: %s\n", unit, mark)
	}
	for _, h := range s.Health {
		if h.Healthy {
			fmt.Fprintf(out, "health %s: %s\n", h.Endpoint, ok("ok"))
		} else {
			fmt.Fprintf(out, "health %s: %s %s\n", h.Endpoint, bad("failing"), h.LastError)
		}
	}
}

func printHistory(out io.Writer, attempts []models.DeploymentAttempt) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tKIND\tENV\tRELEASE\tVERSION\tOUTCOME\tREASON")
	for _, a := range attempts {
		target := "-"
		if a.TargetRelease != nil {
			target = models.ReleaseName(*a.TargetRelease)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			a.StartedAt.Format(time.RFC3339), a.Kind, a.Environment, target, a.Version, a.Outcome, a.Reason)
	}
	_ = tw.Flush()
}

func writeJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
