// Package procctl starts, stops and reloads the project's long-running
// services. The shipped controller drives systemd units.
package procctl

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/ILLUVRSE/release-orchestrator/internal/models"
)

// Controller manages the services that run the active release.
type Controller interface {
	Start(ctx context.Context, service string) error
	Stop(ctx context.Context, service string) error
	Reload(ctx context.Context, service string) error
	Restart(ctx context.Context, service string) error
	Status(ctx context.Context, service string) (models.ServiceState, error)
}

// Runner executes a command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands on the host.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Systemd drives units through systemctl, through sudo when UseSudo is set.
type Systemd struct {
	UseSudo bool
	Run     Runner
	Logger  logrus.FieldLogger
}

// NewSystemd drives systemctl, through sudo when useSudo is set.
func NewSystemd(useSudo bool, logger logrus.FieldLogger) *Systemd {
	return &Systemd{UseSudo: useSudo, Run: ExecRunner, Logger: logger}
}

func (s *Systemd) Start(ctx context.Context, service string) error {
	_, err := s.systemctl(ctx, "start", service)
	return err
}

func (s *Systemd) Stop(ctx context.Context, service string) error {
	_, err := s.systemctl(ctx, "stop", service)
	return err
}

// Reload asks the unit to reload in place and restarts it when the unit does
// not support reload.
func (s *Systemd) Reload(ctx context.Context, service string) error {
	_, err := s.systemctl(ctx, "reload", service)
	if err == nil {
		return nil
	}
	s.logger().WithError(err).WithField("service", service).Warn("reload failed, restarting")
	_, err = s.systemctl(ctx, "restart", service)
	return err
}

func (s *Systemd) Restart(ctx context.Context, service string) error {
	_, err := s.systemctl(ctx, "restart", service)
	return err
}

// Status maps systemctl is-active onto a ServiceState.
func (s *Systemd) Status(ctx context.Context, service string) (models.ServiceState, error) {
	// is-active exits non-zero for inactive units; the output is what matters.
	out, err := s.systemctl(ctx, "is-active", service)
	switch strings.TrimSpace(string(firstLine(out))) {
	case "active", "reloading", "activating":
		return models.ServiceRunning, nil
	case "inactive", "failed", "deactivating":
		return models.ServiceStopped, nil
	}
	if err != nil && ctx.Err() != nil {
		return models.ServiceUnknown, ctx.Err()
	}
	return models.ServiceUnknown, nil
}

func (s *Systemd) systemctl(ctx context.Context, args ...string) ([]byte, error) {
	name, argv := s.command("systemctl", args...)
	run := s.Run
	if run == nil {
		run = ExecRunner
	}
	out, err := run(ctx, name, argv...)
	if err != nil {
		return out, fmt.Errorf("systemctl %s: %w: %s", strings.Join(args, " "), err, bytes.TrimSpace(out))
	}
	return out, nil
}

func (s *Systemd) command(bin string, args ...string) (string, []string) {
	if s.UseSudo {
		return "sudo", append([]string{bin}, args...)
	}
	return bin, args
}

func (s *Systemd) logger() logrus.FieldLogger {
	if s.Logger != nil {
		return s.Logger
	}
	return logrus.StandardLogger()
}

func firstLine(b []byte) []byte {
	if i := bytes.IndexByte(b, '\n'); i >= 0 {
		return b[:i]
	}
	return b
}

// Journal streams unit logs from journald.
type Journal struct {
	UseSudo bool
	// Lines of history printed before following; zero keeps journalctl's default.
	Lines int
}

// Args is the journalctl invocation for units.
func (j Journal) Args(units []string) (string, []string) {
	args := []string{"-f"}
	if j.Lines > 0 {
		args = append(args, "-n", fmt.Sprint(j.Lines))
	}
	for _, u := range units {
		args = append(args, "-u", u)
	}
	if j.UseSudo {
		return "sudo", append([]string{"journalctl"}, args...)
	}
	return "journalctl", args
}

// Follow copies the journal of units to w until ctx is cancelled.
func (j Journal) Follow(ctx context.Context, units []string, w io.Writer) error {
	if len(units) == 0 {
		return fmt.Errorf("no units to follow")
	}
	name, args := j.Args(units)
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = w
	cmd.Stderr = w
	if err := cmd.Run(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("journalctl: %w", err)
	}
	return nil
}
