// Package backup dumps a project's Postgres database into shared/backups.
// The connection comes from DATABASE_URL in the environment's env file, the
// same file the services read.
package backup

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"
)

// ErrNoDatabase means the env file declares no DATABASE_URL; there is nothing
// to back up.
var ErrNoDatabase = errors.New("no DATABASE_URL in environment file")

// DumpFunc runs name with args and env, streaming its stdout to w.
type DumpFunc func(ctx context.Context, env []string, w io.Writer, name string, args ...string) error

// ExecDump runs the dump command on the host.
func ExecDump(ctx context.Context, env []string, w io.Writer, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = env
	cmd.Stdout = w
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w: %s", name, err, bytes.TrimSpace(stderr.Bytes()))
	}
	return nil
}

// Target is a parsed Postgres connection.
type Target struct {
	Host     string
	Port     string
	User     string
	Password string
	Database string
}

// ParseURL accepts postgres:// and postgresql:// URLs.
func ParseURL(raw string) (Target, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Target{}, fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return Target{}, fmt.Errorf("DATABASE_URL scheme %q is not postgres", u.Scheme)
	}
	t := Target{Host: u.Hostname(), Port: u.Port(), Database: strings.TrimPrefix(u.Path, "/")}
	if u.User != nil {
		t.User = u.User.Username()
		t.Password, _ = u.User.Password()
	}
	if t.Host == "" {
		t.Host = "localhost"
	}
	if t.Port == "" {
		t.Port = "5432"
	}
	if t.Database == "" {
		return Target{}, fmt.Errorf("DATABASE_URL names no database")
	}
	return t, nil
}

// ReadDatabaseURL finds DATABASE_URL in a dotenv file. A missing file or key
// is ErrNoDatabase.
func ReadDatabaseURL(envFile string) (string, error) {
	f, err := os.Open(envFile)
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNoDatabase
	}
	if err != nil {
		return "", err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		line = strings.TrimPrefix(line, "export ")
		key, value, ok := strings.Cut(line, "=")
		if !ok || strings.TrimSpace(key) != "DATABASE_URL" {
			continue
		}
		value = strings.Trim(strings.TrimSpace(value), `"'`)
		if value == "" {
			return "", ErrNoDatabase
		}
		return value, nil
	}
	if err := sc.Err(); err != nil {
		return "", err
	}
	return "", ErrNoDatabase
}

// PGDump writes <Dir>/<Project>_<env>_<YYYYmmdd_HHMMSS>.sql.gz.
type PGDump struct {
	Dir     string
	Project string
	Dump    DumpFunc
	Now     func() time.Time
	Logger  logrus.FieldLogger
}

// Backup dumps the database named in envFile and returns the archive path.
// A failed dump leaves no file behind.
func (p *PGDump) Backup(ctx context.Context, env, envFile string) (string, error) {
	raw, err := ReadDatabaseURL(envFile)
	if err != nil {
		return "", err
	}
	t, err := ParseURL(raw)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(p.Dir, 0o750); err != nil {
		return "", fmt.Errorf("backup dir: %w", err)
	}
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	name := fmt.Sprintf("%s_%s_%s.sql.gz", p.Project, env, now().Format("20060102_150405"))
	final := filepath.Join(p.Dir, name)
	tmp := final + ".partial"

	if err := p.dumpTo(ctx, tmp, t); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("commit backup: %w", err)
	}
	p.logger().WithFields(logrus.Fields{"database": t.Database, "file": final}).Info("database backup written")
	return final, nil
}

func (p *PGDump) dumpTo(ctx context.Context, path string, t Target) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create backup: %w", err)
	}
	gz := gzip.NewWriter(f)

	dump := p.Dump
	if dump == nil {
		dump = ExecDump
	}
	env := append(os.Environ(), "PGPASSWORD="+t.Password)
	args := []string{"-h", t.Host, "-p", t.Port}
	if t.User != "" {
		args = append(args, "-U", t.User)
	}
	args = append(args, "--no-password", t.Database)
	derr := dump(ctx, env, gz, "pg_dump", args...)
	gerr := gz.Close()
	ferr := f.Close()
	if derr != nil {
		return derr
	}
	return errors.Join(gerr, ferr)
}

func (p *PGDump) logger() logrus.FieldLogger {
	if p.Logger != nil {
		return p.Logger
	}
	return logrus.StandardLogger()
}
