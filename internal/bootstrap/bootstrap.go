// Package bootstrap assembles a release.Manager from runtime configuration.
// releasectl and release-agent share it so both drive the same stack.
package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/ILLUVRSE/release-orchestrator/internal/audit"
	"github.com/ILLUVRSE/release-orchestrator/internal/backup"
	"github.com/ILLUVRSE/release-orchestrator/internal/config"
	"github.com/ILLUVRSE/release-orchestrator/internal/conformance"
	"github.com/ILLUVRSE/release-orchestrator/internal/health"
	"github.com/ILLUVRSE/release-orchestrator/internal/hooks"
	"github.com/ILLUVRSE/release-orchestrator/internal/lock"
	"github.com/ILLUVRSE/release-orchestrator/internal/notify"
	"github.com/ILLUVRSE/release-orchestrator/internal/ports"
	"github.com/ILLUVRSE/release-orchestrator/internal/procctl"
	"github.com/ILLUVRSE/release-orchestrator/internal/release"
	"github.com/ILLUVRSE/release-orchestrator/internal/store"
)

var (
	// JournalDir is where the file journal lives inside a project directory.
	JournalDir = filepath.Join(store.SharedDir, "audit")
	// BackupDir holds pre-deploy database dumps.
	BackupDir = filepath.Join(store.SharedDir, "backups")
)

// NewLogger builds the process logger from level and format ("text" or "json").
func NewLogger(level, format string) (*logrus.Logger, error) {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	log.SetLevel(lvl)
	switch strings.ToLower(format) {
	case "", "text":
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	return log, nil
}

// Stack is everything a command needs for one project.
type Stack struct {
	Config     config.Config
	Project    *config.Project
	ProjectDir string
	Registry   *ports.Registry
	Store      *store.FSStore
	Journal    audit.Recorder
	Controller *procctl.Systemd
	Manager    *release.Manager

	closers []func() error
}

// Close releases database, broker and cache connections.
func (s *Stack) Close() error {
	var errList []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errList = append(errList, s.closers[i]())
	}
	return errors.Join(errList...)
}

// Validator checks the project checkout against the standard.
func (s *Stack) Validator() *conformance.Validator {
	return conformance.New(s.Registry, s.Config.StandardVersion)
}

// LoadRegistry reads the port registry when one is configured.
func LoadRegistry(cfg config.Config) (*ports.Registry, error) {
	if cfg.PortRegistryFile == "" {
		return nil, nil
	}
	return ports.Load(cfg.PortRegistryFile)
}

// Build loads the project manifest and wires every collaborator the manager
// needs. Connections opened before a failure are closed.
func Build(ctx context.Context, cfg config.Config, logger logrus.FieldLogger) (_ *Stack, err error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	project, err := config.LoadProject(cfg.ProjectFile)
	if err != nil {
		return nil, err
	}
	st := &Stack{Config: cfg, Project: project, ProjectDir: project.Dir(cfg.Root)}
	defer func() {
		if err != nil {
			_ = st.Close()
		}
	}()
	log := logger.WithField("project", project.Name)

	if st.Registry, err = LoadRegistry(cfg); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(st.ProjectDir, 0o755); err != nil {
		return nil, fmt.Errorf("project dir: %w", err)
	}

	m, err := Materializer(ctx, project)
	if err != nil {
		return nil, err
	}
	st.Store = store.NewFSStore(osfs.New(st.ProjectDir), m)

	locker, err := buildLocker(ctx, cfg, st)
	if err != nil {
		return nil, err
	}
	if st.Journal, err = buildJournal(ctx, cfg, st, log); err != nil {
		return nil, err
	}
	notifier, err := buildNotifier(cfg, log)
	if err != nil {
		return nil, err
	}

	st.Controller = procctl.NewSystemd(cfg.UseSudo, log)
	checker := health.NewChecker(&http.Client{}, cfg.HealthInterval, log)

	var backups release.Backuper
	if cfg.Backups {
		backups = &backup.PGDump{Dir: filepath.Join(st.ProjectDir, BackupDir), Project: project.Name, Logger: log}
	}

	st.Manager, err = release.New(release.Options{
		Project:       project,
		ProjectDir:    st.ProjectDir,
		Store:         st.Store,
		Prober:        checker,
		Hooks:         &hooks.Runner{Logger: log},
		Controller:    st.Controller,
		Locker:        locker,
		Recorder:      st.Journal,
		Notifier:      notifier,
		Registry:      st.Registry,
		Backup:        backups,
		HealthTimeout: cfg.HealthTimeout,
		HealthRetries: cfg.HealthRetries,
		Keep:          cfg.Keep,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// Materializer picks the artifact source declared in the manifest.
func Materializer(ctx context.Context, p *config.Project) (store.Materializer, error) {
	switch p.Source.Type {
	case "git":
		if p.Source.Location == "" {
			return nil, fmt.Errorf("source.location required for git sources")
		}
		return &store.GitMaterializer{RepoPath: p.Source.Location}, nil
	case "dir":
		if p.Source.Location == "" {
			return nil, fmt.Errorf("source.location required for dir sources")
		}
		return &store.DirMaterializer{Source: osfs.New(p.Source.Location)}, nil
	case "s3":
		return store.NewS3Materializer(ctx, p.Source.Location, p.Source.Prefix)
	default:
		return nil, fmt.Errorf("unknown source type %q", p.Source.Type)
	}
}

func buildLocker(ctx context.Context, cfg config.Config, st *Stack) (lock.Locker, error) {
	if cfg.LockBackend != "redis" {
		return lock.NewFileLocker(cfg.Root), nil
	}
	rdb, err := lock.NewRedisClient(ctx, cfg.RedisAddr, os.Getenv("RELEASE_REDIS_PASSWORD"), 0)
	if err != nil {
		return nil, err
	}
	st.closers = append(st.closers, rdb.Close)
	return lock.NewRedisLocker(rdb, lock.DefaultTTL), nil
}

// buildJournal makes Postgres the primary journal when configured, otherwise
// the hash-chained file under the project directory. Kafka and S3 are
// best-effort copies.
func buildJournal(ctx context.Context, cfg config.Config, st *Stack, log logrus.FieldLogger) (audit.Recorder, error) {
	fan := &audit.Fanout{Logger: log}
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("db open: %w", err)
		}
		st.closers = append(st.closers, db.Close)
		db.SetMaxOpenConns(4)
		db.SetConnMaxLifetime(30 * time.Minute)
		pg := audit.NewPGStore(db)
		if err := pg.Ping(ctx); err != nil {
			return nil, fmt.Errorf("db ping: %w", err)
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		fan.Primary = pg
	} else {
		fan.Primary = audit.NewFileStore(filepath.Join(st.ProjectDir, JournalDir))
	}

	if len(cfg.KafkaBrokers) > 0 {
		kp, err := audit.NewKafkaProducer(audit.KafkaProducerConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic})
		if err != nil {
			return nil, err
		}
		st.closers = append(st.closers, kp.Close)
		fan.Sinks = append(fan.Sinks, kp)
	}
	if cfg.AuditBucket != "" {
		arch, err := audit.NewS3Archiver(ctx, cfg.AuditBucket, cfg.AuditPrefix)
		if err != nil {
			return nil, err
		}
		fan.Sinks = append(fan.Sinks, arch)
	}
	return fan, nil
}

func buildNotifier(cfg config.Config, log logrus.FieldLogger) (notify.Notifier, error) {
	notifiers := notify.Multi{notify.LogNotifier{Logger: log}}
	if cfg.TelegramToken != "" {
		tg, err := notify.NewTelegram(cfg.TelegramToken, cfg.TelegramChat)
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, tg)
	}
	return notifiers, nil
}
