package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/release-orchestrator/internal/models"
)

// Schema creates the journal table.
const Schema = `
CREATE TABLE IF NOT EXISTS deployment_attempts (
  id               UUID PRIMARY KEY,
  project          TEXT NOT NULL,
  kind             TEXT NOT NULL,
  version          TEXT NOT NULL DEFAULT '',
  environment      TEXT NOT NULL DEFAULT '',
  target_release   BIGINT,
  previous_release BIGINT,
  outcome          TEXT NOT NULL,
  reason           TEXT NOT NULL DEFAULT '',
  severity         TEXT NOT NULL DEFAULT '',
  steps            JSONB NOT NULL DEFAULT '[]',
  started_at       TIMESTAMPTZ NOT NULL,
  finished_at      TIMESTAMPTZ NOT NULL,
  prev_hash        TEXT NOT NULL DEFAULT '',
  hash             TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS deployment_attempts_project_started ON deployment_attempts (project, started_at);
`

// PGStore persists attempts into Postgres. Each project has its own chain.
type PGStore struct {
	db *sql.DB
}

// NewPGStore wraps an open database handle. Call EnsureSchema before use.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (p *PGStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// EnsureSchema creates the attempts table if it does not exist.
func (p *PGStore) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("create deployment_attempts: %w", err)
	}
	return nil
}

func (p *PGStore) lastHash(ctx context.Context, project string) (string, error) {
	var h sql.NullString
	q := `SELECT hash FROM deployment_attempts WHERE project = $1 ORDER BY started_at DESC LIMIT 1`
	if err := p.db.QueryRowContext(ctx, q, project).Scan(&h); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return h.String, nil
}

func (p *PGStore) Record(ctx context.Context, a *models.DeploymentAttempt) error {
	if a == nil {
		return fmt.Errorf("nil attempt")
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	prev, err := p.lastHash(ctx, a.Project)
	if err != nil {
		return fmt.Errorf("fetch last hash: %w", err)
	}
	hash, err := chainHash(a, prev)
	if err != nil {
		return fmt.Errorf("hash attempt: %w", err)
	}
	steps, err := json.Marshal(a.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}

	q := `
		INSERT INTO deployment_attempts
		  (id, project, kind, version, environment, target_release, previous_release,
		   outcome, reason, severity, steps, started_at, finished_at, prev_hash, hash)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`
	_, err = p.db.ExecContext(ctx, q,
		a.ID,
		a.Project,
		string(a.Kind),
		a.Version,
		a.Environment,
		nullInt(a.TargetRelease),
		nullInt(a.PreviousRelease),
		string(a.Outcome),
		a.Reason,
		a.Severity,
		steps,
		a.StartedAt,
		a.FinishedAt,
		prev,
		hash,
	)
	if err != nil {
		return fmt.Errorf("insert deployment_attempt: %w", err)
	}
	return nil
}

const selectAttempt = `SELECT id, project, kind, version, environment, target_release, previous_release,
	outcome, reason, severity, steps, started_at, finished_at FROM deployment_attempts`

func (p *PGStore) List(ctx context.Context, project string, limit int) ([]models.DeploymentAttempt, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, selectAttempt+` WHERE project = $1 ORDER BY started_at DESC LIMIT $2`, project, limit)
	if err != nil {
		return nil, fmt.Errorf("query deployment_attempts: %w", err)
	}
	defer rows.Close()

	var out []models.DeploymentAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Oldest first, like the file journal.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (p *PGStore) Get(ctx context.Context, id uuid.UUID) (*models.DeploymentAttempt, error) {
	row := p.db.QueryRowContext(ctx, selectAttempt+` WHERE id = $1`, id)
	a, err := scanAttempt(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAttempt(s scanner) (models.DeploymentAttempt, error) {
	var (
		a             models.DeploymentAttempt
		kind, outcome string
		target, prev  sql.NullInt64
		steps         []byte
	)
	if err := s.Scan(&a.ID, &a.Project, &kind, &a.Version, &a.Environment, &target, &prev,
		&outcome, &a.Reason, &a.Severity, &steps, &a.StartedAt, &a.FinishedAt); err != nil {
		return a, err
	}
	a.Kind = models.AttemptKind(kind)
	a.Outcome = models.Outcome(outcome)
	if target.Valid {
		a.TargetRelease = models.Int64Ptr(target.Int64)
	}
	if prev.Valid {
		a.PreviousRelease = models.Int64Ptr(prev.Int64)
	}
	if len(steps) > 0 {
		if err := json.Unmarshal(steps, &a.Steps); err != nil {
			return a, fmt.Errorf("decode steps: %w", err)
		}
	}
	return a, nil
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
