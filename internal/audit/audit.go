// Package audit journals DeploymentAttempt records. Stored entries are hash
// chained: hash = sha256(canonical(attempt) || prevHash).
package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ILLUVRSE/release-orchestrator/internal/canonical"
	"github.com/ILLUVRSE/release-orchestrator/internal/models"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrChainBroken = errors.New("audit chain broken")
)

// Recorder persists or forwards one finished attempt.
type Recorder interface {
	Record(ctx context.Context, a *models.DeploymentAttempt) error
}

// Lister returns the newest limit attempts for a project, oldest first.
type Lister interface {
	List(ctx context.Context, project string, limit int) ([]models.DeploymentAttempt, error)
}

// Entry is the stored envelope of an attempt.
type Entry struct {
	Attempt    models.DeploymentAttempt `json:"attempt"`
	PrevHash   string                   `json:"prevHash,omitempty"`
	Hash       string                   `json:"hash"`
	RecordedAt time.Time                `json:"recordedAt"`
}

// chainHash links attempt to prev.
func chainHash(a *models.DeploymentAttempt, prev string) (string, error) {
	payload, err := canonical.Marshal(a)
	if err != nil {
		return "", err
	}
	return canonical.Chain(payload, prev)
}

// VerifyChain recomputes every hash in entries, which must be in append order.
func VerifyChain(entries []Entry) error {
	prev := ""
	for i := range entries {
		e := &entries[i]
		if e.PrevHash != prev {
			return errorAt(i, e, "prev hash mismatch")
		}
		h, err := chainHash(&e.Attempt, prev)
		if err != nil {
			return err
		}
		if h != e.Hash {
			return errorAt(i, e, "hash mismatch")
		}
		prev = e.Hash
	}
	return nil
}

func errorAt(i int, e *Entry, what string) error {
	return fmt.Errorf("%w at entry %d (%s): %s", ErrChainBroken, i, e.Attempt.ID, what)
}
