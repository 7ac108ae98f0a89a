// Package lock serializes deploy, rollback and migrate per project. A held
// lock fails fast; callers never queue behind one another.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/release-orchestrator/internal/errs"
)

// Unlock releases a held lock.
type Unlock func() error

// Locker grants per-project mutual exclusion without queueing.
type Locker interface {
	Acquire(ctx context.Context, project string) (Unlock, error)
}

// Holder describes the current owner of a lock.
type Holder struct {
	Token    string    `json:"token"`
	PID      int       `json:"pid"`
	Host     string    `json:"host"`
	Acquired time.Time `json:"acquired"`
}

func inProgress(project string, h *Holder) error {
	if h == nil {
		return errs.E(errs.KindDeploymentInProgress, "lock "+project, nil)
	}
	return errs.Errorf(errs.KindDeploymentInProgress, "lock "+project,
		"held by pid %d on %s since %s", h.PID, h.Host, h.Acquired.Format(time.RFC3339))
}

// FileLocker holds an exclusive flock(2) on <Root>/<project>/.deploy.lock.
// The kernel drops the lock when the holding process exits, so a crashed run
// never leaves the project locked. The file itself is never removed; its
// contents only describe the current holder for error messages.
type FileLocker struct {
	Root string
}

// NewFileLocker keys lock files by project under root.
func NewFileLocker(root string) *FileLocker {
	return &FileLocker{Root: root}
}

// Path is the lock file of project.
func (l *FileLocker) Path(project string) string {
	return filepath.Join(l.Root, project, ".deploy.lock")
}

// Acquire takes the project lock or fails with a deployment-in-progress error.
func (l *FileLocker) Acquire(ctx context.Context, project string) (Unlock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := l.Path(project)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("lock dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, inProgress(project, readHolder(path))
		}
		return nil, fmt.Errorf("flock: %w", err)
	}

	host, _ := os.Hostname()
	me := Holder{Token: uuid.NewString(), PID: os.Getpid(), Host: host, Acquired: time.Now().UTC()}
	if err := writeHolder(f, me); err != nil {
		_ = releaseFile(f)
		return nil, fmt.Errorf("write lock: %w", err)
	}
	var once sync.Once
	return func() error {
		var err error
		once.Do(func() { err = releaseFile(f) })
		return err
	}, nil
}

func writeHolder(f *os.File, h Holder) error {
	data, err := json.Marshal(h)
	if err != nil {
		return err
	}
	if err := f.Truncate(0); err != nil {
		return err
	}
	_, err = f.WriteAt(data, 0)
	return err
}

// releaseFile clears the holder record before dropping the lock.
func releaseFile(f *os.File) error {
	terr := f.Truncate(0)
	uerr := syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	cerr := f.Close()
	if err := errors.Join(terr, uerr, cerr); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

func readHolder(path string) *Holder {
	b, err := os.ReadFile(path)
	if err != nil || len(b) == 0 {
		return nil
	}
	var h Holder
	if json.Unmarshal(b, &h) != nil {
		return nil
	}
	return &h
}
