package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/release-orchestrator/internal/models"
)

// FileStore appends entries to <dir>/attempts.jsonl and keeps the chain head
// in <dir>/head.hash. It lives under the project's shared/ directory so the
// journal survives release pruning.
type FileStore struct {
	dir string
	now func() time.Time

	mu sync.Mutex
}

// NewFileStore journals attempts as JSON lines under dir.
func NewFileStore(dir string) *FileStore {
	_ = os.MkdirAll(dir, 0o755)
	return &FileStore{dir: dir, now: time.Now}
}

func (f *FileStore) journalPath() string { return filepath.Join(f.dir, "attempts.jsonl") }
func (f *FileStore) headPath() string    { return filepath.Join(f.dir, "head.hash") }

func (f *FileStore) Record(ctx context.Context, a *models.DeploymentAttempt) error {
	if a == nil {
		return fmt.Errorf("nil attempt")
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	prev := f.readHead()
	hash, err := chainHash(a, prev)
	if err != nil {
		return fmt.Errorf("hash attempt: %w", err)
	}
	line, err := json.Marshal(Entry{Attempt: *a, PrevHash: prev, Hash: hash, RecordedAt: f.now().UTC()})
	if err != nil {
		return fmt.Errorf("encode attempt: %w", err)
	}

	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return fmt.Errorf("audit dir: %w", err)
	}
	jf, err := os.OpenFile(f.journalPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	if _, err := jf.Write(append(line, '\n')); err != nil {
		jf.Close()
		return fmt.Errorf("append journal: %w", err)
	}
	if err := jf.Sync(); err != nil {
		jf.Close()
		return fmt.Errorf("sync journal: %w", err)
	}
	if err := jf.Close(); err != nil {
		return fmt.Errorf("close journal: %w", err)
	}

	tmp := f.headPath() + ".tmp"
	if err := os.WriteFile(tmp, []byte(hash), 0o644); err != nil {
		return fmt.Errorf("write head.hash: %w", err)
	}
	if err := os.Rename(tmp, f.headPath()); err != nil {
		return fmt.Errorf("commit head.hash: %w", err)
	}
	return nil
}

func (f *FileStore) readHead() string {
	b, err := os.ReadFile(f.headPath())
	if err != nil {
		return ""
	}
	return string(bytes.TrimSpace(b))
}

// Entries returns every stored entry in append order.
func (f *FileStore) Entries(ctx context.Context) ([]Entry, error) {
	jf, err := os.Open(f.journalPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer jf.Close()

	var out []Entry
	sc := bufio.NewScanner(jf)
	sc.Buffer(make([]byte, 64<<10), 4<<20)
	for sc.Scan() {
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("decode journal line %d: %w", len(out)+1, err)
		}
		out = append(out, e)
	}
	return out, sc.Err()
}

func (f *FileStore) List(ctx context.Context, project string, limit int) ([]models.DeploymentAttempt, error) {
	entries, err := f.Entries(ctx)
	if err != nil {
		return nil, err
	}
	var out []models.DeploymentAttempt
	for _, e := range entries {
		if project == "" || e.Attempt.Project == project {
			out = append(out, e.Attempt)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (f *FileStore) Get(ctx context.Context, id uuid.UUID) (*models.DeploymentAttempt, error) {
	entries, err := f.Entries(ctx)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if entries[i].Attempt.ID == id {
			return &entries[i].Attempt, nil
		}
	}
	return nil, ErrNotFound
}

// Verify checks the whole chain and that head.hash names its last entry.
func (f *FileStore) Verify(ctx context.Context) error {
	entries, err := f.Entries(ctx)
	if err != nil {
		return err
	}
	if err := VerifyChain(entries); err != nil {
		return err
	}
	head := f.readHead()
	if len(entries) == 0 {
		if head != "" {
			return fmt.Errorf("%w: head.hash set on empty journal", ErrChainBroken)
		}
		return nil
	}
	if last := entries[len(entries)-1].Hash; head != last {
		return fmt.Errorf("%w: head.hash %q does not match last entry %q", ErrChainBroken, head, last)
	}
	return nil
}
