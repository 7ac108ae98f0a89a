package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"

	"github.com/ILLUVRSE/release-orchestrator/internal/errs"
	"github.com/ILLUVRSE/release-orchestrator/internal/models"
)

var (
	ErrNotFound = errors.New("release not found")
	// ErrCorruptPointer means releases/current exists but does not name a known,
	// materialized release. It is not recoverable by the store.
	ErrCorruptPointer = errors.New("current pointer corrupted")
	// ErrNotRevertible is returned when the target release never passed a health check.
	ErrNotRevertible = errors.New("release is not a valid activation target")
)

const (
	ReleasesDir = "releases"
	SharedDir   = "shared"
	CurrentLink = "releases/current"
	indexFile   = "releases/releases.json"
)

// Store manages materialized releases and the current pointer.
type Store interface {
	Create(ctx context.Context, version string) (models.Release, error)
	Activate(ctx context.Context, id int64) error
	RevertTo(ctx context.Context, id int64) error
	Discard(ctx context.Context, id int64) error
	Prune(ctx context.Context, keep int) ([]int64, error)
	Current(ctx context.Context) (models.Release, bool, error)
	Previous(ctx context.Context) (models.Release, error)
	Get(ctx context.Context, id int64) (models.Release, error)
	List(ctx context.Context) ([]models.Release, error)
}

type index struct {
	LastID   int64            `json:"lastId"`
	Releases []models.Release `json:"releases"`
}

func (ix *index) find(id int64) (int, bool) {
	for i := range ix.Releases {
		if ix.Releases[i].ID == id {
			return i, true
		}
	}
	return -1, false
}

// FSStore keeps releases under releases/v<ID> of a billy filesystem rooted at
// the project directory. The pointer is a relative symlink replaced with a
// single rename, so concurrent readers see either the old or the new target.
type FSStore struct {
	fs           billy.Filesystem
	materializer Materializer
	now          func() time.Time

	mu sync.Mutex
}

// NewFSStore returns a store rooted at fs. m may be nil for read-only use
// (status, rollback); Create then fails with an artifact error.
func NewFSStore(fs billy.Filesystem, m Materializer) *FSStore {
	return &FSStore{fs: fs, materializer: m, now: time.Now}
}

// WithClock overrides the creation timestamp source (tests).
func (s *FSStore) WithClock(now func() time.Time) *FSStore {
	if now != nil {
		s.now = now
	}
	return s
}

// Root is the host path of the project directory.
func (s *FSStore) Root() string {
	return s.fs.Root()
}

// Create reserves the next id, materializes version into releases/v<id> and
// records it as pending. Any failure removes the partial directory and is
// reported as an artifact error; the reserved id is not reused.
func (s *FSStore) Create(ctx context.Context, version string) (models.Release, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.materializer == nil {
		return models.Release{}, errs.Errorf(errs.KindArtifact, "create release", "no materializer configured")
	}

	ix, err := s.readIndex()
	if err != nil {
		return models.Release{}, err
	}
	id := ix.LastID + 1
	for {
		if _, err := s.fs.Lstat(releaseDir(id)); err != nil {
			break
		}
		id++
	}
	// Reserve the id before touching the artifact so it is never reused,
	// even if materialization crashes halfway.
	ix.LastID = id
	if err := s.writeIndex(ix); err != nil {
		return models.Release{}, err
	}

	dir := releaseDir(id)
	op := fmt.Sprintf("materialize %s (%s)", models.ReleaseName(id), version)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return models.Release{}, errs.E(errs.KindArtifact, op, err)
	}
	sub, err := s.fs.Chroot(dir)
	if err != nil {
		_ = util.RemoveAll(s.fs, dir)
		return models.Release{}, errs.E(errs.KindArtifact, op, err)
	}
	checksum, err := s.materializer.Materialize(ctx, version, sub)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		_ = util.RemoveAll(s.fs, dir)
		return models.Release{}, errs.E(errs.KindArtifact, op, err)
	}

	rel := models.Release{
		ID:        id,
		Version:   version,
		Path:      filepath.Join(s.fs.Root(), filepath.FromSlash(dir)),
		Source:    s.materializer.Describe(),
		Checksum:  checksum,
		Status:    models.ReleaseStatusPending,
		CreatedAt: s.now().UTC(),
	}
	ix.Releases = append(ix.Releases, rel)
	if err := s.writeIndex(ix); err != nil {
		_ = util.RemoveAll(s.fs, dir)
		return models.Release{}, errs.E(errs.KindArtifact, op, err)
	}
	return rel, nil
}

// Activate points current at a freshly created release and demotes the
// previously active one.
func (s *FSStore) Activate(ctx context.Context, id int64) error {
	return s.switchTo(ctx, id, func(st models.ReleaseStatus) bool {
		return st == models.ReleaseStatusPending || st == models.ReleaseStatusInactive || st == models.ReleaseStatusActive
	})
}

// RevertTo points current back at a release that was active before. Pending
// and failed releases are rejected.
func (s *FSStore) RevertTo(ctx context.Context, id int64) error {
	return s.switchTo(ctx, id, func(st models.ReleaseStatus) bool {
		return st == models.ReleaseStatusInactive || st == models.ReleaseStatusActive
	})
}

func (s *FSStore) switchTo(ctx context.Context, id int64, allowed func(models.ReleaseStatus) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	ix, err := s.readIndex()
	if err != nil {
		return err
	}
	i, ok := ix.find(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, models.ReleaseName(id))
	}
	if !allowed(ix.Releases[i].Status) {
		return fmt.Errorf("%w: %s is %s", ErrNotRevertible, models.ReleaseName(id), ix.Releases[i].Status)
	}
	if _, err := s.fs.Stat(releaseDir(id)); err != nil {
		return fmt.Errorf("%w: %s artifact missing: %v", ErrNotRevertible, models.ReleaseName(id), err)
	}

	if err := s.swapPointer(id); err != nil {
		return err
	}

	// The pointer is authoritative from here on; statuses are bookkeeping.
	for j := range ix.Releases {
		if ix.Releases[j].Status == models.ReleaseStatusActive {
			ix.Releases[j].Status = models.ReleaseStatusInactive
		}
	}
	ix.Releases[i].Status = models.ReleaseStatusActive
	return s.writeIndex(ix)
}

func (s *FSStore) swapPointer(id int64) error {
	tmp := path.Join(ReleasesDir, fmt.Sprintf(".current.tmp-%d", id))
	_ = s.fs.Remove(tmp)
	if err := s.fs.Symlink(models.ReleaseName(id), tmp); err != nil {
		return fmt.Errorf("create pointer: %w", err)
	}
	if err := s.fs.Rename(tmp, CurrentLink); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("swap pointer: %w", err)
	}
	return nil
}

// Discard marks a release that never went live as failed and removes its
// artifact. The active release cannot be discarded.
func (s *FSStore) Discard(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ix, err := s.readIndex()
	if err != nil {
		return err
	}
	i, ok := ix.find(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, models.ReleaseName(id))
	}
	if current, ok, _ := s.pointerID(); ok && current == id {
		return fmt.Errorf("discard %s: release is current", models.ReleaseName(id))
	}
	if err := util.RemoveAll(s.fs, releaseDir(id)); err != nil {
		return fmt.Errorf("remove %s: %w", models.ReleaseName(id), err)
	}
	ix.Releases[i].Status = models.ReleaseStatusFailed
	return s.writeIndex(ix)
}

// Prune removes inactive releases beyond the newest keep. The active release,
// its rollback target and pending releases are always kept. Failed releases
// have no artifact left, so they never count toward keep; their index entries
// are dropped once they fall outside the kept window.
func (s *FSStore) Prune(ctx context.Context, keep int) ([]int64, error) {
	if keep < 1 {
		keep = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ix, err := s.readIndex()
	if err != nil {
		return nil, err
	}
	protected := map[int64]bool{}
	if current, ok, err := s.pointerID(); err != nil {
		return nil, err
	} else if ok {
		protected[current] = true
		if prev, ok := previousOf(ix.Releases, current); ok {
			protected[prev.ID] = true
		}
	}

	ordered := append([]models.Release(nil), ix.Releases...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID > ordered[j].ID })

	var removed []int64
	retained := 0
	drop := map[int64]bool{}
	for _, rel := range ordered {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		switch {
		case protected[rel.ID], rel.Status == models.ReleaseStatusPending:
			retained++
			continue
		case rel.Status == models.ReleaseStatusFailed:
			if retained < keep {
				continue
			}
		case retained < keep:
			retained++
			continue
		}
		if err := util.RemoveAll(s.fs, releaseDir(rel.ID)); err != nil {
			return removed, fmt.Errorf("prune %s: %w", rel.Name(), err)
		}
		drop[rel.ID] = true
		removed = append(removed, rel.ID)
	}
	if len(drop) == 0 {
		return nil, nil
	}
	kept := ix.Releases[:0]
	for _, rel := range ix.Releases {
		if !drop[rel.ID] {
			kept = append(kept, rel)
		}
	}
	ix.Releases = kept
	sort.Slice(removed, func(i, j int) bool { return removed[i] < removed[j] })
	return removed, s.writeIndex(ix)
}

// Current resolves the pointer. It takes no lock: the pointer is read with a
// single readlink and the index is replaced atomically.
func (s *FSStore) Current(ctx context.Context) (models.Release, bool, error) {
	id, ok, err := s.pointerID()
	if err != nil || !ok {
		return models.Release{}, false, err
	}
	ix, err := s.readIndex()
	if err != nil {
		return models.Release{}, false, err
	}
	i, found := ix.find(id)
	if !found {
		return models.Release{}, false, fmt.Errorf("%w: %s not in release history", ErrCorruptPointer, models.ReleaseName(id))
	}
	rel := ix.Releases[i]
	// The index may lag the pointer by one write; the pointer wins.
	rel.Status = models.ReleaseStatusActive
	return rel, true, nil
}

// Previous returns the rollback target: the newest inactive release older
// than the current one.
func (s *FSStore) Previous(ctx context.Context) (models.Release, error) {
	current, ok, err := s.pointerID()
	if err != nil {
		return models.Release{}, err
	}
	if !ok {
		return models.Release{}, errs.E(errs.KindNoRollbackTarget, "find rollback target", errors.New("no current release"))
	}
	ix, err := s.readIndex()
	if err != nil {
		return models.Release{}, err
	}
	prev, ok := previousOf(ix.Releases, current)
	if !ok {
		return models.Release{}, errs.E(errs.KindNoRollbackTarget, "find rollback target",
			fmt.Errorf("no release before %s", models.ReleaseName(current)))
	}
	if _, err := s.fs.Stat(releaseDir(prev.ID)); err != nil {
		return models.Release{}, errs.E(errs.KindNoRollbackTarget, "find rollback target",
			fmt.Errorf("%s artifact missing", prev.Name()))
	}
	return prev, nil
}

// Get returns the index entry for id or ErrNotFound.
func (s *FSStore) Get(ctx context.Context, id int64) (models.Release, error) {
	ix, err := s.readIndex()
	if err != nil {
		return models.Release{}, err
	}
	i, ok := ix.find(id)
	if !ok {
		return models.Release{}, fmt.Errorf("%w: %s", ErrNotFound, models.ReleaseName(id))
	}
	return ix.Releases[i], nil
}

// List returns every indexed release ordered by id, failed ones included.
func (s *FSStore) List(ctx context.Context) ([]models.Release, error) {
	ix, err := s.readIndex()
	if err != nil {
		return nil, err
	}
	out := append([]models.Release(nil), ix.Releases...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func previousOf(releases []models.Release, current int64) (models.Release, bool) {
	var (
		best  models.Release
		found bool
	)
	for _, rel := range releases {
		if rel.ID >= current || rel.Status != models.ReleaseStatusInactive {
			continue
		}
		if !found || rel.ID > best.ID {
			best, found = rel, true
		}
	}
	return best, found
}

func (s *FSStore) pointerID() (int64, bool, error) {
	fi, err := s.fs.Lstat(CurrentLink)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("stat pointer: %w", err)
	}
	if fi.Mode()&os.ModeSymlink == 0 {
		return 0, false, fmt.Errorf("%w: %s is not a symlink", ErrCorruptPointer, CurrentLink)
	}
	target, err := s.fs.Readlink(CurrentLink)
	if err != nil {
		return 0, false, fmt.Errorf("read pointer: %w", err)
	}
	id, err := parseReleaseName(filepath.Base(filepath.ToSlash(target)))
	if err != nil {
		return 0, false, fmt.Errorf("%w: target %q", ErrCorruptPointer, target)
	}
	return id, true, nil
}

func (s *FSStore) readIndex() (*index, error) {
	data, err := util.ReadFile(s.fs, indexFile)
	if err != nil {
		if os.IsNotExist(err) || errors.Is(err, os.ErrNotExist) {
			return &index{}, nil
		}
		return nil, fmt.Errorf("read release history: %w", err)
	}
	var ix index
	if err := json.Unmarshal(data, &ix); err != nil {
		return nil, fmt.Errorf("decode release history: %w", err)
	}
	return &ix, nil
}

func (s *FSStore) writeIndex(ix *index) error {
	sort.Slice(ix.Releases, func(i, j int) bool { return ix.Releases[i].ID < ix.Releases[j].ID })
	data, err := json.MarshalIndent(ix, "", "  ")
	if err != nil {
		return fmt.Errorf("encode release history: %w", err)
	}
	if err := s.fs.MkdirAll(ReleasesDir, 0o755); err != nil {
		return fmt.Errorf("ensure releases dir: %w", err)
	}
	tmp := indexFile + ".tmp"
	if err := util.WriteFile(s.fs, tmp, data, 0o644); err != nil {
		return fmt.Errorf("write release history: %w", err)
	}
	if err := s.fs.Rename(tmp, indexFile); err != nil {
		return fmt.Errorf("commit release history: %w", err)
	}
	return nil
}

func releaseDir(id int64) string {
	return path.Join(ReleasesDir, models.ReleaseName(id))
}

func parseReleaseName(name string) (int64, error) {
	if !strings.HasPrefix(name, "v") {
		return 0, fmt.Errorf("not a release name: %q", name)
	}
	id, err := strconv.ParseInt(name[1:], 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("not a release name: %q", name)
	}
	return id, nil
}
