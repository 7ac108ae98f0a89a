package store_test

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/release-orchestrator/internal/errs"
	"github.com/ILLUVRSE/release-orchestrator/internal/models"
	"github.com/ILLUVRSE/release-orchestrator/internal/store"
)

func writeSource(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	}
	return dir
}

func newStore(t *testing.T, m store.Materializer) (*store.FSStore, string) {
	t.Helper()
	root := t.TempDir()
	return store.NewFSStore(osfs.New(root), m), root
}

func TestCreateActivateRollbackFlow(t *testing.T) {
	ctx := context.Background()
	src := writeSource(t, map[string]string{
		"web/manage.py":    "print('ok')",
		"api/main.go":      "package main",
		".git/HEAD":        "ref: refs/heads/main",
		"requirements.txt": "django",
	})
	s, root := newStore(t, &store.DirMaterializer{Source: osfs.New(src)})

	_, ok, err := s.Current(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "fresh project has no current release")

	r1, err := s.Create(ctx, "HEAD")
	require.NoError(t, err)
	assert.Equal(t, int64(1), r1.ID)
	assert.Equal(t, models.ReleaseStatusPending, r1.Status)
	assert.NotEmpty(t, r1.Checksum)
	assert.FileExists(t, filepath.Join(root, "releases", "v1", "web", "manage.py"))
	assert.NoDirExists(t, filepath.Join(root, "releases", "v1", ".git"))

	require.NoError(t, s.Activate(ctx, r1.ID))
	target, err := os.Readlink(filepath.Join(root, "releases", "current"))
	require.NoError(t, err)
	assert.Equal(t, "v1", target)

	_, err = s.Previous(ctx)
	assert.ErrorIs(t, err, errs.ErrNoRollbackTarget)

	r2, err := s.Create(ctx, "HEAD")
	require.NoError(t, err)
	require.NoError(t, s.Activate(ctx, r2.ID))

	cur, ok, err := s.Current(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, r2.ID, cur.ID)

	prev, err := s.Previous(ctx)
	require.NoError(t, err)
	assert.Equal(t, r1.ID, prev.ID)

	require.NoError(t, s.RevertTo(ctx, prev.ID))
	cur, _, err = s.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, r1.ID, cur.ID)

	// Nothing precedes v1.
	_, err = s.Previous(ctx)
	assert.ErrorIs(t, err, errs.ErrNoRollbackTarget)

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, models.ReleaseStatusActive, list[0].Status)
	assert.Equal(t, models.ReleaseStatusInactive, list[1].Status)
}

type brokenMaterializer struct{}

func (brokenMaterializer) Describe() string { return "broken" }

func (brokenMaterializer) Materialize(_ context.Context, _ string, dst billy.Filesystem) (string, error) {
	f, err := dst.Create("half-written")
	if err == nil {
		f.Close()
	}
	return "", errors.New("source unreachable")
}

func TestCreateFailureLeavesNoPartialRelease(t *testing.T) {
	ctx := context.Background()
	s, root := newStore(t, brokenMaterializer{})

	_, err := s.Create(ctx, "HEAD")
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrArtifact)
	assert.NoDirExists(t, filepath.Join(root, "releases", "v1"))

	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestIDsAreNeverReused(t *testing.T) {
	ctx := context.Background()
	src := writeSource(t, map[string]string{"app.txt": "v"})
	s, root := newStore(t, &store.DirMaterializer{Source: osfs.New(src)})

	r1, err := s.Create(ctx, "a")
	require.NoError(t, err)
	require.NoError(t, s.Activate(ctx, r1.ID))

	r2, err := s.Create(ctx, "b")
	require.NoError(t, err)
	require.NoError(t, s.Discard(ctx, r2.ID))
	assert.NoDirExists(t, filepath.Join(root, "releases", "v2"))

	got, err := s.Get(ctx, r2.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReleaseStatusFailed, got.Status)

	// A failed release is not a valid activation target.
	assert.ErrorIs(t, s.RevertTo(ctx, r2.ID), store.ErrNotRevertible)

	r3, err := s.Create(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, int64(3), r3.ID)

	// The active release cannot be discarded.
	assert.Error(t, s.Discard(ctx, r1.ID))
}

func TestPruneKeepsActiveAndRollbackTarget(t *testing.T) {
	ctx := context.Background()
	src := writeSource(t, map[string]string{"app.txt": "v"})
	s, root := newStore(t, &store.DirMaterializer{Source: osfs.New(src)})

	for i := 0; i < 6; i++ {
		r, err := s.Create(ctx, "HEAD")
		require.NoError(t, err)
		require.NoError(t, s.Activate(ctx, r.ID))
	}
	// Roll back to v5 so v6 is inactive and newer than current.
	require.NoError(t, s.RevertTo(ctx, 5))

	removed, err := s.Prune(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, removed)

	for _, id := range []int64{4, 5, 6} {
		assert.DirExists(t, filepath.Join(root, "releases", models.ReleaseName(id)))
	}
	cur, _, err := s.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), cur.ID)
	prev, err := s.Previous(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), prev.ID)

	// v6 is the newest release and counts toward keep; v5 and v4 are protected.
	removed, err = s.Prune(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, removed)
}

func TestPointerSwapIsAtomicForConcurrentReaders(t *testing.T) {
	ctx := context.Background()
	src := writeSource(t, map[string]string{"app.txt": "v"})
	root := t.TempDir()
	writer := store.NewFSStore(osfs.New(root), &store.DirMaterializer{Source: osfs.New(src)})
	// A second instance stands in for another process reading the pointer.
	reader := store.NewFSStore(osfs.New(root), nil)

	r1, err := writer.Create(ctx, "a")
	require.NoError(t, err)
	require.NoError(t, writer.Activate(ctx, r1.ID))
	r2, err := writer.Create(ctx, "b")
	require.NoError(t, err)

	var (
		stop     atomic.Bool
		failures atomic.Int64
		wg       sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for !stop.Load() {
			cur, ok, err := reader.Current(ctx)
			if err != nil || !ok || (cur.ID != r1.ID && cur.ID != r2.ID) {
				failures.Add(1)
			}
		}
	}()

	for i := 0; i < 200; i++ {
		id := r2.ID
		if i%2 == 1 {
			id = r1.ID
		}
		require.NoError(t, writer.Activate(ctx, id))
	}
	stop.Store(true)
	wg.Wait()

	assert.Zero(t, failures.Load(), "reader observed a missing or foreign pointer")
}

func TestCurrentRejectsCorruptPointer(t *testing.T) {
	ctx := context.Background()
	s, root := newStore(t, nil)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "releases"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "releases", "current"), []byte("v1"), 0o644))

	_, _, err := s.Current(ctx)
	assert.ErrorIs(t, err, store.ErrCorruptPointer)

	require.NoError(t, os.Remove(filepath.Join(root, "releases", "current")))
	require.NoError(t, os.Symlink("v9", filepath.Join(root, "releases", "current")))
	_, _, err = s.Current(ctx)
	assert.ErrorIs(t, err, store.ErrCorruptPointer)
}

func TestGitMaterializerExportsCommittedTree(t *testing.T) {
	repoDir := t.TempDir()
	repo, err := git.PlainInit(repoDir, false)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(repoDir, "scripts"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(repoDir, "scripts", "deploy.sh"), []byte("#!/bin/sh\n"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(repoDir, "deploy.yaml"), []byte("project: ledger\n"), 0o644))

	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("scripts/deploy.sh")
	require.NoError(t, err)
	_, err = wt.Add("deploy.yaml")
	require.NoError(t, err)
	hash, err := wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "ops", Email: "ops@example.com", When: time.Now()},
	})
	require.NoError(t, err)

	// Untracked files stay out of the release.
	require.NoError(t, os.WriteFile(filepath.Join(repoDir, "local.env"), []byte("SECRET=1"), 0o644))

	s, root := newStore(t, &store.GitMaterializer{RepoPath: repoDir})
	rel, err := s.Create(context.Background(), "HEAD")
	require.NoError(t, err)
	assert.Equal(t, hash.String(), rel.Checksum)
	assert.FileExists(t, filepath.Join(root, "releases", "v1", "deploy.yaml"))
	assert.NoFileExists(t, filepath.Join(root, "releases", "v1", "local.env"))

	fi, err := os.Stat(filepath.Join(root, "releases", "v1", "scripts", "deploy.sh"))
	require.NoError(t, err)
	assert.NotZero(t, fi.Mode()&0o100, "executable bit preserved")

	_, err = s.Create(context.Background(), "no-such-tag")
	assert.ErrorIs(t, err, errs.ErrArtifact)
}

type memFetcher map[string][]byte

func (m memFetcher) Fetch(_ context.Context, key string) ([]byte, error) {
	b, ok := m[key]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return b, nil
}

func tarball(t *testing.T, entries map[string]string, extra ...*tar.Header) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, body := range entries {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	for _, hdr := range extra {
		require.NoError(t, tw.WriteHeader(hdr))
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func TestS3MaterializerUnpacksTarball(t *testing.T) {
	evil := tarball(t, nil, &tar.Header{Name: "../../etc/passwd", Mode: 0o644, Typeflag: tar.TypeReg})
	fetcher := memFetcher{
		"builds/ledger/1.4.0.tar.gz": tarball(t, map[string]string{"./web/app.py": "app", "api/bin": "bin"}),
		"builds/ledger/evil.tar.gz":  evil,
	}
	m := store.NewS3MaterializerWithFetcher("artifacts", "/builds/ledger/", fetcher)
	key, err := m.Key("1.4.0")
	require.NoError(t, err)
	assert.Equal(t, "builds/ledger/1.4.0.tar.gz", key)

	s, root := newStore(t, m)
	rel, err := s.Create(context.Background(), "1.4.0")
	require.NoError(t, err)
	assert.Len(t, rel.Checksum, 64)
	assert.FileExists(t, filepath.Join(root, "releases", "v1", "web", "app.py"))

	_, err = s.Create(context.Background(), "evil")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes release directory")
	assert.NoDirExists(t, filepath.Join(root, "releases", "v2"))

	_, err = s.Create(context.Background(), "9.9.9")
	assert.ErrorIs(t, err, errs.ErrArtifact)
}

func TestS3MaterializerRejectsVersionsOutsidePrefix(t *testing.T) {
	m := store.NewS3MaterializerWithFetcher("artifacts", "builds/ledger", memFetcher{
		"builds/other/x.tar.gz": tarball(t, map[string]string{"app.txt": "other"}),
	})
	for _, version := range []string{"../other/x", "nested/x", "..", "."} {
		_, err := m.Key(version)
		assert.Error(t, err, version)
	}

	s, root := newStore(t, m)
	_, err := s.Create(context.Background(), "../other/x")
	assert.ErrorIs(t, err, errs.ErrArtifact)
	assert.NoDirExists(t, filepath.Join(root, "releases", "v1"))
}

// orderedTarball writes entries in the given order; bodies go to regular files.
func orderedTarball(t *testing.T, hdrs []*tar.Header, bodies map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, hdr := range hdrs {
		body := bodies[hdr.Name]
		if hdr.Typeflag == tar.TypeReg {
			hdr.Size = int64(len(body))
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if hdr.Typeflag == tar.TypeReg {
			_, err := tw.Write([]byte(body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func TestExtractTarGzRejectsSymlinkEscapes(t *testing.T) {
	ctx := context.Background()
	outside := t.TempDir()
	dst := t.TempDir()
	rel, err := filepath.Rel(dst, outside)
	require.NoError(t, err)

	escaping := orderedTarball(t, []*tar.Header{
		{Name: "evil", Linkname: filepath.ToSlash(rel), Typeflag: tar.TypeSymlink, Mode: 0o777},
		{Name: "evil/owned.txt", Typeflag: tar.TypeReg, Mode: 0o644},
	}, map[string]string{"evil/owned.txt": "owned"})
	err = store.ExtractTarGz(ctx, bytes.NewReader(escaping), osfs.New(dst))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "links outside release directory")
	assert.NoFileExists(t, filepath.Join(outside, "owned.txt"))

	// A link that stays inside is fine, but nothing may be written through it.
	inside := orderedTarball(t, []*tar.Header{
		{Name: "static", Typeflag: tar.TypeDir, Mode: 0o755},
		{Name: "assets", Linkname: "static", Typeflag: tar.TypeSymlink, Mode: 0o777},
		{Name: "assets/app.css", Typeflag: tar.TypeReg, Mode: 0o644},
	}, map[string]string{"assets/app.css": "body{}"})
	dst2 := t.TempDir()
	err = store.ExtractTarGz(ctx, bytes.NewReader(inside), osfs.New(dst2))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "written through a symlink")
	assert.NoFileExists(t, filepath.Join(dst2, "static", "app.css"))

	ok := orderedTarball(t, []*tar.Header{
		{Name: "static/app.css", Typeflag: tar.TypeReg, Mode: 0o644},
		{Name: "assets", Linkname: "static", Typeflag: tar.TypeSymlink, Mode: 0o777},
	}, map[string]string{"static/app.css": "body{}"})
	dst3 := t.TempDir()
	require.NoError(t, store.ExtractTarGz(ctx, bytes.NewReader(ok), osfs.New(dst3)))
	target, err := os.Readlink(filepath.Join(dst3, "assets"))
	require.NoError(t, err)
	assert.Equal(t, "static", target)
}

func TestPruneIgnoresFailedReleasesWhenCounting(t *testing.T) {
	ctx := context.Background()
	src := writeSource(t, map[string]string{"app.txt": "v"})
	s, root := newStore(t, &store.DirMaterializer{Source: osfs.New(src)})

	for i := 0; i < 3; i++ {
		r, err := s.Create(ctx, "HEAD")
		require.NoError(t, err)
		require.NoError(t, s.Activate(ctx, r.ID))
	}
	for i := 0; i < 2; i++ {
		r, err := s.Create(ctx, "HEAD")
		require.NoError(t, err)
		require.NoError(t, s.Discard(ctx, r.ID))
	}
	r6, err := s.Create(ctx, "HEAD")
	require.NoError(t, err)
	require.NoError(t, s.Activate(ctx, r6.ID))

	removed, err := s.Prune(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, removed)
	for _, id := range []int64{2, 3, 6} {
		assert.DirExists(t, filepath.Join(root, "releases", models.ReleaseName(id)))
	}

	// Once the window is full, failed entries beyond it are dropped from the index.
	removed, err = s.Prune(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 4, 5}, removed)
	list, err := s.List(ctx)
	require.NoError(t, err)
	var ids []int64
	for _, r := range list {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []int64{3, 6}, ids)
}
