package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// Materializer writes the files of one version into dst, an empty directory.
// The returned checksum identifies the materialized content.
type Materializer interface {
	Materialize(ctx context.Context, version string, dst billy.Filesystem) (string, error)
	Describe() string
}

// GitMaterializer exports the tree of a revision from a local repository,
// equivalent to `git archive <rev> | tar -x`. Untracked files never leak in.
type GitMaterializer struct {
	RepoPath string
}

func (g *GitMaterializer) Describe() string { return "git:" + g.RepoPath }

// Materialize checks out version from the repository into dst and returns
// the resolved commit hash.
func (g *GitMaterializer) Materialize(ctx context.Context, version string, dst billy.Filesystem) (string, error) {
	rev := version
	if rev == "" {
		rev = "HEAD"
	}
	repo, err := git.PlainOpen(g.RepoPath)
	if err != nil {
		return "", fmt.Errorf("open repository %s: %w", g.RepoPath, err)
	}
	hash, err := repo.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", rev, err)
	}
	commit, err := repo.CommitObject(*hash)
	if err != nil {
		return "", fmt.Errorf("load commit %s: %w", hash, err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return "", fmt.Errorf("load tree %s: %w", hash, err)
	}

	err = tree.Files().ForEach(func(f *object.File) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if dir := path.Dir(f.Name); dir != "." {
			if err := dst.MkdirAll(dir, 0o755); err != nil {
				return err
			}
		}
		if f.Mode == filemode.Symlink {
			target, err := f.Contents()
			if err != nil {
				return err
			}
			return dst.Symlink(target, f.Name)
		}
		mode, err := f.Mode.ToOSFileMode()
		if err != nil {
			mode = 0o644
		}
		r, err := f.Reader()
		if err != nil {
			return err
		}
		defer r.Close()
		return writeFile(dst, f.Name, r, mode.Perm())
	})
	if err != nil {
		return "", fmt.Errorf("export %s: %w", hash, err)
	}
	return hash.String(), nil
}

// DirMaterializer copies a source tree, skipping VCS metadata.
type DirMaterializer struct {
	Source billy.Filesystem
	// Skip lists top-level names left out of the copy.
	Skip []string
}

func (d *DirMaterializer) Describe() string { return "dir:" + d.Source.Root() }

// Materialize copies Source into dst. The version is ignored.
func (d *DirMaterializer) Materialize(ctx context.Context, _ string, dst billy.Filesystem) (string, error) {
	skip := map[string]bool{".git": true}
	for _, name := range d.Skip {
		skip[name] = true
	}

	var files []string
	err := util.Walk(d.Source, "/", func(p string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel := relPath(p)
		if rel == "" {
			return nil
		}
		if top := topLevel(rel); skip[top] {
			if fi.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		switch {
		case fi.IsDir():
			return dst.MkdirAll(rel, fi.Mode().Perm()|0o700)
		case fi.Mode()&os.ModeSymlink != 0:
			target, err := d.Source.Readlink(rel)
			if err != nil {
				return err
			}
			return dst.Symlink(target, rel)
		default:
			files = append(files, rel)
			return copyFile(d.Source, dst, rel, fi.Mode().Perm())
		}
	})
	if err != nil {
		return "", fmt.Errorf("copy %s: %w", d.Source.Root(), err)
	}
	return TreeChecksum(dst, files)
}

// TreeChecksum hashes the named files of fs in sorted order.
func TreeChecksum(fs billy.Filesystem, files []string) (string, error) {
	sorted := append([]string(nil), files...)
	sort.Strings(sorted)
	h := sha256.New()
	for _, name := range sorted {
		f, err := fs.Open(name)
		if err != nil {
			return "", err
		}
		_, _ = io.WriteString(h, name)
		_, _ = h.Write([]byte{0})
		_, err = io.Copy(h, f)
		f.Close()
		if err != nil {
			return "", err
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func copyFile(src, dst billy.Filesystem, name string, perm os.FileMode) error {
	in, err := src.Open(name)
	if err != nil {
		return err
	}
	defer in.Close()
	return writeFile(dst, name, in, perm)
}

func writeFile(fs billy.Filesystem, name string, r io.Reader, perm os.FileMode) error {
	out, err := fs.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func relPath(p string) string {
	p = filepath.ToSlash(p)
	for len(p) > 0 && p[0] == '/' {
		p = p[1:]
	}
	if p == "." {
		return ""
	}
	return p
}

func topLevel(rel string) string {
	for i := 0; i < len(rel); i++ {
		if rel[i] == '/' {
			return rel[:i]
		}
	}
	return rel
}
