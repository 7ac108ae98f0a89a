package store

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-git/go-billy/v5"
	"github.com/klauspost/compress/gzip"
)

// Fetcher returns the bytes of one artifact object.
type Fetcher interface {
	Fetch(ctx context.Context, key string) ([]byte, error)
}

// S3Materializer unpacks build artifacts published as
//
//	s3://<bucket>/<prefix>/<version>.tar.gz
type S3Materializer struct {
	bucket  string
	prefix  string
	fetcher Fetcher
}

// NewS3Materializer loads AWS configuration from the environment (AWS_REGION,
// AWS_PROFILE, static keys) and downloads through the transfer manager.
func NewS3Materializer(ctx context.Context, bucket, prefix string) (*S3Materializer, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket required")
	}
	cfg, err := awsConfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return NewS3MaterializerWithFetcher(bucket, prefix, &s3Fetcher{
		bucket:     bucket,
		downloader: manager.NewDownloader(client),
	}), nil
}

// NewS3MaterializerWithFetcher builds a materializer over any Fetcher.
func NewS3MaterializerWithFetcher(bucket, prefix string, f Fetcher) *S3Materializer {
	return &S3Materializer{bucket: bucket, prefix: strings.Trim(prefix, "/"), fetcher: f}
}

func (m *S3Materializer) Describe() string {
	return fmt.Sprintf("s3://%s/%s", m.bucket, m.prefix)
}

// Key is the object key of version. Versions are single path segments, so a
// version can never address objects outside the prefix.
func (m *S3Materializer) Key(version string) (string, error) {
	if version == "" || version == "." || strings.Contains(version, "/") || strings.Contains(version, "..") {
		return "", fmt.Errorf("invalid artifact version %q", version)
	}
	name := version + ".tar.gz"
	if m.prefix == "" {
		return name, nil
	}
	return path.Join(m.prefix, name), nil
}

// Materialize downloads the tarball for version and unpacks it into dst.
// The checksum is the sha256 of the downloaded bytes.
func (m *S3Materializer) Materialize(ctx context.Context, version string, dst billy.Filesystem) (string, error) {
	if version == "" {
		return "", fmt.Errorf("s3 source needs an explicit version")
	}
	key, err := m.Key(version)
	if err != nil {
		return "", err
	}
	data, err := m.fetcher.Fetch(ctx, key)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", key, err)
	}
	if err := ExtractTarGz(ctx, bytes.NewReader(data), dst); err != nil {
		return "", fmt.Errorf("extract %s: %w", key, err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// ExtractTarGz unpacks a gzip-compressed tarball into dst. Entries escaping
// the destination are rejected, as are symlinks resolving outside it and
// entries written through an already extracted symlink.
func ExtractTarGz(ctx context.Context, r io.Reader, dst billy.Filesystem) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		name := path.Clean(strings.TrimPrefix(hdr.Name, "./"))
		if name == "." {
			continue
		}
		if escapes(name) {
			return fmt.Errorf("entry %q escapes release directory", hdr.Name)
		}
		if through, err := throughSymlink(dst, name); err != nil {
			return err
		} else if through {
			return fmt.Errorf("entry %q is written through a symlink", hdr.Name)
		}
		mode := os.FileMode(hdr.Mode).Perm()
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := dst.MkdirAll(name, mode|0o700); err != nil {
				return err
			}
		case tar.TypeReg:
			if dir := path.Dir(name); dir != "." {
				if err := dst.MkdirAll(dir, 0o755); err != nil {
					return err
				}
			}
			if err := writeFile(dst, name, tr, mode); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if path.IsAbs(hdr.Linkname) || escapes(path.Join(path.Dir(name), hdr.Linkname)) {
				return fmt.Errorf("entry %q links outside release directory", hdr.Name)
			}
			if err := dst.Symlink(hdr.Linkname, name); err != nil {
				return err
			}
		default:
			// devices, fifos and hard links have no place in a release
		}
	}
}

func escapes(name string) bool {
	name = path.Clean(name)
	return path.IsAbs(name) || name == ".." || strings.HasPrefix(name, "../")
}

// throughSymlink reports whether name or one of its parents already exists in
// dst as a symlink.
func throughSymlink(dst billy.Filesystem, name string) (bool, error) {
	parts := strings.Split(name, "/")
	for i := range parts {
		fi, err := dst.Lstat(strings.Join(parts[:i+1], "/"))
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if fi.Mode()&os.ModeSymlink != 0 {
			return true, nil
		}
	}
	return false, nil
}

type s3Fetcher struct {
	bucket     string
	downloader *manager.Downloader
}

func (f *s3Fetcher) Fetch(ctx context.Context, key string) ([]byte, error) {
	buf := manager.NewWriteAtBuffer(nil)
	_, err := f.downloader.Download(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(f.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
