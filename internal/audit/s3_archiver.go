package audit

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/ILLUVRSE/release-orchestrator/internal/canonical"
	"github.com/ILLUVRSE/release-orchestrator/internal/models"
)

// Uploader is satisfied by *manager.Uploader.
type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Archiver keeps a long-term copy of every attempt at
//
//	s3://<bucket>/<prefix>/attempts/YYYY/MM/DD/<attemptID>.json
type S3Archiver struct {
	bucket   string
	prefix   string
	uploader Uploader
}

// NewS3Archiver picks up region and credentials from the environment.
func NewS3Archiver(ctx context.Context, bucket, prefix string) (*S3Archiver, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket required")
	}
	cfg, err := awsConfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewS3ArchiverWithUploader(bucket, prefix, manager.NewUploader(s3.NewFromConfig(cfg))), nil
}

func NewS3ArchiverWithUploader(bucket, prefix string, u Uploader) *S3Archiver {
	return &S3Archiver{bucket: bucket, prefix: prefix, uploader: u}
}

// Key is the object key for a.
func (s *S3Archiver) Key(a *models.DeploymentAttempt) string {
	ts := a.StartedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	year, month, day := ts.UTC().Date()
	return path.Join(s.prefix, "attempts",
		fmt.Sprintf("%04d", year),
		fmt.Sprintf("%02d", int(month)),
		fmt.Sprintf("%02d", day),
		fmt.Sprintf("%s.json", a.ID),
	)
}

func (s *S3Archiver) Record(ctx context.Context, a *models.DeploymentAttempt) error {
	if a == nil {
		return fmt.Errorf("nil attempt")
	}
	body, err := canonical.Marshal(a)
	if err != nil {
		return fmt.Errorf("canonicalize attempt: %w", err)
	}
	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(s.Key(a)),
		Body:                 bytes.NewReader(body),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return fmt.Errorf("s3 upload failed: %w", err)
	}
	return nil
}
