package backup

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
)

// S3Uploader copies backup archives to an S3-compatible bucket.
type S3Uploader struct {
	client *s3.S3
	bucket string
	prefix string
	log    *slog.Logger
}

// NewS3Uploader creates an uploader for the given bucket. Credentials come
// from the standard AWS credential chain; endpoint supports S3-compatible
// services.
func NewS3Uploader(bucket, prefix, region, endpoint string, log *slog.Logger) (*S3Uploader, error) {
	cfg := aws.Config{
		Region: aws.String(region),
	}
	if endpoint != "" {
		cfg.Endpoint = aws.String(endpoint)
		cfg.S3ForcePathStyle = aws.Bool(true)
	}

	sess, err := session.NewSession(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return &S3Uploader{
		client: s3.New(sess),
		bucket: bucket,
		prefix: prefix,
		log:    log,
	}, nil
}

// Upload stores the archive under <prefix>/<basename>.
func (u *S3Uploader) Upload(ctx context.Context, archivePath string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	key := path.Join(u.prefix, filepath.Base(archivePath))
	_, err = u.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s to s3://%s/%s: %w", archivePath, u.bucket, key, err)
	}

	u.log.Info("Archive copied off-host", "bucket", u.bucket, "key", key)
	return nil
}
