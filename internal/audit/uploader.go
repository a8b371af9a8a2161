package audit

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Uploader mirrors archive files into an S3 bucket under a key prefix.
type S3Uploader struct {
	client *s3.Client
	bucket string
	prefix string
}

func (u *S3Uploader) objectKey(filePath string) string {
	name := filepath.Base(filePath)
	prefix := strings.Trim(u.prefix, "/")
	if prefix == "" {
		return name
	}
	return path.Join(prefix, name)
}

func contentTypeOf(filePath string) string {
	if parsed, ok := parseArchiveFileName(filepath.Base(filePath)); ok {
		return parsed.Format.ContentType(parsed.Compressed)
	}
	return "application/octet-stream"
}

func (u *S3Uploader) Upload(ctx context.Context, filePath string) error {
	f, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(u.objectKey(filePath)),
		Body:        f,
		ContentType: aws.String(contentTypeOf(filePath)),
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", u.bucket, u.objectKey(filePath), err)
	}
	return nil
}

func NewS3Uploader(ctx context.Context, region, bucket, prefix string) (*S3Uploader, error) {
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &S3Uploader{
		client: s3.NewFromConfig(awsCfg),
		bucket: bucket,
		prefix: prefix,
	}, nil
}
