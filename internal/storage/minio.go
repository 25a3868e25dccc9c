// Package storage keeps archive files in an S3-compatible bucket.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ContentType is set on every archive object.
const ContentType = "application/vnd.apache.parquet"

type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseTLS    bool
	Bucket    string
}

// Client uploads archive files to one bucket.
type Client struct {
	mc     *minio.Client
	bucket string
}

func NewMinIO(opts Options) (*Client, error) {
	if opts.Bucket == "" {
		return nil, errors.New("storage: bucket name is empty")
	}
	mc, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: client for %s: %w", opts.Endpoint, err)
	}
	return &Client{mc: mc, bucket: opts.Bucket}, nil
}

// EnsureBucket creates the bucket unless it exists. Losing a creation race
// to another processor is not an error.
func (c *Client) EnsureBucket(ctx context.Context) error {
	exists, err := c.mc.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("storage: lookup bucket %s: %w", c.bucket, err)
	}
	if exists {
		return nil
	}
	err = c.mc.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{})
	switch minio.ToErrorResponse(err).Code {
	case "BucketAlreadyOwnedByYou", "BucketAlreadyExists":
		return nil
	}
	if err != nil {
		return fmt.Errorf("storage: create bucket %s: %w", c.bucket, err)
	}
	return nil
}

// UploadFile stores the local file at filePath under key.
func (c *Client) UploadFile(ctx context.Context, key, filePath string) error {
	_, err := c.mc.FPutObject(ctx, c.bucket, key, filePath, minio.PutObjectOptions{
		ContentType: ContentType,
	})
	if err != nil {
		return fmt.Errorf("storage: upload %s/%s: %w", c.bucket, key, err)
	}
	return nil
}

// PartKey names one archive part. Parts are laid out under prefix in
// Hive-style UTC date partitions so query engines can prune by day.
func PartKey(prefix string, t time.Time, id string) string {
	t = t.UTC()
	return path.Join(
		prefix,
		fmt.Sprintf("year=%04d", t.Year()),
		fmt.Sprintf("month=%02d", int(t.Month())),
		fmt.Sprintf("day=%02d", t.Day()),
		fmt.Sprintf("part-%s-%s.parquet", t.Format("20060102T150405Z"), id),
	)
}
