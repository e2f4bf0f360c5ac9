package export

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const presignTTL = 15 * time.Minute

// Uploader stores exports in an S3-compatible bucket and hands back
// short-lived download links.
type Uploader struct {
	client *minio.Client
	bucket string
}

func NewUploader(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Uploader, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create object storage client: %w", err)
	}
	return &Uploader{client: client, bucket: bucket}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (u *Uploader) EnsureBucket(ctx context.Context) error {
	exists, err := u.client.BucketExists(ctx, u.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", u.bucket, err)
	}
	if exists {
		return nil
	}
	if err := u.client.MakeBucket(ctx, u.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", u.bucket, err)
	}
	return nil
}

// Upload stores the result under prefix and sets res.URL to a presigned GET.
func (u *Uploader) Upload(ctx context.Context, prefix string, res *Result) error {
	key := path.Join(prefix, time.Now().UTC().Format("20060102T150405Z")+"-"+res.Filename)
	_, err := u.client.PutObject(ctx, u.bucket, key, bytes.NewReader(res.Data), int64(len(res.Data)), minio.PutObjectOptions{
		ContentType: res.MimeType,
	})
	if err != nil {
		return fmt.Errorf("upload export: %w", err)
	}
	params := url.Values{}
	params.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", res.Filename))
	signed, err := u.client.PresignedGetObject(ctx, u.bucket, key, presignTTL, params)
	if err != nil {
		return fmt.Errorf("presign export: %w", err)
	}
	res.URL = signed.String()
	return nil
}
