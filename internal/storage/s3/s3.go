// Package s3 provides an S3/MinIO storage backend.
package s3

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/kevinMEH/web-vault/internal/logging"
	"github.com/kevinMEH/web-vault/internal/metrics"
	"github.com/kevinMEH/web-vault/internal/storage"
)

// BackendConfig is a JSON-serializable config for S3 backends.
type BackendConfig struct {
	Endpoint  string `json:"endpoint"`
	Bucket    string `json:"bucket"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	Region    string `json:"region"`
	UseSSL    bool   `json:"use_ssl"`
}

// S3Backend implements storage.Backend on a single bucket. An area maps to
// a key prefix.
type S3Backend struct {
	client *s3.Client
	bucket string
}

// NewBackend creates a new S3 backend from a BackendConfig.
func NewBackend(ctx context.Context, cfg BackendConfig) (*S3Backend, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = true
	})

	backend := &S3Backend{
		client: client,
		bucket: cfg.Bucket,
	}

	// Verify bucket exists
	if err := backend.ensureBucket(ctx); err != nil {
		logging.Error("bucket check failed", zap.Error(err))
	}

	return backend, nil
}

// NewBackendFromJSON creates an S3Backend from raw JSON config.
func NewBackendFromJSON(ctx context.Context, raw json.RawMessage) (*S3Backend, error) {
	var cfg BackendConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse s3 config: %w", err)
	}
	return NewBackend(ctx, cfg)
}

func (b *S3Backend) ensureBucket(ctx context.Context) error {
	start := time.Now()
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.bucket),
	})
	if err != nil {
		_, createErr := b.client.CreateBucket(ctx, &s3.CreateBucketInput{
			Bucket: aws.String(b.bucket),
		})
		if createErr != nil {
			metrics.RecordStorageOperation("s3", "create_bucket", time.Since(start), false)
			return fmt.Errorf("bucket %s does not exist and cannot create: %w", b.bucket, createErr)
		}
		metrics.RecordStorageOperation("s3", "create_bucket", time.Since(start), true)
		logging.Info("created S3 bucket", zap.String("bucket", b.bucket))
	}
	return nil
}

func key(area, name string) string {
	return area + "/" + name
}

func copySource(bucket, k string) string {
	parts := strings.Split(bucket+"/"+k, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

// classify maps HTTP status codes onto the storage sentinel errors.
func classify(err error) error {
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		switch re.HTTPStatusCode() {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %v", storage.ErrNotExist, err)
		case http.StatusPreconditionFailed, http.StatusConflict:
			return fmt.Errorf("%w: %v", storage.ErrExist, err)
		}
	}
	return err
}

func (b *S3Backend) record(op string, start time.Time, err error) {
	metrics.RecordStorageOperation("s3", op, time.Since(start), err == nil)
}

// Reserve writes an empty object guarded by If-None-Match, so only the
// first writer of a key succeeds.
func (b *S3Backend) Reserve(ctx context.Context, area, name string) error {
	start := time.Now()
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key(area, name)),
		Body:          strings.NewReader(""),
		ContentLength: aws.Int64(0),
		IfNoneMatch:   aws.String("*"),
	})
	b.record("reserve", start, err)
	if err != nil {
		return fmt.Errorf("reserve %s: %w", key(area, name), classify(err))
	}
	return nil
}

// Put uploads content to S3. The body is spooled to a temp file first so
// the SDK gets a seekable body of known length.
func (b *S3Backend) Put(ctx context.Context, area, name string, body io.Reader) (int64, error) {
	spool, err := os.CreateTemp("", "webvault-s3-*.tmp")
	if err != nil {
		return 0, fmt.Errorf("create spool for %s: %w", name, err)
	}
	defer func() {
		spool.Close()
		os.Remove(spool.Name())
	}()

	size, err := io.Copy(spool, body)
	if err != nil {
		return size, fmt.Errorf("spool %s: %w", name, err)
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return size, fmt.Errorf("rewind spool for %s: %w", name, err)
	}

	start := time.Now()
	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key(area, name)),
		Body:          spool,
		ContentLength: aws.Int64(size),
	})
	b.record("put_object", start, err)
	if err != nil {
		return size, fmt.Errorf("put object %s: %w", key(area, name), err)
	}

	logging.Debug("S3 put object", zap.String("key", key(area, name)), zap.Int64("size", size))
	return size, nil
}

// Get retrieves an object from S3.
func (b *S3Backend) Get(ctx context.Context, area, name string) (io.ReadCloser, int64, error) {
	start := time.Now()
	result, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key(area, name)),
	})
	b.record("get_object", start, err)
	if err != nil {
		return nil, 0, fmt.Errorf("get object %s: %w", key(area, name), classify(err))
	}

	size := int64(0)
	if result.ContentLength != nil {
		size = *result.ContentLength
	}
	return result.Body, size, nil
}

// Stat issues a HEAD request.
func (b *S3Backend) Stat(ctx context.Context, area, name string) (storage.ObjectInfo, error) {
	start := time.Now()
	result, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key(area, name)),
	})
	b.record("head_object", start, err)
	if err != nil {
		return storage.ObjectInfo{}, fmt.Errorf("head object %s: %w", key(area, name), classify(err))
	}

	info := storage.ObjectInfo{}
	if result.ContentLength != nil {
		info.Size = *result.ContentLength
	}
	if result.LastModified != nil {
		info.ModTime = *result.LastModified
	}
	return info, nil
}

// Move is a server-side copy followed by a delete of the source.
func (b *S3Backend) Move(ctx context.Context, srcArea, srcName, dstArea, dstName string) error {
	if err := b.Copy(ctx, srcArea, srcName, dstArea, dstName); err != nil {
		return err
	}
	return b.Delete(ctx, srcArea, srcName)
}

// Copy copies an S3 object server-side.
func (b *S3Backend) Copy(ctx context.Context, srcArea, srcName, dstArea, dstName string) error {
	start := time.Now()
	src, dst := key(srcArea, srcName), key(dstArea, dstName)
	_, err := b.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(b.bucket),
		Key:        aws.String(dst),
		CopySource: aws.String(copySource(b.bucket, src)),
	})
	b.record("copy_object", start, err)
	if err != nil {
		return fmt.Errorf("copy %s -> %s: %w", src, dst, classify(err))
	}

	logging.Debug("S3 copy object", zap.String("src", src), zap.String("dst", dst))
	return nil
}

// Delete removes an object from S3. S3 reports success for missing keys.
func (b *S3Backend) Delete(ctx context.Context, area, name string) error {
	start := time.Now()
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key(area, name)),
	})
	b.record("delete_object", start, err)
	if err != nil {
		return fmt.Errorf("delete %s: %w", key(area, name), err)
	}

	logging.Debug("S3 delete object", zap.String("key", key(area, name)))
	return nil
}

// List pages through the keys directly under an area prefix.
func (b *S3Backend) List(ctx context.Context, area string) ([]string, error) {
	prefix := area + "/"
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(b.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})

	var names []string
	for paginator.HasMorePages() {
		start := time.Now()
		page, err := paginator.NextPage(ctx)
		b.record("list_objects", start, err)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", area, err)
		}
		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}
			names = append(names, strings.TrimPrefix(*obj.Key, prefix))
		}
	}
	return names, nil
}

// Type returns "s3".
func (b *S3Backend) Type() string { return "s3" }

// Close is a no-op for S3 backends.
func (b *S3Backend) Close() error { return nil }
