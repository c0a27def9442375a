package blob

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig locates an S3-compatible bucket.
type MinioConfig struct {
	Endpoint  string // "minio:9000" or "https://s3.example.com"
	AccessKey string
	SecretKey string
	Bucket    string
}

// Minio keeps blobs as objects in one bucket; the key is the object name.
type Minio struct {
	client *minio.Client
	bucket string
}

var _ Backend = (*Minio)(nil)

// dialTarget splits Endpoint into the host minio.New expects and whether
// TLS is used. A bare "host:port" means plain HTTP.
func (c MinioConfig) dialTarget() (host string, secure bool, err error) {
	raw := strings.TrimSpace(c.Endpoint)
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", false, fmt.Errorf("blob: minio endpoint %q: %w", c.Endpoint, err)
	}
	switch {
	case u.Scheme != "http" && u.Scheme != "https":
		return "", false, fmt.Errorf("blob: minio endpoint %q: scheme must be http or https", c.Endpoint)
	case u.Host == "":
		return "", false, fmt.Errorf("blob: minio endpoint %q has no host", c.Endpoint)
	case strings.Trim(u.Path, "/") != "" || u.RawQuery != "":
		return "", false, fmt.Errorf("blob: minio endpoint %q must be scheme://host[:port] only", c.Endpoint)
	}
	return u.Host, u.Scheme == "https", nil
}

// NewMinio connects to the bucket and verifies that it exists.
func NewMinio(ctx context.Context, cfg MinioConfig) (*Minio, error) {
	if cfg.Endpoint == "" || cfg.AccessKey == "" || cfg.SecretKey == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("blob: minio configuration incomplete")
	}

	host, secure, err := cfg.dialTarget()
	if err != nil {
		return nil, err
	}

	client, err := minio.New(host, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, fmt.Errorf("blob: minio client: %w", err)
	}

	m := &Minio{client: client, bucket: cfg.Bucket}
	if err := m.Ping(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Minio) Kind() string { return "minio" }

func (m *Minio) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	if err := ValidateKey(key); err != nil {
		return 0, err
	}
	info, err := m.client.PutObject(ctx, m.bucket, key, r, -1, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return 0, fmt.Errorf("blob: put %s: %w", key, err)
	}
	return info.Size, nil
}

func (m *Minio) Open(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	size, err := m.Stat(ctx, key)
	if err != nil {
		return nil, 0, err
	}
	obj, err := m.client.GetObject(ctx, m.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, 0, m.wrap(key, err)
	}
	return obj, size, nil
}

func (m *Minio) Stat(ctx context.Context, key string) (int64, error) {
	if err := ValidateKey(key); err != nil {
		return 0, err
	}
	info, err := m.client.StatObject(ctx, m.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return 0, m.wrap(key, err)
	}
	return info.Size, nil
}

// Remove is idempotent: S3 reports success for missing objects.
func (m *Minio) Remove(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := m.client.RemoveObject(ctx, m.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		if isNoSuchKey(err) {
			return nil
		}
		return fmt.Errorf("blob: remove %s: %w", key, err)
	}
	return nil
}

func (m *Minio) RemoveAll(ctx context.Context, prefix string) error {
	if err := ValidateKey(prefix); err != nil {
		return err
	}

	objects := m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{
		Prefix:    prefix + "/",
		Recursive: true,
	})

	for rerr := range m.client.RemoveObjects(ctx, m.bucket, objects, minio.RemoveObjectsOptions{}) {
		if rerr.Err != nil && !isNoSuchKey(rerr.Err) {
			return fmt.Errorf("blob: remove %s: %w", rerr.ObjectName, rerr.Err)
		}
	}
	return nil
}

// Ping checks that the bucket exists and is reachable.
func (m *Minio) Ping(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("blob: minio unreachable: %w", err)
	}
	if !exists {
		return fmt.Errorf("blob: minio bucket does not exist: %s", m.bucket)
	}
	return nil
}

func isNoSuchKey(err error) bool {
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}

func (m *Minio) wrap(key string, err error) error {
	if isNoSuchKey(err) {
		return fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return fmt.Errorf("blob: %s: %w", key, err)
}
