package upload

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig describes the S3-compatible bucket holding fragments.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
}

// MinioBackend stores fragments as objects: <prefix><token>/<index>.
// PutObject publishes an object atomically, which gives the same
// no-partial-read guarantee as the rename on the filesystem backend.
type MinioBackend struct {
	client *minio.Client
	bucket string
	prefix string
}

func normaliseEndpoint(raw string) (endpoint string, secure bool, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false, fmt.Errorf("empty endpoint")
	}

	// Accept either "minio:9000" or "http://minio:9000" / "https://minio:9000".
	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return "", false, err
		}
		if u.Host == "" {
			return "", false, fmt.Errorf("invalid endpoint")
		}
		if u.Path != "" && u.Path != "/" {
			return "", false, fmt.Errorf("endpoint must not contain a path")
		}
		secure = (u.Scheme == "https")
		return u.Host, secure, nil
	}

	// No scheme provided, treat as host:port (insecure by default for local MinIO).
	return raw, false, nil
}

// NewMinioBackend connects to the endpoint and checks the bucket exists.
func NewMinioBackend(ctx context.Context, cfg MinioConfig) (*MinioBackend, error) {
	if cfg.Endpoint == "" || cfg.AccessKey == "" || cfg.SecretKey == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("minio configuration incomplete")
	}

	endpoint, secure, err := normaliseEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, err
	}

	// Sanity check: bucket must exist.
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("minio bucket does not exist: %s", cfg.Bucket)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "sessions/"
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	return &MinioBackend{client: client, bucket: cfg.Bucket, prefix: prefix}, nil
}

// Bucket returns the bucket name.
func (b *MinioBackend) Bucket() string {
	return b.bucket
}

// Ping checks that the bucket is still reachable.
func (b *MinioBackend) Ping(ctx context.Context) error {
	ok, err := b.client.BucketExists(ctx, b.bucket)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("bucket does not exist: %s", b.bucket)
	}
	return nil
}

func (b *MinioBackend) sessionPrefix(token string) string {
	return b.prefix + token + "/"
}

func (b *MinioBackend) objectKey(token string, index int) string {
	return b.sessionPrefix(token) + strconv.Itoa(index)
}

// WriteFragment uploads the fragment with an unknown length; minio-go
// buffers into multipart parts as needed.
func (b *MinioBackend) WriteFragment(ctx context.Context, token string, index int, r io.Reader) (int64, error) {
	info, err := b.client.PutObject(ctx, b.bucket, b.objectKey(token, index), r, -1,
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return 0, fmt.Errorf("put fragment %d: %w", index, err)
	}
	return info.Size, nil
}

// ListIndices lists the objects directly under the session prefix.
func (b *MinioBackend) ListIndices(ctx context.Context, token string) ([]int, error) {
	prefix := b.sessionPrefix(token)
	var indices []int
	for obj := range b.client.ListObjects(ctx, b.bucket, minio.ListObjectsOptions{Prefix: prefix}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list fragments: %w", obj.Err)
		}
		if n, ok := parseIndex(strings.TrimPrefix(obj.Key, prefix)); ok {
			indices = append(indices, n)
		}
	}
	return indices, nil
}

// OpenFragment stats the object first so a missing key surfaces here rather
// than on the first Read.
func (b *MinioBackend) OpenFragment(ctx context.Context, token string, index int) (io.ReadCloser, error) {
	obj, err := b.client.GetObject(ctx, b.bucket, b.objectKey(token, index), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get fragment %d: %w", index, err)
	}
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		if isNoSuchKey(err) {
			return nil, fmt.Errorf("fragment %d: %w", index, ErrFragmentNotFound)
		}
		return nil, fmt.Errorf("stat fragment %d: %w", index, err)
	}
	return obj, nil
}

func isNoSuchKey(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}

// SessionExists reports whether at least one object carries the prefix.
func (b *MinioBackend) SessionExists(ctx context.Context, token string) (bool, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for obj := range b.client.ListObjects(ctx, b.bucket, minio.ListObjectsOptions{
		Prefix:    b.sessionPrefix(token),
		Recursive: true,
		MaxKeys:   1,
	}) {
		if obj.Err != nil {
			return false, fmt.Errorf("stat session: %w", obj.Err)
		}
		return true, nil
	}
	return false, nil
}

// RemoveSession deletes every object under the session prefix.
func (b *MinioBackend) RemoveSession(ctx context.Context, token string) error {
	objects := b.client.ListObjects(ctx, b.bucket, minio.ListObjectsOptions{
		Prefix:    b.sessionPrefix(token),
		Recursive: true,
	})
	for rerr := range b.client.RemoveObjects(ctx, b.bucket, objects, minio.RemoveObjectsOptions{}) {
		if rerr.Err != nil && !isNoSuchKey(rerr.Err) {
			return fmt.Errorf("remove %s: %w", rerr.ObjectName, rerr.Err)
		}
	}
	return nil
}

// ListSessions groups objects by session and keeps the newest LastModified.
func (b *MinioBackend) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	latest := make(map[string]SessionInfo)
	var order []string

	for obj := range b.client.ListObjects(ctx, b.bucket, minio.ListObjectsOptions{
		Prefix:    b.prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list sessions: %w", obj.Err)
		}
		rel := strings.TrimPrefix(obj.Key, b.prefix)
		token, _, ok := strings.Cut(rel, "/")
		if !ok || token == "" || path.Clean(token) != token {
			continue
		}
		cur, seen := latest[token]
		if !seen {
			order = append(order, token)
		}
		if !seen || obj.LastModified.After(cur.ModTime) {
			latest[token] = SessionInfo{Token: token, ModTime: obj.LastModified}
		}
	}

	sessions := make([]SessionInfo, 0, len(order))
	for _, token := range order {
		sessions = append(sessions, latest[token])
	}
	return sessions, nil
}
