package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"pkt.systems/xfer/internal/storage"
	"pkt.systems/xfer/internal/svcfields"
)

// Config controls the behaviour of the S3-compatible adapter.
type Config struct {
	// Endpoint is host[:port] without scheme. Empty selects AWS.
	Endpoint        string
	Region          string
	Insecure        bool
	ForcePathStyle  bool
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	// PartSize bounds the buffer minio uses for uploads of unknown length.
	PartSize    uint64
	CustomCreds *credentials.Credentials
	Transport   http.RoundTripper
}

// Store implements storage.Provider backed by S3-compatible object storage.
type Store struct {
	client *minio.Client
	cfg    Config
}

const minPartSize = 5 << 20

// New constructs a Store using the provided configuration.
func New(cfg Config) (*Store, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		if cfg.Region != "" {
			endpoint = fmt.Sprintf("s3.%s.amazonaws.com", cfg.Region)
		} else {
			endpoint = "s3.amazonaws.com"
		}
	}
	cfg.Endpoint = endpoint
	if cfg.Transport == nil {
		cfg.Transport = storage.DefaultTransport(cfg.Insecure)
	}
	if cfg.PartSize == 0 {
		cfg.PartSize = minPartSize
	}
	if cfg.PartSize < minPartSize {
		return nil, fmt.Errorf("s3: part size must be at least %d bytes", minPartSize)
	}
	var creds *credentials.Credentials
	switch {
	case cfg.CustomCreds != nil:
		creds = cfg.CustomCreds
	case cfg.AccessKeyID != "" || cfg.SecretAccessKey != "":
		if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
			return nil, fmt.Errorf("s3: access key id and secret access key must be set together")
		}
		creds = credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)
	default:
		chain := []credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		}
		creds = credentials.NewChainCredentials(chain)
	}
	options := &minio.Options{
		Creds:     creds,
		Secure:    !cfg.Insecure,
		Region:    cfg.Region,
		Transport: cfg.Transport,
	}
	if cfg.ForcePathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}
	return &Store{client: client, cfg: cfg}, nil
}

// Name identifies the backend in logs.
func (s *Store) Name() string { return "s3" }

// Namespace reports the bucket namespace the store addresses.
func (s *Store) Namespace() string { return storage.S3Namespace(s.cfg.Endpoint) }

// Close satisfies storage.Provider and is a no-op for the minio client.
func (s *Store) Close() error { return nil }

// Client exposes the underlying minio client.
func (s *Store) Client() *minio.Client {
	return s.client
}

// PresignRead returns a presigned GET URL valid for ttl.
func (s *Store) PresignRead(ctx context.Context, loc storage.Locator, ttl time.Duration) (string, error) {
	logger := svcfields.FromContext(ctx, nil)
	if err := loc.Validate(); err != nil {
		return "", err
	}
	logger.Trace("s3.presign.begin", "bucket", loc.Container, "key", loc.Key, "ttl", ttl)
	u, err := s.client.PresignedGetObject(ctx, loc.Container, loc.Key, ttl, url.Values{})
	if err != nil {
		logger.Debug("s3.presign.error", "bucket", loc.Container, "key", loc.Key, "error", err)
		return "", classify(err, "s3: presign get object")
	}
	return u.String(), nil
}

// ObjectURL returns the unsigned URL of loc.
func (s *Store) ObjectURL(loc storage.Locator) string {
	base := s.client.EndpointURL()
	u := url.URL{Scheme: base.Scheme, Host: base.Host}
	key := strings.TrimPrefix(loc.Key, "/")
	if s.cfg.ForcePathStyle {
		u.Path = "/" + loc.Container + "/" + key
	} else {
		u.Host = loc.Container + "." + base.Host
		u.Path = "/" + key
	}
	return u.String()
}

// Exists reports whether loc is present.
func (s *Store) Exists(ctx context.Context, loc storage.Locator) (bool, error) {
	logger := svcfields.FromContext(ctx, nil)
	_, err := s.client.StatObject(ctx, loc.Container, loc.Key, minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			logger.Trace("s3.stat_object.not_found", "bucket", loc.Container, "key", loc.Key)
			return false, nil
		}
		logger.Debug("s3.stat_object.error", "bucket", loc.Container, "key", loc.Key, "error", err)
		return false, classify(err, "s3: stat object")
	}
	return true, nil
}

// Delete removes loc. Removing a missing key succeeds.
func (s *Store) Delete(ctx context.Context, loc storage.Locator) error {
	logger := svcfields.FromContext(ctx, nil)
	logger.Trace("s3.remove_object.begin", "bucket", loc.Container, "key", loc.Key)
	if err := s.client.RemoveObject(ctx, loc.Container, loc.Key, minio.RemoveObjectOptions{}); err != nil {
		if isNotFound(err) {
			return storage.ErrNotFound
		}
		logger.Debug("s3.remove_object.error", "bucket", loc.Container, "key", loc.Key, "error", err)
		return classify(err, "s3: remove object")
	}
	return nil
}

// WriteMode reports stream mode; S3 has no ordered block append.
func (s *Store) WriteMode() storage.WriteMode { return storage.WriteModeStream }

// CreateAppendable is not supported by S3.
func (s *Store) CreateAppendable(context.Context, storage.Locator, storage.UploadOptions) (storage.AppendHandle, error) {
	return nil, storage.ErrNotImplemented
}

// UploadStream stores body at loc. A negative opts.ContentLength lets minio
// stream the body in sequential parts of cfg.PartSize.
func (s *Store) UploadStream(ctx context.Context, loc storage.Locator, body io.Reader, opts storage.UploadOptions) (*storage.ObjectInfo, error) {
	logger := svcfields.FromContext(ctx, nil)
	if err := loc.Validate(); err != nil {
		return nil, err
	}
	// Plain HTTP would otherwise get aws-chunked streaming signatures, which
	// several S3-compatible servers store undecoded.
	putOpts := minio.PutObjectOptions{
		ContentType:          opts.ContentType,
		PartSize:             s.cfg.PartSize,
		UserMetadata:         map[string]string{},
		DisableContentSha256: true,
	}
	if putOpts.ContentType == "" {
		putOpts.ContentType = storage.ContentTypeOctetStream
	}
	if opts.Public {
		putOpts.UserMetadata["x-amz-acl"] = "public-read"
	} else {
		putOpts.UserMetadata["x-amz-acl"] = "private"
	}
	length := opts.ContentLength
	if length < 0 {
		length = -1
	}
	logger.Trace("s3.put_object.begin", "bucket", loc.Container, "key", loc.Key, "size", length, "content_type", putOpts.ContentType, "public", opts.Public)
	info, err := s.client.PutObject(ctx, loc.Container, loc.Key, body, length, putOpts)
	if err != nil {
		logger.Debug("s3.put_object.error", "bucket", loc.Container, "key", loc.Key, "error", err)
		return nil, classify(err, "s3: put object")
	}
	meta := &storage.ObjectInfo{
		Locator:      loc,
		ETag:         stripETag(info.ETag),
		Size:         info.Size,
		LastModified: time.Now().UTC(),
		ContentType:  putOpts.ContentType,
	}
	logger.Debug("s3.put_object.success", "bucket", loc.Container, "key", loc.Key, "etag", meta.ETag, "size", meta.Size)
	return meta, nil
}

func stripETag(etag string) string {
	return strings.Trim(etag, "\"")
}

func classify(err error, msg string) error {
	if err == nil {
		return nil
	}
	if isAccessDenied(err) {
		return fmt.Errorf("%s: %w: %w", msg, storage.ErrAccessDenied, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func isNotFound(err error) bool {
	errResp := minio.ErrorResponse{}
	if errors.As(err, &errResp) {
		switch errResp.Code {
		case "NoSuchKey", "NoSuchBucket", "NotFound":
			return true
		}
		return errResp.StatusCode == http.StatusNotFound
	}
	return false
}

func isAccessDenied(err error) bool {
	errResp := minio.ErrorResponse{}
	if errors.As(err, &errResp) {
		switch errResp.Code {
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken":
			return true
		}
		return errResp.StatusCode == http.StatusUnauthorized || errResp.StatusCode == http.StatusForbidden
	}
	return false
}
