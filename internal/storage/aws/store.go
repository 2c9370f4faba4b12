package aws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithy "github.com/aws/smithy-go"

	"pkt.systems/xfer/internal/storage"
	"pkt.systems/xfer/internal/svcfields"
)

// Config controls the behaviour of the AWS S3 adapter.
type Config struct {
	Region string
	// Endpoint overrides the AWS endpoint, e.g. "localhost:9000" for an
	// S3-compatible test server.
	Endpoint       string
	Insecure       bool
	ForcePathStyle bool
	// Static credentials. When AccessKeyID is empty the default AWS
	// credential chain is used.
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// Store implements storage.Provider backed by AWS S3.
type Store struct {
	client  *s3.Client
	presign *s3.PresignClient
	cfg     Config
}

const awsOpTimeout = 5 * time.Minute

// New constructs a Store using the provided configuration.
func New(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Region) == "" {
		return nil, fmt.Errorf("aws: region is required")
	}
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	if (cfg.AccessKeyID == "") != (cfg.SecretAccessKey == "") {
		return nil, fmt.Errorf("aws: access key id and secret access key must be set together")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		// LoadDefaultConfig injects AWS_CA_BUNDLE only into a BuildableClient.
		awsconfig.WithHTTPClient(awshttp.NewBuildableClient().WithTransportOptions(func(tr *http.Transport) {
			storage.ConfigureTransport(tr, cfg.Insecure)
		})),
	}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("aws: load config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint := cfg.endpointURL(); endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
	})
	return &Store{client: client, presign: s3.NewPresignClient(client), cfg: cfg}, nil
}

func (c Config) endpointURL() string {
	if c.Endpoint == "" {
		return ""
	}
	if strings.Contains(c.Endpoint, "://") {
		return c.Endpoint
	}
	scheme := "https"
	if c.Insecure {
		scheme = "http"
	}
	return scheme + "://" + c.Endpoint
}

// Name identifies the backend in logs.
func (s *Store) Name() string { return "aws" }

// Namespace reports the bucket namespace the store addresses.
func (s *Store) Namespace() string { return storage.S3Namespace(s.cfg.Endpoint) }

// Close satisfies storage.Provider and is a no-op for the AWS client.
func (s *Store) Close() error { return nil }

// Client exposes the underlying AWS client for diagnostics.
func (s *Store) Client() *s3.Client {
	return s.client
}

// Config returns a copy of the configuration used to build the store.
func (s *Store) Config() Config {
	return s.cfg
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if deadline, ok := ctx.Deadline(); ok {
		if time.Until(deadline) <= awsOpTimeout {
			return ctx, func() {}
		}
	}
	return context.WithTimeout(ctx, awsOpTimeout)
}

// PresignRead returns a presigned GET URL valid for ttl.
func (s *Store) PresignRead(ctx context.Context, loc storage.Locator, ttl time.Duration) (string, error) {
	logger := svcfields.FromContext(ctx, nil)
	if err := loc.Validate(); err != nil {
		return "", err
	}
	if ttl <= 0 {
		return "", fmt.Errorf("aws: presign expiry must be positive")
	}
	logger.Trace("aws.presign.begin", "bucket", loc.Container, "key", loc.Key, "ttl", ttl)
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(loc.Container),
		Key:    aws.String(loc.Key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		logger.Debug("aws.presign.error", "bucket", loc.Container, "key", loc.Key, "error", err)
		return "", classify(err, "aws: presign get object")
	}
	return req.URL, nil
}

// ObjectURL returns the unsigned URL of loc.
func (s *Store) ObjectURL(loc storage.Locator) string {
	u := url.URL{Scheme: "https"}
	switch endpoint := s.cfg.endpointURL(); {
	case endpoint != "":
		parsed, err := url.Parse(endpoint)
		if err == nil {
			u.Scheme = parsed.Scheme
			u.Host = parsed.Host
		}
		if s.cfg.ForcePathStyle {
			u.Path = "/" + loc.Container + "/" + strings.TrimPrefix(loc.Key, "/")
		} else {
			u.Host = loc.Container + "." + u.Host
			u.Path = "/" + strings.TrimPrefix(loc.Key, "/")
		}
	case s.cfg.ForcePathStyle:
		u.Host = fmt.Sprintf("s3.%s.amazonaws.com", s.cfg.Region)
		u.Path = "/" + loc.Container + "/" + strings.TrimPrefix(loc.Key, "/")
	default:
		u.Host = fmt.Sprintf("%s.s3.%s.amazonaws.com", loc.Container, s.cfg.Region)
		u.Path = "/" + strings.TrimPrefix(loc.Key, "/")
	}
	return u.String()
}

// Exists reports whether loc is present.
func (s *Store) Exists(ctx context.Context, loc storage.Locator) (bool, error) {
	logger := svcfields.FromContext(ctx, nil)
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(loc.Container),
		Key:    aws.String(loc.Key),
	})
	if err != nil {
		if isNotFound(err) {
			logger.Trace("aws.head_object.not_found", "bucket", loc.Container, "key", loc.Key)
			return false, nil
		}
		logger.Debug("aws.head_object.error", "bucket", loc.Container, "key", loc.Key, "error", err)
		return false, classify(err, "aws: head object")
	}
	return true, nil
}

// Delete removes loc. S3 deletes are idempotent; a missing key is not an
// error unless the bucket itself is missing.
func (s *Store) Delete(ctx context.Context, loc storage.Locator) error {
	logger := svcfields.FromContext(ctx, nil)
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	logger.Trace("aws.delete_object.begin", "bucket", loc.Container, "key", loc.Key)
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(loc.Container),
		Key:    aws.String(loc.Key),
	})
	if err != nil {
		if isNotFound(err) {
			return storage.ErrNotFound
		}
		logger.Debug("aws.delete_object.error", "bucket", loc.Container, "key", loc.Key, "error", err)
		return classify(err, "aws: delete object")
	}
	return nil
}

// WriteMode reports stream mode; S3 has no ordered block append.
func (s *Store) WriteMode() storage.WriteMode { return storage.WriteModeStream }

// CreateAppendable is not supported by S3.
func (s *Store) CreateAppendable(context.Context, storage.Locator, storage.UploadOptions) (storage.AppendHandle, error) {
	return nil, storage.ErrNotImplemented
}

// UploadStream stores body at loc with a single PutObject. The payload
// length must be known, either from opts.ContentLength or by seeking body.
// The payload is sent unsigned so body is read exactly once.
func (s *Store) UploadStream(ctx context.Context, loc storage.Locator, body io.Reader, opts storage.UploadOptions) (*storage.ObjectInfo, error) {
	logger := svcfields.FromContext(ctx, nil)
	if err := loc.Validate(); err != nil {
		return nil, err
	}
	length := opts.ContentLength
	if length < 0 {
		length = seekLength(body)
	}
	if length < 0 {
		return nil, fmt.Errorf("aws: put object %s: content length required", loc)
	}
	contentType := opts.ContentType
	if contentType == "" {
		contentType = storage.ContentTypeOctetStream
	}
	acl := types.ObjectCannedACLPrivate
	if opts.Public {
		acl = types.ObjectCannedACLPublicRead
	}
	logger.Trace("aws.put_object.begin", "bucket", loc.Container, "key", loc.Key, "size", length, "content_type", contentType, "acl", string(acl))
	out, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(loc.Container),
		Key:           aws.String(loc.Key),
		Body:          body,
		ContentLength: aws.Int64(length),
		ContentType:   aws.String(contentType),
		ACL:           acl,
	}, s3.WithAPIOptions(v4.SwapComputePayloadSHA256ForUnsignedPayloadMiddleware))
	if err != nil {
		logger.Debug("aws.put_object.error", "bucket", loc.Container, "key", loc.Key, "error", err)
		return nil, classify(err, "aws: put object")
	}
	info := &storage.ObjectInfo{
		Locator:      loc,
		ETag:         stripETag(aws.ToString(out.ETag)),
		Size:         length,
		LastModified: time.Now().UTC(),
		ContentType:  contentType,
	}
	logger.Debug("aws.put_object.success", "bucket", loc.Container, "key", loc.Key, "etag", info.ETag, "size", info.Size)
	return info, nil
}

func seekLength(body io.Reader) int64 {
	seeker, ok := body.(io.Seeker)
	if !ok {
		return -1
	}
	current, err := seeker.Seek(0, io.SeekCurrent)
	if err != nil {
		return -1
	}
	end, err := seeker.Seek(0, io.SeekEnd)
	if err != nil {
		return -1
	}
	if _, err := seeker.Seek(current, io.SeekStart); err != nil {
		return -1
	}
	return end - current
}

func stripETag(etag string) string {
	return strings.Trim(etag, "\"")
}

// classify wraps err with msg and marks authentication failures with
// storage.ErrAccessDenied.
func classify(err error, msg string) error {
	if err == nil {
		return nil
	}
	if isAccessDenied(err) {
		return fmt.Errorf("%s: %w: %w", msg, storage.ErrAccessDenied, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func httpStatusCode(err error) (int, bool) {
	if err == nil {
		return 0, false
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode(), true
	}
	var statusErr interface{ HTTPStatusCode() int }
	if errors.As(err, &statusErr) {
		return statusErr.HTTPStatusCode(), true
	}
	return 0, false
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return true
		}
	}
	if status, ok := httpStatusCode(err); ok {
		return status == http.StatusNotFound
	}
	return false
}

func isAccessDenied(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken", "InvalidToken":
			return true
		}
	}
	if status, ok := httpStatusCode(err); ok {
		return status == http.StatusUnauthorized || status == http.StatusForbidden
	}
	return false
}
