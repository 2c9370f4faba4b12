package azure

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/appendblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"

	"pkt.systems/xfer/internal/clock"
	"pkt.systems/xfer/internal/storage"
	"pkt.systems/xfer/internal/svcfields"
)

// Config controls connectivity to Azure Blob Storage.
type Config struct {
	Account    string
	AccountKey string
	// ConnectionString takes precedence over Account/AccountKey when set.
	ConnectionString string
	Endpoint         string
	SASToken         string
	// Mode selects how uploads are written. The zero value writes block
	// blobs through UploadStream.
	Mode storage.WriteMode
	// BlockSize is the block size used by stream-mode uploads.
	BlockSize int64
	Insecure  bool
	Clock     clock.Clock
}

// Store implements storage.Provider backed by Azure Blob Storage.
type Store struct {
	client   *azblob.Client
	endpoint string
	mode     storage.WriteMode
	block    int64
	clock    clock.Clock
}

const defaultBlockSize = 4 << 20

// New constructs a Store. Credentials are taken from the connection string
// when present, then from the account key, then from the SAS token.
func New(cfg Config) (*Store, error) {
	clientOpts := defaultClientOptions(cfg.Insecure)
	var (
		client   *azblob.Client
		endpoint string
		err      error
	)
	switch {
	case strings.TrimSpace(cfg.ConnectionString) != "":
		client, err = azblob.NewClientFromConnectionString(cfg.ConnectionString, clientOpts)
		if err != nil {
			return nil, fmt.Errorf("azure: parse connection string: %w", err)
		}
		endpoint = strings.TrimSuffix(client.URL(), "/")
	default:
		if cfg.Account == "" {
			return nil, fmt.Errorf("azure: account is required")
		}
		endpoint = strings.TrimSuffix(cfg.Endpoint, "/")
		if endpoint == "" {
			endpoint = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.Account)
		}
		switch {
		case cfg.AccountKey != "":
			cred, credErr := azblob.NewSharedKeyCredential(cfg.Account, cfg.AccountKey)
			if credErr != nil {
				return nil, fmt.Errorf("azure: build credentials: %w", credErr)
			}
			client, err = azblob.NewClientWithSharedKeyCredential(endpoint, cred, clientOpts)
		case cfg.SASToken != "":
			endpointWithSAS, serr := appendSASToken(endpoint, cfg.SASToken)
			if serr != nil {
				return nil, serr
			}
			client, err = azblob.NewClientWithNoCredential(endpointWithSAS, clientOpts)
		default:
			return nil, fmt.Errorf("azure: connection string, account key or SAS token required")
		}
		if err != nil {
			return nil, fmt.Errorf("azure: create client: %w", err)
		}
	}
	block := cfg.BlockSize
	if block <= 0 {
		block = defaultBlockSize
	}
	return &Store{
		client:   client,
		endpoint: endpoint,
		mode:     cfg.Mode,
		block:    block,
		clock:    clock.OrReal(cfg.Clock),
	}, nil
}

func defaultClientOptions(insecure bool) *azblob.ClientOptions {
	return &azblob.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Transport: transportAdapter{rt: storage.DefaultTransport(insecure)},
		},
	}
}

type transportAdapter struct {
	rt http.RoundTripper
}

func (t transportAdapter) Do(req *http.Request) (*http.Response, error) {
	if t.rt == nil {
		return http.DefaultTransport.RoundTrip(req)
	}
	return t.rt.RoundTrip(req)
}

var _ policy.Transporter = transportAdapter{}

func appendSASToken(endpoint, token string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("azure: parse endpoint: %w", err)
	}
	token = strings.TrimPrefix(token, "?")
	if u.RawQuery != "" {
		u.RawQuery = u.RawQuery + "&" + token
	} else {
		u.RawQuery = token
	}
	return u.String(), nil
}

// Name identifies the backend in logs.
func (s *Store) Name() string { return "azure" }

// Namespace reports the account endpoint without credentials.
func (s *Store) Namespace() string {
	u, err := url.Parse(s.endpoint)
	if err != nil {
		return "azure:" + strings.ToLower(s.endpoint)
	}
	return "azure:" + strings.ToLower(u.Host) + strings.TrimSuffix(u.Path, "/")
}

// Close satisfies storage.Provider (no-op for Azure).
func (s *Store) Close() error { return nil }

// Client exposes the underlying azblob client.
func (s *Store) Client() *azblob.Client {
	return s.client
}

func (s *Store) blobClient(loc storage.Locator) *blob.Client {
	return s.client.ServiceClient().NewContainerClient(loc.Container).NewBlobClient(loc.Key)
}

// PresignRead returns a read-only SAS URL for loc valid for ttl. Stores
// without a shared key cannot sign; when their URL already carries a SAS
// token that URL is returned instead.
func (s *Store) PresignRead(ctx context.Context, loc storage.Locator, ttl time.Duration) (string, error) {
	logger := svcfields.FromContext(ctx, nil)
	if err := loc.Validate(); err != nil {
		return "", err
	}
	if ttl <= 0 {
		return "", fmt.Errorf("azure: SAS expiry must be positive")
	}
	bc := s.blobClient(loc)
	now := s.clock.Now()
	signed, err := bc.GetSASURL(sas.BlobPermissions{Read: true}, now.Add(ttl), &blob.GetSASURLOptions{StartTime: to.Ptr(now)})
	if err == nil {
		logger.Trace("azure.presign.signed", "container", loc.Container, "blob", loc.Key, "expires", now.Add(ttl))
		return signed, nil
	}
	if u := bc.URL(); strings.Contains(u, "sig=") {
		logger.Trace("azure.presign.configured_token", "container", loc.Container, "blob", loc.Key)
		return u, nil
	}
	logger.Debug("azure.presign.error", "container", loc.Container, "blob", loc.Key, "error", err)
	return "", fmt.Errorf("azure: generate SAS: %w", err)
}

// ObjectURL returns the unsigned URL of loc.
func (s *Store) ObjectURL(loc storage.Locator) string {
	u, err := url.Parse(s.endpoint)
	if err != nil {
		return s.endpoint + "/" + loc.Container + "/" + strings.TrimPrefix(loc.Key, "/")
	}
	u.RawQuery = ""
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + loc.Container + "/" + strings.TrimPrefix(loc.Key, "/")
	return u.String()
}

// Exists reports whether loc is present.
func (s *Store) Exists(ctx context.Context, loc storage.Locator) (bool, error) {
	logger := svcfields.FromContext(ctx, nil)
	_, err := s.blobClient(loc).GetProperties(ctx, nil)
	if err != nil {
		if isNotFound(err) {
			logger.Trace("azure.get_properties.not_found", "container", loc.Container, "blob", loc.Key)
			return false, nil
		}
		logger.Debug("azure.get_properties.error", "container", loc.Container, "blob", loc.Key, "error", err)
		return false, classify(err, "azure: get properties")
	}
	return true, nil
}

// Delete removes loc, returning storage.ErrNotFound when it is missing.
func (s *Store) Delete(ctx context.Context, loc storage.Locator) error {
	logger := svcfields.FromContext(ctx, nil)
	logger.Trace("azure.delete_blob.begin", "container", loc.Container, "blob", loc.Key)
	_, err := s.client.DeleteBlob(ctx, loc.Container, loc.Key, nil)
	if err != nil {
		if isNotFound(err) {
			return storage.ErrNotFound
		}
		logger.Debug("azure.delete_blob.error", "container", loc.Container, "blob", loc.Key, "error", err)
		return classify(err, "azure: delete blob")
	}
	return nil
}

// WriteMode reports the configured write mode.
func (s *Store) WriteMode() storage.WriteMode { return s.mode }

// UploadStream writes body as a block blob with a single upload worker.
func (s *Store) UploadStream(ctx context.Context, loc storage.Locator, body io.Reader, opts storage.UploadOptions) (*storage.ObjectInfo, error) {
	logger := svcfields.FromContext(ctx, nil)
	if err := loc.Validate(); err != nil {
		return nil, err
	}
	contentType := opts.ContentType
	if contentType == "" {
		contentType = storage.ContentTypeOctetStream
	}
	counter := &countingReader{r: body}
	logger.Trace("azure.upload_stream.begin", "container", loc.Container, "blob", loc.Key, "block_size", s.block)
	resp, err := s.client.UploadStream(ctx, loc.Container, loc.Key, counter, &azblob.UploadStreamOptions{
		BlockSize:   s.block,
		Concurrency: 1,
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: to.Ptr(contentType)},
	})
	if err != nil {
		logger.Debug("azure.upload_stream.error", "container", loc.Container, "blob", loc.Key, "error", err)
		return nil, classify(err, "azure: upload stream")
	}
	info := &storage.ObjectInfo{Locator: loc, Size: counter.n, ContentType: contentType, LastModified: s.clock.Now()}
	if resp.ETag != nil {
		info.ETag = string(*resp.ETag)
	}
	if resp.LastModified != nil {
		info.LastModified = resp.LastModified.UTC()
	}
	logger.Debug("azure.upload_stream.success", "container", loc.Container, "blob", loc.Key, "size", info.Size)
	return info, nil
}

// CreateAppendable creates an empty append blob at loc.
func (s *Store) CreateAppendable(ctx context.Context, loc storage.Locator, opts storage.UploadOptions) (storage.AppendHandle, error) {
	logger := svcfields.FromContext(ctx, nil)
	if err := loc.Validate(); err != nil {
		return nil, err
	}
	contentType := opts.ContentType
	if contentType == "" {
		contentType = storage.ContentTypeOctetStream
	}
	client := s.client.ServiceClient().NewContainerClient(loc.Container).NewAppendBlobClient(loc.Key)
	_, err := client.Create(ctx, &appendblob.CreateOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: to.Ptr(contentType)},
	})
	if err != nil {
		logger.Debug("azure.append_create.error", "container", loc.Container, "blob", loc.Key, "error", err)
		return nil, classify(err, "azure: create append blob")
	}
	logger.Trace("azure.append_create.success", "container", loc.Container, "blob", loc.Key)
	return &appendHandle{client: client, loc: loc}, nil
}

type appendHandle struct {
	client *appendblob.Client
	loc    storage.Locator
	blocks int
}

func (h *appendHandle) Locator() storage.Locator { return h.loc }

func (h *appendHandle) AppendBlock(ctx context.Context, block []byte) error {
	if len(block) == 0 {
		return nil
	}
	h.blocks++
	_, err := h.client.AppendBlock(ctx, streaming.NopCloser(bytes.NewReader(block)), nil)
	if err != nil {
		return classify(err, fmt.Sprintf("azure: append block %d", h.blocks))
	}
	return nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
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
	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound, bloberror.ResourceNotFound) {
		return true
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusNotFound
	}
	return false
}

func isAccessDenied(err error) bool {
	if bloberror.HasCode(err, bloberror.AuthenticationFailed, bloberror.AuthorizationFailure, bloberror.InsufficientAccountPermissions) {
		return true
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusUnauthorized || respErr.StatusCode == http.StatusForbidden
	}
	return false
}
