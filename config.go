package xfer

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"pkt.systems/xfer/internal/naming"
	"pkt.systems/xfer/internal/storage"
	"pkt.systems/xfer/internal/stream"
)

const (
	// DefaultChunkSize is the number of bytes moved per read/write step.
	DefaultChunkSize = stream.DefaultChunkSize
	// MaxChunkSize caps ChunkSize. Azure append blocks larger than this are
	// rejected by the service.
	MaxChunkSize = 100 << 20
	// DefaultURLExpiry is the lifetime of presigned and SAS read URLs.
	DefaultURLExpiry = time.Hour
	// DefaultMaxNameAttempts bounds collision renames.
	DefaultMaxNameAttempts = naming.DefaultMaxAttempts
	// DefaultConcurrency is the number of batch transfers run at once.
	DefaultConcurrency = 4
	// DefaultAzureWriteMode is how Azure destinations are written unless the
	// endpoint or config says otherwise.
	DefaultAzureWriteMode = "append"
	// DefaultAzureBlockSize is the block size used for stream-mode Azure uploads.
	DefaultAzureBlockSize = 4 << 20
	// DefaultS3PartSize is the minio part size for uploads of unknown length.
	DefaultS3PartSize = 16 << 20
	// DefaultAWSRegion is used for aws:// endpoints without a region.
	DefaultAWSRegion = "us-east-1"
)

// Config carries the settings shared by every transfer in a process:
// transfer defaults and provider credentials. Values set on an endpoint URL
// or a TransferRequest take precedence.
type Config struct {
	ChunkSize       int
	URLExpiry       time.Duration
	MaxNameAttempts int
	Concurrency     int
	// Timeout bounds a single transfer when positive.
	Timeout time.Duration

	AWSRegion          string
	AWSAccessKeyID     string
	AWSSecretAccessKey string
	AWSSessionToken    string

	S3AccessKeyID     string
	S3SecretAccessKey string
	S3SessionToken    string
	S3PartSize        uint64

	AzureAccount          string
	AzureAccountKey       string
	AzureConnectionString string
	AzureSASToken         string
	AzureEndpoint         string
	AzureWriteMode        string
	AzureBlockSize        int64

	// OTLPEndpoint enables trace export (grpc://, grpcs://, http://, https://
	// or bare host[:port] for insecure gRPC).
	OTLPEndpoint string
	// MetricsListen serves Prometheus metrics when non-empty.
	MetricsListen string
}

// DefaultConfig returns a Config populated with the Default* values.
func DefaultConfig() Config {
	return Config{
		ChunkSize:       DefaultChunkSize,
		URLExpiry:       DefaultURLExpiry,
		MaxNameAttempts: DefaultMaxNameAttempts,
		Concurrency:     DefaultConcurrency,
		AWSRegion:       DefaultAWSRegion,
		S3PartSize:      DefaultS3PartSize,
		AzureWriteMode:  DefaultAzureWriteMode,
		AzureBlockSize:  DefaultAzureBlockSize,
	}
}

// Validate fills unset fields with defaults and rejects invalid values.
func (c *Config) Validate() error {
	if c.ChunkSize == 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.ChunkSize < 0 || c.ChunkSize > MaxChunkSize {
		return invalidf("config: chunk size %d outside 1..%s", c.ChunkSize, humanize.IBytes(MaxChunkSize))
	}
	if c.URLExpiry == 0 {
		c.URLExpiry = DefaultURLExpiry
	}
	if c.URLExpiry < time.Second {
		return invalidf("config: url expiry %s below 1s", c.URLExpiry)
	}
	if c.MaxNameAttempts == 0 {
		c.MaxNameAttempts = DefaultMaxNameAttempts
	}
	if c.Concurrency == 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.Concurrency < 0 {
		return invalidf("config: concurrency must be positive")
	}
	if c.Timeout < 0 {
		return invalidf("config: timeout must not be negative")
	}
	if strings.TrimSpace(c.AWSRegion) == "" {
		c.AWSRegion = DefaultAWSRegion
	}
	if (c.AWSAccessKeyID == "") != (c.AWSSecretAccessKey == "") {
		return &Error{Kind: KindAuthConfiguration, Op: "validate", Err: fmt.Errorf("config: aws access key id and secret access key must be set together")}
	}
	if (c.S3AccessKeyID == "") != (c.S3SecretAccessKey == "") {
		return &Error{Kind: KindAuthConfiguration, Op: "validate", Err: fmt.Errorf("config: s3 access key id and secret access key must be set together")}
	}
	if c.S3PartSize == 0 {
		c.S3PartSize = DefaultS3PartSize
	}
	if c.S3PartSize < 5<<20 {
		return invalidf("config: s3 part size %s below 5 MiB", humanize.IBytes(c.S3PartSize))
	}
	if strings.TrimSpace(c.AzureWriteMode) == "" {
		c.AzureWriteMode = DefaultAzureWriteMode
	}
	if _, err := storage.ParseWriteMode(c.AzureWriteMode); err != nil {
		return invalidf("config: %v", err)
	}
	if c.AzureBlockSize == 0 {
		c.AzureBlockSize = DefaultAzureBlockSize
	}
	if c.AzureBlockSize < 0 {
		return invalidf("config: azure block size must be positive")
	}
	return nil
}

// ParseSize parses human readable byte sizes such as "1KiB", "4 MB" or
// "1024".
func ParseSize(v string) (uint64, error) {
	n, err := humanize.ParseBytes(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("parse size %q: %w", v, err)
	}
	return n, nil
}
