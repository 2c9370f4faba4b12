package xfer

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"pkt.systems/pslog"

	"pkt.systems/xfer/internal/storage"
	awsstore "pkt.systems/xfer/internal/storage/aws"
	azurestore "pkt.systems/xfer/internal/storage/azure"
	"pkt.systems/xfer/internal/storage/logging"
	"pkt.systems/xfer/internal/storage/s3"
	"pkt.systems/xfer/internal/svcfields"
)

// Endpoint schemes understood by ParseEndpoint.
const (
	SchemeAWS    = "aws"
	SchemeS3     = "s3"
	SchemeAzure  = "azure"
	SchemeMemory = "mem"
)

// Endpoint is a parsed object URL:
//
//	aws://bucket/key?region=eu-north-1&endpoint=host:port&insecure=1&path-style=1
//	s3://host[:port]/bucket/key?insecure=1&path-style=1&region=
//	azure://account/container/blob?endpoint=https://...&mode=append|stream&sas=...
//	mem://container/key
//
// The key may be empty; transfers then reuse the source key.
type Endpoint struct {
	Scheme  string
	Locator ObjectLocator
	// Host is the S3 host[:port] or the Azure account.
	Host      string
	Region    string
	Endpoint  string
	Insecure  bool
	PathStyle bool
	Mode      string
	SASToken  string
}

// CredentialSummary describes which credentials were selected for a provider.
type CredentialSummary struct {
	AccessKey string
	HasSecret bool
	Source    string
}

// ParseEndpoint parses raw into an Endpoint.
func ParseEndpoint(raw string) (Endpoint, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Endpoint{}, invalidf("endpoint required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, invalidf("parse endpoint %q: %v", raw, err)
	}
	query := u.Query()
	ep := Endpoint{
		Scheme:   strings.ToLower(u.Scheme),
		Region:   strings.TrimSpace(query.Get("region")),
		Endpoint: strings.TrimSpace(query.Get("endpoint")),
		Mode:     strings.TrimSpace(query.Get("mode")),
		SASToken: strings.TrimSpace(query.Get("sas")),
	}
	if ep.Insecure, err = boolParam(query, "insecure"); err != nil {
		return Endpoint{}, err
	}
	if ep.PathStyle, err = boolParam(query, "path-style"); err != nil {
		return Endpoint{}, err
	}
	path := strings.TrimPrefix(u.Path, "/")
	switch ep.Scheme {
	case SchemeAWS, SchemeMemory:
		ep.Locator = ObjectLocator{Container: strings.TrimSpace(u.Host), Key: path}
		if ep.Locator.Container == "" {
			return Endpoint{}, invalidf("%s endpoint missing bucket (expected %s://bucket/key)", ep.Scheme, ep.Scheme)
		}
	case SchemeS3, SchemeAzure:
		ep.Host = strings.TrimSpace(u.Host)
		if ep.Scheme == SchemeS3 && ep.Host == "" {
			return Endpoint{}, invalidf("s3 endpoint missing host (expected s3://host[:port]/bucket/key)")
		}
		parts := strings.SplitN(path, "/", 2)
		ep.Locator.Container = strings.TrimSpace(parts[0])
		if len(parts) == 2 {
			ep.Locator.Key = parts[1]
		}
		if ep.Locator.Container == "" {
			if ep.Scheme == SchemeS3 {
				return Endpoint{}, invalidf("s3 endpoint missing bucket (expected s3://host[:port]/bucket/key)")
			}
			return Endpoint{}, invalidf("azure endpoint missing container (expected azure://account/container/blob)")
		}
	default:
		return Endpoint{}, invalidf("endpoint scheme %q not supported", u.Scheme)
	}
	if ep.Mode != "" {
		if ep.Scheme != SchemeAzure {
			return Endpoint{}, invalidf("mode is only supported on azure endpoints")
		}
		if _, err := storage.ParseWriteMode(ep.Mode); err != nil {
			return Endpoint{}, invalidf("%v", err)
		}
	}
	return ep, nil
}

func boolParam(query url.Values, name string) (bool, error) {
	v := strings.TrimSpace(query.Get(name))
	if v == "" {
		return false, nil
	}
	ok, err := strconv.ParseBool(v)
	if err != nil {
		return false, invalidf("endpoint parameter %s=%q is not a boolean", name, v)
	}
	return ok, nil
}

// providerKey identifies endpoints that can share one provider.
func (e Endpoint) providerKey() string {
	switch e.Scheme {
	case SchemeMemory:
		return SchemeMemory
	case SchemeAzure:
		return strings.Join([]string{e.Scheme, e.Host, e.Endpoint, e.Mode, e.SASToken}, "|")
	default:
		return strings.Join([]string{e.Scheme, e.Host, e.Region, e.Endpoint,
			strconv.FormatBool(e.Insecure), strconv.FormatBool(e.PathStyle)}, "|")
	}
}

// OpenProvider builds the storage adapter addressed by ep. Memory endpoints
// cannot be opened here; register them on a Providers set instead.
func OpenProvider(cfg Config, ep Endpoint) (storage.Provider, CredentialSummary, error) {
	switch ep.Scheme {
	case SchemeAWS:
		awscfg, summary, err := BuildAWSConfig(cfg, ep)
		if err != nil {
			return nil, summary, err
		}
		store, err := awsstore.New(awscfg)
		if err != nil {
			return nil, summary, &Error{Kind: KindInvalidRequest, Op: "open_provider", Err: err}
		}
		return store, summary, nil
	case SchemeS3:
		s3cfg, summary, err := BuildGenericS3Config(cfg, ep)
		if err != nil {
			return nil, summary, err
		}
		store, err := s3.New(s3cfg)
		if err != nil {
			return nil, summary, &Error{Kind: KindInvalidRequest, Op: "open_provider", Err: err}
		}
		return store, summary, nil
	case SchemeAzure:
		azcfg, summary, err := BuildAzureConfig(cfg, ep)
		if err != nil {
			return nil, summary, err
		}
		store, err := azurestore.New(azcfg)
		if err != nil {
			return nil, summary, &Error{Kind: KindAuthConfiguration, Op: "open_provider", Err: err}
		}
		return store, summary, nil
	case SchemeMemory:
		return nil, CredentialSummary{}, invalidf("mem endpoints must be registered, not opened")
	default:
		return nil, CredentialSummary{}, invalidf("endpoint scheme %q not supported", ep.Scheme)
	}
}

// BuildAWSConfig derives the aws adapter configuration for an aws:// endpoint.
func BuildAWSConfig(cfg Config, ep Endpoint) (awsstore.Config, CredentialSummary, error) {
	if ep.Scheme != SchemeAWS {
		return awsstore.Config{}, CredentialSummary{}, invalidf("endpoint scheme %q is not aws", ep.Scheme)
	}
	region := ep.Region
	if region == "" {
		region = strings.TrimSpace(cfg.AWSRegion)
	}
	if region == "" {
		region = DefaultAWSRegion
	}
	summary := CredentialSummary{Source: "aws-default-chain"}
	if cfg.AWSAccessKeyID != "" || cfg.AWSSecretAccessKey != "" {
		summary = CredentialSummary{AccessKey: cfg.AWSAccessKeyID, HasSecret: cfg.AWSSecretAccessKey != "", Source: "config"}
		if cfg.AWSAccessKeyID == "" || cfg.AWSSecretAccessKey == "" {
			return awsstore.Config{}, summary, &Error{Kind: KindAuthConfiguration, Op: "open_provider", Err: errors.New("aws credentials incomplete (need access key and secret key)")}
		}
	}
	return awsstore.Config{
		Region:          region,
		Endpoint:        ep.Endpoint,
		Insecure:        ep.Insecure,
		ForcePathStyle:  ep.PathStyle,
		AccessKeyID:     cfg.AWSAccessKeyID,
		SecretAccessKey: cfg.AWSSecretAccessKey,
		SessionToken:    cfg.AWSSessionToken,
	}, summary, nil
}

// BuildGenericS3Config derives the minio adapter configuration for an s3://
// endpoint targeting any S3-compatible service.
func BuildGenericS3Config(cfg Config, ep Endpoint) (s3.Config, CredentialSummary, error) {
	if ep.Scheme != SchemeS3 {
		return s3.Config{}, CredentialSummary{}, invalidf("endpoint scheme %q is not s3", ep.Scheme)
	}
	summary := CredentialSummary{Source: "env-chain"}
	if cfg.S3AccessKeyID != "" || cfg.S3SecretAccessKey != "" {
		summary = CredentialSummary{AccessKey: cfg.S3AccessKeyID, HasSecret: cfg.S3SecretAccessKey != "", Source: "config"}
		if cfg.S3AccessKeyID == "" || cfg.S3SecretAccessKey == "" {
			return s3.Config{}, summary, &Error{Kind: KindAuthConfiguration, Op: "open_provider", Err: errors.New("s3 credentials incomplete (need access key and secret key)")}
		}
	}
	partSize := cfg.S3PartSize
	if partSize == 0 {
		partSize = DefaultS3PartSize
	}
	return s3.Config{
		Endpoint:        ep.Host,
		Region:          ep.Region,
		Insecure:        ep.Insecure,
		ForcePathStyle:  ep.PathStyle,
		AccessKeyID:     cfg.S3AccessKeyID,
		SecretAccessKey: cfg.S3SecretAccessKey,
		SessionToken:    cfg.S3SessionToken,
		PartSize:        partSize,
	}, summary, nil
}

// BuildAzureConfig derives the azure adapter configuration. A connection
// string overrides the account key, which overrides a SAS token.
func BuildAzureConfig(cfg Config, ep Endpoint) (azurestore.Config, CredentialSummary, error) {
	if ep.Scheme != SchemeAzure {
		return azurestore.Config{}, CredentialSummary{}, invalidf("endpoint scheme %q is not azure", ep.Scheme)
	}
	account := ep.Host
	if account == "" {
		account = strings.TrimSpace(cfg.AzureAccount)
	}
	endpoint := ep.Endpoint
	if endpoint == "" {
		endpoint = strings.TrimSpace(cfg.AzureEndpoint)
	}
	sas := ep.SASToken
	if sas == "" {
		sas = strings.TrimSpace(cfg.AzureSASToken)
	}
	modeName := ep.Mode
	if modeName == "" {
		modeName = cfg.AzureWriteMode
	}
	if modeName == "" {
		modeName = DefaultAzureWriteMode
	}
	mode, err := storage.ParseWriteMode(modeName)
	if err != nil {
		return azurestore.Config{}, CredentialSummary{}, invalidf("%v", err)
	}
	summary := CredentialSummary{AccessKey: account}
	switch {
	case strings.TrimSpace(cfg.AzureConnectionString) != "":
		summary.Source = "connection-string"
		summary.HasSecret = true
	case cfg.AzureAccountKey != "":
		summary.Source = "account-key"
		summary.HasSecret = true
	case sas != "":
		summary.Source = "sas-token"
		summary.HasSecret = true
	default:
		return azurestore.Config{}, summary, &Error{Kind: KindAuthConfiguration, Op: "open_provider", Err: errors.New("azure credentials missing (need connection string, account key or SAS token)")}
	}
	if account == "" && summary.Source != "connection-string" {
		return azurestore.Config{}, summary, &Error{Kind: KindAuthConfiguration, Op: "open_provider", Err: errors.New("azure account name required (azure://account/container/blob)")}
	}
	return azurestore.Config{
		Account:          account,
		AccountKey:       cfg.AzureAccountKey,
		ConnectionString: cfg.AzureConnectionString,
		Endpoint:         endpoint,
		SASToken:         sas,
		Mode:             mode,
		BlockSize:        cfg.AzureBlockSize,
		Insecure:         ep.Insecure,
	}, summary, nil
}

// Providers opens providers on demand and shares them between transfers
// addressing the same endpoint. It is safe for concurrent use.
type Providers struct {
	cfg    Config
	logger pslog.Logger

	mu   sync.Mutex
	open map[string]storage.Provider
}

// NewProviders returns an empty provider set.
func NewProviders(cfg Config, logger pslog.Logger) *Providers {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Providers{cfg: cfg, logger: logger, open: make(map[string]storage.Provider)}
}

// RegisterMemory makes mem:// endpoints resolve to p.
func (p *Providers) RegisterMemory(provider storage.Provider) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.open[SchemeMemory] = logging.Wrap(provider, p.logger, svcfields.Subsystem("storage", SchemeMemory))
}

// For returns the provider for ep, opening it on first use.
func (p *Providers) For(ep Endpoint) (storage.Provider, error) {
	key := ep.providerKey()
	p.mu.Lock()
	defer p.mu.Unlock()
	if provider, ok := p.open[key]; ok {
		return provider, nil
	}
	provider, summary, err := OpenProvider(p.cfg, ep)
	if err != nil {
		return nil, err
	}
	p.logger.Debug("storage.provider.opened",
		"backend", provider.Name(),
		"host", ep.Host,
		"credentials", summary.Source,
		"access_key", summary.AccessKey,
	)
	wrapped := logging.Wrap(provider, p.logger, svcfields.Subsystem("storage", provider.Name()))
	p.open[key] = wrapped
	return wrapped, nil
}

// Close closes every opened provider.
func (p *Providers) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	for key, provider := range p.open {
		if err := provider.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", key, err))
		}
		delete(p.open, key)
	}
	return errors.Join(errs...)
}
