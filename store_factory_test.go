package xfer

import (
	"errors"
	"testing"

	"pkt.systems/xfer/internal/storage"
	awsstore "pkt.systems/xfer/internal/storage/aws"
	azurestore "pkt.systems/xfer/internal/storage/azure"
	"pkt.systems/xfer/internal/storage/azure/azuretest"
	"pkt.systems/xfer/internal/storage/logging"
	"pkt.systems/xfer/internal/storage/memory"
	"pkt.systems/xfer/internal/storage/s3"
)

func TestParseEndpoint(t *testing.T) {
	cases := []struct {
		raw  string
		want Endpoint
	}{
		{
			raw:  "aws://reports/2024/q1.pdf?region=eu-north-1",
			want: Endpoint{Scheme: "aws", Locator: ObjectLocator{Container: "reports", Key: "2024/q1.pdf"}, Region: "eu-north-1"},
		},
		{
			raw:  "aws://reports?endpoint=localhost:9000&insecure=1&path-style=true",
			want: Endpoint{Scheme: "aws", Locator: ObjectLocator{Container: "reports"}, Endpoint: "localhost:9000", Insecure: true, PathStyle: true},
		},
		{
			raw:  "s3://minio:9000/scans/in/scan.tiff?insecure=1",
			want: Endpoint{Scheme: "s3", Host: "minio:9000", Locator: ObjectLocator{Container: "scans", Key: "in/scan.tiff"}, Insecure: true},
		},
		{
			raw:  "azure://acct/archive",
			want: Endpoint{Scheme: "azure", Host: "acct", Locator: ObjectLocator{Container: "archive"}},
		},
		{
			raw:  "azure://acct/archive/2024/q1.pdf?mode=stream&endpoint=http://127.0.0.1:10000/acct",
			want: Endpoint{Scheme: "azure", Host: "acct", Locator: ObjectLocator{Container: "archive", Key: "2024/q1.pdf"}, Mode: "stream", Endpoint: "http://127.0.0.1:10000/acct"},
		},
		{
			raw:  "mem://box/a%20b.txt",
			want: Endpoint{Scheme: "mem", Locator: ObjectLocator{Container: "box", Key: "a b.txt"}},
		},
	}
	for _, tc := range cases {
		t.Run(tc.raw, func(t *testing.T) {
			got, err := ParseEndpoint(tc.raw)
			if err != nil {
				t.Fatalf("ParseEndpoint: %v", err)
			}
			if got != tc.want {
				t.Fatalf("ParseEndpoint()=%+v want %+v", got, tc.want)
			}
		})
	}
}

func TestParseEndpointErrors(t *testing.T) {
	for _, raw := range []string{
		"",
		"gcs://bucket/key",
		"aws:///key",
		"s3:///bucket/key",
		"s3://host:9000/",
		"azure://acct/",
		"aws://bucket/key?insecure=maybe",
		"aws://bucket/key?mode=append",
		"azure://acct/c/b?mode=parallel",
	} {
		if _, err := ParseEndpoint(raw); !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("ParseEndpoint(%q)=%v, want invalid request", raw, err)
		}
	}
}

func TestBuildAWSConfig(t *testing.T) {
	ep, _ := ParseEndpoint("aws://reports/q1.pdf?endpoint=localhost:9000&insecure=1&path-style=1")
	cfg := DefaultConfig()
	cfg.AWSRegion = "eu-west-1"
	cfg.AWSAccessKeyID = "AKIA"
	cfg.AWSSecretAccessKey = "secret"
	awscfg, summary, err := BuildAWSConfig(cfg, ep)
	if err != nil {
		t.Fatalf("BuildAWSConfig: %v", err)
	}
	want := awsstore.Config{Region: "eu-west-1", Endpoint: "localhost:9000", Insecure: true, ForcePathStyle: true, AccessKeyID: "AKIA", SecretAccessKey: "secret"}
	if awscfg != want {
		t.Fatalf("config=%+v want %+v", awscfg, want)
	}
	if summary.Source != "config" || !summary.HasSecret || summary.AccessKey != "AKIA" {
		t.Fatalf("unexpected summary %+v", summary)
	}

	ep.Region = "ap-south-1"
	if awscfg, _, _ = BuildAWSConfig(cfg, ep); awscfg.Region != "ap-south-1" {
		t.Fatalf("endpoint region should win, got %q", awscfg.Region)
	}
	cfg.AWSSecretAccessKey = ""
	if _, _, err := BuildAWSConfig(cfg, ep); !errors.Is(err, ErrAuthConfiguration) {
		t.Fatalf("expected auth configuration error, got %v", err)
	}
}

func TestBuildGenericS3Config(t *testing.T) {
	ep, _ := ParseEndpoint("s3://minio:9000/scans?insecure=1&path-style=1&region=us-east-1")
	cfg := DefaultConfig()
	cfg.S3AccessKeyID = "minio"
	cfg.S3SecretAccessKey = "minio123"
	s3cfg, summary, err := BuildGenericS3Config(cfg, ep)
	if err != nil {
		t.Fatalf("BuildGenericS3Config: %v", err)
	}
	if s3cfg.Endpoint != "minio:9000" || !s3cfg.Insecure || !s3cfg.ForcePathStyle || s3cfg.Region != "us-east-1" {
		t.Fatalf("unexpected config %+v", s3cfg)
	}
	if s3cfg.PartSize != DefaultS3PartSize {
		t.Fatalf("part size=%d", s3cfg.PartSize)
	}
	if summary.AccessKey != "minio" || summary.Source != "config" {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if _, summary, _ = BuildGenericS3Config(DefaultConfig(), ep); summary.Source != "env-chain" {
		t.Fatalf("expected env chain without static keys, got %+v", summary)
	}
}

func TestBuildAzureConfigCredentialPrecedence(t *testing.T) {
	ep, _ := ParseEndpoint("azure://acct/archive?sas=sv%3D2024%26sig%3Dabc")
	cfg := DefaultConfig()

	azcfg, summary, err := BuildAzureConfig(cfg, ep)
	if err != nil {
		t.Fatalf("sas only: %v", err)
	}
	if summary.Source != "sas-token" || azcfg.SASToken != "sv=2024&sig=abc" {
		t.Fatalf("unexpected sas config %+v / %+v", azcfg, summary)
	}
	if azcfg.Mode != storage.WriteModeAppend {
		t.Fatalf("azure should default to append mode, got %v", azcfg.Mode)
	}

	cfg.AzureAccountKey = "a2V5"
	if _, summary, _ = BuildAzureConfig(cfg, ep); summary.Source != "account-key" {
		t.Fatalf("account key should beat sas, got %q", summary.Source)
	}
	cfg.AzureConnectionString = "DefaultEndpointsProtocol=https;AccountName=acct;AccountKey=a2V5;EndpointSuffix=core.windows.net"
	if _, summary, _ = BuildAzureConfig(cfg, ep); summary.Source != "connection-string" {
		t.Fatalf("connection string should win, got %q", summary.Source)
	}

	bare, _ := ParseEndpoint("azure://acct/archive")
	if _, _, err := BuildAzureConfig(DefaultConfig(), bare); !errors.Is(err, ErrAuthConfiguration) {
		t.Fatalf("expected auth configuration error, got %v", err)
	}
	streamEP, _ := ParseEndpoint("azure://acct/archive?mode=stream")
	cfg = DefaultConfig()
	cfg.AzureAccountKey = "a2V5"
	if azcfg, _, _ = BuildAzureConfig(cfg, streamEP); azcfg.Mode != storage.WriteModeStream {
		t.Fatalf("endpoint mode should win, got %v", azcfg.Mode)
	}
}

func TestOpenProvider(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AWSAccessKeyID = "AKIA"
	cfg.AWSSecretAccessKey = "secret"
	cfg.S3AccessKeyID = "minio"
	cfg.S3SecretAccessKey = "minio123"
	cfg.AzureAccountKey = azuretest.AccountKey

	cases := []struct {
		raw   string
		check func(storage.Provider) bool
	}{
		{raw: "aws://bucket/key?region=eu-north-1", check: func(p storage.Provider) bool { _, ok := p.(*awsstore.Store); return ok }},
		{raw: "s3://localhost:9000/bucket/key?insecure=1", check: func(p storage.Provider) bool { _, ok := p.(*s3.Store); return ok }},
		{raw: "azure://acct/container/blob", check: func(p storage.Provider) bool { _, ok := p.(*azurestore.Store); return ok }},
	}
	for _, tc := range cases {
		ep, err := ParseEndpoint(tc.raw)
		if err != nil {
			t.Fatalf("parse %q: %v", tc.raw, err)
		}
		provider, _, err := OpenProvider(cfg, ep)
		if err != nil {
			t.Fatalf("open %q: %v", tc.raw, err)
		}
		if !tc.check(provider) {
			t.Fatalf("open %q returned %T", tc.raw, provider)
		}
		_ = provider.Close()
	}

	memEP, _ := ParseEndpoint("mem://box/key")
	if _, _, err := OpenProvider(cfg, memEP); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("mem endpoints must not open directly, got %v", err)
	}
}

func TestProvidersShareAndRegister(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AWSAccessKeyID = "AKIA"
	cfg.AWSSecretAccessKey = "secret"
	providers := NewProviders(cfg, nil)
	defer providers.Close()

	a, _ := ParseEndpoint("aws://one/a.txt?region=eu-north-1")
	b, _ := ParseEndpoint("aws://two/b.txt?region=eu-north-1")
	c, _ := ParseEndpoint("aws://two/b.txt?region=us-west-2")
	pa, err := providers.For(a)
	if err != nil {
		t.Fatalf("For(a): %v", err)
	}
	pb, _ := providers.For(b)
	pc, _ := providers.For(c)
	if logging.Unwrap(pa) != logging.Unwrap(pb) {
		t.Fatalf("same region endpoints should share a provider")
	}
	if logging.Unwrap(pa) == logging.Unwrap(pc) {
		t.Fatalf("different regions must not share a provider")
	}

	mem := memory.New(memory.Config{})
	providers.RegisterMemory(mem)
	memEP, _ := ParseEndpoint("mem://box/key")
	pm, err := providers.For(memEP)
	if err != nil {
		t.Fatalf("For(mem): %v", err)
	}
	if logging.Unwrap(pm) != storage.Provider(mem) {
		t.Fatalf("registered memory store not returned")
	}
}
