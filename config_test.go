package xfer

import (
	"errors"
	"testing"
	"time"
)

func TestConfigValidateDefaults(t *testing.T) {
	var cfg Config
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.ChunkSize != DefaultChunkSize {
		t.Fatalf("expected chunk size default %d, got %d", DefaultChunkSize, cfg.ChunkSize)
	}
	if cfg.URLExpiry != time.Hour {
		t.Fatalf("expected url expiry default 1h, got %s", cfg.URLExpiry)
	}
	if cfg.MaxNameAttempts != DefaultMaxNameAttempts {
		t.Fatalf("expected max name attempts default, got %d", cfg.MaxNameAttempts)
	}
	if cfg.Concurrency != DefaultConcurrency {
		t.Fatalf("expected concurrency default, got %d", cfg.Concurrency)
	}
	if cfg.AWSRegion != DefaultAWSRegion || cfg.AzureWriteMode != "append" {
		t.Fatalf("unexpected provider defaults: %+v", cfg)
	}
	if cfg.S3PartSize != DefaultS3PartSize || cfg.AzureBlockSize != DefaultAzureBlockSize {
		t.Fatal("expected size defaults")
	}
}

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestConfigValidateRejects(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		want error
	}{
		{name: "chunk too large", cfg: Config{ChunkSize: MaxChunkSize + 1}, want: ErrInvalidRequest},
		{name: "negative chunk", cfg: Config{ChunkSize: -5}, want: ErrInvalidRequest},
		{name: "short expiry", cfg: Config{URLExpiry: time.Millisecond}, want: ErrInvalidRequest},
		{name: "negative concurrency", cfg: Config{Concurrency: -1}, want: ErrInvalidRequest},
		{name: "negative timeout", cfg: Config{Timeout: -time.Second}, want: ErrInvalidRequest},
		{name: "aws key without secret", cfg: Config{AWSAccessKeyID: "AKIA"}, want: ErrAuthConfiguration},
		{name: "s3 secret without key", cfg: Config{S3SecretAccessKey: "secret"}, want: ErrAuthConfiguration},
		{name: "tiny part size", cfg: Config{S3PartSize: 1 << 20}, want: ErrInvalidRequest},
		{name: "unknown azure mode", cfg: Config{AzureWriteMode: "parallel"}, want: ErrInvalidRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if !errors.Is(err, tc.want) {
				t.Fatalf("Validate()=%v want %v", err, tc.want)
			}
		})
	}
}

func TestParseSize(t *testing.T) {
	cases := map[string]uint64{
		"1024":  1024,
		"1KiB":  1024,
		"4 MiB": 4 << 20,
		"1kb":   1000,
	}
	for in, want := range cases {
		got, err := ParseSize(in)
		if err != nil {
			t.Fatalf("ParseSize(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseSize(%q)=%d want %d", in, got, want)
		}
	}
	if _, err := ParseSize("lots"); err == nil {
		t.Fatal("expected error for garbage size")
	}
}
