package xfer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"

	"pkt.systems/xfer/internal/storage"
	"pkt.systems/xfer/internal/storage/azure/azuretest"
)

func newFakeS3(t *testing.T, buckets ...string) string {
	t.Helper()
	backend := s3mem.New()
	srv := httptest.NewServer(gofakes3.New(backend).Server())
	t.Cleanup(srv.Close)
	for _, b := range buckets {
		if err := backend.CreateBucket(b); err != nil {
			t.Fatalf("create bucket %s: %v", b, err)
		}
	}
	return strings.TrimPrefix(srv.URL, "http://")
}

func readObject(t *testing.T, p storage.Provider, loc ObjectLocator) ([]byte, bool) {
	t.Helper()
	ctx := context.Background()
	ok, err := p.Exists(ctx, loc)
	if err != nil {
		t.Fatalf("exists %v: %v", loc, err)
	}
	if !ok {
		return nil, false
	}
	signed, err := p.PresignRead(ctx, loc, time.Minute)
	if err != nil {
		t.Fatalf("presign %v: %v", loc, err)
	}
	resp, err := http.Get(signed)
	if err != nil {
		t.Fatalf("get %v: %v", loc, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("read %v: status=%d err=%v", loc, resp.StatusCode, err)
	}
	return data, true
}

func crossConfig() Config {
	cfg := DefaultConfig()
	cfg.AWSAccessKeyID = "test"
	cfg.AWSSecretAccessKey = "test"
	cfg.S3AccessKeyID = "test"
	cfg.S3SecretAccessKey = "test"
	cfg.AzureAccountKey = azuretest.AccountKey
	return cfg
}

func openPair(t *testing.T, providers *Providers, srcRaw, dstRaw string) (*Transferer, Endpoint, Endpoint, storage.Provider, storage.Provider) {
	t.Helper()
	src, err := ParseEndpoint(srcRaw)
	if err != nil {
		t.Fatalf("parse source: %v", err)
	}
	dst, err := ParseEndpoint(dstRaw)
	if err != nil {
		t.Fatalf("parse destination: %v", err)
	}
	sp, err := providers.For(src)
	if err != nil {
		t.Fatalf("open source: %v", err)
	}
	dp, err := providers.For(dst)
	if err != nil {
		t.Fatalf("open destination: %v", err)
	}
	tr, err := NewTransferer(crossConfig(), sp, dp)
	if err != nil {
		t.Fatalf("transferer: %v", err)
	}
	return tr, src, dst, sp, dp
}

func TestTransferAWSToAzureAppend(t *testing.T) {
	s3Host := newFakeS3(t, "reports")
	payload := testPayload(5000)
	az := azuretest.NewServer()
	defer az.Close()
	az.Put("archive", "2024/q1.pdf", []byte("older"))

	providers := NewProviders(crossConfig(), nil)
	defer providers.Close()
	tr, src, dst, sp, _ := openPair(t, providers,
		"aws://reports/2024/q1.pdf?endpoint="+s3Host+"&insecure=1&path-style=1",
		"azure://"+azuretest.Account+"/archive?endpoint="+url.QueryEscape(az.Endpoint()),
	)
	if _, err := sp.UploadStream(context.Background(), src.Locator, bytes.NewReader(payload), storage.UploadOptions{ContentType: "application/pdf", ContentLength: int64(len(payload))}); err != nil {
		t.Fatalf("seed object: %v", err)
	}

	res, err := tr.Transfer(context.Background(), TransferRequest{
		Source:          src.Locator,
		Destination:     dst.Locator,
		ChunkSize:       2048,
		DeleteSource:    true,
		MaxNameAttempts: 5,
	})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if !res.Renamed || !strings.HasPrefix(res.Destination.Key, "2024/q1_") || !strings.HasSuffix(res.Destination.Key, ".pdf") {
		t.Fatalf("expected renamed destination, got %v", res.Destination)
	}
	if res.Mode != "append" || res.Bytes != 5000 || res.Chunks != 3 {
		t.Fatalf("unexpected result %+v", res)
	}
	blob, ok := az.Get("archive", res.Destination.Key)
	if !ok {
		t.Fatalf("destination blob missing; have %v", az.Names())
	}
	if blob.Type != "AppendBlob" || blob.Appends != 3 || !bytes.Equal(blob.Data, payload) {
		t.Fatalf("unexpected blob type=%s appends=%d len=%d", blob.Type, blob.Appends, len(blob.Data))
	}
	if old, _ := az.Get("archive", "2024/q1.pdf"); string(old.Data) != "older" {
		t.Fatalf("existing blob was modified")
	}
	if _, ok := readObject(t, sp, src.Locator); ok {
		t.Fatalf("source object should be deleted")
	}
}

func TestTransferAzureToS3Stream(t *testing.T) {
	s3Host := newFakeS3(t, "scans")
	az := azuretest.NewServer()
	defer az.Close()
	payload := append([]byte("%PDF-1.7\n"), testPayload(3000)...)
	az.Put("inbox", "scan.pdf", payload)

	providers := NewProviders(crossConfig(), nil)
	defer providers.Close()
	tr, src, dst, _, dp := openPair(t, providers,
		"azure://"+azuretest.Account+"/inbox/scan.pdf?endpoint="+url.QueryEscape(az.Endpoint()),
		"s3://"+s3Host+"/scans/in/scan.pdf?insecure=1&path-style=1&region=us-east-1",
	)

	res, err := tr.Transfer(context.Background(), TransferRequest{Source: src.Locator, Destination: dst.Locator})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if res.Mode != "stream" || res.Renamed || res.Bytes != int64(len(payload)) {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.ContentType != "application/pdf" {
		t.Fatalf("content type=%q", res.ContentType)
	}
	got, ok := readObject(t, dp, dst.Locator)
	if !ok || !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch: found=%v %d bytes", ok, len(got))
	}
	if _, ok := az.Get("inbox", "scan.pdf"); !ok {
		t.Fatalf("source must be kept without delete_source")
	}
}

func TestTransferOverwriteSameBucketAcrossProviders(t *testing.T) {
	s3Host := newFakeS3(t, "b")
	providers := NewProviders(crossConfig(), nil)
	defer providers.Close()
	payload := []byte("quarterly numbers")

	cases := []struct {
		name string
		src  string
		dst  string
	}{
		{"region differs", "aws://b/report.pdf?region=us-east-1&endpoint=" + s3Host + "&insecure=1&path-style=1", "aws://b/report.pdf?endpoint=" + s3Host + "&insecure=1&path-style=1"},
		{"aws and s3", "aws://b/report.pdf?endpoint=" + s3Host + "&insecure=1&path-style=1", "s3://" + s3Host + "/b/report.pdf?insecure=1&path-style=1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr, src, dst, sp, _ := openPair(t, providers, tc.src, tc.dst)
			if _, err := sp.UploadStream(context.Background(), src.Locator, bytes.NewReader(payload), storage.UploadOptions{ContentLength: int64(len(payload))}); err != nil {
				t.Fatalf("seed object: %v", err)
			}
			_, err := tr.Transfer(context.Background(), TransferRequest{
				Source:      src.Locator,
				Destination: dst.Locator,
				Overwrite:   true,
			})
			if !errors.Is(err, ErrInvalidRequest) {
				t.Fatalf("expected invalid request, got %v", err)
			}
			got, ok := readObject(t, sp, src.Locator)
			if !ok || !bytes.Equal(got, payload) {
				t.Fatalf("source damaged (present=%v)", ok)
			}
		})
	}
}
