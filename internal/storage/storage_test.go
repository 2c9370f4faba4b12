package storage_test

import (
	"testing"

	"pkt.systems/xfer/internal/storage"
)

func TestLocatorValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		loc     storage.Locator
		wantErr bool
	}{
		{name: "ok", loc: storage.Locator{Container: "bucket", Key: "a/b.pdf"}},
		{name: "missing container", loc: storage.Locator{Key: "a"}, wantErr: true},
		{name: "missing key", loc: storage.Locator{Container: "bucket"}, wantErr: true},
		{name: "blank key", loc: storage.Locator{Container: "bucket", Key: "  "}, wantErr: true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			err := tc.loc.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate()=%v wantErr=%v", err, tc.wantErr)
			}
		})
	}
}

func TestLocatorString(t *testing.T) {
	t.Parallel()

	loc := storage.Locator{Container: "docs", Key: "/reports/q1.pdf"}
	if got := loc.String(); got != "docs/reports/q1.pdf" {
		t.Fatalf("String()=%q", got)
	}
	renamed := loc.WithKey("other.pdf")
	if renamed.Container != "docs" || renamed.Key != "other.pdf" {
		t.Fatalf("WithKey()=%+v", renamed)
	}
	if loc.Key != "/reports/q1.pdf" {
		t.Fatalf("WithKey mutated receiver: %+v", loc)
	}
}

func TestParseWriteMode(t *testing.T) {
	t.Parallel()

	cases := map[string]storage.WriteMode{
		"stream":       storage.WriteModeStream,
		"Bulk":         storage.WriteModeStream,
		"append":       storage.WriteModeAppend,
		" APPEND ":     storage.WriteModeAppend,
		"append-block": storage.WriteModeAppend,
	}
	for in, want := range cases {
		got, err := storage.ParseWriteMode(in)
		if err != nil {
			t.Fatalf("ParseWriteMode(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseWriteMode(%q)=%v want %v", in, got, want)
		}
	}
	if _, err := storage.ParseWriteMode("parallel"); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
	if storage.WriteModeAppend.String() != "append" || storage.WriteModeStream.String() != "stream" {
		t.Fatalf("unexpected mode strings")
	}
}

func TestS3Namespace(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"":                                    "s3:aws",
		"s3.amazonaws.com":                    "s3:aws",
		"https://s3.eu-north-1.amazonaws.com": "s3:aws",
		"localhost:9000":                      "s3:localhost:9000",
		"http://LocalHost:9000/":              "s3:localhost:9000",
		"minio.example.com:443":               "s3:minio.example.com",
	}
	for in, want := range cases {
		if got := storage.S3Namespace(in); got != want {
			t.Fatalf("S3Namespace(%q)=%q want %q", in, got, want)
		}
	}
}
