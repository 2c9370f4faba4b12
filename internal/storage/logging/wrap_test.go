package logging_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"pkt.systems/xfer/internal/storage"
	"pkt.systems/xfer/internal/storage/logging"
	"pkt.systems/xfer/internal/storage/memory"
)

func withRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return recorder
}

func TestWrapPassesThrough(t *testing.T) {
	recorder := withRecorder(t)
	inner := memory.New(memory.Config{Mode: storage.WriteModeAppend, BaseURL: "http://example.test"})
	wrapped := logging.Wrap(inner, nil, "test")
	ctx := context.Background()
	loc := storage.Locator{Container: "docs", Key: "a.txt"}

	if wrapped.Name() != "memory" || wrapped.WriteMode() != storage.WriteModeAppend {
		t.Fatalf("unexpected name/mode %q/%v", wrapped.Name(), wrapped.WriteMode())
	}
	if logging.Unwrap(wrapped) != storage.Provider(inner) {
		t.Fatalf("Unwrap did not return inner provider")
	}

	handle, err := wrapped.CreateAppendable(ctx, loc, storage.UploadOptions{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, block := range []string{"hello ", "world"} {
		if err := handle.AppendBlock(ctx, []byte(block)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if got, _ := inner.Object(loc); string(got) != "hello world" {
		t.Fatalf("object=%q", got)
	}
	if handle.Locator() != loc {
		t.Fatalf("handle locator=%v", handle.Locator())
	}

	exists, err := wrapped.Exists(ctx, loc)
	if err != nil || !exists {
		t.Fatalf("exists=%v err=%v", exists, err)
	}
	signed, err := wrapped.PresignRead(ctx, loc, time.Minute)
	if err != nil || signed == "" {
		t.Fatalf("presign=%q err=%v", signed, err)
	}
	if got := wrapped.ObjectURL(loc); got != "http://example.test/docs/a.txt" {
		t.Fatalf("ObjectURL=%q", got)
	}
	if _, err := wrapped.UploadStream(ctx, loc.WithKey("b.txt"), bytes.NewReader([]byte("b")), storage.UploadOptions{ContentLength: 1}); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if err := wrapped.Delete(ctx, loc); err != nil {
		t.Fatalf("delete: %v", err)
	}

	names := map[string]int{}
	for _, span := range recorder.Ended() {
		names[span.Name()]++
	}
	for _, want := range []string{
		"xfer.storage.create_appendable",
		"xfer.storage.append_block",
		"xfer.storage.exists",
		"xfer.storage.presign_read",
		"xfer.storage.upload_stream",
		"xfer.storage.delete",
	} {
		if names[want] == 0 {
			t.Fatalf("missing span %q in %v", want, names)
		}
	}
	if names["xfer.storage.append_block"] != 2 {
		t.Fatalf("expected a span per block, got %d", names["xfer.storage.append_block"])
	}
}

func TestWrapPropagatesErrors(t *testing.T) {
	recorder := withRecorder(t)
	inner := memory.New(memory.Config{})
	wrapped := logging.Wrap(inner, nil, "test")
	ctx := context.Background()
	loc := storage.Locator{Container: "docs", Key: "missing.txt"}

	if err := wrapped.Delete(ctx, loc); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	boom := errors.New("boom")
	inner.FailOn("exists", boom)
	if _, err := wrapped.Exists(ctx, loc); !errors.Is(err, boom) {
		t.Fatalf("expected injected error, got %v", err)
	}

	var failed int
	for _, span := range recorder.Ended() {
		if span.Status().Code == codes.Error {
			failed++
		}
	}
	if failed != 2 {
		t.Fatalf("expected 2 failed spans, got %d", failed)
	}
}
