package logging

import (
	"context"
	"errors"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/xfer/internal/storage"
	"pkt.systems/xfer/internal/svcfields"
)

type provider struct {
	inner  storage.Provider
	logger pslog.Logger
	tracer trace.Tracer
	sys    string
}

// Wrap decorates inner with trace/debug logging and OpenTelemetry spans.
func Wrap(inner storage.Provider, logger pslog.Logger, sys string) storage.Provider {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &provider{
		inner:  inner,
		logger: logger,
		tracer: otel.Tracer("pkt.systems/xfer/storage"),
		sys:    sys,
	}
}

// Unwrap returns the decorated provider.
func Unwrap(p storage.Provider) storage.Provider {
	if w, ok := p.(*provider); ok {
		return w.inner
	}
	return p
}

func (p *provider) start(ctx context.Context, op string, loc storage.Locator) (context.Context, trace.Span, pslog.Logger, func(string, error)) {
	begin := time.Now()
	ctx, span := p.tracer.Start(ctx, "xfer.storage."+op, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("xfer.storage.operation", op),
		attribute.String("xfer.storage.backend", p.inner.Name()),
		attribute.String("xfer.storage.container", loc.Container),
		attribute.String("xfer.storage.key", loc.Key),
		attribute.String("xfer.sys", p.sys),
	)

	logger := svcfields.FromContext(ctx, p.logger).With("backend", p.inner.Name(), "container", loc.Container, "key", loc.Key)
	ctx = pslog.ContextWithLogger(ctx, logger)
	return ctx, span, logger, func(result string, err error) {
		duration := time.Since(begin).Milliseconds()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "storage_error")
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.AddEvent("xfer.storage.end", trace.WithAttributes(
			attribute.String("xfer.storage.result", result),
			attribute.Int64("xfer.storage.duration_ms", duration),
		))
	}
}

func (p *provider) Name() string { return p.inner.Name() }

func (p *provider) Close() error { return p.inner.Close() }

func (p *provider) WriteMode() storage.WriteMode { return p.inner.WriteMode() }

func (p *provider) ObjectURL(loc storage.Locator) string { return p.inner.ObjectURL(loc) }

func (p *provider) PresignRead(ctx context.Context, loc storage.Locator, ttl time.Duration) (string, error) {
	ctx, span, logger, finish := p.start(ctx, "presign_read", loc)
	defer span.End()
	begin := time.Now()
	span.SetAttributes(attribute.Int64("xfer.storage.ttl_seconds", int64(ttl/time.Second)))
	logger.Trace("storage.presign_read.begin", "ttl", ttl)
	signed, err := p.inner.PresignRead(ctx, loc, ttl)
	if err != nil {
		finish("error", err)
		logger.Debug("storage.presign_read.error", "error", err, "elapsed", time.Since(begin))
		return "", err
	}
	finish("ok", nil)
	logger.Debug("storage.presign_read.success", "ttl", ttl, "elapsed", time.Since(begin))
	return signed, nil
}

func (p *provider) Exists(ctx context.Context, loc storage.Locator) (bool, error) {
	ctx, span, logger, finish := p.start(ctx, "exists", loc)
	defer span.End()
	begin := time.Now()
	logger.Trace("storage.exists.begin")
	exists, err := p.inner.Exists(ctx, loc)
	if err != nil {
		finish("error", err)
		logger.Debug("storage.exists.error", "error", err, "elapsed", time.Since(begin))
		return false, err
	}
	span.SetAttributes(attribute.Bool("xfer.storage.exists", exists))
	finish("ok", nil)
	logger.Trace("storage.exists.success", "exists", exists, "elapsed", time.Since(begin))
	return exists, nil
}

func (p *provider) Delete(ctx context.Context, loc storage.Locator) error {
	ctx, span, logger, finish := p.start(ctx, "delete", loc)
	defer span.End()
	begin := time.Now()
	logger.Trace("storage.delete.begin")
	err := p.inner.Delete(ctx, loc)
	if err != nil {
		result := "error"
		if errors.Is(err, storage.ErrNotFound) {
			result = "not_found"
		}
		finish(result, err)
		logger.Debug("storage.delete.error", "error", err, "elapsed", time.Since(begin))
		return err
	}
	finish("ok", nil)
	logger.Debug("storage.delete.success", "elapsed", time.Since(begin))
	return nil
}

func (p *provider) UploadStream(ctx context.Context, loc storage.Locator, body io.Reader, opts storage.UploadOptions) (*storage.ObjectInfo, error) {
	ctx, span, logger, finish := p.start(ctx, "upload_stream", loc)
	defer span.End()
	begin := time.Now()
	span.SetAttributes(
		attribute.Int64("xfer.storage.content_length", opts.ContentLength),
		attribute.Bool("xfer.storage.public", opts.Public),
	)
	logger.Trace("storage.upload_stream.begin", "content_type", opts.ContentType, "content_length", opts.ContentLength, "public", opts.Public)
	info, err := p.inner.UploadStream(ctx, loc, body, opts)
	if err != nil {
		finish("error", err)
		logger.Debug("storage.upload_stream.error", "error", err, "elapsed", time.Since(begin))
		return nil, err
	}
	finish("ok", nil)
	size := int64(0)
	etag := ""
	if info != nil {
		size = info.Size
		etag = info.ETag
	}
	logger.Debug("storage.upload_stream.success", "size", size, "etag", etag, "elapsed", time.Since(begin))
	return info, nil
}

func (p *provider) CreateAppendable(ctx context.Context, loc storage.Locator, opts storage.UploadOptions) (storage.AppendHandle, error) {
	ctx, span, logger, finish := p.start(ctx, "create_appendable", loc)
	defer span.End()
	begin := time.Now()
	logger.Trace("storage.create_appendable.begin", "content_type", opts.ContentType)
	handle, err := p.inner.CreateAppendable(ctx, loc, opts)
	if err != nil {
		finish("error", err)
		logger.Debug("storage.create_appendable.error", "error", err, "elapsed", time.Since(begin))
		return nil, err
	}
	finish("ok", nil)
	logger.Debug("storage.create_appendable.success", "elapsed", time.Since(begin))
	return &appendHandle{inner: handle, logger: logger, tracer: p.tracer}, nil
}

type appendHandle struct {
	inner  storage.AppendHandle
	logger pslog.Logger
	tracer trace.Tracer
	blocks int
	bytes  int64
}

func (h *appendHandle) Locator() storage.Locator { return h.inner.Locator() }

func (h *appendHandle) AppendBlock(ctx context.Context, block []byte) error {
	ctx, span := h.tracer.Start(ctx, "xfer.storage.append_block", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	h.blocks++
	span.SetAttributes(
		attribute.Int("xfer.storage.block", h.blocks),
		attribute.Int("xfer.storage.block_size", len(block)),
	)
	if err := h.inner.AppendBlock(ctx, block); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "storage_error")
		h.logger.Debug("storage.append_block.error", "block", h.blocks, "size", len(block), "appended", h.bytes, "error", err)
		return err
	}
	h.bytes += int64(len(block))
	h.logger.Trace("storage.append_block.success", "block", h.blocks, "size", len(block), "appended", h.bytes)
	return nil
}
