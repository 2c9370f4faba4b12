package xfer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/xid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/xfer/internal/clock"
	"pkt.systems/xfer/internal/httpfetch"
	"pkt.systems/xfer/internal/naming"
	"pkt.systems/xfer/internal/storage"
	"pkt.systems/xfer/internal/storage/logging"
	"pkt.systems/xfer/internal/stream"
	"pkt.systems/xfer/internal/svcfields"
)

// ObjectLocator identifies an object by container (bucket or Azure
// container) and key.
type ObjectLocator = storage.Locator

// Source, Destination and Provider are the storage collaborators a
// Transferer drives.
type (
	Source      = storage.Source
	Destination = storage.Destination
	Provider    = storage.Provider
)

// CopyState is a step of the byte pump.
type CopyState = stream.State

// Copy states reported to state observers.
const (
	StateNotStarted             = stream.StateNotStarted
	StateSourceOpened           = stream.StateSourceOpened
	StateDestinationInitialized = stream.StateDestinationInitialized
	StateStreaming              = stream.StateStreaming
	StateCompleted              = stream.StateCompleted
	StateFailed                 = stream.StateFailed
)

// TransferRequest describes one object copy. Zero values select the
// Transferer's configured defaults.
type TransferRequest struct {
	Source ObjectLocator
	// Destination.Key defaults to Source.Key.
	Destination  ObjectLocator
	Overwrite    bool
	DeleteSource bool
	ChunkSize    int
	URLExpiry    time.Duration
	// SourcePublic reads the source through its unsigned URL.
	SourcePublic bool
	// DestinationPublic writes a publicly readable object where the
	// destination supports per-object ACLs.
	DestinationPublic bool
	MaxNameAttempts   int
	// ContentType overrides the type reported by the source.
	ContentType string
}

// TransferResult describes a completed transfer.
type TransferResult struct {
	ID          string
	Source      ObjectLocator
	Destination ObjectLocator
	Bytes       int64
	Chunks      int
	Mode        string
	// Renamed is set when Destination differs from the requested key.
	Renamed       bool
	SourceDeleted bool
	ContentType   string
	Duration      time.Duration
}

// Transferer copies objects from one provider to another.
type Transferer struct {
	source      Source
	destination Destination
	cfg         Config
	httpClient  *http.Client
	fetch       *httpfetch.Client
	clock       clock.Clock
	logger      pslog.Logger
	metrics     *Metrics
	tracer      trace.Tracer
	intn        func(int) int
	observer    func(id string, state CopyState)
}

// Option customises a Transferer.
type Option func(*Transferer)

// WithLogger sets the base logger. Loggers carried by the context passed to
// Transfer take precedence.
func WithLogger(logger pslog.Logger) Option {
	return func(t *Transferer) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithClock overrides the clock used to measure transfers.
func WithClock(c clock.Clock) Option {
	return func(t *Transferer) {
		if c != nil {
			t.clock = c
		}
	}
}

// WithMetrics records every transfer on m.
func WithMetrics(m *Metrics) Option {
	return func(t *Transferer) { t.metrics = m }
}

// WithHTTPClient replaces the client used to read source URLs.
func WithHTTPClient(hc *http.Client) Option {
	return func(t *Transferer) { t.httpClient = hc }
}

// WithNameSource replaces the random source used for collision suffixes.
// intn must return a value in [0, n).
func WithNameSource(intn func(n int) int) Option {
	return func(t *Transferer) { t.intn = intn }
}

// WithStateObserver reports every copy state transition.
func WithStateObserver(fn func(id string, state CopyState)) Option {
	return func(t *Transferer) { t.observer = fn }
}

// NewTransferer validates cfg and returns a Transferer reading from source
// and writing to destination.
func NewTransferer(cfg Config, source Source, destination Destination, opts ...Option) (*Transferer, error) {
	if source == nil || destination == nil {
		return nil, invalidf("source and destination providers required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	t := &Transferer{
		source:      source,
		destination: destination,
		cfg:         cfg,
		clock:       clock.Real{},
		logger:      pslog.NoopLogger(),
		tracer:      otel.Tracer("pkt.systems/xfer"),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.fetch = httpfetch.New(false, httpfetch.WithHTTPClient(t.httpClient), httpfetch.WithLogger(t.logger))
	return t, nil
}

// Transfer copies req.Source to req.Destination. The returned error is
// always an *Error.
func (t *Transferer) Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	id := xid.New().String()
	logger := svcfields.FromContext(ctx, t.logger).With(svcfields.TransferKey, id)
	ctx = pslog.ContextWithLogger(ctx, logger)

	req, verr := t.normalize(req)
	if verr != nil {
		logger.Warn("transfer.copy.invalid", "error", verr)
		t.metrics.observe(nil, verr)
		return nil, verr
	}
	ctx, span := t.tracer.Start(ctx, "xfer.transfer", trace.WithAttributes(
		attribute.String("xfer.id", id),
		attribute.String("xfer.source", req.Source.String()),
		attribute.String("xfer.destination", req.Destination.String()),
		attribute.Bool("xfer.overwrite", req.Overwrite),
		attribute.Bool("xfer.delete_source", req.DeleteSource),
	))
	defer span.End()
	if t.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.Timeout)
		defer cancel()
	}

	begin := t.clock.Now()
	done := t.metrics.begin()
	res, xerr := t.run(ctx, id, req)
	done()
	if xerr != nil {
		span.RecordError(xerr)
		span.SetStatus(codes.Error, xerr.Kind.String())
		logger.Warn("transfer.copy.failed",
			"step", xerr.Op,
			"kind", xerr.Kind.String(),
			"source", req.Source.String(),
			"destination", xerr.Destination.String(),
			"error", xerr.Err,
		)
		t.metrics.observe(nil, xerr)
		return nil, xerr
	}
	res.Duration = t.clock.Now().Sub(begin)
	span.SetAttributes(
		attribute.String("xfer.final_destination", res.Destination.String()),
		attribute.Int64("xfer.bytes", res.Bytes),
	)
	span.SetStatus(codes.Ok, "")
	t.metrics.observe(res, nil)
	logger.Info("transfer.copy.complete",
		"summary", fmt.Sprintf("copied %s (%s) to %s", res.Source, humanize.IBytes(uint64(res.Bytes)), res.Destination),
		"bytes", res.Bytes,
		"chunks", res.Chunks,
		"mode", res.Mode,
		"renamed", res.Renamed,
		"source_deleted", res.SourceDeleted,
		"elapsed", res.Duration,
	)
	return res, nil
}

func (t *Transferer) normalize(req TransferRequest) (TransferRequest, *Error) {
	if req.Destination.Key == "" {
		req.Destination.Key = req.Source.Key
	}
	if err := req.Source.Validate(); err != nil {
		return req, newError(KindInvalidRequest, "validate", req, fmt.Errorf("source: %w", err))
	}
	if err := req.Destination.Validate(); err != nil {
		return req, newError(KindInvalidRequest, "validate", req, fmt.Errorf("destination: %w", err))
	}
	if req.ChunkSize == 0 {
		req.ChunkSize = t.cfg.ChunkSize
	}
	if req.ChunkSize <= 0 || req.ChunkSize > MaxChunkSize {
		return req, newError(KindInvalidRequest, "validate", req, fmt.Errorf("chunk size %d outside 1..%d", req.ChunkSize, MaxChunkSize))
	}
	if req.URLExpiry == 0 {
		req.URLExpiry = t.cfg.URLExpiry
	}
	if req.URLExpiry < 0 {
		return req, newError(KindInvalidRequest, "validate", req, errors.New("url expiry must be positive"))
	}
	if req.MaxNameAttempts == 0 {
		req.MaxNameAttempts = t.cfg.MaxNameAttempts
	}
	if req.Overwrite && req.Source == req.Destination && sameBackend(t.source, t.destination) {
		return req, newError(KindInvalidRequest, "validate", req, errors.New("overwrite would delete the source before it is read"))
	}
	return req, nil
}

func (t *Transferer) run(ctx context.Context, id string, req TransferRequest) (*TransferResult, *Error) {
	logger := svcfields.FromContext(ctx, t.logger)
	logger.Debug("transfer.copy.begin",
		"source", req.Source.String(),
		"destination", req.Destination.String(),
		"overwrite", req.Overwrite,
		"delete_source", req.DeleteSource,
		"chunk_size", req.ChunkSize,
	)

	sourceURL, err := t.sourceURL(ctx, req)
	if err != nil {
		return nil, newError(classify(err, KindPresign), "presign", req, err)
	}

	name, err := naming.Resolve(ctx, req.Destination.Key, destinationNamespace{dst: t.destination, container: req.Destination.Container}, naming.Options{
		Overwrite:   req.Overwrite,
		MaxAttempts: req.MaxNameAttempts,
		Intn:        t.intn,
	})
	if err != nil {
		return nil, newError(classify(err, KindTransferIO), "resolve_name", req, err)
	}
	final := req.Destination.WithKey(name)

	target := &destinationTarget{
		dst:  t.destination,
		loc:  final,
		opts: storage.UploadOptions{ContentType: req.ContentType, ContentLength: -1, Public: req.DestinationPublic},
	}
	open := func(ctx context.Context) (*stream.Origin, error) {
		resp, err := t.fetch.Open(ctx, sourceURL)
		if err != nil {
			return nil, err
		}
		body := resp.Body
		if resp.Status >= 200 && resp.Status <= 299 {
			target.opts.ContentLength = resp.ContentLength
			if target.opts.ContentType == "" {
				target.opts.ContentType, body = detectContentType(resp, req.ChunkSize)
			}
		}
		return &stream.Origin{Status: resp.Status, Body: body}, nil
	}
	copier := &stream.Copier{
		ChunkSize: req.ChunkSize,
		Logger:    logger,
		OnState: func(state stream.State) {
			logger.Trace("transfer.copy.state", "state", state.String())
			if t.observer != nil {
				t.observer(id, state)
			}
		},
	}
	copied, err := copier.Copy(ctx, open, target)
	if err != nil {
		return nil, &Error{Kind: classify(err, KindTransferIO), Op: "copy", Source: req.Source, Destination: final, Err: err}
	}

	res := &TransferResult{
		ID:          id,
		Source:      req.Source,
		Destination: final,
		Bytes:       copied.Bytes,
		Chunks:      copied.Chunks,
		Mode:        copied.Mode.String(),
		Renamed:     final.Key != req.Destination.Key,
		ContentType: target.opts.ContentType,
	}
	if req.DeleteSource {
		if err := t.deleteSource(ctx, req.Source); err != nil {
			return nil, &Error{Kind: KindSourceDelete, Op: "delete_source", Source: req.Source, Destination: final, Err: err}
		}
		res.SourceDeleted = true
	}
	return res, nil
}

func (t *Transferer) sourceURL(ctx context.Context, req TransferRequest) (string, error) {
	if req.SourcePublic {
		return t.source.ObjectURL(req.Source), nil
	}
	signed, err := t.source.PresignRead(ctx, req.Source, req.URLExpiry)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(signed) == "" {
		return "", errors.New("provider returned an empty url")
	}
	return signed, nil
}

// deleteSource removes the source after a completed copy. An object that is
// already gone counts as deleted.
func (t *Transferer) deleteSource(ctx context.Context, loc ObjectLocator) error {
	exists, err := t.source.Exists(ctx, loc)
	if err != nil {
		return err
	}
	if !exists {
		svcfields.FromContext(ctx, t.logger).Debug("transfer.source.already_deleted", "source", loc.String())
		return nil
	}
	if err := t.source.Delete(ctx, loc); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return nil
}

// sniffLen matches the read limit mimetype uses by default.
const sniffLen = 3072

// detectContentType returns the source content type, sniffing the first
// bytes when the source reports none or a generic binary type. The sniff
// reads at most one chunk ahead. The returned body replays the sniffed bytes.
func detectContentType(resp *httpfetch.Response, chunkSize int) (string, io.ReadCloser) {
	contentType := strings.TrimSpace(resp.ContentType)
	if contentType != "" && !isGenericBinary(contentType) {
		return contentType, resp.Body
	}
	limit := min(sniffLen, chunkSize)
	br := bufio.NewReaderSize(resp.Body, limit)
	head, _ := br.Peek(limit)
	body := readCloser{Reader: br, Closer: resp.Body}
	if len(head) == 0 {
		if contentType == "" {
			contentType = storage.ContentTypeOctetStream
		}
		return contentType, body
	}
	return mimetype.Detect(head).String(), body
}

func isGenericBinary(contentType string) bool {
	base, _, _ := strings.Cut(contentType, ";")
	switch strings.ToLower(strings.TrimSpace(base)) {
	case "application/octet-stream", "binary/octet-stream":
		return true
	default:
		return false
	}
}

type readCloser struct {
	io.Reader
	io.Closer
}

// sameBackend reports whether src and dst reach the same objects. Distinct
// provider instances count as one backend when their namespaces match.
func sameBackend(src Source, dst Destination) bool {
	var a, b any = src, dst
	if p, ok := a.(Provider); ok {
		a = logging.Unwrap(p)
	}
	if p, ok := b.(Provider); ok {
		b = logging.Unwrap(p)
	}
	na, okA := a.(storage.Namespaced)
	nb, okB := b.(storage.Namespaced)
	if okA && okB {
		return na.Namespace() == nb.Namespace()
	}
	if reflect.TypeOf(a) != reflect.TypeOf(b) || !reflect.TypeOf(a).Comparable() {
		return false
	}
	return a == b
}

// destinationNamespace exposes one destination container to the name
// resolver.
type destinationNamespace struct {
	dst       Destination
	container string
}

func (n destinationNamespace) Exists(ctx context.Context, name string) (bool, error) {
	return n.dst.Exists(ctx, storage.Locator{Container: n.container, Key: name})
}

func (n destinationNamespace) Delete(ctx context.Context, name string) error {
	err := n.dst.Delete(ctx, storage.Locator{Container: n.container, Key: name})
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}

// destinationTarget adapts a Destination to the copier.
type destinationTarget struct {
	dst  Destination
	loc  ObjectLocator
	opts storage.UploadOptions
}

func (d *destinationTarget) Mode() stream.Mode {
	if d.dst.WriteMode() == storage.WriteModeAppend {
		return stream.ModeAppend
	}
	return stream.ModeStream
}

func (d *destinationTarget) Upload(ctx context.Context, r io.Reader) error {
	_, err := d.dst.UploadStream(ctx, d.loc, r, d.opts)
	return err
}

func (d *destinationTarget) Create(ctx context.Context) (stream.Appender, error) {
	handle, err := d.dst.CreateAppendable(ctx, d.loc, d.opts)
	if err != nil {
		return nil, err
	}
	return appender{handle: handle}, nil
}

type appender struct {
	handle storage.AppendHandle
}

func (a appender) Append(ctx context.Context, chunk []byte) error {
	return a.handle.AppendBlock(ctx, chunk)
}
