package xfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
	"pkt.systems/pslog"

	"pkt.systems/xfer/internal/svcfields"
)

// Manifest lists independent transfers run by a BatchRunner.
//
//	defaults:
//	  chunk_size: 4MiB
//	  delete_source: true
//	transfers:
//	  - source: aws://reports/2024/q1.pdf
//	    destination: azure://acct/archive
//	  - source: azure://acct/inbox/scan.tiff
//	    destination: s3://minio:9000/scans/scan.tiff?insecure=1
//	    overwrite: true
type Manifest struct {
	Defaults  ManifestEntry   `yaml:"defaults"`
	Transfers []ManifestEntry `yaml:"transfers"`
}

// ManifestEntry is one transfer. Unset fields inherit from the manifest
// defaults, then from Config.
type ManifestEntry struct {
	Source            string `yaml:"source"`
	Destination       string `yaml:"destination"`
	Overwrite         *bool  `yaml:"overwrite"`
	DeleteSource      *bool  `yaml:"delete_source"`
	SourcePublic      *bool  `yaml:"source_public"`
	DestinationPublic *bool  `yaml:"destination_public"`
	ChunkSize         string `yaml:"chunk_size"`
	URLExpiry         string `yaml:"url_expiry"`
	MaxNameAttempts   int    `yaml:"max_name_attempts"`
	ContentType       string `yaml:"content_type"`
}

// BatchJob is a resolved manifest entry.
type BatchJob struct {
	Source      Endpoint
	Destination Endpoint
	Request     TransferRequest
}

// BatchOutcome reports one finished job. Exactly one of Result and Err is set.
type BatchOutcome struct {
	Index  int
	Job    BatchJob
	Result *TransferResult
	Err    error
}

// LoadManifest reads a YAML manifest from path.
func LoadManifest(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, invalidf("open manifest: %v", err)
	}
	defer f.Close()
	return ParseManifest(f)
}

// ParseManifest decodes a YAML manifest. Unknown keys are rejected.
func ParseManifest(r io.Reader) (*Manifest, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var m Manifest
	if err := dec.Decode(&m); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, invalidf("manifest is empty")
		}
		return nil, invalidf("decode manifest: %v", err)
	}
	if len(m.Transfers) == 0 {
		return nil, invalidf("manifest lists no transfers")
	}
	return &m, nil
}

// Jobs resolves every entry against the manifest defaults.
func (m *Manifest) Jobs() ([]BatchJob, error) {
	jobs := make([]BatchJob, 0, len(m.Transfers))
	for i, entry := range m.Transfers {
		job, err := m.Defaults.merge(entry).job()
		if err != nil {
			return nil, invalidf("transfer %d: %v", i+1, err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (d ManifestEntry) merge(e ManifestEntry) ManifestEntry {
	out := e
	pick := func(v, def *bool) *bool {
		if v != nil {
			return v
		}
		return def
	}
	out.Overwrite = pick(e.Overwrite, d.Overwrite)
	out.DeleteSource = pick(e.DeleteSource, d.DeleteSource)
	out.SourcePublic = pick(e.SourcePublic, d.SourcePublic)
	out.DestinationPublic = pick(e.DestinationPublic, d.DestinationPublic)
	if out.ChunkSize == "" {
		out.ChunkSize = d.ChunkSize
	}
	if out.URLExpiry == "" {
		out.URLExpiry = d.URLExpiry
	}
	if out.MaxNameAttempts == 0 {
		out.MaxNameAttempts = d.MaxNameAttempts
	}
	if out.ContentType == "" {
		out.ContentType = d.ContentType
	}
	return out
}

func (e ManifestEntry) job() (BatchJob, error) {
	src, err := ParseEndpoint(e.Source)
	if err != nil {
		return BatchJob{}, fmt.Errorf("source: %w", err)
	}
	dst, err := ParseEndpoint(e.Destination)
	if err != nil {
		return BatchJob{}, fmt.Errorf("destination: %w", err)
	}
	if src.Locator.Key == "" {
		return BatchJob{}, fmt.Errorf("source %q has no object key", e.Source)
	}
	req := TransferRequest{
		Source:            src.Locator,
		Destination:       dst.Locator,
		Overwrite:         boolValue(e.Overwrite),
		DeleteSource:      boolValue(e.DeleteSource),
		SourcePublic:      boolValue(e.SourcePublic),
		DestinationPublic: boolValue(e.DestinationPublic),
		MaxNameAttempts:   e.MaxNameAttempts,
		ContentType:       strings.TrimSpace(e.ContentType),
	}
	if e.ChunkSize != "" {
		size, err := ParseSize(e.ChunkSize)
		if err != nil {
			return BatchJob{}, err
		}
		if size == 0 || size > MaxChunkSize {
			return BatchJob{}, fmt.Errorf("chunk size %s outside 1..%d", e.ChunkSize, MaxChunkSize)
		}
		req.ChunkSize = int(size)
	}
	if e.URLExpiry != "" {
		ttl, err := time.ParseDuration(e.URLExpiry)
		if err != nil {
			return BatchJob{}, fmt.Errorf("url expiry: %w", err)
		}
		req.URLExpiry = ttl
	}
	return BatchJob{Source: src, Destination: dst, Request: req}, nil
}

func boolValue(v *bool) bool {
	return v != nil && *v
}

// BatchRunner runs jobs concurrently, at most Config.Concurrency at a time.
// Jobs are independent: one failure does not stop the others.
type BatchRunner struct {
	cfg       Config
	providers *Providers
	logger    pslog.Logger
	opts      []Option
}

// NewBatchRunner validates cfg and returns a runner opening providers
// through providers. opts are applied to every Transferer it creates.
func NewBatchRunner(cfg Config, providers *Providers, logger pslog.Logger, opts ...Option) (*BatchRunner, error) {
	if providers == nil {
		return nil, invalidf("batch: providers required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &BatchRunner{cfg: cfg, providers: providers, logger: logger, opts: opts}, nil
}

// Run executes jobs and returns one outcome per job in input order. The
// error joins every job failure; it is nil when all jobs succeeded.
func (b *BatchRunner) Run(ctx context.Context, jobs []BatchJob) ([]BatchOutcome, error) {
	logger := svcfields.WithSubsystem(svcfields.FromContext(ctx, b.logger), "batch")
	outcomes := make([]BatchOutcome, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.cfg.Concurrency)
	logger.Info("batch.run.begin", "jobs", len(jobs), "concurrency", b.cfg.Concurrency)
	for i, job := range jobs {
		outcomes[i] = BatchOutcome{Index: i, Job: job}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				outcomes[i].Err = err
				return nil
			}
			res, err := b.runOne(pslog.ContextWithLogger(gctx, logger), job)
			outcomes[i].Result = res
			outcomes[i].Err = err
			return nil
		})
	}
	_ = g.Wait()

	var errs []error
	for _, out := range outcomes {
		if out.Err != nil {
			errs = append(errs, fmt.Errorf("transfer %d (%s): %w", out.Index+1, out.Job.Request.Source, out.Err))
		}
	}
	logger.Info("batch.run.complete", "jobs", len(jobs), "failed", len(errs))
	return outcomes, errors.Join(errs...)
}

func (b *BatchRunner) runOne(ctx context.Context, job BatchJob) (*TransferResult, error) {
	src, err := b.providers.For(job.Source)
	if err != nil {
		return nil, err
	}
	dst, err := b.providers.For(job.Destination)
	if err != nil {
		return nil, err
	}
	t, err := NewTransferer(b.cfg, src, dst, b.opts...)
	if err != nil {
		return nil, err
	}
	return t.Transfer(ctx, job.Request)
}
