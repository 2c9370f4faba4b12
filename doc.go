// Package xfer streams objects between cloud object stores (AWS S3, any
// S3-compatible endpoint and Azure Blob Storage) without buffering whole
// objects in memory or on disk. The source is read over a time-limited
// presigned or SAS URL; the destination is written either as one streamed
// upload or as a sequence of append blocks.
//
// # Transferring one object
//
// A Transferer is bound to a source and a destination provider. Providers
// are usually opened from endpoint URLs through Providers, which caches one
// adapter per account/region and wraps it with logging and tracing:
//
//	cfg := xfer.DefaultConfig()
//	cfg.AzureAccountKey = os.Getenv("AZURE_STORAGE_ACCESS_KEY")
//	providers := xfer.NewProviders(cfg, logger)
//	defer providers.Close()
//
//	src, _ := xfer.ParseEndpoint("aws://reports/2024/q1.pdf?region=eu-north-1")
//	dst, _ := xfer.ParseEndpoint("azure://acct/archive")
//	from, err := providers.For(src)
//	if err != nil { return err }
//	to, err := providers.For(dst)
//	if err != nil { return err }
//
//	t, err := xfer.NewTransferer(cfg, from, to, xfer.WithLogger(logger))
//	if err != nil { return err }
//	res, err := t.Transfer(ctx, xfer.TransferRequest{
//	    Source:       src.Locator,
//	    Destination:  dst.Locator, // key defaults to the source key
//	    DeleteSource: true,
//	})
//
// An existing destination is never replaced unless Overwrite is set: the new
// object gets a "_XXXXXX" suffix before its extension and
// TransferResult.Renamed reports it. Overwrite deletes the existing object
// before anything is written.
//
// # Errors
//
// Transfer returns *Error. Match the failing step with errors.Is against
// ErrInvalidRequest, ErrAuthConfiguration, ErrPresign, ErrTransferIO,
// ErrNameCollisionExhausted or ErrSourceDelete. ErrSourceDelete means the
// copy finished; Error.Destination names the object that was written. A
// ErrTransferIO failure after streaming started may leave a partial
// destination object. Nothing is retried.
//
// # Batches
//
// BatchRunner runs a YAML manifest (see Manifest) with a bounded number of
// concurrent transfers. Jobs are independent and outcomes are reported in
// manifest order.
//
// # Telemetry
//
// SetupTelemetry exports OpenTelemetry traces over OTLP when
// Config.OTLPEndpoint is set and serves Prometheus metrics when
// Config.MetricsListen is set. Pass Telemetry.Metrics to transfers with
// WithMetrics.
package xfer
