package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/pslog"
	"pkt.systems/xfer"
	"pkt.systems/xfer/internal/pathutil"
	"pkt.systems/xfer/internal/svcfields"
)

const defaultConfigFileName = "config.yaml"

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("XFER_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "xfer")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

// cli carries state shared by every subcommand: the viper instance flags are
// bound to and the process logger.
type cli struct {
	v      *viper.Viper
	logger pslog.Logger
	getenv func(string) string
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	return newCLI(baseLogger, os.Getenv).rootCommand()
}

func newCLI(logger pslog.Logger, getenv func(string) string) *cli {
	return &cli{v: viper.New(), logger: logger, getenv: getenv}
}

func (c *cli) rootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "xfer",
		Short:         "xfer streams objects between AWS S3, S3-compatible stores and Azure Blob Storage",
		SilenceErrors: true,
		SilenceUsage:  true,
		Example: `
  # S3 object into an Azure container, keeping the S3 key as blob name
  AWS_REGION=eu-north-1 AZURE_STORAGE_ACCESS_KEY=... xfer copy aws://reports/2024/q1.pdf azure://acct/archive

  # Azure blob into MinIO (TLS on by default; append ?insecure=1 for HTTP)
  xfer copy azure://acct/inbox/scan.tiff 's3://localhost:9000/scans/scan.tiff?insecure=1' --overwrite

  # Run a manifest with 8 workers and Prometheus metrics on :9464
  xfer batch nightly.yaml --concurrency 8 --metrics-listen :9464
`,
	}

	flags := cmd.PersistentFlags()
	flags.StringP("config", "c", "", "config file (default $HOME/.xfer/config.yaml)")
	flags.String("chunk-size", "1KiB", "bytes moved per read/append step (e.g. 1KiB, 4MiB)")
	flags.Duration("url-expiry", xfer.DefaultURLExpiry, "lifetime of presigned/SAS source URLs")
	flags.Duration("timeout", 0, "abort a single transfer after this long (0 disables)")
	flags.Int("max-name-attempts", xfer.DefaultMaxNameAttempts, "collision renames tried before giving up")
	flags.Int("concurrency", xfer.DefaultConcurrency, "transfers run at once by batch")
	flags.String("aws-region", "", "AWS region for aws:// endpoints (or AWS_REGION)")
	flags.String("aws-access-key-id", "", "static AWS access key (or AWS_ACCESS_KEY_ID)")
	flags.String("aws-secret-access-key", "", "static AWS secret key (or AWS_SECRET_ACCESS_KEY)")
	flags.String("aws-session-token", "", "AWS session token (or AWS_SESSION_TOKEN)")
	flags.String("s3-access-key-id", "", "access key for s3:// endpoints")
	flags.String("s3-secret-access-key", "", "secret key for s3:// endpoints")
	flags.String("s3-session-token", "", "session token for s3:// endpoints")
	flags.String("s3-part-size", "16MiB", "multipart size for s3:// uploads of unknown length")
	flags.String("azure-account", "", "Azure storage account (or AZURE_STORAGE_ACCOUNT_NAME)")
	flags.String("azure-key", "", "Azure storage account key (or AZURE_STORAGE_ACCESS_KEY)")
	flags.String("azure-connection-string", "", "Azure connection string (or AZURE_STORAGE_CONNECTION_STRING)")
	flags.String("azure-sas-token", "", "Azure SAS token used when no key is configured")
	flags.String("azure-endpoint", "", "Azure blob endpoint override, e.g. an emulator URL")
	flags.String("azure-write-mode", xfer.DefaultAzureWriteMode, "how Azure destinations are written: append or stream")
	flags.String("azure-block-size", "4MiB", "block size for stream-mode Azure uploads")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.String("metrics-listen", "", "serve Prometheus metrics on this address (e.g. :9464)")

	c.v.SetEnvPrefix("XFER")
	c.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	c.v.AutomaticEnv()
	flags.VisitAll(func(flag *pflag.Flag) {
		if err := c.v.BindPFlag(flag.Name, flag); err != nil {
			panic(err)
		}
	})

	cmd.AddCommand(newCopyCommand(c))
	cmd.AddCommand(newS3ToAzureCommand(c))
	cmd.AddCommand(newAzureToS3Command(c))
	cmd.AddCommand(newBatchCommand(c))
	cmd.AddCommand(newVersionCommand())
	return cmd
}

// config loads the optional config file and returns the validated Config.
func (c *cli) config(sys string) (xfer.Config, pslog.Logger, error) {
	logger := svcfields.WithSubsystem(c.logger, sys)
	configFile, err := c.loadConfigFile()
	if err != nil {
		return xfer.Config{}, logger, err
	}
	if configFile != "" {
		logger.Debug("cli.config.loaded", "path", configFile)
	}
	cfg, err := c.bindConfig()
	if err != nil {
		return xfer.Config{}, logger, err
	}
	if err := cfg.Validate(); err != nil {
		return xfer.Config{}, logger, err
	}
	return cfg, logger, nil
}

func (c *cli) loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(c.v.GetString("config"))
	explicit := cfgPath != ""
	if cfgPath == "" {
		if dir, err := pathutil.DefaultConfigDir(); err == nil {
			cfgPath = filepath.Join(dir, defaultConfigFileName)
		}
	}
	if cfgPath == "" {
		return "", nil
	}
	expanded, err := pathutil.Expand(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	c.v.SetConfigFile(expanded)
	if err := c.v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func (c *cli) bindConfig() (xfer.Config, error) {
	cfg := xfer.DefaultConfig()
	chunk, err := xfer.ParseSize(c.v.GetString("chunk-size"))
	if err != nil {
		return cfg, fmt.Errorf("parse chunk-size: %w", err)
	}
	if chunk > xfer.MaxChunkSize {
		return cfg, fmt.Errorf("chunk-size %s exceeds %d bytes", c.v.GetString("chunk-size"), xfer.MaxChunkSize)
	}
	cfg.ChunkSize = int(chunk)
	cfg.URLExpiry = c.v.GetDuration("url-expiry")
	cfg.Timeout = c.v.GetDuration("timeout")
	cfg.MaxNameAttempts = c.v.GetInt("max-name-attempts")
	cfg.Concurrency = c.v.GetInt("concurrency")

	cfg.AWSRegion = strings.TrimSpace(c.v.GetString("aws-region"))
	cfg.AWSAccessKeyID = strings.TrimSpace(c.v.GetString("aws-access-key-id"))
	cfg.AWSSecretAccessKey = c.v.GetString("aws-secret-access-key")
	cfg.AWSSessionToken = c.v.GetString("aws-session-token")
	cfg.S3AccessKeyID = strings.TrimSpace(c.v.GetString("s3-access-key-id"))
	cfg.S3SecretAccessKey = c.v.GetString("s3-secret-access-key")
	cfg.S3SessionToken = c.v.GetString("s3-session-token")
	if part := c.v.GetString("s3-part-size"); part != "" {
		size, err := xfer.ParseSize(part)
		if err != nil {
			return cfg, fmt.Errorf("parse s3-part-size: %w", err)
		}
		cfg.S3PartSize = size
	}
	cfg.AzureAccount = strings.TrimSpace(c.v.GetString("azure-account"))
	cfg.AzureAccountKey = c.v.GetString("azure-key")
	cfg.AzureConnectionString = c.v.GetString("azure-connection-string")
	cfg.AzureSASToken = c.v.GetString("azure-sas-token")
	cfg.AzureEndpoint = strings.TrimSpace(c.v.GetString("azure-endpoint"))
	cfg.AzureWriteMode = strings.ToLower(strings.TrimSpace(c.v.GetString("azure-write-mode")))
	if block := c.v.GetString("azure-block-size"); block != "" {
		size, err := xfer.ParseSize(block)
		if err != nil {
			return cfg, fmt.Errorf("parse azure-block-size: %w", err)
		}
		cfg.AzureBlockSize = int64(size)
	}
	cfg.OTLPEndpoint = strings.TrimSpace(c.v.GetString("otlp-endpoint"))
	cfg.MetricsListen = strings.TrimSpace(c.v.GetString("metrics-listen"))
	applyLegacyEnv(&cfg, c.getenv)
	return cfg, nil
}

// applyLegacyEnv fills credentials left empty from the environment names the
// AWS and Azure tooling use.
func applyLegacyEnv(cfg *xfer.Config, getenv func(string) string) {
	fallback := func(dst *string, names ...string) {
		if strings.TrimSpace(*dst) != "" {
			return
		}
		for _, name := range names {
			if v := strings.TrimSpace(getenv(name)); v != "" {
				*dst = v
				return
			}
		}
	}
	fallback(&cfg.AWSRegion, "AWS_REGION", "AWS_DEFAULT_REGION")
	if cfg.AWSRegion == "" {
		cfg.AWSRegion = xfer.DefaultAWSRegion
	}
	if cfg.AWSAccessKeyID == "" && cfg.AWSSecretAccessKey == "" {
		fallback(&cfg.AWSAccessKeyID, "AWS_ACCESS_KEY_ID")
		fallback(&cfg.AWSSecretAccessKey, "AWS_SECRET_ACCESS_KEY")
		fallback(&cfg.AWSSessionToken, "AWS_SESSION_TOKEN")
	}
	fallback(&cfg.AzureAccount, "AZURE_STORAGE_ACCOUNT_NAME", "AZURE_STORAGE_ACCOUNT")
	fallback(&cfg.AzureAccountKey, "AZURE_STORAGE_ACCESS_KEY", "AZURE_STORAGE_KEY")
	fallback(&cfg.AzureConnectionString, "AZURE_STORAGE_CONNECTION_STRING")
	fallback(&cfg.AzureSASToken, "AZURE_STORAGE_SAS_TOKEN")
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
