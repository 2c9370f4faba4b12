package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"pkt.systems/xfer"
)

type transferFlags struct {
	overwrite         bool
	deleteSource      bool
	sourcePublic      bool
	destinationPublic bool
	contentType       string
	output            string
	awsEndpoint       string
}

func (f *transferFlags) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.BoolVar(&f.overwrite, "overwrite", false, "replace an existing destination instead of renaming")
	flags.BoolVar(&f.deleteSource, "delete-source", false, "delete the source object after a successful copy")
	flags.StringVar(&f.contentType, "content-type", "", "content type written to the destination (default: source type)")
	flags.StringVarP(&f.output, "output", "o", "text", "result format: text or json")
}

func (f *transferFlags) registerAWSEndpoint(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.awsEndpoint, "aws-endpoint", "", "S3 API endpoint override with path-style addressing (e.g. http://localhost:4566)")
}

func (f *transferFlags) awsSide(loc xfer.ObjectLocator) xfer.Endpoint {
	ep := xfer.Endpoint{Scheme: xfer.SchemeAWS, Locator: loc}
	if endpoint := strings.TrimSpace(f.awsEndpoint); endpoint != "" {
		ep.Endpoint = endpoint
		ep.PathStyle = true
		ep.Insecure = strings.HasPrefix(endpoint, "http://")
	}
	return ep
}

func (f *transferFlags) request(src, dst xfer.Endpoint) xfer.TransferRequest {
	return xfer.TransferRequest{
		Source:            src.Locator,
		Destination:       dst.Locator,
		Overwrite:         f.overwrite,
		DeleteSource:      f.deleteSource,
		SourcePublic:      f.sourcePublic,
		DestinationPublic: f.destinationPublic,
		ContentType:       strings.TrimSpace(f.contentType),
	}
}

func newCopyCommand(c *cli) *cobra.Command {
	var flags transferFlags
	cmd := &cobra.Command{
		Use:   "copy SOURCE DESTINATION",
		Short: "Stream one object between providers",
		Long: `Stream one object between providers without buffering it locally.

SOURCE and DESTINATION are endpoint URLs:
  aws://bucket/key?region=eu-north-1
  s3://host:port/bucket/key?insecure=1&path-style=1
  azure://account/container/blob?mode=append|stream

The destination key may be omitted to reuse the source key. Existing
destinations are kept and the new object gets a random suffix unless
--overwrite is set.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := xfer.ParseEndpoint(args[0])
			if err != nil {
				return err
			}
			dst, err := xfer.ParseEndpoint(args[1])
			if err != nil {
				return err
			}
			return c.runTransfer(cmd, src, dst, flags.request(src, dst), flags.output)
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&flags.sourcePublic, "source-public", false, "read the source through its unsigned public URL")
	cmd.Flags().BoolVar(&flags.destinationPublic, "destination-public", false, "make the destination object publicly readable (S3 only)")
	return cmd
}

func newS3ToAzureCommand(c *cli) *cobra.Command {
	var (
		flags     transferFlags
		bucket    string
		key       string
		container string
		blob      string
	)
	cmd := &cobra.Command{
		Use:   "s3-to-azure",
		Short: "Stream an AWS S3 object into an Azure container",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if bucket == "" {
				bucket = strings.TrimSpace(c.getenv("AWS_STORAGE_BUCKET_NAME"))
			}
			src := flags.awsSide(xfer.ObjectLocator{Container: bucket, Key: key})
			dst := xfer.Endpoint{Scheme: xfer.SchemeAzure, Locator: xfer.ObjectLocator{Container: container, Key: blob}}
			return c.runTransfer(cmd, src, dst, flags.request(src, dst), flags.output)
		},
	}
	flags.register(cmd)
	flags.registerAWSEndpoint(cmd)
	f := cmd.Flags()
	f.StringVar(&bucket, "aws-bucket", "", "source bucket (or AWS_STORAGE_BUCKET_NAME)")
	f.StringVar(&key, "aws-object-key", "", "source object key")
	f.BoolVar(&flags.sourcePublic, "aws-public-object", false, "the S3 object is public; skip presigning")
	f.StringVar(&container, "azure-container", "", "destination container")
	f.StringVar(&blob, "azure-blob", "", "destination blob name (default: the object key)")
	_ = cmd.MarkFlagRequired("aws-object-key")
	_ = cmd.MarkFlagRequired("azure-container")
	return cmd
}

func newAzureToS3Command(c *cli) *cobra.Command {
	var (
		flags     transferFlags
		container string
		blob      string
		bucket    string
		key       string
	)
	cmd := &cobra.Command{
		Use:   "azure-to-s3",
		Short: "Stream an Azure blob into an AWS S3 bucket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if bucket == "" {
				bucket = strings.TrimSpace(c.getenv("AWS_STORAGE_BUCKET_NAME"))
			}
			src := xfer.Endpoint{Scheme: xfer.SchemeAzure, Locator: xfer.ObjectLocator{Container: container, Key: blob}}
			dst := flags.awsSide(xfer.ObjectLocator{Container: bucket, Key: key})
			return c.runTransfer(cmd, src, dst, flags.request(src, dst), flags.output)
		},
	}
	flags.register(cmd)
	flags.registerAWSEndpoint(cmd)
	f := cmd.Flags()
	f.StringVar(&container, "azure-container", "", "source container")
	f.StringVar(&blob, "azure-blob", "", "source blob name")
	f.StringVar(&bucket, "aws-bucket", "", "destination bucket (or AWS_STORAGE_BUCKET_NAME)")
	f.StringVar(&key, "aws-object-key", "", "destination object key (default: the blob name)")
	f.BoolVar(&flags.destinationPublic, "aws-public-object", false, "write the S3 object with a public-read ACL")
	_ = cmd.MarkFlagRequired("azure-container")
	_ = cmd.MarkFlagRequired("azure-blob")
	return cmd
}

func (c *cli) runTransfer(cmd *cobra.Command, src, dst xfer.Endpoint, req xfer.TransferRequest, output string) error {
	if output != "text" && output != "json" {
		return fmt.Errorf("unknown output format %q (want text or json)", output)
	}
	cfg, logger, err := c.config("cli.copy")
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	tel, err := xfer.SetupTelemetry(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer tel.Shutdown(ctx)

	providers := xfer.NewProviders(cfg, logger)
	defer providers.Close()
	source, err := providers.For(src)
	if err != nil {
		return err
	}
	destination, err := providers.For(dst)
	if err != nil {
		return err
	}
	t, err := xfer.NewTransferer(cfg, source, destination, xfer.WithLogger(logger), xfer.WithMetrics(tel.Metrics))
	if err != nil {
		return err
	}
	res, err := t.Transfer(ctx, req)
	if err != nil {
		return err
	}
	return writeResult(cmd.OutOrStdout(), res, output)
}

type resultView struct {
	ID            string `json:"id"`
	Source        string `json:"source"`
	Destination   string `json:"destination"`
	Bytes         int64  `json:"bytes"`
	Chunks        int    `json:"chunks"`
	Mode          string `json:"mode"`
	Renamed       bool   `json:"renamed"`
	SourceDeleted bool   `json:"source_deleted"`
	ContentType   string `json:"content_type,omitempty"`
	DurationMS    int64  `json:"duration_ms"`
}

func newResultView(res *xfer.TransferResult) resultView {
	return resultView{
		ID:            res.ID,
		Source:        res.Source.String(),
		Destination:   res.Destination.String(),
		Bytes:         res.Bytes,
		Chunks:        res.Chunks,
		Mode:          res.Mode,
		Renamed:       res.Renamed,
		SourceDeleted: res.SourceDeleted,
		ContentType:   res.ContentType,
		DurationMS:    res.Duration.Milliseconds(),
	}
}

func writeResult(out io.Writer, res *xfer.TransferResult, output string) error {
	if output == "json" {
		return writeJSON(out, newResultView(res))
	}
	_, err := fmt.Fprintf(out, "destination: %s\nbytes: %d (%s)\nrenamed: %t\nsource_deleted: %t\n",
		res.Destination, res.Bytes, humanize.IBytes(uint64(res.Bytes)), res.Renamed, res.SourceDeleted)
	return err
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
