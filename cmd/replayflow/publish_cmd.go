package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/replayflow/replayflow/pkg/config"
	"github.com/replayflow/replayflow/pkg/storage/s3"
	"github.com/replayflow/replayflow/pkg/tui"
)

var (
	bucketFlag    string
	prefixFlag    string
	regionFlag    string
	endpointFlag  string
	pathStyleFlag bool
	forceUpload   bool
)

var uploadCmd = &cobra.Command{
	Use:   "upload [dir]",
	Short: "Publish a dataset directory to S3",
	Long: `Upload every artifact in a dataset directory (wide tables, message
tables, schema documents, report workbooks) to an S3 bucket, preserving
the directory layout under the prefix. Objects that already exist with
the same size are skipped, so an interrupted upload can be rerun.

Examples:
  replayflow upload out/ --bucket replay-datasets --prefix season5/
  replayflow upload out/ --bucket dev --endpoint http://localhost:9000 --path-style`,
	Args: cobra.MaximumNArgs(1),
	RunE: runUpload,
}

func init() {
	uploadCmd.Flags().StringVar(&bucketFlag, "bucket", "", "Target bucket")
	uploadCmd.Flags().StringVar(&prefixFlag, "prefix", "", "Key prefix inside the bucket")
	uploadCmd.Flags().StringVar(&regionFlag, "region", "", "AWS region")
	uploadCmd.Flags().StringVar(&endpointFlag, "endpoint", "", "Custom S3 endpoint (MinIO, LocalStack)")
	uploadCmd.Flags().BoolVar(&pathStyleFlag, "path-style", false, "Use path-style addressing")
	uploadCmd.Flags().BoolVar(&forceUpload, "force", false, "Re-upload objects that already exist")
}

func runUpload(cmd *cobra.Command, args []string) error {
	cfg := config.Global().Get()

	dir := cfg.Extract.Output
	if len(args) > 0 {
		dir = args[0]
	}

	bucket := cfg.Upload.Bucket
	prefix := cfg.Upload.Prefix
	region := cfg.Upload.Region
	endpoint := cfg.Upload.Endpoint
	f := cmd.Flags()
	if f.Changed("bucket") {
		bucket = bucketFlag
	}
	if f.Changed("prefix") {
		prefix = prefixFlag
	}
	if f.Changed("region") {
		region = regionFlag
	}
	if f.Changed("endpoint") {
		endpoint = endpointFlag
	}
	if bucket == "" {
		return fmt.Errorf("no bucket configured (use --bucket or the upload section of the config)")
	}

	s3cfg := s3.DefaultConfig(bucket, region)
	s3cfg.Prefix = prefix
	s3cfg.Endpoint = endpoint
	s3cfg.UsePathStyle = pathStyleFlag
	s3cfg.Force = forceUpload

	ctx, cancel := signalContext()
	defer cancel()

	client, err := s3.NewClient(ctx, s3cfg)
	if err != nil {
		return err
	}

	res, err := client.PublishDir(ctx, dir)
	if err != nil {
		return err
	}

	if verbose {
		for _, u := range res.Uploaded {
			detail := tui.FormatBytes(u.Size)
			if u.Parts > 1 {
				detail += fmt.Sprintf(" in %d parts", u.Parts)
			}
			tui.PrintSuccess(u.Key, detail)
		}
		for _, key := range res.Skipped {
			fmt.Printf("    %s unchanged, skipped\n", key)
		}
	}
	target := "s3://" + res.Bucket
	if res.Prefix != "" {
		target += "/" + res.Prefix
	}
	tui.PrintSuccess(target, fmt.Sprintf("%d uploaded, %d skipped, %s in %s",
		len(res.Uploaded), len(res.Skipped), tui.FormatBytes(res.Bytes), tui.FormatDuration(res.Duration)))
	return nil
}
