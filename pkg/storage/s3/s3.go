// Package s3 publishes finished dataset directories to S3-compatible
// object storage. A dataset is the output directory of an extraction
// run: wide tables and chat tables in Parquet, schema documents in
// JSON, and the batch report workbook. Publishing is idempotent per
// object (same key, same size is skipped) so an interrupted sync can
// simply be rerun.
package s3

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"golang.org/x/sync/errgroup"

	"github.com/replayflow/replayflow/pkg/errors"
	"github.com/replayflow/replayflow/pkg/sink"
)

// Config holds publisher configuration.
type Config struct {
	// Region is the AWS region (e.g. "us-east-1").
	Region string

	// Bucket receives the dataset.
	Bucket string

	// Prefix is prepended to every object key.
	Prefix string

	// Endpoint overrides the default S3 endpoint (for MinIO, LocalStack
	// and other S3-compatible services).
	Endpoint string

	// UsePathStyle forces path-style addressing. Most S3-compatible
	// services outside AWS need this.
	UsePathStyle bool

	// Static credentials. The default AWS chain is used when empty.
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string

	// UploadTimeout bounds each object upload.
	UploadTimeout time.Duration

	// PartSize is the multipart chunk size in bytes. Objects smaller
	// than one part go up in a single PUT.
	PartSize int64

	// Concurrency is the number of objects uploaded in parallel.
	Concurrency int

	// Force re-uploads objects that already exist with the same size.
	Force bool
}

// DefaultConfig returns publisher defaults for the given bucket.
func DefaultConfig(bucket, region string) Config {
	return Config{
		Bucket:        bucket,
		Region:        region,
		UploadTimeout: 5 * time.Minute,
		PartSize:      8 * 1024 * 1024,
		Concurrency:   4,
	}
}

func (c Config) uploadTimeout() time.Duration {
	if c.UploadTimeout <= 0 {
		return 5 * time.Minute
	}
	return c.UploadTimeout
}

func (c Config) partSize() int64 {
	// S3 rejects multipart parts under 5 MiB.
	if c.PartSize < 5*1024*1024 {
		return 8 * 1024 * 1024
	}
	return c.PartSize
}

func (c Config) concurrency() int {
	if c.Concurrency <= 0 {
		return 4
	}
	return c.Concurrency
}

// Client publishes datasets to a single bucket.
type Client struct {
	cfg    Config
	client *s3.Client
}

// NewClient creates a publisher from the AWS default credential chain,
// overridden by any static credentials or custom endpoint in cfg.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Bucket == "" {
		return nil, errors.New(errors.CodeUploadFailed, "bucket is required")
	}

	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID,
				cfg.SecretAccessKey,
				cfg.SessionToken,
			),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeUploadFailed, "load aws config")
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return &Client{
		cfg:    cfg,
		client: s3.NewFromConfig(awsCfg, s3Opts...),
	}, nil
}

// Bucket returns the target bucket name.
func (c *Client) Bucket() string {
	return c.cfg.Bucket
}

// Upload describes one published object.
type Upload struct {
	Key   string
	Size  int64
	Parts int
}

// Result summarizes a publish run.
type Result struct {
	Bucket   string
	Prefix   string
	Uploaded []Upload
	Skipped  []string
	Bytes    int64
	Duration time.Duration
}

// artifactTypes maps dataset file extensions to their content types.
// Anything else in the directory (temp files, checkpoints, stray
// downloads) is not part of the dataset and never uploaded.
var artifactTypes = map[string]string{
	".parquet": "application/vnd.apache.parquet",
	".json":    "application/json",
	".xlsx":    "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
}

func isArtifact(name string) bool {
	_, ok := artifactTypes[strings.ToLower(filepath.Ext(name))]
	return ok
}

func contentType(name string) string {
	if ct, ok := artifactTypes[strings.ToLower(filepath.Ext(name))]; ok {
		return ct
	}
	return "application/octet-stream"
}

// keyFor maps a file's path relative to the dataset root onto an
// object key under the configured prefix, always using forward slashes.
func keyFor(prefix, rel string) string {
	return path.Join(prefix, filepath.ToSlash(rel))
}

// PublishDir uploads every dataset artifact under dir to the bucket,
// preserving the directory layout beneath the prefix. Objects that
// already exist with the same size are skipped unless Force is set.
// Failures carry code E503 and the run can be retried; completed
// objects are skipped on the next pass.
func (c *Client) PublishDir(ctx context.Context, dir string) (*Result, error) {
	start := time.Now()

	files, err := collectArtifacts(dir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no dataset artifacts under %s", dir)
	}

	res := &Result{
		Bucket: c.cfg.Bucket,
		Prefix: c.cfg.Prefix,
	}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.concurrency())
	for _, f := range files {
		f := f
		g.Go(func() error {
			key := keyFor(c.cfg.Prefix, f.rel)

			if !c.cfg.Force {
				remote, err := c.head(gctx, key)
				if err != nil {
					return err
				}
				if remote == f.size {
					mu.Lock()
					res.Skipped = append(res.Skipped, key)
					mu.Unlock()
					return nil
				}
			}

			parts, err := c.uploadFile(gctx, key, f.path, f.size)
			if err != nil {
				return err
			}
			mu.Lock()
			res.Uploaded = append(res.Uploaded, Upload{Key: key, Size: f.size, Parts: parts})
			res.Bytes += f.size
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(res.Uploaded, func(i, j int) bool { return res.Uploaded[i].Key < res.Uploaded[j].Key })
	sort.Strings(res.Skipped)
	res.Duration = time.Since(start)
	return res, nil
}

type localFile struct {
	path string
	rel  string
	size int64
}

func collectArtifacts(dir string) ([]localFile, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("dataset directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}

	var files []localFile
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isArtifact(d.Name()) {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		files = append(files, localFile{path: p, rel: rel, size: fi.Size()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk dataset: %w", err)
	}
	return files, nil
}

// head returns the size of an existing object, or -1 when the key does
// not exist.
func (c *Client) head(ctx context.Context, key string) (int64, error) {
	out, err := c.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nf *types.NotFound
		if stderrors.As(err, &nf) {
			return -1, nil
		}
		return 0, errors.Wrap(err, errors.CodeUploadFailed, "head object").
			WithContext("bucket", c.cfg.Bucket).
			WithContext("key", key)
	}
	return aws.ToInt64(out.ContentLength), nil
}

func (c *Client) uploadFile(ctx context.Context, key, local string, size int64) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.uploadTimeout())
	defer cancel()

	f, err := os.Open(local)
	if err != nil {
		return 0, errors.Wrap(err, errors.CodeUploadFailed, "open artifact").
			WithContext("path", local)
	}
	defer f.Close()

	if size < c.cfg.partSize() {
		return 1, c.putObject(ctx, key, f, size)
	}
	return c.multipartUpload(ctx, key, f)
}

func (c *Client) putObject(ctx context.Context, key string, r io.Reader, size int64) error {
	_, err := c.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.cfg.Bucket),
		Key:           aws.String(key),
		Body:          r,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType(key)),
		Metadata:      objectMetadata(),
	})
	if err != nil {
		return errors.Wrap(err, errors.CodeUploadFailed, "put object").
			WithContext("bucket", c.cfg.Bucket).
			WithContext("key", key)
	}
	return nil
}

// multipartUpload streams the file in PartSize chunks. The upload is
// aborted on any error so the bucket never accumulates orphan parts.
func (c *Client) multipartUpload(ctx context.Context, key string, f *os.File) (int, error) {
	create, err := c.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(c.cfg.Bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType(key)),
		Metadata:    objectMetadata(),
	})
	if err != nil {
		return 0, errors.Wrap(err, errors.CodeUploadFailed, "create multipart upload").
			WithContext("bucket", c.cfg.Bucket).
			WithContext("key", key)
	}
	uploadID := aws.ToString(create.UploadId)

	abort := func() {
		// Abort with a fresh context so cancellation does not strand parts.
		actx, acancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer acancel()
		_, _ = c.client.AbortMultipartUpload(actx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(c.cfg.Bucket),
			Key:      aws.String(key),
			UploadId: aws.String(uploadID),
		})
	}

	var completed []types.CompletedPart
	buf := make([]byte, c.cfg.partSize())
	for partNum := int32(1); ; partNum++ {
		n, rerr := io.ReadFull(f, buf)
		if n > 0 {
			out, err := c.client.UploadPart(ctx, &s3.UploadPartInput{
				Bucket:        aws.String(c.cfg.Bucket),
				Key:           aws.String(key),
				UploadId:      aws.String(uploadID),
				PartNumber:    aws.Int32(partNum),
				Body:          bytes.NewReader(buf[:n]),
				ContentLength: aws.Int64(int64(n)),
			})
			if err != nil {
				abort()
				return 0, errors.Wrap(err, errors.CodeUploadFailed, "upload part").
					WithContext("key", key).
					WithContext("part", fmt.Sprintf("%d", partNum))
			}
			completed = append(completed, types.CompletedPart{
				ETag:       out.ETag,
				PartNumber: aws.Int32(partNum),
			})
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			abort()
			return 0, errors.Wrap(rerr, errors.CodeUploadFailed, "read artifact").
				WithContext("key", key)
		}
	}

	_, err = c.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(c.cfg.Bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: completed,
		},
	})
	if err != nil {
		abort()
		return 0, errors.Wrap(err, errors.CodeUploadFailed, "complete multipart upload").
			WithContext("key", key)
	}
	return len(completed), nil
}

func objectMetadata() map[string]string {
	return map[string]string{"generated-by": sink.GeneratedBy}
}
