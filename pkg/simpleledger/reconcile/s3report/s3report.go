// Package s3report stores reconciliation reports in an S3 bucket.
package s3report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/tendant/simple-ledger/pkg/simpleledger/reconcile"
)

// KeyTimeFormat is the timestamp layout used in report object keys.
const KeyTimeFormat = "20060102T150405Z"

// Config options for the report bucket
type Config struct {
	Region          string // AWS region
	Bucket          string // S3 bucket name
	Prefix          string // Optional key prefix
	AccessKeyID     string // AWS access key ID
	SecretAccessKey string // AWS secret access key
	Endpoint        string // Optional custom endpoint for S3-compatible services
	UsePathStyle    bool   // Use path-style addressing (default: false)

	// MinIO/S3-compatible service options
	CreateBucketIfNotExist bool
}

// Uploader is the subset of *manager.Uploader used by Writer.
type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// Writer is a reconcile.ReportWriter that puts each report at
// <prefix>/orphans-<timestamp>.json.
type Writer struct {
	uploader Uploader
	bucket   string
	prefix   string
	logger   *slog.Logger
}

var _ reconcile.ReportWriter = (*Writer)(nil)

// New creates a Writer from config, loading AWS credentials the usual way
// unless static keys are given.
func New(ctx context.Context, config Config, logger *slog.Logger) (*Writer, error) {
	if config.Bucket == "" {
		return nil, errors.New("bucket name is required")
	}
	if config.Region == "" {
		config.Region = "us-east-1"
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(config.Region)}
	if config.AccessKeyID != "" && config.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(config.AccessKeyID, config.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Options []func(*s3.Options)
	if config.Endpoint != "" {
		s3Options = append(s3Options, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(config.Endpoint)
			o.UsePathStyle = config.UsePathStyle
		})
	}
	client := s3.NewFromConfig(awsCfg, s3Options...)

	if config.CreateBucketIfNotExist {
		if err := createBucketIfNotExists(ctx, client, config.Bucket, config.Region); err != nil {
			return nil, err
		}
	}

	return NewWithUploader(manager.NewUploader(client), config.Bucket, config.Prefix, logger), nil
}

// NewWithUploader creates a Writer around an existing uploader.
func NewWithUploader(u Uploader, bucket, prefix string, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{uploader: u, bucket: bucket, prefix: prefix, logger: logger}
}

// Key returns the object key a report is stored under.
func (w *Writer) Key(report *reconcile.Report) string {
	name := "orphans-" + report.GeneratedAt.UTC().Format(KeyTimeFormat) + ".json"
	if w.prefix == "" {
		return name
	}
	return path.Join(w.prefix, name)
}

func (w *Writer) WriteReport(ctx context.Context, report *reconcile.Report) error {
	body, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}

	key := w.Key(report)
	_, err = w.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(w.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload report to s3://%s/%s: %w", w.bucket, key, err)
	}

	w.logger.InfoContext(ctx, "reconciliation report stored",
		"bucket", w.bucket,
		"key", key,
		"orphans", len(report.Orphans))
	return nil
}

type bucketAPI interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
}

func createBucketIfNotExists(ctx context.Context, client bucketAPI, bucket, region string) error {
	_, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
	if err == nil {
		return nil
	}
	if !isAPIError(err, "NotFound", "NoSuchBucket", "BadRequest") {
		return fmt.Errorf("failed to check bucket: %w", err)
	}

	input := &s3.CreateBucketInput{Bucket: aws.String(bucket)}
	if region != "us-east-1" {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(region),
		}
	}
	if _, err := client.CreateBucket(ctx, input); err != nil {
		if isAPIError(err, "BucketAlreadyExists", "BucketAlreadyOwnedByYou") {
			return nil
		}
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	return nil
}

func isAPIError(err error, codes ...string) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	for _, code := range codes {
		if apiErr.ErrorCode() == code {
			return true
		}
	}
	return false
}
