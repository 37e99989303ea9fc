package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"golang.org/x/sync/errgroup"

	"archive-agent/internal/domain"
	"archive-agent/internal/infra/config"
)

// deleteBatch is the DeleteObjects per-request key limit.
const deleteBatch = 1000

// s3API abstracts the S3 client methods for testability.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// S3 stores offloaded files in an S3 (or S3-compatible) bucket.
type S3 struct {
	client s3API
	bucket string
	prefix string
	logger *slog.Logger
}

var _ domain.StorageClient = (*S3)(nil)

// NewS3 creates an S3 backend. Static credentials are used when configured;
// otherwise the default AWS credential chain applies.
func NewS3(ctx context.Context, cfg config.S3Config, prefix string, logger *slog.Logger) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("storage: s3 bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return newS3WithClient(client, cfg.Bucket, prefix, logger), nil
}

// newS3WithClient creates an S3 backend with an injected client (for testing).
func newS3WithClient(client s3API, bucket, prefix string, logger *slog.Logger) *S3 {
	return &S3{client: client, bucket: bucket, prefix: prefix, logger: logger}
}

// Upload puts each object as <prefix><name>.
func (s *S3) Upload(ctx context.Context, objects []domain.StorageObject) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(uploadConcurrency)

	for _, obj := range objects {
		g.Go(func() error { return s.put(ctx, obj) })
	}
	return g.Wait()
}

func (s *S3) put(ctx context.Context, obj domain.StorageObject) error {
	path := obj.Path
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("storage: open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("storage: stat %s: %w", path, err)
	}

	key := objectName(s.prefix, obj)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
	})
	if err != nil {
		return fmt.Errorf("storage: s3 put %s: %w", key, err)
	}
	return nil
}

// Cleanup deletes every object under prefix. A missing bucket means there
// is nothing to clean.
func (s *S3) Cleanup(ctx context.Context, prefix string) error {
	var keys []types.ObjectIdentifier
	pager := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			if missingBucket(err) {
				s.logger.Debug("storage: s3 bucket missing, nothing to clean", "bucket", s.bucket)
				return nil
			}
			return fmt.Errorf("storage: s3 list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, types.ObjectIdentifier{Key: obj.Key})
		}
	}

	for start := 0; start < len(keys); start += deleteBatch {
		end := min(start+deleteBatch, len(keys))
		out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: keys[start:end], Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("storage: s3 delete: %w", err)
		}
		for _, e := range out.Errors {
			s.logger.Debug("storage: s3 delete failed", "key", aws.ToString(e.Key), "code", aws.ToString(e.Code))
		}
	}
	s.logger.Debug("storage: cleanup done", "prefix", prefix, "removed", len(keys))
	return nil
}

func missingBucket(err error) bool {
	var nsb *types.NoSuchBucket
	if errors.As(err, &nsb) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "NoSuchBucket"
}
