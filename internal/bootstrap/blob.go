package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/target/taskqueue/config"
	"github.com/target/taskqueue/internal/data"
)

// NewBlobStore builds the S3 blob store, or returns nil when no bucket is configured.
// Static keys replace the default AWS credential chain when both are set.
func NewBlobStore(ctx context.Context, cfg config.BlobConfig, logger *slog.Logger) (*data.S3BlobRepo, error) {
	if !cfg.IsEnabled() {
		if logger != nil {
			logger.InfoContext(ctx, "blob store disabled", "reason", "BLOB_BUCKET not set")
		}
		return nil, nil
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.HasStaticCredentials() {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	repo, err := data.NewS3BlobRepoFromClient(client, cfg.Bucket, cfg.MaxObjectBytes)
	if err != nil {
		return nil, fmt.Errorf("create blob store: %w", err)
	}
	if logger != nil {
		logger.InfoContext(ctx, "blob store configured", "bucket", cfg.Bucket, "endpoint", cfg.Endpoint)
	}
	return repo, nil
}
