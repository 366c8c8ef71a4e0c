package data

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/target/taskqueue/internal/core"
	"github.com/target/taskqueue/internal/domain/model"
)

// DefaultMaxObjectBytes caps how much of a single object Get will read.
const DefaultMaxObjectBytes int64 = 256 << 20

// s3API is the subset of the S3 client used by S3BlobRepo.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// s3PresignAPI is the subset of the S3 presign client used by S3BlobRepo.
type s3PresignAPI interface {
	PresignGetObject(
		ctx context.Context,
		in *s3.GetObjectInput,
		optFns ...func(*s3.PresignOptions),
	) (*v4.PresignedHTTPRequest, error)
}

// S3BlobRepoOptions configures an S3BlobRepo.
type S3BlobRepoOptions struct {
	Client s3API
	// Presigner is optional; without it PresignGet returns an error.
	Presigner      s3PresignAPI
	Bucket         string
	MaxObjectBytes int64
}

// S3BlobRepo implements core.BlobStore on a single S3 (or S3-compatible) bucket.
type S3BlobRepo struct {
	client    s3API
	presigner s3PresignAPI
	bucket    string
	maxBytes  int64
}

var (
	_ core.BlobStore     = (*S3BlobRepo)(nil)
	_ core.BlobPresigner = (*S3BlobRepo)(nil)
)

// NewS3BlobRepo creates a new S3BlobRepo.
func NewS3BlobRepo(opts S3BlobRepoOptions) (*S3BlobRepo, error) {
	if opts.Client == nil {
		return nil, errors.New("s3 client is required")
	}
	if strings.TrimSpace(opts.Bucket) == "" {
		return nil, errors.New("s3 bucket is required")
	}
	maxBytes := opts.MaxObjectBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxObjectBytes
	}
	return &S3BlobRepo{
		client:    opts.Client,
		presigner: opts.Presigner,
		bucket:    opts.Bucket,
		maxBytes:  maxBytes,
	}, nil
}

// NewS3BlobRepoFromClient wires a real S3 client plus its presign client.
func NewS3BlobRepoFromClient(client *s3.Client, bucket string, maxObjectBytes int64) (*S3BlobRepo, error) {
	if client == nil {
		return nil, errors.New("s3 client is required")
	}
	return NewS3BlobRepo(S3BlobRepoOptions{
		Client:         client,
		Presigner:      s3.NewPresignClient(client),
		Bucket:         bucket,
		MaxObjectBytes: maxObjectBytes,
	})
}

// Put uploads data under key, replacing any existing object.
func (r *S3BlobRepo) Put(ctx context.Context, key string, data []byte) error {
	if key == "" {
		return errors.New("key cannot be empty")
	}
	_, err := r.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(r.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return fmt.Errorf("s3 put %s: %w", key, err)
	}
	return nil
}

// Get downloads the object stored under key. Missing keys return model.ErrBlobNotFound.
func (r *S3BlobRepo) Get(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, errors.New("key cannot be empty")
	}
	out, err := r.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("s3 get %s: %w", key, model.ErrBlobNotFound)
		}
		return nil, fmt.Errorf("s3 get %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(io.LimitReader(out.Body, r.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("s3 read %s: %w", key, err)
	}
	if int64(len(data)) > r.maxBytes {
		return nil, fmt.Errorf("s3 object %s exceeds %d bytes", key, r.maxBytes)
	}
	return data, nil
}

// PresignGet returns a URL that downloads key until ttl elapses.
func (r *S3BlobRepo) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if r.presigner == nil {
		return "", errors.New("s3 presigner not configured")
	}
	req, err := r.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("s3 presign %s: %w", key, err)
	}
	return req.URL, nil
}
