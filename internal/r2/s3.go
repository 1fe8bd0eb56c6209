package r2

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/cryguy/worker/v3/internal/core"
)

// s3API is the subset of *s3.Client used by S3Bucket.
type s3API interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Bucket is an R2Bucket stored in an S3-compatible service. R2 itself,
// MinIO and LocalStack all work through a custom endpoint.
type S3Bucket struct {
	client s3API
	bucket string
	prefix string
}

var _ core.R2Bucket = (*S3Bucket)(nil)

// S3Config holds configuration for S3Bucket.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string // Optional custom endpoint (R2, MinIO, LocalStack)
	Prefix   string // Optional key prefix
}

// NewS3Bucket creates a bucket using the default AWS credential chain.
func NewS3Bucket(ctx context.Context, cfg S3Config) (*S3Bucket, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket name must not be empty")
	}
	region := cfg.Region
	if region == "" {
		region = "auto"
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Bucket{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *S3Bucket) objectKey(key string) string { return s.prefix + key }

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &nf) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}

func trimETag(etag *string) string {
	return strings.Trim(aws.ToString(etag), `"`)
}

func (s *S3Bucket) Head(ctx context.Context, key string) (*core.R2Object, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("s3 head failed for %s: %w", key, err)
	}
	return &core.R2Object{
		Key:            key,
		Size:           aws.ToInt64(out.ContentLength),
		ContentType:    aws.ToString(out.ContentType),
		ETag:           trimETag(out.ETag),
		LastModified:   aws.ToTime(out.LastModified),
		CustomMetadata: out.Metadata,
	}, nil
}

func (s *S3Bucket) Get(ctx context.Context, key string) (*core.R2ObjectBody, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("s3 get failed for %s: %w", key, err)
	}
	defer func() { _ = out.Body.Close() }()

	if size := aws.ToInt64(out.ContentLength); size > MaxObjectSize {
		return nil, fmt.Errorf("%w: object is %d bytes (max %d)", core.ErrValueTooLarge, size, MaxObjectSize)
	}
	data, err := io.ReadAll(io.LimitReader(out.Body, MaxObjectSize+1))
	if err != nil {
		return nil, fmt.Errorf("s3 get failed for %s: %w", key, err)
	}
	return &core.R2ObjectBody{
		R2Object: core.R2Object{
			Key:            key,
			Size:           int64(len(data)),
			ContentType:    aws.ToString(out.ContentType),
			ETag:           trimETag(out.ETag),
			LastModified:   aws.ToTime(out.LastModified),
			CustomMetadata: out.Metadata,
		},
		Body: data,
	}, nil
}

func (s *S3Bucket) Put(ctx context.Context, key string, data []byte, opts core.R2PutOptions) (*core.R2Object, error) {
	if err := validatePut(key, data); err != nil {
		return nil, err
	}
	contentType := opts.ContentType
	if contentType == "" {
		contentType = defaultContentType
	}
	out, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.objectKey(key)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		Metadata:    opts.CustomMetadata,
	})
	if err != nil {
		return nil, fmt.Errorf("s3 put failed for %s: %w", key, err)
	}
	return &core.R2Object{
		Key:            key,
		Size:           int64(len(data)),
		ContentType:    contentType,
		ETag:           trimETag(out.ETag),
		CustomMetadata: opts.CustomMetadata,
	}, nil
}

// maxDeleteKeys is the S3 limit on keys per DeleteObjects call.
const maxDeleteKeys = 1000

func (s *S3Bucket) Delete(ctx context.Context, keys ...string) error {
	for start := 0; start < len(keys); start += maxDeleteKeys {
		end := min(start+maxDeleteKeys, len(keys))
		ids := make([]types.ObjectIdentifier, 0, end-start)
		for _, key := range keys[start:end] {
			if err := validateKey(key); err != nil {
				return err
			}
			ids = append(ids, types.ObjectIdentifier{Key: aws.String(s.objectKey(key))})
		}
		out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("s3 delete failed: %w", err)
		}
		if len(out.Errors) > 0 {
			e := out.Errors[0]
			return fmt.Errorf("s3 delete failed for %s: %s", aws.ToString(e.Key), aws.ToString(e.Message))
		}
	}
	return nil
}

func (s *S3Bucket) List(ctx context.Context, opts core.R2ListOptions) (*core.R2ListResult, error) {
	limit := opts.Limit
	if limit <= 0 || limit > core.DefaultR2ListLimit {
		limit = core.DefaultR2ListLimit
	}
	in := &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		Prefix:  aws.String(s.objectKey(opts.Prefix)),
		MaxKeys: aws.Int32(int32(limit)),
	}
	if opts.Delimiter != "" {
		in.Delimiter = aws.String(opts.Delimiter)
	}
	if opts.Cursor != "" {
		in.ContinuationToken = aws.String(opts.Cursor)
	}
	out, err := s.client.ListObjectsV2(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("s3 list failed: %w", err)
	}

	result := &core.R2ListResult{
		Objects:           make([]core.R2Object, 0, len(out.Contents)),
		DelimitedPrefixes: make([]string, 0, len(out.CommonPrefixes)),
		Truncated:         aws.ToBool(out.IsTruncated),
	}
	if result.Truncated {
		result.Cursor = aws.ToString(out.NextContinuationToken)
	}
	for _, obj := range out.Contents {
		result.Objects = append(result.Objects, core.R2Object{
			Key:          strings.TrimPrefix(aws.ToString(obj.Key), s.prefix),
			Size:         aws.ToInt64(obj.Size),
			ETag:         trimETag(obj.ETag),
			LastModified: aws.ToTime(obj.LastModified),
		})
	}
	for _, p := range out.CommonPrefixes {
		result.DelimitedPrefixes = append(result.DelimitedPrefixes, strings.TrimPrefix(aws.ToString(p.Prefix), s.prefix))
	}
	return result, nil
}
