package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Store keeps blobs in one bucket under an optional key prefix
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Store loads AWS config for region. Static keys are used when given,
// otherwise the default credential chain applies.
func NewS3Store(ctx context.Context, bucket, prefix, region, accessKey, secretKey string) (*S3Store, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if accessKey != "" && secretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return &S3Store{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}, nil
}

func (s *S3Store) key(ref string) string {
	if s.prefix == "" {
		return ref
	}
	return s.prefix + "/" + ref
}

func (s *S3Store) Put(ctx context.Context, name string, r io.Reader, contentType string) (string, error) {
	ref := NewRef(dirFor(contentType, name), name)
	body, ok := r.(io.ReadSeeker)
	if !ok {
		// uploads are size-capped, so buffering keeps the payload signable
		data, err := io.ReadAll(r)
		if err != nil {
			return "", fmt.Errorf("reading upload: %w", err)
		}
		body = bytes.NewReader(data)
	}
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(ref)),
		Body:   body,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("S3 PutObject %s/%s: %w", s.bucket, ref, err)
	}
	return ref, nil
}

func (s *S3Store) Get(ctx context.Context, ref string) (io.ReadCloser, error) {
	if !validRef(ref) {
		return nil, ErrNotFound
	}
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(ref)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("S3 GetObject %s/%s: %w", s.bucket, ref, err)
	}
	return resp.Body, nil
}

func (s *S3Store) Delete(ctx context.Context, ref string) error {
	if !validRef(ref) {
		return ErrNotFound
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(ref)),
	})
	if err != nil {
		return fmt.Errorf("S3 DeleteObject %s/%s: %w", s.bucket, ref, err)
	}
	return nil
}
