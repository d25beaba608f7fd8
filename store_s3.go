package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog/log"
)

type S3ClientInterface interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type S3Store struct {
	client   S3ClientInterface
	maxBytes int64
}

func NewS3Store(client S3ClientInterface, maxBytes int64) *S3Store {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxSourceBytes
	}
	return &S3Store{client: client, maxBytes: maxBytes}
}

// NewS3Client builds the SDK client. A non-empty endpoint switches to
// path-style addressing for LocalStack or MinIO.
func NewS3Client(awsCfg aws.Config, endpoint string) *s3.Client {
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
}

func (s *S3Store) Get(ctx context.Context, loc Location) ([]byte, error) {
	start := time.Now()

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
	})
	if err != nil {
		return nil, classifyS3Error(loc, err)
	}
	defer out.Body.Close()

	if size := aws.ToInt64(out.ContentLength); size > s.maxBytes {
		return nil, fmt.Errorf("%w: %s is %d bytes, limit %d", ErrObjectTooLarge, loc, size, s.maxBytes)
	}

	data, err := io.ReadAll(io.LimitReader(out.Body, s.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read body of %s: %w", loc, err)
	}
	if int64(len(data)) > s.maxBytes {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrObjectTooLarge, loc, s.maxBytes)
	}

	log.Debug().
		Str("location", loc.URI()).
		Int("size_bytes", len(data)).
		Dur("duration", time.Since(start)).
		Msg("Object retrieved")

	return data, nil
}

func (s *S3Store) Put(ctx context.Context, loc Location, body []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(loc.Bucket),
		Key:           aws.String(loc.Key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("failed to put %s: %w", loc, err)
	}
	return nil
}

func classifyS3Error(loc Location, err error) error {
	var nsk *s3types.NoSuchKey
	var nf *s3types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &nf) {
		return fmt.Errorf("%w: %s", ErrObjectNotFound, loc)
	}

	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return fmt.Errorf("%w: %s", ErrObjectNotFound, loc)
		case "AccessDenied", "Forbidden":
			return fmt.Errorf("%w: %s: %s", ErrObjectUnreadable, loc, ae.ErrorCode())
		}
	}

	return fmt.Errorf("failed to get %s: %w", loc, err)
}
