package main

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Region    string
}

type MinioStore struct {
	client   *minio.Client
	maxBytes int64
}

func NewMinioStore(cfg MinioConfig, maxBytes int64) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio connection: %w", err)
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxSourceBytes
	}
	return &MinioStore{client: client, maxBytes: maxBytes}, nil
}

func (m *MinioStore) Get(ctx context.Context, loc Location) ([]byte, error) {
	obj, err := m.client.GetObject(ctx, loc.Bucket, loc.Key, minio.GetObjectOptions{})
	if err != nil {
		return nil, classifyMinioError(loc, err)
	}
	defer obj.Close()

	info, err := obj.Stat()
	if err != nil {
		return nil, classifyMinioError(loc, err)
	}
	if info.Size > m.maxBytes {
		return nil, fmt.Errorf("%w: %s is %d bytes, limit %d", ErrObjectTooLarge, loc, info.Size, m.maxBytes)
	}

	data, err := io.ReadAll(io.LimitReader(obj, m.maxBytes+1))
	if err != nil {
		return nil, classifyMinioError(loc, err)
	}
	if int64(len(data)) > m.maxBytes {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrObjectTooLarge, loc, m.maxBytes)
	}
	return data, nil
}

func (m *MinioStore) Put(ctx context.Context, loc Location, body []byte, contentType string) error {
	_, err := m.client.PutObject(ctx, loc.Bucket, loc.Key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("failed to put %s: %w", loc, err)
	}
	return nil
}

func classifyMinioError(loc Location, err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket", "NotFound":
		return fmt.Errorf("%w: %s", ErrObjectNotFound, loc)
	case "AccessDenied":
		return fmt.Errorf("%w: %s: AccessDenied", ErrObjectUnreadable, loc)
	}
	return fmt.Errorf("failed to get %s: %w", loc, err)
}
