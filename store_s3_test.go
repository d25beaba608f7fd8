package main

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func objectOutput(body []byte, withLength bool) *s3.GetObjectOutput {
	out := &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(body))}
	if withLength {
		out.ContentLength = aws.Int64(int64(len(body)))
	}
	return out
}

func TestS3StoreGet(t *testing.T) {
	mockS3 := new(MockS3Client)
	store := NewS3Store(mockS3, 0)

	mockS3.On("GetObject", mock.Anything, mock.MatchedBy(func(input *s3.GetObjectInput) bool {
		return *input.Bucket == "uploads" && *input.Key == "abc.jpg"
	})).Return(objectOutput([]byte("image bytes"), true), nil)

	data, err := store.Get(context.Background(), Location{Bucket: "uploads", Key: "abc.jpg"})
	require.NoError(t, err)
	assert.Equal(t, []byte("image bytes"), data)
}

func TestS3StoreGetClassifiesErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		expect error
	}{
		{name: "no such key", err: &s3types.NoSuchKey{}, expect: ErrObjectNotFound},
		{name: "not found", err: &s3types.NotFound{}, expect: ErrObjectNotFound},
		{name: "no such bucket", err: &smithy.GenericAPIError{Code: "NoSuchBucket"}, expect: ErrObjectNotFound},
		{name: "access denied", err: &smithy.GenericAPIError{Code: "AccessDenied"}, expect: ErrObjectUnreadable},
		{name: "throttled", err: &smithy.GenericAPIError{Code: "SlowDown"}},
		{name: "network", err: assert.AnError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockS3 := new(MockS3Client)
			store := NewS3Store(mockS3, 0)
			mockS3.On("GetObject", mock.Anything, mock.Anything).Return(nil, tt.err)

			_, err := store.Get(context.Background(), Location{Bucket: "uploads", Key: "abc.jpg"})
			require.Error(t, err)

			if tt.expect != nil {
				assert.ErrorIs(t, err, tt.expect)
				return
			}
			assert.NotErrorIs(t, err, ErrObjectNotFound)
			assert.NotErrorIs(t, err, ErrObjectUnreadable)
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestS3StoreGetTooLarge(t *testing.T) {
	body := bytes.Repeat([]byte{1}, 64)

	for name, withLength := range map[string]bool{"declared length": true, "streamed body": false} {
		t.Run(name, func(t *testing.T) {
			mockS3 := new(MockS3Client)
			store := NewS3Store(mockS3, 32)
			mockS3.On("GetObject", mock.Anything, mock.Anything).Return(objectOutput(body, withLength), nil)

			_, err := store.Get(context.Background(), Location{Bucket: "uploads", Key: "big.jpg"})
			assert.ErrorIs(t, err, ErrObjectTooLarge)
		})
	}
}

func TestS3StorePut(t *testing.T) {
	mockS3 := new(MockS3Client)
	store := NewS3Store(mockS3, 0)

	mockS3.On("PutObject", mock.Anything, mock.MatchedBy(func(input *s3.PutObjectInput) bool {
		return *input.Bucket == "processed" &&
			*input.Key == "abc.jpg" &&
			*input.ContentType == "image/jpeg" &&
			*input.ContentLength == 4
	})).Return(&s3.PutObjectOutput{}, nil)

	err := store.Put(context.Background(), Location{Bucket: "processed", Key: "abc.jpg"}, []byte("jpeg"), "image/jpeg")
	require.NoError(t, err)
	mockS3.AssertExpectations(t)
}

func TestS3StorePutError(t *testing.T) {
	mockS3 := new(MockS3Client)
	store := NewS3Store(mockS3, 0)
	mockS3.On("PutObject", mock.Anything, mock.Anything).Return(nil, assert.AnError)

	err := store.Put(context.Background(), Location{Bucket: "processed", Key: "abc.jpg"}, []byte("jpeg"), "image/jpeg")
	assert.ErrorIs(t, err, assert.AnError)
}
