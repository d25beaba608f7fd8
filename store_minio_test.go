package main

import (
	"errors"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
)

func TestClassifyMinioError(t *testing.T) {
	loc := Location{Bucket: "uploads", Key: "abc.jpg"}
	generic := errors.New("connection reset by peer")

	tests := []struct {
		name        string
		err         error
		expectIs    error
		expectNotIs []error
	}{
		{
			name:        "missing key",
			err:         minio.ErrorResponse{Code: "NoSuchKey", StatusCode: 404},
			expectIs:    ErrObjectNotFound,
			expectNotIs: []error{ErrObjectUnreadable},
		},
		{
			name:        "missing bucket",
			err:         minio.ErrorResponse{Code: "NoSuchBucket", StatusCode: 404},
			expectIs:    ErrObjectNotFound,
			expectNotIs: []error{ErrObjectUnreadable},
		},
		{
			name:        "access denied",
			err:         minio.ErrorResponse{Code: "AccessDenied", StatusCode: 403},
			expectIs:    ErrObjectUnreadable,
			expectNotIs: []error{ErrObjectNotFound},
		},
		{
			name:        "transport failure stays transient",
			err:         generic,
			expectIs:    generic,
			expectNotIs: []error{ErrObjectNotFound, ErrObjectUnreadable},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyMinioError(loc, tt.err)
			assert.ErrorIs(t, err, tt.expectIs)
			for _, other := range tt.expectNotIs {
				assert.NotErrorIs(t, err, other)
			}
			assert.Contains(t, err.Error(), "s3://uploads/abc.jpg")
		})
	}
}
