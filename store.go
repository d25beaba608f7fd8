package main

import "context"

// blob storage used for the uploads and processed buckets
type ObjectStore interface {
	// returns ErrObjectNotFound, ErrObjectUnreadable or ErrObjectTooLarge for
	// conditions that will not change on retry
	Get(ctx context.Context, loc Location) ([]byte, error)

	// full overwrite of the object at loc
	Put(ctx context.Context, loc Location, body []byte, contentType string) error
}

const DefaultMaxSourceBytes int64 = 50 << 20
