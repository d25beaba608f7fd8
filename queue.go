package main

import (
	"context"
	"time"
)

// a single message received from the work queue
type Delivery struct {
	ID           string
	Body         []byte
	Receipt      string
	ReceiveCount int
}

type QueueStats struct {
	Available int64
	InFlight  int64
	Delayed   int64
}

// durable, at-least-once source of processing requests
type WorkQueue interface {
	// blocks until messages arrive or the backend's poll window elapses
	Receive(ctx context.Context) ([]Delivery, error)

	// removes the message, it will not be redelivered
	Ack(ctx context.Context, d Delivery) error

	// gives the message back for redelivery, a no-op where the backend
	// redelivers on its own after a lease timeout
	Release(ctx context.Context, d Delivery) error

	// pushes back redelivery of a message we could not start yet
	Extend(ctx context.Context, d Delivery, by time.Duration) error

	Stats(ctx context.Context) (QueueStats, error)

	Close() error
}

// sends a raw request body to a queue, used by the ingestion service
type Enqueuer interface {
	Enqueue(ctx context.Context, body []byte) error
}

// durable, at-least-once channel for completion notifications
type ResultPublisher interface {
	Publish(ctx context.Context, rec ResultRecord) error
	Close() error
}
