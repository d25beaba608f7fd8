package main

import (
	"context"
	"time"
)

// one published outcome, kept for auditing
type JobLogEntry struct {
	HandlingID string
	MessageID  string
	ImageID    string
	Original   string
	Processed  string
	Status     Status
	Reason     string
	CreatedAt  time.Time
}

// audit trail of published result records, never consulted to skip work
type JobLog interface {
	// records one published result
	Record(ctx context.Context, entry JobLogEntry) error

	// removes old entries to prevent unbounded growth
	Cleanup(ctx context.Context, olderThan time.Duration) error

	// releases any resources, could be a noop if not required
	Close() error
}

type noopJobLog struct{}

func (noopJobLog) Record(ctx context.Context, entry JobLogEntry) error        { return nil }
func (noopJobLog) Cleanup(ctx context.Context, olderThan time.Duration) error { return nil }
func (noopJobLog) Close() error                                               { return nil }

func jobLogEntry(handlingID, messageID string, rec ResultRecord) JobLogEntry {
	entry := JobLogEntry{
		HandlingID: handlingID,
		MessageID:  messageID,
		ImageID:    rec.ImageID,
		Original:   rec.Original,
		Status:     rec.Status,
		CreatedAt:  time.Now(),
	}
	if rec.Processed != nil {
		entry.Processed = *rec.Processed
	}
	if rec.FailureReason != nil {
		entry.Reason = *rec.FailureReason
	}
	return entry
}
