package main

import (
	"context"
	"time"
)

type PostgresJobLog struct {
	db DatabaseInterface
}

func NewPostgresJobLog(db DatabaseInterface) *PostgresJobLog {
	return &PostgresJobLog{db: db}
}

func (p *PostgresJobLog) Record(ctx context.Context, entry JobLogEntry) error {
	return p.db.CreateResultLog(ctx, CreateResultLogParams{
		HandlingID: entry.HandlingID,
		MessageID:  entry.MessageID,
		ImageID:    entry.ImageID,
		Original:   entry.Original,
		Processed:  entry.Processed,
		Status:     string(entry.Status),
		Reason:     entry.Reason,
		CreatedAt:  entry.CreatedAt,
	})
}

func (p *PostgresJobLog) Cleanup(ctx context.Context, olderThan time.Duration) error {
	return p.db.DeleteResultLogsBefore(ctx, time.Now().Add(-olderThan))
}

func (p *PostgresJobLog) Close() error {
	// DB connection is managed elsewhere, nothing to close here
	return nil
}
