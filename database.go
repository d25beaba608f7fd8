package main

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

type DatabaseInterface interface {
	CreateResultLog(ctx context.Context, params CreateResultLogParams) error
	DeleteResultLogsBefore(ctx context.Context, cutoff time.Time) error
	ListResultLogsByImage(ctx context.Context, imageID string) ([]ResultLog, error)
	Close() error
}

type Database struct {
	db      *sql.DB
	queries *Queries
}

func NewDatabase(databaseURL string) (*Database, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	return &Database{
		db:      db,
		queries: New(db),
	}, nil
}

// Migrate applies the embedded schema migrations.
func (d *Database) Migrate() error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.Up(d.db, "migrations"); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) CreateResultLog(ctx context.Context, params CreateResultLogParams) error {
	return d.queries.CreateResultLog(ctx, params)
}

func (d *Database) DeleteResultLogsBefore(ctx context.Context, cutoff time.Time) error {
	return d.queries.DeleteResultLogsBefore(ctx, cutoff)
}

func (d *Database) ListResultLogsByImage(ctx context.Context, imageID string) ([]ResultLog, error) {
	return d.queries.ListResultLogsByImage(ctx, imageID)
}

type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

type DBTX interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
	PrepareContext(context.Context, string) (*sql.Stmt, error)
	QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}

type CreateResultLogParams struct {
	HandlingID string
	MessageID  string
	ImageID    string
	Original   string
	Processed  string
	Status     string
	Reason     string
	CreatedAt  time.Time
}

type ResultLog struct {
	ID         int64          `json:"id"`
	HandlingID string         `json:"handling_id"`
	MessageID  string         `json:"message_id"`
	ImageID    string         `json:"image_id"`
	Original   string         `json:"original"`
	Processed  sql.NullString `json:"processed"`
	Status     string         `json:"status"`
	Reason     sql.NullString `json:"reason"`
	CreatedAt  time.Time      `json:"created_at"`
}

const createResultLog = `-- name: CreateResultLog :exec
INSERT INTO result_logs (handling_id, message_id, image_id, original, processed, status, reason, created_at)
VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, NULLIF($7, ''), $8)
`

func (q *Queries) CreateResultLog(ctx context.Context, arg CreateResultLogParams) error {
	_, err := q.db.ExecContext(ctx, createResultLog,
		arg.HandlingID,
		arg.MessageID,
		arg.ImageID,
		arg.Original,
		arg.Processed,
		arg.Status,
		arg.Reason,
		arg.CreatedAt,
	)
	return err
}

const deleteResultLogsBefore = `-- name: DeleteResultLogsBefore :exec
DELETE FROM result_logs WHERE created_at < $1
`

func (q *Queries) DeleteResultLogsBefore(ctx context.Context, cutoff time.Time) error {
	_, err := q.db.ExecContext(ctx, deleteResultLogsBefore, cutoff)
	return err
}

const listResultLogsByImage = `-- name: ListResultLogsByImage :many
SELECT id, handling_id, message_id, image_id, original, processed, status, reason, created_at
FROM result_logs WHERE image_id = $1 ORDER BY created_at
`

func (q *Queries) ListResultLogsByImage(ctx context.Context, imageID string) ([]ResultLog, error) {
	rows, err := q.db.QueryContext(ctx, listResultLogsByImage, imageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []ResultLog
	for rows.Next() {
		var i ResultLog
		if err := rows.Scan(
			&i.ID,
			&i.HandlingID,
			&i.MessageID,
			&i.ImageID,
			&i.Original,
			&i.Processed,
			&i.Status,
			&i.Reason,
			&i.CreatedAt,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	return items, rows.Err()
}
