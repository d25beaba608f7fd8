package main

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/redis/go-redis/v9"
	"github.com/rs/xid"
	"github.com/urfave/cli/v2"
)

func loadAWSConfig(ctx context.Context, c *cli.Context) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error
	if region := c.String("aws-region"); region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	if id := c.String("aws-access-key-id"); id != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(id, c.String("aws-secret-access-key"), ""),
		))
	}

	awsCFG, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return awsCFG, nil
}

func newObjectStore(ctx context.Context, c *cli.Context) (ObjectStore, error) {
	maxBytes := c.Int64("max-source-bytes")

	switch backend := c.String("store-backend"); backend {
	case "s3":
		awsCFG, err := loadAWSConfig(ctx, c)
		if err != nil {
			return nil, err
		}
		return NewS3Store(NewS3Client(awsCFG, c.String("s3-endpoint")), maxBytes), nil
	case "minio":
		return NewMinioStore(MinioConfig{
			Endpoint:  c.String("minio-endpoint"),
			AccessKey: c.String("minio-access-key"),
			SecretKey: c.String("minio-secret-key"),
			UseSSL:    c.Bool("minio-use-ssl"),
			Region:    c.String("aws-region"),
		}, maxBytes)
	default:
		return nil, fmt.Errorf("invalid store-backend: %s", backend)
	}
}

// publisher is the write side of a queue, used for results and by ingestion
type publisher interface {
	ResultPublisher
	Enqueuer
}

// newPublisher opens a writer for the named queue: an SQS queue URL, a
// Redis stream or a RabbitMQ queue depending on the backend.
func newPublisher(ctx context.Context, c *cli.Context, queue string) (publisher, error) {
	if queue == "" {
		return nil, fmt.Errorf("queue name is required for %s backend", c.String("queue-backend"))
	}

	switch backend := c.String("queue-backend"); backend {
	case "sqs":
		awsCFG, err := loadAWSConfig(ctx, c)
		if err != nil {
			return nil, err
		}
		return NewSQSPublisher(NewSQSClient(awsCFG, c.String("sqs-endpoint")), queue), nil
	case "redis":
		rc, err := newRedisClient(ctx, c)
		if err != nil {
			return nil, err
		}
		return &closingPublisher{
			publisher: NewRedisStreamPublisher(rc, queue, c.Int64("redis-max-len")),
			close:     rc.Close,
		}, nil
	case "rabbitmq":
		return NewRabbitMQPublisher(c.String("rabbitmq-url"), queue)
	default:
		return nil, fmt.Errorf("invalid queue-backend: %s", backend)
	}
}

func newWorkQueue(ctx context.Context, c *cli.Context) (WorkQueue, error) {
	name := c.String("requests-queue")
	if name == "" {
		return nil, fmt.Errorf("requests-queue is required")
	}

	switch backend := c.String("queue-backend"); backend {
	case "sqs":
		awsCFG, err := loadAWSConfig(ctx, c)
		if err != nil {
			return nil, err
		}
		return NewSQSQueue(NewSQSClient(awsCFG, c.String("sqs-endpoint")), name), nil
	case "redis":
		rc, err := newRedisClient(ctx, c)
		if err != nil {
			return nil, err
		}
		q, err := NewRedisStreamQueue(ctx, rc, RedisStreamConfig{
			Stream:    name,
			Group:     c.String("redis-group"),
			Consumer:  consumerName(c.String("redis-consumer")),
			Batch:     10,
			ClaimIdle: c.Duration("redis-claim-idle"),
		})
		if err != nil {
			rc.Close()
			return nil, err
		}
		return &closingQueue{WorkQueue: q, close: rc.Close}, nil
	case "rabbitmq":
		return NewRabbitMQQueue(RabbitMQConfig{
			URL:          c.String("rabbitmq-url"),
			Queue:        name,
			Consumer:     consumerName(""),
			Prefetch:     c.Int("concurrency"),
			RequeueDelay: c.Duration("rabbitmq-requeue-delay"),
		})
	default:
		return nil, fmt.Errorf("invalid queue-backend: %s", backend)
	}
}

func newRedisClient(ctx context.Context, c *cli.Context) (redis.UniversalClient, error) {
	rc := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{c.String("redis-addr")},
		Password: c.String("redis-password"),
	})
	if err := rc.Ping(ctx).Err(); err != nil {
		rc.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rc, nil
}

func consumerName(name string) string {
	if name != "" {
		return name
	}
	host, err := os.Hostname()
	if err != nil {
		host = "worker"
	}
	return host + "-" + xid.New().String()
}

func newJobLog(c *cli.Context) (JobLog, error) {
	switch kind := c.String("job-log"); kind {
	case "none", "":
		return noopJobLog{}, nil
	case "memory":
		return NewInMemoryJobLog(), nil
	case "postgres":
		db, err := openDatabase(c)
		if err != nil {
			return nil, err
		}
		return &closingJobLog{JobLog: NewPostgresJobLog(db), close: db.Close}, nil
	default:
		return nil, fmt.Errorf("invalid job-log: %s", kind)
	}
}

func openDatabase(c *cli.Context) (*Database, error) {
	db, err := NewDatabase(c.String("db-url"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// wrappers that also release the underlying connection on Close

type closingPublisher struct {
	publisher
	close func() error
}

func (p *closingPublisher) Close() error {
	if err := p.publisher.Close(); err != nil {
		return err
	}
	return p.close()
}

type closingQueue struct {
	WorkQueue
	close func() error
}

func (q *closingQueue) Close() error {
	if err := q.WorkQueue.Close(); err != nil {
		return err
	}
	return q.close()
}

type closingJobLog struct {
	JobLog
	close func() error
}

func (j *closingJobLog) Close() error {
	if err := j.JobLog.Close(); err != nil {
		return err
	}
	return j.close()
}
