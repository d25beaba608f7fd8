package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
)

var version = "dev"

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	// a missing .env is fine, the environment may already be populated
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("Failed to load .env file")
	}

	app := &cli.App{
		Name:    "image-worker",
		Usage:   "Convert uploaded images to grayscale JPEGs from a work queue",
		Version: version,
		Commands: []*cli.Command{
			{
				Name:   "start",
				Usage:  "Start the queue consumer and worker pool",
				Flags:  flags(loggingFlags, sentryFlags, awsFlags, storeFlags, queueFlags, handlerFlags, workerFlags, jobLogFlags),
				Action: startProcessor,
			},
			{
				Name:   "lambda",
				Usage:  "Run as an AWS Lambda function behind an SQS event source mapping",
				Flags:  flags(loggingFlags, sentryFlags, awsFlags, storeFlags, queueFlags, handlerFlags, jobLogFlags, []cli.Flag{concurrencyFlag}),
				Action: startLambda,
			},
			{
				Name:   "ingest",
				Usage:  "Start the HTTP ingestion service",
				Flags:  flags(loggingFlags, awsFlags, storeFlags, queueFlags, ingestFlags),
				Action: startIngest,
			},
			{
				Name:   "migrate",
				Usage:  "Apply job log database migrations",
				Flags:  flags(loggingFlags, []cli.Flag{dbURLFlag}),
				Action: runMigrate,
			},
			{
				Name:  "history",
				Usage: "Print the job log entries recorded for an image",
				Flags: flags(loggingFlags, []cli.Flag{
					dbURLFlag,
					&cli.StringFlag{
						Name:     "image-id",
						Usage:    "Image id to look up",
						Required: true,
					},
				}),
				Action: showHistory,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("Application failed")
	}
}

func setupLogging(c *cli.Context) {
	if c.String("log-format") == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	level, err := zerolog.ParseLevel(c.String("log-level"))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func handlerConfig(c *cli.Context) HandlerConfig {
	return HandlerConfig{
		ProcessedBucket: c.String("processed-bucket"),
		KeyPrefix:       c.String("processed-key-prefix"),
		JPEGQuality:     c.Int("jpeg-quality"),
		MaxSourcePixels: c.Int64("max-source-pixels"),
		OpTimeout:       c.Duration("op-timeout"),
		Quiet:           c.Bool("quiet"),
	}
}

func sentryConfig(c *cli.Context) SentryConfig {
	return SentryConfig{
		DSN:         c.String("sentry-dsn"),
		Environment: c.String("environment"),
		Release:     version,
	}
}

func startProcessor(c *cli.Context) error {
	setupLogging(c)

	if err := initSentry(sentryConfig(c)); err != nil {
		return fmt.Errorf("failed to init sentry: %w", err)
	}
	defer flushSentry()

	ctx := context.Background()

	store, err := newObjectStore(ctx, c)
	if err != nil {
		return err
	}

	queue, err := newWorkQueue(ctx, c)
	if err != nil {
		return fmt.Errorf("failed to open work queue: %w", err)
	}
	defer queue.Close()

	results, err := newPublisher(ctx, c, c.String("results-queue"))
	if err != nil {
		return fmt.Errorf("failed to open result channel: %w", err)
	}
	defer results.Close()

	jobLog, err := newJobLog(c)
	if err != nil {
		return err
	}
	defer jobLog.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := NewMetrics(reg)

	handler, err := NewImageHandler(handlerConfig(c), store, results, WithMetrics(metrics), WithJobLog(jobLog))
	if err != nil {
		return fmt.Errorf("failed to create handler: %w", err)
	}

	processor := NewMessageProcessor(ProcessorConfig{
		Concurrency:     c.Int("concurrency"),
		JobLogRetention: c.Duration("job-log-retention"),
	}, queue, handler, jobLog)

	if addr := c.String("metrics-addr"); addr != "" {
		srv := &http.Server{Addr: addr, Handler: metricsMux(reg), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
		defer srv.Close()
		log.Info().Str("addr", addr).Msg("Serving metrics")
	}

	// shutdown setup
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	log.Info().
		Str("queue_backend", c.String("queue-backend")).
		Str("store_backend", c.String("store-backend")).
		Msg("Starting image processor")
	go processor.Start()

	// wait for shutdown signal / ctrl-c or sigterm which is what docker sends
	var fatalErr error
	select {
	case <-sigChan:
	case fatalErr = <-processor.Fatal():
	}

	log.Info().Msg("Shutting down...")
	processor.Stop()

	if fatalErr != nil {
		return fmt.Errorf("stopped after fatal error: %w", fatalErr)
	}
	return nil
}

func startLambda(c *cli.Context) error {
	setupLogging(c)

	if err := initSentry(sentryConfig(c)); err != nil {
		return fmt.Errorf("failed to init sentry: %w", err)
	}
	defer flushSentry()

	ctx := context.Background()

	store, err := newObjectStore(ctx, c)
	if err != nil {
		return err
	}

	results, err := newPublisher(ctx, c, c.String("results-queue"))
	if err != nil {
		return fmt.Errorf("failed to open result channel: %w", err)
	}
	defer results.Close()

	jobLog, err := newJobLog(c)
	if err != nil {
		return err
	}
	defer jobLog.Close()

	handler, err := NewImageHandler(handlerConfig(c), store, results, WithJobLog(jobLog))
	if err != nil {
		return fmt.Errorf("failed to create handler: %w", err)
	}

	lambda.Start(NewLambdaHandler(handler, c.Int("concurrency")).HandleSQSEvent)
	return nil
}

func startIngest(c *cli.Context) error {
	setupLogging(c)

	ctx := context.Background()

	store, err := newObjectStore(ctx, c)
	if err != nil {
		return err
	}

	requests, err := newPublisher(ctx, c, c.String("requests-queue"))
	if err != nil {
		return fmt.Errorf("failed to open work queue: %w", err)
	}
	defer requests.Close()

	bucket := c.String("uploads-bucket")
	if bucket == "" {
		return errors.New("uploads-bucket is required")
	}

	server := NewIngestServer(store, requests, bucket, c.Int64("max-upload-bytes"))
	srv := &http.Server{
		Addr:              c.String("listen-addr"),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("uploads_bucket", bucket).Msg("Starting ingestion service")
		errChan <- srv.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ingestion service failed: %w", err)
		}
		return nil
	case <-sigChan:
	}

	log.Info().Msg("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runMigrate(c *cli.Context) error {
	setupLogging(c)

	db, err := openDatabase(c)
	if err != nil {
		return err
	}
	defer db.Close()

	log.Info().Msg("Job log migrations applied")
	return nil
}

func showHistory(c *cli.Context) error {
	setupLogging(c)

	db, err := NewDatabase(c.String("db-url"))
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	entries, err := db.ListResultLogsByImage(c.Context, c.String("image-id"))
	if err != nil {
		return fmt.Errorf("failed to list job log: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	for _, e := range entries {
		rec := failureRecord(e.ImageID, e.Original, e.Reason.String)
		if e.Status == string(StatusSuccess) {
			rec = ResultRecord{ImageID: e.ImageID, Original: e.Original, Processed: &e.Processed.String, Status: StatusSuccess}
		}
		if err := enc.Encode(struct {
			ResultRecord
			HandlingID string    `json:"handling_id"`
			MessageID  string    `json:"message_id"`
			CreatedAt  time.Time `json:"created_at"`
		}{rec, e.HandlingID, e.MessageID, e.CreatedAt}); err != nil {
			return err
		}
	}
	return nil
}
