package main

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// MessageHandler settles one delivery. See ImageHandler.Handle for the
// meaning of the returned error.
type MessageHandler interface {
	Handle(ctx context.Context, d Delivery) (ResultRecord, error)
}

type ProcessorConfig struct {
	Concurrency     int
	ExtendBy        time.Duration // visibility extension when the pool is full
	DispatchTimeout time.Duration // how long to wait for a free pool slot
	JobLogRetention time.Duration
}

func (c *ProcessorConfig) applyDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 10
	}
	if c.ExtendBy <= 0 {
		c.ExtendBy = 60 * time.Second
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = 2 * time.Second
	}
	if c.JobLogRetention <= 0 {
		c.JobLogRetention = 7 * 24 * time.Hour
	}
}

// pulls deliveries off the work queue and feeds them to a worker pool
type MessageProcessor struct {
	config  ProcessorConfig
	queue   WorkQueue
	handler MessageHandler
	jobLog  JobLog
	pool    *WorkerPool

	// ctx stops polling and monitors, poolCtx is cancelled only once the
	// pool has drained so in-flight handlings can finish
	ctx        context.Context
	cancel     context.CancelFunc
	poolCtx    context.Context
	poolCancel context.CancelFunc

	started  atomic.Bool
	pollDone chan struct{}
	stopOnce sync.Once
	fatalErr chan error
}

func NewMessageProcessor(config ProcessorConfig, queue WorkQueue, handler MessageHandler, jobLog JobLog) *MessageProcessor {
	config.applyDefaults()
	if jobLog == nil {
		jobLog = noopJobLog{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	poolCtx, poolCancel := context.WithCancel(context.Background())

	processor := &MessageProcessor{
		config:     config,
		queue:      queue,
		handler:    handler,
		jobLog:     jobLog,
		ctx:        ctx,
		cancel:     cancel,
		poolCtx:    poolCtx,
		poolCancel: poolCancel,
		pollDone:   make(chan struct{}),
		fatalErr:   make(chan error, 1),
	}
	processor.pool = newWorkerPool(config.Concurrency, processor)

	return processor
}

// Start runs the worker pool and blocks polling the queue until Stop.
func (mp *MessageProcessor) Start() {
	mp.started.Store(true)
	defer close(mp.pollDone)

	log.Info().Int("workers", mp.pool.workerCount).Msg("Starting worker pool")
	mp.pool.Start(mp.poolCtx)

	go mp.monitorWorkerPool()
	go mp.monitorQueueStats()
	go mp.cleanupJobLog()

	mp.pollQueue()
}

// Fatal delivers the first fatal handling error. The caller is expected to
// Stop the processor and exit non-zero.
func (mp *MessageProcessor) Fatal() <-chan error {
	return mp.fatalErr
}

func (mp *MessageProcessor) Stop() {
	mp.stopOnce.Do(func() {
		log.Info().Msg("Stopping message processor")
		mp.cancel()

		if mp.started.Load() {
			<-mp.pollDone
		}
		mp.pool.Stop()
		mp.poolCancel()
	})
}

func (mp *MessageProcessor) fail(err error, d Delivery) {
	log.Error().Err(err).Str("message_id", d.ID).Msg("Fatal processing error, shutting down")
	reportFatal(err, d)

	select {
	case mp.fatalErr <- err:
	default:
	}
	mp.cancel()
}

func (mp *MessageProcessor) cleanupJobLog() {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := mp.jobLog.Cleanup(mp.ctx, mp.config.JobLogRetention); err != nil {
				log.Error().Err(err).Msg("Failed to cleanup job log")
			} else {
				log.Debug().Msg("Cleaned up old job log entries")
			}
		case <-mp.ctx.Done():
			return
		}
	}
}

func (mp *MessageProcessor) monitorWorkerPool() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			mp.logPoolStats()
		case <-mp.ctx.Done():
			return
		}
	}
}

func (mp *MessageProcessor) logPoolStats() {
	queueDepth := len(mp.pool.jobs)
	queueCapacity := cap(mp.pool.jobs)
	utilization := float64(queueDepth) / float64(queueCapacity) * 100

	log.Info().
		Int("workers", mp.pool.workerCount).
		Int("queue_depth", queueDepth).
		Int("queue_capacity", queueCapacity).
		Float64("utilization_pct", utilization).
		Msg("Worker pool metrics")

	if utilization > 80 {
		log.Warn().
			Float64("utilization_pct", utilization).
			Msg("Worker pool utilization high - consider increasing concurrency")
	}
}

func (mp *MessageProcessor) monitorQueueStats() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			mp.logQueueStats()
		case <-mp.ctx.Done():
			return
		}
	}
}

func (mp *MessageProcessor) logQueueStats() {
	stats, err := mp.queue.Stats(mp.ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to fetch queue stats")
		return
	}

	log.Info().
		Int64("available", stats.Available).
		Int64("in_flight", stats.InFlight).
		Int64("delayed", stats.Delayed).
		Msg("Work queue stats")
}

func (mp *MessageProcessor) pollQueue() {
	consecutiveFullCount := 0

	for {
		select {
		case <-mp.ctx.Done():
			return
		default:
			if consecutiveFullCount > 3 {
				log.Warn().Msg("Worker pool consistently full, throttling polling for 5 seconds")
				if !mp.sleep(5 * time.Second) {
					return
				}
				consecutiveFullCount = 0
			}

			deliveries, err := mp.queue.Receive(mp.ctx)
			if err != nil {
				if mp.ctx.Err() != nil {
					return
				}
				log.Error().Err(err).Msg("Failed to receive messages")
				mp.sleep(5 * time.Second)
				continue
			}

			if len(deliveries) == 0 {
				consecutiveFullCount = 0
				continue
			}

			log.Debug().Int("count", len(deliveries)).Msg("Received messages")

			anyPoolFull := false
			for _, d := range deliveries {
				if mp.processMessage(d) {
					anyPoolFull = true
				}
			}

			if anyPoolFull {
				consecutiveFullCount++
			} else {
				consecutiveFullCount = 0
			}
		}
	}
}

// processMessage hands d to the pool and reports whether the pool was full
func (mp *MessageProcessor) processMessage(d Delivery) bool {
	job := &WorkerJob{Delivery: d}

	select {
	case mp.pool.jobs <- job:
		// worker settles the message after handling
		log.Debug().Str("message_id", d.ID).Msg("Message queued for processing")
		return false
	case <-mp.ctx.Done():
		return false
	case <-time.After(mp.config.DispatchTimeout):
		// pool is full/slow - push back redelivery and skip for now
		log.Warn().
			Int("queue_depth", len(mp.pool.jobs)).
			Int("queue_capacity", cap(mp.pool.jobs)).
			Msg("Worker pool full")

		if err := mp.queue.Extend(mp.ctx, d, mp.config.ExtendBy); err != nil {
			log.Error().Err(err).Str("message_id", d.ID).Msg("Failed to extend message visibility")
		} else {
			log.Debug().Dur("by", mp.config.ExtendBy).Str("message_id", d.ID).Msg("Extended message visibility")
		}
		return true
	}
}

// sleep waits for d and reports false if the processor stopped first
func (mp *MessageProcessor) sleep(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-mp.ctx.Done():
		return false
	}
}
