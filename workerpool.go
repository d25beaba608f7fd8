package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// bounded set of goroutines running the image handler
type WorkerPool struct {
	workerCount int
	jobs        chan *WorkerJob
	wg          sync.WaitGroup
	processor   *MessageProcessor
}

func newWorkerPool(workerCount int, processor *MessageProcessor) *WorkerPool {
	return &WorkerPool{
		workerCount: workerCount,
		jobs:        make(chan *WorkerJob, workerCount*2),
		processor:   processor,
	}
}

func (wp *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < wp.workerCount; i++ {
		wp.wg.Add(1)
		go wp.worker(ctx, i)
	}
}

// Stop closes the job channel and waits for buffered jobs to drain.
func (wp *WorkerPool) Stop() {
	close(wp.jobs)
	wp.wg.Wait()
}

func (wp *WorkerPool) worker(ctx context.Context, workerID int) {
	defer wp.wg.Done()

	log.Debug().Int("worker_id", workerID).Msg("Worker started")

	for {
		select {
		case job, ok := <-wp.jobs:
			if !ok {
				log.Debug().Int("worker_id", workerID).Msg("Worker stopping")
				return
			}

			// recovery to prevent worker crashes
			func() {
				defer func() {
					if r := recover(); r != nil {
						log.Error().
							Int("worker_id", workerID).
							Str("message_id", job.Delivery.ID).
							Interface("panic", r).
							Msg("Worker recovered from panic")
						reportPanic(r, job.Delivery)
						// leave the message for redelivery
						wp.release(ctx, job)
					}
				}()
				wp.handleMessage(ctx, job, workerID)
			}()

		case <-ctx.Done():
			return
		}
	}
}

func (wp *WorkerPool) handleMessage(ctx context.Context, job *WorkerJob, workerID int) {
	d := job.Delivery
	log.Debug().
		Int("worker_id", workerID).
		Str("message_id", d.ID).
		Int("receive_count", d.ReceiveCount).
		Msg("Processing message")

	rec, err := wp.processor.handler.Handle(ctx, d)
	switch {
	case err == nil:
		if err := wp.processor.queue.Ack(ctx, d); err != nil {
			// the message comes back and is handled again, which is safe
			log.Error().Err(err).Str("message_id", d.ID).Msg("Failed to acknowledge message")
			return
		}
		log.Debug().
			Str("message_id", d.ID).
			Str("image_id", rec.ImageID).
			Str("status", string(rec.Status)).
			Str("stage", string(StageAcknowledged)).
			Msg("Message acknowledged")

	case IsFatal(err):
		wp.release(ctx, job)
		wp.processor.fail(fmt.Errorf("message %s: %w", d.ID, err), d)

	default:
		wp.release(ctx, job)
		log.Warn().Err(err).Str("message_id", d.ID).Msg("Message processing failed, will be redelivered")
	}
}

func (wp *WorkerPool) release(ctx context.Context, job *WorkerJob) {
	if err := wp.processor.queue.Release(ctx, job.Delivery); err != nil {
		log.Error().Err(err).Str("message_id", job.Delivery.ID).Msg("Failed to release message")
	}
}
