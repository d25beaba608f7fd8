package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Stage is a step of the per-request state machine:
// RECEIVED → FETCHING → TRANSFORMING → PERSISTING → NOTIFYING → ACKNOWLEDGED,
// with FAILED-NOTIFIED on the permanent failure path and REQUEUED when the
// message is left for redelivery.
type Stage string

const (
	StageReceived       Stage = "RECEIVED"
	StageFetching       Stage = "FETCHING"
	StageTransforming   Stage = "TRANSFORMING"
	StagePersisting     Stage = "PERSISTING"
	StageNotifying      Stage = "NOTIFYING"
	StageFailedNotified Stage = "FAILED-NOTIFIED"
	StageAcknowledged   Stage = "ACKNOWLEDGED"
	StageRequeued       Stage = "REQUEUED"
)

const DefaultOpTimeout = 30 * time.Second

type HandlerConfig struct {
	ProcessedBucket string
	KeyPrefix       string
	JPEGQuality     int
	MaxSourcePixels int64         // decoded size limit, checked from the image header
	OpTimeout       time.Duration // applied separately to fetch, persist, publish and the job log
	Quiet           bool          // demote per-message success logs to debug
}

// ImageHandler turns one processing request into a grayscale artifact and a
// published result record. It holds no per-request state and is safe for
// concurrent use.
type ImageHandler struct {
	cfg     HandlerConfig
	store   ObjectStore
	results ResultPublisher
	metrics *Metrics
	jobLog  JobLog
}

type HandlerOption func(*ImageHandler)

func WithMetrics(m *Metrics) HandlerOption {
	return func(h *ImageHandler) { h.metrics = m }
}

func WithJobLog(j JobLog) HandlerOption {
	return func(h *ImageHandler) { h.jobLog = j }
}

func NewImageHandler(cfg HandlerConfig, store ObjectStore, results ResultPublisher, opts ...HandlerOption) (*ImageHandler, error) {
	if cfg.ProcessedBucket == "" {
		return nil, errors.New("processed bucket is required")
	}
	if store == nil || results == nil {
		return nil, errors.New("object store and result publisher are required")
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = DefaultOpTimeout
	}
	cfg.JPEGQuality = clampQuality(cfg.JPEGQuality)
	if cfg.MaxSourcePixels <= 0 {
		cfg.MaxSourcePixels = DefaultMaxSourcePixels
	}

	h := &ImageHandler{
		cfg:     cfg,
		store:   store,
		results: results,
		jobLog:  noopJobLog{},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// tracks a single handling attempt
type handling struct {
	id         string
	messageID  string
	log        zerolog.Logger
	metrics    *Metrics
	stage      Stage
	stageStart time.Time
}

func (h *ImageHandler) newHandling(messageID string) *handling {
	id := xid.New().String()
	return &handling{
		id:         id,
		messageID:  messageID,
		log:        log.With().Str("handling_id", id).Str("message_id", messageID).Logger(),
		metrics:    h.metrics,
		stage:      StageReceived,
		stageStart: time.Now(),
	}
}

func (r *handling) enter(stage Stage) {
	r.metrics.observeStage(r.stage, r.stageStart)
	r.stage = stage
	r.stageStart = time.Now()
	r.log.Debug().Str("stage", string(stage)).Msg("Stage entered")
}

func (r *handling) done() {
	r.metrics.observeStage(r.stage, r.stageStart)
}

// Handle decodes a work queue message and processes it. A nil error means the
// message is settled and must be acknowledged, including permanent failures
// for which a FAILURE record was published. A non-nil error is a
// *ProcessingError whose kind tells the caller not to acknowledge.
func (h *ImageHandler) Handle(ctx context.Context, d Delivery) (ResultRecord, error) {
	run := h.newHandling(d.ID)
	defer run.done()

	req, err := DecodeProcessingRequest(d.Body)
	if err != nil {
		original := ""
		if req.Source.Bucket != "" && req.Source.Key != "" {
			original = req.Source.URI()
		}
		run.log.Warn().Err(err).Int("receive_count", d.ReceiveCount).Msg("Malformed processing request")
		return h.fail(ctx, run, req.ImageID, original, permanent(StageReceived, err.Error(), err))
	}

	return h.process(ctx, run, req)
}

// HandleRequest processes an already decoded request.
func (h *ImageHandler) HandleRequest(ctx context.Context, req ProcessingRequest) (ResultRecord, error) {
	run := h.newHandling("")
	defer run.done()

	return h.process(ctx, run, req)
}

func (h *ImageHandler) process(ctx context.Context, run *handling, req ProcessingRequest) (ResultRecord, error) {
	defer h.metrics.trackInFlight()()

	run.log = run.log.With().Str("image_id", req.ImageID).Str("source", req.Source.URI()).Logger()
	original := req.Source.URI()

	dest := destinationFor(req.Source, h.cfg.ProcessedBucket, h.cfg.KeyPrefix)
	if dest == req.Source {
		reason := fmt.Sprintf("%v: %s", ErrOverwriteSource, dest)
		return h.fail(ctx, run, req.ImageID, original, permanent(StageReceived, reason, ErrOverwriteSource))
	}

	run.enter(StageFetching)
	data, err := h.fetch(ctx, req.Source)
	if err != nil {
		switch {
		case errors.Is(err, ErrObjectNotFound):
			return h.fail(ctx, run, req.ImageID, original, permanent(StageFetching, "source not found: "+original, err))
		case errors.Is(err, ErrObjectUnreadable):
			return h.fail(ctx, run, req.ImageID, original, permanent(StageFetching, "source unreadable: "+original, err))
		case errors.Is(err, ErrObjectTooLarge):
			return h.fail(ctx, run, req.ImageID, original, permanent(StageFetching, "source too large: "+original, err))
		default:
			return h.requeue(run, retryable(StageFetching, "fetch source", err))
		}
	}
	h.metrics.recordSourceSize(len(data))

	run.enter(StageTransforming)
	artifact, err := ToGrayscaleJPEG(data, h.cfg.JPEGQuality, h.cfg.MaxSourcePixels)
	if err != nil {
		if errors.Is(err, ErrUndecodableImage) {
			return h.fail(ctx, run, req.ImageID, original, permanent(StageTransforming, err.Error(), err))
		}
		return h.requeue(run, fatal(StageTransforming, "encode grayscale jpeg", err))
	}

	run.enter(StagePersisting)
	err = h.withTimeout(ctx, func(ctx context.Context) error {
		return h.store.Put(ctx, dest, artifact, jpegContentType)
	})
	if err != nil {
		return h.requeue(run, retryable(StagePersisting, "persist artifact", err))
	}

	run.enter(StageNotifying)
	rec := successRecord(req, dest)
	if err := h.publish(ctx, run, rec); err != nil {
		return h.requeue(run, retryable(StageNotifying, "publish result", err))
	}

	ev := run.log.Info()
	if h.cfg.Quiet {
		ev = run.log.Debug()
	}
	ev.Str("processed", dest.URI()).Int("source_bytes", len(data)).Int("artifact_bytes", len(artifact)).Msg("Image processed")

	return rec, nil
}

func (h *ImageHandler) fetch(ctx context.Context, loc Location) ([]byte, error) {
	var data []byte
	err := h.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		data, err = h.store.Get(ctx, loc)
		return err
	})
	return data, err
}

// fail publishes the FAILURE record owed for a permanent error. Only when that
// publish fails is the message left for redelivery.
func (h *ImageHandler) fail(ctx context.Context, run *handling, imageID, original string, perr *ProcessingError) (ResultRecord, error) {
	h.metrics.recordError(perr)
	run.log.Warn().Err(perr.Err).Str("stage", string(perr.Stage)).Str("reason", perr.Reason).Msg("Permanent failure")

	run.enter(StageNotifying)
	rec := failureRecord(imageID, original, perr.Reason)
	if err := h.publish(ctx, run, rec); err != nil {
		return h.requeue(run, retryable(StageNotifying, "publish failure result", err))
	}

	run.enter(StageFailedNotified)
	return rec, nil
}

func (h *ImageHandler) requeue(run *handling, perr *ProcessingError) (ResultRecord, error) {
	h.metrics.recordError(perr)

	ev := run.log.Warn()
	if perr.Kind == KindFatal {
		ev = run.log.Error()
	}
	ev.Err(perr.Err).Str("stage", string(perr.Stage)).Str("kind", perr.Kind.String()).Msg(perr.Reason)

	run.enter(StageRequeued)
	return ResultRecord{}, perr
}

func (h *ImageHandler) publish(ctx context.Context, run *handling, rec ResultRecord) error {
	err := h.withTimeout(ctx, func(ctx context.Context) error {
		return h.results.Publish(ctx, rec)
	})
	if err != nil {
		return err
	}
	h.metrics.recordResult(rec.Status)

	// the audit trail must never change the outcome
	err = h.withTimeout(ctx, func(ctx context.Context) error {
		return h.jobLog.Record(ctx, jobLogEntry(run.id, run.messageID, rec))
	})
	if err != nil {
		run.log.Warn().Err(err).Msg("Failed to record job log entry")
	}
	return nil
}

func (h *ImageHandler) withTimeout(ctx context.Context, op func(context.Context) error) error {
	opCtx, cancel := context.WithTimeout(ctx, h.cfg.OpTimeout)
	defer cancel()
	return op(opCtx)
}
