package main

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/aws/aws-lambda-go/events"
	"github.com/rs/zerolog/log"
)

// drives the image handler from SQS event source mappings. The mapping must
// have ReportBatchItemFailures enabled: acknowledged records are those not
// listed in the response.
type LambdaHandler struct {
	handler     MessageHandler
	concurrency int
}

func NewLambdaHandler(handler MessageHandler, concurrency int) *LambdaHandler {
	if concurrency <= 0 {
		concurrency = 10
	}
	return &LambdaHandler{handler: handler, concurrency: concurrency}
}

type batchOutcome struct {
	record events.SQSMessage
	err    error
}

func (l *LambdaHandler) HandleSQSEvent(ctx context.Context, event events.SQSEvent) (events.SQSEventResponse, error) {
	log.Debug().Int("records", len(event.Records)).Msg("Processing SQS batch")

	outcomes := make([]batchOutcome, len(event.Records))
	sem := make(chan struct{}, l.concurrency)
	var wg sync.WaitGroup

	for i, record := range event.Records {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, record events.SQSMessage) {
			defer wg.Done()
			defer func() { <-sem }()

			outcomes[i] = batchOutcome{record: record, err: l.handleRecord(ctx, record)}
		}(i, record)
	}
	wg.Wait()

	response := events.SQSEventResponse{
		BatchItemFailures: []events.SQSBatchItemFailure{},
	}
	var fatalErr error
	for _, o := range outcomes {
		if o.err == nil {
			continue
		}
		response.BatchItemFailures = append(response.BatchItemFailures, events.SQSBatchItemFailure{
			ItemIdentifier: o.record.MessageId,
		})
		if IsFatal(o.err) && fatalErr == nil {
			fatalErr = fmt.Errorf("message %s: %w", o.record.MessageId, o.err)
		}
	}

	log.Info().
		Int("total", len(event.Records)).
		Int("failed", len(response.BatchItemFailures)).
		Msg("SQS batch complete")

	if fatalErr != nil {
		flushSentry()
		return response, fatalErr
	}
	return response, nil
}

func (l *LambdaHandler) handleRecord(ctx context.Context, record events.SQSMessage) (err error) {
	d := lambdaDelivery(record)

	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("message_id", d.ID).Interface("panic", r).Msg("Recovered from panic")
			reportPanic(r, d)
			err = retryable(StageReceived, "panic", fmt.Errorf("%v", r))
		}
	}()

	_, err = l.handler.Handle(ctx, d)
	if IsFatal(err) {
		reportFatal(err, d)
	}
	return err
}

func lambdaDelivery(record events.SQSMessage) Delivery {
	count, _ := strconv.Atoi(record.Attributes["ApproximateReceiveCount"])
	return Delivery{
		ID:           record.MessageId,
		Body:         []byte(record.Body),
		Receipt:      record.ReceiptHandle,
		ReceiveCount: count,
	}
}
