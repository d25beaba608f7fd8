package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/rs/zerolog/log"
)

type SQSClientInterface interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// NewSQSClient builds the SDK client, pointed at endpoint when one is given.
func NewSQSClient(awsCfg aws.Config, endpoint string) *sqs.Client {
	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
}

type SQSQueue struct {
	client   SQSClientInterface
	queueURL string
	batch    int32
	waitTime int32
}

func NewSQSQueue(client SQSClientInterface, queueURL string) *SQSQueue {
	return &SQSQueue{
		client:   client,
		queueURL: queueURL,
		batch:    10,
		waitTime: 20, // long polling
	}
}

func (q *SQSQueue) Receive(ctx context.Context) ([]Delivery, error) {
	result, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.queueURL),
		MaxNumberOfMessages: q.batch,
		WaitTimeSeconds:     q.waitTime,
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to receive messages: %w", err)
	}

	deliveries := make([]Delivery, 0, len(result.Messages))
	for _, m := range result.Messages {
		deliveries = append(deliveries, sqsDelivery(m))
	}
	return deliveries, nil
}

func sqsDelivery(m types.Message) Delivery {
	count, _ := strconv.Atoi(m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)])
	return Delivery{
		ID:           aws.ToString(m.MessageId),
		Body:         []byte(aws.ToString(m.Body)),
		Receipt:      aws.ToString(m.ReceiptHandle),
		ReceiveCount: count,
	}
}

func (q *SQSQueue) Ack(ctx context.Context, d Delivery) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(d.Receipt),
	})
	if err != nil {
		return fmt.Errorf("failed to delete message %s: %w", d.ID, err)
	}
	log.Debug().Str("message_id", d.ID).Msg("Message deleted from SQS")
	return nil
}

// SQS redelivers once the visibility timeout lapses
func (q *SQSQueue) Release(ctx context.Context, d Delivery) error {
	return nil
}

func (q *SQSQueue) Extend(ctx context.Context, d Delivery, by time.Duration) error {
	_, err := q.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(q.queueURL),
		ReceiptHandle:     aws.String(d.Receipt),
		VisibilityTimeout: int32(by / time.Second),
	})
	if err != nil {
		return fmt.Errorf("failed to extend visibility of %s: %w", d.ID, err)
	}
	return nil
}

func (q *SQSQueue) Stats(ctx context.Context) (QueueStats, error) {
	result, err := q.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl: aws.String(q.queueURL),
		AttributeNames: []types.QueueAttributeName{
			types.QueueAttributeNameApproximateNumberOfMessages,
			types.QueueAttributeNameApproximateNumberOfMessagesNotVisible,
			types.QueueAttributeNameApproximateNumberOfMessagesDelayed,
		},
	})
	if err != nil {
		return QueueStats{}, fmt.Errorf("failed to fetch queue stats: %w", err)
	}

	attr := func(name types.QueueAttributeName) int64 {
		v, _ := strconv.ParseInt(result.Attributes[string(name)], 10, 64)
		return v
	}

	return QueueStats{
		Available: attr(types.QueueAttributeNameApproximateNumberOfMessages),
		InFlight:  attr(types.QueueAttributeNameApproximateNumberOfMessagesNotVisible),
		Delayed:   attr(types.QueueAttributeNameApproximateNumberOfMessagesDelayed),
	}, nil
}

func (q *SQSQueue) Close() error {
	return nil
}

type SQSPublisher struct {
	client   SQSClientInterface
	queueURL string
}

func NewSQSPublisher(client SQSClientInterface, queueURL string) *SQSPublisher {
	return &SQSPublisher{client: client, queueURL: queueURL}
}

func (p *SQSPublisher) Publish(ctx context.Context, rec ResultRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	if err := p.Enqueue(ctx, body); err != nil {
		return fmt.Errorf("failed to publish result for %s: %w", rec.ImageID, err)
	}
	return nil
}

func (p *SQSPublisher) Enqueue(ctx context.Context, body []byte) error {
	_, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

func (p *SQSPublisher) Close() error {
	return nil
}
