package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

var (
	errConsumerClosed = errors.New("rabbitmq consumer channel closed")
	errPublishNacked  = errors.New("rabbitmq broker nacked publish")
)

type RabbitMQConfig struct {
	URL          string
	Queue        string
	Consumer     string
	Prefetch     int
	Block        time.Duration
	RequeueDelay time.Duration // wait before a released delivery is handed back
}

// work queue on a durable RabbitMQ queue with manual acknowledgement
type RabbitMQQueue struct {
	conn       *amqp091.Connection
	channel    *amqp091.Channel
	deliveries <-chan amqp091.Delivery
	cfg        RabbitMQConfig
}

func NewRabbitMQQueue(cfg RabbitMQConfig) (*RabbitMQQueue, error) {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 10
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	if cfg.RequeueDelay < 0 {
		cfg.RequeueDelay = 0
	}

	conn, err := amqp091.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	if err := channel.Qos(cfg.Prefetch, 0, false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set prefetch: %w", err)
	}

	if _, err := declareDurable(channel, cfg.Queue); err != nil {
		conn.Close()
		return nil, err
	}

	deliveries, err := channel.Consume(
		cfg.Queue,    // queue
		cfg.Consumer, // consumer tag
		false,        // auto-ack
		false,        // exclusive
		false,        // no-local
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to start consuming %s: %w", cfg.Queue, err)
	}

	return &RabbitMQQueue{
		conn:       conn,
		channel:    channel,
		deliveries: deliveries,
		cfg:        cfg,
	}, nil
}

func declareDurable(ch *amqp091.Channel, name string) (amqp091.Queue, error) {
	q, err := ch.QueueDeclare(
		name,  // queue name
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return q, fmt.Errorf("failed to declare queue %s: %w", name, err)
	}
	return q, nil
}

func (q *RabbitMQQueue) Receive(ctx context.Context) ([]Delivery, error) {
	timer := time.NewTimer(q.cfg.Block)
	defer timer.Stop()

	var batch []Delivery
	select {
	case d, ok := <-q.deliveries:
		if !ok {
			return nil, errConsumerClosed
		}
		batch = append(batch, rabbitDelivery(d))
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	// take whatever else is already buffered, up to the prefetch window
	for len(batch) < q.cfg.Prefetch {
		select {
		case d, ok := <-q.deliveries:
			if !ok {
				return batch, nil
			}
			batch = append(batch, rabbitDelivery(d))
		default:
			return batch, nil
		}
	}
	return batch, nil
}

func rabbitDelivery(d amqp091.Delivery) Delivery {
	count := 1
	if d.Redelivered {
		count = 2
	}
	if v, ok := d.Headers["x-delivery-count"].(int64); ok {
		count = int(v) + 1
	}
	id := d.MessageId
	if id == "" {
		id = strconv.FormatUint(d.DeliveryTag, 10)
	}
	return Delivery{
		ID:           id,
		Body:         d.Body,
		Receipt:      strconv.FormatUint(d.DeliveryTag, 10),
		ReceiveCount: count,
	}
}

func (q *RabbitMQQueue) tag(d Delivery) (uint64, error) {
	tag, err := strconv.ParseUint(d.Receipt, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid delivery tag %q: %w", d.Receipt, err)
	}
	return tag, nil
}

func (q *RabbitMQQueue) Ack(ctx context.Context, d Delivery) error {
	tag, err := q.tag(d)
	if err != nil {
		return err
	}
	if err := q.channel.Ack(tag, false); err != nil {
		return fmt.Errorf("failed to ack %s: %w", d.ID, err)
	}
	return nil
}

// Release hands the delivery back to the broker after RequeueDelay, since a
// requeued message is redelivered at once. The delivery keeps its prefetch
// slot while waiting.
func (q *RabbitMQQueue) Release(ctx context.Context, d Delivery) error {
	tag, err := q.tag(d)
	if err != nil {
		return err
	}
	if err := waitRequeue(ctx, q.cfg.RequeueDelay); err != nil {
		// the delivery is requeued by the broker when the channel closes
		return fmt.Errorf("requeue of %s abandoned: %w", d.ID, err)
	}
	if err := q.channel.Nack(tag, false, true); err != nil {
		return fmt.Errorf("failed to requeue %s: %w", d.ID, err)
	}
	return nil
}

func waitRequeue(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RabbitMQ has no lease on delivered messages
func (q *RabbitMQQueue) Extend(ctx context.Context, d Delivery, by time.Duration) error {
	return nil
}

func (q *RabbitMQQueue) Stats(ctx context.Context) (QueueStats, error) {
	info, err := q.channel.QueueDeclarePassive(q.cfg.Queue, true, false, false, false, nil)
	if err != nil {
		return QueueStats{}, fmt.Errorf("failed to inspect queue %s: %w", q.cfg.Queue, err)
	}
	return QueueStats{Available: int64(info.Messages)}, nil
}

func (q *RabbitMQQueue) Close() error {
	if err := q.channel.Close(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
		return err
	}
	return q.conn.Close()
}

type RabbitMQPublisher struct {
	conn    *amqp091.Connection
	channel *amqp091.Channel
	queue   string
}

func NewRabbitMQPublisher(url, queue string) (*RabbitMQPublisher, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}
	if err := channel.Confirm(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}
	if _, err := declareDurable(channel, queue); err != nil {
		conn.Close()
		return nil, err
	}
	return &RabbitMQPublisher{conn: conn, channel: channel, queue: queue}, nil
}

func (p *RabbitMQPublisher) Publish(ctx context.Context, rec ResultRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	if err := p.Enqueue(ctx, body); err != nil {
		return fmt.Errorf("failed to publish result for %s: %w", rec.ImageID, err)
	}
	return nil
}

// Enqueue returns once the broker has confirmed the message.
func (p *RabbitMQPublisher) Enqueue(ctx context.Context, body []byte) error {
	dc, err := p.channel.PublishWithDeferredConfirmWithContext(ctx,
		"",      // default exchange
		p.queue, // routing key
		false,   // mandatory
		false,   // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", p.queue, err)
	}
	if dc == nil {
		return fmt.Errorf("failed to publish to %s: channel is not in confirm mode", p.queue)
	}
	if err := awaitConfirm(ctx, dc); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", p.queue, err)
	}
	return nil
}

// satisfied by *amqp091.DeferredConfirmation
type confirmation interface {
	WaitContext(ctx context.Context) (bool, error)
}

func awaitConfirm(ctx context.Context, c confirmation) error {
	acked, err := c.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("waiting for confirm: %w", err)
	}
	if !acked {
		return errPublishNacked
	}
	return nil
}

func (p *RabbitMQPublisher) Close() error {
	if err := p.channel.Close(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
		return err
	}
	return p.conn.Close()
}
