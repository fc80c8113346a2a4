package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitQueue publishes persistent messages to a durable queue and consumes
// them with manual acknowledgement.
type RabbitQueue struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	name       string
	dead       string
	deliveries <-chan amqp.Delivery
	// amqp channels are not safe for concurrent publishing
	pubMu sync.Mutex
}

func NewRabbitQueue(url, name, consumer string, prefetch int) (*RabbitQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	q := &RabbitQueue{conn: conn, channel: channel, name: name, dead: name + ".dead"}
	if err := q.setup(consumer, prefetch); err != nil {
		q.Close()
		return nil, err
	}
	return q, nil
}

func (q *RabbitQueue) setup(consumer string, prefetch int) error {
	for _, name := range []string{q.name, q.dead} {
		if _, err := q.channel.QueueDeclare(
			name,  // name
			true,  // durable
			false, // delete when unused
			false, // exclusive
			false, // no-wait
			nil,   // arguments
		); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", name, err)
		}
	}

	if prefetch < 1 {
		prefetch = 1
	}
	if err := q.channel.Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	deliveries, err := q.channel.Consume(
		q.name,   // queue
		consumer, // consumer tag
		false,    // auto-ack
		false,    // exclusive
		false,    // no-local
		false,    // no-wait
		nil,      // args
	)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}
	q.deliveries = deliveries
	return nil
}

func (q *RabbitQueue) Enqueue(ctx context.Context, job Job) error {
	return q.publish(ctx, q.name, job)
}

func (q *RabbitQueue) publish(ctx context.Context, queueName string, job Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	q.pubMu.Lock()
	defer q.pubMu.Unlock()
	err = q.channel.PublishWithContext(ctx,
		"",        // exchange
		queueName, // routing key
		false,     // mandatory
		false,     // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    job.ID,
			Type:         job.Type,
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish job %s: %w", job.ID, err)
	}
	return nil
}

func (q *RabbitQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case d, ok := <-q.deliveries:
			if !ok {
				return nil, ErrClosed
			}

			var job Job
			if err := json.Unmarshal(d.Body, &job); err != nil {
				// a poison message is dropped to the dead queue by the broker-side reject
				_ = d.Nack(false, false)
				continue
			}

			return NewDelivery(job,
				func(context.Context) error { return d.Ack(false) },
				func(ctx context.Context, requeue bool) error {
					target := q.dead
					if requeue {
						target = q.name
						job.Attempts++
					}
					// republish so the attempt counter travels with the job
					if err := q.publish(ctx, target, job); err != nil {
						return err
					}
					return d.Ack(false)
				},
			), nil
		}
	}
}

func (q *RabbitQueue) Close() error {
	if q.channel != nil {
		q.channel.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}
