package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrPoison marks a delivery whose body is not a job; it goes straight to
// the final queue.
var ErrPoison = errors.New("poison message")

// publisher is the slice of *amqp.Channel the queue publishes through.
type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type AMQPOptions struct {
	Prefetch int
	Sink     FailureSink
}

// AMQPQueue runs one lane on RabbitMQ. Jobs are JSON bodies on the main
// queue. A failed attempt is republished to <name>.delay with a per-message
// TTL; that queue dead-letters back into the main queue. Jobs that fail
// permanently are copied to <name>.final.
type AMQPQueue struct {
	name     string
	conn     *amqp.Connection
	handler  Handler
	sink     FailureSink
	prefetch int
	now      func() time.Time

	pubMu sync.Mutex
	pub   publisher

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func DialAMQP(url string) (*amqp.Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial amqp: %w", err)
	}
	return conn, nil
}

// NewAMQPQueue declares the lane's topology on conn.
func NewAMQPQueue(conn *amqp.Connection, name string, h Handler, opts AMQPOptions) (*AMQPQueue, error) {
	if opts.Prefetch <= 0 {
		opts.Prefetch = 1
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	q := &AMQPQueue{
		name:     name,
		conn:     conn,
		handler:  h,
		sink:     opts.Sink,
		prefetch: opts.Prefetch,
		now:      func() time.Time { return time.Now().UTC() },
		pub:      ch,
	}
	if err := q.declareTopology(ch); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare topology for %s: %w", name, err)
	}
	return q, nil
}

func (q *AMQPQueue) delayQueue() string { return q.name + ".delay" }
func (q *AMQPQueue) finalQueue() string { return q.name + ".final" }

func (q *AMQPQueue) declareTopology(ch *amqp.Channel) error {
	if _, err := ch.QueueDeclare(q.name, true, false, false, false, nil); err != nil {
		return err
	}
	// Messages expire per their own TTL and return to the main queue via
	// the default exchange.
	delayArgs := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": q.name,
	}
	if _, err := ch.QueueDeclare(q.delayQueue(), true, false, false, false, delayArgs); err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(q.finalQueue(), true, false, false, false, nil); err != nil {
		return err
	}
	return nil
}

func (q *AMQPQueue) Enqueue(ctx context.Context, job *SyncJob) error {
	job.State = StateQueued
	return q.publish(ctx, q.name, job, "")
}

func (q *AMQPQueue) publish(ctx context.Context, routingKey string, job *SyncJob, expiration string) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    job.ID,
		Timestamp:    q.now(),
		Type:         string(job.Operation),
		Expiration:   expiration,
		Body:         body,
	}
	q.pubMu.Lock()
	defer q.pubMu.Unlock()
	if err := q.pub.PublishWithContext(ctx, "", routingKey, false, false, msg); err != nil {
		return fmt.Errorf("publish to %s: %w", routingKey, err)
	}
	return nil
}

// Start consumes the main queue until ctx is cancelled or Close is called.
func (q *AMQPQueue) Start(ctx context.Context) error {
	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("open consumer channel: %w", err)
	}
	if err := ch.Qos(q.prefetch, 0, false); err != nil {
		_ = ch.Close()
		return err
	}
	deliveries, err := ch.Consume(q.name, "", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return err
	}

	ctx, q.cancel = context.WithCancel(ctx)
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		defer ch.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					log.Warn("Consumer channel closed", "queue", q.name)
					return
				}
				q.deliver(ctx, d)
			}
		}
	}()
	log.Info("Queue started", "queue", q.name, "backend", "amqp", "prefetch", q.prefetch)
	return nil
}

func (q *AMQPQueue) deliver(ctx context.Context, d amqp.Delivery) {
	var job SyncJob
	if err := json.Unmarshal(d.Body, &job); err != nil {
		log.Error("Dropping undecodable job", "queue", q.name, "message_id", d.MessageId, "err", ErrPoison)
		q.toFinal(ctx, d.Body)
		_ = d.Ack(false)
		return
	}

	result, delay, err := runAttempt(ctx, q.handler, &job, q.now)
	switch result {
	case outcomeRetry:
		expiration := strconv.FormatInt(delay.Milliseconds(), 10)
		if perr := q.publish(ctx, q.delayQueue(), &job, expiration); perr != nil {
			log.Error("Failed to schedule retry, requeueing", "queue", q.name, "job_id", job.ID, "err", perr)
			_ = d.Nack(false, true)
			return
		}
	case outcomeFailed:
		if q.sink != nil {
			q.sink.RecordFailure(ctx, &job, err)
		}
		body, _ := json.Marshal(&job)
		q.toFinal(ctx, body)
	}
	_ = d.Ack(false)
}

func (q *AMQPQueue) toFinal(ctx context.Context, body []byte) {
	q.pubMu.Lock()
	defer q.pubMu.Unlock()
	err := q.pub.PublishWithContext(ctx, "", q.finalQueue(), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    q.now(),
		Body:         body,
	})
	if err != nil {
		log.Error("Failed to publish to final queue", "queue", q.finalQueue(), "err", err)
	}
}

func (q *AMQPQueue) Close() error {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
	q.pubMu.Lock()
	defer q.pubMu.Unlock()
	if err := q.pub.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return err
	}
	return nil
}
