// Package amqp provides a RabbitMQ-backed delivery job broker.
package amqp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/bissquit/notification-dispatch/internal/domain"
	"github.com/bissquit/notification-dispatch/internal/queue"
	"github.com/streadway/amqp"
)

// Topology defaults.
const (
	DefaultExchange        = "notifications.direct"
	DefaultDeadLetterQueue = "failed.queue"
	deadLetterRoutingKey   = "failed"
)

// Config contains RabbitMQ broker configuration.
type Config struct {
	URL             string
	Exchange        string
	DeadLetterQueue string
	Channels        []domain.Channel
	ConfirmTimeout  time.Duration
}

// Broker implements queue.Broker on RabbitMQ with publisher confirms.
//
// Each channel has a main queue "<channel>.queue" bound to the direct exchange
// and a retry queue "<channel>.retry" whose expired messages dead-letter back
// into the exchange. Dead letters go to a single failed queue.
type Broker struct {
	config Config
	conn   *amqp.Connection

	pubMu    sync.Mutex
	pub      *amqp.Channel
	confirms chan amqp.Confirmation
	pubSeq   uint64

	getMu sync.Mutex
	get   *amqp.Channel

	now func() time.Time
}

// Dial connects, declares the topology and enables publisher confirms.
func Dial(config Config) (*Broker, error) {
	if config.Exchange == "" {
		config.Exchange = DefaultExchange
	}
	if config.DeadLetterQueue == "" {
		config.DeadLetterQueue = DefaultDeadLetterQueue
	}
	if len(config.Channels) == 0 {
		config.Channels = domain.Channels
	}
	if config.ConfirmTimeout <= 0 {
		config.ConfirmTimeout = 5 * time.Second
	}

	conn, err := amqp.Dial(config.URL)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	b := &Broker{config: config, conn: conn, now: time.Now}
	if err := b.setup(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return b, nil
}

func (b *Broker) setup() error {
	pub, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("open publish channel: %w", err)
	}
	if err := pub.Confirm(false); err != nil {
		return fmt.Errorf("enable publisher confirms: %w", err)
	}
	b.pub = pub
	b.confirms = pub.NotifyPublish(make(chan amqp.Confirmation, 64))

	get, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("open consume channel: %w", err)
	}
	b.get = get

	return declareTopology(pub, b.config)
}

func declareTopology(ch *amqp.Channel, config Config) error {
	if err := ch.ExchangeDeclare(config.Exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	if _, err := ch.QueueDeclare(config.DeadLetterQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead-letter queue: %w", err)
	}
	if err := ch.QueueBind(config.DeadLetterQueue, deadLetterRoutingKey, config.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind dead-letter queue: %w", err)
	}

	for _, c := range config.Channels {
		main := QueueName(c)
		if _, err := ch.QueueDeclare(main, true, false, false, false, mainQueueArgs(config)); err != nil {
			return fmt.Errorf("declare queue %s: %w", main, err)
		}
		if err := ch.QueueBind(main, string(c), config.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s: %w", main, err)
		}

		retry := RetryQueueName(c)
		if _, err := ch.QueueDeclare(retry, true, false, false, false, amqp.Table{
			"x-dead-letter-exchange":    config.Exchange,
			"x-dead-letter-routing-key": string(c),
		}); err != nil {
			return fmt.Errorf("declare queue %s: %w", retry, err)
		}
	}
	return nil
}

// maxPriority is the x-max-priority of every main queue. Publishing
// priorities are capped to it by the server.
const maxPriority uint8 = 9

// mainQueueArgs enables per-message priority and routes rejected messages
// to the dead-letter queue. Changing them requires deleting existing queues.
func mainQueueArgs(config Config) amqp.Table {
	return amqp.Table{
		"x-max-priority":            maxPriority,
		"x-dead-letter-exchange":    config.Exchange,
		"x-dead-letter-routing-key": deadLetterRoutingKey,
	}
}

// QueueName returns the main queue of a channel.
func QueueName(ch domain.Channel) string {
	return string(ch) + ".queue"
}

// RetryQueueName returns the delay queue of a channel.
func RetryQueueName(ch domain.Channel) string {
	return string(ch) + ".retry"
}

// Publish implements queue.Broker. It waits for the broker confirm.
func (b *Broker) Publish(ctx context.Context, job *domain.DeliveryJob) error {
	if err := b.publishJob(ctx, job); err != nil {
		return fmt.Errorf("%w: %w", queue.ErrPublish, err)
	}
	return nil
}

// publishJob routes job to its channel queue, or to the retry queue while
// NotBefore is in the future.
func (b *Broker) publishJob(ctx context.Context, job *domain.DeliveryJob) error {
	body, err := encodeJob(job)
	if err != nil {
		return err
	}

	exchange, key := b.config.Exchange, string(job.Channel)
	msg := publishing(job, body)
	if exp := expiration(job.NotBefore, b.now()); exp != "" {
		exchange, key = "", RetryQueueName(job.Channel)
		msg.Expiration = exp
	}
	return b.publishConfirmed(ctx, exchange, key, msg)
}

func (b *Broker) publishDeadLetter(ctx context.Context, job *domain.DeliveryJob) error {
	body, err := encodeJob(job)
	if err != nil {
		return err
	}
	return b.publishConfirmed(ctx, b.config.Exchange, deadLetterRoutingKey, publishing(job, body))
}

func (b *Broker) publishConfirmed(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	if err := b.pub.Publish(exchange, key, false, false, msg); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	b.pubSeq++
	tag := b.pubSeq

	timer := time.NewTimer(b.config.ConfirmTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return fmt.Errorf("confirm timeout for delivery tag %d", tag)
		case c, ok := <-b.confirms:
			if !ok {
				return fmt.Errorf("confirm channel closed")
			}
			if c.DeliveryTag < tag {
				// Late confirm of an earlier publish that timed out.
				continue
			}
			if !c.Ack {
				return queue.ErrPublishNacked
			}
			return nil
		}
	}
}

// Fetch implements queue.Broker using basic.get with manual acks.
func (b *Broker) Fetch(ctx context.Context, channel domain.Channel, limit int) ([]queue.Delivery, error) {
	var result []queue.Delivery
	for len(result) < limit {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		b.getMu.Lock()
		msg, ok, err := b.get.Get(QueueName(channel), false)
		b.getMu.Unlock()
		if err != nil {
			return result, fmt.Errorf("get from %s: %w", QueueName(channel), err)
		}
		if !ok {
			break
		}

		job, err := decodeJob(msg.Body)
		if err != nil {
			slog.Error("dropping undecodable message", "queue", QueueName(channel), "error", err)
			// Rejected messages dead-letter through the queue arguments.
			_ = msg.Nack(false, false)
			continue
		}

		if job.NotBefore.After(b.now()) {
			if err := b.publishJob(ctx, job); err != nil {
				_ = msg.Nack(false, true)
				return result, fmt.Errorf("defer early job %s: %w", job.JobID, err)
			}
			_ = msg.Ack(false)
			continue
		}

		job.State = domain.JobStateProcessing
		result = append(result, &delivery{broker: b, msg: msg, job: job})
	}
	return result, nil
}

// Close implements queue.Broker.
func (b *Broker) Close() error {
	if b.get != nil {
		_ = b.get.Close()
	}
	if b.pub != nil {
		_ = b.pub.Close()
	}
	return b.conn.Close()
}

// Ping implements queue.Pinger.
func (b *Broker) Ping(_ context.Context) error {
	if b.conn.IsClosed() {
		return fmt.Errorf("rabbitmq connection closed")
	}
	return nil
}

type delivery struct {
	broker *Broker
	msg    amqp.Delivery

	mu      sync.Mutex
	settled bool
	job     *domain.DeliveryJob
}

func (d *delivery) Job() *domain.DeliveryJob {
	return d.job.Clone()
}

func (d *delivery) Ack(_ context.Context) error {
	if err := d.settle(); err != nil {
		return err
	}
	return d.msg.Ack(false)
}

// Retry publishes next before acking the original so the job is never lost.
func (d *delivery) Retry(ctx context.Context, next *domain.DeliveryJob) error {
	if err := d.settle(); err != nil {
		return err
	}
	if err := d.broker.publishJob(ctx, next); err != nil {
		_ = d.msg.Nack(false, true)
		return fmt.Errorf("republish job %s: %w", next.JobID, err)
	}
	return d.msg.Ack(false)
}

func (d *delivery) DeadLetter(ctx context.Context, job *domain.DeliveryJob, reason string) error {
	if err := d.settle(); err != nil {
		return err
	}
	dead := job.Clone()
	dead.State = domain.JobStateDeadLettered
	dead.LastError = reason
	if err := d.broker.publishDeadLetter(ctx, dead); err != nil {
		_ = d.msg.Nack(false, true)
		return fmt.Errorf("dead-letter job %s: %w", job.JobID, err)
	}
	return d.msg.Ack(false)
}

func (d *delivery) settle() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.settled {
		return fmt.Errorf("%w: %s", queue.ErrAlreadySettled, d.job.JobID)
	}
	d.settled = true
	return nil
}

func publishing(job *domain.DeliveryJob, body []byte) amqp.Publishing {
	return amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     job.JobID,
		CorrelationId: job.CorrelationID,
		Timestamp:     job.EnqueuedAt,
		Priority:      priorityLevel(job.Priority),
		Body:          body,
	}
}

func encodeJob(job *domain.DeliveryJob) ([]byte, error) {
	body, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("encode job %s: %w", job.JobID, err)
	}
	return body, nil
}

func decodeJob(body []byte) (*domain.DeliveryJob, error) {
	var job domain.DeliveryJob
	if err := json.Unmarshal(body, &job); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	if job.JobID == "" || !job.Channel.IsValid() {
		return nil, fmt.Errorf("decode job: missing job_id or channel")
	}
	return &job, nil
}

// expiration returns the per-message TTL in milliseconds until notBefore,
// or "" when the job is already due.
func expiration(notBefore, now time.Time) string {
	d := notBefore.Sub(now)
	if d <= 0 {
		return ""
	}
	ms := d.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return strconv.FormatInt(ms, 10)
}

func priorityLevel(p domain.Priority) uint8 {
	switch p {
	case domain.PriorityHigh:
		return maxPriority
	case domain.PriorityLow:
		return 1
	default:
		return 5
	}
}

var (
	_ queue.Broker   = (*Broker)(nil)
	_ queue.Delivery = (*delivery)(nil)
)
