// Package delivery runs per-channel worker pools that deliver queued jobs.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bissquit/notification-dispatch/internal/domain"
	"github.com/bissquit/notification-dispatch/internal/queue"
)

// Config contains worker pool configuration.
type Config struct {
	BatchSize    int
	PollInterval time.Duration
	SendTimeout  time.Duration
	// SettleTimeout bounds Ack/Retry/DeadLetter calls.
	SettleTimeout time.Duration
	// Concurrency is the number of workers per channel. Channels missing
	// from the map get one worker.
	Concurrency map[domain.Channel]int
	Retry       RetryPolicy
	// OnTerminal is called with a copy of every job that reaches
	// delivered or dead_lettered.
	OnTerminal func(job *domain.DeliveryJob)
}

// DefaultConfig returns default worker pool configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize:     10,
		PollInterval:  time.Second,
		SendTimeout:   10 * time.Second,
		SettleTimeout: 5 * time.Second,
		Retry:         DefaultRetryPolicy(),
	}
}

// Pool runs an independent worker group for every channel with a sender.
type Pool struct {
	config  Config
	broker  queue.Broker
	senders map[domain.Channel]Sender
	now     func() time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewPool creates a worker pool.
func NewPool(config Config, broker queue.Broker, senders ...Sender) *Pool {
	d := DefaultConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = d.BatchSize
	}
	if config.PollInterval <= 0 {
		config.PollInterval = d.PollInterval
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = d.SendTimeout
	}
	if config.SettleTimeout <= 0 {
		config.SettleTimeout = d.SettleTimeout
	}
	config.Retry = config.Retry.withDefaults()

	senderMap := make(map[domain.Channel]Sender, len(senders))
	for _, s := range senders {
		senderMap[s.Channel()] = s
	}

	return &Pool{
		config:  config,
		broker:  broker,
		senders: senderMap,
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
}

// Start launches worker goroutines for every channel in canonical order.
func (p *Pool) Start(ctx context.Context) {
	for _, ch := range domain.Channels {
		if _, ok := p.senders[ch]; !ok {
			continue
		}
		n := p.config.Concurrency[ch]
		if n <= 0 {
			n = 1
		}

		slog.Info("starting delivery workers",
			"channel", ch,
			"workers", n,
			"batch_size", p.config.BatchSize,
			"poll_interval", p.config.PollInterval,
		)

		for i := 0; i < n; i++ {
			p.wg.Add(1)
			go p.run(ctx, ch, i)
		}
	}
}

// Stop stops all workers and waits for in-flight jobs to settle.
func (p *Pool) Stop() {
	close(p.stopCh)
	p.wg.Wait()
	slog.Info("delivery workers stopped")
}

func (p *Pool) run(ctx context.Context, ch domain.Channel, workerID int) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			// Keep draining while batches come back full.
			for p.processBatch(ctx, ch, workerID) == p.config.BatchSize {
				if p.stopping(ctx) {
					return
				}
			}
		}
	}
}

func (p *Pool) stopping(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-p.stopCh:
		return true
	default:
		return false
	}
}

func (p *Pool) processBatch(ctx context.Context, ch domain.Channel, workerID int) int {
	deliveries, err := p.broker.Fetch(ctx, ch, p.config.BatchSize)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			slog.Error("failed to fetch jobs", "channel", ch, "worker", workerID, "error", err)
		}
		return 0
	}
	if len(deliveries) == 0 {
		return 0
	}

	slog.Debug("processing jobs", "channel", ch, "worker", workerID, "count", len(deliveries))
	recordFetched(ch, len(deliveries))

	for _, d := range deliveries {
		p.processDelivery(ctx, ch, d)
	}
	return len(deliveries)
}

func (p *Pool) processDelivery(ctx context.Context, ch domain.Channel, d queue.Delivery) {
	job := d.Job()

	// A leased job settles even while the pool shuts down.
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.config.SettleTimeout)
	defer cancel()

	if job.NotBefore.After(p.now()) {
		if err := d.Retry(settleCtx, job); err != nil {
			slog.Error("failed to defer early job", "job_id", job.JobID, "error", err)
		}
		return
	}

	sender, ok := p.senders[ch]
	if !ok {
		p.deadLetter(settleCtx, d, job, fmt.Sprintf("no sender for channel %s", ch))
		return
	}

	if ext, ok := d.(queue.LeaseExtender); ok {
		if err := ext.Extend(settleCtx); err != nil {
			// Without a live lease another worker may already own the job.
			slog.Warn("lease lost before send, skipping job", "job_id", job.JobID, "channel", ch, "error", err)
			recordAttempt(ch, "lease_lost")
			return
		}
	}

	start := time.Now()
	sendCtx, sendCancel := context.WithTimeout(ctx, p.config.SendTimeout)
	err := sender.Send(sendCtx, job)
	sendCancel()
	duration := time.Since(start)
	recordSendDuration(ch, duration)

	if err != nil {
		p.handleSendError(settleCtx, d, job, err)
		return
	}

	if err := d.Ack(settleCtx); err != nil {
		slog.Error("failed to ack job", "job_id", job.JobID, "error", err)
		return
	}
	recordAttempt(ch, "delivered")

	slog.Debug("job delivered",
		"job_id", job.JobID,
		"request_id", job.RequestID,
		"channel", ch,
		"attempt_count", job.AttemptCount,
		"duration", duration,
	)

	job.State = domain.JobStateDelivered
	p.terminal(job)
}

func (p *Pool) handleSendError(ctx context.Context, d queue.Delivery, job *domain.DeliveryJob, err error) {
	next := job.AttemptCount + 1

	slog.Warn("send failed",
		"job_id", job.JobID,
		"channel", job.Channel,
		"attempt", next,
		"max_attempts", p.config.Retry.MaxAttempts,
		"error", err,
	)

	if !IsRetryable(err) {
		failed := job.Clone()
		failed.AttemptCount = next
		p.deadLetter(ctx, d, failed, err.Error())
		return
	}

	if next >= p.config.Retry.MaxAttempts {
		failed := job.Clone()
		failed.AttemptCount = next
		p.deadLetter(ctx, d, failed, fmt.Sprintf("max attempts exceeded: %v", err))
		return
	}

	notBefore := p.now().Add(p.config.Retry.Backoff(job.AttemptCount))
	retry := job.NextAttempt(notBefore, err.Error())
	if rerr := d.Retry(ctx, retry); rerr != nil {
		slog.Error("failed to schedule retry", "job_id", job.JobID, "error", rerr)
		return
	}
	recordAttempt(job.Channel, "retry")

	slog.Info("job scheduled for retry",
		"job_id", job.JobID,
		"attempt_count", retry.AttemptCount,
		"next_attempt", notBefore,
	)
}

func (p *Pool) deadLetter(ctx context.Context, d queue.Delivery, job *domain.DeliveryJob, reason string) {
	if err := d.DeadLetter(ctx, job, reason); err != nil {
		slog.Error("failed to dead-letter job", "job_id", job.JobID, "error", err)
		return
	}
	recordAttempt(job.Channel, "dead_lettered")

	slog.Warn("job dead-lettered",
		"job_id", job.JobID,
		"request_id", job.RequestID,
		"channel", job.Channel,
		"attempt_count", job.AttemptCount,
		"reason", reason,
	)

	dead := job.Clone()
	dead.State = domain.JobStateDeadLettered
	dead.LastError = reason
	p.terminal(dead)
}

func (p *Pool) terminal(job *domain.DeliveryJob) {
	if p.config.OnTerminal != nil {
		p.config.OnTerminal(job)
	}
}
