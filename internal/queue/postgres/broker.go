// Package postgres provides a PostgreSQL-backed delivery job broker.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bissquit/notification-dispatch/internal/domain"
	"github.com/bissquit/notification-dispatch/internal/queue"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultLease = 30 * time.Second

// Config contains broker configuration.
type Config struct {
	// Lease is how long a fetched job stays invisible to other workers.
	Lease time.Duration
}

// Broker implements queue.Broker on a delivery_jobs table.
type Broker struct {
	db    *pgxpool.Pool
	lease time.Duration
}

// NewBroker creates a new PostgreSQL broker. The pool is owned by the caller.
func NewBroker(db *pgxpool.Pool, config Config) *Broker {
	if config.Lease <= 0 {
		config.Lease = defaultLease
	}
	return &Broker{db: db, lease: config.Lease}
}

const jobColumns = `job_id, request_id, correlation_id, user_id, channel, endpoint, message,
	priority, attempt_count, state, last_error, enqueued_at, not_before`

// Publish inserts the job. A committed insert is the confirmation.
// Publishing an existing job ID is a no-op.
func (b *Broker) Publish(ctx context.Context, job *domain.DeliveryJob) error {
	message, err := json.Marshal(job.Message)
	if err != nil {
		return fmt.Errorf("%w: encode message: %w", queue.ErrPublish, err)
	}
	priority := job.Priority
	if priority == "" {
		priority = domain.PriorityNormal
	}

	query := `
		INSERT INTO delivery_jobs (` + jobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'pending', $10, $11, $12)
		ON CONFLICT (job_id) DO NOTHING
	`
	_, err = b.db.Exec(ctx, query,
		job.JobID,
		job.RequestID,
		job.CorrelationID,
		job.UserID,
		string(job.Channel),
		job.Endpoint,
		message,
		string(priority),
		job.AttemptCount,
		job.LastError,
		job.EnqueuedAt,
		job.NotBefore,
	)
	if err != nil {
		return fmt.Errorf("%w: insert job: %w", queue.ErrPublish, err)
	}
	return nil
}

// Fetch leases due jobs, high priority first. Rows locked by concurrent
// fetches are skipped.
func (b *Broker) Fetch(ctx context.Context, channel domain.Channel, limit int) ([]queue.Delivery, error) {
	token := uuid.New()

	query := `
		UPDATE delivery_jobs
		SET state = 'processing',
		    lease_token = $3,
		    locked_until = NOW() + make_interval(secs => $4),
		    updated_at = NOW()
		WHERE job_id IN (
			SELECT job_id FROM delivery_jobs
			WHERE channel = $1
			  AND state = 'pending'
			  AND not_before <= NOW()
			ORDER BY
				CASE priority WHEN 'high' THEN 0 WHEN 'normal' THEN 1 ELSE 2 END,
				not_before
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns

	rows, err := b.db.Query(ctx, query, string(channel), limit, token, b.lease.Seconds())
	if err != nil {
		return nil, fmt.Errorf("fetch jobs: %w", err)
	}
	defer rows.Close()

	var deliveries []queue.Delivery
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, &delivery{broker: b, job: job, token: token})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return deliveries, nil
}

// Close implements queue.Broker. The pool is closed by its owner.
func (b *Broker) Close() error {
	return nil
}

// Ping implements queue.Pinger.
func (b *Broker) Ping(ctx context.Context) error {
	return b.db.Ping(ctx)
}

// ListDeadLetters implements queue.DeadLetterStore.
func (b *Broker) ListDeadLetters(ctx context.Context, channel domain.Channel, limit int) ([]*domain.DeliveryJob, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ` + jobColumns + `
		FROM delivery_jobs
		WHERE state = 'dead_lettered'
		  AND ($1 = '' OR channel = $1)
		ORDER BY updated_at DESC
		LIMIT $2
	`
	rows, err := b.db.Query(ctx, query, string(channel), limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var jobs []*domain.DeliveryJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}
	return jobs, nil
}

// Requeue implements queue.DeadLetterStore. AttemptCount is kept.
func (b *Broker) Requeue(ctx context.Context, jobID string) error {
	query := `
		UPDATE delivery_jobs
		SET state = 'pending', not_before = NOW(), updated_at = NOW()
		WHERE job_id = $1 AND state = 'dead_lettered'
	`
	result, err := b.db.Exec(ctx, query, jobID)
	if err != nil {
		return fmt.Errorf("requeue job: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", queue.ErrJobNotFound, jobID)
	}
	return nil
}

// RecoverExpiredLeases returns jobs held by crashed workers to pending.
func (b *Broker) RecoverExpiredLeases(ctx context.Context) (int64, error) {
	query := `
		UPDATE delivery_jobs
		SET state = 'pending', lease_token = NULL, locked_until = NULL, updated_at = NOW()
		WHERE state = 'processing' AND locked_until < NOW()
	`
	result, err := b.db.Exec(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("recover expired leases: %w", err)
	}
	return result.RowsAffected(), nil
}

// PurgeDelivered deletes delivered jobs older than retention.
func (b *Broker) PurgeDelivered(ctx context.Context, retention time.Duration) (int64, error) {
	query := `
		DELETE FROM delivery_jobs
		WHERE state = 'delivered' AND delivered_at < NOW() - make_interval(secs => $1)
	`
	result, err := b.db.Exec(ctx, query, retention.Seconds())
	if err != nil {
		return 0, fmt.Errorf("purge delivered jobs: %w", err)
	}
	return result.RowsAffected(), nil
}

// Stats returns job counts by state.
func (b *Broker) Stats(ctx context.Context) (map[domain.JobState]int, error) {
	stats := map[domain.JobState]int{
		domain.JobStatePending:      0,
		domain.JobStateProcessing:   0,
		domain.JobStateDelivered:    0,
		domain.JobStateDeadLettered: 0,
	}

	rows, err := b.db.Query(ctx, `SELECT state, COUNT(*) FROM delivery_jobs GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var state domain.JobState
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		stats[state] = count
	}
	return stats, rows.Err()
}

func scanJob(row pgx.Row) (*domain.DeliveryJob, error) {
	var job domain.DeliveryJob
	var message []byte
	err := row.Scan(
		&job.JobID,
		&job.RequestID,
		&job.CorrelationID,
		&job.UserID,
		&job.Channel,
		&job.Endpoint,
		&message,
		&job.Priority,
		&job.AttemptCount,
		&job.State,
		&job.LastError,
		&job.EnqueuedAt,
		&job.NotBefore,
	)
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	if err := json.Unmarshal(message, &job.Message); err != nil {
		return nil, fmt.Errorf("decode message of job %s: %w", job.JobID, err)
	}
	return &job, nil
}

type delivery struct {
	broker *Broker
	job    *domain.DeliveryJob
	token  uuid.UUID
}

func (d *delivery) Job() *domain.DeliveryJob {
	return d.job.Clone()
}

// Extend implements queue.LeaseExtender.
func (d *delivery) Extend(ctx context.Context) error {
	query := `
		UPDATE delivery_jobs
		SET locked_until = NOW() + make_interval(secs => $3), updated_at = NOW()
		WHERE job_id = $1 AND lease_token = $2 AND state = 'processing'
	`
	return d.exec(ctx, "extend lease of", query, d.job.JobID, d.token, d.broker.lease.Seconds())
}

func (d *delivery) Ack(ctx context.Context) error {
	query := `
		UPDATE delivery_jobs
		SET state = 'delivered', delivered_at = NOW(), updated_at = NOW(),
		    lease_token = NULL, locked_until = NULL
		WHERE job_id = $1 AND lease_token = $2 AND state = 'processing'
	`
	return d.exec(ctx, "ack", query, d.job.JobID, d.token)
}

func (d *delivery) Retry(ctx context.Context, next *domain.DeliveryJob) error {
	query := `
		UPDATE delivery_jobs
		SET state = 'pending', attempt_count = $3, not_before = $4, last_error = $5,
		    updated_at = NOW(), lease_token = NULL, locked_until = NULL
		WHERE job_id = $1 AND lease_token = $2 AND state = 'processing'
	`
	return d.exec(ctx, "retry", query, d.job.JobID, d.token, next.AttemptCount, next.NotBefore, next.LastError)
}

func (d *delivery) DeadLetter(ctx context.Context, job *domain.DeliveryJob, reason string) error {
	query := `
		UPDATE delivery_jobs
		SET state = 'dead_lettered', attempt_count = $3, last_error = $4,
		    updated_at = NOW(), lease_token = NULL, locked_until = NULL
		WHERE job_id = $1 AND lease_token = $2 AND state = 'processing'
	`
	return d.exec(ctx, "dead-letter", query, d.job.JobID, d.token, job.AttemptCount, reason)
}

func (d *delivery) exec(ctx context.Context, op, query string, args ...any) error {
	result, err := d.broker.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s job: %w", op, err)
	}
	if result.RowsAffected() == 0 {
		// The lease expired and the job was recovered or settled elsewhere.
		return fmt.Errorf("%s job %s: %w", op, d.job.JobID, queue.ErrAlreadySettled)
	}
	return nil
}

var (
	_ queue.Broker          = (*Broker)(nil)
	_ queue.DeadLetterStore = (*Broker)(nil)
	_ queue.Delivery        = (*delivery)(nil)
	_ queue.LeaseExtender   = (*delivery)(nil)
)
