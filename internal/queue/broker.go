// Package queue defines the delivery job broker abstraction.
package queue

import (
	"context"
	"errors"

	"github.com/bissquit/notification-dispatch/internal/domain"
)

// Queue errors.
var (
	// ErrPublish is returned when a job could not be durably accepted.
	ErrPublish = errors.New("publish failed")
	// ErrPublishNacked is returned when the broker explicitly refused a job.
	ErrPublishNacked = errors.New("publish not acknowledged")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("broker closed")
	// ErrAlreadySettled is returned when a delivery is settled twice.
	ErrAlreadySettled = errors.New("delivery already settled")
	// ErrJobNotFound is returned by Requeue for unknown dead letters.
	ErrJobNotFound = errors.New("job not found")
)

// Broker stores delivery jobs until a worker settles them.
type Broker interface {
	// Publish durably stores job. It returns only after the broker confirmed it.
	Publish(ctx context.Context, job *domain.DeliveryJob) error
	// Fetch leases up to limit jobs of channel whose NotBefore has passed.
	Fetch(ctx context.Context, channel domain.Channel, limit int) ([]Delivery, error)
	Close() error
}

// Delivery is a leased job. Exactly one settle method must be called.
type Delivery interface {
	Job() *domain.DeliveryJob
	// Ack marks the job delivered.
	Ack(ctx context.Context) error
	// Retry settles this delivery and stores next for a later attempt.
	Retry(ctx context.Context, next *domain.DeliveryJob) error
	// DeadLetter moves the job to the dead-letter store.
	DeadLetter(ctx context.Context, job *domain.DeliveryJob, reason string) error
}

// LeaseExtender is implemented by deliveries whose lease expires. Extend
// renews the lease and returns ErrAlreadySettled once the job has been
// recovered for another worker.
type LeaseExtender interface {
	Extend(ctx context.Context) error
}

// DeadLetterStore is implemented by brokers that can list and requeue dead letters.
type DeadLetterStore interface {
	ListDeadLetters(ctx context.Context, channel domain.Channel, limit int) ([]*domain.DeliveryJob, error)
	Requeue(ctx context.Context, jobID string) error
}

// Pinger is implemented by brokers that can report readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}
