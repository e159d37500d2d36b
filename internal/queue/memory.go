package queue

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bissquit/notification-dispatch/internal/domain"
)

// MemoryBroker is an in-process Broker. Jobs are lost on restart.
type MemoryBroker struct {
	mu        sync.Mutex
	pending   map[domain.Channel]*channelQueue
	inflight  map[string]*domain.DeliveryJob
	dead      []*domain.DeliveryJob
	delivered map[string]*domain.DeliveryJob
	published []*domain.DeliveryJob
	closed    bool
	now       func() time.Time

	// publishHook, when set, runs before each publish and may fail it.
	publishHook func(job *domain.DeliveryJob) error
}

// NewMemoryBroker creates an empty in-memory broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		pending:   make(map[domain.Channel]*channelQueue),
		inflight:  make(map[string]*domain.DeliveryJob),
		delivered: make(map[string]*domain.DeliveryJob),
		now:       time.Now,
	}
}

// SetClock replaces the clock used to compare NotBefore.
func (b *MemoryBroker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// SetPublishHook installs a hook that runs before each publish.
func (b *MemoryBroker) SetPublishHook(hook func(job *domain.DeliveryJob) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishHook = hook
}

// Publish implements Broker.
func (b *MemoryBroker) Publish(ctx context.Context, job *domain.DeliveryJob) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublish, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("%w: %w", ErrPublish, ErrClosed)
	}
	if b.publishHook != nil {
		if err := b.publishHook(job); err != nil {
			return fmt.Errorf("%w: %w", ErrPublish, err)
		}
	}

	stored := job.Clone()
	stored.State = domain.JobStatePending
	b.push(stored)
	b.published = append(b.published, stored.Clone())
	return nil
}

// Fetch implements Broker.
func (b *MemoryBroker) Fetch(ctx context.Context, channel domain.Channel, limit int) ([]Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	q := b.pending[channel]
	if q == nil {
		return nil, nil
	}

	q.promote(b.now())
	var result []Delivery
	for q.ready.Len() > 0 && len(result) < limit {
		job := heap.Pop(&q.ready).(*domain.DeliveryJob)
		job.State = domain.JobStateProcessing
		b.inflight[job.JobID] = job
		result = append(result, &memoryDelivery{broker: b, job: job.Clone()})
	}
	return result, nil
}

// Close implements Broker.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Ping implements Pinger.
func (b *MemoryBroker) Ping(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

// ListDeadLetters implements DeadLetterStore.
func (b *MemoryBroker) ListDeadLetters(_ context.Context, channel domain.Channel, limit int) ([]*domain.DeliveryJob, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var result []*domain.DeliveryJob
	for _, job := range b.dead {
		if channel != "" && job.Channel != channel {
			continue
		}
		if limit > 0 && len(result) >= limit {
			break
		}
		result = append(result, job.Clone())
	}
	return result, nil
}

// Requeue implements DeadLetterStore.
func (b *MemoryBroker) Requeue(_ context.Context, jobID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, job := range b.dead {
		if job.JobID != jobID {
			continue
		}
		b.dead = append(b.dead[:i], b.dead[i+1:]...)
		job.State = domain.JobStatePending
		job.NotBefore = b.now()
		b.push(job)
		return nil
	}
	return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
}

// Published returns every job accepted by Publish, in order.
func (b *MemoryBroker) Published() []*domain.DeliveryJob {
	b.mu.Lock()
	defer b.mu.Unlock()

	result := make([]*domain.DeliveryJob, len(b.published))
	for i, job := range b.published {
		result[i] = job.Clone()
	}
	return result
}

// Delivered returns the delivered job with jobID, if any.
func (b *MemoryBroker) Delivered(jobID string) (*domain.DeliveryJob, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	job, ok := b.delivered[jobID]
	if !ok {
		return nil, false
	}
	return job.Clone(), true
}

// Stats returns job counts by state.
func (b *MemoryBroker) Stats() map[domain.JobState]int {
	b.mu.Lock()
	defer b.mu.Unlock()

	stats := map[domain.JobState]int{
		domain.JobStatePending:      0,
		domain.JobStateProcessing:   len(b.inflight),
		domain.JobStateDelivered:    len(b.delivered),
		domain.JobStateDeadLettered: len(b.dead),
	}
	for _, q := range b.pending {
		stats[domain.JobStatePending] += q.ready.Len() + q.scheduled.Len()
	}
	return stats
}

// push must be called with mu held.
func (b *MemoryBroker) push(job *domain.DeliveryJob) {
	q := b.pending[job.Channel]
	if q == nil {
		q = &channelQueue{
			scheduled: jobHeap{less: byNotBefore},
			ready:     jobHeap{less: byPriority},
		}
		b.pending[job.Channel] = q
	}
	heap.Push(&q.scheduled, job)
}

// settle must be called with mu held.
func (b *MemoryBroker) settle(jobID string) error {
	if _, ok := b.inflight[jobID]; !ok {
		return fmt.Errorf("%w: %s", ErrAlreadySettled, jobID)
	}
	delete(b.inflight, jobID)
	return nil
}

type memoryDelivery struct {
	broker *MemoryBroker
	job    *domain.DeliveryJob
}

func (d *memoryDelivery) Job() *domain.DeliveryJob {
	return d.job.Clone()
}

func (d *memoryDelivery) Ack(_ context.Context) error {
	b := d.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.settle(d.job.JobID); err != nil {
		return err
	}
	job := d.job.Clone()
	job.State = domain.JobStateDelivered
	b.delivered[job.JobID] = job
	return nil
}

func (d *memoryDelivery) Retry(_ context.Context, next *domain.DeliveryJob) error {
	b := d.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.settle(d.job.JobID); err != nil {
		return err
	}
	job := next.Clone()
	job.State = domain.JobStatePending
	b.push(job)
	return nil
}

func (d *memoryDelivery) DeadLetter(_ context.Context, job *domain.DeliveryJob, reason string) error {
	b := d.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.settle(d.job.JobID); err != nil {
		return err
	}
	dead := job.Clone()
	dead.State = domain.JobStateDeadLettered
	dead.LastError = reason
	b.dead = append(b.dead, dead)
	return nil
}

// channelQueue holds a channel's pending jobs. Jobs wait in scheduled
// until NotBefore passes, then move to ready, which dequeues high priority
// first.
type channelQueue struct {
	scheduled jobHeap
	ready     jobHeap
}

func (q *channelQueue) promote(now time.Time) {
	for q.scheduled.Len() > 0 && !q.scheduled.jobs[0].NotBefore.After(now) {
		heap.Push(&q.ready, heap.Pop(&q.scheduled))
	}
}

func byNotBefore(a, b *domain.DeliveryJob) bool {
	if !a.NotBefore.Equal(b.NotBefore) {
		return a.NotBefore.Before(b.NotBefore)
	}
	return a.EnqueuedAt.Before(b.EnqueuedAt)
}

func byPriority(a, b *domain.DeliveryJob) bool {
	if ra, rb := a.Priority.Rank(), b.Priority.Rank(); ra != rb {
		return ra < rb
	}
	return byNotBefore(a, b)
}

type jobHeap struct {
	jobs []*domain.DeliveryJob
	less func(a, b *domain.DeliveryJob) bool
}

func (h jobHeap) Len() int { return len(h.jobs) }

func (h jobHeap) Less(i, j int) bool { return h.less(h.jobs[i], h.jobs[j]) }

func (h jobHeap) Swap(i, j int) { h.jobs[i], h.jobs[j] = h.jobs[j], h.jobs[i] }

func (h *jobHeap) Push(x any) { h.jobs = append(h.jobs, x.(*domain.DeliveryJob)) }

func (h *jobHeap) Pop() any {
	old := h.jobs
	n := len(old)
	job := old[n-1]
	old[n-1] = nil
	h.jobs = old[:n-1]
	return job
}
