package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bissquit/notification-dispatch/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newJob(id string, ch domain.Channel, notBefore time.Time) *domain.DeliveryJob {
	return &domain.DeliveryJob{
		JobID:      id,
		RequestID:  "r1",
		UserID:     "u1",
		Channel:    ch,
		Endpoint:   "addr-" + id,
		Priority:   domain.PriorityNormal,
		EnqueuedAt: notBefore,
		NotBefore:  notBefore,
	}
}

func TestMemoryBroker_FetchRespectsNotBefore(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewMemoryBroker()
	b.SetClock(func() time.Time { return now })

	require.NoError(t, b.Publish(ctx, newJob("late", domain.ChannelPush, now.Add(time.Minute))))
	require.NoError(t, b.Publish(ctx, newJob("due", domain.ChannelPush, now.Add(-time.Second))))
	require.NoError(t, b.Publish(ctx, newJob("other", domain.ChannelEmail, now)))

	got, err := b.Fetch(ctx, domain.ChannelPush, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "due", got[0].Job().JobID)
	assert.Equal(t, domain.JobStateProcessing, got[0].Job().State)

	now = now.Add(2 * time.Minute)
	got, err = b.Fetch(ctx, domain.ChannelPush, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "late", got[0].Job().JobID)
}

func TestMemoryBroker_PriorityOrder(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewMemoryBroker()
	b.SetClock(func() time.Time { return now })

	publish := func(id string, p domain.Priority, notBefore time.Time) {
		job := newJob(id, domain.ChannelPush, notBefore)
		job.Priority = p
		require.NoError(t, b.Publish(ctx, job))
	}
	publish("low-old", domain.PriorityLow, now.Add(-3*time.Minute))
	publish("normal-old", domain.PriorityNormal, now.Add(-2*time.Minute))
	publish("high-new", domain.PriorityHigh, now.Add(-time.Second))
	publish("normal-new", domain.PriorityNormal, now.Add(-time.Second))
	publish("high-future", domain.PriorityHigh, now.Add(time.Minute))

	got, err := b.Fetch(ctx, domain.ChannelPush, 10)
	require.NoError(t, err)

	ids := make([]string, len(got))
	for i, d := range got {
		ids[i] = d.Job().JobID
	}
	assert.Equal(t, []string{"high-new", "normal-old", "normal-new", "low-old"}, ids)
	assert.Equal(t, 1, b.Stats()[domain.JobStatePending], "future job stays scheduled")
}

func TestMemoryBroker_NoDoubleLease(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker()
	require.NoError(t, b.Publish(ctx, newJob("j1", domain.ChannelSMS, time.Now().Add(-time.Second))))

	first, err := b.Fetch(ctx, domain.ChannelSMS, 10)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := b.Fetch(ctx, domain.ChannelSMS, 10)
	require.NoError(t, err)
	assert.Empty(t, second)
}

func TestMemoryBroker_Settle(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker()
	past := time.Now().Add(-time.Second)

	require.NoError(t, b.Publish(ctx, newJob("ack", domain.ChannelPush, past)))
	require.NoError(t, b.Publish(ctx, newJob("retry", domain.ChannelPush, past)))
	require.NoError(t, b.Publish(ctx, newJob("dead", domain.ChannelPush, past)))

	deliveries, err := b.Fetch(ctx, domain.ChannelPush, 10)
	require.NoError(t, err)
	require.Len(t, deliveries, 3)

	byID := map[string]Delivery{}
	for _, d := range deliveries {
		byID[d.Job().JobID] = d
	}

	require.NoError(t, byID["ack"].Ack(ctx))
	assert.ErrorIs(t, byID["ack"].Ack(ctx), ErrAlreadySettled)

	next := byID["retry"].Job().NextAttempt(time.Now().Add(-time.Millisecond), "timeout")
	require.NoError(t, byID["retry"].Retry(ctx, next))

	require.NoError(t, byID["dead"].DeadLetter(ctx, byID["dead"].Job(), "permanent"))

	stats := b.Stats()
	assert.Equal(t, 1, stats[domain.JobStateDelivered])
	assert.Equal(t, 1, stats[domain.JobStatePending])
	assert.Equal(t, 1, stats[domain.JobStateDeadLettered])
	assert.Equal(t, 0, stats[domain.JobStateProcessing])

	retried, err := b.Fetch(ctx, domain.ChannelPush, 10)
	require.NoError(t, err)
	require.Len(t, retried, 1)
	assert.Equal(t, 1, retried[0].Job().AttemptCount)
	assert.Equal(t, "timeout", retried[0].Job().LastError)

	delivered, ok := b.Delivered("ack")
	require.True(t, ok)
	assert.Equal(t, domain.JobStateDelivered, delivered.State)
}

func TestMemoryBroker_DeadLetters(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker()
	require.NoError(t, b.Publish(ctx, newJob("j1", domain.ChannelEmail, time.Now().Add(-time.Second))))

	deliveries, err := b.Fetch(ctx, domain.ChannelEmail, 1)
	require.NoError(t, err)
	job := deliveries[0].Job()
	job.AttemptCount = 5
	require.NoError(t, deliveries[0].DeadLetter(ctx, job, "max attempts exceeded"))

	dead, err := b.ListDeadLetters(ctx, domain.ChannelEmail, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, domain.JobStateDeadLettered, dead[0].State)
	assert.Equal(t, "max attempts exceeded", dead[0].LastError)

	other, err := b.ListDeadLetters(ctx, domain.ChannelPush, 10)
	require.NoError(t, err)
	assert.Empty(t, other)

	require.NoError(t, b.Requeue(ctx, "j1"))
	assert.ErrorIs(t, b.Requeue(ctx, "j1"), ErrJobNotFound)

	requeued, err := b.Fetch(ctx, domain.ChannelEmail, 1)
	require.NoError(t, err)
	require.Len(t, requeued, 1)
	assert.Equal(t, 5, requeued[0].Job().AttemptCount)
}

func TestMemoryBroker_PublishFailure(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker()
	b.SetPublishHook(func(*domain.DeliveryJob) error { return errors.New("disk full") })

	err := b.Publish(ctx, newJob("j1", domain.ChannelPush, time.Now()))
	assert.ErrorIs(t, err, ErrPublish)
	assert.Empty(t, b.Published())

	require.NoError(t, b.Close())
	b.SetPublishHook(nil)
	err = b.Publish(ctx, newJob("j2", domain.ChannelPush, time.Now()))
	assert.ErrorIs(t, err, ErrPublish)
	assert.ErrorIs(t, err, ErrClosed)
}
