package delivery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bissquit/notification-dispatch/internal/domain"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMaintainer struct {
	recovered int64
	purged    int64
	retention time.Duration
	stats     map[domain.JobState]int
	err       error
}

func (f *fakeMaintainer) RecoverExpiredLeases(_ context.Context) (int64, error) {
	return f.recovered, f.err
}

func (f *fakeMaintainer) PurgeDelivered(_ context.Context, retention time.Duration) (int64, error) {
	f.retention = retention
	return f.purged, f.err
}

func (f *fakeMaintainer) Stats(_ context.Context) (map[domain.JobState]int, error) {
	return f.stats, f.err
}

func TestNewJanitor_InvalidSchedule(t *testing.T) {
	_, err := NewJanitor(JanitorConfig{RecoverSchedule: "every minute"}, &fakeMaintainer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "recover_leases")
}

func TestJanitor_Defaults(t *testing.T) {
	broker := &fakeMaintainer{purged: 3}
	j, err := NewJanitor(JanitorConfig{}, broker)
	require.NoError(t, err)

	require.NoError(t, j.PurgeDelivered(context.Background()))
	assert.Equal(t, 72*time.Hour, broker.retention)
}

func TestJanitor_RefreshStats(t *testing.T) {
	broker := &fakeMaintainer{stats: map[domain.JobState]int{
		domain.JobStatePending:      4,
		domain.JobStateDeadLettered: 1,
	}}
	j, err := NewJanitor(DefaultJanitorConfig(), broker)
	require.NoError(t, err)

	require.NoError(t, j.RefreshStats(context.Background()))
	assert.Equal(t, 4.0, testutil.ToFloat64(queueJobs.WithLabelValues("pending")))
	assert.Equal(t, 1.0, testutil.ToFloat64(queueJobs.WithLabelValues("dead_lettered")))
}

func TestJanitor_ErrorsAreWrapped(t *testing.T) {
	storeErr := errors.New("connection refused")
	j, err := NewJanitor(DefaultJanitorConfig(), &fakeMaintainer{err: storeErr})
	require.NoError(t, err)

	assert.ErrorIs(t, j.RecoverLeases(context.Background()), storeErr)
	assert.ErrorIs(t, j.PurgeDelivered(context.Background()), storeErr)
	assert.ErrorIs(t, j.RefreshStats(context.Background()), storeErr)
}

func TestJanitor_StartStop(t *testing.T) {
	j, err := NewJanitor(DefaultJanitorConfig(), &fakeMaintainer{})
	require.NoError(t, err)

	j.Start()
	j.Stop()
}
