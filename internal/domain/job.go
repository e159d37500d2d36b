package domain

import "time"

// JobState is the lifecycle state of a delivery job.
type JobState string

// Job states.
const (
	JobStatePending      JobState = "pending"
	JobStateProcessing   JobState = "processing"
	JobStateDelivered    JobState = "delivered"
	JobStateDeadLettered JobState = "dead_lettered"
)

// IsTerminal reports whether no further processing happens in this state.
func (s JobState) IsTerminal() bool {
	return s == JobStateDelivered || s == JobStateDeadLettered
}

// DeliveryJob is a unit of delivery for one endpoint on one channel.
type DeliveryJob struct {
	JobID         string          `json:"job_id"`
	RequestID     string          `json:"request_id"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	UserID        string          `json:"user_id"`
	Channel       Channel         `json:"channel"`
	Endpoint      string          `json:"endpoint"`
	Message       RenderedMessage `json:"message"`
	AttemptCount  int             `json:"attempt_count"`
	Priority      Priority        `json:"priority"`
	EnqueuedAt    time.Time       `json:"enqueued_at"`
	NotBefore     time.Time       `json:"not_before"`
	State         JobState        `json:"state"`
	LastError     string          `json:"last_error,omitempty"`
}

// Clone returns a copy of the job.
func (j *DeliveryJob) Clone() *DeliveryJob {
	c := *j
	return &c
}

// NextAttempt returns a copy prepared for redelivery. AttemptCount is
// incremented and never reset.
func (j *DeliveryJob) NextAttempt(notBefore time.Time, lastErr string) *DeliveryJob {
	c := j.Clone()
	c.AttemptCount++
	c.NotBefore = notBefore
	c.State = JobStatePending
	c.LastError = lastErr
	return c
}
