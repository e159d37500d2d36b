package dispatch

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/bissquit/notification-dispatch/internal/domain"
)

// ChannelStatus is the per-channel result of a dispatch.
type ChannelStatus string

// Channel statuses.
const (
	ChannelEnqueued ChannelStatus = "enqueued"
	ChannelRejected ChannelStatus = "rejected"
)

// ChannelOutcome reports what happened on one channel.
type ChannelOutcome struct {
	Channel   domain.Channel `json:"channel"`
	Status    ChannelStatus  `json:"status"`
	Jobs      int            `json:"jobs"`
	ErrorKind string         `json:"error_kind,omitempty"`
	Message   string         `json:"message,omitempty"`

	err error
}

// Receipt is the response body of a send request. Duplicates replay it.
type Receipt struct {
	RequestID    string           `json:"request_id"`
	JobsEnqueued int              `json:"jobs_enqueued"`
	Channels     []ChannelOutcome `json:"channels"`
	// ErrorKind and Message are set when nothing was enqueued.
	ErrorKind string `json:"error_kind,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Result is the outcome of Coordinator.Dispatch.
type Result struct {
	Receipt   *Receipt
	Status    int
	Duplicate bool
}

// storedReceipt is the ledger form of a Result.
type storedReceipt struct {
	Status  int     `json:"status"`
	Receipt Receipt `json:"receipt"`
}

func encodeResult(res *Result) (json.RawMessage, error) {
	data, err := json.Marshal(storedReceipt{Status: res.Status, Receipt: *res.Receipt})
	if err != nil {
		return nil, fmt.Errorf("encode receipt: %w", err)
	}
	return data, nil
}

func decodeResult(raw json.RawMessage) (*Result, error) {
	var stored storedReceipt
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, fmt.Errorf("decode receipt: %w", err)
	}
	if stored.Status == 0 {
		stored.Status = http.StatusAccepted
	}
	if stored.Receipt.Channels == nil {
		stored.Receipt.Channels = []ChannelOutcome{}
	}
	return &Result{Receipt: &stored.Receipt, Status: stored.Status, Duplicate: true}, nil
}

func enqueued(ch domain.Channel, jobs int) ChannelOutcome {
	return ChannelOutcome{Channel: ch, Status: ChannelEnqueued, Jobs: jobs}
}

func rejected(ch domain.Channel, err error) ChannelOutcome {
	_, kind := classify(err)
	return ChannelOutcome{
		Channel:   ch,
		Status:    ChannelRejected,
		ErrorKind: kind,
		Message:   err.Error(),
		err:       err,
	}
}

// finalize computes totals and the HTTP status. Jobs win over errors;
// otherwise the first channel error decides.
func (r *Receipt) finalize() int {
	r.JobsEnqueued = 0
	var firstErr error
	for _, o := range r.Channels {
		r.JobsEnqueued += o.Jobs
		if firstErr == nil && o.err != nil && o.Jobs == 0 {
			firstErr = o.err
		}
	}
	if r.JobsEnqueued > 0 {
		return http.StatusAccepted
	}
	if firstErr == nil {
		firstErr = ErrNoEligibleChannel
	}
	status, kind := classify(firstErr)
	r.ErrorKind = kind
	r.Message = firstErr.Error()
	return status
}

// allTransient reports whether every channel failure may succeed on retry.
func (r *Receipt) allTransient() bool {
	for _, o := range r.Channels {
		if o.err != nil && !isTransient(o.err) {
			return false
		}
	}
	return true
}
