// Package idempotency deduplicates send requests by request ID.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bissquit/notification-dispatch/internal/kv"
)

// Ledger errors.
var (
	ErrLedgerUnavailable = errors.New("idempotency ledger unavailable")
	ErrReceiptPending    = errors.New("original request still in progress")
)

// Outcome is the result of checking a request ID.
type Outcome string

// Outcomes.
const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeDuplicate Outcome = "duplicate"
)

// Record is the stored state for a request ID.
type Record struct {
	RequestID   string          `json:"request_id"`
	FirstSeenAt time.Time       `json:"first_seen_at"`
	Outcome     Outcome         `json:"outcome"`
	Receipt     json.RawMessage `json:"receipt,omitempty"`
}

// Config contains ledger configuration.
type Config struct {
	// TTL is the retention window. It must exceed the longest client retry window.
	TTL time.Duration
	// Timeout bounds each store call.
	Timeout time.Duration
	// WaitTimeout bounds how long a duplicate waits for the original receipt.
	WaitTimeout time.Duration
	// PollInterval is the receipt polling interval while waiting.
	PollInterval time.Duration
}

// DefaultConfig returns default ledger configuration.
func DefaultConfig() Config {
	return Config{
		TTL:          24 * time.Hour,
		Timeout:      200 * time.Millisecond,
		WaitTimeout:  5 * time.Second,
		PollInterval: 50 * time.Millisecond,
	}
}

// Ledger records first sight of request IDs with compare-and-set semantics.
type Ledger struct {
	config Config
	store  kv.Store
	now    func() time.Time
}

// NewLedger creates a ledger backed by store.
func NewLedger(config Config, store kv.Store) *Ledger {
	defaults := DefaultConfig()
	if config.TTL <= 0 {
		config.TTL = defaults.TTL
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.WaitTimeout <= 0 {
		config.WaitTimeout = defaults.WaitTimeout
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	return &Ledger{config: config, store: store, now: time.Now}
}

// CheckAndRecord atomically records requestID. Exactly one concurrent caller
// for a given ID gets OutcomeAccepted until the record expires. For a
// duplicate the existing record is returned when it is still readable.
func (l *Ledger) CheckAndRecord(ctx context.Context, requestID string) (Outcome, *Record, error) {
	rec := Record{
		RequestID:   requestID,
		FirstSeenAt: l.now().UTC(),
		Outcome:     OutcomeAccepted,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return "", nil, fmt.Errorf("encode record: %w", err)
	}

	storeCtx, cancel := context.WithTimeout(ctx, l.config.Timeout)
	defer cancel()

	ok, err := l.store.SetNX(storeCtx, recordKey(requestID), data, l.config.TTL)
	if err != nil {
		recordLedgerCheck("unavailable")
		return "", nil, fmt.Errorf("%w: %w", ErrLedgerUnavailable, err)
	}

	if !ok {
		recordLedgerCheck(string(OutcomeDuplicate))
		existing, err := l.lookup(storeCtx, requestID)
		if err != nil {
			// The duplicate verdict stands; the receipt can be awaited later.
			return OutcomeDuplicate, nil, nil
		}
		return OutcomeDuplicate, existing, nil
	}

	recordLedgerCheck(string(OutcomeAccepted))
	return OutcomeAccepted, &rec, nil
}

// Complete attaches the final receipt to the record, keeping its expiry.
func (l *Ledger) Complete(ctx context.Context, requestID string, receipt json.RawMessage) error {
	storeCtx, cancel := context.WithTimeout(ctx, l.config.Timeout)
	defer cancel()

	rec, err := l.lookup(storeCtx, requestID)
	if errors.Is(err, kv.ErrNotFound) {
		rec = &Record{RequestID: requestID, FirstSeenAt: l.now().UTC(), Outcome: OutcomeAccepted}
	} else if err != nil {
		return err
	}

	rec.Receipt = receipt
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	err = l.store.SetKeepTTL(storeCtx, recordKey(requestID), data)
	if errors.Is(err, kv.ErrNotFound) {
		// Expired while the request was processed.
		err = l.store.Set(storeCtx, recordKey(requestID), data, l.config.TTL)
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrLedgerUnavailable, err)
	}
	return nil
}

// Lookup returns the record for requestID or kv.ErrNotFound.
func (l *Ledger) Lookup(ctx context.Context, requestID string) (*Record, error) {
	storeCtx, cancel := context.WithTimeout(ctx, l.config.Timeout)
	defer cancel()
	return l.lookup(storeCtx, requestID)
}

// AwaitReceipt waits for the original request to store its receipt.
// Returns ErrReceiptPending if none appears within the wait budget.
func (l *Ledger) AwaitReceipt(ctx context.Context, requestID string) (json.RawMessage, error) {
	waitCtx, cancel := context.WithTimeout(ctx, l.config.WaitTimeout)
	defer cancel()

	ticker := time.NewTicker(l.config.PollInterval)
	defer ticker.Stop()

	for {
		rec, err := l.Lookup(waitCtx, requestID)
		switch {
		case err == nil && len(rec.Receipt) > 0:
			return rec.Receipt, nil
		case err != nil && !errors.Is(err, kv.ErrNotFound):
			return nil, err
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, ErrReceiptPending
		case <-ticker.C:
		}
	}
}

// Release forgets requestID so that a client retry is processed afresh.
// Only safe when nothing was enqueued for the request.
func (l *Ledger) Release(ctx context.Context, requestID string) error {
	storeCtx, cancel := context.WithTimeout(ctx, l.config.Timeout)
	defer cancel()

	if err := l.store.Delete(storeCtx, recordKey(requestID)); err != nil {
		return fmt.Errorf("%w: %w", ErrLedgerUnavailable, err)
	}
	slog.Debug("idempotency record released", "request_id", requestID)
	return nil
}

func (l *Ledger) lookup(ctx context.Context, requestID string) (*Record, error) {
	data, err := l.store.Get(ctx, recordKey(requestID))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, kv.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLedgerUnavailable, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return &rec, nil
}

func recordKey(requestID string) string {
	return "idempotency:" + requestID
}
