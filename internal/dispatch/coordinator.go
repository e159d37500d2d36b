// Package dispatch accepts send requests and turns them into delivery jobs.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/bissquit/notification-dispatch/internal/domain"
	"github.com/bissquit/notification-dispatch/internal/idempotency"
	"github.com/bissquit/notification-dispatch/internal/pkg/ctxlog"
	"github.com/bissquit/notification-dispatch/internal/preferences"
	"github.com/bissquit/notification-dispatch/internal/queue"
	"github.com/bissquit/notification-dispatch/internal/templates"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Ledger deduplicates requests by request ID.
type Ledger interface {
	CheckAndRecord(ctx context.Context, requestID string) (idempotency.Outcome, *idempotency.Record, error)
	Complete(ctx context.Context, requestID string, receipt json.RawMessage) error
	AwaitReceipt(ctx context.Context, requestID string) (json.RawMessage, error)
	Release(ctx context.Context, requestID string) error
}

// PreferenceResolver resolves user delivery preferences.
type PreferenceResolver interface {
	Resolve(ctx context.Context, userID string) (*domain.UserPreferenceSnapshot, error)
}

// Renderer renders a template for a channel.
type Renderer interface {
	Render(ctx context.Context, slug, locale string, ch domain.Channel, vars map[string]any) (domain.RenderedMessage, error)
}

// Publisher durably enqueues delivery jobs.
type Publisher interface {
	Publish(ctx context.Context, job *domain.DeliveryJob) error
}

// Config contains coordinator configuration.
type Config struct {
	// PipelineTimeout bounds the work done after the ledger commit.
	PipelineTimeout time.Duration
	// RetryAttempts is the number of tries for transient collaborator failures.
	RetryAttempts int
	RetryInitial  time.Duration
	RetryMax      time.Duration
	// PublishTimeout bounds each publish try.
	PublishTimeout time.Duration
}

// DefaultConfig returns default coordinator configuration.
func DefaultConfig() Config {
	return Config{
		PipelineTimeout: 10 * time.Second,
		RetryAttempts:   3,
		RetryInitial:    50 * time.Millisecond,
		RetryMax:        500 * time.Millisecond,
		PublishTimeout:  time.Second,
	}
}

// jobNamespace scopes deterministic job IDs.
var jobNamespace = uuid.MustParse("6f1c1d52-5d8a-4c43-9a4e-0d7f1b2b6a11")

// Coordinator runs the dispatch pipeline for accepted requests.
type Coordinator struct {
	config      Config
	ledger      Ledger
	preferences PreferenceResolver
	renderer    Renderer
	publisher   Publisher
	now         func() time.Time
}

// NewCoordinator creates a coordinator.
func NewCoordinator(config Config, ledger Ledger, prefs PreferenceResolver, renderer Renderer, publisher Publisher) *Coordinator {
	defaults := DefaultConfig()
	if config.PipelineTimeout <= 0 {
		config.PipelineTimeout = defaults.PipelineTimeout
	}
	if config.RetryAttempts <= 0 {
		config.RetryAttempts = defaults.RetryAttempts
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = defaults.RetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = defaults.RetryMax
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = defaults.PublishTimeout
	}
	return &Coordinator{
		config:      config,
		ledger:      ledger,
		preferences: prefs,
		renderer:    renderer,
		publisher:   publisher,
		now:         time.Now,
	}
}

// Dispatch handles one send request.
//
// Errors are returned only before the ledger commit: validation failures,
// caller cancellation, ledger unavailability and duplicates whose original
// is still in flight. Everything after the commit is reported in the Result.
func (c *Coordinator) Dispatch(ctx context.Context, req domain.NotificationRequest) (*Result, error) {
	start := c.now()
	req.Normalize()
	if req.ReceivedAt.IsZero() {
		req.ReceivedAt = start.UTC()
	}

	if err := validateRequest(&req); err != nil {
		recordRequest(outcomeInvalid)
		return nil, err
	}

	logger := ctxlog.FromContext(ctx).With("notification_request_id", req.RequestID)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	check, err := retry(ctx, c.config, func(ctx context.Context) (checkResult, error) {
		o, r, err := c.ledger.CheckAndRecord(ctx, req.RequestID)
		return checkResult{outcome: o, record: r}, err
	}, func(error) bool { return true })
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.Error("idempotency ledger unavailable", "error", err)
		recordRequest(outcomeUnavailable)
		return nil, fmt.Errorf("%w: %w", ErrServiceUnavailable, err)
	}

	if check.outcome == idempotency.OutcomeDuplicate {
		res, err := c.replay(ctx, req.RequestID, check.record)
		if err != nil {
			return nil, err
		}
		logger.Info("duplicate request replayed", "status", res.Status)
		recordRequest(outcomeDuplicate)
		return res, nil
	}

	// Past the commit the pipeline must finish regardless of the caller.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.PipelineTimeout)
	defer cancel()

	res := c.run(pctx, req)
	c.settle(pctx, req.RequestID, res)

	recordRequest(requestOutcome(res))
	recordDuration(c.now().Sub(start))
	logger.Info("request dispatched",
		"status", res.Status,
		"jobs_enqueued", res.Receipt.JobsEnqueued,
		"error_kind", res.Receipt.ErrorKind,
	)
	return res, nil
}

type checkResult struct {
	outcome idempotency.Outcome
	record  *idempotency.Record
}

// replay returns the stored result of a duplicate, waiting for the original
// when it has not finished yet.
func (c *Coordinator) replay(ctx context.Context, requestID string, rec *idempotency.Record) (*Result, error) {
	raw := json.RawMessage(nil)
	if rec != nil {
		raw = rec.Receipt
	}
	if len(raw) == 0 {
		var err error
		raw, err = c.ledger.AwaitReceipt(ctx, requestID)
		if err != nil {
			if errors.Is(err, idempotency.ErrReceiptPending) {
				recordRequest(outcomeInProgress)
			}
			return nil, err
		}
	}
	return decodeResult(raw)
}

// settle stores the receipt, or releases the request ID when nothing was
// enqueued and every failure was transient so the client may retry.
func (c *Coordinator) settle(ctx context.Context, requestID string, res *Result) {
	logger := ctxlog.FromContext(ctx)

	if res.Receipt.JobsEnqueued == 0 && res.Receipt.allTransient() && isTransientStatus(res.Status) {
		if err := c.ledger.Release(ctx, requestID); err != nil {
			logger.Error("failed to release request id", "request_id", requestID, "error", err)
		}
		return
	}

	raw, err := encodeResult(res)
	if err != nil {
		logger.Error("failed to encode receipt", "request_id", requestID, "error", err)
		return
	}
	if err := c.ledger.Complete(ctx, requestID, raw); err != nil {
		// Jobs are already enqueued; duplicates will see ErrReceiptPending.
		logger.Error("failed to store receipt", "request_id", requestID, "error", err)
	}
}

// run resolves preferences, selects channels and dispatches each of them.
func (c *Coordinator) run(ctx context.Context, req domain.NotificationRequest) *Result {
	receipt := &Receipt{RequestID: req.RequestID, Channels: []ChannelOutcome{}}
	wholeRequest := func(err error) *Result {
		status, kind := classify(err)
		receipt.ErrorKind = kind
		receipt.Message = err.Error()
		return &Result{Receipt: receipt, Status: status}
	}

	snap, err := retry(ctx, c.config, func(ctx context.Context) (*domain.UserPreferenceSnapshot, error) {
		return c.preferences.Resolve(ctx, req.UserID)
	}, func(err error) bool {
		return errors.Is(err, preferences.ErrCacheUnavailable)
	})
	if err != nil {
		if !errors.Is(err, preferences.ErrUserNotFound) {
			err = fmt.Errorf("%w: %w", ErrServiceUnavailable, err)
		}
		return wholeRequest(err)
	}

	targets, err := selectChannels(&req, snap)
	if err != nil {
		if errors.Is(err, ErrChannelDisabled) {
			receipt.Channels = append(receipt.Channels, rejected(req.Channel, err))
			recordChannel(req.Channel, ChannelRejected, KindChannelDisabled)
		}
		return wholeRequest(err)
	}

	receipt.Channels = make([]ChannelOutcome, len(targets))
	var g errgroup.Group
	for i, ch := range targets {
		g.Go(func() error {
			receipt.Channels[i] = c.dispatchChannel(ctx, &req, snap, ch)
			o := receipt.Channels[i]
			recordChannel(ch, o.Status, o.ErrorKind)
			return nil
		})
	}
	_ = g.Wait()

	return &Result{Receipt: receipt, Status: receipt.finalize()}
}

// selectChannels returns the channels to dispatch on in canonical order.
func selectChannels(req *domain.NotificationRequest, snap *domain.UserPreferenceSnapshot) ([]domain.Channel, error) {
	if req.Channel != domain.ChannelAuto {
		if !snap.IsEnabled(req.Channel) && !req.ForceChannel {
			return nil, fmt.Errorf("%w: %s", ErrChannelDisabled, req.Channel)
		}
		return []domain.Channel{req.Channel}, nil
	}

	var targets []domain.Channel
	for _, ch := range snap.EnabledChannels() {
		if len(snap.ActiveEndpoints(ch)) > 0 {
			targets = append(targets, ch)
		}
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w: user %s", ErrNoEligibleChannel, snap.UserID)
	}
	return targets, nil
}

// dispatchChannel renders and enqueues one job per active endpoint of ch.
func (c *Coordinator) dispatchChannel(ctx context.Context, req *domain.NotificationRequest, snap *domain.UserPreferenceSnapshot, ch domain.Channel) ChannelOutcome {
	logger := ctxlog.FromContext(ctx).With("channel", ch)

	endpoints := snap.ActiveEndpoints(ch)
	if len(endpoints) == 0 {
		return rejected(ch, fmt.Errorf("%w: %s", ErrNoEndpoint, ch))
	}

	locale := req.Locale
	if locale == "" {
		locale = snap.Locale
	}

	msg, err := retry(ctx, c.config, func(ctx context.Context) (domain.RenderedMessage, error) {
		return c.renderer.Render(ctx, req.TemplateSlug, locale, ch, req.Variables)
	}, func(err error) bool {
		return errors.Is(err, templates.ErrTemplateUnavailable)
	})
	if err != nil {
		logger.Warn("render failed", "template", req.TemplateSlug, "error", err)
		if isTransient(err) {
			err = fmt.Errorf("%w: %w", ErrServiceUnavailable, err)
		}
		return rejected(ch, err)
	}

	published := 0
	for i, ep := range endpoints {
		job := c.newJob(req, ch, i, ep, msg)
		_, err := retry(ctx, c.config, func(ctx context.Context) (struct{}, error) {
			pubCtx, cancel := context.WithTimeout(ctx, c.config.PublishTimeout)
			defer cancel()
			return struct{}{}, c.publisher.Publish(pubCtx, job)
		}, func(err error) bool {
			return !errors.Is(err, queue.ErrClosed)
		})
		if err != nil {
			logger.Error("publish failed",
				"job_id", job.JobID,
				"published", published,
				"error", err,
			)
			out := rejected(ch, fmt.Errorf("%w: %w", ErrServiceUnavailable, err))
			if published > 0 {
				out.Status = ChannelEnqueued
				out.Jobs = published
				out.err = nil
			}
			return out
		}
		published++
		recordJobEnqueued(ch)
	}

	return enqueued(ch, published)
}

// newJob builds a job with an ID derived from the request, so a publish
// retry after an unconfirmed success does not create a second job.
func (c *Coordinator) newJob(req *domain.NotificationRequest, ch domain.Channel, idx int, ep domain.ContactEndpoint, msg domain.RenderedMessage) *domain.DeliveryJob {
	now := c.now().UTC()
	name := req.RequestID + "/" + string(ch) + "/" + strconv.Itoa(idx) + "/" + ep.Address
	return &domain.DeliveryJob{
		JobID:         uuid.NewSHA1(jobNamespace, []byte(name)).String(),
		RequestID:     req.RequestID,
		CorrelationID: req.CorrelationID,
		UserID:        req.UserID,
		Channel:       ch,
		Endpoint:      ep.Address,
		Message:       msg,
		Priority:      req.Priority,
		EnqueuedAt:    now,
		NotBefore:     now,
		State:         domain.JobStatePending,
	}
}

func validateRequest(req *domain.NotificationRequest) error {
	switch {
	case req.RequestID == "":
		return fmt.Errorf("%w: request_id is required", ErrValidation)
	case req.UserID == "":
		return fmt.Errorf("%w: user_id is required", ErrValidation)
	case req.TemplateSlug == "":
		return fmt.Errorf("%w: template_slug is required", ErrValidation)
	case !req.Channel.IsValidRequest():
		return fmt.Errorf("%w: unknown channel %q", ErrValidation, req.Channel)
	case !req.Priority.IsValid():
		return fmt.Errorf("%w: unknown priority %q", ErrValidation, req.Priority)
	case req.ForceChannel && req.Channel == domain.ChannelAuto:
		return fmt.Errorf("%w: force_channel requires an explicit channel", ErrValidation)
	}
	if err := req.CheckVariables(); err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return nil
}

// retry runs op with bounded exponential backoff while retryable reports
// true for its error.
func retry[T any](ctx context.Context, config Config, op func(ctx context.Context) (T, error), retryable func(error) bool) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = config.RetryInitial
	b.MaxInterval = config.RetryMax
	b.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(config.RetryAttempts-1)), ctx)

	return backoff.RetryNotifyWithData(func() (T, error) {
		v, err := op(ctx)
		if err != nil && !retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, policy, func(err error, wait time.Duration) {
		ctxlog.FromContext(ctx).Debug("retrying after transient failure", "error", err, "backoff", wait)
	})
}

func isTransientStatus(status int) bool {
	return status >= 500
}
