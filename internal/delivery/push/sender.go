// Package push delivers jobs through an HTTP push gateway.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/bissquit/notification-dispatch/internal/delivery"
	"github.com/bissquit/notification-dispatch/internal/domain"
)

const defaultTimeout = 10 * time.Second

// Config holds push gateway configuration.
type Config struct {
	Enabled    bool
	GatewayURL string
	APIKey     string
	Timeout    time.Duration
}

// Sender posts push notifications to a gateway (FCM-style relay).
type Sender struct {
	config     Config
	httpClient *http.Client
}

// NewSender creates a new push sender.
func NewSender(config Config) (*Sender, error) {
	if config.Enabled && config.GatewayURL == "" {
		return nil, errors.New("push sender: gateway URL is required when enabled")
	}
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}

	slog.Info("push sender configured",
		"enabled", config.Enabled,
		"gateway", maskToken(config.GatewayURL),
	)

	return &Sender{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}, nil
}

// Channel implements delivery.Sender.
func (s *Sender) Channel() domain.Channel {
	return domain.ChannelPush
}

type gatewayPayload struct {
	Token         string            `json:"token"`
	Title         string            `json:"title,omitempty"`
	Body          string            `json:"body"`
	Priority      string            `json:"priority"`
	Data          map[string]string `json:"data,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
}

// Send implements delivery.Sender. job.Endpoint is the device token.
func (s *Sender) Send(ctx context.Context, job *domain.DeliveryJob) error {
	if !s.config.Enabled {
		slog.Warn("push sender disabled, skipping send", "job_id", job.JobID)
		return nil
	}
	if job.Endpoint == "" {
		return delivery.NewPermanentError(errors.New("device token is empty"))
	}

	payload := gatewayPayload{
		Token:    job.Endpoint,
		Title:    job.Message.Subject,
		Body:     job.Message.Body,
		Priority: gatewayPriority(job.Priority),
		Data: map[string]string{
			"job_id":     job.JobID,
			"request_id": job.RequestID,
			"template":   job.Message.TemplateSlug,
		},
		CorrelationID: job.CorrelationID,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.GatewayURL, bytes.NewReader(body))
	if err != nil {
		return delivery.NewPermanentError(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", job.JobID)
	if s.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.config.APIKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return delivery.NewRetryableError(fmt.Errorf("send request: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	return s.handleResponse(resp, job.Endpoint)
}

func (s *Sender) handleResponse(resp *http.Response, token string) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return delivery.NewRetryableError(fmt.Errorf("read response: %w", err))
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		slog.Debug("push sent", "token", maskToken(token))
		return nil

	case resp.StatusCode == http.StatusBadRequest:
		return delivery.NewPermanentError(&GatewayError{Code: resp.StatusCode, Message: fmt.Sprintf("bad request: %s", body)})

	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return delivery.NewPermanentError(&GatewayError{Code: resp.StatusCode, Message: "gateway rejected credentials"})

	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusGone:
		return delivery.NewPermanentError(&GatewayError{Code: resp.StatusCode, Message: "device token not registered"})

	case resp.StatusCode == http.StatusTooManyRequests:
		return delivery.NewRetryableError(&GatewayError{Code: resp.StatusCode, Message: "rate limited"})

	case resp.StatusCode >= 500:
		return delivery.NewRetryableError(&GatewayError{Code: resp.StatusCode, Message: fmt.Sprintf("server error: %s", body)})

	default:
		return &GatewayError{Code: resp.StatusCode, Message: fmt.Sprintf("unexpected status: %s", body)}
	}
}

// GatewayError is a non-success reply from the push gateway.
type GatewayError struct {
	Code    int
	Message string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("push gateway error %d: %s", e.Code, e.Message)
}

func gatewayPriority(p domain.Priority) string {
	if p == domain.PriorityHigh {
		return "high"
	}
	return "normal"
}

// maskToken hides most of a token or URL for logging.
func maskToken(s string) string {
	if len(s) > 24 {
		return s[:12] + "..." + s[len(s)-6:]
	}
	return s
}
