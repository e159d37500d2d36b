package templates

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/bissquit/notification-dispatch/internal/domain"
	"github.com/sony/gobreaker"
)

const defaultClientTimeout = 300 * time.Millisecond

// ClientConfig holds template service client configuration.
type ClientConfig struct {
	BaseURL         string
	APIKey          string
	Timeout         time.Duration
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// HTTPClient fetches active templates from the template service.
type HTTPClient struct {
	config     ClientConfig
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

// NewHTTPClient creates a template service client.
func NewHTTPClient(config ClientConfig) *HTTPClient {
	if config.Timeout <= 0 {
		config.Timeout = defaultClientTimeout
	}
	if config.BreakerFailures == 0 {
		config.BreakerFailures = 5
	}
	if config.BreakerCooldown <= 0 {
		config.BreakerCooldown = 10 * time.Second
	}

	failures := config.BreakerFailures
	return &HTTPClient{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "template-service",
			Timeout: config.BreakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, ErrTemplateNotFound)
			},
		}),
	}
}

// Fetch implements Source.
func (c *HTTPClient) Fetch(ctx context.Context, slug, locale string) (*domain.TemplateDefinition, error) {
	res, err := c.breaker.Execute(func() (interface{}, error) {
		return c.fetch(ctx, slug, locale)
	})
	if err != nil {
		if errors.Is(err, ErrTemplateNotFound) || errors.Is(err, ErrTemplateUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrTemplateUnavailable, err)
	}
	return res.(*domain.TemplateDefinition), nil
}

func (c *HTTPClient) fetch(ctx context.Context, slug, locale string) (*domain.TemplateDefinition, error) {
	endpoint := fmt.Sprintf("%s/v1/templates/%s/active?locale=%s",
		c.config.BaseURL,
		url.PathEscape(slug),
		url.QueryEscape(locale),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTemplateUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %w", ErrTemplateUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s (%s)", ErrTemplateNotFound, slug, locale)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: template service returned status %d", ErrTemplateUnavailable, resp.StatusCode)
	}

	def, err := decodeTemplate(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTemplateUnavailable, err)
	}
	if def.Slug == "" {
		def.Slug = slug
	}
	if def.Locale == "" {
		def.Locale = locale
	}
	return def, nil
}

type templateEnvelope struct {
	Success *bool           `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func decodeTemplate(body []byte) (*domain.TemplateDefinition, error) {
	var env templateEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	if env.Success != nil {
		if !*env.Success || len(env.Data) == 0 || bytes.Equal(env.Data, []byte("null")) {
			return nil, fmt.Errorf("template service error: %s", env.Message)
		}
		body = env.Data
	}

	var def domain.TemplateDefinition
	if err := json.Unmarshal(body, &def); err != nil {
		return nil, fmt.Errorf("decode template: %w", err)
	}
	if def.Body == "" {
		return nil, errors.New("template has empty body")
	}
	return &def, nil
}
