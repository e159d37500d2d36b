package preferences

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

// ClientConfig holds user service client configuration.
type ClientConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// BreakerFailures is the number of consecutive failures that opens the breaker.
	BreakerFailures uint32
	// BreakerCooldown is how long the breaker stays open.
	BreakerCooldown time.Duration
}

// HTTPClient fetches preferences from the user service.
type HTTPClient struct {
	config     ClientConfig
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

// NewHTTPClient creates a user service client.
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
			Name:    "user-service",
			Timeout: config.BreakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, ErrUserNotFound)
			},
		}),
	}
}

// Fetch implements Source.
func (c *HTTPClient) Fetch(ctx context.Context, userID string) (*domain.UserPreferenceSnapshot, error) {
	res, err := c.breaker.Execute(func() (interface{}, error) {
		return c.fetch(ctx, userID)
	})
	if err != nil {
		if errors.Is(err, ErrUserNotFound) || errors.Is(err, ErrCacheUnavailable) {
			return nil, err
		}
		// gobreaker.ErrOpenState, ErrTooManyRequests
		return nil, fmt.Errorf("%w: %w", ErrCacheUnavailable, err)
	}
	return res.(*domain.UserPreferenceSnapshot), nil
}

func (c *HTTPClient) fetch(ctx context.Context, userID string) (*domain.UserPreferenceSnapshot, error) {
	endpoint := fmt.Sprintf("%s/v1/users/%s/preferences", c.config.BaseURL, url.PathEscape(userID))

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
		return nil, fmt.Errorf("%w: %w", ErrCacheUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %w", ErrCacheUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrUserNotFound
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: user service returned status %d", ErrCacheUnavailable, resp.StatusCode)
	}

	snap, err := decodePreferences(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCacheUnavailable, err)
	}
	if snap.UserID == "" {
		snap.UserID = userID
	}
	return snap, nil
}

type pushToken struct {
	Token    string `json:"token"`
	Platform string `json:"platform"`
}

// preferencesPayload accepts both the snapshot shape and the flag shape
// used by the user service (allow_* flags plus addresses).
type preferencesPayload struct {
	UserID string `json:"user_id"`
	ID     string `json:"id"`
	Locale string `json:"locale"`

	ChannelEnabled   map[domain.Channel]bool  `json:"channel_enabled"`
	ContactEndpoints []domain.ContactEndpoint `json:"contact_endpoints"`

	AllowEmail bool        `json:"allow_email"`
	AllowPush  bool        `json:"allow_push"`
	AllowSMS   bool        `json:"allow_sms"`
	Email      string      `json:"email"`
	Phone      string      `json:"phone"`
	PushTokens []pushToken `json:"push_tokens"`
}

type dataEnvelope struct {
	Data json.RawMessage `json:"data"`
}

func decodePreferences(body []byte) (*domain.UserPreferenceSnapshot, error) {
	var env dataEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(env.Data) > 0 && !bytes.Equal(env.Data, []byte("null")) {
		body = env.Data
	}

	var p preferencesPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("decode preferences: %w", err)
	}

	snap := &domain.UserPreferenceSnapshot{
		UserID: p.UserID,
		Locale: p.Locale,
	}
	if snap.UserID == "" {
		snap.UserID = p.ID
	}

	if p.ChannelEnabled != nil {
		snap.ChannelEnabled = p.ChannelEnabled
		snap.ContactEndpoints = p.ContactEndpoints
		return snap, nil
	}

	snap.ChannelEnabled = map[domain.Channel]bool{
		domain.ChannelPush:  p.AllowPush,
		domain.ChannelEmail: p.AllowEmail,
		domain.ChannelSMS:   p.AllowSMS,
	}
	for _, t := range p.PushTokens {
		snap.ContactEndpoints = append(snap.ContactEndpoints, domain.ContactEndpoint{
			Channel: domain.ChannelPush, Address: t.Token, Active: t.Token != "",
		})
	}
	if p.Email != "" {
		snap.ContactEndpoints = append(snap.ContactEndpoints, domain.ContactEndpoint{
			Channel: domain.ChannelEmail, Address: p.Email, Active: true,
		})
	}
	if p.Phone != "" {
		snap.ContactEndpoints = append(snap.ContactEndpoints, domain.ContactEndpoint{
			Channel: domain.ChannelSMS, Address: p.Phone, Active: true,
		})
	}
	return snap, nil
}
