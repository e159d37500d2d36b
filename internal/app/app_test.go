package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bissquit/notification-dispatch/internal/config"
	"github.com/bissquit/notification-dispatch/internal/dispatch"
	"github.com/bissquit/notification-dispatch/internal/domain"
	"github.com/bissquit/notification-dispatch/internal/pkg/httputil"
	"github.com/bissquit/notification-dispatch/internal/queue"
	"github.com/bissquit/notification-dispatch/internal/testutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	openAPISpecPath = "../../api/openapi/openapi.yaml"
	authSecret      = "0123456789abcdef0123456789abcdef"
	fixtureUser     = "5b0d0e4c-7f7e-4d8e-b7a2-0c9b3f1a2d11"
)

const fixturesYAML = `
users:
  - user_id: 5b0d0e4c-7f7e-4d8e-b7a2-0c9b3f1a2d11
    locale: en
    channel_enabled:
      push: true
      email: true
    contact_endpoints:
      - channel: push
        address: device.token.1
        active: true
      - channel: email
        address: ann@example.com
        active: false
templates:
  - slug: welcome
    locale: en
    version: 1
    subject: Welcome
    body: "Hello {{name}}"
`

func writeFixtures(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fixtures.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fixturesYAML), 0o600))
	return path
}

func newTestApp(t *testing.T, mutate func(*config.Config)) (*App, *httptest.Server) {
	t.Helper()

	cfg := config.Default()
	cfg.Log.Level = "error"
	cfg.Users.Fixtures = writeFixtures(t)
	cfg.Templates.Fixtures = cfg.Users.Fixtures
	cfg.Workers.Push = 1
	cfg.Workers.Email = 0
	cfg.Workers.SMS = 0
	cfg.Workers.PollInterval = 10 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	require.NoError(t, cfg.Validate())

	a, err := New(&cfg)
	require.NoError(t, err)

	srv := httptest.NewServer(a.Router())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, a.Shutdown(ctx))
	})
	return a, srv
}

func sendBody(requestID string) map[string]any {
	return map[string]any{
		"request_id":    requestID,
		"user_id":       fixtureUser,
		"channel":       "auto",
		"template_slug": "welcome",
		"variables":     map[string]any{"name": "Ann"},
		"priority":      "normal",
	}
}

func TestLoadFixtures(t *testing.T) {
	fx, err := LoadFixtures(writeFixtures(t))
	require.NoError(t, err)

	require.Len(t, fx.Users, 1)
	user := fx.Users[0]
	assert.Equal(t, fixtureUser, user.UserID)
	assert.True(t, user.IsEnabled(domain.ChannelPush))
	require.Len(t, user.ActiveEndpoints(domain.ChannelPush), 1)
	assert.Equal(t, "device.token.1", user.ActiveEndpoints(domain.ChannelPush)[0].Address)
	assert.Empty(t, user.ActiveEndpoints(domain.ChannelEmail))

	require.Len(t, fx.Templates, 1)
	assert.Equal(t, "Hello {{name}}", fx.Templates[0].Body)
	assert.Equal(t, "Welcome", fx.Templates[0].Subject)

	empty, err := LoadFixtures("")
	require.NoError(t, err)
	assert.Empty(t, empty.Users)
}

func TestApp_SendIsDelivered(t *testing.T) {
	a, srv := newTestApp(t, nil)
	client := testutil.NewClientWithValidator(t, srv.URL, testutil.NewOpenAPIValidator(t, openAPISpecPath))

	requestID := uuid.NewString()
	resp, err := client.Send(sendBody(requestID))
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	var receipt dispatch.Receipt
	testutil.DecodeJSON(t, resp, &receipt)
	assert.Equal(t, requestID, receipt.RequestID)
	assert.Equal(t, 1, receipt.JobsEnqueued)

	broker, ok := a.Broker().(*queue.MemoryBroker)
	require.True(t, ok)
	published := broker.Published()
	require.Len(t, published, 1)
	assert.Equal(t, domain.ChannelPush, published[0].Channel)
	assert.Equal(t, "Hello Ann", published[0].Message.Body)

	// the disabled push sender acknowledges without sending
	assert.Eventually(t, func() bool {
		_, delivered := broker.Delivered(published[0].JobID)
		return delivered
	}, 2*time.Second, 10*time.Millisecond)
}

func TestApp_OpsEndpoints(t *testing.T) {
	_, srv := newTestApp(t, nil)
	client := testutil.NewClient(srv.URL)

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := client.GET(path)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		assert.Equal(t, "OK", strings.TrimSpace(testutil.ReadBody(t, resp)))
	}

	resp, err := client.GET("/version")
	require.NoError(t, err)
	var v map[string]string
	testutil.DecodeJSON(t, resp, &v)
	assert.Contains(t, v, "version")
	assert.Contains(t, v, "commit")
}

func TestApp_ClientAuth(t *testing.T) {
	_, srv := newTestApp(t, func(c *config.Config) {
		c.Auth.Enabled = true
		c.Auth.Secret = authSecret
	})
	client := testutil.NewClient(srv.URL)

	resp, err := client.Send(sendBody(uuid.NewString()))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	_ = resp.Body.Close()

	token, err := httputil.NewJWTValidator(authSecret, config.Default().Auth.Issuer).IssueToken("billing", time.Minute)
	require.NoError(t, err)
	client.Token = token

	resp, err = client.Send(sendBody(uuid.NewString()))
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestApp_RateLimited(t *testing.T) {
	_, srv := newTestApp(t, func(c *config.Config) {
		c.RateLimit.Enabled = true
		c.RateLimit.RPS = 0.001
		c.RateLimit.Burst = 1
	})
	client := testutil.NewClient(srv.URL)

	resp, err := client.Send(sendBody(uuid.NewString()))
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	_ = resp.Body.Close()

	resp, err = client.Send(sendBody(uuid.NewString()))
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	_ = resp.Body.Close()
}

func TestApp_UnknownFixturesFile(t *testing.T) {
	cfg := config.Default()
	cfg.Log.Level = "error"
	cfg.Users.Fixtures = filepath.Join(t.TempDir(), "absent.yaml")

	_, err := New(&cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load user fixtures")
}

func TestWatchFixtures_Reloads(t *testing.T) {
	path := writeFixtures(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Fixtures, 4)
	done := make(chan error, 1)
	go func() {
		done <- WatchFixtures(ctx, path, func(_ context.Context, fx *Fixtures) { reloaded <- fx })
	}()

	updated := strings.Replace(fixturesYAML, "Hello {{name}}", "Hi {{name}}", 1)

	// the watcher may not be registered yet, so keep writing until it reacts
	var fx *Fixtures
	require.Eventually(t, func() bool {
		if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
			return false
		}
		select {
		case fx = <-reloaded:
			return true
		case <-time.After(400 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)

	require.Len(t, fx.Templates, 1)
	assert.Equal(t, "Hi {{name}}", fx.Templates[0].Body)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestApp_FixturesHotReload(t *testing.T) {
	var path string
	a, srv := newTestApp(t, func(c *config.Config) {
		path = c.Templates.Fixtures
		c.Templates.WatchFixtures = true
		c.Workers.Push = 0
	})
	client := testutil.NewClient(srv.URL)
	broker := a.Broker().(*queue.MemoryBroker)

	resp, err := client.Send(sendBody(uuid.NewString()))
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	_ = resp.Body.Close()

	updated := strings.Replace(fixturesYAML, "Hello {{name}}", "Hi {{name}}", 1)
	require.Eventually(t, func() bool {
		if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
			return false
		}
		time.Sleep(400 * time.Millisecond)

		resp, err := client.Send(sendBody(uuid.NewString()))
		if err != nil || resp.StatusCode != http.StatusAccepted {
			return false
		}
		_ = resp.Body.Close()
		published := broker.Published()
		return published[len(published)-1].Message.Body == "Hi Ann"
	}, 10*time.Second, 10*time.Millisecond)
}
