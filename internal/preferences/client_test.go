package preferences

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bissquit/notification-dispatch/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClient_Fetch(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		body       string
		wantErr    error
		check      func(t *testing.T, snap *domain.UserPreferenceSnapshot)
	}{
		{
			name:       "flag shape",
			statusCode: http.StatusOK,
			body: `{"allow_email":true,"allow_push":false,"email":"ann@example.com","locale":"fr-CA",
				"push_tokens":[{"token":"abc","platform":"ios"}]}`,
			check: func(t *testing.T, snap *domain.UserPreferenceSnapshot) {
				assert.Equal(t, "u1", snap.UserID)
				assert.Equal(t, "fr-CA", snap.Locale)
				assert.Equal(t, []domain.Channel{domain.ChannelEmail}, snap.EnabledChannels())
				require.Len(t, snap.ActiveEndpoints(domain.ChannelEmail), 1)
				assert.Equal(t, "ann@example.com", snap.ActiveEndpoints(domain.ChannelEmail)[0].Address)
				assert.Len(t, snap.ActiveEndpoints(domain.ChannelPush), 1)
			},
		},
		{
			name:       "data envelope",
			statusCode: http.StatusOK,
			body:       `{"success":true,"data":{"user_id":"u1","allow_sms":true,"phone":"+14155550100"}}`,
			check: func(t *testing.T, snap *domain.UserPreferenceSnapshot) {
				assert.Equal(t, []domain.Channel{domain.ChannelSMS}, snap.EnabledChannels())
				assert.Equal(t, "+14155550100", snap.ActiveEndpoints(domain.ChannelSMS)[0].Address)
			},
		},
		{
			name:       "snapshot shape",
			statusCode: http.StatusOK,
			body: `{"user_id":"u1","channel_enabled":{"push":true},
				"contact_endpoints":[{"channel":"push","address":"t1","active":false}]}`,
			check: func(t *testing.T, snap *domain.UserPreferenceSnapshot) {
				assert.True(t, snap.IsEnabled(domain.ChannelPush))
				assert.Empty(t, snap.ActiveEndpoints(domain.ChannelPush))
			},
		},
		{
			name:       "not found",
			statusCode: http.StatusNotFound,
			body:       `{"error":"not found"}`,
			wantErr:    ErrUserNotFound,
		},
		{
			name:       "server error",
			statusCode: http.StatusInternalServerError,
			body:       `oops`,
			wantErr:    ErrCacheUnavailable,
		},
		{
			name:       "invalid body",
			statusCode: http.StatusOK,
			body:       `not json`,
			wantErr:    ErrCacheUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/v1/users/u1/preferences", r.URL.Path)
				assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
				w.WriteHeader(tt.statusCode)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client := NewHTTPClient(ClientConfig{BaseURL: server.URL, APIKey: "secret", Timeout: time.Second})

			snap, err := client.Fetch(context.Background(), "u1")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.check(t, snap)
		})
	}
}

func TestHTTPClient_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewHTTPClient(ClientConfig{BaseURL: server.URL, Timeout: 20 * time.Millisecond})

	_, err := client.Fetch(context.Background(), "u1")
	assert.ErrorIs(t, err, ErrCacheUnavailable)
}

func TestHTTPClient_BreakerOpens(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewHTTPClient(ClientConfig{
		BaseURL:         server.URL,
		BreakerFailures: 2,
		BreakerCooldown: time.Minute,
	})

	for i := 0; i < 4; i++ {
		_, err := client.Fetch(context.Background(), "u1")
		assert.ErrorIs(t, err, ErrCacheUnavailable)
	}
	assert.Equal(t, int32(2), calls.Load())
}

func TestHTTPClient_NotFoundKeepsBreakerClosed(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := NewHTTPClient(ClientConfig{BaseURL: server.URL, BreakerFailures: 1})

	for i := 0; i < 3; i++ {
		_, err := client.Fetch(context.Background(), "u1")
		assert.ErrorIs(t, err, ErrUserNotFound)
	}
	assert.Equal(t, int32(3), calls.Load())
}
