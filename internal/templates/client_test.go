package templates

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClient_Fetch(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		body       string
		wantErr    error
		wantBody   string
	}{
		{
			name:       "envelope",
			statusCode: http.StatusOK,
			body:       `{"success":true,"data":{"subject":"Hi","body":"Hello {{name}}","version":2}}`,
			wantBody:   "Hello {{name}}",
		},
		{
			name:       "raw definition",
			statusCode: http.StatusOK,
			body:       `{"slug":"welcome","locale":"fr","body":"Bonjour"}`,
			wantBody:   "Bonjour",
		},
		{
			name:       "unsuccessful envelope",
			statusCode: http.StatusOK,
			body:       `{"success":false,"message":"disabled"}`,
			wantErr:    ErrTemplateUnavailable,
		},
		{
			name:       "not found",
			statusCode: http.StatusNotFound,
			body:       `{"success":false}`,
			wantErr:    ErrTemplateNotFound,
		},
		{
			name:       "server error",
			statusCode: http.StatusServiceUnavailable,
			wantErr:    ErrTemplateUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/v1/templates/welcome/active", r.URL.Path)
				assert.Equal(t, "fr", r.URL.Query().Get("locale"))
				w.WriteHeader(tt.statusCode)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client := NewHTTPClient(ClientConfig{BaseURL: server.URL, Timeout: time.Second})

			got, err := client.Fetch(context.Background(), "welcome", "fr")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantBody, got.Body)
			assert.Equal(t, "welcome", got.Slug)
			assert.Equal(t, "fr", got.Locale)
		})
	}
}
