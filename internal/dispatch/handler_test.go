package dispatch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bissquit/notification-dispatch/internal/domain"
	"github.com/bissquit/notification-dispatch/internal/pkg/httputil"
	"github.com/bissquit/notification-dispatch/internal/queue"
	"github.com/bissquit/notification-dispatch/internal/testutil"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	openAPISpecPath = "../../api/openapi/openapi.yaml"

	apiUser = "7f8a5f8e-1b7e-4c1a-9a55-3f1c5d2e0001"
)

func newAPI(t *testing.T, deadLetters queue.DeadLetterStore) (*fixture, *testutil.Client) {
	t.Helper()

	f := newFixture(t)
	f.users.Put(domain.UserPreferenceSnapshot{
		UserID:         apiUser,
		ChannelEnabled: map[domain.Channel]bool{domain.ChannelPush: true, domain.ChannelEmail: false},
		ContactEndpoints: []domain.ContactEndpoint{
			{Channel: domain.ChannelPush, Address: "tok-api", Active: true},
			{Channel: domain.ChannelEmail, Address: "api@example.com", Active: true},
		},
	})

	h := NewHandler(f.coordinator, f.prefs, f.resolver, deadLetters)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(httputil.CorrelationMiddleware)
	h.RegisterRoutes(r)
	h.RegisterInternalRoutes(r)
	h.RegisterAdminRoutes(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	validator := testutil.NewOpenAPIValidator(t, openAPISpecPath)
	return f, testutil.NewClientWithValidator(t, srv.URL, validator)
}

func sendBody(requestID string, overrides map[string]any) map[string]any {
	body := map[string]any{
		"request_id":    requestID,
		"user_id":       apiUser,
		"channel":       "auto",
		"template_slug": "welcome",
		"variables":     map[string]any{"name": "Ann"},
	}
	for k, v := range overrides {
		if v == nil {
			delete(body, k)
			continue
		}
		body[k] = v
	}
	return body
}

func TestHandler_SendAccepted(t *testing.T) {
	f, client := newAPI(t, nil)

	resp, err := client.Send(sendBody("0b6f7f4e-8a43-4bb7-9d7e-000000000001", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(httputil.CorrelationHeader))

	var receipt Receipt
	testutil.DecodeJSON(t, resp, &receipt)
	assert.Equal(t, "0b6f7f4e-8a43-4bb7-9d7e-000000000001", receipt.RequestID)
	assert.Equal(t, 1, receipt.JobsEnqueued)

	published := f.broker.Published()
	require.Len(t, published, 1)
	assert.Equal(t, resp.Header.Get(httputil.CorrelationHeader), published[0].CorrelationID)
}

func TestHandler_LargeIntegerVariableIsExact(t *testing.T) {
	f, client := newAPI(t, nil)

	body := `{"request_id":"0b6f7f4e-8a43-4bb7-9d7e-00000000000a","user_id":"` + apiUser +
		`","channel":"push","template_slug":"welcome","variables":{"name":9007199254740993}}`
	resp, err := client.Send(body)
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	_ = resp.Body.Close()

	published := f.broker.Published()
	require.Len(t, published, 1)
	assert.Equal(t, "Hi 9007199254740993", published[0].Message.Body)
}

func TestHandler_DuplicateReplays(t *testing.T) {
	f, client := newAPI(t, nil)
	body := sendBody("0b6f7f4e-8a43-4bb7-9d7e-000000000002", nil)

	first, err := client.Send(body)
	require.NoError(t, err)
	firstBody := testutil.ReadBody(t, first)

	second, err := client.Send(body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, second.StatusCode)
	assert.Equal(t, "true", second.Header.Get("Idempotent-Replayed"))
	assert.JSONEq(t, firstBody, testutil.ReadBody(t, second))
	assert.Len(t, f.broker.Published(), 1)
}

func TestHandler_Aliases(t *testing.T) {
	f, client := newAPI(t, nil)

	resp, err := client.Send(sendBody("0b6f7f4e-8a43-4bb7-9d7e-000000000003", map[string]any{
		"channel":           nil,
		"template_slug":     nil,
		"notification_type": "push",
		"template_code":     "welcome",
	}))
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	_ = resp.Body.Close()

	require.Len(t, f.broker.Published(), 1)
	assert.Equal(t, "welcome", f.broker.Published()[0].Message.TemplateSlug)
}

func TestHandler_CorrelationFromMetadata(t *testing.T) {
	f, client := newAPI(t, nil)

	resp, err := client.Send(sendBody("0b6f7f4e-8a43-4bb7-9d7e-000000000004", map[string]any{
		"metadata": map[string]any{"correlation": "order-42"},
	}))
	require.NoError(t, err)
	_ = resp.Body.Close()

	assert.Equal(t, "order-42", resp.Header.Get(httputil.CorrelationHeader))
	require.Len(t, f.broker.Published(), 1)
	assert.Equal(t, "order-42", f.broker.Published()[0].CorrelationID)
}

func TestHandler_Errors(t *testing.T) {
	_, client := newAPI(t, nil)

	tests := []struct {
		name     string
		body     any
		validate bool
		status   int
		kind     string
	}{
		{
			name:   "channel disabled",
			body:   sendBody("0b6f7f4e-8a43-4bb7-9d7e-000000000010", map[string]any{"channel": "email"}),
			status: http.StatusUnprocessableEntity,
			kind:   KindChannelDisabled,
		},
		{
			name: "user not found",
			body: sendBody("0b6f7f4e-8a43-4bb7-9d7e-000000000011", map[string]any{
				"user_id": "7f8a5f8e-1b7e-4c1a-9a55-3f1c5d2effff",
			}),
			status: http.StatusNotFound,
			kind:   KindUserNotFound,
		},
		{
			name:   "template not found",
			body:   sendBody("0b6f7f4e-8a43-4bb7-9d7e-000000000012", map[string]any{"template_slug": "nope"}),
			status: http.StatusUnprocessableEntity,
			kind:   KindTemplateNotFound,
		},
		{
			name:   "missing variable",
			body:   sendBody("0b6f7f4e-8a43-4bb7-9d7e-000000000013", map[string]any{"variables": map[string]any{}}),
			status: http.StatusUnprocessableEntity,
			kind:   KindMissingVariable,
		},
		{
			name:   "request id not a uuid",
			body:   sendBody("r1", nil),
			status: http.StatusBadRequest,
			kind:   KindValidation,
		},
		{
			name:   "missing template",
			body:   sendBody("0b6f7f4e-8a43-4bb7-9d7e-000000000014", map[string]any{"template_slug": nil}),
			status: http.StatusBadRequest,
			kind:   KindValidation,
		},
		{
			name:   "unknown channel",
			body:   sendBody("0b6f7f4e-8a43-4bb7-9d7e-000000000015", map[string]any{"channel": "fax"}),
			status: http.StatusBadRequest,
			kind:   KindValidation,
		},
		{
			name:   "invalid json",
			body:   `{"request_id":`,
			status: http.StatusBadRequest,
			kind:   KindValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := client
			if tt.status == http.StatusBadRequest {
				c = client.WithoutValidation()
			}

			resp, err := c.Send(tt.body)
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.StatusCode)

			var body httputil.ErrorResponse
			testutil.DecodeJSON(t, resp, &body)
			assert.Equal(t, tt.kind, body.ErrorKind)
			assert.NotEmpty(t, body.Message)
		})
	}
}

func TestHandler_InvalidateUser(t *testing.T) {
	f, client := newAPI(t, nil)

	resp, err := client.Send(sendBody("0b6f7f4e-8a43-4bb7-9d7e-000000000020", map[string]any{"channel": "push"}))
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	_ = resp.Body.Close()

	f.users.Put(domain.UserPreferenceSnapshot{
		UserID:         apiUser,
		ChannelEnabled: map[domain.Channel]bool{domain.ChannelPush: false},
		ContactEndpoints: []domain.ContactEndpoint{
			{Channel: domain.ChannelPush, Address: "tok-api", Active: true},
		},
	})

	resp, err = client.POST("/v1/internal/invalidate/users/"+apiUser, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	_ = resp.Body.Close()

	resp, err = client.Send(sendBody("0b6f7f4e-8a43-4bb7-9d7e-000000000021", map[string]any{"channel": "push"}))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestHandler_InvalidateTemplate(t *testing.T) {
	_, client := newAPI(t, nil)

	resp, err := client.POST("/v1/internal/invalidate/templates/welcome", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestHandler_DeadLetters(t *testing.T) {
	broker := queue.NewMemoryBroker()
	_, client := newAPI(t, broker)

	job := &domain.DeliveryJob{
		JobID:     "job-dead",
		RequestID: "r",
		UserID:    apiUser,
		Channel:   domain.ChannelEmail,
		Endpoint:  "api@example.com",
		Message:   domain.RenderedMessage{TemplateSlug: "welcome", Body: "Hi", Channel: domain.ChannelEmail},
		Priority:  domain.PriorityNormal,
	}
	require.NoError(t, broker.Publish(context.Background(), job))
	deliveries, err := broker.Fetch(context.Background(), domain.ChannelEmail, 1)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	dead := deliveries[0].Job().Clone()
	dead.AttemptCount = 5
	require.NoError(t, deliveries[0].DeadLetter(context.Background(), dead, "smtp 550"))

	resp, err := client.GET("/v1/admin/dead-letters?channel=email")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var list DeadLetterList
	testutil.DecodeJSON(t, resp, &list)
	require.Len(t, list.Jobs, 1)
	assert.Equal(t, "job-dead", list.Jobs[0].JobID)
	assert.Equal(t, 5, list.Jobs[0].AttemptCount)

	resp, err = client.POST("/v1/admin/dead-letters/job-dead/requeue", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	_ = resp.Body.Close()

	resp, err = client.POST("/v1/admin/dead-letters/job-dead/requeue", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()

	resp, err = client.WithoutValidation().GET("/v1/admin/dead-letters?limit=0")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestHandler_DeadLettersUnsupported(t *testing.T) {
	_, client := newAPI(t, nil)

	resp, err := client.GET("/v1/admin/dead-letters")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)

	var body httputil.ErrorResponse
	testutil.DecodeJSON(t, resp, &body)
	assert.Equal(t, KindNotImplemented, body.ErrorKind)
}
