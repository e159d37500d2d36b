package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/bissquit/notification-dispatch/internal/domain"
	"github.com/bissquit/notification-dispatch/internal/pkg/ctxlog"
	"github.com/bissquit/notification-dispatch/internal/pkg/httputil"
	"github.com/bissquit/notification-dispatch/internal/queue"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

const (
	defaultDeadLetterLimit = 50
	maxDeadLetterLimit     = 500
	maxBodyBytes           = 1 << 20
)

// Invalidator drops a cached entry.
type Invalidator interface {
	Invalidate(ctx context.Context, key string) error
}

// Handler serves the ingress API.
type Handler struct {
	coordinator *Coordinator
	validator   *validator.Validate
	users       Invalidator
	templates   Invalidator
	deadLetters queue.DeadLetterStore
}

// NewHandler creates a handler. deadLetters may be nil when the broker
// cannot list dead letters.
func NewHandler(coordinator *Coordinator, users, templates Invalidator, deadLetters queue.DeadLetterStore) *Handler {
	return &Handler{
		coordinator: coordinator,
		validator:   validator.New(),
		users:       users,
		templates:   templates,
		deadLetters: deadLetters,
	}
}

// RegisterRoutes registers client-facing routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/v1/notifications/send", h.Send)
}

// RegisterInternalRoutes registers collaborator-facing invalidation routes.
func (h *Handler) RegisterInternalRoutes(r chi.Router) {
	r.Route("/v1/internal/invalidate", func(r chi.Router) {
		r.Post("/users/{id}", h.InvalidateUser)
		r.Post("/templates/{slug}", h.InvalidateTemplate)
	})
}

// RegisterAdminRoutes registers dead-letter inspection routes.
func (h *Handler) RegisterAdminRoutes(r chi.Router) {
	r.Route("/v1/admin/dead-letters", func(r chi.Router) {
		r.Get("/", h.ListDeadLetters)
		r.Post("/{job_id}/requeue", h.RequeueDeadLetter)
	})
}

// SendRequest is the body of POST /v1/notifications/send.
// NotificationType and TemplateCode are accepted aliases.
type SendRequest struct {
	RequestID        string         `json:"request_id" validate:"required,uuid"`
	UserID           string         `json:"user_id" validate:"required,uuid"`
	Channel          string         `json:"channel" validate:"omitempty,oneof=push email sms auto"`
	NotificationType string         `json:"notification_type,omitempty" validate:"omitempty,oneof=push email sms auto"`
	TemplateSlug     string         `json:"template_slug" validate:"required_without=TemplateCode,max=128"`
	TemplateCode     string         `json:"template_code,omitempty" validate:"omitempty,max=128"`
	Variables        map[string]any `json:"variables"`
	Priority         string         `json:"priority" validate:"omitempty,oneof=low normal high"`
	Locale           string         `json:"locale,omitempty" validate:"omitempty,bcp47_language_tag"`
	ForceChannel     bool           `json:"force_channel,omitempty"`
	Metadata         *SendMetadata  `json:"metadata,omitempty"`
}

// SendMetadata carries optional request metadata.
type SendMetadata struct {
	Correlation string `json:"correlation,omitempty" validate:"omitempty,max=128"`
}

func (req *SendRequest) toDomain(correlationID string) domain.NotificationRequest {
	channel := req.Channel
	if channel == "" {
		channel = req.NotificationType
	}
	slug := req.TemplateSlug
	if slug == "" {
		slug = req.TemplateCode
	}
	return domain.NotificationRequest{
		RequestID:     req.RequestID,
		UserID:        req.UserID,
		Channel:       domain.Channel(channel),
		TemplateSlug:  slug,
		Variables:     req.Variables,
		Priority:      domain.Priority(req.Priority),
		CorrelationID: correlationID,
		Locale:        req.Locale,
		ForceChannel:  req.ForceChannel,
	}
}

// Send handles POST /v1/notifications/send.
func (h *Handler) Send(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	// Numbers stay exact until rendering; float64 would round integers above 2^53.
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, KindValidation, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	fallback := ""
	if req.Metadata != nil {
		fallback = req.Metadata.Correlation
	}
	ctx, correlationID := httputil.EnsureCorrelationID(r.Context(), w, fallback)

	res, err := h.coordinator.Dispatch(ctx, req.toDomain(correlationID))
	if err != nil {
		if errors.Is(err, context.Canceled) {
			ctxlog.FromContext(ctx).Info("client cancelled before acceptance")
			return
		}
		httputil.HandleError(ctx, w, err, errorMappings)
		return
	}

	if res.Duplicate {
		w.Header().Set("Idempotent-Replayed", "true")
	}
	httputil.JSON(w, res.Status, res.Receipt)
}

// InvalidateUser handles POST /v1/internal/invalidate/users/{id}.
func (h *Handler) InvalidateUser(w http.ResponseWriter, r *http.Request) {
	h.invalidate(w, r, h.users, chi.URLParam(r, "id"))
}

// InvalidateTemplate handles POST /v1/internal/invalidate/templates/{slug}.
func (h *Handler) InvalidateTemplate(w http.ResponseWriter, r *http.Request) {
	h.invalidate(w, r, h.templates, chi.URLParam(r, "slug"))
}

func (h *Handler) invalidate(w http.ResponseWriter, r *http.Request, target Invalidator, key string) {
	if key == "" {
		httputil.Error(w, http.StatusBadRequest, KindValidation, "missing key")
		return
	}
	if err := target.Invalidate(r.Context(), key); err != nil {
		ctxlog.FromContext(r.Context()).Error("invalidation failed", "key", key, "error", err)
		httputil.Error(w, http.StatusServiceUnavailable, KindServiceUnavailable, "invalidation failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeadLetterList is the response of GET /v1/admin/dead-letters.
type DeadLetterList struct {
	Jobs []*domain.DeliveryJob `json:"jobs"`
}

// ListDeadLetters handles GET /v1/admin/dead-letters.
func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	if h.deadLetters == nil {
		httputil.Error(w, http.StatusNotImplemented, KindNotImplemented, "broker does not support dead-letter inspection")
		return
	}

	channel := domain.Channel(r.URL.Query().Get("channel"))
	if channel != "" && !channel.IsValid() {
		httputil.Error(w, http.StatusBadRequest, KindValidation, "unknown channel")
		return
	}

	limit := defaultDeadLetterLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxDeadLetterLimit {
			httputil.Error(w, http.StatusBadRequest, KindValidation, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	jobs, err := h.deadLetters.ListDeadLetters(r.Context(), channel, limit)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, nil)
		return
	}
	if jobs == nil {
		jobs = []*domain.DeliveryJob{}
	}
	httputil.JSON(w, http.StatusOK, DeadLetterList{Jobs: jobs})
}

// RequeueDeadLetter handles POST /v1/admin/dead-letters/{job_id}/requeue.
func (h *Handler) RequeueDeadLetter(w http.ResponseWriter, r *http.Request) {
	if h.deadLetters == nil {
		httputil.Error(w, http.StatusNotImplemented, KindNotImplemented, "broker does not support dead-letter inspection")
		return
	}

	jobID := chi.URLParam(r, "job_id")
	if err := h.deadLetters.Requeue(r.Context(), jobID); err != nil {
		httputil.HandleError(r.Context(), w, err, []httputil.ErrorMapping{
			{Error: queue.ErrJobNotFound, Status: http.StatusNotFound, Kind: httputil.KindNotFound, Message: "dead-lettered job not found"},
		})
		return
	}
	ctxlog.FromContext(r.Context()).Info("dead letter requeued", "job_id", jobID)
	w.WriteHeader(http.StatusNoContent)
}
