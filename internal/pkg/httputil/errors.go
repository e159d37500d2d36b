package httputil

import (
	"context"
	"errors"
	"net/http"

	"github.com/bissquit/notification-dispatch/internal/pkg/ctxlog"
)

// Error kinds shared by all handlers.
const (
	KindInternal     = "internal_error"
	KindValidation   = "validation_error"
	KindUnauthorized = "unauthorized"
	KindRateLimited  = "rate_limited"
	KindNotFound     = "not_found"
)

// ErrorMapping defines how a domain error maps to an HTTP response.
type ErrorMapping struct {
	Error error
	// Match is used instead of errors.Is when set, for typed errors.
	Match   func(err error) bool
	Status  int
	Kind    string
	Message string // if empty, uses err.Error()
}

func (m ErrorMapping) matches(err error) bool {
	if m.Match != nil {
		return m.Match(err)
	}
	return errors.Is(err, m.Error)
}

// Lookup returns the first mapping matching err.
func Lookup(err error, mappings []ErrorMapping) (ErrorMapping, bool) {
	for _, m := range mappings {
		if m.matches(err) {
			return m, true
		}
	}
	return ErrorMapping{}, false
}

// HandleError maps a domain error to an HTTP response using provided mappings.
// If no mapping matches, logs the error and returns 500 Internal Server Error.
func HandleError(ctx context.Context, w http.ResponseWriter, err error, mappings []ErrorMapping) {
	if m, ok := Lookup(err, mappings); ok {
		msg := m.Message
		if msg == "" {
			msg = err.Error()
		}
		Error(w, m.Status, m.Kind, msg)
		return
	}
	ctxlog.FromContext(ctx).Error("internal error", "error", err)
	Error(w, http.StatusInternalServerError, KindInternal, "internal error")
}
