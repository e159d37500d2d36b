package dispatch

import (
	"errors"
	"net/http"

	"github.com/bissquit/notification-dispatch/internal/idempotency"
	"github.com/bissquit/notification-dispatch/internal/pkg/httputil"
	"github.com/bissquit/notification-dispatch/internal/preferences"
	"github.com/bissquit/notification-dispatch/internal/queue"
	"github.com/bissquit/notification-dispatch/internal/templates"
)

// Dispatch errors.
var (
	ErrValidation         = errors.New("validation error")
	ErrChannelDisabled    = errors.New("channel disabled")
	ErrNoEligibleChannel  = errors.New("no eligible channel")
	ErrNoEndpoint         = errors.New("no active endpoint for channel")
	ErrServiceUnavailable = errors.New("service unavailable")
)

// Error kinds reported to clients.
const (
	KindValidation         = httputil.KindValidation
	KindUserNotFound       = "user_not_found"
	KindChannelDisabled    = "channel_disabled"
	KindNoEligibleChannel  = "no_eligible_channel"
	KindNoEndpoint         = "no_endpoint"
	KindTemplateNotFound   = "template_not_found"
	KindMissingVariable    = "missing_variable"
	KindTemplateSyntax     = "template_syntax"
	KindServiceUnavailable = "service_unavailable"
	KindRequestInProgress  = "request_in_progress"
	KindNotImplemented     = "not_implemented"
)

func isMissingVariable(err error) bool {
	var mv *templates.MissingVariableError
	return errors.As(err, &mv)
}

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrValidation, Status: http.StatusBadRequest, Kind: KindValidation},
	{Error: preferences.ErrUserNotFound, Status: http.StatusNotFound, Kind: KindUserNotFound, Message: "user not found"},
	{Error: ErrChannelDisabled, Status: http.StatusUnprocessableEntity, Kind: KindChannelDisabled},
	{Error: ErrNoEligibleChannel, Status: http.StatusUnprocessableEntity, Kind: KindNoEligibleChannel},
	{Error: ErrNoEndpoint, Status: http.StatusUnprocessableEntity, Kind: KindNoEndpoint},
	{Error: templates.ErrTemplateNotFound, Status: http.StatusUnprocessableEntity, Kind: KindTemplateNotFound},
	{Match: isMissingVariable, Status: http.StatusUnprocessableEntity, Kind: KindMissingVariable},
	{Error: templates.ErrTemplateSyntax, Status: http.StatusUnprocessableEntity, Kind: KindTemplateSyntax},
	{Error: idempotency.ErrReceiptPending, Status: http.StatusConflict, Kind: KindRequestInProgress, Message: "request in progress"},
	{Error: ErrServiceUnavailable, Status: http.StatusServiceUnavailable, Kind: KindServiceUnavailable},
	{Error: idempotency.ErrLedgerUnavailable, Status: http.StatusServiceUnavailable, Kind: KindServiceUnavailable},
	{Error: preferences.ErrCacheUnavailable, Status: http.StatusServiceUnavailable, Kind: KindServiceUnavailable},
	{Error: templates.ErrTemplateUnavailable, Status: http.StatusServiceUnavailable, Kind: KindServiceUnavailable},
	{Error: queue.ErrPublish, Status: http.StatusServiceUnavailable, Kind: KindServiceUnavailable},
}

// classify returns the HTTP status and error kind of err.
func classify(err error) (int, string) {
	if m, ok := httputil.Lookup(err, errorMappings); ok {
		return m.Status, m.Kind
	}
	return http.StatusServiceUnavailable, KindServiceUnavailable
}

// isTransient reports whether a retry of the same request may succeed.
func isTransient(err error) bool {
	status, _ := classify(err)
	return status == http.StatusServiceUnavailable
}
