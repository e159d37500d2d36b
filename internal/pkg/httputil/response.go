// Package httputil provides HTTP response helpers and middleware.
package httputil

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	ErrorKind string `json:"error_kind"`
	Message   string `json:"message"`
	Details   any    `json:"details,omitempty"`
}

// FieldError names one rejected request field and the rule it broke.
type FieldError struct {
	Field string `json:"field"`
	Rule  string `json:"message"`
}

// JSON encodes data as the response body. A nil data writes headers only.
func JSON(w http.ResponseWriter, status int, data any) {
	writeHead(w, status, "application/json")
	if data == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("encode response body", "error", err)
	}
}

// Text writes a plain text body.
func Text(w http.ResponseWriter, status int, text string) {
	writeHead(w, status, "text/plain; charset=utf-8")
	if _, err := w.Write([]byte(text)); err != nil {
		slog.Error("write response body", "error", err)
	}
}

// Error writes an ErrorResponse without details.
func Error(w http.ResponseWriter, status int, kind, message string) {
	JSON(w, status, ErrorResponse{ErrorKind: kind, Message: message})
}

// ValidationError writes a 400. Struct validation failures are listed per
// field; any other error becomes the message.
func ValidationError(w http.ResponseWriter, err error) {
	resp := ErrorResponse{ErrorKind: KindValidation, Message: "validation error"}

	var fields validator.ValidationErrors
	if errors.As(err, &fields) {
		details := make([]FieldError, len(fields))
		for i, fe := range fields {
			details[i] = FieldError{Field: fe.Field(), Rule: fe.Tag()}
		}
		resp.Details = details
	} else {
		resp.Message = err.Error()
	}

	JSON(w, http.StatusBadRequest, resp)
}

func writeHead(w http.ResponseWriter, status int, contentType string) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
}
