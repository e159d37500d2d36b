package httputil

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationError_ListsFields(t *testing.T) {
	type payload struct {
		UserID string `validate:"required"`
		Slug   string `validate:"required,max=3"`
	}
	err := validator.New().Struct(payload{Slug: "welcome"})
	require.Error(t, err)

	rec := httptest.NewRecorder()
	ValidationError(rec, err)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body struct {
		ErrorKind string       `json:"error_kind"`
		Details   []FieldError `json:"details"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, KindValidation, body.ErrorKind)
	assert.ElementsMatch(t, []FieldError{
		{Field: "UserID", Rule: "required"},
		{Field: "Slug", Rule: "max"},
	}, body.Details)
}

func TestValidationError_PlainError(t *testing.T) {
	rec := httptest.NewRecorder()
	ValidationError(rec, errors.New("body must be a JSON object"))

	resp := decodeError(t, rec)
	assert.Equal(t, "body must be a JSON object", resp.Message)
	assert.Nil(t, resp.Details)
}

func TestText(t *testing.T) {
	rec := httptest.NewRecorder()
	Text(rec, http.StatusOK, "OK")

	assert.Equal(t, "OK", rec.Body.String())
	assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
}
