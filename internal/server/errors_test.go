package server

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrUnauthorized(t *testing.T) {
	assert.Equal(t, "invalid webhook signature", (&ErrUnauthorized{}).Error())
	assert.Contains(t, (&ErrUnauthorized{Required: true}).Error(), "no secret is configured")
	assert.Equal(t, http.StatusUnauthorized, HTTPStatus(&ErrUnauthorized{}))
}

func TestErrMalformedPayload(t *testing.T) {
	err := &ErrMalformedPayload{Detail: "run_id: is required"}
	assert.Equal(t, "malformed payload: run_id: is required", err.Error())
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(err))
}

func TestErrValidation(t *testing.T) {
	err := &ErrValidation{Field: "limit", Message: "must be a positive integer"}
	assert.Equal(t, "validation error: limit - must be a positive integer", err.Error())
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(err))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{
			name:     "ErrUnauthorized",
			err:      &ErrUnauthorized{},
			expected: http.StatusUnauthorized,
		},
		{
			name:     "ErrMalformedPayload",
			err:      &ErrMalformedPayload{Detail: "x"},
			expected: http.StatusBadRequest,
		},
		{
			name:     "ErrPayloadTooLarge",
			err:      &ErrPayloadTooLarge{Limit: 10},
			expected: http.StatusRequestEntityTooLarge,
		},
		{
			name:     "ErrRunNotFound",
			err:      &ErrRunNotFound{RunID: "r"},
			expected: http.StatusNotFound,
		},
		{
			name:     "wrapped ErrRunNotFound",
			err:      fmt.Errorf("lookup: %w", &ErrRunNotFound{RunID: "r"}),
			expected: http.StatusNotFound,
		},
		{
			name:     "unknown error",
			err:      errors.New("boom"),
			expected: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, HTTPStatus(tt.err))
		})
	}
}
