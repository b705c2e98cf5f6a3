// Package server provides the HTTP webhook receiver and its read-only views.
package server

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrUnauthorized indicates a webhook whose signature could not be verified
type ErrUnauthorized struct {
	// Required is set when no secret is configured but signatures are mandatory
	Required bool
}

func (e *ErrUnauthorized) Error() string {
	if e.Required {
		return "webhook signature required but no secret is configured"
	}
	return "invalid webhook signature"
}

// ErrMalformedPayload indicates a body that is not a usable webhook payload
type ErrMalformedPayload struct {
	Detail string
}

func (e *ErrMalformedPayload) Error() string {
	return fmt.Sprintf("malformed payload: %s", e.Detail)
}

// ErrPayloadTooLarge indicates a body over the configured size cap
type ErrPayloadTooLarge struct {
	Limit int64
}

func (e *ErrPayloadTooLarge) Error() string {
	return fmt.Sprintf("payload exceeds %d bytes", e.Limit)
}

// ErrRunNotFound indicates a run the store does not track
type ErrRunNotFound struct {
	RunID string
}

func (e *ErrRunNotFound) Error() string {
	return fmt.Sprintf("run not found: %s", e.RunID)
}

// ErrValidation indicates request validation failure
type ErrValidation struct {
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation error: %s - %s", e.Field, e.Message)
}

// HTTPStatus returns the appropriate HTTP status code for an error
func HTTPStatus(err error) int {
	var (
		unauthorized *ErrUnauthorized
		malformed    *ErrMalformedPayload
		tooLarge     *ErrPayloadTooLarge
		notFound     *ErrRunNotFound
		validation   *ErrValidation
	)
	switch {
	case errors.As(err, &unauthorized):
		return http.StatusUnauthorized
	case errors.As(err, &malformed), errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.As(err, &notFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
