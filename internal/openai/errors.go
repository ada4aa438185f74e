package openai

import (
	"errors"
	"fmt"
	"net/http"
)

// Error type strings emitted in the wire envelope.
const (
	ErrTypeValidation     = "invalid_request_error"
	ErrTypeAuthentication = "authentication_error"
	ErrTypeNotFound       = "not_found_error"
	ErrTypeStreaming      = "streaming_error"
	ErrTypeInternal       = "internal_error"
)

// APIError is the typed error carried through the request path. It maps onto
// the OpenAI-compatible {error:{message,type,code}} envelope.
type APIError struct {
	Status  int    `json:"-"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`

	// Optional remediation hints serialized alongside the envelope.
	Details         map[string]string `json:"-"`
	SupportedModels []string          `json:"-"`

	wrapped error
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *APIError) Unwrap() error { return e.wrapped }

// ErrorEnvelope is the wire shape for all failure responses.
type ErrorEnvelope struct {
	Error           APIError          `json:"error"`
	Detail          string            `json:"detail,omitempty"`
	Details         map[string]string `json:"details,omitempty"`
	SupportedModels []string          `json:"supported_models,omitempty"`
}

// Envelope converts the error to its wire representation.
func (e *APIError) Envelope() ErrorEnvelope {
	env := ErrorEnvelope{Error: *e, Details: e.Details, SupportedModels: e.SupportedModels}
	if e.Status == http.StatusNotFound {
		env.Detail = e.Message
	}
	return env
}

// AsAPIError extracts an APIError from an error chain, wrapping anything
// unexpected into a generic internal error. Internal errors never carry the
// underlying message to the client.
func AsAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return &APIError{
		Status:  http.StatusInternalServerError,
		Type:    ErrTypeInternal,
		Message: "internal server error",
		wrapped: err,
	}
}

// NewValidationError reports a malformed request (HTTP 400).
func NewValidationError(message string, details map[string]string) *APIError {
	return &APIError{
		Status:  http.StatusBadRequest,
		Type:    ErrTypeValidation,
		Code:    "validation_failed",
		Message: message,
		Details: details,
	}
}

// NewUnsupportedModelError reports an unknown model with the supported list
// as a remediation hint (HTTP 400).
func NewUnsupportedModelError(model string, supported []string) *APIError {
	return &APIError{
		Status:          http.StatusBadRequest,
		Type:            ErrTypeValidation,
		Code:            "unsupported_model",
		Message:         fmt.Sprintf("model %q is not supported", model),
		SupportedModels: supported,
	}
}

// NewAuthenticationError reports that no usable credential resolved (HTTP 503).
func NewAuthenticationError(method string, errs []string) *APIError {
	details := map[string]string{"method": method}
	for i, e := range errs {
		details[fmt.Sprintf("error_%d", i)] = e
	}
	return &APIError{
		Status:  http.StatusServiceUnavailable,
		Type:    ErrTypeAuthentication,
		Code:    "no_credentials",
		Message: "no usable backend credentials resolved",
		Details: details,
	}
}

// NewSessionNotFoundError reports an unknown session id (HTTP 404).
func NewSessionNotFoundError(id string) *APIError {
	return &APIError{
		Status:  http.StatusNotFound,
		Type:    ErrTypeNotFound,
		Code:    "session_not_found",
		Message: fmt.Sprintf("Session %s not found", id),
	}
}

// NewInternalError wraps an unexpected failure (HTTP 500). The cause stays
// server-side; clients receive a generic message.
func NewInternalError(err error) *APIError {
	return &APIError{
		Status:  http.StatusInternalServerError,
		Type:    ErrTypeInternal,
		Message: "internal server error",
		wrapped: err,
	}
}
