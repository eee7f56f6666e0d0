// Package errors provides the HTTP error envelope and typed API errors.
package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
)

// Error codes carried in the envelope.
const (
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeInvalidRequest     = "INVALID_REQUEST"
	CodeRateLimited        = "RATE_LIMITED"
	CodeInternal           = "INTERNAL_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeConflict           = "CONFLICT"
)

// ErrorDetail is the body of an error response.
type ErrorDetail struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// HTTPErrorResponse is the JSON shape of every API error.
type HTTPErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// HTTPError is an error that knows its response status and code.
type HTTPError struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
	Err     error
}

func (e *HTTPError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *HTTPError) Unwrap() error {
	return e.Err
}

// WithDetails returns a copy of e carrying details.
func (e *HTTPError) WithDetails(details map[string]any) *HTTPError {
	cp := *e
	cp.Details = details
	return &cp
}

// NewNotFound reports a missing resource.
func NewNotFound(message string) *HTTPError {
	return &HTTPError{Status: http.StatusNotFound, Code: CodeNotFound, Message: message}
}

// NewInvalidRequest reports a client error.
func NewInvalidRequest(message string, details map[string]any) *HTTPError {
	return &HTTPError{Status: http.StatusBadRequest, Code: CodeInvalidRequest, Message: message, Details: details}
}

// NewRateLimited reports a rejected request due to rate limiting.
func NewRateLimited(message string) *HTTPError {
	return &HTTPError{Status: http.StatusTooManyRequests, Code: CodeRateLimited, Message: message}
}

// NewServiceUnavailable reports a dependency that is down.
func NewServiceUnavailable(message string, details map[string]any) *HTTPError {
	return &HTTPError{Status: http.StatusServiceUnavailable, Code: CodeServiceUnavailable, Message: message, Details: details}
}

// NewExternalServiceError reports a failing external dependency.
func NewExternalServiceError(message string) *HTTPError {
	return &HTTPError{Status: http.StatusBadGateway, Code: CodeServiceUnavailable, Message: message}
}

// NewConflict reports a request that clashes with current state.
func NewConflict(message string) *HTTPError {
	return &HTTPError{Status: http.StatusConflict, Code: CodeConflict, Message: message}
}

// WrapInternal wraps err as a 500. The message is what clients see.
func WrapInternal(_ context.Context, err error, message string) *HTTPError {
	return &HTTPError{Status: http.StatusInternalServerError, Code: CodeInternal, Message: message, Err: err}
}

type requestIDKey struct{}

// WithRequestID stores the request id on ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request id or "".
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// WriteError writes the envelope with the given status.
func WriteError(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]any) {
	resp := HTTPErrorResponse{Error: ErrorDetail{
		Code:    code,
		Message: message,
		Details: details,
	}}
	if r != nil {
		resp.Error.RequestID = RequestIDFromContext(r.Context())
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// RespondWithError writes err as an envelope. Errors that are not an
// *HTTPError become INTERNAL_ERROR without leaking their text.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	var he *HTTPError
	if stderrors.As(err, &he) {
		WriteError(w, r, he.Status, he.Code, he.Message, he.Details)
		return
	}
	WriteError(w, r, http.StatusInternalServerError, CodeInternal, "internal server error", nil)
}
