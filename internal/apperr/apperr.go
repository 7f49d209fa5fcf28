// Package apperr defines the error-kind taxonomy (§7) shared by every
// component and the HTTP boundary, rendered on the wire as
// {error:{kind, message, details?}}.
package apperr

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// Kind is the error taxonomy from §7. It is a label, not a Go type switch
// target; callers compare against the exported constants.
type Kind string

const (
	InvalidInput           Kind = "invalid_input"
	NotFound                Kind = "not_found"
	Conflict                Kind = "conflict"
	FeatureDisabled         Kind = "feature_disabled"
	PolicyBlocked           Kind = "policy_blocked"
	RateLimited             Kind = "rate_limited"
	DependencyUnavailable   Kind = "dependency_unavailable"
	InternalError           Kind = "internal_error"
)

// httpStatus maps each Kind to the HTTP status named in §7.
var httpStatus = map[Kind]int{
	InvalidInput:          http.StatusBadRequest,
	NotFound:              http.StatusNotFound,
	Conflict:              http.StatusConflict,
	FeatureDisabled:       http.StatusForbidden,
	PolicyBlocked:         423,
	RateLimited:           http.StatusTooManyRequests,
	DependencyUnavailable: http.StatusServiceUnavailable,
	InternalError:         http.StatusInternalServerError,
}

// CLIExit maps a Kind to the process exit code from §6's CLI surface.
var CLIExit = map[Kind]int{
	InvalidInput:    2,
	FeatureDisabled: 3,
}

// Error is the taxonomy error every component returns across its public
// operations; it carries enough structure for both the HTTP boundary and
// the CLI to render §7's {error:{kind,message,details?}} shape.
type Error struct {
	Kind    Kind           `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// HTTPStatus reports the status code this error should be rendered with.
// Unknown kinds fall back to 500.
func (e *Error) HTTPStatus() int {
	if s, ok := httpStatus[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New builds a taxonomy error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf builds a taxonomy error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithDetails returns a copy of e carrying details (e.g. findings, flag name).
func (e *Error) WithDetails(details map[string]any) *Error {
	out := *e
	out.Details = details
	return &out
}

// As extracts an *Error from err, or synthesizes an internal_error wrapper
// if err isn't already one of ours.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return e
	}
	return &Error{Kind: InternalError, Message: err.Error()}
}

// envelope is the wire body: {"error": {...}}.
type envelope struct {
	Error *Error `json:"error"`
}

// Write renders a taxonomy error as the §7 JSON body at its mapped status.
// internal_error is logged server-side and its message is NEVER echoed to
// the client.
func Write(w http.ResponseWriter, err error) {
	e := As(err)
	if e.Kind == InternalError {
		slog.Error("internal error", "message", e.Message)
		e = &Error{Kind: InternalError, Message: "an unexpected error occurred"}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.HTTPStatus())
	_ = json.NewEncoder(w).Encode(envelope{Error: e})
}

// WSEnvelope is the dedicated WebSocket error shape from §7.
type WSEnvelope struct {
	Event   string `json:"event"`
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

// ToWS converts err into the WebSocket error envelope.
func ToWS(err error) WSEnvelope {
	e := As(err)
	return WSEnvelope{Event: "__error", Kind: e.Kind, Message: e.Message}
}
