package httpx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/hanko-field/markdown-authz/internal/platform/requestctx"
)

const (
	codeLimit    = 80
	messageLimit = 512
	idLimit      = 80
)

// envelopeKeys are owned by WriteError; details cannot replace them.
var envelopeKeys = map[string]struct{}{
	"error":      {},
	"message":    {},
	"status":     {},
	"request_id": {},
	"trace_id":   {},
}

// Error is the JSON error body returned by every endpoint. Details are flattened into the body
// next to the envelope keys.
type Error struct {
	Code    string
	Message string
	Status  int
	Details map[string]any
}

// NewError builds an Error. A zero status becomes 500.
func NewError(code, message string, status int) Error {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return Error{Code: oneLine(code, codeLimit), Message: oneLine(message, messageLimit), Status: status}
}

// BadRequest reports malformed or invalid input.
func BadRequest(message string) Error {
	return NewError("invalid_request", message, http.StatusBadRequest)
}

// Unauthorized reports a missing or rejected caller identity.
func Unauthorized(code, message string) Error {
	return NewError(code, message, http.StatusUnauthorized)
}

// NotFound reports a missing resource.
func NotFound(message string) Error {
	return NewError("not_found", message, http.StatusNotFound)
}

// Conflict reports an operation not permitted in the resource's current state.
func Conflict(code, message string) Error {
	return NewError(code, message, http.StatusConflict)
}

// Unprocessable reports well formed input that the business rules refuse.
func Unprocessable(code, message string) Error {
	return NewError(code, message, http.StatusUnprocessableEntity)
}

// Unavailable reports a dependency that cannot serve the request right now.
func Unavailable(code, message string) Error {
	return NewError(code, message, http.StatusServiceUnavailable)
}

// Internal hides the cause of an unexpected failure from the caller.
func Internal() Error {
	return NewError("internal_server_error", "internal server error", http.StatusInternalServerError)
}

func (e Error) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
}

// WithDetails returns a copy of e carrying details. Later calls add to earlier ones.
func (e Error) WithDetails(details map[string]any) Error {
	if len(details) == 0 {
		return e
	}
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	e.Details = merged
	return e
}

// WriteError writes err as JSON, tagging it with the request and trace ids found on ctx.
func WriteError(ctx context.Context, w http.ResponseWriter, err Error) {
	if err.Status == 0 {
		err.Status = http.StatusInternalServerError
	}

	body := make(map[string]any, len(err.Details)+5)
	for k, v := range err.Details {
		if _, reserved := envelopeKeys[k]; !reserved {
			body[k] = v
		}
	}
	body["error"] = err.Code
	body["message"] = err.Message
	body["status"] = err.Status
	if id := oneLine(middleware.GetReqID(ctx), idLimit); id != "" {
		body["request_id"] = id
	}
	if id := oneLine(requestctx.TraceID(ctx), idLimit); id != "" {
		body["trace_id"] = id
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(err.Status)
	_ = json.NewEncoder(w).Encode(body)
}

// oneLine folds control characters to spaces and truncates to limit bytes on a rune boundary.
func oneLine(value string, limit int) string {
	value = strings.TrimSpace(strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, value))
	if len(value) <= limit {
		return value
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(value[cut]) {
		cut--
	}
	return value[:cut]
}
