package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"relay/internal/relay"
)

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Success: false, Error: msg})
}

// statusFor maps hub errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, relay.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, relay.ErrOutOfRange):
		return http.StatusGone
	case errors.Is(err, relay.ErrInvalidEventType),
		errors.Is(err, relay.ErrInvalidTransport),
		errors.Is(err, relay.ErrNotPushCapable),
		errors.Is(err, relay.ErrNotPullCapable):
		return http.StatusBadRequest
	case errors.Is(err, relay.ErrAlreadyAttached):
		return http.StatusConflict
	case errors.Is(err, relay.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeHubError(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err.Error())
}

// writeDeadline is the earlier of ctx's deadline and now+timeout. The zero
// time means no deadline.
func writeDeadline(ctx context.Context, timeout time.Duration) time.Time {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	return deadline
}
