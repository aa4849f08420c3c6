package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/kalambet/thoughtd/internal/apperr"
	"github.com/kalambet/thoughtd/internal/ratelimit"
)

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func statusFor(code apperr.Code) (int, string) {
	switch code {
	case apperr.Unauthenticated:
		return http.StatusUnauthorized, "authentication_error"
	case apperr.InvalidArgument:
		return http.StatusBadRequest, "invalid_request_error"
	case apperr.NotFound:
		return http.StatusNotFound, "not_found"
	case apperr.FailedPrecondition:
		return http.StatusConflict, "failed_precondition"
	case apperr.ResourceExhausted:
		return http.StatusTooManyRequests, "rate_limit_error"
	case apperr.PermissionDenied:
		return http.StatusForbidden, "permission_error"
	default:
		return http.StatusInternalServerError, "api_error"
	}
}

// writeError maps a classified error onto the HTTP error envelope. Rate
// limit errors carry a Retry-After header.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperr.CodeOf(err)
	status, errType := statusFor(code)

	var limit *ratelimit.LimitError
	if errors.As(err, &limit) && limit.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(limit.RetryAfter.Seconds()))))
	}

	msg := apperr.MessageOf(err)
	if code == apperr.Internal {
		slog.Default().Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		var ae *apperr.Error
		if !errors.As(err, &ae) {
			msg = "internal error"
		}
	}
	httpError(w, status, errType, "%s", msg)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
