package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/kalambet/thoughtd/internal/processor"
)

func BearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(auth, prefix) || subtle.ConstantTimeCompare([]byte(auth[len(prefix):]), []byte(token)) != 1 {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

const (
	HeaderUserID       = "X-User-ID"
	HeaderGuestSession = "X-Guest-Session"
	HeaderGuestKey     = "X-Guest-Key"
)

type callerKey struct{}

// Identity reads the caller from the identity headers. A user id wins over
// a guest session. Requests without either carry an empty caller, which
// the processor rejects as unauthenticated.
func Identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := processor.Caller{UserID: strings.TrimSpace(r.Header.Get(HeaderUserID))}
		if c.UserID == "" {
			c.GuestSessionID = strings.TrimSpace(r.Header.Get(HeaderGuestSession))
			c.GuestKey = r.Header.Get(HeaderGuestKey)
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey{}, c)))
	})
}

// CallerFrom returns the caller attached by Identity.
func CallerFrom(ctx context.Context) processor.Caller {
	c, _ := ctx.Value(callerKey{}).(processor.Caller)
	return c
}
