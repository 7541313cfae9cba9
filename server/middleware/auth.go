package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

// ErrInvalidToken is returned by a UserValidator that does not recognize a token.
var ErrInvalidToken = errors.New("invalid bearer token")

type ctxKey string

const userContextKey ctxKey = "platform.user"

// User is the platform account a bearer token belongs to.
type User struct {
	ID    int64
	Login string
}

// UserValidator resolves a bearer token to a platform user.
type UserValidator func(ctx context.Context, token string) (User, error)

// WithPlatformAuth rejects requests without a valid platform bearer token and
// stores the user in the request context.
func WithPlatformAuth(validate UserValidator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := ExtractBearerToken(r.Header.Get("Authorization"))
			if token == "" {
				writeError(w, http.StatusUnauthorized, "missing or invalid Authorization header")
				return
			}
			user, err := validate(r.Context(), token)
			switch {
			case errors.Is(err, ErrInvalidToken):
				writeError(w, http.StatusUnauthorized, "invalid platform token")
				return
			case err != nil:
				logger.WarnContext(r.Context(), "platform token validation failed", "error", err)
				writeError(w, http.StatusServiceUnavailable, "platform unavailable, please try again")
				return
			}
			logger.DebugContext(r.Context(), "platform user authenticated", "login", user.Login)
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}

func WithUser(ctx context.Context, user User) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

func UserFromContext(ctx context.Context) (User, bool) {
	user, ok := ctx.Value(userContextKey).(User)
	return user, ok
}

func ExtractBearerToken(header string) string {
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}
