// Package auth guards the MCP endpoint with bcrypt-hashed API keys.
package auth

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
)

type contextKey int

const (
	ctxUserID contextKey = iota
	ctxRemoteIP
)

const (
	// RFC 6750 Section 3.1: no error attribute when no token was provided.
	wwwAuthNoToken = `Bearer realm="chat-sync"`
	wwwAuthInvalid = `Bearer realm="chat-sync", error="invalid_token"`
)

// RequestUserID returns the authenticated user ID from the context, or "".
func RequestUserID(ctx context.Context) string {
	v, _ := ctx.Value(ctxUserID).(string)
	return v
}

// RequestRemoteIP returns the client IP from the context, or "".
func RequestRemoteIP(ctx context.Context) string {
	v, _ := ctx.Value(ctxRemoteIP).(string)
	return v
}

// remoteIP extracts the IP address from r.RemoteAddr, stripping the
// port. Falls back to the raw value if parsing fails.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}

// Middleware returns HTTP middleware that validates Bearer API keys.
// Unauthenticated requests get a 401 with a WWW-Authenticate header.
// Clients that keep presenting bad keys are rate limited per IP.
func Middleware(keys *Keys, logger *slog.Logger) func(http.Handler) http.Handler {
	limiter := newFailureRateLimiter()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := remoteIP(r)
			authHeader := r.Header.Get("Authorization")

			if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
				logger.Debug("middleware: no bearer token",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", wwwAuthNoToken)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			if limiter.check(ip) {
				logger.Warn("middleware: rate limited", slog.String("ip", ip))
				http.Error(w, "too many failed attempts, try again later", http.StatusTooManyRequests)

				return
			}

			user, ok := keys.Validate(strings.TrimPrefix(authHeader, "Bearer "))
			if !ok {
				limiter.record(ip)
				logger.Debug("middleware: invalid API key",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", wwwAuthInvalid)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			logger.Debug("middleware: authenticated via API key",
				slog.String("user_id", user),
				slog.String("ip", ip),
			)

			// Inject authenticated identity into the request context
			// so downstream handlers (MCP tools) can log it.
			ctx := r.Context()
			ctx = context.WithValue(ctx, ctxUserID, user)
			ctx = context.WithValue(ctx, ctxRemoteIP, ip)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
