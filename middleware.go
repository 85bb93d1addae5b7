package main

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Verdict is the outcome of a Step: either continue with a (possibly decorated) request, or
// stop because the step already wrote the response.
type Verdict struct {
	next *http.Request
}

// Continue hands r to the next step.
func Continue(r *http.Request) Verdict { return Verdict{next: r} }

// Respond ends the chain. The step must have written a response.
func Respond() Verdict { return Verdict{} }

// Done reports whether the chain stops here.
func (v Verdict) Done() bool { return v.next == nil }

// Step is one check in a request chain.
type Step func(w http.ResponseWriter, r *http.Request) Verdict

// Chain runs steps in order before h. The first step that responds ends the request and
// h is never invoked.
func Chain(steps ...Step) func(http.Handler) http.Handler {
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, s := range steps {
				v := s(w, r)
				if v.Done() {
					return
				}
				r = v.next
			}
			h.ServeHTTP(w, r)
		})
	}
}

type identityKey struct{}

// ContextWithIdentity attaches the authenticated caller to ctx and names the user in the
// request log, if Logging is installed further out.
func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	if entry, ok := ctx.Value(requestLogKey{}).(*requestLog); ok {
		entry.userID = id.UserID
	}
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the caller attached by Authenticate.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	if !ok || id.UserID == "" {
		return Identity{}, false
	}
	return id, true
}

// AccessTokenVerifier turns an access token into an identity.
type AccessTokenVerifier interface {
	VerifyAccessToken(token string) (Identity, error)
}

const (
	accessCookie  = "access_token"
	refreshCookie = "refresh_token"
	bearerPrefix  = "bearer "
)

// extractAccessToken prefers the HTTP-only cookie and falls back to an Authorization header.
func extractAccessToken(r *http.Request) string {
	if c, err := r.Cookie(accessCookie); err == nil && c.Value != "" {
		return c.Value
	}
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) > len(bearerPrefix) && strings.EqualFold(h[:len(bearerPrefix)], bearerPrefix) {
		return strings.TrimSpace(h[len(bearerPrefix):])
	}
	return ""
}

// Authenticate verifies the access token and attaches the identity. Requests without a valid
// token get 401. Verification is local; no store is consulted.
func Authenticate(v AccessTokenVerifier) Step {
	return func(w http.ResponseWriter, r *http.Request) Verdict {
		id, err := v.VerifyAccessToken(extractAccessToken(r))
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="api"`)
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
			return Respond()
		}
		return Continue(r.WithContext(ContextWithIdentity(r.Context(), id)))
	}
}

// OptionalAuth attaches the identity when a valid token is present and never rejects.
func OptionalAuth(v AccessTokenVerifier) Step {
	return func(w http.ResponseWriter, r *http.Request) Verdict {
		tok := extractAccessToken(r)
		if tok == "" {
			return Continue(r)
		}
		id, err := v.VerifyAccessToken(tok)
		if err != nil {
			return Continue(r)
		}
		return Continue(r.WithContext(ContextWithIdentity(r.Context(), id)))
	}
}

// RequireRoles admits callers whose role is exactly one of roles. It must run after
// Authenticate; a request without identity gets 401.
func RequireRoles(roles ...Role) Step {
	allowed := make(map[Role]struct{}, len(roles))
	for _, role := range roles {
		allowed[role] = struct{}{}
	}
	return func(w http.ResponseWriter, r *http.Request) Verdict {
		id, ok := IdentityFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
			return Respond()
		}
		if _, ok := allowed[id.Role]; !ok {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Your role does not permit this action")
			return Respond()
		}
		return Continue(r)
	}
}

type requestLogKey struct{}

// requestLog carries fields learned inside the chain back out to Logging.
type requestLog struct {
	userID string
}

// Logging middleware logs requests
func Logging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			entry := &requestLog{}

			next.ServeHTTP(wrapped, r.WithContext(context.WithValue(r.Context(), requestLogKey{}, entry)))

			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", wrapped.statusCode,
				"duration", time.Since(start),
				"remote", clientIP(r),
			}
			if entry.userID != "" {
				attrs = append(attrs, "user_id", entry.userID)
			}
			logger.InfoContext(r.Context(), "request", attrs...)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// SecurityHeaders middleware adds security headers
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		next.ServeHTTP(w, r)
	})
}
