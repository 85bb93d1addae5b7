package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	cfg "github.com/example/pipelinedash/internal/config"
)

// App holds the shared dependencies of every handler.
type App struct {
	DB           DB
	Auth         *AuthService
	Tokens       *TokenService
	Limiter      *RateLimiter
	CORS         *CORSGate
	Proxies      *ProxyTrust
	Metrics      *Metrics
	Logger       *slog.Logger
	CookieSecure bool

	loginPolicy RatePolicy
	resetPolicy RatePolicy
	closers     []func() error
	now         func() time.Time
	newID       func() string
}

// Deps are the resources main constructs before building the App.
type Deps struct {
	DB       DB
	Counters CounterStore
	Mailer   Mailer
	Logger   *slog.Logger
}

func NewApp(c *cfg.Config, d Deps) *App {
	metrics := NewMetrics()
	tokens := NewTokenService(c.JwtSecret, c.TokenHashSecret, c.JwtIssuer, c.AccessTokenTTL)
	a := &App{
		DB:     d.DB,
		Tokens: tokens,
		Auth: NewAuthService(AuthServiceConfig{
			Users:      d.DB,
			Sessions:   d.DB,
			Tokens:     d.DB,
			Signer:     tokens,
			Hasher:     NewPasswordHasher(c.BcryptCost),
			Mailer:     d.Mailer,
			Metrics:    metrics,
			Logger:     d.Logger,
			RefreshTTL: c.RefreshTokenTTL,
			OneTimeTTL: c.OneTimeTokenTTL,
		}),
		Limiter:      NewRateLimiter(d.Counters, d.Logger, metrics),
		CORS:         NewCORSGate(c.CORSAllowedOrigins, c.CORSMaxAge),
		Proxies:      NewProxyTrust(c.TrustedProxies),
		Metrics:      metrics,
		Logger:       d.Logger,
		CookieSecure: c.CookieSecure,
		loginPolicy:  RatePolicy{Window: c.LoginRateWindow, MaxAttempts: c.LoginRateLimit},
		resetPolicy:  RatePolicy{Window: c.ResetRateWindow, MaxAttempts: c.ResetRateLimit},
		now:          time.Now,
		newID:        uuid.NewString,
	}
	a.closers = append(a.closers, d.DB.Close)
	return a
}

// OnClose registers a resource to release in Close.
func (a *App) OnClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// Close releases resources in reverse registration order.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Warn("write json", "error", err)
	}
}

// Routes builds the full handler tree. The CORS gate sits outside the router so preflights
// reach it even for unrouted paths. The client address is resolved before anything logs or
// rate limits.
func (a *App) Routes() http.Handler {
	r := mux.NewRouter()
	r.Use(a.Metrics.Instrument)

	// Health check endpoints (no auth required)
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	r.HandleFunc("/ready", a.HandleReady).Methods(http.MethodGet)
	r.Handle("/metrics", a.Metrics.Handler()).Methods(http.MethodGet)

	authn := Authenticate(a.Tokens)
	with := func(h http.HandlerFunc, steps ...Step) http.Handler {
		return Chain(steps...)(h)
	}
	limit := func(name string, p RatePolicy) Step {
		p.Name = name
		return a.Limiter.Limit(p)
	}
	register := limit("register", a.loginPolicy)
	login := limit("login", a.loginPolicy)
	forgot := limit("forgot-password", a.resetPolicy)
	reset := limit("reset-password", a.resetPolicy)
	verify := limit("verify-email", a.resetPolicy)
	editors := RequireRoles(RoleOwner, RoleCollaborator)
	owners := RequireRoles(RoleOwner)

	api := r.PathPrefix("/api").Subrouter()

	auth := api.PathPrefix("/auth").Subrouter()
	auth.Handle("/register", with(a.HandleRegister, register)).Methods(http.MethodPost)
	auth.Handle("/login", with(a.HandleLogin, login)).Methods(http.MethodPost)
	auth.Handle("/refresh", with(a.HandleRefresh)).Methods(http.MethodPost)
	auth.Handle("/logout", with(a.HandleLogout, OptionalAuth(a.Tokens))).Methods(http.MethodPost)
	auth.Handle("/logout-all", with(a.HandleLogoutAll, authn)).Methods(http.MethodPost)
	auth.Handle("/me", with(a.HandleMe, authn)).Methods(http.MethodGet)
	auth.Handle("/forgot-password", with(a.HandleForgotPassword, forgot)).Methods(http.MethodPost)
	auth.Handle("/reset-password", with(a.HandleResetPassword, reset)).Methods(http.MethodPost)
	auth.Handle("/verify-email", with(a.HandleVerifyEmail, verify)).Methods(http.MethodPost)
	auth.Handle("/resend-verification", with(a.HandleResendVerification, authn)).Methods(http.MethodPost)

	api.Handle("/users", with(a.HandleCreateMember, authn, owners)).Methods(http.MethodPost)

	api.Handle("/ideas", with(a.HandleListIdeas, authn)).Methods(http.MethodGet)
	api.Handle("/ideas", with(a.HandleCreateIdea, authn, editors)).Methods(http.MethodPost)
	api.Handle("/ideas/{id}", with(a.HandleGetIdea, authn)).Methods(http.MethodGet)
	api.Handle("/ideas/{id}", with(a.HandleUpdateIdea, authn, editors)).Methods(http.MethodPatch)
	api.Handle("/ideas/{id}", with(a.HandleDeleteIdea, authn, owners)).Methods(http.MethodDelete)
	api.Handle("/ideas/{id}/advance", with(a.HandleAdvanceIdea, authn, editors)).Methods(http.MethodPost)
	api.Handle("/pipeline", with(a.HandlePipeline, authn)).Methods(http.MethodGet)

	api.Handle("/productions", with(a.HandleListProductions, authn)).Methods(http.MethodGet)
	api.Handle("/productions", with(a.HandleCreateProduction, authn, editors)).Methods(http.MethodPost)
	api.Handle("/productions/{id}", with(a.HandleGetProduction, authn)).Methods(http.MethodGet)
	api.Handle("/productions/{id}/artifacts", with(a.HandleCreateArtifact, authn, editors)).Methods(http.MethodPost)
	api.Handle("/productions/{id}/artifacts/{aid}/publish", with(a.HandlePublishArtifact, authn, editors)).Methods(http.MethodPost)

	return SecurityHeaders(a.Proxies.Middleware(Logging(a.Logger)(a.CORS.Handler(r))))
}

// HandleReady reports whether the database answers within two seconds.
func (a *App) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.DB.Ping(ctx); err != nil {
		a.Logger.WarnContext(ctx, "readiness check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"ready": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
}
