package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"carelink.org/internal/access"
	"carelink.org/internal/auth"
	"carelink.org/internal/obs"
)

const serviceName = "carelink-authzd"

type readinessChecker interface {
	Check(ctx context.Context) error
}

// ReadyProbe pings the database when one is configured.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Options tune the HTTP surface.
type Options struct {
	Version        string
	RateBurst      int
	RatePerSecond  float64
	AllowedOrigins []string
	RequestTimeout time.Duration
}

// API serves the decision endpoints.
type API struct {
	router    chi.Router
	svc       *access.Service
	tokens    *auth.Tokens
	readiness readinessChecker
	opts      Options
}

func New(svc *access.Service, tokens *auth.Tokens, rp readinessChecker, opts Options) *API {
	if opts.RateBurst <= 0 {
		opts.RateBurst = 100
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 50
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if rp == nil {
		rp = ReadyProbe{}
	}
	a := &API{svc: svc, tokens: tokens, readiness: rp, opts: opts}
	a.router = a.buildRouter()
	return a
}

func (a *API) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(LoggingJSON)
	r.Use(middleware.Recoverer)
	r.Use(SecurityHeaders)
	r.Use(CORS(a.opts.AllowedOrigins))
	r.Use(middleware.Timeout(a.opts.RequestTimeout))
	r.Use(MaxBodyBytes(maxBodyBytes))

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Handle("/metrics", obs.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler {
			return RateLimit(next, a.opts.RateBurst, a.opts.RatePerSecond)
		})
		r.Use(a.withAuth)

		r.Post("/authz/decisions", a.handleDecision)
		r.With(a.requirePlatformAdmin).Post("/authz/simulate", a.handleSimulate)

		r.Get("/policy", a.handlePolicy)
		r.With(a.requirePlatformAdmin).Post("/policy/reload", a.handlePolicyReload)

		r.Post("/break-glass", a.handleBreakGlassActivate)
		r.Get("/break-glass", a.handleBreakGlassStatus)

		r.Post("/clients/{clientID}/consents", a.handleConsentGrant)
		r.Post("/consents/{consentID}/revoke", a.handleConsentRevoke)
		r.Post("/consents/evaluate", a.handleConsentEvaluate)

		r.With(a.requirePlatformAdmin).Get("/audit/verify", a.handleAuditVerify)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

// Handler returns the router wrapped with HTTP metrics.
func (a *API) Handler() http.Handler {
	return obs.Instrument(a.router)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.opts.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readiness.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	if a.svc.Policy() == nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  "no policy loaded",
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ready",
		"policy_version": a.svc.Policy().Version,
	})
}
