package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"strconv"

	"gatehouse.dev/internal/identity"
	"gatehouse.dev/internal/obs"
	"gatehouse.dev/internal/ratelimit"
)

// ReadyProbe reports whether downstream dependencies are reachable.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer over the identity service.
type API struct {
	mux          *http.ServeMux
	svc          *identity.Service
	limiter      ratelimit.Limiter
	readyProbe   ReadyProbe
	version      string
	cookieSecure bool
	ipBurst      int
	ipPerSecond  int
}

// Option adjusts API construction.
type Option func(*API)

// WithSecureCookies marks session cookies Secure. Off by default so
// local development over plain HTTP works.
func WithSecureCookies(secure bool) Option {
	return func(a *API) { a.cookieSecure = secure }
}

// WithIPRate tunes the coarse per-IP flood limiter.
func WithIPRate(burst, perSecond int) Option {
	return func(a *API) {
		a.ipBurst = burst
		a.ipPerSecond = perSecond
	}
}

func New(svc *identity.Service, limiter ratelimit.Limiter, rp ReadyProbe, version string, opts ...Option) *API {
	a := &API{
		mux:         http.NewServeMux(),
		svc:         svc,
		limiter:     limiter,
		readyProbe:  rp,
		version:     version,
		ipBurst:     40,
		ipPerSecond: 20,
	}
	for _, opt := range opts {
		opt(a)
	}

	a.mux.HandleFunc("/healthz", a.handleHealthz)
	a.mux.HandleFunc("/readyz", a.handleReady)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/signup", a.handleSignup)
	a.mux.HandleFunc("/login", a.handleLogin)
	a.mux.HandleFunc("/logout", a.handleLogout)
	a.mux.HandleFunc("/token", a.handleToken)
	a.mux.HandleFunc("/refresh", a.handleRefresh)
	a.mux.HandleFunc("/verify-email", a.handleVerifyEmail)
	a.mux.HandleFunc("/password-reset/request", a.handlePasswordResetRequest)
	a.mux.HandleFunc("/password-reset/confirm", a.handlePasswordResetConfirm)
	a.mux.HandleFunc("/invitations/accept", a.handleInvitationAccept)

	a.mux.HandleFunc("/organizations/", a.handleOrganizations)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not found")
	})

	return a
}

// Handler returns the fully wrapped handler for the server.
func (a *API) Handler() http.Handler {
	h := http.Handler(a.mux)
	h = a.withAuth(h)
	h = MaxBodyBytes(h, 1<<20)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = RateLimit(h, a.ipBurst, a.ipPerSecond)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "gatehouse-api",
		"version": a.version,
	})
}

func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

// allow applies the named bucket's budget to the request, writing the
// 429 response itself on denial. Backend failures fail open: shedding
// legitimate logins because Redis blipped is worse than a short
// over-admission.
func (a *API) allow(w http.ResponseWriter, r *http.Request, bucket, identifier string) bool {
	if a.limiter == nil {
		return true
	}
	if identifier == "" {
		identifier = clientIP(r)
	}
	res, err := a.limiter.Consume(r.Context(), identifier, bucket)
	if err != nil {
		obs.Warn("rate limiter backend error", map[string]any{
			"bucket": bucket,
			"error":  err.Error(),
		})
		return true
	}
	if res.Limit >= 0 {
		remaining := res.Remaining
		if remaining < 0 {
			remaining = 0
		}
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.Reset.Unix(), 10))
	}
	if !res.Allowed {
		obs.RecordRateLimitDenial(bucket)
		w.Header().Set("Retry-After", retryAfterSeconds(res.RetryAfter))
		writeError(w, r, http.StatusTooManyRequests, "rate limit exceeded")
		return false
	}
	return true
}
