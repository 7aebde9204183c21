// Package gateway exposes the ledger core over HTTP: business endpoints for
// earning and redeeming points, administrative endpoints for anchoring,
// expiry, alerts, and configuration, and signed QR identity payloads.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"boroledger/core/anchor"
	"boroledger/core/expiry"
	"boroledger/core/guard"
	"boroledger/core/ledger"
	"boroledger/gateway/auth"
	"boroledger/gateway/middleware"
	"boroledger/storage"
)

// Config defines HTTP server parameters.
type Config struct {
	ListenAddress string
	// Throttle bounds per-client request rates at the HTTP edge; zero
	// disables it.
	ThrottlePerMinute float64
	ThrottleBurst     int
}

// Server hosts the gateway endpoints.
type Server struct {
	cfg    Config
	store  *storage.Store
	ledger *ledger.Ledger
	anchor *anchor.Service
	expiry *expiry.Engine
	tokens *auth.Issuer
	qr     *auth.QRSigner
	obs    *middleware.Observability
	log    *slog.Logger
	now    func() time.Time

	router http.Handler
}

// Deps collects the collaborators the server fronts.
type Deps struct {
	Store    *storage.Store
	Ledger   *ledger.Ledger
	Anchor   *anchor.Service
	Expiry   *expiry.Engine
	Tokens   *auth.Issuer
	QR       *auth.QRSigner
	Obs      *middleware.Observability
	Logger   *slog.Logger
	Now      func() time.Time
}

// New constructs the gateway server and its router.
func New(cfg Config, deps Deps) (*Server, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("gateway: store required")
	case deps.Ledger == nil:
		return nil, fmt.Errorf("gateway: ledger required")
	case deps.Anchor == nil:
		return nil, fmt.Errorf("gateway: anchor service required")
	case deps.Expiry == nil:
		return nil, fmt.Errorf("gateway: expiry engine required")
	case deps.Tokens == nil:
		return nil, fmt.Errorf("gateway: token issuer required")
	case deps.QR == nil:
		return nil, fmt.Errorf("gateway: qr signer required")
	}
	s := &Server{
		cfg:    cfg,
		store:  deps.Store,
		ledger: deps.Ledger,
		anchor: deps.Anchor,
		expiry: deps.Expiry,
		tokens: deps.Tokens,
		qr:     deps.QR,
		obs:    deps.Obs,
		log:    deps.Logger,
		now:    deps.Now,
	}
	if s.obs == nil {
		s.obs = middleware.NewObservability("boroledger", deps.Logger)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.router = s.buildRouter()
	return s, nil
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	if s.cfg.ThrottlePerMinute > 0 {
		throttle := middleware.NewThrottle(s.cfg.ThrottlePerMinute, s.cfg.ThrottleBurst)
		r.Use(throttle.Middleware)
	}

	r.Group(func(pub chi.Router) {
		pub.Use(s.obs.Middleware("public"))
		pub.Get("/healthz", s.handleHealth)
		pub.Post("/auth/login", s.handleLogin)
	})
	r.Handle("/metrics", s.obs.MetricsHandler())

	r.Group(func(authed chi.Router) {
		authed.Use(s.obs.Middleware("authed"))
		authed.Use(s.tokens.Middleware())
		authed.Get("/me", s.handleMe)
		authed.Get("/balance/{accountID}", s.handleBalance)
		authed.Get("/transactions", s.handleTransactions)
		authed.Get("/qr/user/{uid}", s.handleUserQR)
	})

	r.Group(func(merchant chi.Router) {
		merchant.Use(s.obs.Middleware("merchant"))
		merchant.Use(s.tokens.Middleware(auth.RoleMerchant, auth.RoleAdmin))
		merchant.Post("/earn", s.handleEarn)
		merchant.Post("/redeem", s.handleRedeem)
		merchant.Get("/merchant/balance", s.handleMerchantBalance)
		merchant.Post("/qr/verify", s.handleQRVerify)
	})

	r.Group(func(admin chi.Router) {
		admin.Use(s.obs.Middleware("admin"))
		admin.Use(s.tokens.Middleware(auth.RoleAdmin))
		admin.Post("/admin/issue", s.handleIssue)
		admin.Get("/anchor/daily", s.handleAnchorDaily)
		admin.Post("/admin/expire/run", s.handleExpireRun)
		admin.Get("/admin/alerts", s.handleAlerts)
		admin.Get("/admin/settings", s.handleGetSettings)
		admin.Post("/admin/settings", s.handleSetSettings)
		admin.Post("/admin/merchant/config", s.handleMerchantConfig)
		admin.Get("/admin/settlement.csv", s.handleSettlementCSV)
	})

	return r
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run starts the HTTP server and blocks until context cancellation.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.cfg.ListenAddress, Handler: s.router}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	s.log.Info("gateway listening", "addr", s.cfg.ListenAddress)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen and serve: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps core errors onto the HTTP surface.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, ledger.ErrInvalidKind),
		errors.Is(err, ledger.ErrInsufficientBalance):
		status = http.StatusBadRequest
	case errors.Is(err, ledger.ErrUnknownAccount), errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, guard.ErrLimitExceeded):
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, map[string]string{"detail": err.Error()})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "malformed request body"})
		return false
	}
	return true
}
