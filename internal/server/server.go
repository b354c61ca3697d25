package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.uber.org/multierr"

	"github.com/dukerupert/vouch/internal/auth"
	"github.com/dukerupert/vouch/internal/config"
	"github.com/dukerupert/vouch/internal/coordinator"
	"github.com/dukerupert/vouch/internal/handler"
	"github.com/dukerupert/vouch/internal/middleware"
	"github.com/dukerupert/vouch/internal/payment"
	"github.com/dukerupert/vouch/internal/quota"
	"github.com/dukerupert/vouch/internal/store"
	vouchstripe "github.com/dukerupert/vouch/internal/stripe"
	"github.com/dukerupert/vouch/internal/sweep"
	"github.com/dukerupert/vouch/internal/testimonial"
	ws "github.com/dukerupert/vouch/internal/websocket"
)

const (
	verifyRateLimit = 30
	submitRateLimit = 60
	rateWindow      = time.Minute
)

type Server struct {
	db             *sql.DB
	coord          *coordinator.Coordinator
	hub            *ws.Hub
	verifier       *auth.Verifier
	testimonialH   *handler.TestimonialHandler
	verifyH        *handler.VerifyHandler
	accountH       *handler.AccountHandler
	checkoutH      *handler.CheckoutHandler
	webhookH       *handler.WebhookHandler
	verifyLimiter  *middleware.Limiter
	submitLimiter  *middleware.Limiter
	sweeper        *sweep.Sweeper
	allowedOrigins []string
	logger         *slog.Logger
}

// New wires the core components behind the HTTP surface. Checkout and
// webhook routes and the checkout sweep exist only when Stripe is configured.
func New(db *sql.DB, cfg config.Config, logger *slog.Logger) (*Server, error) {
	verifier, err := auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.Audience)
	if err != nil {
		return nil, fmt.Errorf("auth verifier: %w", err)
	}

	hub := ws.NewHub(logger.With("component", "websocket"))

	ledger := quota.NewLedger(store.NewEntitlementStore(db), cfg.FreeQuota, logger.With("component", "quota"))
	lifecycle := testimonial.NewLifecycle(store.NewTestimonialStore(db), logger.With("component", "testimonial"))
	checkouts := store.NewCheckoutStore(db)
	reconciler := payment.NewReconciler(db, store.NewPaymentEventStore(db), checkouts, ledger, logger.With("component", "payment"))
	reconciler.AddNotifier(hub)
	coord := coordinator.New(db, ledger, lifecycle, reconciler, checkouts, cfg.BaseURL, logger.With("component", "coordinator"))

	s := &Server{
		db:             db,
		coord:          coord,
		hub:            hub,
		verifier:       verifier,
		testimonialH:   handler.NewTestimonialHandler(coord, logger.With("component", "testimonial_handler")),
		verifyH:        handler.NewVerifyHandler(coord, logger.With("component", "verify_handler")),
		accountH:       handler.NewAccountHandler(coord, logger.With("component", "account_handler")),
		verifyLimiter:  middleware.NewLimiter(verifyRateLimit, rateWindow),
		submitLimiter:  middleware.NewLimiter(submitRateLimit, rateWindow),
		allowedOrigins: cfg.AllowedOrigins,
		logger:         logger,
	}

	if cfg.Stripe.Enabled() {
		sc := vouchstripe.NewClient(vouchstripe.Config{
			SecretKey:     cfg.Stripe.SecretKey,
			WebhookSecret: cfg.Stripe.WebhookSecret,
			PriceID:       cfg.Stripe.PriceID,
			Mode:          cfg.Stripe.Mode,
			SuccessURL:    cfg.BaseURL + "/checkout/return?session_id={CHECKOUT_SESSION_ID}",
			CancelURL:     cfg.BaseURL + "/pricing",
		})
		coord.SetCheckoutLookup(sc)
		s.checkoutH = handler.NewCheckoutHandler(coord, sc, logger.With("component", "checkout_handler"))
		s.webhookH = handler.NewWebhookHandler(coord, sc, logger.With("component", "webhook"))

		sw, err := sweep.New(coord, sweep.Config{
			Schedule:  cfg.Sweep.Schedule,
			Lookback:  cfg.Sweep.Lookback,
			BatchSize: cfg.Sweep.BatchSize,
		}, logger.With("component", "sweep"))
		if err != nil {
			return nil, err
		}
		s.sweeper = sw
	}

	return s, nil
}

func (s *Server) Coordinator() *coordinator.Coordinator {
	return s.coord
}

func (s *Server) Hub() *ws.Hub {
	return s.hub
}

// Start runs background work: the checkout sweep when Stripe is configured,
// and periodic pruning of rate limiter windows.
func (s *Server) Start(ctx context.Context) error {
	if s.sweeper == nil {
		go s.pruneLimiters(ctx)
		return nil
	}
	if err := s.sweeper.AddJob("@every 10m", s.sweepLimiters); err != nil {
		return err
	}
	return s.sweeper.Start(ctx)
}

func (s *Server) pruneLimiters(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweepLimiters()
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) sweepLimiters() {
	if n := s.verifyLimiter.Sweep() + s.submitLimiter.Sweep(); n > 0 {
		s.logger.Debug("pruned rate limit windows", "count", n)
	}
}

// Close stops background work, checkpoints the write-ahead log and closes
// the database.
func (s *Server) Close() error {
	if s.sweeper != nil {
		s.sweeper.Stop()
	}

	var err error
	if _, cerr := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); cerr != nil {
		err = multierr.Append(err, fmt.Errorf("checkpoint wal: %w", cerr))
	}
	if cerr := s.db.Close(); cerr != nil {
		err = multierr.Append(err, fmt.Errorf("close database: %w", cerr))
	}
	return err
}

func (s *Server) Router() http.Handler {
	outerMux := http.NewServeMux()

	// Public routes (no auth required)
	outerMux.HandleFunc("GET /health", s.healthHandler)
	outerMux.HandleFunc("GET /api/verify/{token}", s.rateLimited(s.verifyLimiter, middleware.RealIP, s.verifyH.Lookup))
	outerMux.HandleFunc("POST /api/verify/{token}", s.rateLimited(s.verifyLimiter, middleware.RealIP, s.verifyH.Decide))
	if s.webhookH != nil {
		outerMux.HandleFunc("POST /webhooks/stripe", s.webhookH.HandleStripeWebhook)
	}

	// Protected routes, wrapped with RequireAccount
	protectedMux := http.NewServeMux()
	s.registerProtectedRoutes(protectedMux)

	authMiddleware := middleware.RequireAccount(s.verifier)
	outerMux.Handle("/api/", authMiddleware(protectedMux))
	outerMux.Handle("GET /ws", authMiddleware(protectedMux))

	return middleware.RequestLogger(s.logger.With("component", "http"))(outerMux)
}

func (s *Server) registerProtectedRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/entitlement", s.accountH.Entitlement)
	mux.HandleFunc("GET /api/payments", s.accountH.Payments)

	mux.HandleFunc("POST /api/testimonials", s.rateLimited(s.submitLimiter, accountKey, s.testimonialH.Create))
	mux.HandleFunc("GET /api/testimonials", s.testimonialH.List)
	mux.HandleFunc("GET /api/testimonials/{id}", s.testimonialH.Get)

	if s.checkoutH != nil {
		mux.HandleFunc("POST /api/checkout", s.checkoutH.Create)
		mux.HandleFunc("GET /api/checkout/return", s.checkoutH.Return)
	}

	mux.HandleFunc("GET /ws", ws.HandleWebSocket(s.hub, s.allowedOrigins, s.logger.With("component", "websocket")))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	if err := s.db.PingContext(r.Context()); err != nil {
		s.logger.Error("health check", "error", err)
		status, code = "unavailable", http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"status": status})
}

func (s *Server) rateLimited(l *middleware.Limiter, keyFunc func(*http.Request) string, h http.HandlerFunc) http.HandlerFunc {
	return middleware.RateLimit(l, keyFunc)(h).ServeHTTP
}

func accountKey(r *http.Request) string {
	return auth.AccountID(r.Context())
}
