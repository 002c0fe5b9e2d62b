package server

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/sproutlyapp/sproutly/internal/billing/access"
	"github.com/sproutlyapp/sproutly/internal/billing/archive"
	"github.com/sproutlyapp/sproutly/internal/billing/events"
	"github.com/sproutlyapp/sproutly/internal/billing/handler"
	"github.com/sproutlyapp/sproutly/internal/billing/lifecycle"
	"github.com/sproutlyapp/sproutly/internal/billing/payments"
	"github.com/sproutlyapp/sproutly/internal/billing/store"
	"github.com/sproutlyapp/sproutly/internal/billing/tax"
	"github.com/sproutlyapp/sproutly/internal/billing/trialvalue"
	"github.com/sproutlyapp/sproutly/internal/email"
	sharedmw "github.com/sproutlyapp/sproutly/internal/middleware"
)

type Config struct {
	Stripe           payments.StripeConfig
	Archive          archive.Config
	APIKey           string // bearer token for service-to-service calls
	EntitlementKey   []byte // HMAC secret for entitlement tokens
	EntitlementTTL   time.Duration
	EmailClient      *email.Client
	DirectoryBaseURL string
	DirectoryToken   string
	TickInterval     time.Duration
}

type Server struct {
	db          *sql.DB
	cfg         Config
	service     *lifecycle.Service
	scheduler   *lifecycle.Scheduler
	archiver    *archive.Archiver
	hub         *events.Hub
	tracker     *trialvalue.Tracker
	rateLimiter *sharedmw.RateLimiter
	logger      *slog.Logger

	subscriptionH *handler.SubscriptionHandler
	trialH        *handler.TrialHandler
	taxH          *handler.TaxHandler
	webhookH      *handler.WebhookHandler
	entitlementH  *handler.EntitlementHandler
	opsH          *handler.OpsHandler
}

func New(db *sql.DB, cfg Config, logger *slog.Logger) *Server {
	subs := store.NewSubscriptionStore(db)
	trials := store.NewTrialStore(db)
	records := store.NewBillingRecordStore(db)
	accessStore := store.NewFeatureAccessStore(db)
	taxRates := store.NewTaxRateStore(db)
	webhookEvents := store.NewWebhookEventStore(db)
	audit := store.NewSubscriptionEventStore(db)
	retries := store.NewPaymentRetryStore(db)
	archiveRuns := store.NewArchiveRunStore(db)

	processor := payments.NewStripeProcessor(cfg.Stripe)
	coordinator := payments.NewCoordinator(processor, records, webhookEvents, logger.With("component", "payments"))
	taxEngine := tax.New(taxRates)
	synchronizer := access.NewSynchronizer(accessStore)
	hub := events.NewHub(logger.With("component", "events"))

	opts := []lifecycle.Option{lifecycle.WithPublisher(hub)}
	if cfg.EmailClient != nil && cfg.EmailClient.Configured() && cfg.DirectoryBaseURL != "" {
		directory := email.NewHTTPDirectory(cfg.DirectoryBaseURL, cfg.DirectoryToken)
		opts = append(opts, lifecycle.WithMailer(email.NewNotifier(cfg.EmailClient, directory)))
	}

	service := lifecycle.New(
		subs, trials, records, audit, retries,
		taxEngine, coordinator, synchronizer,
		logger.With("component", "lifecycle"),
		opts...,
	)

	ttl := cfg.EntitlementTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	minter := access.NewMinter(cfg.EntitlementKey, ttl)
	tracker := trialvalue.NewTracker(trials, logger.With("component", "trialvalue"))
	archiver := archive.New(cfg.Archive, records, archiveRuns, logger.With("component", "archive"))

	return &Server{
		db:            db,
		cfg:           cfg,
		service:       service,
		scheduler:     lifecycle.NewScheduler(service, cfg.TickInterval),
		archiver:      archiver,
		hub:           hub,
		tracker:       tracker,
		rateLimiter:   sharedmw.NewRateLimiter(),
		logger:        logger,
		subscriptionH: handler.NewSubscriptionHandler(service, accessStore, logger.With("component", "subscription")),
		trialH:        handler.NewTrialHandler(tracker, logger.With("component", "trial")),
		taxH:          handler.NewTaxHandler(taxEngine, taxRates, logger.With("component", "tax")),
		webhookH:      handler.NewWebhookHandler(coordinator, service, logger.With("component", "webhook")),
		entitlementH:  handler.NewEntitlementHandler(service, minter, logger.With("component", "entitlements")),
		opsH:          handler.NewOpsHandler(archiver, logger.With("component", "ops")),
	}
}

// Service exposes the lifecycle for tests and tooling.
func (s *Server) Service() *lifecycle.Service { return s.service }

// Scheduler returns the lifecycle scheduler so main can start and stop it.
func (s *Server) Scheduler() *lifecycle.Scheduler { return s.scheduler }

// Archiver returns the ledger archiver so main can start and stop it.
func (s *Server) Archiver() *archive.Archiver { return s.archiver }

// RateLimiter returns the rate limiter for cleanup tasks.
func (s *Server) RateLimiter() *sharedmw.RateLimiter { return s.rateLimiter }

func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthCheck)

	// Processor webhook: authenticated by signature, not API key.
	mux.HandleFunc("POST /webhooks/payments", s.webhookH.HandleProcessorWebhook)

	// Everything else is service-to-service, API-key protected.
	authMw := sharedmw.RequireAPIKey(s.cfg.APIKey)
	protected := func(h http.HandlerFunc) http.Handler { return authMw(h) }

	mux.Handle("POST /api/v1/users/{userID}/trial", protected(s.subscriptionH.StartTrial))
	mux.Handle("GET /api/v1/users/{userID}/trial", protected(s.trialH.Progress))
	mux.Handle("POST /api/v1/users/{userID}/trial/usage", protected(s.trialH.RecordUsage))
	mux.Handle("POST /api/v1/users/{userID}/convert", protected(s.subscriptionH.Convert))
	mux.Handle("POST /api/v1/users/{userID}/plan", protected(s.subscriptionH.ChangePlan))
	mux.Handle("POST /api/v1/users/{userID}/cancel", protected(s.subscriptionH.Cancel))
	mux.Handle("GET /api/v1/users/{userID}/subscription", protected(s.subscriptionH.Status))
	mux.Handle("GET /api/v1/users/{userID}/history", protected(s.subscriptionH.History))
	mux.Handle("POST /api/v1/users/{userID}/entitlements/token", protected(s.entitlementH.IssueToken))
	mux.Handle("GET /api/v1/users/{userID}/events", protected(events.HandleWebSocket(s.hub, s.logger)))

	mux.Handle("POST /api/v1/entitlements/verify", protected(s.entitlementH.VerifyToken))

	// Tax quoting is rate-limited per client IP on top of the API key.
	rateLimitMw := sharedmw.RateLimit(s.rateLimiter, func(r *http.Request) string {
		return sharedmw.RealIP(r)
	}, 60, time.Minute)
	mux.Handle("POST /api/v1/tax/calculate", authMw(rateLimitMw(http.HandlerFunc(s.taxH.Calculate))))
	mux.Handle("GET /api/v1/tax/jurisdictions", protected(s.taxH.Jurisdictions))

	mux.Handle("GET /api/v1/ops/archive", protected(s.opsH.ArchiveStatus))
	mux.Handle("POST /api/v1/ops/archive", protected(s.opsH.RunArchive))

	return sharedmw.RequestLogger(s.logger)(mux)
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
