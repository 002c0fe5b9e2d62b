package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sproutlyapp/sproutly/internal/billing/archive"
	"github.com/sproutlyapp/sproutly/internal/billing/database"
	"github.com/sproutlyapp/sproutly/internal/billing/payments"
	"github.com/sproutlyapp/sproutly/internal/billing/server"
	"github.com/sproutlyapp/sproutly/internal/email"
	"github.com/sproutlyapp/sproutly/internal/logging"
)

func main() {
	logger := logging.Setup(os.Getenv("BILLING_LOG_LEVEL"))

	port := os.Getenv("BILLING_PORT")
	if port == "" {
		port = "8090"
	}

	dbPath := os.Getenv("BILLING_DB_PATH")
	if dbPath == "" {
		dbPath = "billing.db"
	}

	db, err := database.Open(dbPath)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	emailClient := email.NewClient(os.Getenv("BILLING_POSTMARK_TOKEN"), os.Getenv("BILLING_FROM_EMAIL"))

	cfg := server.Config{
		Stripe: payments.StripeConfig{
			SecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
			WebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		},
		Archive: archive.Config{
			S3: archive.S3Config{
				Endpoint:  os.Getenv("BILLING_S3_ENDPOINT"),
				Bucket:    os.Getenv("BILLING_S3_BUCKET"),
				Region:    os.Getenv("BILLING_S3_REGION"),
				AccessKey: os.Getenv("BILLING_S3_ACCESS_KEY"),
				SecretKey: os.Getenv("BILLING_S3_SECRET_KEY"),
			},
			Passphrase: os.Getenv("BILLING_ARCHIVE_PASSPHRASE"),
		},
		APIKey:           os.Getenv("BILLING_API_KEY"),
		EntitlementKey:   []byte(os.Getenv("BILLING_ENTITLEMENT_SECRET")),
		EmailClient:      emailClient,
		DirectoryBaseURL: os.Getenv("BILLING_DIRECTORY_URL"),
		DirectoryToken:   os.Getenv("BILLING_DIRECTORY_TOKEN"),
	}

	srv := server.New(db, cfg, logger)

	httpServer := &http.Server{
		Addr:              ":" + port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	srv.Scheduler().Start(bgCtx)
	srv.Archiver().Start(bgCtx)

	// Rate-limiter housekeeping
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				srv.RateLimiter().Cleanup()
			case <-bgCtx.Done():
				return
			}
		}
	}()

	go func() {
		slog.Info("billing service starting", "addr", ":"+port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down")
	srv.Scheduler().Stop()
	srv.Archiver().Stop()
	bgCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}
