package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/go-chi/chi/v5"

	"github.com/jesushernandez976/accesscodepro-blog/internal/account"
	"github.com/jesushernandez976/accesscodepro-blog/internal/config"
	"github.com/jesushernandez976/accesscodepro-blog/internal/httpapi"
	sharedauth "github.com/jesushernandez976/accesscodepro-blog/internal/shared/auth"
	"github.com/jesushernandez976/accesscodepro-blog/internal/shared/logging"
	sharedserver "github.com/jesushernandez976/accesscodepro-blog/internal/shared/server"
	"github.com/jesushernandez976/accesscodepro-blog/internal/webhook"
)

const (
	serviceName     = "blog-account-sync"
	startupSweepCap = 2 * time.Minute
)

var version = "dev"

func main() {
	ctx := context.Background()
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Errorf("config error: %w", err))
	}

	logger := logging.NewLogger(serviceName, cfg.LogLevel)
	slog.SetDefault(logger)

	repo, cleanup, err := newRepository(ctx, cfg)
	if err != nil {
		panic(fmt.Errorf("repository init error: %w", err))
	}
	defer cleanup()

	accounts, err := account.NewService(repo, account.NewSystemClock(), account.NewUUIDGenerator())
	if err != nil {
		panic(fmt.Errorf("account service init error: %w", err))
	}

	webhookVerifier, err := webhook.NewVerifier(webhook.Config{Mode: cfg.Webhook.Mode, Secret: cfg.Webhook.Secret})
	if err != nil {
		panic(fmt.Errorf("webhook verifier error: %w", err))
	}
	dispatcher, err := webhook.NewDispatcher(accounts, logger)
	if err != nil {
		panic(fmt.Errorf("webhook dispatcher init error: %w", err))
	}

	authVerifier, err := sharedauth.NewVerifier(sharedauth.Config{
		Mode:     cfg.Auth.Mode,
		JWKSURL:  cfg.Auth.JWKSURL,
		Audience: cfg.Auth.Audience,
		Issuer:   cfg.Auth.Issuer,
	})
	if err != nil {
		panic(fmt.Errorf("auth verifier error: %w", err))
	}

	if cfg.RecoverOnStart {
		resumePendingTeardowns(ctx, accounts, logger)
	}

	router := sharedserver.NewRouter(sharedserver.Options{Service: serviceName, Version: version}, func(r chi.Router) {
		httpapi.RegisterWebhookRoutes(r, webhookVerifier, dispatcher, logger)

		r.Group(func(r chi.Router) {
			r.Use(sharedauth.Middleware(authVerifier))
			httpapi.RegisterUserRoutes(r, accounts, logger)

			r.Group(func(r chi.Router) {
				r.Use(sharedauth.RequireSubjects(cfg.AdminUserIDs))
				httpapi.RegisterAdminRoutes(r, accounts, logger)
			})
		})
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Info("account sync configured",
		slog.String("datastore", string(cfg.DataStore)),
		slog.String("webhookMode", string(cfg.Webhook.Mode)),
		slog.String("authMode", string(cfg.Auth.Mode)),
	)

	if err := sharedserver.Run(ctx, srv, logger); err != nil && !errors.Is(err, http.ErrServerClosed) {
		panic(err)
	}
}

func resumePendingTeardowns(ctx context.Context, accounts *account.Service, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(ctx, startupSweepCap)
	defer cancel()

	report, err := accounts.ResumeTeardowns(ctx, 0)
	if err != nil {
		logger.Error("startup teardown recovery failed", slog.String("error", err.Error()))
		return
	}
	for _, failure := range report.Failed {
		logger.Warn("teardown still incomplete", slog.String("externalId", failure.ExternalID), slog.String("error", failure.Error))
	}
	logger.Info("startup teardown recovery finished",
		slog.Int("attempted", report.Attempted),
		slog.Int("completed", len(report.Completed)),
	)
}

func newRepository(ctx context.Context, cfg config.Config) (account.Repository, func(), error) {
	switch cfg.DataStore {
	case config.DataStoreFirestore:
		if cfg.Firestore.EmulatorHost != "" {
			if err := os.Setenv("FIRESTORE_EMULATOR_HOST", cfg.Firestore.EmulatorHost); err != nil {
				return nil, nil, fmt.Errorf("set FIRESTORE_EMULATOR_HOST: %w", err)
			}
		}

		client, err := firestore.NewClient(ctx, cfg.GCPProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("firestore client: %w", err)
		}
		return account.NewFirestoreRepository(client), func() { _ = client.Close() }, nil
	case config.DataStoreBadger:
		db, err := account.OpenBadger(cfg.Badger.Path)
		if err != nil {
			return nil, nil, err
		}
		return account.NewBadgerRepository(db), func() { _ = db.Close() }, nil
	case config.DataStoreSQLite:
		db, err := account.OpenSQLite(ctx, cfg.SQLite.Path)
		if err != nil {
			return nil, nil, err
		}
		return account.NewSQLiteRepository(db), func() { _ = db.Close() }, nil
	default:
		return account.NewMemoryRepository(), func() {}, nil
	}
}
