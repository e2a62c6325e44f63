// Package app wires the auth state components together with explicit
// constructor injection; there is no process-global store handle.
package app

import (
	"context"
	"errors"
	"log/slog"

	"github.com/apparelcore/authstate/internal/cache"
	"github.com/apparelcore/authstate/internal/config"
	"github.com/apparelcore/authstate/internal/kv"
	"github.com/apparelcore/authstate/internal/lockout"
	"github.com/apparelcore/authstate/internal/observability"
	"github.com/apparelcore/authstate/internal/ratelimit"
	"github.com/apparelcore/authstate/internal/security"
	"github.com/apparelcore/authstate/internal/session"
	"github.com/apparelcore/authstate/internal/token"
)

type App struct {
	Config        *config.Config
	Logger        *slog.Logger
	Store         kv.Store
	Cache         *cache.Service
	Lockout       *lockout.Tracker
	Sessions      *session.Tracker
	Tokens        *token.Manager
	RateLimiter   *ratelimit.Limiter
	JWT           *security.JWTManager
	Observability *observability.Runtime

	sweeperCancel context.CancelFunc
}

// New builds the component graph. claims may be nil when the caller
// never rotates tokens (for example the ops CLI); rotation then fails
// closed.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, claims token.ClaimsProvider) (*App, error) {
	runtime, err := observability.InitRuntime(ctx, observability.MetricsConfig{
		Enabled:        cfg.OTELMetricsEnabled,
		Endpoint:       cfg.OTELExporterOTLPEndpoint,
		Insecure:       cfg.OTELExporterOTLPInsecure,
		ServiceName:    cfg.OTELServiceName,
		Environment:    cfg.OTELEnvironment,
		ExportInterval: cfg.OTELMetricsExportInterval,
	}, logger)
	if err != nil {
		return nil, err
	}

	store := connectStore(ctx, cfg, logger)
	cacheSvc := cache.New(store, cfg.KeyPrefix)

	signer := security.NewJWTManager(cfg.JWTIssuer, cfg.JWTAudience, cfg.JWTSecret)

	sessions := session.New(cacheSvc, session.Config{
		InactivityTimeout: cfg.SessionInactivityTimeout,
		AbsoluteTimeout:   cfg.SessionAbsoluteTimeout,
		WarningThreshold:  cfg.SessionWarningThreshold,
		SweepInterval:     cfg.SessionSweepInterval,
	}, logger)

	a := &App{
		Config: cfg,
		Logger: logger,
		Store:  store,
		Cache:  cacheSvc,
		Lockout: lockout.New(cacheSvc, lockout.Config{
			MaxAttempts:     cfg.LockoutMaxAttempts,
			AttemptWindow:   cfg.LockoutAttemptWindow,
			LockoutDuration: cfg.LockoutDuration,
		}, logger),
		Sessions: sessions,
		Tokens: token.New(cacheSvc, signer, claims, token.Config{
			AccessTokenTTL:    cfg.AccessTokenTTL,
			RefreshTokenTTL:   cfg.RefreshTokenTTL,
			RefreshTokenBytes: cfg.RefreshTokenBytes,
		}, logger),
		RateLimiter:   ratelimit.New(cacheSvc, logger),
		JWT:           signer,
		Observability: runtime,
	}

	sweepCtx, cancel := context.WithCancel(context.Background())
	a.sweeperCancel = cancel
	go session.NewSweeper(sessions, logger).Run(sweepCtx)

	return a, nil
}

// connectStore dials the configured store, falling back to the
// in-memory implementation when no URL is set or the store is
// unreachable. The rest of the system is unaffected by the substitution.
func connectStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) kv.Store {
	if cfg.StoreURL == "" {
		logger.Warn("no store URL configured, using in-memory fallback (single-process, non-persistent)")
		observability.RecordStoreFallback(ctx, "not_configured")
		return kv.NewMemoryStore()
	}
	store, err := kv.Connect(ctx, cfg.StoreURL)
	if err != nil {
		logger.Warn("store unreachable, using in-memory fallback (single-process, non-persistent)", "error", err.Error())
		observability.RecordStoreFallback(ctx, "unreachable")
		return kv.NewMemoryStore()
	}
	logger.Info("connected to key-value store")
	return store
}

func (a *App) Close(ctx context.Context) error {
	if a.sweeperCancel != nil {
		a.sweeperCancel()
	}
	var errs []error
	if err := a.Store.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := a.Observability.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
