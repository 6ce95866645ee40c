package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/DoyleJ11/combat-tracker-backend/internal/config"
	"github.com/DoyleJ11/combat-tracker-backend/internal/dispatch"
	"github.com/DoyleJ11/combat-tracker-backend/internal/httpapi"
	"github.com/DoyleJ11/combat-tracker-backend/internal/hub"
	"github.com/DoyleJ11/combat-tracker-backend/internal/logging"
	"github.com/DoyleJ11/combat-tracker-backend/internal/reconcile"
	"github.com/DoyleJ11/combat-tracker-backend/internal/records"
	"github.com/DoyleJ11/combat-tracker-backend/internal/session"
	"github.com/DoyleJ11/combat-tracker-backend/internal/store"
	"github.com/DoyleJ11/combat-tracker-backend/internal/ws"
)

// characterRecords is everything the server needs from the campaign and
// character records.
type characterRecords interface {
	session.PasswordSource
	reconcile.Inventories
	dispatch.CharacterWriter
}

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		log.Fatal(err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func openBackend(cfg config.Config, logger *zap.Logger) (store.Store, characterRecords, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		db, err := store.OpenGorm(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		st, err := store.NewPostgres(db)
		if err != nil {
			return nil, nil, err
		}
		recs, err := records.NewGorm(db, cfg.MigrateRecords)
		if err != nil {
			return nil, nil, multierr.Append(err, st.Close())
		}
		return st, recs, nil

	case config.DriverBadger:
		st, err := store.OpenBadger(cfg.BadgerDir)
		if err != nil {
			return nil, nil, err
		}
		logger.Warn("badger store has no campaign records; using server defaults")
		return st, records.NewMemory(), nil

	default:
		logger.Warn("memory store: realtime state will not survive a restart")
		return store.NewMemory(), records.NewMemory(), nil
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	base, recs, err := openBackend(cfg, logger)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.StoreDriver, err)
	}
	st := store.WithBreaker(base, store.BreakerConfig{
		Name:             cfg.StoreDriver,
		FailureThreshold: cfg.BreakerFailures,
		Timeout:          cfg.BreakerTimeout,
	}, logger)

	// The hub gets its own lifetime so rooms outlive the signal until the
	// HTTP server has stopped accepting connections.
	h := hub.NewHub(context.Background(), st, logger)
	reg := session.NewRegistry(st, h, h, recs, session.Options{
		DefaultPassword: cfg.DMPassword,
		GracePeriod:     cfg.DMGracePeriod,
	}, logger)
	rec := reconcile.New(h, reg, recs, cfg.RosterRefreshInterval, logger)
	d := dispatch.New(h, reg, rec, recs, logger)

	if cfg.DMPassword == "" {
		logger.Warn("DM_PASSWORD is empty: only campaigns with their own DM password can be joined as DM")
	}

	wsHandler := ws.NewHandler(h, d, ws.Config{
		OriginPatterns: cfg.AllowedOrigins,
		RateLimit:      rate.Limit(cfg.ClientRateLimit),
		RateBurst:      cfg.ClientRateBurst,
	}, logger)

	handler := httpapi.SetupRoutes(httpapi.Deps{
		Hub:        h,
		Registry:   reg,
		Store:      st,
		WS:         wsHandler,
		StoreState: st.State,
		Log:        logger,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", cfg.Addr), zap.String("store", cfg.StoreDriver))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		err := srv.Shutdown(sctx)

		// Websockets are hijacked, so srv.Shutdown leaves them open. Their
		// deregistration writes must land before the store closes.
		err = multierr.Append(err, wsHandler.Shutdown(sctx))
		h.Shutdown()
		reg.Close()
		d.Wait()
		return multierr.Append(err, st.Close())
	})
	return g.Wait()
}

var (
	_ characterRecords = (*records.Gorm)(nil)
	_ characterRecords = (*records.Memory)(nil)
)
