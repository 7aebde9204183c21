package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"boroledger/config"
	"boroledger/core/anchor"
	"boroledger/core/expiry"
	"boroledger/core/guard"
	"boroledger/core/ledger"
	"boroledger/core/types"
	"boroledger/gateway"
	"boroledger/gateway/auth"
	"boroledger/gateway/middleware"
	"boroledger/observability/logging"
	"boroledger/storage"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "config.yaml", "path to boroledgerd configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("BOROLEDGER_ENV"))
	logger := logging.Setup("boroledgerd", env)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("boroledgerd: load config: %v", err)
	}

	dsn, err := storage.FileDSN(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("boroledgerd: resolve storage DSN: %v", err)
	}
	store, err := storage.Open(dsn)
	if err != nil {
		log.Fatalf("boroledgerd: open storage: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.EnsureDefaults(ctx); err != nil {
		log.Fatalf("boroledgerd: seed settings: %v", err)
	}
	if cfg.Seed {
		if err := store.EnsureSeed(ctx); err != nil {
			log.Fatalf("boroledgerd: seed demo data: %v", err)
		}
	}

	obs := middleware.NewObservability("boroledger", logger)
	gd := guard.New(guard.WithAlertHook(func(a types.Alert) {
		obs.RecordAlert(string(a.Kind))
	}))
	led := ledger.New(store, gd, ledger.WithLogger(logger))
	anchorSvc := anchor.NewService(store, anchor.WithLogger(logger))
	expiryEngine := expiry.NewEngine(store, led, expiry.WithLogger(logger))

	tokens, err := auth.NewIssuer([]byte(cfg.Auth.Secret), cfg.Auth.TokenTTL.Duration)
	if err != nil {
		log.Fatalf("boroledgerd: configure token issuer: %v", err)
	}
	qrSigner, err := auth.NewQRSigner([]byte(cfg.Auth.Secret))
	if err != nil {
		log.Fatalf("boroledgerd: configure qr signer: %v", err)
	}

	srv, err := gateway.New(gateway.Config{
		ListenAddress:     cfg.ListenAddress,
		ThrottlePerMinute: cfg.Throttle.RequestsPerMinute,
		ThrottleBurst:     cfg.Throttle.Burst,
	}, gateway.Deps{
		Store:  store,
		Ledger: led,
		Anchor: anchorSvc,
		Expiry: expiryEngine,
		Tokens: tokens,
		QR:     qrSigner,
		Obs:    obs,
		Logger: logger,
	})
	if err != nil {
		log.Fatalf("boroledgerd: server: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if interval := cfg.Anchor.Interval.Duration; interval > 0 {
		go runPeriodic(rootCtx, interval, func(ctx context.Context) {
			if _, err := anchorSvc.AnchorDay(ctx, ""); err != nil {
				logger.Error("periodic anchor failed", "err", err)
			}
		})
	}
	if interval := cfg.Expiry.Interval.Duration; interval > 0 {
		go runPeriodic(rootCtx, interval, func(ctx context.Context) {
			if _, err := expiryEngine.Run(ctx); err != nil {
				logger.Error("periodic expiry failed", "err", err)
			}
		})
	}

	if err := srv.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("http server error", "err", err)
		os.Exit(1)
	}
}

func runPeriodic(ctx context.Context, interval time.Duration, job func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			job(ctx)
		}
	}
}
