package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/fivebest/settlement/internal/cache"
	"github.com/fivebest/settlement/internal/chain/solanarpc"
	"github.com/fivebest/settlement/internal/config"
	"github.com/fivebest/settlement/internal/grpcserver"
	"github.com/fivebest/settlement/internal/httpapi"
	"github.com/fivebest/settlement/internal/observability"
	"github.com/fivebest/settlement/internal/settlement"
	"github.com/fivebest/settlement/internal/store/gormstore"
	"github.com/fivebest/settlement/internal/store/migrations"
	"github.com/fivebest/settlement/pkg/cashout"
	"github.com/fivebest/settlement/pkg/ledger"
	"github.com/fivebest/settlement/pkg/payment"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const (
	probeDatabase = "database"
	probeChain    = "solana-rpc"
	probeRedis    = "redis"
)

func runServe(ctx context.Context, cfg config.Config) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = cleanup() }()
	if err := prepareSchema(gormDB, driver); err != nil {
		return err
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder, err := observability.NewOperationRecorder(logger, registry)
	if err != nil {
		return fmt.Errorf("metrics init: %w", err)
	}

	store := gormstore.New(gormDB)
	clock := func() int64 { return time.Now().UTC().Unix() }
	probes := map[string]grpcserver.Probe{probeDatabase: sqlDB.PingContext}

	chainClient, err := solanarpc.New(cfg.SolanaRPCURL, solanarpc.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("solana client init: %w", err)
	}
	probes[probeChain] = chainClient.Healthy
	var chain payment.ChainQuerier = chainClient
	if cfg.CacheEnabled() {
		redisClient, err := cache.Dial(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return err
		}
		defer func() { _ = redisClient.Close() }()
		probes[probeRedis] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
		chain, err = cache.NewNotFoundCache(chainClient, redisClient, cfg.NotFoundTTL, logger)
		if err != nil {
			return err
		}
	}

	verifier, err := payment.NewVerifier(chain, map[ledger.Currency]string{ledger.CurrencyUSDC: cfg.USDCMint}, payment.WithVerifierLogger(logger))
	if err != nil {
		return fmt.Errorf("verifier init: %w", err)
	}
	treasury, err := ledger.NewUserID(cfg.TreasuryUserID)
	if err != nil {
		return fmt.Errorf("treasury account: %w", err)
	}
	settler, err := payment.NewSettler(store, store, verifier, clock, payment.SettlerConfig{
		TreasuryUserID:    treasury,
		CollectionAddress: cfg.CollectionAddress,
	}, payment.WithSettlementLogger(recorder), payment.WithSettlerLogger(logger))
	if err != nil {
		return fmt.Errorf("settler init: %w", err)
	}
	poller := payment.NewPoller(settler,
		payment.WithPollInterval(cfg.PollInterval),
		payment.WithPollWindow(cfg.PollWindow),
		payment.WithPollerLogger(logger))

	ledgerService, err := ledger.NewService(store, clock, ledger.WithOperationLogger(recorder))
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}
	rates, err := cfg.CashoutRates()
	if err != nil {
		return err
	}
	minimum, err := ledger.NewPositiveAmount(cfg.CashoutMinimumGlory)
	if err != nil {
		return fmt.Errorf("cashout minimum: %w", err)
	}
	cashouts, err := cashout.NewService(store, clock, cashout.Config{MinimumGlory: minimum, Rates: rates}, cashout.WithTransitionLogger(recorder))
	if err != nil {
		return fmt.Errorf("cashout service init: %w", err)
	}

	if cfg.WorkerEnabled() {
		sender, err := solanarpc.NewPayoutSender(chainClient, cfg.PayoutKey, cfg.USDCMint)
		if err != nil {
			return err
		}
		worker, err := settlement.NewWorker(cashouts, sender, settlement.Config{Schedule: cfg.WorkerSchedule}, logger)
		if err != nil {
			return err
		}
		if err := worker.Start(); err != nil {
			return err
		}
		defer worker.Stop()
	} else {
		logger.Info("payout key not configured, approved cashouts wait for manual payment")
	}

	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return fmt.Errorf("session validator init: %w", err)
	}

	listener, err := net.Listen("tcp", cfg.GRPCListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	healthServer := grpcserver.New(probes, 0, logger)

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := make(chan error, 2)
	go func() {
		errCh <- healthServer.Serve(serveCtx, listener)
	}()
	go func() {
		errCh <- httpapi.Run(serveCtx, httpapi.Config{
			ListenAddr:      cfg.HTTPListenAddr,
			AllowedOrigins:  cfg.AllowedOrigins,
			ShutdownTimeout: cfg.ShutdownTimeout,
		}, httpapi.Dependencies{
			Ledger:    ledgerService,
			Settler:   settler,
			Poller:    poller,
			Cashouts:  cashouts,
			Validator: validator,
			Gatherer:  registry,
			Logger:    logger,
		})
	}()

	// The first server to return stops the other.
	firstErr := <-errCh
	cancel()
	logger.Info("shutdown requested")
	select {
	case secondErr := <-errCh:
		if firstErr == nil {
			firstErr = secondErr
		}
	case <-time.After(cfg.ShutdownTimeout):
		logger.Warn("shutdown timed out")
	}
	return firstErr
}

func runMigrate(ctx context.Context, out io.Writer, cfg config.Config) error {
	databaseURL := cfg.DatabaseURL
	if databaseURL == "" {
		databaseURL = config.DefaultDatabaseURL
	}
	gormDB, cleanup, driver, err := openDatabase(ctx, databaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = cleanup() }()
	if err := prepareSchema(gormDB, driver); err != nil {
		return err
	}
	if driver != driverPostgres {
		_, err := fmt.Fprintf(out, "%s schema migrated\n", driver)
		return err
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return err
	}
	version, dirty, err := migrations.Version(sqlDB)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "postgres schema at version %d (dirty=%t)\n", version, dirty)
	return err
}
