package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ipeknurercan/mintelligence/account"
	"github.com/ipeknurercan/mintelligence/config"
	"github.com/ipeknurercan/mintelligence/identity"
	"github.com/ipeknurercan/mintelligence/issuance"
	"github.com/ipeknurercan/mintelligence/ledger"
	"github.com/ipeknurercan/mintelligence/logging"
	"github.com/ipeknurercan/mintelligence/metrics"
	"github.com/ipeknurercan/mintelligence/server"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file (defaults and environment are used when empty)")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewComponentLogger(logging.Options{
		Component:   cfg.Service.Name,
		Version:     cfg.Service.Version,
		Level:       cfg.Logging.Level,
		Environment: cfg.Logging.Environment,
	})
	if err != nil {
		panic("failed to initialize zap logger: " + err.Error())
	}
	defer logger.Sync()

	// The seed goes straight into the identity and is not kept anywhere else,
	// including the process environment.
	secret, err := cfg.TakeIssuerSecret()
	if err != nil {
		logger.Fatal("failed to read issuer identity", zap.String("secret_env", cfg.Issuer.SecretEnv), zap.Error(err))
	}
	issuer, err := identity.Load(secret)
	if err != nil {
		logger.Fatal("failed to load issuer identity",
			zap.String("secret_env", cfg.Issuer.SecretEnv),
			zap.Error(err))
	}

	trusted, err := cfg.TrustedProxies()
	if err != nil {
		logger.Fatal("invalid trusted proxies", zap.Error(err))
	}

	table := cfg.Table()
	collector := metrics.NewCollector()

	gateway := ledger.NewGateway(
		ledger.NewHorizonClients(table, cfg.RequestTimeout(), cfg.Service.Name),
		ledger.Options{
			Retry:            cfg.RetryPolicy(),
			BreakerThreshold: cfg.Ledger.BreakerThreshold,
			BreakerReset:     cfg.BreakerReset(),
			Metrics:          collector,
			Logger:           logger,
		})

	prober := account.NewProber(gateway, collector, logger)
	balances := account.NewBalanceReader(gateway, table, logger)

	submitter := issuance.NewSubmitter(gateway, issuer, table, issuance.SubmitterOptions{
		BaseFee: cfg.Transaction.BaseFee,
		Timeout: cfg.TxTimeout(),
	}, logger)
	sequencers := issuance.NewSequencers(table, submitter, cfg.Issuer.QueueSize, collector, logger)

	deps := issuance.Deps{
		Table:   table,
		Prober:  prober,
		Runner:  sequencers,
		Issuer:  issuer.Address(),
		Metrics: collector,
		Logger:  logger,
	}
	rewards := issuance.NewRewardIssuer(deps, cfg.Transaction.RewardMemo)
	certificates := issuance.NewCertificateIssuer(deps, issuance.CertificateOptions{
		CodePrefix: cfg.Certificate.CodePrefix,
		MemoPrefix: cfg.Certificate.MemoPrefix,
		HomeDomain: cfg.Issuer.HomeDomain,
	})

	srv := server.New(server.Options{
		Table:         table,
		Rewards:       rewards,
		Certificates:  certificates,
		Balances:      balances,
		Probes:        prober,
		Breakers:      gateway,
		Metrics:       collector,
		Issuer:        issuer.Address(),
		Version:       cfg.Service.Version,
		AllowedOrigin: cfg.Service.AllowedOrigin,
		Metadata: issuance.MetadataOptions{
			Platform:     cfg.Certificate.Platform,
			ImageBaseURL: cfg.Certificate.ImageBaseURL,
		},
		IssueRate:      cfg.Service.IssueRatePerSecond,
		IssueBurst:     cfg.Service.IssueBurst,
		TrustedProxies: trusted,
		Logger:         logger,
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Service.Port),
		Handler:      srv.Handler(),
		ReadTimeout:  time.Duration(cfg.Service.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.Service.WriteTimeoutSeconds) * time.Second,
	}

	go func() {
		logger.Info("starting issuer service",
			zap.String("addr", httpServer.Addr),
			zap.String("issuer", issuer.Address()),
			zap.String("environment", cfg.Logging.Environment))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("shutting down", zap.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()

	// Stop taking requests first, then let queued transactions reach their outcome.
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("http shutdown", zap.Error(err))
	}
	if err := sequencers.Close(ctx); err != nil {
		logger.Error("issuance queues did not drain before the deadline", zap.Error(err))
	}
	logger.Info("issuer service stopped")
}
