// Command broker runs the custodial trading backend: the balance ledger,
// the order settlement orchestrator, the exchange gateway and the
// reconciliation worker.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/litebittech/broker/internal/config"
	"github.com/litebittech/broker/internal/database"
	"github.com/litebittech/broker/internal/exchange"
	"github.com/litebittech/broker/internal/ledger"
	"github.com/litebittech/broker/internal/messaging"
	"github.com/litebittech/broker/internal/settlement"
	"github.com/litebittech/broker/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	metricsAddr := flag.String("metrics-addr", ":9100", "prometheus metrics listen address")
	flag.Parse()

	if err := run(*configPath, *metricsAddr); err != nil {
		fmt.Fprintf(os.Stderr, "broker: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, metricsAddr string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, err := logger.NewLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	db, err := database.Connect(cfg.Database, log)
	if err != nil {
		return err
	}

	// The breaker state lives in redis so every instance sees the same
	// venue health.
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	pingErr := redisClient.Ping(ctx).Err()
	cancel()

	var breakerStore exchange.BreakerStore
	if pingErr != nil {
		log.Warn("redis unavailable, using in-process breaker state",
			zap.String("address", cfg.Redis.Address), zap.Error(pingErr))
		breakerStore = exchange.NewMemoryStore()
	} else {
		breakerStore = exchange.NewRedisStore(redisClient)
	}

	primary, err := buildVenue(cfg.Gateway, cfg.Gateway.PrimaryVenue)
	if err != nil {
		return fmt.Errorf("primary venue: %w", err)
	}
	var secondary exchange.Venue
	if cfg.Gateway.SecondaryVenue != "" {
		secondary, err = buildVenue(cfg.Gateway, cfg.Gateway.SecondaryVenue)
		if err != nil {
			return fmt.Errorf("secondary venue: %w", err)
		}
	}

	gateway := exchange.NewGateway(primary, secondary, breakerStore, exchange.GatewayConfig{
		MaxRetries:         cfg.Gateway.MaxRetries,
		RetryBaseDelay:     cfg.Gateway.RetryBaseDelay,
		BreakerMaxFailures: cfg.Gateway.BreakerMaxFails,
		BreakerResetWindow: cfg.Gateway.BreakerReset,
	}, log.Named("gateway"))

	var events messaging.Publisher = messaging.NopPublisher{}
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaPub := messaging.NewKafkaPublisher(messaging.KafkaConfig{
			Brokers:      cfg.Kafka.Brokers,
			TopicPrefix:  cfg.Kafka.TopicPrefix,
			WriteTimeout: cfg.Kafka.WriteTimeout,
		}, log.Named("events"))
		defer kafkaPub.Close()
		events = kafkaPub
	}

	ledgerSvc := ledger.NewService(db, log.Named("ledger"))
	orchestrator := settlement.NewOrchestrator(db, ledgerSvc, gateway, events, log.Named("settlement"))
	reconciler := settlement.NewReconciler(db, orchestrator, gateway, settlement.ReconcilerConfig{
		Interval:    cfg.Reconciler.Interval,
		GracePeriod: cfg.Reconciler.GracePeriod,
		BatchSize:   cfg.Reconciler.BatchSize,
	}, log.Named("reconciler"))

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go reconciler.Run(rootCtx)

	metricsSrv := &http.Server{
		Addr:    metricsAddr,
		Handler: promhttp.Handler(),
	}
	go func() {
		log.Info("metrics server listening", zap.String("addr", metricsAddr))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server failed", zap.Error(err))
		}
	}()

	log.Info("broker started",
		zap.String("primary_venue", cfg.Gateway.PrimaryVenue),
		zap.String("secondary_venue", cfg.Gateway.SecondaryVenue))

	<-rootCtx.Done()
	log.Info("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("metrics server shutdown", zap.Error(err))
	}
	return nil
}

func buildVenue(cfg config.GatewayConfig, name string) (exchange.Venue, error) {
	vc, ok := cfg.Venues[name]
	if !ok {
		return nil, fmt.Errorf("no credentials configured for venue %q", name)
	}
	return exchange.NewVenue(exchange.VenueName(name), exchange.VenueCredentials{
		APIKey:     vc.APIKey,
		APISecret:  vc.APISecret,
		Passphrase: vc.Passphrase,
		BaseURL:    vc.BaseURL,
		Timeout:    vc.Timeout,
	})
}
