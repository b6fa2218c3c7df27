package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"escrowflow/auth"
	"escrowflow/config"
	"escrowflow/db"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/outbox"
	"escrowflow/ratelimit"
	"escrowflow/registry"
	"escrowflow/settlement"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	if err := run(context.Background(), *configPath, logger); err != nil {
		logger.Error("escrowflow stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string, logger *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger = logger.With("service", cfg.ServiceID)
	logger.Info("bootstrapping escrowflow", "http_port", cfg.HTTPPort, "grpc_port", cfg.GRPCPort)

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.MaxDBConns)
	if err != nil {
		return fmt.Errorf("bootstrap database pool: %w", err)
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	authService := auth.NewService(auth.NewRepository(pool), cfg.JWTSecret)
	if _, err := authService.EnsureAdmin(ctx, cfg.AdminEmail, cfg.AdminPassword); err != nil {
		return fmt.Errorf("bootstrap admin: %w", err)
	}

	registryService := registry.NewService(registry.NewRepository(pool), registry.Defaults{
		EscrowFeeBps:  cfg.EscrowFeeBps,
		DisputeFeeBps: cfg.DisputeFeeBps,
	})
	writer := outbox.NewWriter()

	escrowService := escrow.NewService(pool, escrow.NewRepository(pool), writer, registryService, registryService).
		WithPlatformAccount(cfg.PlatformAccount)
	limiter := ratelimit.Limiter{Max: cfg.MilestoneRateMax, Window: cfg.MilestoneRateWindow}
	switch cfg.RateLimitBackend {
	case config.BackendRedis:
		client, err := ratelimit.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		escrowService.WithLimiter(escrow.SharedLimiter(limiter.WithStore(ratelimit.NewRedisStore(client, cfg.MilestoneRateWindow))))
	default:
		escrowService.WithLimiter(escrow.TxLimiter(limiter))
	}

	bridge := settlement.NewBridge(escrowService)
	disputeService := dispute.NewService(pool, dispute.NewRepository(pool), writer, registryService, registryService).
		WithTimeout(cfg.DisputeTimeout).
		WithLogger(logger).
		WithSettlement(bridge, bridge)

	var publisher outbox.Publisher = outbox.NewLogPublisher(logger)
	if len(cfg.KafkaBrokers) > 0 {
		kafkaPublisher, err := outbox.NewKafkaPublisher(cfg.KafkaBrokers, cfg.TopicPrefix)
		if err != nil {
			return err
		}
		defer kafkaPublisher.Close()
		publisher = kafkaPublisher
	}
	relay := outbox.NewRelay(logger, outbox.NewPGStore(pool), publisher,
		cfg.OutboxPollInterval, cfg.OutboxBatchSize, cfg.OutboxMaxRetries)

	server := &Server{
		logger:          logger,
		authService:     authService,
		escrowService:   escrowService,
		disputeService:  disputeService,
		registryService: registryService,
	}
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           server.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	grpcServer := grpc.NewServer()
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPCPort))
	if err != nil {
		return fmt.Errorf("listen gRPC: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server started", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("grpc server started", "addr", lis.Addr().String())
		if err := grpcServer.Serve(lis); err != nil {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("outbox relay started")
		if err := relay.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("outbox relay: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")
		healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		grpcServer.GracefulStop()
		return nil
	})

	return g.Wait()
}
