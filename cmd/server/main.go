// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/PaulBabatuyi/SensorCollector/internal/config"
	"github.com/PaulBabatuyi/SensorCollector/internal/database"
	"github.com/PaulBabatuyi/SensorCollector/internal/geo"
	"github.com/PaulBabatuyi/SensorCollector/internal/middleware"
	"github.com/PaulBabatuyi/SensorCollector/internal/observability"
	"github.com/PaulBabatuyi/SensorCollector/internal/server"
	"github.com/PaulBabatuyi/SensorCollector/internal/service"
	"github.com/PaulBabatuyi/SensorCollector/internal/storage"
	"github.com/PaulBabatuyi/SensorCollector/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := observability.InitLogger(cfg.Logging.Development, cfg.Logging.File)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Observability
	metrics, err := observability.InitMetrics()
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	var traceOut io.Writer
	if cfg.Tracing.Stdout {
		traceOut = os.Stdout
	}
	tracerProvider, err := observability.InitTracerProvider(traceOut, logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	// 2. Create dependencies
	store, err := storage.NewFilesystemStorage(cfg.Upload.Dir, cfg.Upload.TempDir)
	if err != nil {
		return err
	}
	auth := middleware.NewAuthenticator(cfg.Auth.APIKey)

	receiverOpts := []service.Option{service.WithMetrics(metrics)}
	var ledger server.UploadLedger
	if cfg.Database.URL != "" {
		db, err := database.NewPostgresDB(ctx, cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer db.Close()
		if err := db.EnsureSchema(ctx); err != nil {
			return err
		}
		receiverOpts = append(receiverOpts, service.WithLedger(db))
		ledger = db
		logger.Info("upload ledger enabled")
	}

	receiver := service.NewReceiver(auth, store, logger.Named("upload"), service.Config{
		ChunkSize:     cfg.Upload.ChunkSize,
		MaxConcurrent: cfg.Upload.MaxConcurrent,
		VerifyFormat:  cfg.Upload.VerifyFormat,
	}, receiverOpts...)

	lookup := geo.NewIPLocateClient(geo.ClientConfig{
		Endpoint: cfg.Geo.Endpoint,
		Timeout:  cfg.Geo.Timeout,
		APIKey:   cfg.Geo.APIKey,
	})
	cache := geo.NewCache(lookup, time.Now(),
		geo.WithEpoch(cfg.Geo.Epoch),
		geo.WithCacheLogger(logger.Named("geo")),
		geo.WithCacheMetrics(metrics),
	)

	sweeper := worker.NewSweeper(&worker.SweeperConfig{
		Storage:      store,
		Logger:       logger.Named("sweeper"),
		PollInterval: cfg.Sweeper.Interval,
		StaleAfter:   cfg.Sweeper.StaleAfter,
	})
	sweeper.Start(ctx)
	defer sweeper.Stop()

	// 3. Metrics side port
	var metricsSrv *http.Server
	if addr := cfg.Server.MetricsAddr(); addr != "" {
		metricsSrv = observability.NewMetricsServer(addr, metrics)
		observability.StartMetricsServer(metricsSrv, logger)
	}

	errCh := make(chan error, 2)

	// 4. HTTP API
	var httpSrv *http.Server
	if cfg.Server.HTTPAddr != "" {
		httpSrv = &http.Server{
			Addr: cfg.Server.HTTPAddr,
			Handler: server.NewRouter(server.HTTPConfig{
				Auth:       auth,
				Receiver:   receiver,
				Geo:        cache,
				Ledger:     ledger,
				Samples:    store,
				Logger:     logger.Named("http"),
				LogFile:    cfg.Logging.File,
				RateLimit:  cfg.Geo.RateLimit,
				RateWindow: cfg.Geo.RateWindow,
			}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("HTTP server listening", zap.String("addr", httpSrv.Addr))
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http server: %w", err)
			}
		}()
	}

	// 5. gRPC API
	var grpcServer *grpc.Server
	if cfg.Server.GRPCAddr != "" {
		chain := middleware.ChainConfig{
			Auth:    auth,
			Logger:  logger.Named("grpc"),
			Metrics: metrics.GetServerMetrics(),
		}
		if tracerProvider != nil {
			chain.TracerProvider = tracerProvider
		}
		grpcServer = grpc.NewServer(middleware.ServerOptions(chain)...)
		server.RegisterIngestServiceServer(grpcServer, server.NewIngestServer(receiver, cache, logger.Named("grpc")))
		metrics.GetServerMetrics().InitializeMetrics(grpcServer)

		lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", cfg.Server.GRPCAddr, err)
		}
		go func() {
			logger.Info("gRPC server listening", zap.String("addr", cfg.Server.GRPCAddr))
			if err := grpcServer.Serve(lis); err != nil {
				errCh <- fmt.Errorf("grpc server: %w", err)
			}
		}()
	}

	logger.Info("collector started",
		zap.Bool("durable_uploads", store.Durable()),
		zap.Bool("ledger", ledger != nil),
		zap.Duration("geo_epoch", cfg.Geo.Epoch),
	)

	// 6. Wait for a signal or a server failure
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		logger.Error("server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if httpSrv != nil {
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP shutdown incomplete", zap.Error(err))
		}
	}
	if grpcServer != nil {
		stopped := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-shutdownCtx.Done():
			grpcServer.Stop()
		}
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	observability.ShutdownTracerProvider(shutdownCtx, tracerProvider, logger)

	logger.Info("collector stopped")
	return nil
}
