package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/turtacn/jwksverify/internal/bootstrap"
	"github.com/turtacn/jwksverify/internal/config"
	"github.com/turtacn/jwksverify/internal/infrastructure/monitoring"
	grpcserver "github.com/turtacn/jwksverify/internal/interfaces/grpc"
	"github.com/turtacn/jwksverify/internal/interfaces/http/handlers"
	"github.com/turtacn/jwksverify/internal/interfaces/http/middleware"
	"github.com/turtacn/jwksverify/internal/interfaces/http/router"
	"github.com/turtacn/jwksverify/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to the config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		log.Fatalf("jwksverify server: %v", err)
	}
}

func run(configPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Logger for startup
	startupLogger, err := monitoring.NewZapLogger(&config.LogConfig{Level: "info"})
	if err != nil {
		return fmt.Errorf("failed to create startup logger: %w", err)
	}

	cfg, err := config.LoadConfig(configPath, startupLogger)
	if err != nil {
		return err
	}

	appLogger, err := monitoring.NewZapLogger(&cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer appLogger.Sync()

	if cfg.Server.AutoMaxProcs {
		undo, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...interface{}) {
			appLogger.Info(ctx, fmt.Sprintf(format, args...))
		}))
		if err != nil {
			return fmt.Errorf("failed to set maxprocs: %w", err)
		}
		defer undo()
	}

	if configPath != "" {
		config.WatchConfig(configPath, appLogger)
	}

	shutdownTracer, err := monitoring.InitTracer(&cfg.Tracing, appLogger)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(flushCtx); err != nil {
			appLogger.Warn(flushCtx, "tracer shutdown failed", logger.Error(err))
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := monitoring.NewMetrics(registry)

	components, err := bootstrap.Build(ctx, cfg, appLogger, metrics)
	if err != nil {
		return err
	}
	defer components.Close()

	healthHandler := handlers.NewHealthHandler(map[string]handlers.HealthCheck{
		"cache": components.Ping,
	}, appLogger)

	httpRouter := router.NewRouter(&cfg.Server, appLogger, router.Deps{
		Health:   healthHandler,
		Verify:   handlers.NewVerifyHandler(components.Verifier, appLogger),
		Auth:     middleware.RequireBearer(components.Verifier, appLogger),
		Gatherer: registry,
		Metrics:  metrics,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return httpRouter.Run(gctx)
	})

	if cfg.Server.GRPCPort > 0 {
		lis, err := net.Listen("tcp", net.JoinHostPort(cfg.Server.Host, fmt.Sprint(cfg.Server.GRPCPort)))
		if err != nil {
			return fmt.Errorf("failed to listen for gRPC: %w", err)
		}
		// health checks stay reachable without a token, like /health over HTTP
		grpcServer := grpcserver.NewServer(
			grpcserver.NewInterceptorChain(appLogger, components.Verifier, grpcserver.HealthMethods...),
			appLogger,
		)
		g.Go(func() error {
			return grpcServer.Serve(gctx, lis)
		})
	}

	err = g.Wait()
	appLogger.Info(context.Background(), "server stopped")
	return err
}
