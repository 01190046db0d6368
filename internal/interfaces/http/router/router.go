package router

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/turtacn/jwksverify/internal/config"
	"github.com/turtacn/jwksverify/internal/infrastructure/monitoring"
	"github.com/turtacn/jwksverify/internal/interfaces/http/handlers"
	"github.com/turtacn/jwksverify/internal/interfaces/http/middleware"
	"github.com/turtacn/jwksverify/pkg/constants"
	"github.com/turtacn/jwksverify/pkg/logger"
)

const shutdownTimeout = 30 * time.Second

// Router is the HTTP front of the verification service.
type Router struct {
	engine         *gin.Engine
	config         *config.ServerConfig
	logger         logger.Logger
	healthHandler  *handlers.HealthHandler
	verifyHandler  *handlers.VerifyHandler
	authMiddleware gin.HandlerFunc
	gatherer       prometheus.Gatherer
	metrics        *monitoring.Metrics
	tracer         trace.Tracer
	server         *http.Server
}

// Deps are the collaborators the router serves.
type Deps struct {
	Health   *handlers.HealthHandler
	Verify   *handlers.VerifyHandler
	Auth     gin.HandlerFunc
	Gatherer prometheus.Gatherer
	Metrics  *monitoring.Metrics
	Tracer   trace.Tracer
}

// NewRouter creates the router and registers every route.
func NewRouter(cfg *config.ServerConfig, log logger.Logger, deps Deps) *Router {
	gin.SetMode(gin.ReleaseMode)

	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	if deps.Tracer == nil {
		deps.Tracer = monitoring.Tracer()
	}

	r := &Router{
		engine:         gin.New(),
		config:         cfg,
		logger:         log.WithComponent("HTTPRouter"),
		healthHandler:  deps.Health,
		verifyHandler:  deps.Verify,
		authMiddleware: deps.Auth,
		gatherer:       deps.Gatherer,
		metrics:        deps.Metrics,
		tracer:         deps.Tracer,
	}
	r.setupRoutes()
	return r
}

func (r *Router) setupRoutes() {
	r.engine.Use(gin.Recovery())
	r.engine.Use(middleware.RequestID())
	r.engine.Use(middleware.Observability(r.tracer, r.metrics))

	if len(r.config.CORSOrigins) > 0 {
		r.engine.Use(cors.New(cors.Config{
			AllowOrigins:  r.config.CORSOrigins,
			AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", constants.RequestIDHeader},
			ExposeHeaders: []string{constants.RequestIDHeader, "WWW-Authenticate"},
			MaxAge:        12 * time.Hour,
		}))
	}

	r.engine.GET("/health/live", r.healthHandler.LivenessCheck)
	r.engine.GET("/health/ready", r.healthHandler.ReadinessCheck)

	r.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})))

	if r.config.PprofEnabled {
		pprof.Register(r.engine)
	}

	v1 := r.engine.Group("/api/v1")
	v1.Use(r.authMiddleware)
	{
		v1.GET("/claims", r.verifyHandler.GetClaims)
		v1.POST("/verify", r.verifyHandler.VerifyToken)
	}

	r.engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":             "not_found",
			"error_description": "The requested resource was not found",
		})
	})
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (r *Router) Run(ctx context.Context) error {
	addr := net.JoinHostPort(r.config.Host, fmt.Sprint(r.config.Port))
	r.server = &http.Server{
		Addr:           addr,
		Handler:        r.engine,
		ReadTimeout:    r.config.ReadTimeout,
		WriteTimeout:   r.config.WriteTimeout,
		MaxHeaderBytes: 1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		r.logger.Info(ctx, "Starting HTTP server", logger.String("address", addr))
		if err := r.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	r.logger.Info(context.Background(), "Shutting down HTTP server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := r.server.Shutdown(shutdownCtx); err != nil {
		r.logger.Error(context.Background(), "Server forced to shutdown", err)
		return err
	}
	r.logger.Info(context.Background(), "HTTP server stopped")
	return nil
}

func (r *Router) Engine() *gin.Engine {
	return r.engine
}
