// Package opsserver exposes liveness, readiness and Prometheus metrics over HTTP.
package opsserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

const (
	serviceName       = "coinledger-ops"
	defaultListenAddr = ":9090"
	readinessTimeout  = 2 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// ReadinessChecker reports whether a dependency can serve traffic.
type ReadinessChecker interface {
	Ping(ctx context.Context) error
}

// Config wires the ops endpoints.
type Config struct {
	ListenAddr string
	Registry   *prometheus.Registry
	Checkers   map[string]ReadinessChecker
	Logger     *zap.Logger
}

// Validate fills defaults and rejects unusable settings.
func (cfg *Config) Validate() error {
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	for name, checker := range cfg.Checkers {
		if checker == nil {
			return fmt.Errorf("readiness checker %q is nil", name)
		}
	}
	return nil
}

// NewRouter builds the gin engine serving /healthz, /readyz and /metrics.
func NewRouter(cfg Config) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/readyz", func(ctx *gin.Context) {
		checkCtx, cancel := context.WithTimeout(ctx.Request.Context(), readinessTimeout)
		defer cancel()
		failures := gin.H{}
		for name, checker := range cfg.Checkers {
			if err := checker.Ping(checkCtx); err != nil {
				failures[name] = err.Error()
			}
		}
		if len(failures) > 0 {
			ctx.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "failures": failures})
			return
		}
		ctx.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	if cfg.Registry != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{})))
	}
	return router
}

// Run serves the ops endpoints until ctx is cancelled.
func Run(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := cfg.Logger
	gin.SetMode(gin.ReleaseMode)
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           NewRouter(cfg),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ops server listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
