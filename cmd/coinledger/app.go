package main

import (
	"context"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/coinledger/internal/database"
	"github.com/MarkoPoloResearchLab/coinledger/internal/events"
	"github.com/MarkoPoloResearchLab/coinledger/internal/logging"
	"github.com/MarkoPoloResearchLab/coinledger/internal/metrics"
	"github.com/MarkoPoloResearchLab/coinledger/internal/tracing"
	"github.com/MarkoPoloResearchLab/coinledger/pkg/billing"
	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/coinledger/pkg/pricing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// application holds everything a command needs once the database is open.
type application struct {
	logger     *zap.Logger
	connection *database.Connection
	registry   *prometheus.Registry
	redis      *redis.Client
	service    *ledger.Service
	rates      *pricing.RateTable
	shutdown   tracing.ShutdownFunc
}

func openApplication(ctx context.Context, cfg *runtimeConfig) (*application, error) {
	logger, err := newLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, fmt.Errorf("logger init: %w", err)
	}
	app := &application{logger: logger, registry: prometheus.NewRegistry()}

	app.shutdown, err = tracing.Init(ctx, tracing.Config{
		ServiceName: "coinledger",
		Endpoint:    cfg.OTLPEndpoint,
		SampleRate:  cfg.TraceSampleRate,
	})
	if err != nil {
		app.close()
		return nil, fmt.Errorf("tracing init: %w", err)
	}

	if cfg.RatesFile != "" {
		table, err := pricing.LoadRateTable(cfg.RatesFile)
		if err != nil {
			app.close()
			return nil, err
		}
		app.rates = &table
	}

	app.connection, err = database.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		app.close()
		return nil, fmt.Errorf("database open: %w", err)
	}
	if app.connection.Driver == database.DriverSQLite {
		if err := app.connection.Migrate(ctx); err != nil {
			app.close()
			return nil, err
		}
	}

	options := []ledger.ServiceOption{
		ledger.WithOperationLogger(logging.NewOperationLogger(logger)),
		ledger.WithMetricsRecorder(metrics.NewRecorder(app.registry)),
		ledger.WithRetryPolicy(ledger.RetryPolicy{MaxAttempts: cfg.RetryMaxAttempts, Delay: cfg.RetryDelay}),
	}
	if cfg.RedisAddr != "" {
		app.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		publisher, err := events.NewPublisher(app.redis, events.WithStream(cfg.RedisStream), events.WithLogger(logger))
		if err != nil {
			app.close()
			return nil, err
		}
		options = append(options, ledger.WithOperationLogger(publisher))
	}

	clock := func() int64 { return time.Now().UTC().Unix() }
	app.service, err = ledger.NewService(app.connection.LedgerStore(), clock, options...)
	if err != nil {
		app.close()
		return nil, fmt.Errorf("ledger service init: %w", err)
	}
	return app, nil
}

func (app *application) meter() (*billing.Meter, error) {
	if app.rates == nil {
		return nil, fmt.Errorf("--%s is required", flagRatesFile)
	}
	return billing.NewMeter(app.service, *app.rates, billing.WithLogger(app.logger))
}

func (app *application) close() {
	if app.shutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := app.shutdown(ctx); err != nil {
			app.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
		cancel()
	}
	if app.redis != nil {
		if err := app.redis.Close(); err != nil {
			app.logger.Warn("redis close failed", zap.Error(err))
		}
	}
	if app.connection != nil {
		if err := app.connection.Close(); err != nil {
			app.logger.Warn("database close failed", zap.Error(err))
		}
	}
	_ = app.logger.Sync()
}

func newLogger(level string, format string) (*zap.Logger, error) {
	parsedLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	config := zap.NewProductionConfig()
	if format == "console" {
		config = zap.NewDevelopmentConfig()
	}
	config.Level = zap.NewAtomicLevelAt(parsedLevel)
	config.OutputPaths = []string{"stderr"}
	config.ErrorOutputPaths = []string{"stderr"}
	return config.Build()
}

type redisPinger struct {
	client *redis.Client
}

func (pinger redisPinger) Ping(ctx context.Context) error {
	return pinger.client.Ping(ctx).Err()
}
