package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	envPrefix = "COINLEDGER"

	flagDatabaseURL      = "database-url"
	flagLogLevel         = "log-level"
	flagLogFormat        = "log-format"
	flagRatesFile        = "rates-file"
	flagRedisAddr        = "redis-addr"
	flagRedisStream      = "redis-stream"
	flagListenAddr       = "listen-addr"
	flagRetryMaxAttempts = "retry-max-attempts"
	flagRetryDelay       = "retry-delay"
	flagOTLPEndpoint     = "otlp-endpoint"
	flagTraceSampleRate  = "trace-sample-rate"

	defaultDatabaseURL      = "sqlite:///tmp/coinledger.db"
	defaultLogLevel         = "info"
	defaultLogFormat        = "json"
	defaultRedisStream      = "coinledger:events"
	defaultListenAddr       = ":9090"
	defaultRetryMaxAttempts = 30
	defaultRetryDelay       = time.Millisecond
	defaultTraceSampleRate  = 1.0
)

type runtimeConfig struct {
	DatabaseURL      string
	LogLevel         string
	LogFormat        string
	RatesFile        string
	RedisAddr        string
	RedisStream      string
	ListenAddr       string
	RetryMaxAttempts int
	RetryDelay       time.Duration
	OTLPEndpoint     string
	TraceSampleRate  float64
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "coinledger: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "coinledger",
		Short:         "Coin balance ledger with freeze, settle and refund",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
	}

	flags := cmd.PersistentFlags()
	flags.String(flagDatabaseURL, defaultDatabaseURL, "postgres:// URL, sqlite:// URL or SQLite file path")
	flags.String(flagLogLevel, defaultLogLevel, "log level (debug, info, warn, error)")
	flags.String(flagLogFormat, defaultLogFormat, "log format (json or console)")
	flags.String(flagRatesFile, "", "YAML model rate table")
	flags.String(flagRedisAddr, "", "Redis address for the ledger event stream (disabled when empty)")
	flags.String(flagRedisStream, defaultRedisStream, "Redis stream receiving ledger events")
	flags.String(flagListenAddr, defaultListenAddr, "ops server listen address")
	flags.Int(flagRetryMaxAttempts, defaultRetryMaxAttempts, "optimistic retry attempts per operation")
	flags.Duration(flagRetryDelay, defaultRetryDelay, "pause between optimistic retries")
	flags.String(flagOTLPEndpoint, "", "OTLP/gRPC collector endpoint for traces (disabled when empty)")
	flags.Float64(flagTraceSampleRate, defaultTraceSampleRate, "fraction of operations traced")

	cmd.AddCommand(
		newMigrateCommand(cfg),
		newAccountCommand(cfg),
		newBalanceCommand(cfg),
		newRechargeCommand(cfg),
		newRewardCommand(cfg),
		newAdjustCommand(cfg),
		newEntriesCommand(cfg),
		newRecordCommand(cfg),
		newFreezeCommand(cfg),
		newSettleCommand(cfg),
		newRefundCommand(cfg),
		newPenaltyCommand(cfg),
		newEstimateCommand(cfg),
		newServeCommand(cfg),
	)
	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	settings := viper.New()
	settings.SetEnvPrefix(envPrefix)
	settings.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	settings.AutomaticEnv()

	if err := settings.BindPFlags(cmd.Root().PersistentFlags()); err != nil {
		return err
	}

	cfg.DatabaseURL = strings.TrimSpace(settings.GetString(flagDatabaseURL))
	cfg.LogLevel = settings.GetString(flagLogLevel)
	cfg.LogFormat = settings.GetString(flagLogFormat)
	cfg.RatesFile = strings.TrimSpace(settings.GetString(flagRatesFile))
	cfg.RedisAddr = strings.TrimSpace(settings.GetString(flagRedisAddr))
	cfg.RedisStream = settings.GetString(flagRedisStream)
	cfg.ListenAddr = settings.GetString(flagListenAddr)
	cfg.RetryMaxAttempts = settings.GetInt(flagRetryMaxAttempts)
	cfg.RetryDelay = settings.GetDuration(flagRetryDelay)
	cfg.OTLPEndpoint = strings.TrimSpace(settings.GetString(flagOTLPEndpoint))
	cfg.TraceSampleRate = settings.GetFloat64(flagTraceSampleRate)

	if cfg.DatabaseURL == "" {
		return fmt.Errorf("database url is required")
	}
	if cfg.RetryMaxAttempts <= 0 {
		return fmt.Errorf("retry max attempts must be positive")
	}
	if cfg.RetryDelay < 0 {
		return fmt.Errorf("retry delay must not be negative")
	}
	switch cfg.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}
	return nil
}
