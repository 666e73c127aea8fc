// Package database opens the ledger database and selects the store backend
// that matches its driver.
package database

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/MarkoPoloResearchLab/coinledger/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/coinledger/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	defaultSQLiteFile = "ledger.db"
	memoryPath        = ":memory:"
)

// ErrUnsupportedDriver is returned for DSNs that resolve to no known driver.
var ErrUnsupportedDriver = errors.New("database: unsupported driver")

// Connection owns the open database handles.
// Pool is set only for PostgreSQL, where the ledger runs on pgx directly.
type Connection struct {
	GORM   *gorm.DB
	Pool   *pgxpool.Pool
	Driver string
	logger *zap.Logger
}

// Open resolves dsn and connects. postgres:// and postgresql:// URLs select
// PostgreSQL; sqlite:// URLs and bare paths select SQLite.
func Open(ctx context.Context, dsn string, logger *zap.Logger) (*Connection, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, err
	}

	cfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)}
	connection := &Connection{Driver: driver, logger: logger}
	switch driver {
	case DriverPostgres:
		if connection.GORM, err = gorm.Open(postgres.Open(dsn), cfg); err != nil {
			return nil, fmt.Errorf("open gorm postgres: %w", err)
		}
		if connection.Pool, err = pgxpool.New(ctx, dsn); err != nil {
			_ = connection.closeGORM()
			return nil, fmt.Errorf("open pgx pool: %w", err)
		}
	case DriverSQLite:
		if connection.GORM, err = gorm.Open(sqlite.Open(sqlitePath), cfg); err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		sqlDB, err := connection.GORM.DB()
		if err != nil {
			return nil, err
		}
		// SQLite allows one writer; a single connection keeps transactions from
		// failing with SQLITE_BUSY under concurrent callers.
		sqlDB.SetMaxOpenConns(1)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
	}
	logger.Info("database opened", zap.String("driver", driver))
	return connection, nil
}

// Migrate creates the ledger schema for the active driver.
func (connection *Connection) Migrate(ctx context.Context) error {
	switch connection.Driver {
	case DriverPostgres:
		if err := pgstore.New(connection.Pool).EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	default:
		if err := gormstore.Migrate(connection.GORM.WithContext(ctx)); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
	}
	connection.logger.Info("schema ready", zap.String("driver", connection.Driver))
	return nil
}

// LedgerStore returns the ledger.Store implementation for the active driver.
func (connection *Connection) LedgerStore() ledger.Store {
	if connection.Driver == DriverPostgres {
		return pgstore.New(connection.Pool)
	}
	return gormstore.New(connection.GORM)
}

// Ping checks that the database answers.
func (connection *Connection) Ping(ctx context.Context) error {
	if connection.Pool != nil {
		return connection.Pool.Ping(ctx)
	}
	sqlDB, err := connection.GORM.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases every handle.
func (connection *Connection) Close() error {
	if connection.Pool != nil {
		connection.Pool.Close()
	}
	return connection.closeGORM()
}

func (connection *Connection) closeGORM() error {
	if connection.GORM == nil {
		return nil
	}
	sqlDB, err := connection.GORM.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func resolveDriver(dsn string) (string, string, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return "", "", fmt.Errorf("%w: empty dsn", ErrUnsupportedDriver)
	}
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return DriverPostgres, "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		parsed, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := parsed.Path
		if path == "" {
			path = parsed.Host
		}
		if path == "" || path == "/" {
			path = defaultSQLiteFile
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return DriverSQLite, sqlitePath, err
	}
	if strings.Contains(dsn, "://") {
		return "", "", fmt.Errorf("%w: %q", ErrUnsupportedDriver, dsn)
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return DriverSQLite, sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == memoryPath {
		return path, nil
	}
	if filepath.IsAbs(path) {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	relative := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(relative), 0o755); err != nil {
		return "", err
	}
	return relative, nil
}
