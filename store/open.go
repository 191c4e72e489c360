// Package store opens the storage backend named in the configuration.
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/warp/stock-ledger/config"
	"github.com/warp/stock-ledger/stock"
	"github.com/warp/stock-ledger/store/memory"
	"github.com/warp/stock-ledger/store/postgres"
	"github.com/warp/stock-ledger/store/sqlite"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"
)

// Backend is a transactional store that can be health-checked and closed.
type Backend interface {
	stock.TxStore
	Ping(ctx context.Context) error
	Close() error
}

var (
	_ Backend = (*memory.Memory)(nil)
	_ Backend = (*sqlite.Store)(nil)
	_ Backend = (*postgres.Store)(nil)
)

// Open connects to the configured backend and migrates its schema.
func Open(cfg config.DatabaseConfig, log *zap.Logger) (Backend, error) {
	if log == nil {
		log = zap.NewNop()
	}

	switch cfg.Driver {
	case "memory":
		log.Warn("using in-memory store, data is lost on restart")
		return memory.New(), nil

	case "sqlite":
		if cfg.Path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
				return nil, fmt.Errorf("failed to create data directory: %w", err)
			}
		}
		s, err := sqlite.New(cfg.Path)
		if err != nil {
			return nil, err
		}
		log.Info("sqlite store opened", zap.String("path", cfg.Path))
		return s, nil

	case "postgres":
		s, err := postgres.Open(postgres.Options{
			DSN:             cfg.DSN(),
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.ConnMaxIdleTime,
			LogLevel:        gormLogLevel(cfg.LogLevel),
		})
		if err != nil {
			return nil, err
		}
		log.Info("postgres store opened",
			zap.String("host", cfg.Host),
			zap.Int("port", cfg.Port),
			zap.String("database", cfg.DBName),
			zap.Int("max_open_conns", cfg.MaxOpenConns))
		return s, nil
	}

	return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
}

func gormLogLevel(level string) gormlogger.LogLevel {
	switch strings.ToLower(level) {
	case "error":
		return gormlogger.Error
	case "warn", "warning":
		return gormlogger.Warn
	case "info":
		return gormlogger.Info
	default:
		return gormlogger.Silent
	}
}
