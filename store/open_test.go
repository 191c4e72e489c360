package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/stock-ledger/config"
	"github.com/warp/stock-ledger/store/memory"
	"github.com/warp/stock-ledger/store/sqlite"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"
)

func TestOpen_Memory(t *testing.T) {
	b, err := Open(config.DatabaseConfig{Driver: "memory"}, nil)

	require.NoError(t, err)
	assert.IsType(t, &memory.Memory{}, b)
	assert.NoError(t, b.Ping(context.Background()))
	assert.NoError(t, b.Close())
}

func TestOpen_SQLiteCreatesDirectory(t *testing.T) {
	// GIVEN a path whose parent directory does not exist yet
	path := filepath.Join(t.TempDir(), "nested", "stock.db")

	// WHEN the sqlite backend is opened
	b, err := Open(config.DatabaseConfig{Driver: "sqlite", Path: path}, zap.NewNop())

	// THEN the directory is created and the store answers
	require.NoError(t, err)
	defer b.Close()
	assert.IsType(t, &sqlite.Store{}, b)
	assert.NoError(t, b.Ping(context.Background()))
	assert.FileExists(t, path)
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(config.DatabaseConfig{Driver: "mongodb"}, nil)
	assert.ErrorContains(t, err, "mongodb")
}

func TestGormLogLevel(t *testing.T) {
	assert.Equal(t, gormlogger.Silent, gormLogLevel(""))
	assert.Equal(t, gormlogger.Silent, gormLogLevel("silent"))
	assert.Equal(t, gormlogger.Error, gormLogLevel("error"))
	assert.Equal(t, gormlogger.Warn, gormLogLevel("WARN"))
	assert.Equal(t, gormlogger.Info, gormLogLevel("info"))
}
