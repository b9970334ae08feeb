package db

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const sqlitePrefix = "sqlite:"

// Open picks the driver from the DSN: "sqlite:<path>" uses the pure-Go SQLite
// driver, anything else is treated as a MySQL DSN.
func Open(dsn string) (*gorm.DB, error) {
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)}

	if path, ok := strings.CutPrefix(dsn, sqlitePrefix); ok {
		if path != ":memory:" && !strings.HasPrefix(path, "file:") {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, err
			}
		}
		gdb, err := gorm.Open(gormsqlite.Open(path), cfg)
		if err != nil {
			return nil, err
		}
		// single writer keeps sqlite from returning SQLITE_BUSY under concurrent turns
		sqlDB, err := gdb.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
		return gdb, nil
	}

	gdb, err := gorm.Open(mysql.Open(dsn), cfg)
	if err != nil {
		return nil, err
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)
	return gdb, nil
}

// Connect is Open for process entry points: failure is fatal.
func Connect(dsn string) *gorm.DB {
	gdb, err := Open(dsn)
	if err != nil {
		slog.Error("database connect failed", "error", err)
		os.Exit(1)
	}
	return gdb
}
