package database

import (
	"fmt"
	"strings"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Connect opens the SQLite database at dbPath. File databases run in WAL mode
// with a busy timeout, and the pool is capped at one connection so every
// write goes through a single writer.
func Connect(dbPath string) (*gorm.DB, error) {
	dsn := dbPath
	if !strings.Contains(dbPath, ":memory:") && !strings.Contains(dbPath, "?") {
		dsn = dbPath + "?_busy_timeout=5000&_journal_mode=WAL"
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	return db, nil
}
