// Package db opens and migrates the Semaphore data store.
package db

import (
	"fmt"
	"strings"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Connect opens a GORM connection for the given DSN. DSNs of the form
// "sqlite://path" (or a bare "*.db" / ":memory:" / "file:" path) use the
// SQLite driver; anything else is treated as a MySQL DSN. TranslateError is
// enabled so callers can test for gorm.ErrDuplicatedKey on both drivers.
func Connect(dsn string) (*gorm.DB, error) {
	cfg := &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	}

	var dialector gorm.Dialector
	switch {
	case strings.HasPrefix(dsn, "sqlite://"):
		dialector = sqlite.Open(strings.TrimPrefix(dsn, "sqlite://"))
	case strings.HasSuffix(dsn, ".db") || dsn == ":memory:" || strings.HasPrefix(dsn, "file:"):
		dialector = sqlite.Open(dsn)
	default:
		dialector = mysql.Open(dsn)
	}

	db, err := gorm.Open(dialector, cfg)
	if err != nil {
		return nil, fmt.Errorf("db: connect: %w", err)
	}
	return db, nil
}

// IsMySQL reports whether the connection uses the MySQL dialector, which is
// the only backend where the lease query adds FOR UPDATE SKIP LOCKED.
func IsMySQL(db *gorm.DB) bool {
	return db.Dialector.Name() == "mysql"
}
