package database

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"estatefeed/server/internal/models"
)

const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// Options configures the connection pool.
type Options struct {
	Driver       string
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
}

// Open connects to the configured store. SQLite connections are limited to a single
// open connection so concurrent workers queue on the pool instead of failing with
// SQLITE_BUSY.
func Open(opts Options, logger *logrus.Logger) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch opts.Driver {
	case DriverSQLite, "":
		if dir := filepath.Dir(opts.DSN); dir != "." && !strings.HasPrefix(opts.DSN, "file:") {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		dialector = sqlite.Open(sqliteDSN(opts.DSN))
	case DriverMySQL:
		dialector = mysql.Open(opts.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", opts.Driver)
	}

	db, err := gorm.Open(dialector, gormConfig(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database handle: %w", err)
	}
	if opts.Driver == DriverMySQL {
		if opts.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
		}
		if opts.MaxIdleConns >= 0 {
			sqlDB.SetMaxIdleConns(opts.MaxIdleConns)
		}
		sqlDB.SetConnMaxLifetime(5 * time.Minute)
	} else {
		sqlDB.SetMaxOpenConns(1)
	}

	return db, nil
}

func sqliteDSN(dsn string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_busy_timeout=5000&_foreign_keys=on"
}

func gormConfig(logger *logrus.Logger) *gorm.Config {
	cfg := &gorm.Config{TranslateError: true}
	if logger != nil {
		cfg.Logger = gormlogger.New(logger, gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Error,
			IgnoreRecordNotFoundError: true,
		})
	} else {
		cfg.Logger = gormlogger.Default.LogMode(gormlogger.Silent)
	}
	return cfg
}

var testDBCounter atomic.Int64

// NewTestDB returns an isolated in-memory SQLite database.
func NewTestDB() (*gorm.DB, error) {
	name := fmt.Sprintf("file:estatefeed_test_%d?mode=memory&cache=shared", testDBCounter.Add(1))
	return Open(Options{Driver: DriverSQLite, DSN: name}, nil)
}

// MigrateSchema creates or updates every table the pipeline owns.
func MigrateSchema(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.Region{},
		&models.Property{},
		&models.SaleDeal{},
		&models.LeaseDeal{},
		&models.MonthlyAggregate{},
		&models.Amenity{},
		&models.AmenityDistance{},
		&models.IngestCheckpoint{},
	); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}
