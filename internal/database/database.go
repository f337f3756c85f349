package database

import (
	"fmt"
	"time"

	"github.com/Omer1970/ShippingAPP-sub001/config"
	"github.com/Omer1970/ShippingAPP-sub001/internal/metrics"
	"github.com/Omer1970/ShippingAPP-sub001/internal/models"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Database holds the write connection and the read-only replica. Without a
// replica DSN both point at the same pool.
type Database struct {
	Write *gorm.DB
	Read  *gorm.DB
}

// Connect opens the write and read-only connections
func Connect(cfg config.DatabaseConfig) (*Database, error) {
	write, err := open(cfg.DSN, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to database")
	}

	read := write
	if cfg.ReadOnlyDSN != "" && cfg.ReadOnlyDSN != cfg.DSN {
		read, err = open(cfg.ReadOnlyDSN, cfg)
		if err != nil {
			return nil, errors.Wrap(err, "failed to connect to read-only database")
		}
	}

	return &Database{Write: write, Read: read}, nil
}

func open(dsn string, cfg config.DatabaseConfig) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: NewLogger(cfg.Debug)})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database connection: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return db, nil
}

// NewLogger returns a GORM logger writing through zerolog
func NewLogger(debug bool) logger.Interface {
	level := logger.Error
	if debug {
		level = logger.Info
	}
	return logger.New(&logAdapter{}, logger.Config{
		SlowThreshold:             time.Second,
		LogLevel:                  level,
		IgnoreRecordNotFoundError: true,
		Colorful:                  false,
	})
}

// Migrate runs database migrations
func (d *Database) Migrate() error {
	return models.SetupModels(d.Write)
}

// Close closes both connections
func (d *Database) Close() error {
	var firstErr error
	for _, db := range []*gorm.DB{d.Write, d.Read} {
		sqlDB, err := db.DB()
		if err == nil {
			err = sqlDB.Close()
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if d.Read == d.Write {
			break
		}
	}
	return firstErr
}

// RegisterMetricsHooks times every create, query, update and delete into m
func RegisterMetricsHooks(db *gorm.DB, m *metrics.Metrics) error {
	start := func(tx *gorm.DB) { tx.InstanceSet("metrics:start", time.Now()) }
	finish := func(op string) func(*gorm.DB) {
		return func(tx *gorm.DB) {
			if v, ok := tx.InstanceGet("metrics:start"); ok {
				m.RecordTimer("db."+op, time.Since(v.(time.Time)).Milliseconds())
			}
			if tx.Error != nil && !errors.Is(tx.Error, gorm.ErrRecordNotFound) {
				m.RecordError("db." + op)
			} else {
				m.RecordSuccess("db." + op)
			}
		}
	}

	cb := db.Callback()
	registrations := []error{
		cb.Create().Before("gorm:create").Register("metrics:create_start", start),
		cb.Create().After("gorm:create").Register("metrics:create", finish("create")),
		cb.Query().Before("gorm:query").Register("metrics:query_start", start),
		cb.Query().After("gorm:query").Register("metrics:query", finish("query")),
		cb.Update().Before("gorm:update").Register("metrics:update_start", start),
		cb.Update().After("gorm:update").Register("metrics:update", finish("update")),
		cb.Delete().Before("gorm:delete").Register("metrics:delete_start", start),
		cb.Delete().After("gorm:delete").Register("metrics:delete", finish("delete")),
	}
	for _, err := range registrations {
		if err != nil {
			return errors.Wrap(err, "failed to register metrics hook")
		}
	}
	return nil
}

// logAdapter adapts the GORM logger to zerolog
type logAdapter struct{}

func (l *logAdapter) Printf(format string, args ...interface{}) {
	log.Debug().Str("component", "gorm").Msgf(format, args...)
}
