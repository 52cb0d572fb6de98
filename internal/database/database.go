package database

import (
	"fmt"

	"example.com/backstage/services/ingest/config"
	"example.com/backstage/services/ingest/internal/models"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DB is an interface for database operations
type DB interface {
	DB() (*gorm.DB, error)
	ReadOnlyDB() (*gorm.DB, error)
	Close() error
}

// GormDatabase implements the DB interface for GORM with a writer
// connection and a read-only replica connection.
type GormDatabase struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
}

// Connect establishes connections to the writer and read-only databases
func Connect(cfg config.DatabaseConfig) (DB, error) {
	db, err := open(cfg.DSN, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	readOnlyDSN := cfg.ReadOnlyDSN
	if readOnlyDSN == "" {
		readOnlyDSN = cfg.DSN
	}
	readOnlyDB, err := open(readOnlyDSN, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to read-only database: %w", err)
	}

	return &GormDatabase{db: db, readOnlyDB: readOnlyDB}, nil
}

func open(dsn string, cfg config.DatabaseConfig) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get DB instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return db, nil
}

// DB returns the writer gorm.DB instance
func (d *GormDatabase) DB() (*gorm.DB, error) {
	return d.db, nil
}

// ReadOnlyDB returns the read-only gorm.DB instance
func (d *GormDatabase) ReadOnlyDB() (*gorm.DB, error) {
	return d.readOnlyDB, nil
}

// Close closes both database connections
func (d *GormDatabase) Close() error {
	for _, db := range []*gorm.DB{d.db, d.readOnlyDB} {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		if err := sqlDB.Close(); err != nil {
			return err
		}
	}
	return nil
}

// AutoMigrate runs database migrations
func AutoMigrate(db DB) error {
	gormDB, err := db.DB()
	if err != nil {
		return err
	}
	return models.SetupModels(gormDB)
}
