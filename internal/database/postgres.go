package database

import (
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/noah-isme/gema-grader/internal/models"
)

// PoolConfig bounds the connection pool of the grading database.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// ConnectPostgres opens the grading database and applies the pool limits.
func ConnectPostgres(dsn string, pool PoolConfig) (*gorm.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn must not be empty")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:  gormlogger.Default.LogMode(gormlogger.Warn),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access postgres pool: %w", err)
	}
	if pool.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(pool.MaxIdleConns)
	}
	if pool.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}

	return db, nil
}

// GradingModels lists every table owned by the grading core.
func GradingModels() []interface{} {
	return []interface{}{
		&models.Submission{},
		&models.SubmissionUser{},
		&models.UserTask{},
		&models.GradingTask{},
		&models.Group{},
		&models.Audience{},
		&models.Blob{},
	}
}

// Migrate creates or updates the grading tables.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(GradingModels()...); err != nil {
		return fmt.Errorf("failed to migrate grading schema: %w", err)
	}
	return nil
}
