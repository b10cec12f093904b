package config

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/nuhmanudheent/hosp-connect-attention-service/internal/database"
	"github.com/nuhmanudheent/hosp-connect-attention-service/internal/domain"
)

// InitDatabase opens the connection pool used by the repositories.
func InitDatabase(ctx context.Context, cfg DatabaseConfig, logger *logrus.Logger) (*database.Pool, error) {
	return database.Open(ctx, PoolConfig(cfg), database.PgxConnector(cfg.DSN), logger)
}

func PoolConfig(cfg DatabaseConfig) database.Config {
	return database.Config{
		MaxConns:       cfg.MaxConns,
		InitRetries:    cfg.InitRetries,
		InitDelay:      cfg.InitDelay,
		AcquireRetries: cfg.AcquireRetries,
		RetryDelay:     cfg.RetryDelay,
		AcquireTimeout: cfg.AcquireTimeout,
		ProbeTimeout:   cfg.ProbeTimeout,
		ResetThreshold: cfg.ResetThreshold,
	}
}

// openGorm is replaced in tests.
var openGorm = func(dsn string) (*gorm.DB, error) {
	return gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
}

// MigrateSchema creates or updates the tables from the domain models and
// seeds the role lookup table. Connecting is retried like pool initialization.
func MigrateSchema(ctx context.Context, cfg DatabaseConfig, logger *logrus.Logger) error {
	db, err := connectForMigration(ctx, cfg, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	db = db.WithContext(ctx)
	err = db.AutoMigrate(
		&domain.UserRole{},
		&domain.User{},
		&domain.Specialty{},
		&domain.Clinician{},
		&domain.PatientProfile{},
		&domain.Appointment{},
		&domain.AttentionRecord{},
		&domain.ImageAnnotation{},
	)
	if err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}

	for _, role := range []domain.Role{domain.RolePatient, domain.RoleClinician, domain.RoleProfessional} {
		if err := db.Where(domain.UserRole{Name: string(role)}).FirstOrCreate(&domain.UserRole{}).Error; err != nil {
			return fmt.Errorf("failed to seed role %s: %w", role, err)
		}
	}
	return nil
}

func connectForMigration(ctx context.Context, cfg DatabaseConfig, logger *logrus.Logger) (*gorm.DB, error) {
	retries := max(cfg.InitRetries, 1)
	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		db, err := openGorm(cfg.DSN)
		if err == nil {
			return db, nil
		}
		lastErr = err

		logger.WithFields(logrus.Fields{
			"Function": "MigrateSchema",
			"Attempt":  attempt,
			"Error":    err,
		}).Warn("Failed to connect for migration")

		if attempt == retries {
			break
		}
		timer := time.NewTimer(cfg.InitDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("failed to connect for migration: %w", ctx.Err())
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("failed to connect for migration after %d attempts: %w", retries, lastErr)
}
