package services

import (
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"chapter_dues/internal/models"
)

// InitDB initializes the database connection with connection pooling.
// A DSN prefixed with "sqlite:" opens a local SQLite file instead of Postgres.
func InitDB(dsn, mode string, log *logrus.Logger) (*gorm.DB, error) {
	level := logger.Info
	if mode == "prod" {
		level = logger.Error
	}

	dialector := postgres.Open(dsn)
	isSQLite := strings.HasPrefix(dsn, "sqlite:")
	if isSQLite {
		dialector = sqlite.Open(strings.TrimPrefix(dsn, "sqlite:"))
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(level),
	})
	if err != nil {
		return nil, err
	}

	// Get underlying sql.DB to configure connection pool
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	if isSQLite {
		// SQLite allows a single writer
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(100)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	log.WithField("component", "database").Info("Database connection established")
	return db, nil
}

// AutoMigrate runs database migrations for all models
func AutoMigrate(db *gorm.DB, log *logrus.Logger) error {
	entry := log.WithField("component", "database")
	entry.Info("Running database migrations...")

	err := db.AutoMigrate(
		&models.ChapterAccount{},
		&models.LedgerEntry{},
		&models.RecurringItem{},
		&models.MemberDues{},
		&models.MemberEligibilityFlag{},
		&models.InstallmentEligibility{},
		&models.SavedPaymentMethod{},
		&models.InstallmentPlan{},
		&models.InstallmentPayment{},
		&models.DuesPayment{},
		&models.PaymentCallbackHistory{},
		&models.TaskRun{},
	)
	if err != nil {
		return err
	}

	entry.Info("Database migrations completed")
	return nil
}
