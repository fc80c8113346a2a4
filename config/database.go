package config

import (
	"fmt"
	"log"
	"time"

	"mailpilot/models"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// ConnectDB opens the postgres pool into DB, then migrates and seeds it
func ConnectDB() error {
	log.Println("Attempting to connect to database...")

	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBUser,
		AppConfig.DBPassword,
		AppConfig.DBName,
		AppConfig.DBSSLMode,
	)
	log.Println("Using connection string:", maskPassword(dsn))

	var err error
	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get DB instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(AppConfig.DBMaxIdleConns)
	sqlDB.SetMaxOpenConns(AppConfig.DBMaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(30 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	log.Println("✅ Successfully connected to the database")
	log.Println("🔄 Starting database migration...")
	if err := migrateDB(DB); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}
	if err := models.CreateDefaultPlans(DB); err != nil {
		return fmt.Errorf("seeding plans failed: %w", err)
	}
	log.Println("✅ Database migration completed")
	return nil
}

func migrateDB(db *gorm.DB) error {
	// Membership rows carry their own timestamp, so the join table is explicit
	if err := db.SetupJoinTable(&models.Group{}, "Contacts", &models.GroupContact{}); err != nil {
		return fmt.Errorf("failed to set up group_contacts: %w", err)
	}
	if err := db.SetupJoinTable(&models.Contact{}, "Groups", &models.GroupContact{}); err != nil {
		return fmt.Errorf("failed to set up group_contacts: %w", err)
	}

	return db.AutoMigrate(
		&models.User{},
		&models.SubscriptionPlan{},
		&models.UserSubscription{},
		&models.Contact{},
		&models.Group{},
		&models.GroupContact{},
		&models.EmailTemplate{},
		&models.EmailCampaign{},
		&models.EmailLog{},
		&models.BackgroundJob{},
	)
}
