package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gorm.io/gorm"
)

var (
	DB        *gorm.DB
	AppConfig Config
	envLoaded bool
)

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type QueueConfig struct {
	Driver      string `json:"driver"` // redis, rabbitmq, memory
	Name        string `json:"name"`
	RabbitMQURL string `json:"-"`
	Workers     int    `json:"workers"`
	MaxAttempts int    `json:"max_attempts"`
	Prefetch    int    `json:"prefetch"`
	// Consumer names this process's in-flight list; empty means the hostname
	Consumer string `json:"consumer"`
}

type StorageConfig struct {
	Driver    string `json:"driver"` // local, s3
	LocalRoot string `json:"local_root"`
	S3Bucket  string `json:"s3_bucket"`
	S3Prefix  string `json:"s3_prefix"`
}

type AWSConfig struct {
	Region          string `json:"region"`
	AccessKeyID     string `json:"-"`
	SecretAccessKey string `json:"-"`
}

type MailConfig struct {
	Driver       string `json:"driver"` // smtp, ses, log
	SMTPHost     string `json:"smtp_host"`
	SMTPPort     int    `json:"smtp_port"`
	SMTPUsername string `json:"smtp_username"`
	SMTPPassword string `json:"-"`
	FromEmail    string `json:"from_email"`
	FromName     string `json:"from_name"`
}

type DispatchConfig struct {
	SendTimeout time.Duration `json:"send_timeout"`
	Concurrency int           `json:"concurrency"`
	LockTTL     time.Duration `json:"lock_ttl"`
	StaleAfter  time.Duration `json:"stale_after"`
	SweepEvery  time.Duration `json:"sweep_every"`
}

type Config struct {
	Environment         string         `json:"environment"`
	ServerPort          string         `json:"server_port"`
	LogLevel            string         `json:"log_level"`
	SentryDSN           string         `json:"-"`
	JWTSecret           string         `json:"-"`
	CORSOrigins         []string       `json:"cors_origins"`
	DBHost              string         `json:"db_host"`
	DBPort              string         `json:"db_port"`
	DBUser              string         `json:"db_user"`
	DBPassword          string         `json:"-"`
	DBName              string         `json:"db_name"`
	DBSSLMode           string         `json:"db_ssl_mode"`
	DBMaxIdleConns      int            `json:"db_max_idle_conns"`
	DBMaxOpenConns      int            `json:"db_max_open_conns"`
	StripeSecretKey     string         `json:"-"`
	StripeWebhookSecret string         `json:"-"`
	Redis               RedisConfig    `json:"redis"`
	Queue               QueueConfig    `json:"queue"`
	Storage             StorageConfig  `json:"storage"`
	AWS                 AWSConfig      `json:"aws"`
	Mail                MailConfig     `json:"mail"`
	Dispatch            DispatchConfig `json:"dispatch"`
	MaxUploadBytes      int64          `json:"max_upload_bytes"`
	RateLimitSends      int            `json:"rate_limit_sends"`
}

func init() {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()
	envLoaded = true
}

// LoadConfig reads the environment into AppConfig and validates it
func LoadConfig() error {
	cfg := FromEnv()
	if err := cfg.Validate(); err != nil {
		return err
	}
	AppConfig = cfg
	logConfig()
	return nil
}

// FromEnv builds a Config from environment variables with development defaults
func FromEnv() Config {
	return Config{
		Environment:    getEnv("ENVIRONMENT", "development"),
		ServerPort:     getEnv("SERVER_PORT", "5000"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		SentryDSN:      getEnv("SENTRY_DSN", ""),
		JWTSecret:      getEnv("JWT_SECRET", ""),
		CORSOrigins:    getEnvAsList("CORS_ORIGINS", []string{"http://localhost:3000"}),
		DBHost:         getEnv("DB_HOST", "localhost"),
		DBPort:         getEnv("DB_PORT", "5432"),
		DBUser:         getEnv("DB_USER", "postgres"),
		DBPassword:     getEnv("DB_PASSWORD", ""),
		DBName:         getEnv("DB_NAME", "mailpilot"),
		DBSSLMode:      getEnv("DB_SSL_MODE", "disable"),
		DBMaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
		DBMaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 100),

		StripeSecretKey:     getEnv("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),

		Redis: RedisConfig{
			Enabled:  getEnvAsBool("REDIS_ENABLED", true),
			Address:  getEnv("REDIS_ADDRESS", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Queue: QueueConfig{
			Driver:      getEnv("QUEUE_DRIVER", "redis"),
			Name:        getEnv("QUEUE_NAME", "mailpilot:jobs"),
			RabbitMQURL: getEnv("RABBITMQ_URL", ""),
			Workers:     getEnvAsInt("QUEUE_WORKERS", 4),
			MaxAttempts: getEnvAsInt("QUEUE_MAX_ATTEMPTS", 3),
			Prefetch:    getEnvAsInt("QUEUE_PREFETCH", 1),
			Consumer:    getEnv("QUEUE_CONSUMER", ""),
		},
		Storage: StorageConfig{
			Driver:    getEnv("STORAGE_DRIVER", "local"),
			LocalRoot: getEnv("STORAGE_LOCAL_ROOT", "./storage"),
			S3Bucket:  getEnv("STORAGE_S3_BUCKET", ""),
			S3Prefix:  getEnv("STORAGE_S3_PREFIX", "uploads/"),
		},
		AWS: AWSConfig{
			Region:          getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
		},
		Mail: MailConfig{
			Driver:       getEnv("MAIL_DRIVER", "log"),
			SMTPHost:     getEnv("SMTP_HOST", ""),
			SMTPPort:     getEnvAsInt("SMTP_PORT", 587),
			SMTPUsername: getEnv("SMTP_USERNAME", ""),
			SMTPPassword: getEnv("SMTP_PASSWORD", ""),
			FromEmail:    getEnv("MAIL_FROM_EMAIL", "no-reply@localhost"),
			FromName:     getEnv("MAIL_FROM_NAME", "Mailpilot"),
		},
		Dispatch: DispatchConfig{
			SendTimeout: getEnvAsDuration("DISPATCH_SEND_TIMEOUT", 30*time.Second),
			Concurrency: getEnvAsInt("DISPATCH_CONCURRENCY", 1),
			LockTTL:     getEnvAsDuration("DISPATCH_LOCK_TTL", 2*time.Minute),
			StaleAfter:  getEnvAsDuration("RECOVERY_STALE_AFTER", 15*time.Minute),
			SweepEvery:  getEnvAsDuration("RECOVERY_SWEEP_EVERY", time.Minute),
		},
		MaxUploadBytes: int64(getEnvAsInt("MAX_UPLOAD_BYTES", 10<<20)),
		RateLimitSends: getEnvAsInt("RATE_LIMIT_SENDS", 10),
	}
}

// Validate checks that every setting the selected drivers need is present
func (c Config) Validate() error {
	if c.DBPassword == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.Environment == "production" && c.StripeSecretKey == "" {
		return fmt.Errorf("STRIPE_SECRET_KEY is required in production")
	}

	switch c.Queue.Driver {
	case "redis":
		if !c.Redis.Enabled {
			return fmt.Errorf("QUEUE_DRIVER=redis requires REDIS_ENABLED")
		}
	case "rabbitmq":
		if c.Queue.RabbitMQURL == "" {
			return fmt.Errorf("RABBITMQ_URL is required when QUEUE_DRIVER=rabbitmq")
		}
	case "memory":
		if c.Environment == "production" {
			return fmt.Errorf("QUEUE_DRIVER=memory is not durable and cannot be used in production")
		}
	default:
		return fmt.Errorf("unknown QUEUE_DRIVER %q", c.Queue.Driver)
	}
	if c.Queue.Workers < 1 {
		return fmt.Errorf("QUEUE_WORKERS must be at least 1")
	}

	switch c.Storage.Driver {
	case "local":
	case "s3":
		if c.Storage.S3Bucket == "" {
			return fmt.Errorf("STORAGE_S3_BUCKET is required when STORAGE_DRIVER=s3")
		}
	default:
		return fmt.Errorf("unknown STORAGE_DRIVER %q", c.Storage.Driver)
	}

	switch c.Mail.Driver {
	case "log", "ses":
	case "smtp":
		if c.Mail.SMTPHost == "" {
			return fmt.Errorf("SMTP_HOST is required when MAIL_DRIVER=smtp")
		}
	default:
		return fmt.Errorf("unknown MAIL_DRIVER %q", c.Mail.Driver)
	}

	if c.Dispatch.SendTimeout <= 0 {
		return fmt.Errorf("DISPATCH_SEND_TIMEOUT must be positive")
	}
	if c.Dispatch.Concurrency < 1 {
		return fmt.Errorf("DISPATCH_CONCURRENCY must be at least 1")
	}
	return nil
}

// Helper functions
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	if !envLoaded && fallback == "" {
		log.Printf("⚠️ Environment variable %s not found and no fallback provided", key)
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsBool(key string, fallback bool) bool {
	value, err := strconv.ParseBool(getEnv(key, ""))
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	value, err := time.ParseDuration(getEnv(key, ""))
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsList(key string, fallback []string) []string {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func maskPassword(dsn string) string {
	const passwordMarker = "password="
	startIdx := strings.Index(dsn, passwordMarker)
	if startIdx == -1 {
		return dsn
	}

	startIdx += len(passwordMarker)
	endIdx := strings.IndexAny(dsn[startIdx:], " ")
	if endIdx == -1 {
		return dsn[:startIdx] + "*****"
	}
	return dsn[:startIdx] + "*****" + dsn[startIdx+endIdx:]
}

func logConfig() {
	log.Println("🔧 Loaded configuration:")
	log.Printf("Environment: %s", AppConfig.Environment)
	log.Printf("Server Port: %s", AppConfig.ServerPort)
	log.Printf("Database: %s@%s:%s/%s",
		AppConfig.DBUser,
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBName)
	log.Printf("Drivers: queue=%s storage=%s mail=%s",
		AppConfig.Queue.Driver,
		AppConfig.Storage.Driver,
		AppConfig.Mail.Driver)
}
