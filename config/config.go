package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	AppPort  string
	AppMode  string
	LogMode  string
	WorkerID string

	StoreDriver   string
	AutoMigrate   bool
	MigrationsDir string
	DBHost        string
	DBUser        string
	DBPassword    string
	DBName        string
	DBPort        string

	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int
	RedisEnabled  bool

	LedgerDriver   string
	EventSubscribe bool

	EventBus          string
	BreakerMaxFails   int
	BreakerOpenPeriod time.Duration

	Dispatcher     DispatcherConfig
	Cleanup        CleanupConfig
	Reconciliation ReconciliationConfig
	Scheduler      SchedulerConfig

	AdminEnabled   bool
	AdminJWTSecret string

	S3Region    string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	S3Endpoint  string
}

// ArchiveEnabled reports whether DLQ entries are archived to S3 before deletion.
func (c *Config) ArchiveEnabled() bool {
	return c.S3Bucket != "" && c.S3Region != ""
}

type DispatcherConfig struct {
	BatchSize     int
	MaxRetries    int
	LeaseDuration time.Duration
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	ErrorCooldown time.Duration
}

type CleanupConfig struct {
	ProcessedRetentionDays int
	FailedRetentionDays    int
	DlqRetentionDays       int
	BatchSize              int
	BatchDelay             time.Duration
}

type ReconciliationConfig struct {
	StaleAfter time.Duration
}

type SchedulerConfig struct {
	CleanupInterval        time.Duration
	DlqInterval            time.Duration
	ReconciliationInterval time.Duration
	JobAttempts            int
	JobRetryDelay          time.Duration
	LockTTL                time.Duration
}

func LoadConfig() *Config {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	hostname, _ := os.Hostname()

	return &Config{
		AppPort:  getEnv("APP_PORT", "8080"),
		AppMode:  getEnv("APP_MODE", "debug"),
		LogMode:  getEnv("LOG_MODE", "development"),
		WorkerID: getEnv("WORKER_ID", hostname),

		StoreDriver:   getEnv("STORE_DRIVER", "postgres"),
		AutoMigrate:   getEnvAsBool("AUTO_MIGRATE", false),
		MigrationsDir: getEnv("MIGRATIONS_DIR", "migrations"),
		DBHost:        getEnv("DB_HOST", "localhost"),
		DBUser:        getEnv("DB_USER", "postgres"),
		DBPassword:    getEnv("DB_PASSWORD", "postgres"),
		DBName:        getEnv("DB_NAME", "relaybox"),
		DBPort:        getEnv("DB_PORT", "5432"),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),
		RedisEnabled:  getEnvAsBool("REDIS_ENABLED", false),

		LedgerDriver:   getEnv("LEDGER_DRIVER", "store"),
		EventSubscribe: getEnvAsBool("EVENT_SUBSCRIBE", false),

		EventBus:          getEnv("EVENT_BUS", "memory"),
		BreakerMaxFails:   getEnvAsInt("BREAKER_MAX_FAILURES", 5),
		BreakerOpenPeriod: getEnvAsDuration("BREAKER_OPEN_PERIOD", 30*time.Second),

		Dispatcher: DispatcherConfig{
			BatchSize:     getEnvAsInt("DISPATCH_BATCH_SIZE", 50),
			MaxRetries:    getEnvAsInt("DISPATCH_MAX_RETRIES", 3),
			LeaseDuration: getEnvAsDuration("DISPATCH_LEASE", 2*time.Minute),
			BaseDelay:     getEnvAsDuration("DISPATCH_BASE_DELAY", 5*time.Second),
			MaxDelay:      getEnvAsDuration("DISPATCH_MAX_DELAY", 60*time.Second),
			ErrorCooldown: getEnvAsDuration("DISPATCH_ERROR_COOLDOWN", 5*time.Minute),
		},
		Cleanup: CleanupConfig{
			ProcessedRetentionDays: getEnvAsInt("CLEANUP_PROCESSED_RETENTION_DAYS", 7),
			FailedRetentionDays:    getEnvAsInt("CLEANUP_FAILED_RETENTION_DAYS", 30),
			DlqRetentionDays:       getEnvAsInt("DLQ_RETENTION_DAYS", 30),
			BatchSize:              getEnvAsInt("CLEANUP_BATCH_SIZE", 1000),
			BatchDelay:             getEnvAsDuration("CLEANUP_BATCH_DELAY", 100*time.Millisecond),
		},
		Reconciliation: ReconciliationConfig{
			StaleAfter: getEnvAsDuration("RECONCILE_STALE_AFTER", time.Hour),
		},
		Scheduler: SchedulerConfig{
			CleanupInterval:        getEnvAsDuration("SCHEDULE_CLEANUP_INTERVAL", 24*time.Hour),
			DlqInterval:            getEnvAsDuration("SCHEDULE_DLQ_INTERVAL", 15*time.Minute),
			ReconciliationInterval: getEnvAsDuration("SCHEDULE_RECONCILE_INTERVAL", time.Hour),
			JobAttempts:            getEnvAsInt("SCHEDULE_JOB_ATTEMPTS", 3),
			JobRetryDelay:          getEnvAsDuration("SCHEDULE_JOB_RETRY_DELAY", 10*time.Second),
			LockTTL:                getEnvAsDuration("SCHEDULE_LOCK_TTL", 30*time.Minute),
		},

		AdminEnabled:   getEnvAsBool("ADMIN_ENABLED", true),
		AdminJWTSecret: getEnv("ADMIN_JWT_SECRET", "change-me"),

		S3Region:    getEnv("S3_REGION", ""),
		S3Bucket:    getEnv("S3_DLQ_BUCKET", ""),
		S3AccessKey: getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey: getEnv("S3_SECRET_KEY", ""),
		S3Endpoint:  getEnv("S3_ENDPOINT", ""),
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return fallback
}
