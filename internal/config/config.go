package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	UserService    = "user-service"
	PaymentService = "payment-service"
)

// Config holds application configuration
type Config struct {
	Service  string
	Port     string
	DBConn   string
	LogLevel string

	// JWTSecret signs the service token the Payment service presents to the
	// balance mutation endpoint.
	JWTSecret string

	UserServiceURL     string
	UserServiceTimeout time.Duration

	RedisAddr      string
	RedisPassword  string
	IdempotencyTTL time.Duration

	CompensationAttempts int
	CompensationBackoff  time.Duration
	RecordWriteAttempts  int
	ReconcileSchedule    string

	SMTPHost     string
	SMTPPort     string
	SMTPUsername string
	SMTPPassword string
	SenderEmail  string
	OpsEmail     string
}

// NewConfig loads configuration from environment variables, reading a .env file first if there is one
func NewConfig(service string) (*Config, error) {
	_ = godotenv.Load()

	defaultPort, defaultDB := "8001", "host=localhost port=5436 user=test password=test dbname=wallet_users sslmode=disable"
	if service == PaymentService {
		defaultPort, defaultDB = "8002", "host=localhost port=5436 user=test password=test dbname=wallet_payments sslmode=disable"
	}

	cfg := &Config{
		Service:              service,
		Port:                 getEnv("PORT", defaultPort),
		DBConn:               getEnv("DB_CONN", defaultDB),
		LogLevel:             getEnv("LOG_LEVEL", "INFO"),
		JWTSecret:            getEnv("JWT_SECRET", "secret"),
		UserServiceURL:       getEnv("USER_SERVICE_URL", "http://localhost:8001/api"),
		UserServiceTimeout:   getEnvDuration("USER_SERVICE_TIMEOUT", 5*time.Second),
		RedisAddr:            getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:        getEnv("REDIS_PASSWORD", ""),
		IdempotencyTTL:       getEnvDuration("IDEMPOTENCY_TTL", 24*time.Hour),
		CompensationAttempts: getEnvInt("COMPENSATION_ATTEMPTS", 5),
		CompensationBackoff:  getEnvDuration("COMPENSATION_BACKOFF", 200*time.Millisecond),
		RecordWriteAttempts:  getEnvInt("RECORD_WRITE_ATTEMPTS", 3),
		ReconcileSchedule:    getEnv("RECONCILE_SCHEDULE", "@every 30s"),
		SMTPHost:             getEnv("SMTP_HOST", ""),
		SMTPPort:             getEnv("SMTP_PORT", "587"),
		SMTPUsername:         getEnv("SMTP_USERNAME", ""),
		SMTPPassword:         getEnv("SMTP_PASSWORD", ""),
		SenderEmail:          getEnv("SENDER_EMAIL", "ledger@localhost"),
		OpsEmail:             getEnv("OPS_EMAIL", ""),
	}

	if cfg.DBConn == "" {
		return nil, fmt.Errorf("DB_CONN is required")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if service == PaymentService {
		if cfg.UserServiceURL == "" {
			return nil, fmt.Errorf("USER_SERVICE_URL is required")
		}
		if cfg.CompensationAttempts < 1 {
			return nil, fmt.Errorf("COMPENSATION_ATTEMPTS must be at least 1")
		}
		if cfg.RecordWriteAttempts < 1 {
			return nil, fmt.Errorf("RECORD_WRITE_ATTEMPTS must be at least 1")
		}
	}

	return cfg, nil
}

// AlertsEnabled reports whether operator emails can be sent
func (c *Config) AlertsEnabled() bool {
	return c.SMTPHost != "" && c.OpsEmail != ""
}

func getEnv(key, defaultVal string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultVal
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultVal
	}
	return n
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultVal
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultVal
	}
	return d
}
