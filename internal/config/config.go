package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Config holds application configuration
type Config struct {
	AppMode string
	Port    string

	DatabaseURL string
	RedisURL    string

	MidtransServerKey    string
	MidtransClientKey    string
	MidtransIsProduction bool
	GatewayAmountScale   decimal.Decimal
	PaymentFinishURL     string

	LogLevel string

	CheckoutDebounce          time.Duration
	CheckoutSessionTTL        time.Duration
	OnboardingPollInterval    time.Duration
	OnboardingPollMaxAttempts int
	MinPaymentAmount          decimal.Decimal

	WorkerChargeSpec    string
	WorkerReconcileSpec string
	// WorkerReminderSpec is empty when overdue reminders are disabled
	WorkerReminderSpec string

	SMTPHost  string
	SMTPPort  string
	SMTPUser  string
	SMTPPass  string
	EmailFrom string
}

// Load reads the .env file when present and builds the config from the environment
func Load() (*Config, error) {
	// a missing .env is fine, the process environment is used instead
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv builds the config from environment variables only
func FromEnv() (*Config, error) {
	cfg := &Config{
		AppMode:             getEnv("APP_MODE", "dev"),
		Port:                getEnv("PORT", "8080"),
		DatabaseURL:         getEnv("DATABASE_URL", ""),
		RedisURL:            getEnv("REDIS_URL", ""),
		MidtransServerKey:   getEnv("MIDTRANS_SERVER_KEY", ""),
		MidtransClientKey:   getEnv("MIDTRANS_CLIENT_KEY", ""),
		PaymentFinishURL:    getEnv("PAYMENT_FINISH_URL", ""),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		WorkerChargeSpec:    getEnv("WORKER_CHARGE_SPEC", "@every 5m"),
		WorkerReconcileSpec: getEnv("WORKER_RECONCILE_SPEC", "@every 10m"),
		WorkerReminderSpec:  getEnv("WORKER_REMINDER_SPEC", "0 9 * * 1"),
		SMTPHost:            getEnv("SMTP_HOST", ""),
		SMTPPort:            getEnv("SMTP_PORT", "587"),
		SMTPUser:            getEnv("SMTP_USER", ""),
		SMTPPass:            getEnv("SMTP_PASS", ""),
		EmailFrom:           getEnv("EMAIL_FROM", ""),
	}

	var err error
	if cfg.MidtransIsProduction, err = getBool("MIDTRANS_IS_PRODUCTION", false); err != nil {
		return nil, err
	}
	if cfg.GatewayAmountScale, err = getDecimal("GATEWAY_AMOUNT_SCALE", "100"); err != nil {
		return nil, err
	}
	if !cfg.GatewayAmountScale.IsPositive() {
		return nil, fmt.Errorf("GATEWAY_AMOUNT_SCALE must be positive")
	}
	if cfg.MinPaymentAmount, err = getDecimal("MIN_PAYMENT_AMOUNT", "1.00"); err != nil {
		return nil, err
	}

	debounceMs, err := getInt("CHECKOUT_DEBOUNCE_MS", 300)
	if err != nil {
		return nil, err
	}
	cfg.CheckoutDebounce = time.Duration(debounceMs) * time.Millisecond

	ttlMinutes, err := getInt("CHECKOUT_SESSION_TTL_MINUTES", 30)
	if err != nil {
		return nil, err
	}
	cfg.CheckoutSessionTTL = time.Duration(ttlMinutes) * time.Minute

	pollSeconds, err := getInt("ONBOARDING_POLL_SECONDS", 5)
	if err != nil {
		return nil, err
	}
	cfg.OnboardingPollInterval = time.Duration(pollSeconds) * time.Second

	if cfg.OnboardingPollMaxAttempts, err = getInt("ONBOARDING_POLL_MAX_ATTEMPTS", 60); err != nil {
		return nil, err
	}

	return cfg, nil
}

// IsProd reports whether the app runs in production mode
func (c *Config) IsProd() bool {
	return c.AppMode == "prod"
}

// EmailEnabled reports whether SMTP settings are complete
func (c *Config) EmailEnabled() bool {
	return c.SMTPHost != "" && c.SMTPUser != "" && c.SMTPPass != ""
}

// NewLogger builds the JSON logger used across the services
func NewLogger(level string) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		log.WithField("level", level).Warn("unknown log level, using info")
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
	return log
}

func getEnv(key, defaultVal string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultVal
}

func getInt(key string, defaultVal int) (int, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultVal, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("%s must be positive", key)
	}
	return v, nil
}

func getBool(key string, defaultVal bool) (bool, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultVal, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

func getDecimal(key, defaultVal string) (decimal.Decimal, error) {
	raw := getEnv(key, "")
	if raw == "" {
		raw = defaultVal
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}
