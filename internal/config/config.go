package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName          string
	AppVersion       string
	Environment      string
	HTTPAddr         string
	AuthCookieSecure bool
	AuthJWTSecret    string
	AccessPolicyPath string

	OTLPEndpoint string

	Stripe      StripeConfig
	Payment     PaymentConfig
	Entitlement EntitlementConfig
	RateLimit   RateLimitConfig

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int
}

type StripeConfig struct {
	WebhookSecret string
	SecretKey     string
	APIBase       string
}

// PaymentConfig describes the single product sold through create-payment-intent.
type PaymentConfig struct {
	Amount      int64
	Currency    string
	Description string
	// ReturnURL is where embedded checkout lands; empty means the caller's
	// origin plus /analysis.
	ReturnURL string
}

type EntitlementConfig struct {
	PeriodDays int
}

type RateLimitConfig struct {
	Enabled       bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	PaymentRate   float64
	PaymentBurst  int
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	environment := getenv("ENVIRONMENT", "development")
	authCookieSecure := environment == EnvProduction
	if !authCookieSecure {
		authCookieSecure = getenvBool("AUTH_COOKIE_SECURE", false)
	}

	cfg := Config{
		AppName:          getenv("APP_SERVICE", "curlara"),
		AppVersion:       getenv("APP_VERSION", "0.1.0"),
		Environment:      environment,
		HTTPAddr:         getenv("HTTP_ADDR", ":8080"),
		AuthCookieSecure: authCookieSecure,
		AuthJWTSecret:    strings.TrimSpace(getenv("AUTH_JWT_SECRET", "")),
		AccessPolicyPath: strings.TrimSpace(getenv("ACCESS_POLICY_PATH", "")),
		OTLPEndpoint:     getenv("OTLP_ENDPOINT", "localhost:4317"),
		Stripe: StripeConfig{
			WebhookSecret: strings.TrimSpace(getenv("STRIPE_WEBHOOK_SECRET", "")),
			SecretKey:     strings.TrimSpace(getenv("STRIPE_SECRET_KEY", "")),
			APIBase:       strings.TrimSpace(getenv("STRIPE_API_BASE", "")),
		},
		Payment: PaymentConfig{
			Amount:      getenvInt64("PAYMENT_AMOUNT", 2499),
			Currency:    strings.ToLower(getenv("PAYMENT_CURRENCY", "brl")),
			Description: getenv("PAYMENT_DESCRIPTION", "Curlara - full hair analysis"),
			ReturnURL:   strings.TrimSpace(getenv("PAYMENT_RETURN_URL", "")),
		},
		Entitlement: EntitlementConfig{
			PeriodDays: getenvInt("ENTITLEMENT_PERIOD_DAYS", 30),
		},
		RateLimit: RateLimitConfig{
			Enabled:       getenvBool("RATE_LIMIT_ENABLED", false),
			RedisAddr:     strings.TrimSpace(getenv("RATE_LIMIT_REDIS_ADDR", "localhost:6379")),
			RedisPassword: getenv("RATE_LIMIT_REDIS_PASSWORD", ""),
			RedisDB:       getenvInt("RATE_LIMIT_REDIS_DB", 0),
			PaymentRate:   getenvFloat("RATE_LIMIT_PAYMENT_RATE", 0.5),
			PaymentBurst:  getenvInt("RATE_LIMIT_PAYMENT_BURST", 10),
		},
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "postgres"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 20),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
	}

	if cfg.Entitlement.PeriodDays <= 0 {
		cfg.Entitlement.PeriodDays = 30
	}

	return cfg
}

const (
	EnvProduction  = "production"
	EnvDevelopment = "development"
)

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), EnvProduction)
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvInt(key string, def int) int {
	return int(getenvInt64(key, int64(def)))
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}
