// Package config loads service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates runtime settings for both binaries.
type Config struct {
	AppEnv           string
	LogLevel         string
	LogFormat        string
	HTTPListenAddr   string
	PublicBaseURL    string
	PublicBasePath   string
	MetricsNamespace string
	OperatorAPIToken string

	DatabaseDriver string
	DatabaseURL    string
	SupabaseSchema string
	SQLitePath     string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTLS      bool

	AMQPURL      string
	AMQPExchange string

	VapiBaseURL       string
	VapiAPIKey        string
	VapiAssistantID   string
	VapiPhoneNumberID string
	VapiWebhookSecret string
	VapiTimeout       time.Duration

	AgentMailBaseURL string
	AgentMailAPIKey  string
	AgentMailInboxID string
	AgentMailTimeout time.Duration

	StripeBaseURL       string
	StripeSecretKey     string
	StripeWebhookSecret string
	CheckoutSuccessURL  string
	CheckoutCancelURL   string
	BillingTimeout      time.Duration

	GeminiAPIKey  string
	GeminiModel   string
	GeminiTimeout time.Duration

	DefaultMinPctBps    int64
	SettlementPortalURL string
	MaxInstallments     int

	WeeklyResetEnabled bool
	WeeklyResetWeekday time.Weekday
	WeeklyResetHour    int
}

// Load reads .env (when present) and the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a lookup function.
func FromEnv(getenv func(string) string) (*Config, error) {
	r := reader{getenv: getenv}
	cfg := &Config{
		AppEnv:           r.str("APP_ENV", "development"),
		LogLevel:         r.str("LOG_LEVEL", "info"),
		LogFormat:        r.str("LOG_FORMAT", "text"),
		HTTPListenAddr:   r.str("HTTP_LISTEN_ADDR", ":8080"),
		PublicBaseURL:    r.str("PUBLIC_BASE_URL", ""),
		PublicBasePath:   r.str("PUBLIC_BASE_PATH", ""),
		MetricsNamespace: r.str("METRICS_NAMESPACE", "arcollect"),
		OperatorAPIToken: r.str("OPERATOR_API_TOKEN", ""),

		DatabaseDriver: strings.ToLower(r.str("DATABASE_DRIVER", "sqlite")),
		DatabaseURL:    r.str("DATABASE_URL", ""),
		SupabaseSchema: r.str("SUPABASE_SCHEMA", ""),
		SQLitePath:     r.str("SQLITE_PATH", "arcollect.db"),

		RedisAddr:     r.str("REDIS_ADDR", "localhost:6379"),
		RedisPassword: r.str("REDIS_PASSWORD", ""),
		RedisDB:       r.int("REDIS_DB", 0),
		RedisTLS:      r.bool("REDIS_TLS", false),

		AMQPURL:      r.str("AMQP_URL", ""),
		AMQPExchange: r.str("AMQP_EXCHANGE", "collections"),

		VapiBaseURL:       r.str("VAPI_BASE_URL", "https://api.vapi.ai"),
		VapiAPIKey:        r.str("VAPI_API_KEY", ""),
		VapiAssistantID:   r.str("VAPI_ASSISTANT_ID", ""),
		VapiPhoneNumberID: r.str("VAPI_PHONE_NUMBER_ID", ""),
		VapiWebhookSecret: r.str("VAPI_WEBHOOK_SECRET", ""),
		VapiTimeout:       r.duration("VAPI_TIMEOUT", 15*time.Second),

		AgentMailBaseURL: r.str("AGENTMAIL_BASE_URL", "https://api.agentmail.to"),
		AgentMailAPIKey:  r.str("AGENTMAIL_API_KEY", ""),
		AgentMailInboxID: r.str("AGENTMAIL_INBOX_ID", ""),
		AgentMailTimeout: r.duration("AGENTMAIL_TIMEOUT", 15*time.Second),

		StripeBaseURL:       r.str("STRIPE_BASE_URL", "https://api.stripe.com"),
		StripeSecretKey:     r.str("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret: r.str("STRIPE_WEBHOOK_SECRET", ""),
		CheckoutSuccessURL:  r.str("CHECKOUT_SUCCESS_URL", ""),
		CheckoutCancelURL:   r.str("CHECKOUT_CANCEL_URL", ""),
		BillingTimeout:      r.duration("BILLING_TIMEOUT", 15*time.Second),

		GeminiAPIKey:  r.str("GEMINI_API_KEY", ""),
		GeminiModel:   r.str("GEMINI_MODEL", "gemini-1.5-flash"),
		GeminiTimeout: r.duration("GEMINI_TIMEOUT", 20*time.Second),

		DefaultMinPctBps:    int64(r.int("DEFAULT_MIN_PCT_BPS", 4000)),
		SettlementPortalURL: r.str("SETTLEMENT_PORTAL_URL", ""),
		MaxInstallments:     r.int("MAX_INSTALLMENTS", 3),

		WeeklyResetEnabled: r.bool("WEEKLY_RESET_ENABLED", false),
		WeeklyResetWeekday: r.weekday("WEEKLY_RESET_WEEKDAY", time.Monday),
		WeeklyResetHour:    r.int("WEEKLY_RESET_HOUR", 0),
	}

	if err := errors.Join(r.errs...); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.DatabaseDriver {
	case "sqlite":
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required for the sqlite driver")
		}
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unsupported DATABASE_DRIVER %q", c.DatabaseDriver)
	}
	if c.DefaultMinPctBps < 0 || c.DefaultMinPctBps > 10000 {
		return fmt.Errorf("DEFAULT_MIN_PCT_BPS must be between 0 and 10000")
	}
	if c.WeeklyResetHour < 0 || c.WeeklyResetHour > 23 {
		return fmt.Errorf("WEEKLY_RESET_HOUR must be between 0 and 23")
	}
	return nil
}

type reader struct {
	getenv func(string) string
	errs   []error
}

func (r *reader) str(key, def string) string {
	if v := strings.TrimSpace(r.getenv(key)); v != "" {
		return v
	}
	return def
}

func (r *reader) int(key string, def int) int {
	v := strings.TrimSpace(r.getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: invalid integer %q", key, v))
		return def
	}
	return n
}

func (r *reader) bool(key string, def bool) bool {
	v := strings.TrimSpace(r.getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: invalid boolean %q", key, v))
		return def
	}
	return b
}

func (r *reader) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(r.getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: invalid duration %q", key, v))
		return def
	}
	return d
}

func (r *reader) weekday(key string, def time.Weekday) time.Weekday {
	v := strings.ToLower(strings.TrimSpace(r.getenv(key)))
	if v == "" {
		return def
	}
	for d := time.Sunday; d <= time.Saturday; d++ {
		if strings.ToLower(d.String()) == v {
			return d
		}
	}
	r.errs = append(r.errs, fmt.Errorf("%s: invalid weekday %q", key, v))
	return def
}
