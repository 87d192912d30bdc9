// Package config loads process settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"escrowbot/engine"
	"escrowbot/money"
)

type Config struct {
	DatabaseURL     string  `mapstructure:"DATABASE_URL"`
	DBMaxConns      int32   `mapstructure:"DB_MAX_CONNS"`
	HTTPAddr        string  `mapstructure:"HTTP_ADDR"`
	BaseURL         string  `mapstructure:"BASE_URL"`
	DefaultCurrency string  `mapstructure:"DEFAULT_CURRENCY"`
	FeePercent      float64 `mapstructure:"PLATFORM_FEE_PERCENT"`

	OfferExpiry     time.Duration `mapstructure:"OFFER_EXPIRY"`
	ShipBy          time.Duration `mapstructure:"SHIP_BY"`
	DeliveryConfirm time.Duration `mapstructure:"DELIVERY_CONFIRM"`

	SweepSchedule      string        `mapstructure:"DEADLINE_SWEEP_SCHEDULE"`
	DeadlineBatchSize  int           `mapstructure:"DEADLINE_BATCH_SIZE"`
	OutboxPollInterval time.Duration `mapstructure:"OUTBOX_POLL_INTERVAL"`

	StripeSecretKey     string `mapstructure:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret string `mapstructure:"STRIPE_WEBHOOK_SECRET"`

	Notifier         string `mapstructure:"NOTIFIER"`
	TelegramBotToken string `mapstructure:"TELEGRAM_BOT_TOKEN"`
	RabbitMQURL      string `mapstructure:"RABBITMQ_URL"`
	NotifyExchange   string `mapstructure:"NOTIFY_EXCHANGE"`

	AdminChatIDs string `mapstructure:"ADMIN_CHAT_IDS"`
	JWTSecret    string `mapstructure:"JWT_SECRET"`
	LogLevel     string `mapstructure:"LOG_LEVEL"`
}

var keys = []string{
	"DATABASE_URL", "DB_MAX_CONNS", "HTTP_ADDR", "BASE_URL", "DEFAULT_CURRENCY", "PLATFORM_FEE_PERCENT",
	"OFFER_EXPIRY", "SHIP_BY", "DELIVERY_CONFIRM",
	"DEADLINE_SWEEP_SCHEDULE", "DEADLINE_BATCH_SIZE", "OUTBOX_POLL_INTERVAL",
	"STRIPE_SECRET_KEY", "STRIPE_WEBHOOK_SECRET",
	"NOTIFIER", "TELEGRAM_BOT_TOKEN", "RABBITMQ_URL", "NOTIFY_EXCHANGE",
	"ADMIN_CHAT_IDS", "JWT_SECRET", "LOG_LEVEL",
}

// Load reads envFile if it exists, then the environment, and validates the result.
// An empty envFile means ".env".
func Load(envFile string) (*Config, error) {
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load %s: %w", envFile, err)
	}

	viper.SetDefault("DB_MAX_CONNS", 10)
	viper.SetDefault("HTTP_ADDR", ":8080")
	viper.SetDefault("BASE_URL", "http://localhost:8080")
	viper.SetDefault("DEFAULT_CURRENCY", "usd")
	viper.SetDefault("PLATFORM_FEE_PERCENT", 5.0)
	viper.SetDefault("OFFER_EXPIRY", "24h")
	viper.SetDefault("SHIP_BY", "168h")
	viper.SetDefault("DELIVERY_CONFIRM", "168h")
	viper.SetDefault("DEADLINE_SWEEP_SCHEDULE", "@every 30s")
	viper.SetDefault("DEADLINE_BATCH_SIZE", 50)
	viper.SetDefault("OUTBOX_POLL_INTERVAL", "2s")
	viper.SetDefault("NOTIFIER", "log")
	viper.SetDefault("NOTIFY_EXCHANGE", "escrow.notifications")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.AutomaticEnv()

	for _, key := range keys {
		_ = viper.BindEnv(key)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	cfg.DefaultCurrency = strings.ToLower(strings.TrimSpace(cfg.DefaultCurrency))
	cfg.Notifier = strings.ToLower(strings.TrimSpace(cfg.Notifier))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var problems []string
	if c.DatabaseURL == "" {
		problems = append(problems, "DATABASE_URL is required")
	}
	if c.FeePercent < 0 || c.FeePercent >= 100 {
		problems = append(problems, "PLATFORM_FEE_PERCENT must be in [0, 100)")
	}
	for name, d := range map[string]time.Duration{
		"OFFER_EXPIRY":         c.OfferExpiry,
		"SHIP_BY":              c.ShipBy,
		"DELIVERY_CONFIRM":     c.DeliveryConfirm,
		"OUTBOX_POLL_INTERVAL": c.OutboxPollInterval,
	} {
		if d <= 0 {
			problems = append(problems, name+" must be positive")
		}
	}
	switch c.Notifier {
	case "log":
	case "telegram":
		if c.TelegramBotToken == "" {
			problems = append(problems, "TELEGRAM_BOT_TOKEN is required for the telegram notifier")
		}
	case "amqp":
		if c.RabbitMQURL == "" {
			problems = append(problems, "RABBITMQ_URL is required for the amqp notifier")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown NOTIFIER %q", c.Notifier))
	}
	if _, err := c.AdminIDs(); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) == 0 {
		return nil
	}
	// Map iteration above is unordered.
	sort.Strings(problems)
	return fmt.Errorf("config: %s", strings.Join(problems, "; "))
}

// AdminIDs parses ADMIN_CHAT_IDS.
func (c *Config) AdminIDs() ([]int64, error) {
	var ids []int64
	for _, field := range strings.Split(c.AdminChatIDs, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		id, err := strconv.ParseInt(field, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("ADMIN_CHAT_IDS: %q is not a chat id", field)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (c *Config) FeeBasisPoints() int64 {
	return money.BasisPoints(c.FeePercent)
}

// Engine derives the engine settings.
func (c *Config) Engine() engine.Config {
	admins, _ := c.AdminIDs()
	return engine.Config{
		FeeBasisPoints:  c.FeeBasisPoints(),
		DefaultCurrency: c.DefaultCurrency,
		OfferExpiry:     c.OfferExpiry,
		ShipBy:          c.ShipBy,
		DeliveryConfirm: c.DeliveryConfirm,
		Admins:          admins,
	}
}
