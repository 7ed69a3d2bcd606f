package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/echowrite/relay/services/quota/entity"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

type Config struct {
	Port        int      `env:"PORT" env-default:"4000"`
	GRPCPort    int      `env:"GRPC_PORT" env-default:"0"`
	LogLevel    string   `env:"LOG_LEVEL" env-default:"info"`
	LogJSON     bool     `env:"LOG_JSON" env-default:"false"`
	JWTSecret   string   `env:"JWT_SECRET"`
	CORSOrigins []string `env:"CORS_ORIGINS" env-separator:"," env-default:"*"`

	AssemblyAI  AssemblyAIConfig
	StoreDriver string `env:"STORE_DRIVER" env-default:"postgres"`
	Database    DatabaseConfig
	Billing     BillingConfig
}

type AssemblyAIConfig struct {
	APIKey string `env:"ASSEMBLYAI_API_KEY"`
	URL    string `env:"ASSEMBLYAI_URL" env-default:"wss://streaming.assemblyai.com/v3/ws"`
}

type DatabaseConfig struct {
	User     string `env:"DB_USER"`
	Password string `env:"DB_PASSWORD"`
	Host     string `env:"DB_HOST" env-default:"localhost"`
	Name     string `env:"DB_NAME"`
	Port     int    `env:"DB_PORT" env-default:"5432"`
	SSLMode  string `env:"DB_SSLMODE" env-default:"disable"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s dbname=%s password=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Name, d.Password, d.SSLMode)
}

type BillingConfig struct {
	SecretKey     string `env:"STRIPE_SECRET_KEY"`
	WebhookSecret string `env:"STRIPE_WEBHOOK_SECRET"`
	// Prices lists packs as minutes:priceID, e.g. "60:price_a,200:price_b".
	Prices     string `env:"STRIPE_PRICES"`
	SuccessURL string `env:"CHECKOUT_SUCCESS_URL" env-default:"http://localhost:5173/success"`
	CancelURL  string `env:"CHECKOUT_CANCEL_URL" env-default:"http://localhost:5173/cancel"`
}

// Enabled reports whether the payment processor is configured at all.
func (b BillingConfig) Enabled() bool {
	return b.SecretKey != "" || b.WebhookSecret != ""
}

// Packs parses Prices.
func (b BillingConfig) Packs() (entity.PricePacks, error) {
	packs := entity.PricePacks{}
	for _, pair := range strings.Split(b.Prices, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		minutes, price, ok := strings.Cut(pair, ":")
		if !ok {
			return nil, fmt.Errorf("invalid price pack %q", pair)
		}
		m, err := strconv.Atoi(strings.TrimSpace(minutes))
		if err != nil || m <= 0 {
			return nil, fmt.Errorf("invalid minutes in price pack %q", pair)
		}
		packs[m] = strings.TrimSpace(price)
	}
	return packs, nil
}

func MustLoad() *Config {
	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		panic("failed to read environment variables: " + err.Error())
	}
	if err := cfg.Validate(); err != nil {
		panic("invalid configuration: " + err.Error())
	}
	return &cfg
}

// Validate refuses configurations that would leave a feature silently
// degraded.
func (c *Config) Validate() error {
	var errs []error

	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.AssemblyAI.APIKey == "" {
		errs = append(errs, errors.New("ASSEMBLYAI_API_KEY is required"))
	}

	switch c.StoreDriver {
	case StoreDriverMemory:
	case StoreDriverPostgres:
		if c.Database.Name == "" || c.Database.User == "" {
			errs = append(errs, errors.New("DB_NAME and DB_USER are required for the postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver))
	}

	if c.Billing.Enabled() {
		if c.Billing.SecretKey == "" || c.Billing.WebhookSecret == "" {
			errs = append(errs, errors.New("STRIPE_SECRET_KEY and STRIPE_WEBHOOK_SECRET must be set together"))
		}
		packs, err := c.Billing.Packs()
		switch {
		case err != nil:
			errs = append(errs, err)
		case len(packs) == 0:
			errs = append(errs, errors.New("STRIPE_PRICES is required when billing is enabled"))
		}
	}

	return errors.Join(errs...)
}
