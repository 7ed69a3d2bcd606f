package config

import (
	"strings"
	"testing"
)

func validConfig() Config {
	return Config{
		Port:        4000,
		JWTSecret:   "secret",
		StoreDriver: StoreDriverMemory,
		AssemblyAI:  AssemblyAIConfig{APIKey: "aai"},
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing upstream key", func(c *Config) { c.AssemblyAI.APIKey = "" }, "ASSEMBLYAI_API_KEY"},
		{"missing jwt secret", func(c *Config) { c.JWTSecret = "" }, "JWT_SECRET"},
		{"unknown store", func(c *Config) { c.StoreDriver = "mongo" }, "STORE_DRIVER"},
		{"postgres without db", func(c *Config) { c.StoreDriver = StoreDriverPostgres }, "DB_NAME"},
		{"half billing", func(c *Config) { c.Billing.SecretKey = "sk" }, "STRIPE_WEBHOOK_SECRET"},
		{"billing without prices", func(c *Config) {
			c.Billing.SecretKey = "sk"
			c.Billing.WebhookSecret = "wh"
		}, "STRIPE_PRICES"},
		{"billing", func(c *Config) {
			c.Billing.SecretKey = "sk"
			c.Billing.WebhookSecret = "wh"
			c.Billing.Prices = "60:price_60, 200:price_200"
		}, ""},
		{"bad pack", func(c *Config) {
			c.Billing.SecretKey = "sk"
			c.Billing.WebhookSecret = "wh"
			c.Billing.Prices = "sixty:price_60"
		}, "invalid minutes"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.errMsg == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errMsg) {
				t.Fatalf("err = %v, want mention of %s", err, tt.errMsg)
			}
		})
	}
}

func TestPacks(t *testing.T) {
	t.Parallel()

	packs, err := BillingConfig{Prices: "60:price_60,200:price_200,"}.Packs()
	if err != nil {
		t.Fatalf("Packs: %v", err)
	}
	if len(packs) != 2 || packs[60] != "price_60" || packs[200] != "price_200" {
		t.Errorf("packs = %v", packs)
	}
}

func TestDSN(t *testing.T) {
	t.Parallel()

	got := DatabaseConfig{User: "u", Password: "p", Host: "db", Name: "relay", Port: 5432, SSLMode: "disable"}.DSN()
	want := "host=db port=5432 user=u dbname=relay password=p sslmode=disable"
	if got != want {
		t.Errorf("DSN = %q, want %q", got, want)
	}
}
