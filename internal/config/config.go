package config

import (
	"fmt"
	"math"
	"strings"

	"github.com/spf13/viper"
)

// Config is the full pipeline configuration, loaded from the environment
// with an optional .env file for development.
type Config struct {
	Env      string `mapstructure:"ENV"`
	Port     string `mapstructure:"PORT"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	// Source connector.
	ConnectorKind string `mapstructure:"CONNECTOR_KIND"` // "fhir" or "ndjson"
	FHIRBaseURL   string `mapstructure:"FHIR_BASE_URL"`
	FHIRAuthToken string `mapstructure:"FHIR_AUTH_TOKEN"`
	ExportDir     string `mapstructure:"EXPORT_DIR"`

	// Storage sinks.
	SinkBaseURL string `mapstructure:"SINK_BASE_URL"`
	SinkSecret  string `mapstructure:"SINK_SECRET"`
	SinkIssuer  string `mapstructure:"SINK_ISSUER"`

	// Ledger.
	LedgerURL       string `mapstructure:"LEDGER_URL"`
	LedgerAuthToken string `mapstructure:"LEDGER_AUTH_TOKEN"`
	ExplorerBaseURL string `mapstructure:"EXPLORER_BASE_URL"`
	ConsentChannel  string `mapstructure:"CONSENT_CHANNEL"`
	DataChannel     string `mapstructure:"DATA_CHANNEL"`

	// Revenue split. The rates are configuration with the standard default,
	// not baked-in constants.
	RatePatient      float64 `mapstructure:"RATE_PATIENT"`
	RateHospital     float64 `mapstructure:"RATE_HOSPITAL"`
	RatePlatform     float64 `mapstructure:"RATE_PLATFORM"`
	PricePerResource int64   `mapstructure:"PRICE_PER_RESOURCE"` // ledger minor units

	// Proof/run journal. When DATABASE_URL is empty the in-memory journal
	// is used, which is fine for one-shot runs but keeps no audit history.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
}

// Load reads the configuration from the environment and an optional .env
// file, applying defaults.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("ENV", "development")
	v.SetDefault("PORT", "8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CONNECTOR_KIND", "fhir")
	v.SetDefault("SINK_ISSUER", "careledger-pipeline")
	v.SetDefault("CONSENT_CHANNEL", "consent")
	v.SetDefault("DATA_CHANNEL", "data")
	v.SetDefault("RATE_PATIENT", 0.60)
	v.SetDefault("RATE_HOSPITAL", 0.25)
	v.SetDefault("RATE_PLATFORM", 0.15)
	v.SetDefault("PRICE_PER_RESOURCE", 100)
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"ENV", "PORT", "LOG_LEVEL",
		"CONNECTOR_KIND", "FHIR_BASE_URL", "FHIR_AUTH_TOKEN", "EXPORT_DIR",
		"SINK_BASE_URL", "SINK_SECRET", "SINK_ISSUER",
		"LEDGER_URL", "LEDGER_AUTH_TOKEN", "EXPLORER_BASE_URL",
		"CONSENT_CHANNEL", "DATA_CHANNEL",
		"RATE_PATIENT", "RATE_HOSPITAL", "RATE_PLATFORM", "PRICE_PER_RESOURCE",
		"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	} {
		v.BindEnv(key)
	}

	// Try reading .env, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// IsDev reports whether the pipeline runs in development mode.
func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks the configuration is safe to run with. Rate triples that
// do not sum to 1.0 are rejected here, before any run starts, since no
// partial progress is meaningful with a broken split.
func (c *Config) Validate() error {
	switch strings.ToLower(c.ConnectorKind) {
	case "fhir":
		if c.FHIRBaseURL == "" {
			return fmt.Errorf("FHIR_BASE_URL is required when CONNECTOR_KIND is \"fhir\"")
		}
	case "ndjson":
		if c.ExportDir == "" {
			return fmt.Errorf("EXPORT_DIR is required when CONNECTOR_KIND is \"ndjson\"")
		}
	default:
		return fmt.Errorf("CONNECTOR_KIND must be \"fhir\" or \"ndjson\", got %q", c.ConnectorKind)
	}

	if c.SinkBaseURL == "" {
		return fmt.Errorf("SINK_BASE_URL is required")
	}
	if c.SinkSecret == "" {
		return fmt.Errorf("SINK_SECRET is required")
	}
	if c.LedgerURL == "" {
		return fmt.Errorf("LEDGER_URL is required")
	}

	sum := c.RatePatient + c.RateHospital + c.RatePlatform
	if math.Abs(sum-1.0) > 1e-9 {
		return fmt.Errorf("revenue rates must sum to 1.0, got %.4f", sum)
	}
	if c.PricePerResource < 0 {
		return fmt.Errorf("PRICE_PER_RESOURCE must not be negative")
	}
	return nil
}
