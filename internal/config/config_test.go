package config

import (
	"strings"
	"testing"
)

func validConfig() *Config {
	return &Config{
		Env:           "development",
		ConnectorKind: "fhir",
		FHIRBaseURL:   "https://fhir.example",
		SinkBaseURL:   "https://sink.example",
		SinkSecret:    "secret",
		LedgerURL:     "https://ledger.example",
		RatePatient:   0.60,
		RateHospital:  0.25,
		RatePlatform:  0.15,
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("Port = %q", cfg.Port)
	}
	if cfg.ConsentChannel != "consent" || cfg.DataChannel != "data" {
		t.Errorf("channels = %q/%q", cfg.ConsentChannel, cfg.DataChannel)
	}
	if cfg.RatePatient != 0.60 || cfg.RateHospital != 0.25 || cfg.RatePlatform != 0.15 {
		t.Errorf("rates = %v/%v/%v", cfg.RatePatient, cfg.RateHospital, cfg.RatePlatform)
	}
	if cfg.PricePerResource != 100 {
		t.Errorf("PricePerResource = %d", cfg.PricePerResource)
	}
	if !cfg.IsDev() {
		t.Error("default env is not development")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("CONNECTOR_KIND", "ndjson")
	t.Setenv("RATE_PATIENT", "0.5")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != "9999" {
		t.Errorf("Port = %q", cfg.Port)
	}
	if cfg.ConnectorKind != "ndjson" {
		t.Errorf("ConnectorKind = %q", cfg.ConnectorKind)
	}
	if cfg.RatePatient != 0.5 {
		t.Errorf("RatePatient = %v", cfg.RatePatient)
	}
}

func TestConfig_Validate(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
}

func TestConfig_ValidateConnector(t *testing.T) {
	cfg := validConfig()
	cfg.FHIRBaseURL = ""
	if err := cfg.Validate(); err == nil {
		t.Error("fhir connector without base url accepted")
	}

	cfg = validConfig()
	cfg.ConnectorKind = "ndjson"
	if err := cfg.Validate(); err == nil {
		t.Error("ndjson connector without export dir accepted")
	}
	cfg.ExportDir = "/data/export"
	if err := cfg.Validate(); err != nil {
		t.Errorf("valid ndjson config rejected: %v", err)
	}

	cfg = validConfig()
	cfg.ConnectorKind = "carrier-pigeon"
	if err := cfg.Validate(); err == nil {
		t.Error("unknown connector kind accepted")
	}
}

func TestConfig_ValidateRates(t *testing.T) {
	cfg := validConfig()
	cfg.RatePlatform = 0.30
	err := cfg.Validate()
	if err == nil {
		t.Fatal("rates summing to 1.15 accepted")
	}
	if !strings.Contains(err.Error(), "sum to 1.0") {
		t.Errorf("err = %v", err)
	}

	cfg = validConfig()
	cfg.RatePatient = 0.50
	if err := cfg.Validate(); err == nil {
		t.Error("rates summing to 0.90 accepted")
	}
}

func TestConfig_ValidatePrice(t *testing.T) {
	cfg := validConfig()
	cfg.PricePerResource = -1
	if err := cfg.Validate(); err == nil {
		t.Error("negative price accepted")
	}
}
