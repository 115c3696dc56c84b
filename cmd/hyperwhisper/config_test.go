package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/theramjad/hyperwhisper-fly/internal/config"
)

func loadTestConfig(t *testing.T) Config {
	t.Helper()
	var cfg Config
	if err := config.LoadConfig(serviceName, &cfg, config.WithConfigFile("config.yml")); err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	return cfg
}

func TestShippedConfigLoads(t *testing.T) {
	cfg := loadTestConfig(t)
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected shipped config to validate, got %v", err)
	}
	if cfg.Server.TrustedIPHeader != "Fly-Client-IP" {
		t.Errorf("expected Fly-Client-IP, got %q", cfg.Server.TrustedIPHeader)
	}
	if cfg.Identity.LicenseCacheTTL != 5*time.Minute {
		t.Errorf("expected 5m license cache, got %v", cfg.Identity.LicenseCacheTTL)
	}
	if cfg.RateLimit.DailyCredits != 200 {
		t.Errorf("expected 200 daily credits, got %v", cfg.RateLimit.DailyCredits)
	}
	if cfg.STT.Primary != "deepgram" || cfg.STT.Tertiary != "elevenlabs" {
		t.Errorf("expected deepgram/elevenlabs roles, got %q/%q", cfg.STT.Primary, cfg.STT.Tertiary)
	}
	if cfg.STT.Groq.MinBillableSeconds == nil || *cfg.STT.Groq.MinBillableSeconds != 10 {
		t.Errorf("expected 10s groq minimum, got %v", cfg.STT.Groq.MinBillableSeconds)
	}
	if cfg.Correction.BaseDelay != 500*time.Millisecond {
		t.Errorf("expected 500ms base delay, got %v", cfg.Correction.BaseDelay)
	}
	if cfg.Streaming.KeepaliveInterval != 20*time.Second {
		t.Errorf("expected 20s keepalive, got %v", cfg.Streaming.KeepaliveInterval)
	}
}

func TestEnvironmentOverridesVendorKeys(t *testing.T) {
	t.Setenv("STT_DEEPGRAM_API_KEY", "dg-key")
	t.Setenv("CORRECTION_PRIMARY_API_KEY", "cb-key")
	t.Setenv("RATE_LIMIT_DAILY_CREDITS", "50")

	cfg := loadTestConfig(t)
	if cfg.STT.Deepgram.APIKey != "dg-key" {
		t.Errorf("expected deepgram key from env, got %q", cfg.STT.Deepgram.APIKey)
	}
	if cfg.Correction.Primary.APIKey != "cb-key" {
		t.Errorf("expected cerebras key from env, got %q", cfg.Correction.Primary.APIKey)
	}
	if cfg.RateLimit.DailyCredits != 50 {
		t.Errorf("expected 50 daily credits, got %v", cfg.RateLimit.DailyCredits)
	}
}

func TestDefaultsWithoutFile(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected defaults to validate, got %v", err)
	}
	if cfg.Correction.Primary.Name != "cerebras" || cfg.Correction.Secondary.Name != "groq" {
		t.Errorf("expected cerebras/groq, got %q/%q", cfg.Correction.Primary.Name, cfg.Correction.Secondary.Name)
	}
	if cfg.ShutdownTimeout != 30*time.Second {
		t.Errorf("expected 30s shutdown timeout, got %v", cfg.ShutdownTimeout)
	}
	if cfg.Pricing.USDPerCredit != 0.001 {
		t.Errorf("expected 0.001 USD per credit, got %v", cfg.Pricing.USDPerCredit)
	}
}

func TestValidateRejectsSameCorrectionVendors(t *testing.T) {
	var cfg Config
	cfg.Correction.Primary.Name = "groq"
	cfg.Correction.Secondary.Name = "groq"
	cfg.ApplyDefaults()
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "different vendors") {
		t.Errorf("expected different vendors error, got %v", err)
	}
}

func TestLoaderOptionsFromEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yml")
	if err := os.WriteFile(path, []byte("name: gw-alt\nshutdown_timeout: 45s\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(envConfigFile, path)
	t.Setenv(envEnvFile, filepath.Join(dir, "missing.env"))

	var cfg Config
	if err := config.LoadConfig(serviceName, &cfg, loaderOptions()...); err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Name != "gw-alt" {
		t.Errorf("expected name from explicit file, got %q", cfg.Name)
	}
	if cfg.ShutdownTimeout != 45*time.Second {
		t.Errorf("expected 45s shutdown timeout, got %v", cfg.ShutdownTimeout)
	}
}
