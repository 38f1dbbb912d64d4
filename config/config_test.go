package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Events.MaxPublishAttempts != 5 {
		t.Errorf("expected 5 publish attempts, got %d", cfg.Events.MaxPublishAttempts)
	}
	if cfg.ReturnPolicy.MaxElapsed != 5*time.Second {
		t.Errorf("expected 5s return policy, got %s", cfg.ReturnPolicy.MaxElapsed)
	}
	if cfg.Features.VoidTransactions {
		t.Error("expected void transactions disabled by default")
	}
	if err := cfg.Validate(); err == nil {
		t.Error("expected defaults without secrets to be invalid")
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	yaml := strings.Join([]string{
		"http:",
		"  addr: \":9090\"",
		"services:",
		"  fraud:",
		"    base_url: http://fraud.internal",
		"    timeout: 3s",
		"features:",
		"  void_transactions: true",
		"security:",
		"  jwt_secret: from-file",
		"  payment_key: " + testKey,
	}, "\n")
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("GATEWAY_SECURITY_JWT_SECRET", "from-env")
	t.Setenv("GATEWAY_RETURN_POLICY_MAX_ELAPSED", "2s")
	t.Setenv("GATEWAY_SERVICES_TRANSACTION_BASE_URL", "http://tx.internal")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Addr != ":9090" {
		t.Errorf("expected addr from file, got %q", cfg.HTTP.Addr)
	}
	if cfg.Services.Fraud.BaseURL != "http://fraud.internal" || cfg.Services.Fraud.Timeout != 3*time.Second {
		t.Errorf("unexpected fraud service: %+v", cfg.Services.Fraud)
	}
	if cfg.Services.Transaction.BaseURL != "http://tx.internal" {
		t.Errorf("expected transaction url from env, got %q", cfg.Services.Transaction.BaseURL)
	}
	if cfg.Services.Cascade.BaseURL != Default().Services.Cascade.BaseURL {
		t.Errorf("expected cascade default, got %q", cfg.Services.Cascade.BaseURL)
	}
	if cfg.Security.JWTSecret != "from-env" {
		t.Errorf("expected env to win over file, got %q", cfg.Security.JWTSecret)
	}
	if cfg.ReturnPolicy.MaxElapsed != 2*time.Second {
		t.Errorf("expected 2s from env, got %s", cfg.ReturnPolicy.MaxElapsed)
	}
	if !cfg.Features.VoidTransactions {
		t.Error("expected void transactions enabled from file")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
