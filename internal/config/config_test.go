package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "server:\n  port: 9090\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("server.port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Reconciler.Interval != 30*time.Second {
		t.Errorf("reconciler.interval = %v, want 30s", cfg.Reconciler.Interval)
	}
	if cfg.Providers.Kie.Timeout != 45*time.Second {
		t.Errorf("providers.kie.timeout = %v, want 45s", cfg.Providers.Kie.Timeout)
	}
	if cfg.Providers.Kie.MaxRetries != 2 {
		t.Errorf("providers.kie.max_retries = %d, want 2", cfg.Providers.Kie.MaxRetries)
	}
	if cfg.Credits.CreditsPerAngle != 20 {
		t.Errorf("credits.credits_per_angle = %d, want 20", cfg.Credits.CreditsPerAngle)
	}
	if cfg.Credits.MaxQuantity != 4 {
		t.Errorf("credits.max_quantity = %d, want 4", cfg.Credits.MaxQuantity)
	}
	if cfg.Reconciler.LockWait != 30*time.Second {
		t.Errorf("reconciler.lock_wait = %v, want 30s", cfg.Reconciler.LockWait)
	}
	if len(cfg.Models) == 0 {
		t.Fatal("expected default model routes")
	}
	if m := cfg.FindModel("nano-banana-pro"); m == nil || m.Adapter != AdapterKieMarket {
		t.Errorf("nano-banana-pro route = %+v", m)
	}
}

func TestLoadModelsFromFile(t *testing.T) {
	body := `
models:
  - key: custom-image
    adapter: kie_market
    kind: image
    credits: 7
reconciler:
  interval: 5s
  subtask_timeout: 10m
  lock_wait: 5s
credits:
  max_quantity: 8
`
	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Models) != 1 {
		t.Fatalf("models = %d, want 1", len(cfg.Models))
	}
	m := cfg.Models[0]
	if m.ProviderModel != "custom-image" {
		t.Errorf("provider model should default to key, got %q", m.ProviderModel)
	}
	if cfg.Reconciler.Interval != 5*time.Second || cfg.Reconciler.SubTaskTimeout != 10*time.Minute {
		t.Errorf("reconciler durations = %v / %v", cfg.Reconciler.Interval, cfg.Reconciler.SubTaskTimeout)
	}
	if cfg.Reconciler.LockWait != 5*time.Second {
		t.Errorf("reconciler.lock_wait = %v, want 5s", cfg.Reconciler.LockWait)
	}
	if cfg.Credits.MaxQuantity != 8 {
		t.Errorf("credits.max_quantity = %d, want 8", cfg.Credits.MaxQuantity)
	}
}

func TestModelConfigValidate(t *testing.T) {
	testCases := []struct {
		name    string
		model   ModelConfig
		wantErr bool
	}{
		{name: "valid", model: ModelConfig{Key: "a", Adapter: AdapterKieVeo, Kind: "video", Credits: 1}},
		{name: "missing key", model: ModelConfig{Adapter: AdapterKieVeo, Kind: "video", Credits: 1}, wantErr: true},
		{name: "zero credits", model: ModelConfig{Key: "a", Adapter: AdapterKieVeo, Kind: "video"}, wantErr: true},
		{name: "unknown adapter", model: ModelConfig{Key: "a", Adapter: "other", Kind: "video", Credits: 1}, wantErr: true},
		{name: "unknown kind", model: ModelConfig{Key: "a", Adapter: AdapterKling, Kind: "audio", Credits: 1}, wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.model.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestDatabaseDSN(t *testing.T) {
	pg := DatabaseConfig{Driver: "postgres", URL: "postgres://u:p@localhost/db"}
	if pg.DSN() != pg.URL {
		t.Errorf("postgres DSN = %q", pg.DSN())
	}
	lite := DatabaseConfig{Driver: "sqlite", Path: "./data/x.db"}
	if lite.DSN() != "./data/x.db?_busy_timeout=5000" {
		t.Errorf("sqlite DSN = %q", lite.DSN())
	}
}

func TestLLMConfig(t *testing.T) {
	t.Setenv("TEST_LLM_KEY", "from-env")

	cfg := LLMConfig{Enabled: true, Model: "m", APIKeyEnv: "TEST_LLM_KEY"}
	cfg.ResolveEnvVars()
	if cfg.APIKey != "from-env" {
		t.Errorf("api key = %q, want from-env", cfg.APIKey)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}

	direct := LLMConfig{APIKey: "direct", APIKeyEnv: "TEST_LLM_KEY"}
	direct.ResolveEnvVars()
	if direct.APIKey != "direct" {
		t.Errorf("direct key overridden: %q", direct.APIKey)
	}

	if err := (&LLMConfig{Enabled: true, Model: "m"}).Validate(); err == nil {
		t.Error("expected error for missing api key")
	}
	if err := (&LLMConfig{}).Validate(); err != nil {
		t.Errorf("disabled config should be valid: %v", err)
	}
}
