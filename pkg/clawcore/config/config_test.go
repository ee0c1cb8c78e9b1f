package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Agent.MaxRetries != 3 || cfg.Agent.MaxHistory != 40 || cfg.Agent.MaxResume != 3 {
		t.Errorf("defaults wrong: %+v", cfg.Agent)
	}
	if cfg.Database.Path != "data/sessions.db" {
		t.Errorf("db path = %q", cfg.Database.Path)
	}
	if !cfg.Agent.AutoRepair {
		t.Error("auto repair off by default")
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clawcore.yaml")
	data := []byte(`
agent:
  max_retries: 5
  scope: per-peer
llm:
  provider: vllm
  model: local-llama
database:
  path: /tmp/other.db
channels:
  telegram:
    enabled: true
    token: tok123
    allowed_chats: [11, 22]
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Agent.MaxRetries != 5 || cfg.Agent.Scope != "per-peer" {
		t.Errorf("agent = %+v", cfg.Agent)
	}
	if cfg.LLM.Provider != "vllm" || cfg.LLM.Model != "local-llama" {
		t.Errorf("llm = %+v", cfg.LLM)
	}
	if cfg.Database.Path != "/tmp/other.db" {
		t.Errorf("db = %q", cfg.Database.Path)
	}
	if !cfg.Channels.Telegram.Enabled || len(cfg.Channels.Telegram.AllowedChats) != 2 {
		t.Errorf("telegram = %+v", cfg.Channels.Telegram)
	}
	// Unset fields keep defaults.
	if cfg.Agent.MaxHistory != 40 {
		t.Errorf("max_history = %d", cfg.Agent.MaxHistory)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CLAWCORE_MODEL", "env-model")
	t.Setenv("CLAWCORE_MAX_RETRIES", "7")
	t.Setenv("CLAWCORE_DB_PATH", "/tmp/env.db")
	t.Setenv("CLAWCORE_MAX_HISTORY", "not-a-number")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LLM.Model != "env-model" {
		t.Errorf("model = %q", cfg.LLM.Model)
	}
	if cfg.Agent.MaxRetries != 7 {
		t.Errorf("max_retries = %d", cfg.Agent.MaxRetries)
	}
	if cfg.Database.Path != "/tmp/env.db" {
		t.Errorf("db = %q", cfg.Database.Path)
	}
	// Garbage numeric env values are ignored.
	if cfg.Agent.MaxHistory != 40 {
		t.Errorf("max_history = %d", cfg.Agent.MaxHistory)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "clawcore.yaml")

	cfg := DefaultConfig()
	cfg.LLM.Model = "saved-model"
	cfg.LLM.APIKey = "secret-key"
	if err := cfg.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	// The API key must never hit the file.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if strings.Contains(string(data), "secret-key") {
		t.Error("api key written to disk")
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if loaded.LLM.Model != "saved-model" {
		t.Errorf("model = %q", loaded.LLM.Model)
	}
	if loaded.LLM.APIKey != "" {
		t.Errorf("api key resurrected: %q", loaded.LLM.APIKey)
	}
}
