package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte("{}"), "/etc/stark")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Server.Address != ":8080" || cfg.LLM.Provider != "openai" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	o := cfg.Orchestrator
	if o.MaxTotalIterations != 100 || o.MaxModeIterations != 30 || o.MaxCallsPerIteration != 4 || o.Retries() != 1 {
		t.Fatalf("unexpected orchestrator defaults %+v", o)
	}
	if cfg.Registry.PollIntervalMS != 50 || cfg.Registry.StopWaitMS != 5000 {
		t.Fatalf("unexpected registry defaults %+v", cfg.Registry)
	}
	if cfg.SessionStore.Driver != "memory" || cfg.MessageStore.Driver != "memory" || cfg.Queue.Driver != "memory" {
		t.Fatalf("drivers should default to memory")
	}
	if cfg.Auth.Mode != "disabled" {
		t.Fatalf("auth should default to disabled, got %s", cfg.Auth.Mode)
	}
	if cfg.Runtime.DataDir != filepath.Join("/etc/stark", "data") {
		t.Fatalf("data dir should resolve against config dir, got %s", cfg.Runtime.DataDir)
	}
}

func TestParseKeepsExplicitZeroRetries(t *testing.T) {
	cfg, err := Parse([]byte("orchestrator:\n  model_retries: 0\n"), ".")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Orchestrator.Retries() != 0 {
		t.Fatalf("explicit zero retries lost: %d", cfg.Orchestrator.Retries())
	}
}

func TestParseValidatesDrivers(t *testing.T) {
	cases := []struct {
		name    string
		content string
		want    string
	}{
		{"provider", "llm:\n  provider: gemini\n", "gemini"},
		{"session driver", "session_store:\n  driver: etcd\n", "session_store"},
		{"mysql dsn", "message_store:\n  driver: mysql\n", "storage.mysql.dsn"},
		{"redis address", "queue:\n  driver: redis\n", "storage.redis.address"},
		{"rabbitmq url", "queue:\n  driver: rabbitmq\n", "queue.rabbitmq.url"},
		{"auth mode", "auth:\n  mode: oauth\n", "oauth"},
		{"auth tokens", "auth:\n  mode: token\n", "auth.mode"},
		{"webhook url", "alerting:\n  webhooks:\n    - format: slack\n", "webhooks[0]"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.content), ".")
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}

func TestLoadFromEnvironmentPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stark.json")
	content := `{"llm": {"provider": "Anthropic", "anthropic": {"api_key_env": "STARK_TEST_KEY"}},
  "session_store": {"driver": "redis", "ttl_seconds": 60},
  "storage": {"redis": {"address": "localhost:6379"}},
  "knowledge": {"source": "knowledge.yaml"}}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(EnvConfigPath, path)
	t.Setenv("STARK_TEST_KEY", "secret")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LLM.Provider != "anthropic" || cfg.LLM.Anthropic.ResolveAPIKey() != "secret" {
		t.Fatalf("provider config not applied: %+v", cfg.LLM)
	}
	if cfg.SessionStore.TTL().Seconds() != 60 {
		t.Fatalf("unexpected ttl %v", cfg.SessionStore.TTL())
	}
	if cfg.Knowledge.Source != filepath.Join(dir, "knowledge.yaml") {
		t.Fatalf("knowledge source not resolved: %s", cfg.Knowledge.Source)
	}
}

func TestResolvePath(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	if got := ResolvePath(""); got != DefaultPath {
		t.Fatalf("expected default path, got %s", got)
	}
	if got := ResolvePath("custom.yaml"); got != "custom.yaml" {
		t.Fatalf("explicit path ignored: %s", got)
	}
}
