package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("APP_ENV", "production")
	t.Setenv("DATABASE_URL", "postgres://prod/db")
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
	if cfg.TypingTimeout() != 2*time.Second {
		t.Errorf("typing timeout = %v", cfg.TypingTimeout())
	}
	if cfg.Chat.MessageWindow != 50 || cfg.Chat.MediaLimit != 100 {
		t.Errorf("chat = %+v", cfg.Chat)
	}
	if cfg.PushEnabled() {
		t.Error("push enabled without service url")
	}
}

func TestLoadYAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	yml := `
server:
  addr: ":9090"
docstore:
  backend: pebble
  pebble_path: /tmp/docs
chat:
  message_window: 20
  pair_keys: true
`
	if err := os.WriteFile(path, []byte(yml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("APP_ENV", "production")
	t.Setenv("CHAT_MESSAGE_WINDOW", "30")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Docstore.Backend != BackendPebble || cfg.Docstore.PebblePath != "/tmp/docs" {
		t.Errorf("docstore = %+v", cfg.Docstore)
	}
	if cfg.Chat.MessageWindow != 30 {
		t.Errorf("env must override yaml, window = %d", cfg.Chat.MessageWindow)
	}
	if !cfg.Chat.PairKeys {
		t.Error("pair_keys lost")
	}
	if cfg.Chat.MediaLimit != 100 {
		t.Errorf("unset field must keep default, media = %d", cfg.Chat.MediaLimit)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"default", func(*Config) {}, true},
		{"unknown backend", func(c *Config) { c.Docstore.Backend = "mongo" }, false},
		{"pebble without path", func(c *Config) { c.Docstore.Backend = BackendPebble; c.Docstore.PebblePath = "" }, false},
		{"zero window", func(c *Config) { c.Chat.MessageWindow = 0 }, false},
	}
	t.Setenv("APP_ENV", "")
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if (err == nil) != tc.ok {
				t.Fatalf("Validate() = %v, want ok=%v", err, tc.ok)
			}
		})
	}
}
