package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var allKeys = []string{
	"VOICEDIARY_PORT", "VOICEDIARY_HOST", "VOICEDIARY_AUTH_TOKEN", "VOICEDIARY_ENABLE_TLS",
	"VOICEDIARY_SERVER_URL", "VOICEDIARY_UPLOAD_PATH", "VOICEDIARY_UPLOAD_FIELD",
	"VOICEDIARY_ENTRIES_PATH", "VOICEDIARY_DELETE_PATH", "VOICEDIARY_TEXT_PATH",
	"VOICEDIARY_CSRF_TOKEN", "VOICEDIARY_CSRF_COOKIE", "VOICEDIARY_CSRF_PAGE",
	"VOICEDIARY_MAX_DURATION", "VOICEDIARY_RECORD_COMMAND", "VOICEDIARY_CHUNK_SIZE",
	"VOICEDIARY_INBOX_DIR", "VOICEDIARY_LOG_FORMAT", "VOICEDIARY_RATE_LIMIT", "VOICEDIARY_RATE_ALLOW",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range allKeys {
		// t.Setenv registers the restore; Unsetenv then removes it for the test.
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg := Load()

	if cfg.Port != 8095 {
		t.Errorf("Port = %d, want 8095", cfg.Port)
	}
	if cfg.Host != "127.0.0.1" {
		t.Errorf("Host = %q, want %q", cfg.Host, "127.0.0.1")
	}
	if cfg.ServerURL != "http://127.0.0.1:8000" {
		t.Errorf("ServerURL = %q, want default", cfg.ServerURL)
	}
	if cfg.UploadPath != "/diary/upload-audio/" || cfg.UploadField != "audio" {
		t.Errorf("upload target = %q field %q, want dashboard defaults", cfg.UploadPath, cfg.UploadField)
	}
	if cfg.MaxDuration != 0 {
		t.Errorf("MaxDuration = %v, want 0 (manual stop)", cfg.MaxDuration)
	}
	if cfg.NotifyTTL != 3*time.Second {
		t.Errorf("NotifyTTL = %v, want 3s", cfg.NotifyTTL)
	}
	if cfg.CSRFCookie != "csrftoken" {
		t.Errorf("CSRFCookie = %q", cfg.CSRFCookie)
	}
	if cfg.AuthToken != "" {
		t.Errorf("AuthToken = %q, want empty", cfg.AuthToken)
	}
	if len(cfg.RateAllow) != 2 {
		t.Errorf("RateAllow = %v, want loopback defaults", cfg.RateAllow)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("VOICEDIARY_PORT", "9999")
	t.Setenv("VOICEDIARY_HOST", "0.0.0.0")
	t.Setenv("VOICEDIARY_SERVER_URL", "https://diary.example.com/")
	t.Setenv("VOICEDIARY_UPLOAD_PATH", "/api/diary/upload/")
	t.Setenv("VOICEDIARY_UPLOAD_FIELD", "audio_file")
	t.Setenv("VOICEDIARY_AUTH_TOKEN", "secret123")
	t.Setenv("VOICEDIARY_MAX_DURATION", "6s")
	t.Setenv("VOICEDIARY_ENABLE_TLS", "true")
	t.Setenv("VOICEDIARY_RATE_ALLOW", " 10.0.0.0/8, ,192.168.1.5 ")

	cfg := Load()

	if cfg.Port != 9999 {
		t.Errorf("Port = %d, want 9999", cfg.Port)
	}
	if cfg.ServerURL != "https://diary.example.com" {
		t.Errorf("ServerURL = %q, trailing slash should be trimmed", cfg.ServerURL)
	}
	if cfg.UploadField != "audio_file" {
		t.Errorf("UploadField = %q", cfg.UploadField)
	}
	if cfg.AuthToken != "secret123" {
		t.Errorf("AuthToken = %q", cfg.AuthToken)
	}
	if cfg.MaxDuration != 6*time.Second {
		t.Errorf("MaxDuration = %v, want 6s", cfg.MaxDuration)
	}
	if !cfg.EnableTLS {
		t.Error("EnableTLS should be true")
	}
	if len(cfg.RateAllow) != 2 || cfg.RateAllow[0] != "10.0.0.0/8" || cfg.RateAllow[1] != "192.168.1.5" {
		t.Errorf("RateAllow = %q", cfg.RateAllow)
	}
}

func TestDurationAcceptsSeconds(t *testing.T) {
	t.Setenv("VOICEDIARY_MAX_DURATION", "6")
	if d := Load().MaxDuration; d != 6*time.Second {
		t.Errorf("MaxDuration = %v, want 6s", d)
	}
	t.Setenv("VOICEDIARY_MAX_DURATION", "soon")
	if d := Load().MaxDuration; d != 0 {
		t.Errorf("MaxDuration = %v, want fallback on invalid input", d)
	}
}

func TestListenAddr(t *testing.T) {
	cfg := &Config{Host: "0.0.0.0", Port: 8095}
	if addr := cfg.ListenAddr(); addr != "0.0.0.0:8095" {
		t.Errorf("ListenAddr() = %q, want 0.0.0.0:8095", addr)
	}
	cfg.Host = "::1"
	if addr := cfg.ListenAddr(); addr != "[::1]:8095" {
		t.Errorf("ListenAddr() = %q, want [::1]:8095", addr)
	}
}

func TestEnvIntInvalid(t *testing.T) {
	t.Setenv("VOICEDIARY_PORT", "not-a-number")
	cfg := Load()
	if cfg.Port != 8095 {
		t.Errorf("Port = %d, want fallback 8095 on invalid input", cfg.Port)
	}
}

func TestEnvBoolInvalid(t *testing.T) {
	t.Setenv("VOICEDIARY_ENABLE_TLS", "not-a-bool")
	if Load().EnableTLS {
		t.Error("EnableTLS should fallback to false on invalid input")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	clearEnv(t)
	tests := []struct {
		name  string
		mod   func(*Config)
		field string
	}{
		{"relative server url", func(c *Config) { c.ServerURL = "diary.local" }, "ServerURL"},
		{"port out of range", func(c *Config) { c.Port = 70000 }, "Port"},
		{"delete path without id", func(c *Config) { c.DeletePath = "/diary/entry/delete/" }, "DeletePath"},
		{"unknown log format", func(c *Config) { c.LogFormat = "xml" }, "LogFormat"},
		{"negative duration", func(c *Config) { c.MaxDuration = -time.Second }, "MaxDuration"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Load()
			tt.mod(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("error %q should name %s", err, tt.field)
			}
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("VOICEDIARY_PORT=7001\nVOICEDIARY_HOST=10.1.1.1\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("VOICEDIARY_HOST", "192.168.0.2")

	if err := LoadDotEnv(filepath.Join(dir, "missing.env"), path); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}

	cfg := Load()
	if cfg.Port != 7001 {
		t.Errorf("Port = %d, want value from .env", cfg.Port)
	}
	if cfg.Host != "192.168.0.2" {
		t.Errorf("Host = %q, real environment should win over .env", cfg.Host)
	}
}
