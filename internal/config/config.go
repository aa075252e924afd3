// Package config loads voicediary settings from the environment.
// A .env file is read first if present; real environment variables win.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds the application configuration.
type Config struct {
	// Control API
	Port      int    `validate:"min=1,max=65535"` // VOICEDIARY_PORT (default: 8095)
	Host      string `validate:"required"`        // VOICEDIARY_HOST (default: 127.0.0.1)
	AuthToken string // VOICEDIARY_AUTH_TOKEN (optional, requires Bearer token when set)
	EnableTLS bool   // VOICEDIARY_ENABLE_TLS (default: false, self-signed cert)
	CertDir   string // VOICEDIARY_CERT_DIR (default: ~/.config/voicediary/tls)

	// Diary server
	ServerURL   string        `validate:"required,url,http_url"`  // VOICEDIARY_SERVER_URL (default: http://127.0.0.1:8000)
	UploadPath  string        `validate:"required,startswith=/"`  // VOICEDIARY_UPLOAD_PATH (default: /diary/upload-audio/)
	UploadField string        `validate:"required"`               // VOICEDIARY_UPLOAD_FIELD (default: audio)
	EntriesPath string        `validate:"required,startswith=/"`  // VOICEDIARY_ENTRIES_PATH (default: /diary/entries/)
	DeletePath  string        `validate:"required,contains={id}"` // VOICEDIARY_DELETE_PATH (default: /diary/entry/{id}/delete/)
	TextPath    string        `validate:"required,startswith=/"`  // VOICEDIARY_TEXT_PATH (default: /diary/api/entries/text/)
	HTTPTimeout time.Duration `validate:"min=0"`                  // VOICEDIARY_HTTP_TIMEOUT (default: 2m)

	// CSRF
	CSRFToken  string // VOICEDIARY_CSRF_TOKEN (optional fixed token)
	CSRFCookie string `validate:"required"` // VOICEDIARY_CSRF_COOKIE (default: csrftoken)
	CSRFPage   string // VOICEDIARY_CSRF_PAGE (optional page fetched at startup to prime the token)

	// Recording
	MaxDuration   time.Duration `validate:"min=0"`    // VOICEDIARY_MAX_DURATION (default: 0, stop manually)
	RecordCommand string        `validate:"required"` // VOICEDIARY_RECORD_COMMAND (default: arecord -q -f cd -t wav -)
	ChunkSize     int           `validate:"min=512"`  // VOICEDIARY_CHUNK_SIZE (default: 32768)

	// Inbox
	InboxDir string // VOICEDIARY_INBOX_DIR (optional, watched for audio files)

	// UI feedback
	NotifyTTL  time.Duration `validate:"min=0"` // VOICEDIARY_NOTIFY_TTL (default: 3s)
	EntriesTTL time.Duration `validate:"min=0"` // VOICEDIARY_ENTRIES_TTL (default: 30s)

	// Operations
	LogDir    string   // VOICEDIARY_LOG_DIR (optional, rotating log file)
	LogFormat string   `validate:"oneof=text json"` // VOICEDIARY_LOG_FORMAT (default: text)
	AccessLog bool     // VOICEDIARY_ACCESS_LOG (default: false)
	RateLimit int      `validate:"min=0"` // VOICEDIARY_RATE_LIMIT requests per minute per IP (default: 60, 0 disables)
	RateAllow []string // VOICEDIARY_RATE_ALLOW comma-separated IPs/CIDRs (default: 127.0.0.1,::1)
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:      envInt("VOICEDIARY_PORT", 8095),
		Host:      envStr("VOICEDIARY_HOST", "127.0.0.1"),
		AuthToken: envStr("VOICEDIARY_AUTH_TOKEN", ""),
		EnableTLS: envBool("VOICEDIARY_ENABLE_TLS", false),
		CertDir:   envStr("VOICEDIARY_CERT_DIR", defaultCertDir()),

		ServerURL:   strings.TrimRight(envStr("VOICEDIARY_SERVER_URL", "http://127.0.0.1:8000"), "/"),
		UploadPath:  envStr("VOICEDIARY_UPLOAD_PATH", "/diary/upload-audio/"),
		UploadField: envStr("VOICEDIARY_UPLOAD_FIELD", "audio"),
		EntriesPath: envStr("VOICEDIARY_ENTRIES_PATH", "/diary/entries/"),
		DeletePath:  envStr("VOICEDIARY_DELETE_PATH", "/diary/entry/{id}/delete/"),
		TextPath:    envStr("VOICEDIARY_TEXT_PATH", "/diary/api/entries/text/"),
		HTTPTimeout: envDuration("VOICEDIARY_HTTP_TIMEOUT", 2*time.Minute),

		CSRFToken:  envStr("VOICEDIARY_CSRF_TOKEN", ""),
		CSRFCookie: envStr("VOICEDIARY_CSRF_COOKIE", "csrftoken"),
		CSRFPage:   envStr("VOICEDIARY_CSRF_PAGE", ""),

		MaxDuration:   envDuration("VOICEDIARY_MAX_DURATION", 0),
		RecordCommand: envStr("VOICEDIARY_RECORD_COMMAND", "arecord -q -f cd -t wav -"),
		ChunkSize:     envInt("VOICEDIARY_CHUNK_SIZE", 32*1024),

		InboxDir: envStr("VOICEDIARY_INBOX_DIR", ""),

		NotifyTTL:  envDuration("VOICEDIARY_NOTIFY_TTL", 3*time.Second),
		EntriesTTL: envDuration("VOICEDIARY_ENTRIES_TTL", 30*time.Second),

		LogDir:    envStr("VOICEDIARY_LOG_DIR", ""),
		LogFormat: envStr("VOICEDIARY_LOG_FORMAT", "text"),
		AccessLog: envBool("VOICEDIARY_ACCESS_LOG", false),
		RateLimit: envInt("VOICEDIARY_RATE_LIMIT", 60),
		RateAllow: envList("VOICEDIARY_RATE_ALLOW", []string{"127.0.0.1", "::1"}),
	}
}

// LoadDotEnv loads the given .env files into the process environment.
// Variables that are already set are not overridden, and missing files
// are skipped.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration and reports every invalid field.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)", fe.Field(), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// ListenAddr returns the formatted listen address.
func (c *Config) ListenAddr() string {
	if strings.Contains(c.Host, ":") {
		return fmt.Sprintf("[%s]:%d", c.Host, c.Port)
	}
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func defaultCertDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home + "/.config/voicediary/tls"
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// envDuration accepts Go durations ("90s", "2m") or plain seconds ("6").
func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
