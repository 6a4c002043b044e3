package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	APIURL         string
	RelayURL       string
	Token          string
	RequestTimeout time.Duration
	RateLimit      int
	Breaker        bool
	DBPath         string
	Reconnect      bool
	NotifyURL      string
	LogLevel       slog.Level
	LogFormat      string
	MockAddr       string
}

// Load reads the configuration from the environment. A .env file in the
// working directory, if present, is loaded first without overriding
// variables that are already set.
func Load() (*Config, error) {
	cfg, err := LoadMock()
	if err != nil {
		return nil, err
	}
	cfg.APIURL = strings.TrimRight(getEnv("JOBTRACK_API_URL", ""), "/")
	cfg.DBPath = getEnv("JOBTRACK_DB_PATH", "jobtrack.db")
	cfg.Breaker = getEnv("JOBTRACK_BREAKER", "false") == "true"
	cfg.Reconnect = getEnv("JOBTRACK_RECONNECT", "true") != "false"
	cfg.NotifyURL = getEnv("JOBTRACK_NOTIFY_URL", "")

	if cfg.APIURL == "" {
		return nil, errors.New("JOBTRACK_API_URL must not be empty")
	}
	api, err := url.Parse(cfg.APIURL)
	if err != nil || (api.Scheme != "http" && api.Scheme != "https") || api.Host == "" {
		return nil, fmt.Errorf("JOBTRACK_API_URL %q must be an absolute http(s) URL", cfg.APIURL)
	}

	cfg.RelayURL = getEnv("JOBTRACK_RELAY_URL", "")
	if cfg.RelayURL == "" {
		cfg.RelayURL = DeriveRelayURL(api)
	}

	timeout, err := getEnvInt("JOBTRACK_REQUEST_TIMEOUT_SECONDS", 30)
	if err != nil {
		return nil, fmt.Errorf("JOBTRACK_REQUEST_TIMEOUT_SECONDS: %w", err)
	}
	if timeout < 1 {
		return nil, errors.New("JOBTRACK_REQUEST_TIMEOUT_SECONDS must be > 0")
	}
	cfg.RequestTimeout = time.Duration(timeout) * time.Second

	cfg.RateLimit, err = getEnvInt("JOBTRACK_RATE_LIMIT", 10)
	if err != nil {
		return nil, fmt.Errorf("JOBTRACK_RATE_LIMIT: %w", err)
	}
	if cfg.RateLimit < 0 {
		return nil, errors.New("JOBTRACK_RATE_LIMIT must be >= 0")
	}

	return cfg, nil
}

// LoadMock reads only the settings the local mock backend needs: the
// listen address, the accepted token and logging. It never requires an API
// URL.
func LoadMock() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Token:     getEnv("JOBTRACK_TOKEN", ""),
		LogFormat: getEnv("JOBTRACK_LOG_FORMAT", "text"),
		MockAddr:  getEnv("JOBTRACK_MOCK_ADDR", ":8081"),
	}
	if err := cfg.LogLevel.UnmarshalText([]byte(getEnv("JOBTRACK_LOG_LEVEL", "info"))); err != nil {
		return nil, fmt.Errorf("JOBTRACK_LOG_LEVEL: %w", err)
	}
	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		return nil, fmt.Errorf("JOBTRACK_LOG_FORMAT %q must be 'text' or 'json'", cfg.LogFormat)
	}
	return cfg, nil
}

// DeriveRelayURL maps the API base URL to the default WebSocket endpoint:
// http -> ws, https -> wss, path /ws on the same host.
func DeriveRelayURL(api *url.URL) string {
	u := *api
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws"
	u.RawQuery = ""
	return u.String()
}

// Logger builds the slog handler selected by LogFormat and LogLevel.
func (c *Config) Logger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.LogLevel}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", v)
	}
	return n, nil
}
