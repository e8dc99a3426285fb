// Package config loads runtime settings from the environment and an
// optional .env file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/manash/jimeng/internal/provider"
	"github.com/manash/jimeng/pkg/models"
)

type Config struct {
	AppEnv   string
	LogLevel string
	Verbose  bool

	// SessionID may hold several comma separated tokens.
	SessionID string

	BaseURLDomestic      string
	BaseURLInternational string
	CommerceURLUS        string
	CommerceURLIntl      string
	UploadPath           string
	HTTPTimeout          time.Duration

	CatalogPath string
	HistoryDB   string
	OutputDir   string

	Port            string
	ShutdownTimeout time.Duration
}

// Load reads .env files when present, then the environment. Values already
// set in the environment are not overridden by .env.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env", ".env.local"}
	}
	for _, f := range files {
		_ = godotenv.Load(f)
	}
	return FromEnv()
}

func FromEnv() (*Config, error) {
	timeout, err := getEnvInt("JIMENG_HTTP_TIMEOUT_SECONDS", 120)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("JIMENG_HTTP_TIMEOUT_SECONDS must be positive, got %d", timeout)
	}
	shutdown, err := getEnvInt("JIMENG_SHUTDOWN_TIMEOUT_SECONDS", 30)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		AppEnv:               getEnv("APP_ENV", "development"),
		LogLevel:             os.Getenv("JIMENG_LOG_LEVEL"),
		Verbose:              getEnvBool("JIMENG_VERBOSE"),
		SessionID:            os.Getenv("JIMENG_SESSION_ID"),
		BaseURLDomestic:      os.Getenv("JIMENG_BASE_URL_CN"),
		BaseURLInternational: os.Getenv("JIMENG_BASE_URL_INTL"),
		CommerceURLUS:        os.Getenv("JIMENG_COMMERCE_URL_US"),
		CommerceURLIntl:      os.Getenv("JIMENG_COMMERCE_URL_INTL"),
		UploadPath:           os.Getenv("JIMENG_UPLOAD_PATH"),
		HTTPTimeout:          time.Duration(timeout) * time.Second,
		CatalogPath:          os.Getenv("JIMENG_CATALOG_PATH"),
		HistoryDB:            os.Getenv("JIMENG_HISTORY_DB"),
		OutputDir:            getEnv("JIMENG_OUTPUT_DIR", "."),
		Port:                 getEnv("PORT", "5100"),
		ShutdownTimeout:      time.Duration(shutdown) * time.Second,
	}
	return cfg, nil
}

// ProviderConfig returns the backend settings for one region. Empty URLs
// leave the client's built-in defaults in place.
func (c *Config) ProviderConfig(r models.Region) *provider.Config {
	pc := &provider.Config{
		UploadPath: c.UploadPath,
		TimeoutSec: int(c.HTTPTimeout / time.Second),
		Verbose:    c.Verbose,
	}
	switch {
	case r.IsDomestic():
		pc.BaseURL = c.BaseURLDomestic
		pc.CommerceURL = c.BaseURLDomestic
	case r.IsPrimary():
		pc.BaseURL = c.BaseURLInternational
		pc.CommerceURL = c.CommerceURLUS
	default:
		pc.BaseURL = c.BaseURLInternational
		pc.CommerceURL = c.CommerceURLIntl
	}
	return pc
}

// ConfigureFactory registers ProviderConfig for every region.
func (c *Config) ConfigureFactory(f *provider.Factory) {
	for _, r := range models.AllRegions() {
		f.Configure(r, c.ProviderConfig(r))
	}
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	i, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", key, v)
	}
	return i, nil
}

func getEnvBool(key string) bool {
	b, _ := strconv.ParseBool(strings.TrimSpace(os.Getenv(key)))
	return b
}
