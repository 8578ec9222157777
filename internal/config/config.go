// Package config содержит логику чтения конфигурации сервиса персональных книг.
package config

import (
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса персональных книг.
type Config struct {
	RunAddress    string `env:"RUN_ADDRESS"`
	DatabaseURI   string `env:"DATABASE_URI"`
	StorageDir    string `env:"STORAGE_DIR"`
	PublicBaseURL string `env:"PUBLIC_BASE_URL"`

	OpenAIAPIKey  string `env:"OPENAI_API_KEY"`
	OpenAIBaseURL string `env:"OPENAI_BASE_URL"`

	SessionSecret string        `env:"SESSION_SECRET"`
	AuthSecret    string        `env:"AUTH_SECRET"`
	AuthTokenTTL  time.Duration `env:"AUTH_TOKEN_TTL" envDefault:"24h"`
	WebhookSecret string        `env:"WEBHOOK_SECRET"`

	AdminEmails         []string `env:"ADMIN_EMAILS" envSeparator:","`
	GenerationRateLimit int      `env:"GENERATION_RATE_LIMIT" envDefault:"10"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envStorageDir := cfg.StorageDir

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI, in-memory storage when empty")
	flag.StringVar(&cfg.StorageDir, "s", "data", "directory for illustrations and rendered PDFs")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envStorageDir != "" {
		cfg.StorageDir = envStorageDir
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.StorageDir == "" {
		cfg.StorageDir = "data"
	}
	if cfg.PublicBaseURL == "" {
		cfg.PublicBaseURL = "http://" + cfg.RunAddress
	}
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")

	if cfg.GenerationRateLimit <= 0 {
		return nil, fmt.Errorf("GENERATION_RATE_LIMIT must be positive, got %d", cfg.GenerationRateLimit)
	}
	if cfg.AuthTokenTTL <= 0 {
		return nil, fmt.Errorf("AUTH_TOKEN_TTL must be positive, got %s", cfg.AuthTokenTTL)
	}

	emails := cfg.AdminEmails[:0]
	for _, e := range cfg.AdminEmails {
		if e = strings.TrimSpace(e); e != "" {
			emails = append(emails, e)
		}
	}
	cfg.AdminEmails = emails

	return cfg, nil
}

// AdminConfig содержит параметры утилиты администратора. Читается только из окружения.
type AdminConfig struct {
	DatabaseURI   string        `env:"DATABASE_URI"`
	StorageDir    string        `env:"STORAGE_DIR" envDefault:"data"`
	PublicBaseURL string        `env:"PUBLIC_BASE_URL" envDefault:"http://localhost:8080"`
	AuthSecret    string        `env:"AUTH_SECRET"`
	AuthTokenTTL  time.Duration `env:"AUTH_TOKEN_TTL" envDefault:"24h"`
}

// ParseAdmin считывает конфигурацию утилиты администратора из переменных окружения.
func ParseAdmin() (*AdminConfig, error) {
	cfg := &AdminConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")
	return cfg, nil
}
