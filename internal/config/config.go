// Package config loads settings from the environment and an optional .env
// file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/jwulff/consulta/internal/domain"
)

type Config struct {
	// Backend
	APIURL         string        `env:"CONSULTA_API_URL" envDefault:"http://localhost:8000"`
	UserID         string        `env:"CONSULTA_USER_ID" envDefault:"anonymous_user"`
	RequestTimeout time.Duration `env:"CONSULTA_REQUEST_TIMEOUT" envDefault:"30s"`
	HTTPTimeout    time.Duration `env:"CONSULTA_HTTP_TIMEOUT" envDefault:"60s"`

	// Voice
	Language     string `env:"CONSULTA_LANGUAGE" envDefault:"es"`
	VoiceStyle   string `env:"CONSULTA_VOICE_STYLE" envDefault:"legal"`
	ResponseMode string `env:"CONSULTA_RESPONSE_MODE" envDefault:"text"`
	SampleRate   int    `env:"CONSULTA_SAMPLE_RATE" envDefault:"16000"`

	// Rendering
	StreamBaseDelay time.Duration `env:"CONSULTA_STREAM_BASE_DELAY" envDefault:"15ms"`

	// Local state
	StateDir string `env:"CONSULTA_STATE_DIR"`
	LogFile  string `env:"CONSULTA_LOG_FILE"`
	LogLevel string `env:"CONSULTA_LOG_LEVEL" envDefault:"info"`
}

// Load reads .env from the working directory, if present, then parses the
// environment. Variables already set win over .env.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return Parse()
}

// Parse builds a Config from the environment alone.
func Parse() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.StateDir == "" {
		dir, err := os.UserCacheDir()
		if err != nil {
			dir = os.TempDir()
		}
		cfg.StateDir = filepath.Join(dir, "consulta")
	}
	if cfg.LogFile == "" {
		cfg.LogFile = filepath.Join(cfg.StateDir, "consulta.log")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values env tags cannot express.
func (c *Config) Validate() error {
	var errs []error
	if !domain.ResponseMode(c.ResponseMode).Valid() {
		errs = append(errs, fmt.Errorf("CONSULTA_RESPONSE_MODE %q: want text or audio", c.ResponseMode))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("CONSULTA_REQUEST_TIMEOUT must be positive, got %s", c.RequestTimeout))
	}
	if c.HTTPTimeout <= 0 {
		errs = append(errs, fmt.Errorf("CONSULTA_HTTP_TIMEOUT must be positive, got %s", c.HTTPTimeout))
	}
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("CONSULTA_SAMPLE_RATE must be positive, got %d", c.SampleRate))
	}
	if c.StreamBaseDelay < 0 {
		errs = append(errs, fmt.Errorf("CONSULTA_STREAM_BASE_DELAY must not be negative, got %s", c.StreamBaseDelay))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Mode returns the configured response mode.
func (c *Config) Mode() domain.ResponseMode {
	return domain.ResponseMode(c.ResponseMode)
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return slog.LevelInfo, fmt.Errorf("CONSULTA_LOG_LEVEL %q: %w", c.LogLevel, err)
	}
	return lvl, nil
}
