// Package config loads gympulse settings from the environment and an optional
// .env file. Process environment variables win over .env entries.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"gympulse/internal/domain/connection"
)

// Environment names.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
	EnvTest        = "test"
)

// DevJWTSecret signs tokens when GYMPULSE_JWT_SECRET is unset outside production.
const DevJWTSecret = "gympulse-development-secret-do-not-deploy"

const minProductionSecretLen = 32

var (
	ErrInvalidValue     = errors.New("invalid configuration value")
	ErrProductionSecret = errors.New("GYMPULSE_JWT_SECRET must be at least 32 characters in production")
)

var validate = validator.New()

// Config is the union of dashboard client and development backend settings.
type Config struct {
	Env       string `validate:"oneof=development production test"`
	LogLevel  slog.Level
	LogFormat string `validate:"oneof=text json"`

	// Dashboard client.
	APIURL         string        `validate:"required,url"`
	WSURL          string        `validate:"required,url"`
	Token          string        // bearer token; empty means log in with OwnerEmail/OwnerPassword
	MaxReconnect   int           `validate:"gte=1"`
	ReconnectBase  time.Duration `validate:"gt=0"`
	ReconnectMax   time.Duration `validate:"gtefield=ReconnectBase"`
	MarkTimeout    time.Duration `validate:"gt=0"`
	ReflowInterval time.Duration `validate:"gte=0"` // 0 disables periodic window reflow

	// Development backend.
	Addr          string `validate:"required"`
	DBPath        string `validate:"required"`
	JWTSecret     string `validate:"required"`
	OwnerEmail    string `validate:"required,email"`
	OwnerPassword string `validate:"required"`
}

// Load reads the given .env files (".env" when none are named; missing files
// are skipped) and then the process environment.
// POST: returned Config has passed validation
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	dotenv := make(map[string]string)
	for _, f := range files {
		m, err := godotenv.Read(f)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return Config{}, fmt.Errorf("read %s: %w", f, err)
		}
		for k, v := range m {
			if _, seen := dotenv[k]; !seen {
				dotenv[k] = v
			}
		}
	}
	return FromLookup(func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	})
}

// FromLookup builds a Config from an arbitrary key lookup.
func FromLookup(lookup func(string) (string, bool)) (Config, error) {
	r := reader{lookup: lookup}
	cfg := Config{
		Env:            r.str("GYMPULSE_ENV", EnvDevelopment),
		LogFormat:      strings.ToLower(r.str("GYMPULSE_LOG_FORMAT", "text")),
		APIURL:         r.str("GYMPULSE_API_URL", "http://localhost:8080"),
		WSURL:          r.str("GYMPULSE_WS_URL", "ws://localhost:8080/ws"),
		Token:          r.str("GYMPULSE_TOKEN", ""),
		MaxReconnect:   r.integer("GYMPULSE_MAX_RECONNECT", 5),
		ReconnectBase:  r.duration("GYMPULSE_RECONNECT_BASE", time.Second),
		ReconnectMax:   r.duration("GYMPULSE_RECONNECT_MAX", 30*time.Second),
		MarkTimeout:    r.duration("GYMPULSE_MARK_TIMEOUT", 10*time.Second),
		ReflowInterval: r.duration("GYMPULSE_REFLOW_INTERVAL", time.Minute),
		Addr:           r.str("GYMPULSE_ADDR", ":8080"),
		DBPath:         r.str("GYMPULSE_DB", "gympulse.db"),
		JWTSecret:      r.str("GYMPULSE_JWT_SECRET", ""),
		OwnerEmail:     r.str("GYMPULSE_OWNER_EMAIL", "owner@gympulse.local"),
		OwnerPassword:  r.str("GYMPULSE_OWNER_PASSWORD", ""),
	}
	if err := cfg.LogLevel.UnmarshalText([]byte(r.str("GYMPULSE_LOG_LEVEL", "info"))); err != nil {
		r.errs = append(r.errs, fmt.Errorf("%w: GYMPULSE_LOG_LEVEL: %v", ErrInvalidValue, err))
	}
	if len(r.errs) > 0 {
		return Config{}, errors.Join(r.errs...)
	}

	if cfg.Env != EnvProduction {
		if cfg.JWTSecret == "" {
			cfg.JWTSecret = DevJWTSecret
		}
		if cfg.OwnerPassword == "" {
			cfg.OwnerPassword = "change-me-owner-password"
		}
	} else if len(cfg.JWTSecret) < minProductionSecretLen {
		return Config{}, ErrProductionSecret
	}

	if err := validate.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	return cfg, nil
}

// Policy returns the reconnection policy.
func (c Config) Policy() connection.Policy {
	return connection.Policy{
		MaxReconnectAttempts: c.MaxReconnect,
		BaseDelay:            c.ReconnectBase,
		MaxDelay:             c.ReconnectMax,
	}
}

// IsProduction reports whether GYMPULSE_ENV is production.
func (c Config) IsProduction() bool {
	return c.Env == EnvProduction
}

// NewLogger builds the process logger for the configured level and format.
func (c Config) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.LogLevel}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

type reader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (r *reader) str(key, fallback string) string {
	if v, ok := r.lookup(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

func (r *reader) integer(key string, fallback int) int {
	raw := r.str(key, "")
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%w: %s=%q", ErrInvalidValue, key, raw))
		return fallback
	}
	return n
}

// duration accepts Go duration syntax ("1500ms", "2s") or a bare integer of milliseconds.
func (r *reader) duration(key string, fallback time.Duration) time.Duration {
	raw := r.str(key, "")
	if raw == "" {
		return fallback
	}
	if ms, err := strconv.Atoi(raw); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%w: %s=%q", ErrInvalidValue, key, raw))
		return fallback
	}
	return d
}
