// Package config loads application configuration from environment variables.
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

	"github.com/ericfisherdev/ledgerkeep/internal/domain/model"
)

// minJWTSecretLen matches the token issuer's HMAC key floor.
const minJWTSecretLen = 32

// Config holds the application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	DBPath     string

	LedgerURL          string
	LedgerAPIKey       string
	LedgerTimeout      time.Duration
	LedgerReceiptWait  time.Duration
	ChainID            int64
	InitialBalance     int64
	MaxAutoTokenAssocs int

	KDF        model.KDFAlgorithm
	BcryptCost int

	JWTSecret string
	JWTTTL    time.Duration

	ReconcileInterval time.Duration
	StaleAttemptAfter time.Duration

	LogLevel  slog.Level
	LogFormat string
}

// LoginEnabled reports whether a JWT secret is configured. Without one the
// session endpoint is not served.
func (c *Config) LoginEnabled() bool {
	return c.JWTSecret != ""
}

// Load reads configuration from environment variables and returns a validated Config.
// LEDGERKEEP_LEDGER_URL is required; every other variable has a default.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:         lookup("LEDGERKEEP_LISTEN_ADDR", "127.0.0.1:8080"),
		DBPath:             lookup("LEDGERKEEP_DB_PATH", "ledgerkeep.db"),
		LedgerURL:          strings.TrimSpace(os.Getenv("LEDGERKEEP_LEDGER_URL")),
		LedgerAPIKey:       os.Getenv("LEDGERKEEP_LEDGER_API_KEY"),
		KDF:                model.KDFAlgorithm(strings.ToLower(lookup("LEDGERKEEP_KDF", string(model.KDFScrypt)))),
		JWTSecret:          os.Getenv("LEDGERKEEP_JWT_SECRET"),
		LogFormat:          strings.ToLower(lookup("LEDGERKEEP_LOG_FORMAT", "text")),
		ChainID:            296,
		InitialBalance:     10,
		MaxAutoTokenAssocs: 10,
		BcryptCost:         10,
	}

	if cfg.LedgerURL == "" {
		return nil, errors.New("LEDGERKEEP_LEDGER_URL is required")
	}
	u, err := url.Parse(cfg.LedgerURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("LEDGERKEEP_LEDGER_URL must be an http(s) URL, got %q", cfg.LedgerURL)
	}

	durations := []struct {
		key string
		def time.Duration
		dst *time.Duration
	}{
		{"LEDGERKEEP_LEDGER_TIMEOUT", 30 * time.Second, &cfg.LedgerTimeout},
		{"LEDGERKEEP_LEDGER_RECEIPT_WAIT", 60 * time.Second, &cfg.LedgerReceiptWait},
		{"LEDGERKEEP_JWT_TTL", time.Hour, &cfg.JWTTTL},
		{"LEDGERKEEP_RECONCILE_INTERVAL", 5 * time.Minute, &cfg.ReconcileInterval},
		{"LEDGERKEEP_STALE_ATTEMPT_AFTER", 10 * time.Minute, &cfg.StaleAttemptAfter},
	}
	for _, d := range durations {
		*d.dst = d.def
		if v, ok := os.LookupEnv(d.key); ok {
			parsed, err := time.ParseDuration(v)
			if err != nil {
				return nil, fmt.Errorf("%s has invalid duration %q: %w", d.key, v, err)
			}
			if parsed <= 0 {
				return nil, fmt.Errorf("%s must be positive, got %s", d.key, parsed)
			}
			*d.dst = parsed
		}
	}

	if v, ok := os.LookupEnv("LEDGERKEEP_CHAIN_ID"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("LEDGERKEEP_CHAIN_ID has invalid value %q", v)
		}
		cfg.ChainID = n
	}

	if v, ok := os.LookupEnv("LEDGERKEEP_INITIAL_BALANCE"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("LEDGERKEEP_INITIAL_BALANCE has invalid value %q", v)
		}
		cfg.InitialBalance = n
	}

	if v, ok := os.LookupEnv("LEDGERKEEP_MAX_TOKEN_ASSOCIATIONS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < -1 {
			return nil, fmt.Errorf("LEDGERKEEP_MAX_TOKEN_ASSOCIATIONS has invalid value %q", v)
		}
		cfg.MaxAutoTokenAssocs = n
	}

	if v, ok := os.LookupEnv("LEDGERKEEP_BCRYPT_COST"); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 4 || n > 31 {
			return nil, fmt.Errorf("LEDGERKEEP_BCRYPT_COST must be between 4 and 31, got %q", v)
		}
		cfg.BcryptCost = n
	}

	switch cfg.KDF {
	case model.KDFScrypt, model.KDFArgon2id:
	default:
		return nil, fmt.Errorf("LEDGERKEEP_KDF must be scrypt or argon2id, got %q", cfg.KDF)
	}

	if cfg.JWTSecret != "" && len(cfg.JWTSecret) < minJWTSecretLen {
		return nil, fmt.Errorf("LEDGERKEEP_JWT_SECRET must be at least %d bytes", minJWTSecretLen)
	}

	if v, ok := os.LookupEnv("LEDGERKEEP_LOG_LEVEL"); ok {
		if err := cfg.LogLevel.UnmarshalText([]byte(v)); err != nil {
			return nil, fmt.Errorf("LEDGERKEEP_LOG_LEVEL has invalid level %q: %w", v, err)
		}
	}
	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		return nil, fmt.Errorf("LEDGERKEEP_LOG_FORMAT must be text or json, got %q", cfg.LogFormat)
	}

	return cfg, nil
}

func lookup(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}
