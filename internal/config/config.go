// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Blockchain settings
	RPCURL         string
	ChainID        int64
	EscrowContract string
	PrivateKey     string // Hex-encoded, with or without 0x prefix; optional

	// Escrow session settings
	ConfirmationTimeout time.Duration

	// HTTP settings
	RateLimitRPM int
	CORSOrigins  []string

	// Tracing
	OTLPEndpoint string
}

// Hardhat local-node defaults; the escrow contract is deployed there in dev.
const (
	DefaultRPCURL              = "http://127.0.0.1:8545"
	DefaultChainID             = 31337 // Hardhat local network
	DefaultPort                = "5000"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultRateLimit           = 120
	DefaultConfirmationTimeout = 90 * time.Second
)

// Load reads configuration from environment variables.
// It loads a .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		RPCURL:              getEnv("RPC_URL", DefaultRPCURL),
		ChainID:             getEnvInt64("CHAIN_ID", DefaultChainID),
		EscrowContract:      os.Getenv("ESCROW_CONTRACT"),
		PrivateKey:          os.Getenv("PRIVATE_KEY"), // Optional: without it, escrow sessions are disabled
		ConfirmationTimeout: getEnvDuration("CONFIRMATION_TIMEOUT", DefaultConfirmationTimeout),
		RateLimitRPM:        int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		CORSOrigins:         getEnvList("CORS_ORIGINS", []string{"*"}),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}
	if c.ChainID <= 0 {
		return fmt.Errorf("CHAIN_ID must be positive")
	}

	// A private key is only needed when escrow sessions are enabled, but if
	// one is supplied it must be well-formed.
	if c.PrivateKey != "" {
		key := strings.TrimPrefix(c.PrivateKey, "0x")
		if len(key) != 64 {
			return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
		}
	}

	if c.ConfirmationTimeout <= 0 {
		return fmt.Errorf("CONFIRMATION_TIMEOUT must be positive")
	}

	return nil
}

// EscrowEnabled reports whether the escrow session subsystem can run.
// It needs a signer key and a deployed contract address.
func (c *Config) EscrowEnabled() bool {
	return c.PrivateKey != "" && c.EscrowContract != ""
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
