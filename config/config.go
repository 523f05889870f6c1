// Package config loads escrowd's runtime configuration from a TOML file on
// disk, with environment variables overriding individual fields: a
// toml-tagged struct for the on-disk defaults, and env-var overrides for
// secrets and per-deployment knobs that should never be checked in.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the engine-wide configuration, covering both the recognized
// domain options and the ambient stack (logging, metrics, telemetry,
// storage, rate limiting).
type Config struct {
	Network string `toml:"Network"` // "mainnet", "testnet", "regtest"

	RecoveryCSVBlocks   int64 `toml:"RecoveryCSVBlocks"`
	AvgBlockIntervalMin int   `toml:"AvgBlockIntervalMinutes"`
	GraceDays           int   `toml:"GraceDays"`

	LTVWarningBp     int64 `toml:"LTVWarningBp"`
	LTVCriticalBp    int64 `toml:"LTVCriticalBp"`
	LTVLiquidationBp int64 `toml:"LTVLiquidationBp"`

	FeeRateSatPerVb int64 `toml:"FeeRateSatPerVb"`

	ChainPollIntervalSec int `toml:"ChainPollIntervalSeconds"`
	LTVPollIntervalSec   int `toml:"LTVPollIntervalSeconds"`
	PriceOracleIntervalSec int `toml:"PriceOracleIntervalSeconds"`
	PriceOracleMaxAgeSec   int `toml:"PriceOracleMaxAgeSeconds"`

	SignatureRateLimitMax    int `toml:"SignatureRateLimitMax"`
	SignatureRateLimitWindowSec int `toml:"SignatureRateLimitWindowSeconds"`

	IndexerRPCURL string `toml:"IndexerRPCURL"`

	PriceSourcePrimaryURL  string `toml:"PriceSourcePrimaryURL"`
	PriceSourceFallbackURL string `toml:"PriceSourceFallbackURL"`

	DatabaseDSN string `toml:"DatabaseDSN"`

	LogLevel string `toml:"LogLevel"`
	LogFile  string `toml:"LogFile"`

	MetricsListenAddr string `toml:"MetricsListenAddr"`

	OtelEndpoint string `toml:"OtelEndpoint"`
	OtelInsecure bool   `toml:"OtelInsecure"`

	// IndexerAuthToken and MasterKMSSecret are never read from the TOML
	// file; they are env-only so they never land in a config file an
	// operator might check in by mistake.
	IndexerAuthToken string
	MasterKMSSecret  string
}

// Load reads the TOML file at path, then applies environment overrides.
// If path does not exist, a config built entirely from defaults and the
// environment is returned.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("config: decode %s: %w", path, err)
			}
		}
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

// Default returns the out-of-the-box configuration for a regtest
// deployment.
func Default() *Config {
	return &Config{
		Network:                     "testnet",
		RecoveryCSVBlocks:           4320, // ~30 days at 10 minutes/block
		AvgBlockIntervalMin:         10,
		GraceDays:                  3,
		LTVWarningBp:               7500,
		LTVCriticalBp:              8500,
		LTVLiquidationBp:           9500,
		FeeRateSatPerVb:            10,
		ChainPollIntervalSec:       30,
		LTVPollIntervalSec:         60,
		PriceOracleIntervalSec:     30,
		PriceOracleMaxAgeSec:       120,
		SignatureRateLimitMax:      5,
		SignatureRateLimitWindowSec: 60,
		LogLevel:                   "info",
		MetricsListenAddr:          ":9464",
	}
}

func applyEnvOverrides(cfg *Config) {
	cfg.Network = stringFromEnv("ESCROWD_NETWORK", cfg.Network)
	cfg.IndexerRPCURL = stringFromEnv("ESCROWD_INDEXER_RPC_URL", cfg.IndexerRPCURL)
	cfg.IndexerAuthToken = strings.TrimSpace(os.Getenv("ESCROWD_INDEXER_AUTH_TOKEN"))
	cfg.PriceSourcePrimaryURL = stringFromEnv("ESCROWD_PRICE_PRIMARY_URL", cfg.PriceSourcePrimaryURL)
	cfg.PriceSourceFallbackURL = stringFromEnv("ESCROWD_PRICE_FALLBACK_URL", cfg.PriceSourceFallbackURL)
	cfg.DatabaseDSN = stringFromEnv("ESCROWD_DATABASE_DSN", cfg.DatabaseDSN)
	cfg.MasterKMSSecret = strings.TrimSpace(os.Getenv("ESCROWD_MASTER_KMS_SECRET"))
	cfg.LogLevel = stringFromEnv("ESCROWD_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFile = stringFromEnv("ESCROWD_LOG_FILE", cfg.LogFile)
	cfg.MetricsListenAddr = stringFromEnv("ESCROWD_METRICS_LISTEN_ADDR", cfg.MetricsListenAddr)
	cfg.OtelEndpoint = stringFromEnv("ESCROWD_OTEL_ENDPOINT", cfg.OtelEndpoint)
	cfg.OtelInsecure = boolFromEnv("ESCROWD_OTEL_INSECURE", cfg.OtelInsecure)
	cfg.FeeRateSatPerVb = int64FromEnv("ESCROWD_FEE_RATE_SAT_PER_VB", cfg.FeeRateSatPerVb)
}

// Sanitized returns a copy of cfg with secrets masked, safe to log.
func (cfg Config) Sanitized() Config {
	clone := cfg
	if clone.IndexerAuthToken != "" {
		clone.IndexerAuthToken = "***"
	}
	if clone.MasterKMSSecret != "" {
		clone.MasterKMSSecret = "***"
	}
	if clone.DatabaseDSN != "" {
		clone.DatabaseDSN = "***"
	}
	return clone
}

// Validate checks that cfg is internally consistent and complete enough to
// start the engine.
func (cfg Config) Validate() error {
	switch cfg.Network {
	case "mainnet", "testnet", "regtest":
	default:
		return fmt.Errorf("config: unknown network %q", cfg.Network)
	}
	if cfg.RecoveryCSVBlocks <= 0 || cfg.RecoveryCSVBlocks > 0xFFFF {
		return fmt.Errorf("config: RecoveryCSVBlocks must be in (0, 65535]")
	}
	if cfg.LTVWarningBp <= 0 || cfg.LTVCriticalBp <= cfg.LTVWarningBp || cfg.LTVLiquidationBp <= cfg.LTVCriticalBp {
		return fmt.Errorf("config: LTV thresholds must be strictly increasing")
	}
	if cfg.IndexerRPCURL == "" {
		return fmt.Errorf("config: IndexerRPCURL is required")
	}
	if cfg.PriceSourcePrimaryURL == "" {
		return fmt.Errorf("config: PriceSourcePrimaryURL is required")
	}
	if cfg.DatabaseDSN == "" {
		return fmt.Errorf("config: DatabaseDSN is required")
	}
	if cfg.FeeRateSatPerVb <= 0 {
		return fmt.Errorf("config: FeeRateSatPerVb must be > 0")
	}
	if cfg.SignatureRateLimitMax <= 0 || cfg.SignatureRateLimitWindowSec <= 0 {
		return fmt.Errorf("config: signature rate limit must be positive")
	}
	return nil
}

// AvgBlockInterval returns AvgBlockIntervalMin as a time.Duration.
func (cfg Config) AvgBlockInterval() time.Duration {
	return time.Duration(cfg.AvgBlockIntervalMin) * time.Minute
}

func stringFromEnv(key, fallback string) string {
	trimmed := strings.TrimSpace(os.Getenv(key))
	if trimmed == "" {
		return fallback
	}
	return trimmed
}

func boolFromEnv(key string, fallback bool) bool {
	trimmed := strings.TrimSpace(os.Getenv(key))
	if trimmed == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(trimmed)
	if err != nil {
		return fallback
	}
	return parsed
}

func int64FromEnv(key string, fallback int64) int64 {
	trimmed := strings.TrimSpace(os.Getenv(key))
	if trimmed == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		return fallback
	}
	return parsed
}
