// Package config loads runtime configuration from the environment,
// with optional .env files for development setups.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type ServerConfig struct {
	Listen string
	Port   int
}

type DatabaseConfig struct {
	URL string
}

// RPCConfig points at the Solana JSON-RPC endpoint used for polling
// and backfills.
type RPCConfig struct {
	Endpoint   string
	Commitment string
}

type PollerConfig struct {
	Interval   time.Duration
	PageSize   int
	KeepTxLogs bool
}

type WebhookConfig struct {
	// RequireHTTPS rejects plain-http delivery targets outside dev.
	RequireHTTPS bool
}

type LoggingConfig struct {
	Level  string
	Format string // "json" or "console"
}

// Config is the top-level configuration for uho.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	RPC      RPCConfig
	Poller   PollerConfig
	Webhook  WebhookConfig
	Logging  LoggingConfig
}

func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Listen: "127.0.0.1",
			Port:   8080,
		},
		Database: DatabaseConfig{
			URL: "postgres://localhost:5432/uho?sslmode=disable",
		},
		RPC: RPCConfig{
			Endpoint:   "https://api.mainnet-beta.solana.com",
			Commitment: "confirmed",
		},
		Poller: PollerConfig{
			Interval: 2 * time.Second,
			PageSize: 1000,
		},
		Webhook: WebhookConfig{
			RequireHTTPS: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load builds the configuration: defaults, then an optional .env file,
// then UHO_* environment variables. envFile may be empty.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return Config{}, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	} else {
		// Default .env is optional.
		godotenv.Load() //nolint:errcheck
	}

	cfg := Defaults()
	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("UHO_LISTEN"); v != "" {
		cfg.Server.Listen = v
	}
	if v := os.Getenv("UHO_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("UHO_DB_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("UHO_RPC_ENDPOINT"); v != "" {
		cfg.RPC.Endpoint = v
	}
	if v := os.Getenv("UHO_RPC_COMMITMENT"); v != "" {
		cfg.RPC.Commitment = v
	}
	if v := os.Getenv("UHO_POLL_INTERVAL_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.Poller.Interval = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("UHO_POLL_PAGE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Poller.PageSize = n
		}
	}
	if v := os.Getenv("UHO_KEEP_TX_LOGS"); v != "" {
		cfg.Poller.KeepTxLogs = v == "1" || v == "true"
	}
	if v := os.Getenv("UHO_WEBHOOK_REQUIRE_HTTPS"); v != "" {
		cfg.Webhook.RequireHTTPS = v != "0" && v != "false"
	}
	if v := os.Getenv("UHO_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("UHO_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}

var commitments = map[string]bool{
	"processed": true, "confirmed": true, "finalized": true,
}

// Validate checks that required fields are present and values are sane.
func (c *Config) Validate() error {
	var errs []error

	if c.Database.URL == "" {
		errs = append(errs, errors.New("database url is required"))
	}
	if c.RPC.Endpoint == "" {
		errs = append(errs, errors.New("rpc endpoint is required"))
	}
	if !commitments[c.RPC.Commitment] {
		errs = append(errs, fmt.Errorf("unknown commitment %q", c.RPC.Commitment))
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Server.Port))
	}
	if c.Poller.Interval < 500*time.Millisecond {
		errs = append(errs, fmt.Errorf("poll interval %s below 500ms floor", c.Poller.Interval))
	}
	if c.Poller.PageSize < 1 || c.Poller.PageSize > 1000 {
		errs = append(errs, fmt.Errorf("page size %d out of range [1,1000]", c.Poller.PageSize))
	}

	return errors.Join(errs...)
}
