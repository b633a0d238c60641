// Package config loads settlement layer configuration from the environment
// and an optional YAML file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the settlement layer.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Chain      ChainConfig      `yaml:"chain"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Redis      RedisConfig      `yaml:"redis"`
	Settlement SettlementConfig `yaml:"settlement"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host            string        `yaml:"host" env:"SERVER_HOST,default=0.0.0.0"`
	Port            int           `yaml:"port" env:"SERVER_PORT,default=8090"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT,default=15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT,default=60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT,default=10s"`
}

// ChainConfig controls the external ledger RPC client.
type ChainConfig struct {
	RPCURL          string        `yaml:"rpc_url" env:"CHAIN_RPC_URL,default=http://localhost:8899"`
	Commitment      string        `yaml:"commitment" env:"CHAIN_COMMITMENT,default=confirmed"`
	Timeout         time.Duration `yaml:"timeout" env:"CHAIN_TIMEOUT,default=30s"`
	RequestsPerSec  float64       `yaml:"requests_per_sec" env:"CHAIN_REQUESTS_PER_SEC,default=10"`
	RequestBurst    int           `yaml:"request_burst" env:"CHAIN_REQUEST_BURST,default=20"`
	ExplorerBaseURL string        `yaml:"explorer_base_url" env:"CHAIN_EXPLORER_BASE_URL,default=https://solscan.io/tx/"`
}

// LedgerConfig selects and configures the ledger store backend.
type LedgerConfig struct {
	// Backend is one of "memory", "postgres", "rest".
	Backend     string        `yaml:"backend" env:"LEDGER_BACKEND,default=memory"`
	PostgresDSN string        `yaml:"postgres_dsn" env:"LEDGER_POSTGRES_DSN,default="`
	RestURL     string        `yaml:"rest_url" env:"LEDGER_REST_URL,default="`
	RestAPIKey  string        `yaml:"rest_api_key" env:"LEDGER_REST_API_KEY,default="`
	RestTimeout time.Duration `yaml:"rest_timeout" env:"LEDGER_REST_TIMEOUT,default=10s"`
}

// RedisConfig controls the optional balance cache.
type RedisConfig struct {
	Addr     string        `yaml:"addr" env:"REDIS_ADDR,default="`
	Password string        `yaml:"password" env:"REDIS_PASSWORD,default="`
	DB       int           `yaml:"db" env:"REDIS_DB,default=0"`
	TTL      time.Duration `yaml:"ttl" env:"REDIS_BALANCE_TTL,default=5s"`
}

// SettlementConfig controls the settlement engine.
type SettlementConfig struct {
	CustodialAddress    string        `yaml:"custodial_address" env:"SETTLEMENT_CUSTODIAL_ADDRESS,default="`
	ConfirmDeadline     time.Duration `yaml:"confirm_deadline" env:"SETTLEMENT_CONFIRM_DEADLINE,default=30s"`
	ConfirmPollInterval time.Duration `yaml:"confirm_poll_interval" env:"SETTLEMENT_CONFIRM_POLL_INTERVAL,default=2s"`
	CheckpointRetries   int           `yaml:"checkpoint_retries" env:"SETTLEMENT_CHECKPOINT_RETRIES,default=3"`
	CheckpointBackoff   time.Duration `yaml:"checkpoint_backoff" env:"SETTLEMENT_CHECKPOINT_BACKOFF,default=1s"`
	RefreshInterval     time.Duration `yaml:"refresh_interval" env:"SETTLEMENT_REFRESH_INTERVAL,default=15s"`
	SignerURL           string        `yaml:"signer_url" env:"SETTLEMENT_SIGNER_URL,default="`
	SignerAPIKey        string        `yaml:"signer_api_key" env:"SETTLEMENT_SIGNER_API_KEY,default="`
	SignerTimeout       time.Duration `yaml:"signer_timeout" env:"SETTLEMENT_SIGNER_TIMEOUT,default=15s"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL,default=info"`
	Format string `yaml:"format" env:"LOG_FORMAT,default=text"`
	Output string `yaml:"output" env:"LOG_OUTPUT,default=stdout"`
}

// Load builds the configuration from environment variables, then overlays the
// YAML file named by CONFIG_FILE when one is present.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode environment: %w", err)
	}

	path := os.Getenv("CONFIG_FILE")
	if path == "" {
		return &cfg, nil
	}

	if err := overlayFile(&cfg, path); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromPath builds the configuration from the given YAML file over
// environment defaults.
func LoadFromPath(path string) (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if err := overlayFile(&cfg, path); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func overlayFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return cfg.Validate()
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Ledger.Backend {
	case "memory":
	case "postgres":
		if c.Ledger.PostgresDSN == "" {
			return fmt.Errorf("ledger backend postgres requires LEDGER_POSTGRES_DSN")
		}
	case "rest":
		if c.Ledger.RestURL == "" {
			return fmt.Errorf("ledger backend rest requires LEDGER_REST_URL")
		}
	default:
		return fmt.Errorf("unknown ledger backend %q", c.Ledger.Backend)
	}
	if c.Chain.RPCURL == "" {
		return fmt.Errorf("chain RPC URL required")
	}
	return nil
}
