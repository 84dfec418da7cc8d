// Package config loads the daemon configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"github.com/luxfi/klp/pkg/errs"
	"github.com/luxfi/klp/pkg/gov"
	"github.com/luxfi/klp/pkg/keeper"
	"github.com/luxfi/klp/pkg/venue"
)

const (
	DefaultDataDir       = "~/.klp"
	DefaultDBEngine      = "badgerdb"
	DefaultBlockInterval = 2 * time.Second
	DefaultJSONRPCAddr   = ":8080"
	DefaultWebSocketAddr = ":8081"
	DefaultGRPCAddr      = ":50051"
	DefaultMetricsAddr   = ":9090"
	DefaultNATSName      = "klpd"
	DefaultKeeperBatch   = 50
	DefaultLogLevel      = "info"
)

type Config struct {
	Node       NodeConfig        `yaml:"node"`
	API        APIConfig         `yaml:"api"`
	NATS       NATSConfig        `yaml:"nats"`
	Keeper     KeeperConfig      `yaml:"keeper"`
	Addresses  venue.Addresses   `yaml:"addresses"`
	Roles      venue.Roles       `yaml:"roles"`
	Prices     map[string]string `yaml:"prices"`
	Governance *gov.Config       `yaml:"governance"`
}

type NodeConfig struct {
	DataDir       string        `yaml:"data_dir"`
	DBEngine      string        `yaml:"db_engine"`
	BlockInterval time.Duration `yaml:"block_interval"`
	LogLevel      string        `yaml:"log_level"`
	// ResetGovernance ignores a governance config persisted by an earlier run.
	ResetGovernance bool `yaml:"reset_governance"`
}

type APIConfig struct {
	JSONRPCAddr   string `yaml:"jsonrpc_addr"`
	WebSocketAddr string `yaml:"websocket_addr"`
	GRPCAddr      string `yaml:"grpc_addr"`
	MetricsAddr   string `yaml:"metrics_addr"`
}

type NATSConfig struct {
	URL  string `yaml:"url"`
	Name string `yaml:"name"`
}

type KeeperConfig struct {
	Enabled       bool `yaml:"enabled"`
	keeper.Config `yaml:",inline"`
}

// Default returns a config with every optional field set.
func Default() *Config {
	c := &Config{Addresses: venue.DefaultAddresses(), Governance: gov.DefaultConfig()}
	c.applyDefaults()
	return c
}

// Load reads a YAML file, expanding ${VAR} references, over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	cfg := &Config{Addresses: venue.DefaultAddresses(), Governance: gov.DefaultConfig()}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// LoadAndValidate loads config, applies defaults, and validates.
func LoadAndValidate(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Node.DataDir == "" {
		c.Node.DataDir = DefaultDataDir
	}
	if c.Node.DBEngine == "" {
		c.Node.DBEngine = DefaultDBEngine
	}
	if c.Node.BlockInterval == 0 {
		c.Node.BlockInterval = DefaultBlockInterval
	}
	if c.Node.LogLevel == "" {
		c.Node.LogLevel = DefaultLogLevel
	}
	if c.API.JSONRPCAddr == "" {
		c.API.JSONRPCAddr = DefaultJSONRPCAddr
	}
	if c.API.WebSocketAddr == "" {
		c.API.WebSocketAddr = DefaultWebSocketAddr
	}
	if c.API.GRPCAddr == "" {
		c.API.GRPCAddr = DefaultGRPCAddr
	}
	if c.API.MetricsAddr == "" {
		c.API.MetricsAddr = DefaultMetricsAddr
	}
	if c.NATS.Name == "" {
		c.NATS.Name = DefaultNATSName
	}
	if c.Keeper.Interval == 0 {
		c.Keeper.Interval = c.Node.BlockInterval
	}
	if c.Keeper.BatchSize == 0 {
		c.Keeper.BatchSize = DefaultKeeperBatch
	}
	if c.Governance == nil {
		c.Governance = gov.DefaultConfig()
	}
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var problems []error
	switch c.Node.DBEngine {
	case "badgerdb", "memory":
	default:
		problems = append(problems, fmt.Errorf("node.db_engine must be badgerdb or memory, got %q", c.Node.DBEngine))
	}
	if c.Node.BlockInterval < 0 {
		problems = append(problems, errors.New("node.block_interval must be positive"))
	}
	if c.Addresses.Gov == (common.Address{}) {
		problems = append(problems, errors.New("addresses.gov is required"))
	}
	if c.Keeper.Enabled && c.Keeper.Address == (common.Address{}) {
		problems = append(problems, errors.New("keeper.address is required when the keeper is enabled"))
	}
	if c.Keeper.Enabled && c.Keeper.Interval <= 0 {
		problems = append(problems, errors.New("keeper.interval must be positive"))
	}
	for tok := range c.Prices {
		if !common.IsHexAddress(tok) {
			problems = append(problems, fmt.Errorf("prices: %q is not an address", tok))
			continue
		}
		if !c.Governance.IsWhitelisted(common.HexToAddress(tok)) {
			problems = append(problems, fmt.Errorf("prices: %s is not a configured token", tok))
		}
	}
	if err := c.Governance.Validate(errs.Default); err != nil {
		problems = append(problems, fmt.Errorf("governance: %w", err))
	}
	return errors.Join(problems...)
}

// SeedPrices returns the configured reference prices keyed by token.
func (c *Config) SeedPrices() map[common.Address]string {
	out := make(map[common.Address]string, len(c.Prices))
	for tok, price := range c.Prices {
		out[common.HexToAddress(tok)] = price
	}
	return out
}
