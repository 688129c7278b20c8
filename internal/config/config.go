package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar")
	}
	if value.Value == "" {
		d.Duration = 0
		return nil
	}
	if value.Tag == "!!int" {
		var v int64
		if err := value.Decode(&v); err != nil {
			return err
		}
		d.Duration = time.Duration(v) * time.Millisecond
		return nil
	}
	dur, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	d.Duration = dur
	return nil
}

// Chain is one configured network endpoint.
type Chain struct {
	NetworkKind string   `yaml:"network_kind"`
	ChainID     uint64   `yaml:"chain_id"`
	HTTPURL     string   `yaml:"http_url"`
	BlockPeriod Duration `yaml:"block_period"`
	ExplorerURL string   `yaml:"explorer_url"`
	BundlerURL  string   `yaml:"bundler_url"`
}

type Config struct {
	Chains []Chain `yaml:"chains"`

	RPC struct {
		RequestTimeout Duration `yaml:"request_timeout"`
	} `yaml:"rpc"`

	Fees struct {
		HistoryWindow uint64 `yaml:"history_window"`
	} `yaml:"fees"`

	Pending struct {
		WaitTimeout  Duration `yaml:"wait_timeout"`
		PollInterval Duration `yaml:"poll_interval"`
	} `yaml:"pending"`

	Indexer struct {
		URL     string   `yaml:"url"`
		APIKey  string   `yaml:"api_key"`
		Timeout Duration `yaml:"timeout"`
	} `yaml:"indexer"`

	Safe struct {
		URL     string   `yaml:"url"`
		Timeout Duration `yaml:"timeout"`
	} `yaml:"safe"`

	Store struct {
		// SnapshotPath enables the file-backed in-memory store; PostgresDSN
		// selects the Postgres store instead when set.
		SnapshotPath string `yaml:"snapshot_path"`
		PostgresDSN  string `yaml:"postgres_dsn"`
	} `yaml:"store"`

	KeyStore struct {
		Dir           string `yaml:"dir"`
		PassphraseEnv string `yaml:"passphrase_env"`
	} `yaml:"keystore"`

	API struct {
		Listen    string `yaml:"listen"`
		AuthToken string `yaml:"auth_token"`
	} `yaml:"api"`

	Notify struct {
		WebhookURL string `yaml:"webhook_url"`
	} `yaml:"notify"`

	// AddressBook maps human-readable recipient names to addresses. Names
	// are matched case-insensitively during population.
	AddressBook map[string]string `yaml:"address_book"`
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	for i := range c.Chains {
		if c.Chains[i].BlockPeriod.Duration == 0 {
			c.Chains[i].BlockPeriod = Duration{Duration: 12 * time.Second}
		}
	}
	if c.RPC.RequestTimeout.Duration == 0 {
		c.RPC.RequestTimeout = Duration{Duration: 15 * time.Second}
	}
	if c.Fees.HistoryWindow == 0 {
		c.Fees.HistoryWindow = 20
	}
	if c.Pending.WaitTimeout.Duration == 0 {
		c.Pending.WaitTimeout = Duration{Duration: 5 * time.Minute}
	}
	if c.Pending.PollInterval.Duration == 0 {
		c.Pending.PollInterval = Duration{Duration: 4 * time.Second}
	}
	if c.Indexer.Timeout.Duration == 0 {
		c.Indexer.Timeout = Duration{Duration: 15 * time.Second}
	}
	if c.Safe.Timeout.Duration == 0 {
		c.Safe.Timeout = Duration{Duration: 15 * time.Second}
	}
	if c.Store.SnapshotPath == "" && c.Store.PostgresDSN == "" {
		c.Store.SnapshotPath = "data/store.json"
	}
	if c.KeyStore.Dir == "" {
		c.KeyStore.Dir = "data/keystore"
	}
	if c.KeyStore.PassphraseEnv == "" {
		c.KeyStore.PassphraseEnv = "TXCORE_KEYSTORE_PASSPHRASE"
	}
	if c.API.Listen == "" {
		c.API.Listen = ":8080"
	}
}

func (c *Config) validate() error {
	if len(c.Chains) == 0 {
		return fmt.Errorf("at least one chain is required")
	}
	seen := make(map[uint64]bool, len(c.Chains))
	for _, ch := range c.Chains {
		if ch.ChainID == 0 {
			return fmt.Errorf("chain_id is required")
		}
		if seen[ch.ChainID] {
			return fmt.Errorf("duplicate chain_id %d", ch.ChainID)
		}
		seen[ch.ChainID] = true
		if strings.TrimSpace(ch.HTTPURL) == "" {
			return fmt.Errorf("chain %d: http_url is required", ch.ChainID)
		}
		if ch.NetworkKind == "" {
			return fmt.Errorf("chain %d: network_kind is required", ch.ChainID)
		}
	}
	if c.Store.SnapshotPath != "" && c.Store.PostgresDSN != "" {
		return fmt.Errorf("snapshot_path and postgres_dsn are mutually exclusive")
	}
	for name, addr := range c.AddressBook {
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("address_book entry %q: invalid address %q", name, addr)
		}
	}
	return nil
}

// Passphrase reads the keystore passphrase from the configured environment
// variable.
func (c *Config) Passphrase() string {
	return os.Getenv(c.KeyStore.PassphraseEnv)
}
