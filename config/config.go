package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
)

// Config is the escrowd daemon configuration. Addresses are 0x-prefixed hex.
// The primary token may be left empty at boot; sentinel-asset creations fail
// until an administrator configures it.
type Config struct {
	ListenAddress       string  `toml:"ListenAddress"`
	DataDir             string  `toml:"DataDir"`
	Env                 string  `toml:"Env"`
	AdminAddress        string  `toml:"AdminAddress"`
	PrimaryTokenAddress string  `toml:"PrimaryTokenAddress"`
	RPCToken            string  `toml:"RPCToken"`
	Webhook             Webhook `toml:"Webhook"`
}

// Webhook configures the optional notification sink. An empty URL disables
// delivery.
type Webhook struct {
	URL    string `toml:"URL"`
	Secret string `toml:"Secret"`
}

// Load loads the configuration from the given path, creating a default file
// when none exists. The RPC token may be overridden with ESCROWD_RPC_TOKEN.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg, err := createDefault(path)
		if err != nil {
			return nil, err
		}
		applyTokenOverride(cfg)
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	applyTokenOverride(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyTokenOverride(cfg *Config) {
	if token := strings.TrimSpace(os.Getenv("ESCROWD_RPC_TOKEN")); token != "" {
		cfg.RPCToken = token
	}
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = ":8545"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./escrowd-data"
	}
	if strings.TrimSpace(cfg.Env) == "" {
		cfg.Env = "dev"
	}
}

// Admin returns the parsed administrator address.
func (c *Config) Admin() common.Address {
	return common.HexToAddress(c.AdminAddress)
}

// PrimaryToken returns the parsed primary-token address, or the zero address
// when unconfigured.
func (c *Config) PrimaryToken() common.Address {
	if strings.TrimSpace(c.PrimaryTokenAddress) == "" {
		return common.Address{}
	}
	return common.HexToAddress(c.PrimaryTokenAddress)
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		ListenAddress: ":8545",
		DataDir:       "./escrowd-data",
		Env:           "dev",
	}
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

// Validate rejects configurations the daemon cannot safely run with.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config: nil config")
	}
	if err := checkAddress("AdminAddress", cfg.AdminAddress, false); err != nil {
		return err
	}
	if err := checkAddress("PrimaryTokenAddress", cfg.PrimaryTokenAddress, true); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.Webhook.URL) != "" && strings.TrimSpace(cfg.Webhook.Secret) == "" {
		return fmt.Errorf("config: Webhook.Secret required when Webhook.URL is set")
	}
	return nil
}

func checkAddress(field, value string, optional bool) error {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		if optional {
			return nil
		}
		return fmt.Errorf("config: %s is required", field)
	}
	if !common.IsHexAddress(trimmed) {
		return fmt.Errorf("config: %s is not a hex address", field)
	}
	if common.HexToAddress(trimmed) == (common.Address{}) {
		return fmt.Errorf("config: %s must be non-zero", field)
	}
	return nil
}
