package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Default endpoints used when config.toml leaves them unset.
const (
	DefaultChatServerURL  = "https://token-chat-service.herokuapp.com"
	DefaultEthereumRPCURL = "https://token-eth-service.herokuapp.com"
)

// Config represents the global ~/.sofa/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`
	ChatServerURL  string `toml:"chat_server_url"`
	EthereumRPCURL string `toml:"ethereum_rpc_url"`
	// AccountAddress is the node-managed account the daemon chats and pays
	// as. Required to start.
	AccountAddress string `toml:"account_address"`
	PushToken      string `toml:"push_token"`
	Language       string `toml:"language"`
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// LoadOrDefault reads config, falling back to defaults when the file is missing.
func LoadOrDefault(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		cfg = &Config{}
		cfg.applyDefaults()
	}
	return cfg
}

func (c *Config) applyDefaults() {
	if c.ChatServerURL == "" {
		c.ChatServerURL = DefaultChatServerURL
	}
	if c.EthereumRPCURL == "" {
		c.EthereumRPCURL = DefaultEthereumRPCURL
	}
	if c.Language == "" {
		c.Language = "en"
	}
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
