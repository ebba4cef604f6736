package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models leadline.yml. The operator identity is loaded once at process
// start and passed into the server and sync engine constructors; it is never a
// package-level singleton.
type Config struct {
	Operator struct {
		Ref  string `yaml:"ref"`
		Name string `yaml:"name"`
	} `yaml:"operator"`
	Server struct {
		Port      int    `yaml:"port"`
		SharedKey string `yaml:"shared_key"`
	} `yaml:"server"`
	Sync struct {
		IntervalSec int    `yaml:"interval_sec"`
		BatchSize   int    `yaml:"batch_size"`
		Endpoint    string `yaml:"endpoint"`
		Token       string `yaml:"token"`
	} `yaml:"sync"`
	API struct {
		Addr      string `yaml:"addr"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"api"`
}

const (
	DefaultPort         = 65432
	DefaultSyncInterval = 60
	DefaultBatchSize    = 50
)

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create it with ll init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Sync.IntervalSec == 0 {
		c.Sync.IntervalSec = DefaultSyncInterval
	}
	if c.Sync.BatchSize == 0 {
		c.Sync.BatchSize = DefaultBatchSize
	}
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Operator.Ref) == "" {
		return fmt.Errorf("config.operator.ref is required")
	}
	if strings.TrimSpace(c.Server.SharedKey) == "" {
		return fmt.Errorf("config.server.shared_key is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config.server.port out of range: %d", c.Server.Port)
	}
	if c.Sync.IntervalSec < 1 {
		return fmt.Errorf("config.sync.interval_sec must be positive")
	}
	if c.Sync.BatchSize < 1 {
		return fmt.Errorf("config.sync.batch_size must be positive")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "leadline.yml")
}

// Default returns a config seeded for the given operator.
func Default(operatorRef, sharedKey string) *Config {
	var cfg Config
	cfg.Operator.Ref = operatorRef
	cfg.Operator.Name = operatorRef
	cfg.Server.SharedKey = sharedKey
	cfg.applyDefaults()
	return &cfg
}

// GenerateDefault returns default config YAML for ll init.
func GenerateDefault(operatorRef, sharedKey string) string {
	return fmt.Sprintf(defaultTemplate, operatorRef, operatorRef,
		DefaultPort, sharedKey, DefaultSyncInterval, DefaultBatchSize)
}

const defaultTemplate = `operator:
  ref: %s
  name: %s

server:
  port: %d
  shared_key: %s

sync:
  interval_sec: %d
  batch_size: %d
  # endpoint:  https://cloud.example.com/v1
  # token:     <bearer token>

api:
  # addr:       127.0.0.1:8943
  # jwt_secret: <hs256 secret>
`
