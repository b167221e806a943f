package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/c2h5oh/datasize"
)

// Config holds shmapctl's optional defaults, loadable from a YAML file so
// repeated invocations against the same map don't need to repeat every
// flag.
type Config struct {
	Name         string            `yaml:"name"`
	BufferSize   datasize.ByteSize `yaml:"buffer_size"`
	SharedLock   bool              `yaml:"shared_lock"`
	FullDumpSize datasize.ByteSize `yaml:"full_dump_size"`
}

// DefaultConfig returns shmapctl's built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		BufferSize: 10_000 * datasize.B,
	}
}

// LoadConfig loads configuration from a YAML file at path, starting from
// DefaultConfig and overlaying whatever the file sets.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML configuration: %w", err)
	}

	return cfg, nil
}
