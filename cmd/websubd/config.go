package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"mauve.dev/websub"
)

// Config is the on-disk websubd configuration. The hub section maps
// straight onto websub.Config.
type Config struct {
	Listen string        `yaml:"listen"`
	Path   string        `yaml:"path"`
	Store  StoreConfig   `yaml:"store"`
	Hub    websub.Config `yaml:"hub"`
}

// StoreConfig selects the subscription store backend.
type StoreConfig struct {
	// Driver is one of memory, bolt or sqlite.
	Driver string `yaml:"driver"`

	// Path locates the database file for the bolt and sqlite drivers.
	Path string `yaml:"path"`
}

// Default returns the stock websubd configuration.
func Default() *Config {
	return &Config{
		Listen: ":8080",
		Path:   "/websub/hub",
		Store: StoreConfig{
			Driver: "bolt",
			Path:   "websub.db",
		},
		Hub: websub.DefaultConfig(),
	}
}

// DefaultPath returns the default configuration file path.
func DefaultPath() string {
	homeDir, _ := os.UserHomeDir()

	return filepath.Join(homeDir, ".websubd", "config.yaml")
}

// Load reads the configuration from a file, falling back to defaults
// when the file does not exist.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)

	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}

		return nil, err
	}

	cfg := Default()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes the configuration to a file, creating the directory as
// needed.
func Save(path string, cfg *Config) error {
	if path == "" {
		path = DefaultPath()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)

	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// overrides expands key=value pairs with dotted keys into the nested
// map shape websub.Config.Merge takes, so --set deliver.queue_size=128
// reaches the deliver section.
func overrides(pairs []string) (map[string]interface{}, error) {
	values := make(map[string]interface{})

	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")

		if !ok || key == "" {
			return nil, errors.Errorf("invalid override %q, want key=value", pair)
		}

		node := values
		parts := strings.Split(key, ".")

		for _, part := range parts[:len(parts)-1] {
			child, ok := node[part].(map[string]interface{})

			if !ok {
				child = make(map[string]interface{})
				node[part] = child
			}

			node = child
		}

		node[parts[len(parts)-1]] = value
	}

	return values, nil
}
