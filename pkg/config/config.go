package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Defaults matching the usual deployment.
const (
	DefaultAddress    = "0.0.0.0:8080"
	DefaultMaxFileMB  = 1000
	DefaultMaxTotalMB = 10240
	DefaultSourceType = "localfs"
	BytesPerMB        = 1024 * 1024
)

// Config represents the entire configuration file
type Config struct {
	Server  ServerConfig            `yaml:"server"`
	Cache   CacheConfig             `yaml:"cache"`
	Index   IndexConfig             `yaml:"index"`
	Source  SourceConfig            `yaml:"source"`
	Plugins map[string]PluginConfig `yaml:"plugins"`

	// pluginOrder preserves the YAML declaration order of the plugins
	// map; it is the registration order and therefore the selection
	// tie-break, so it must be stable.
	pluginOrder []string
}

// ServerConfig contains server-level configuration
type ServerConfig struct {
	Address  string `yaml:"address"`
	LogLevel string `yaml:"log_level"`
	Debug    bool   `yaml:"debug"`
}

// CacheConfig configures the extraction cache.
type CacheConfig struct {
	Directory      string `yaml:"directory"`
	MaxFileSizeMB  int64  `yaml:"max_file_size_mb"`
	MaxTotalSizeMB int64  `yaml:"max_total_size_mb"`
}

// IndexConfig configures the optional external search index. An empty
// URL leaves the notifier inert.
type IndexConfig struct {
	ElasticsearchURL string `yaml:"elasticsearch_url"`
}

// SourceConfig selects and configures the evidence source.
type SourceConfig struct {
	Type   string                 `yaml:"type"` // localfs, s3fs, memfs
	Root   string                 `yaml:"root"` // localfs root directory
	Config map[string]interface{} `yaml:"config"`
}

// PluginConfig is one plugin descriptor plus its private settings.
type PluginConfig struct {
	Enabled    *bool                  `yaml:"enabled"`
	Priority   int                    `yaml:"priority"`
	Extensions []string               `yaml:"extensions"`
	MimeTypes  []string               `yaml:"mimetypes"`
	Config     map[string]interface{} `yaml:"config"`
}

// IsEnabled treats plugins as enabled unless switched off explicitly.
func (p *PluginConfig) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// UnmarshalYAML captures the declaration order of the plugins mapping
// alongside the decoded values.
func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type configAlias Config
	aux := (*configAlias)(c)
	if err := node.Decode(aux); err != nil {
		return err
	}

	for i := 0; i < len(node.Content)-1; i += 2 {
		if node.Content[i].Value != "plugins" {
			continue
		}
		plugins := node.Content[i+1]
		for j := 0; j < len(plugins.Content)-1; j += 2 {
			c.pluginOrder = append(c.pluginOrder, plugins.Content[j].Value)
		}
	}
	return nil
}

// PluginOrder returns plugin names in declaration order.
func (c *Config) PluginOrder() []string {
	return c.pluginOrder
}

// LoadConfig loads configuration from a YAML file and applies defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// Default returns a configuration with all defaults applied, for runs
// without a config file.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = DefaultAddress
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Cache.Directory == "" {
		c.Cache.Directory = os.TempDir() + "/strata_cache"
	}
	if c.Cache.MaxFileSizeMB <= 0 {
		c.Cache.MaxFileSizeMB = DefaultMaxFileMB
	}
	if c.Cache.MaxTotalSizeMB <= 0 {
		c.Cache.MaxTotalSizeMB = DefaultMaxTotalMB
	}
	if c.Source.Type == "" {
		c.Source.Type = DefaultSourceType
	}
}

// GetPluginConfig returns the configuration for a specific plugin.
func (c *Config) GetPluginConfig(name string) (PluginConfig, bool) {
	cfg, ok := c.Plugins[name]
	return cfg, ok
}
