package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Master is the bot's top-level configuration, read from config.json in the
// config directory. The legacy single-file layout carried every plugin's
// settings inline under "pluginConfig"; those sections migrate to
// per-plugin files on first access and the section is dropped on save.
type Master struct {
	path string

	Core struct {
		Plugins []string `mapstructure:"plugins" json:"plugins"`
	} `mapstructure:"core" json:"core"`

	PluginConfig map[string]map[string]any `mapstructure:"pluginConfig" json:"pluginConfig,omitempty"`

	Command struct {
		Prefix string `mapstructure:"prefix" json:"prefix"`
	} `mapstructure:"command" json:"command"`

	Store struct {
		Path string `mapstructure:"path" json:"path"`
	} `mapstructure:"store" json:"store"`

	Metrics struct {
		Addr string `mapstructure:"addr" json:"addr"`
	} `mapstructure:"metrics" json:"metrics"`
}

// LoadMaster reads <dir>/config.json. Environment variables prefixed
// CHANWARD_ override file values.
func LoadMaster(dir string) (*Master, error) {
	path := filepath.Join(dir, "config.json")

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetEnvPrefix("CHANWARD")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read master config %s: %w", path, err)
	}

	m := &Master{path: path}
	if err := v.Unmarshal(m); err != nil {
		return nil, fmt.Errorf("parse master config %s: %w", path, err)
	}
	return m, nil
}

// Dir returns the config directory the master was loaded from.
func (m *Master) Dir() string { return filepath.Dir(m.path) }

// Save rewrites the master config atomically. Compacted pluginConfig
// sections stay gone: the struct is the source of truth, not the original
// file bytes.
func (m *Master) Save() error {
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode master config: %w", err)
	}
	tmp := m.path + "~"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write master config: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return fmt.Errorf("replace master config: %w", err)
	}
	return nil
}
