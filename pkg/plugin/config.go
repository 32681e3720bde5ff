package plugin

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// Config is a plugin-scoped durable key/value blob backed by a JSON file.
// Values are kept as raw JSON so each plugin decodes into its own types.
// Set mutates memory only; Save writes the whole blob atomically.
type Config struct {
	path string

	mu   sync.Mutex
	data map[string]json.RawMessage
}

// OpenConfig reads the blob at path. A missing file yields an empty
// config; the file appears on first Save.
func OpenConfig(path string) (*Config, error) {
	c := &Config{path: path, data: make(map[string]json.RawMessage)}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &c.data); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	return c, nil
}

// Get decodes the value stored under key into out. The first return
// reports whether the key was present.
func (c *Config) Get(key string, out any) (bool, error) {
	c.mu.Lock()
	raw, ok := c.data[key]
	c.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return true, fmt.Errorf("decode config key %q: %w", key, err)
	}
	return true, nil
}

// Set stores v under key in memory. Call Save to persist.
func (c *Config) Set(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode config key %q: %w", key, err)
	}
	c.mu.Lock()
	c.data[key] = raw
	c.mu.Unlock()
	return nil
}

// Delete removes key from memory.
func (c *Config) Delete(key string) {
	c.mu.Lock()
	delete(c.data, key)
	c.mu.Unlock()
}

// Save writes the blob to disk via a temp file and rename, so a crash
// mid-write never leaves a truncated config behind.
func (c *Config) Save() error {
	c.mu.Lock()
	raw, err := json.MarshalIndent(c.data, "", "  ")
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encode config %s: %w", c.path, err)
	}
	tmp := c.path + "~"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write config %s: %w", c.path, err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("replace config %s: %w", c.path, err)
	}
	return nil
}
