package testutil

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/cmdean/chanward/pkg/plugin"
)

// MockHost implements plugin.Host with config files under a temp dir.
type MockHost struct {
	dir string

	mu      sync.Mutex
	loaded  map[string]bool
	configs map[string]*plugin.Config
}

var _ plugin.Host = (*MockHost)(nil)

// NewMockHost creates a host whose config files live under t.TempDir.
func NewMockHost(t *testing.T) *MockHost {
	t.Helper()
	return &MockHost{
		dir:     t.TempDir(),
		loaded:  make(map[string]bool),
		configs: make(map[string]*plugin.Config),
	}
}

func (h *MockHost) PluginConfig(name string) (*plugin.Config, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cfg, ok := h.configs[name]; ok {
		return cfg, nil
	}
	cfg, err := plugin.OpenConfig(filepath.Join(h.dir, name+".json"))
	if err != nil {
		return nil, err
	}
	h.configs[name] = cfg
	return cfg, nil
}

func (h *MockHost) Loaded(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.loaded[name]
}

// SetLoaded marks name as loaded for Requires checks.
func (h *MockHost) SetLoaded(name string, ok bool) {
	h.mu.Lock()
	h.loaded[name] = ok
	h.mu.Unlock()
}
