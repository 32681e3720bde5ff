// Package registry owns plugin lifecycle: construction via registered
// factories, configuration, start/stop ordering, and the per-plugin config
// files plugins persist state into.
package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/cmdean/chanward/pkg/plugin"
)

// Registry loads and unloads plugins and serves as their Host. Loaded
// plugins are tracked in load order so UnloadAll can stop them in reverse.
type Registry struct {
	logger    *zap.Logger
	transport plugin.Transport
	store     plugin.Store
	master    *Master

	mu        sync.Mutex
	factories map[string]plugin.Factory
	loaded    map[string]*descriptor
	order     []string
	configs   map[string]*plugin.Config
}

type descriptor struct {
	plugin plugin.Plugin
}

var _ plugin.Host = (*Registry)(nil)

// New creates a registry bound to the transport, store, and master config.
func New(logger *zap.Logger, transport plugin.Transport, store plugin.Store, master *Master) *Registry {
	return &Registry{
		logger:    logger.Named("registry"),
		transport: transport,
		store:     store,
		master:    master,
		factories: make(map[string]plugin.Factory),
		loaded:    make(map[string]*descriptor),
		configs:   make(map[string]*plugin.Config),
	}
}

// RegisterFactory makes a plugin constructible under name.
func (r *Registry) RegisterFactory(name string, f plugin.Factory) {
	r.mu.Lock()
	r.factories[name] = f
	r.mu.Unlock()
}

// Load constructs, configures, and starts the named plugin. On any
// failure the transport carries no trace of the plugin afterward.
//
// The mutex is not held across Reload and Start: both may call back into
// PluginConfig, and Reload in particular always does.
func (r *Registry) Load(ctx context.Context, name string) error {
	r.mu.Lock()
	if _, ok := r.loaded[name]; ok {
		r.mu.Unlock()
		return fmt.Errorf("plugin %s is already loaded", name)
	}
	factory, ok := r.factories[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("no factory registered for plugin %s", name)
	}
	r.mu.Unlock()

	p := factory(plugin.Deps{
		Name:      name,
		Transport: r.transport,
		Host:      r,
		Store:     r.store,
		Logger:    r.logger.Named(name),
	})

	if req, ok := p.(plugin.Requirer); ok {
		for _, dep := range req.Requires() {
			if !r.Loaded(dep) {
				r.logger.Warn("plugin dependency not loaded",
					zap.String("plugin", name), zap.String("requires", dep))
			}
		}
	}

	if err := p.Reload(); err != nil {
		return fmt.Errorf("configure plugin %s: %w", name, err)
	}
	if err := p.Start(ctx); err != nil {
		r.transport.Unhook(name)
		return fmt.Errorf("start plugin %s: %w", name, err)
	}

	r.mu.Lock()
	r.loaded[name] = &descriptor{plugin: p}
	r.order = append(r.order, name)
	r.mu.Unlock()

	r.logger.Info("plugin loaded", zap.String("plugin", name))
	return nil
}

// Unload removes the plugin's transport hooks, then stops it. The
// descriptor goes first so concurrent Loaded checks see it gone before any
// teardown work runs.
func (r *Registry) Unload(name string) error {
	r.mu.Lock()
	d, ok := r.loaded[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("plugin %s is not loaded", name)
	}
	delete(r.loaded, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	r.transport.Unhook(name)
	if err := d.plugin.Stop(); err != nil {
		return fmt.Errorf("stop plugin %s: %w", name, err)
	}
	r.logger.Info("plugin unloaded", zap.String("plugin", name))
	return nil
}

// Reload re-runs the named plugin's Reload.
func (r *Registry) Reload(name string) error {
	r.mu.Lock()
	d, ok := r.loaded[name]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("plugin %s is not loaded", name)
	}
	return d.plugin.Reload()
}

// LoadAll loads every plugin the master config lists, in order, stopping
// at the first failure. Plugins loaded before the failure stay loaded.
func (r *Registry) LoadAll(ctx context.Context) error {
	for _, name := range r.master.Core.Plugins {
		if err := r.Load(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// UnloadAll unloads every plugin in reverse load order. Errors are logged,
// not returned: shutdown keeps going.
func (r *Registry) UnloadAll() {
	r.mu.Lock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	r.mu.Unlock()

	for i := len(names) - 1; i >= 0; i-- {
		if err := r.Unload(names[i]); err != nil {
			r.logger.Error("unload failed", zap.String("plugin", names[i]), zap.Error(err))
		}
	}
}

// Loaded reports whether name is currently loaded.
func (r *Registry) Loaded(name string) bool {
	r.mu.Lock()
	_, ok := r.loaded[name]
	r.mu.Unlock()
	return ok
}

// PluginConfig returns the durable config handle for name, creating
// <dir>/<name>.json on first access. A legacy inline section under the
// master's pluginConfig seeds the new file and is then compacted out of
// the master; re-running the migration is a no-op.
func (r *Registry) PluginConfig(name string) (*plugin.Config, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cfg, ok := r.configs[name]; ok {
		return cfg, nil
	}

	path := filepath.Join(r.master.Dir(), name+".json")
	if legacy, ok := r.master.PluginConfig[name]; ok {
		if err := r.migrateLegacy(name, path, legacy); err != nil {
			return nil, err
		}
	}

	cfg, err := plugin.OpenConfig(path)
	if err != nil {
		return nil, err
	}
	r.configs[name] = cfg
	return cfg, nil
}

// migrateLegacy seeds the per-plugin file from an inline master section,
// then drops the section. A file already on disk wins over the inline
// copy, so a crash between seed and compaction cannot clobber state.
func (r *Registry) migrateLegacy(name, path string, legacy map[string]any) error {
	if fileExists(path) {
		r.logger.Warn("config file exists, dropping stale inline section",
			zap.String("plugin", name))
	} else {
		cfg, err := plugin.OpenConfig(path)
		if err != nil {
			return err
		}
		for k, v := range legacy {
			if err := cfg.Set(k, v); err != nil {
				return fmt.Errorf("migrate config for %s: %w", name, err)
			}
		}
		if err := cfg.Save(); err != nil {
			return fmt.Errorf("migrate config for %s: %w", name, err)
		}
		r.logger.Info("config migrated to plugin file",
			zap.String("plugin", name), zap.String("path", path))
	}
	delete(r.master.PluginConfig, name)
	return r.master.Save()
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
