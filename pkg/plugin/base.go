package plugin

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Base is an embeddable plugin core. It holds the construction deps and
// per-instance dispatch tables, and implements the three capability
// interfaces by table lookup so concrete plugins only write handler
// closures and register them with On, Intercept, and Provide.
type Base struct {
	deps Deps
	cfg  *Config

	events       map[string]EventFunc
	interceptors map[string]MiddlewareFunc
	requests     map[string]RequestFunc
}

// NewBase builds a Base around deps. The config handle is acquired lazily
// by Reload.
func NewBase(deps Deps) Base {
	return Base{
		deps:         deps,
		events:       make(map[string]EventFunc),
		interceptors: make(map[string]MiddlewareFunc),
		requests:     make(map[string]RequestFunc),
	}
}

func (b *Base) Name() string         { return b.deps.Name }
func (b *Base) Transport() Transport { return b.deps.Transport }
func (b *Base) Host() Host           { return b.deps.Host }
func (b *Base) Store() Store         { return b.deps.Store }
func (b *Base) Logger() *zap.Logger  { return b.deps.Logger }
func (b *Base) Config() *Config      { return b.cfg }

// Reload re-acquires the plugin's config handle from the host. Plugins
// with derived state override this, call it first, then rebuild.
func (b *Base) Reload() error {
	cfg, err := b.deps.Host.PluginConfig(b.deps.Name)
	if err != nil {
		return fmt.Errorf("load config for %s: %w", b.deps.Name, err)
	}
	b.cfg = cfg
	return nil
}

// Stop is a no-op default.
func (b *Base) Stop() error { return nil }

// On registers fn for eventType and hooks the transport.
func (b *Base) On(eventType string, fn EventFunc) {
	b.events[eventType] = fn
	b.deps.Transport.ListenForEvent(b.deps.Name, eventType, b)
}

// Intercept registers fn as middleware for eventType.
func (b *Base) Intercept(eventType string, fn MiddlewareFunc) {
	b.interceptors[eventType] = fn
	b.deps.Transport.InstallMiddleware(b.deps.Name, eventType, b)
}

// Provide registers fn as the handler for the named request.
func (b *Base) Provide(name string, fn RequestFunc) {
	b.requests[name] = fn
	b.deps.Transport.ProvidesRequest(b.deps.Name, name, b)
}

// HandleEvent dispatches to the registered handler. Events with no handler
// are dropped silently; registration drives delivery, so an unmatched type
// here means a stale hook, not an error worth surfacing per event.
func (b *Base) HandleEvent(ctx context.Context, ev Event) {
	if fn, ok := b.events[ev.Type]; ok {
		fn(ctx, ev)
	}
}

// InterceptEvent dispatches to the registered interceptor, passing the
// event through unchanged when none matches.
func (b *Base) InterceptEvent(ctx context.Context, ev Event) (Event, bool) {
	if fn, ok := b.interceptors[ev.Type]; ok {
		return fn(ctx, ev)
	}
	return ev, true
}

// HandleRequest dispatches to the registered request handler.
func (b *Base) HandleRequest(ctx context.Context, name string, args Args) (any, error) {
	fn, ok := b.requests[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrNotImplemented)
	}
	return fn(ctx, args)
}
