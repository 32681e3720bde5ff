// Package plugin provides the SDK types every chanward module implements:
// the lifecycle contract, the optional capability interfaces, and the
// transport surface plugins hook into.
package plugin

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Plugin is the lifecycle contract every module implements. An instance
// moves through Constructed -> Configured -> Started -> Stopped. Reload
// re-enters Configured: the registry calls it once before Start and again
// whenever an external actor signals the configuration changed.
type Plugin interface {
	// Name returns the plugin's unique identifier (e.g. "admin", "topic").
	Name() string

	// Reload re-derives runtime state from current configuration. At
	// minimum it re-acquires the plugin's config handle.
	Reload() error

	// Start hooks the plugin into the transport and begins its work.
	Start(ctx context.Context) error

	// Stop releases whatever Start acquired. The registry unhooks the
	// plugin from the transport before calling it, so no new events
	// arrive mid-stop.
	Stop() error
}

// EventListener is implemented by plugins that consume bus events.
type EventListener interface {
	HandleEvent(ctx context.Context, ev Event)
}

// MiddlewareInterceptor is implemented by plugins that inspect events
// before normal listeners see them. The returned event continues down the
// chain; keep=false swallows the event entirely.
type MiddlewareInterceptor interface {
	InterceptEvent(ctx context.Context, ev Event) (modified Event, keep bool)
}

// RequestHandler is implemented by plugins that serve named requests.
type RequestHandler interface {
	HandleRequest(ctx context.Context, name string, args Args) (any, error)
}

// Requirer declares other plugins that must be loaded for this one to be
// useful. The registry checks presence by name and warns about gaps; it
// never auto-loads anything.
type Requirer interface {
	Requires() []string
}

// ErrNotImplemented is returned when a request is issued for a name no
// loaded plugin provides.
var ErrNotImplemented = errors.New("no plugin provides that request")

// Event is a message on the bus. Type is a case-sensitive, dot-delimited
// tag such as "mode.changed". The transport stamps ID and Time on emit when
// they are unset.
type Event struct {
	ID      string
	Type    string
	Source  string
	Time    time.Time
	Payload any
}

// EventFunc handles one event type.
type EventFunc func(ctx context.Context, ev Event)

// MiddlewareFunc intercepts one event type.
type MiddlewareFunc func(ctx context.Context, ev Event) (Event, bool)

// RequestFunc serves one request name.
type RequestFunc func(ctx context.Context, args Args) (any, error)

// Transport is the bus plugins hook into. Registrations carry the owning
// plugin's name so the registry can remove everything a plugin hooked in a
// single call, whether the plugin stopped cleanly or failed mid-start.
type Transport interface {
	// Emit delivers ev through the middleware chain and then to the
	// listeners registered for its type, in registration order.
	Emit(ctx context.Context, ev Event)

	// IssueRequest resolves name to its handler plugin and returns the
	// handler's result. Fails with ErrNotImplemented when no handler is
	// registered for name.
	IssueRequest(ctx context.Context, name string, args Args) (any, error)

	ListenForEvent(owner, eventType string, l EventListener)

	// ListenForAll registers l for every event type. Wildcard listeners
	// run after the exact-match listeners for the emitted type and see
	// the event as the middleware chain left it.
	ListenForAll(owner string, l EventListener)

	InstallMiddleware(owner, eventType string, m MiddlewareInterceptor)
	ProvidesRequest(owner, name string, h RequestHandler)

	// Unhook removes every listener, interceptor, and request handler
	// registered under owner.
	Unhook(owner string)
}

// Host is the registry surface exposed to plugins.
type Host interface {
	// PluginConfig returns the durable config blob scoped to name.
	PluginConfig(name string) (*Config, error)

	// Loaded reports whether the named plugin is currently loaded.
	Loaded(name string) bool
}

// Deps carries everything a plugin is constructed with.
type Deps struct {
	Name      string
	Transport Transport
	Host      Host
	Store     Store
	Logger    *zap.Logger
}

// Factory constructs a plugin instance. Registered with the registry under
// the name the config file uses to refer to the plugin.
type Factory func(deps Deps) Plugin

// Args carries named request arguments. Request names are open-ended and
// contributed by independently loaded plugins, so arguments travel as a map
// rather than as per-request structs.
type Args map[string]any

// String returns the named argument as a string, or "" when absent or of
// another type.
func (a Args) String(key string) string {
	s, _ := a[key].(string)
	return s
}

// Seconds reads the named argument as a duration in seconds, accepting the
// numeric types a JSON round trip can produce.
func (a Args) Seconds(key string) (time.Duration, bool) {
	switch v := a[key].(type) {
	case time.Duration:
		return v, true
	case int:
		return time.Duration(v) * time.Second, true
	case int64:
		return time.Duration(v) * time.Second, true
	case float64:
		return time.Duration(v * float64(time.Second)), true
	}
	return 0, false
}
