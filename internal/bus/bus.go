// Package bus implements the in-process transport: synchronous event
// delivery through a middleware chain, and string-keyed request dispatch.
package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cmdean/chanward/pkg/plugin"
)

// Bus routes events and requests between plugins. All registration tables
// key handlers by the owning plugin's name so Unhook can remove a plugin's
// entire footprint in one pass.
type Bus struct {
	logger *zap.Logger

	mu         sync.RWMutex
	listeners  map[string][]listenerReg
	all        []listenerReg
	middleware map[string][]middlewareReg
	requests   map[string]requestReg
}

type listenerReg struct {
	owner string
	l     plugin.EventListener
}

type middlewareReg struct {
	owner string
	m     plugin.MiddlewareInterceptor
}

type requestReg struct {
	owner string
	h     plugin.RequestHandler
}

var _ plugin.Transport = (*Bus)(nil)

// New creates an empty bus.
func New(logger *zap.Logger) *Bus {
	return &Bus{
		logger:     logger.Named("bus"),
		listeners:  make(map[string][]listenerReg),
		middleware: make(map[string][]middlewareReg),
		requests:   make(map[string]requestReg),
	}
}

// ListenForEvent registers l for eventType under owner. Delivery order
// follows registration order.
func (b *Bus) ListenForEvent(owner, eventType string, l plugin.EventListener) {
	b.mu.Lock()
	b.listeners[eventType] = append(b.listeners[eventType], listenerReg{owner: owner, l: l})
	b.mu.Unlock()
	b.logger.Debug("listener registered",
		zap.String("owner", owner), zap.String("type", eventType))
}

// ListenForAll registers l for every event type under owner. Wildcard
// listeners run after the exact-match listeners for the emitted type.
func (b *Bus) ListenForAll(owner string, l plugin.EventListener) {
	b.mu.Lock()
	b.all = append(b.all, listenerReg{owner: owner, l: l})
	b.mu.Unlock()
	b.logger.Debug("wildcard listener registered", zap.String("owner", owner))
}

// InstallMiddleware registers m in the chain for eventType. The chain runs
// in install order.
func (b *Bus) InstallMiddleware(owner, eventType string, m plugin.MiddlewareInterceptor) {
	b.mu.Lock()
	b.middleware[eventType] = append(b.middleware[eventType], middlewareReg{owner: owner, m: m})
	b.mu.Unlock()
	b.logger.Debug("middleware installed",
		zap.String("owner", owner), zap.String("type", eventType))
}

// ProvidesRequest registers h as the handler for name. A second
// registration for the same name replaces the first; that is a
// configuration mistake worth flagging, not failing over.
func (b *Bus) ProvidesRequest(owner, name string, h plugin.RequestHandler) {
	b.mu.Lock()
	if prev, ok := b.requests[name]; ok && prev.owner != owner {
		b.logger.Warn("request handler replaced",
			zap.String("request", name),
			zap.String("previous", prev.owner),
			zap.String("owner", owner))
	}
	b.requests[name] = requestReg{owner: owner, h: h}
	b.mu.Unlock()
}

// Unhook removes every registration made under owner.
func (b *Bus) Unhook(owner string) {
	b.mu.Lock()
	for t, regs := range b.listeners {
		b.listeners[t] = filterListeners(regs, owner)
	}
	b.all = filterListeners(b.all, owner)
	for t, regs := range b.middleware {
		b.middleware[t] = filterMiddleware(regs, owner)
	}
	for name, reg := range b.requests {
		if reg.owner == owner {
			delete(b.requests, name)
		}
	}
	b.mu.Unlock()
	b.logger.Debug("unhooked", zap.String("owner", owner))
}

func filterListeners(regs []listenerReg, owner string) []listenerReg {
	out := regs[:0]
	for _, r := range regs {
		if r.owner != owner {
			out = append(out, r)
		}
	}
	return out
}

func filterMiddleware(regs []middlewareReg, owner string) []middlewareReg {
	out := regs[:0]
	for _, r := range regs {
		if r.owner != owner {
			out = append(out, r)
		}
	}
	return out
}

// Emit runs ev through the middleware chain for its type and, if no
// interceptor swallows it, delivers it to each listener synchronously. A
// panic in one listener is recovered and logged so the rest still see the
// event.
func (b *Bus) Emit(ctx context.Context, ev plugin.Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Time.IsZero() {
		ev.Time = now()
	}
	eventsEmitted.WithLabelValues(ev.Type).Inc()

	b.mu.RLock()
	chain := make([]middlewareReg, len(b.middleware[ev.Type]))
	copy(chain, b.middleware[ev.Type])
	b.mu.RUnlock()

	for _, reg := range chain {
		modified, keep := reg.m.InterceptEvent(ctx, ev)
		if !keep {
			eventsSwallowed.WithLabelValues(ev.Type).Inc()
			b.logger.Debug("event swallowed",
				zap.String("id", ev.ID),
				zap.String("type", ev.Type),
				zap.String("by", reg.owner))
			return
		}
		ev = modified
	}

	b.mu.RLock()
	regs := make([]listenerReg, 0, len(b.listeners[ev.Type])+len(b.all))
	regs = append(regs, b.listeners[ev.Type]...)
	regs = append(regs, b.all...)
	b.mu.RUnlock()

	for _, reg := range regs {
		b.deliver(ctx, reg, ev)
	}
}

func (b *Bus) deliver(ctx context.Context, reg listenerReg, ev plugin.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("owner", reg.owner),
				zap.String("type", ev.Type),
				zap.Any("panic", r))
		}
	}()
	reg.l.HandleEvent(ctx, ev)
}

// IssueRequest resolves name and invokes its handler. Names match exactly;
// there is no pattern routing.
func (b *Bus) IssueRequest(ctx context.Context, name string, args plugin.Args) (any, error) {
	b.mu.RLock()
	reg, ok := b.requests[name]
	b.mu.RUnlock()
	if !ok {
		requestsTotal.WithLabelValues(name, "unhandled").Inc()
		return nil, fmt.Errorf("%s: %w", name, plugin.ErrNotImplemented)
	}
	result, err := reg.h.HandleRequest(ctx, name, args)
	if err != nil {
		requestsTotal.WithLabelValues(name, "error").Inc()
		return nil, err
	}
	requestsTotal.WithLabelValues(name, "ok").Inc()
	return result, nil
}
