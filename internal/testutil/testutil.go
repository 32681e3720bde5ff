// Package testutil holds shared test doubles: a quiet logger, a scripted
// transport, a manual clock, and manual timers.
package testutil

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cmdean/chanward/pkg/plugin"
)

// Logger returns a development logger for tests.
func Logger() *zap.Logger {
	l, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	return l
}

// IssuedRequest records one IssueRequest call on the mock transport.
type IssuedRequest struct {
	Name string
	Args plugin.Args
}

// MockTransport implements plugin.Transport for tests: real registration
// and event delivery, plus scripted request responses. Every issued
// request and emitted event is recorded for assertion.
type MockTransport struct {
	mu         sync.Mutex
	listeners  map[string][]ownedListener
	all        []ownedListener
	middleware map[string][]ownedMiddleware
	requests   map[string]ownedHandler
	responses  map[string]func(plugin.Args) (any, error)

	Requests []IssuedRequest
	Emitted  []plugin.Event
}

type ownedListener struct {
	owner string
	l     plugin.EventListener
}

type ownedMiddleware struct {
	owner string
	m     plugin.MiddlewareInterceptor
}

type ownedHandler struct {
	owner string
	h     plugin.RequestHandler
}

var _ plugin.Transport = (*MockTransport)(nil)

// NewMockTransport creates an empty mock transport.
func NewMockTransport() *MockTransport {
	return &MockTransport{
		listeners:  make(map[string][]ownedListener),
		middleware: make(map[string][]ownedMiddleware),
		requests:   make(map[string]ownedHandler),
		responses:  make(map[string]func(plugin.Args) (any, error)),
	}
}

// Respond scripts a canned response for the named request. Scripted
// responses take priority over registered handlers.
func (m *MockTransport) Respond(name string, result any, err error) {
	m.RespondFunc(name, func(plugin.Args) (any, error) { return result, err })
}

// RespondFunc scripts a computed response for the named request.
func (m *MockTransport) RespondFunc(name string, fn func(plugin.Args) (any, error)) {
	m.mu.Lock()
	m.responses[name] = fn
	m.mu.Unlock()
}

func (m *MockTransport) Emit(ctx context.Context, ev plugin.Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	m.mu.Lock()
	m.Emitted = append(m.Emitted, ev)
	chain := append([]ownedMiddleware(nil), m.middleware[ev.Type]...)
	regs := append([]ownedListener(nil), m.listeners[ev.Type]...)
	regs = append(regs, m.all...)
	m.mu.Unlock()

	for _, reg := range chain {
		modified, keep := reg.m.InterceptEvent(ctx, ev)
		if !keep {
			return
		}
		ev = modified
	}
	for _, reg := range regs {
		reg.l.HandleEvent(ctx, ev)
	}
}

func (m *MockTransport) IssueRequest(ctx context.Context, name string, args plugin.Args) (any, error) {
	m.mu.Lock()
	m.Requests = append(m.Requests, IssuedRequest{Name: name, Args: args})
	fn, scripted := m.responses[name]
	reg, registered := m.requests[name]
	m.mu.Unlock()

	if scripted {
		return fn(args)
	}
	if registered {
		return reg.h.HandleRequest(ctx, name, args)
	}
	return nil, plugin.ErrNotImplemented
}

func (m *MockTransport) ListenForEvent(owner, eventType string, l plugin.EventListener) {
	m.mu.Lock()
	m.listeners[eventType] = append(m.listeners[eventType], ownedListener{owner, l})
	m.mu.Unlock()
}

func (m *MockTransport) ListenForAll(owner string, l plugin.EventListener) {
	m.mu.Lock()
	m.all = append(m.all, ownedListener{owner, l})
	m.mu.Unlock()
}

func (m *MockTransport) InstallMiddleware(owner, eventType string, mw plugin.MiddlewareInterceptor) {
	m.mu.Lock()
	m.middleware[eventType] = append(m.middleware[eventType], ownedMiddleware{owner, mw})
	m.mu.Unlock()
}

func (m *MockTransport) ProvidesRequest(owner, name string, h plugin.RequestHandler) {
	m.mu.Lock()
	m.requests[name] = ownedHandler{owner, h}
	m.mu.Unlock()
}

func (m *MockTransport) Unhook(owner string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for t, regs := range m.listeners {
		kept := regs[:0]
		for _, r := range regs {
			if r.owner != owner {
				kept = append(kept, r)
			}
		}
		m.listeners[t] = kept
	}
	keptAll := m.all[:0]
	for _, r := range m.all {
		if r.owner != owner {
			keptAll = append(keptAll, r)
		}
	}
	m.all = keptAll
	for t, regs := range m.middleware {
		kept := regs[:0]
		for _, r := range regs {
			if r.owner != owner {
				kept = append(kept, r)
			}
		}
		m.middleware[t] = kept
	}
	for name, reg := range m.requests {
		if reg.owner == owner {
			delete(m.requests, name)
		}
	}
}

// RequestNames returns the names of all issued requests in order.
func (m *MockTransport) RequestNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, len(m.Requests))
	for i, r := range m.Requests {
		names[i] = r.Name
	}
	return names
}

// Provides reports whether a handler is registered for name.
func (m *MockTransport) Provides(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.requests[name]
	return ok
}
