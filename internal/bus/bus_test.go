package bus_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/cmdean/chanward/internal/bus"
	"github.com/cmdean/chanward/pkg/plugin"
)

type recorder struct {
	mu   sync.Mutex
	seen []plugin.Event
}

func (r *recorder) HandleEvent(ctx context.Context, ev plugin.Event) {
	r.mu.Lock()
	r.seen = append(r.seen, ev)
	r.mu.Unlock()
}

type interceptFunc func(ctx context.Context, ev plugin.Event) (plugin.Event, bool)

func (f interceptFunc) InterceptEvent(ctx context.Context, ev plugin.Event) (plugin.Event, bool) {
	return f(ctx, ev)
}

type requestFunc func(ctx context.Context, name string, args plugin.Args) (any, error)

func (f requestFunc) HandleRequest(ctx context.Context, name string, args plugin.Args) (any, error) {
	return f(ctx, name, args)
}

func newBus() *bus.Bus {
	return bus.New(zap.NewNop())
}

func TestEmitReachesListenersInOrder(t *testing.T) {
	b := newBus()
	var order []string
	for _, name := range []string{"first", "second"} {
		name := name
		b.ListenForEvent(name, "ev", listenerFunc(func(ctx context.Context, ev plugin.Event) {
			order = append(order, name)
		}))
	}

	b.Emit(context.Background(), plugin.Event{Type: "ev"})

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("delivery order %v", order)
	}
}

type listenerFunc func(ctx context.Context, ev plugin.Event)

func (f listenerFunc) HandleEvent(ctx context.Context, ev plugin.Event) { f(ctx, ev) }

func TestEmitStampsIDAndTime(t *testing.T) {
	b := newBus()
	rec := &recorder{}
	b.ListenForEvent("p", "ev", rec)

	b.Emit(context.Background(), plugin.Event{Type: "ev"})

	if len(rec.seen) != 1 {
		t.Fatalf("saw %d events", len(rec.seen))
	}
	if rec.seen[0].ID == "" {
		t.Fatal("event ID not stamped")
	}
	if rec.seen[0].Time.IsZero() {
		t.Fatal("event time not stamped")
	}
}

func TestMiddlewareModifiesEvent(t *testing.T) {
	b := newBus()
	rec := &recorder{}
	b.ListenForEvent("p", "ev", rec)
	b.InstallMiddleware("mw", "ev", interceptFunc(func(ctx context.Context, ev plugin.Event) (plugin.Event, bool) {
		ev.Payload = "rewritten"
		return ev, true
	}))

	b.Emit(context.Background(), plugin.Event{Type: "ev", Payload: "original"})

	if rec.seen[0].Payload != "rewritten" {
		t.Fatalf("payload %v, want rewritten", rec.seen[0].Payload)
	}
}

func TestMiddlewareSwallowsEvent(t *testing.T) {
	b := newBus()
	rec := &recorder{}
	b.ListenForEvent("p", "ev", rec)
	b.InstallMiddleware("mw", "ev", interceptFunc(func(ctx context.Context, ev plugin.Event) (plugin.Event, bool) {
		return ev, false
	}))

	b.Emit(context.Background(), plugin.Event{Type: "ev"})

	if len(rec.seen) != 0 {
		t.Fatalf("swallowed event reached %d listeners", len(rec.seen))
	}
}

func TestPanickingListenerDoesNotStopDelivery(t *testing.T) {
	b := newBus()
	b.ListenForEvent("bad", "ev", listenerFunc(func(ctx context.Context, ev plugin.Event) {
		panic("boom")
	}))
	rec := &recorder{}
	b.ListenForEvent("good", "ev", rec)

	b.Emit(context.Background(), plugin.Event{Type: "ev"})

	if len(rec.seen) != 1 {
		t.Fatal("listener after the panicking one never saw the event")
	}
}

func TestWildcardListenerSeesEveryType(t *testing.T) {
	b := newBus()
	rec := &recorder{}
	b.ListenForAll("tap", rec)

	b.Emit(context.Background(), plugin.Event{Type: "one"})
	b.Emit(context.Background(), plugin.Event{Type: "two"})

	if len(rec.seen) != 2 {
		t.Fatalf("wildcard listener saw %d events, want 2", len(rec.seen))
	}
	if rec.seen[0].Type != "one" || rec.seen[1].Type != "two" {
		t.Fatalf("wildcard listener saw types %s, %s", rec.seen[0].Type, rec.seen[1].Type)
	}
}

func TestWildcardRunsAfterExactListeners(t *testing.T) {
	b := newBus()
	var order []string
	b.ListenForAll("tap", listenerFunc(func(ctx context.Context, ev plugin.Event) {
		order = append(order, "wildcard")
	}))
	b.ListenForEvent("p", "ev", listenerFunc(func(ctx context.Context, ev plugin.Event) {
		order = append(order, "exact")
	}))

	b.Emit(context.Background(), plugin.Event{Type: "ev"})

	if len(order) != 2 || order[0] != "exact" || order[1] != "wildcard" {
		t.Fatalf("delivery order %v, want exact before wildcard", order)
	}
}

func TestWildcardDoesNotSeeSwallowedEvents(t *testing.T) {
	b := newBus()
	rec := &recorder{}
	b.ListenForAll("tap", rec)
	b.InstallMiddleware("mw", "ev", interceptFunc(func(ctx context.Context, ev plugin.Event) (plugin.Event, bool) {
		return ev, false
	}))

	b.Emit(context.Background(), plugin.Event{Type: "ev"})

	if len(rec.seen) != 0 {
		t.Fatal("swallowed event reached the wildcard listener")
	}
}

func TestUnhookRemovesWildcardListener(t *testing.T) {
	b := newBus()
	rec := &recorder{}
	b.ListenForAll("tap", rec)

	b.Unhook("tap")
	b.Emit(context.Background(), plugin.Event{Type: "ev"})

	if len(rec.seen) != 0 {
		t.Fatal("wildcard listener survived Unhook")
	}
}

func TestIssueRequestUnhandled(t *testing.T) {
	b := newBus()
	_, err := b.IssueRequest(context.Background(), "no.such", nil)
	if !errors.Is(err, plugin.ErrNotImplemented) {
		t.Fatalf("got %v, want ErrNotImplemented", err)
	}
}

func TestIssueRequestRoutesExactName(t *testing.T) {
	b := newBus()
	b.ProvidesRequest("p", "math.add", requestFunc(func(ctx context.Context, name string, args plugin.Args) (any, error) {
		return 3, nil
	}))

	got, err := b.IssueRequest(context.Background(), "math.add", nil)
	if err != nil {
		t.Fatalf("IssueRequest: %v", err)
	}
	if got != 3 {
		t.Fatalf("got %v", got)
	}
	if _, err := b.IssueRequest(context.Background(), "math", nil); !errors.Is(err, plugin.ErrNotImplemented) {
		t.Fatal("prefix matched a request name")
	}
}

func TestUnhookRemovesEverything(t *testing.T) {
	b := newBus()
	rec := &recorder{}
	b.ListenForEvent("p", "ev", rec)
	b.InstallMiddleware("p", "ev", interceptFunc(func(ctx context.Context, ev plugin.Event) (plugin.Event, bool) {
		return ev, false
	}))
	b.ProvidesRequest("p", "req", requestFunc(func(ctx context.Context, name string, args plugin.Args) (any, error) {
		return nil, nil
	}))

	b.Unhook("p")

	b.Emit(context.Background(), plugin.Event{Type: "ev"})
	if len(rec.seen) != 0 {
		t.Fatal("listener survived Unhook")
	}
	if _, err := b.IssueRequest(context.Background(), "req", nil); !errors.Is(err, plugin.ErrNotImplemented) {
		t.Fatal("request handler survived Unhook")
	}
}

func TestUnhookLeavesOtherOwners(t *testing.T) {
	b := newBus()
	mine := &recorder{}
	theirs := &recorder{}
	b.ListenForEvent("me", "ev", mine)
	b.ListenForEvent("them", "ev", theirs)

	b.Unhook("me")
	b.Emit(context.Background(), plugin.Event{Type: "ev"})

	if len(mine.seen) != 0 {
		t.Fatal("unhooked listener still delivered")
	}
	if len(theirs.seen) != 1 {
		t.Fatal("other owner's listener lost")
	}
}
