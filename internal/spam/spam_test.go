package spam

import (
	"context"
	"testing"
	"time"

	"github.com/cmdean/chanward/internal/irc"
	"github.com/cmdean/chanward/internal/testutil"
	"github.com/cmdean/chanward/pkg/plugin"
)

type spamFixture struct {
	p         *Plugin
	tr        *testutil.MockTransport
	clock     *testutil.Clock
	delivered int
}

func newSpamFixture(t *testing.T) *spamFixture {
	t.Helper()
	tr := testutil.NewMockTransport()
	host := testutil.NewMockHost(t)
	host.SetLoaded("admin", true)

	f := &spamFixture{tr: tr, clock: testutil.NewClock()}
	f.p = New(plugin.Deps{
		Name:      "spam",
		Transport: tr,
		Host:      host,
		Logger:    testutil.Logger(),
	}).(*Plugin)
	f.p.now = f.clock.Now

	if err := f.p.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if err := f.p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Count messages that survive the interceptor.
	tr.ListenForEvent("counter", irc.EventMessage, listenerFunc(func(ctx context.Context, ev plugin.Event) {
		f.delivered++
	}))
	return f
}

type listenerFunc func(ctx context.Context, ev plugin.Event)

func (fn listenerFunc) HandleEvent(ctx context.Context, ev plugin.Event) { fn(ctx, ev) }

func (f *spamFixture) watch(t *testing.T, channel string, lines int, seconds float64) {
	t.Helper()
	f.p.mu.Lock()
	f.p.channels[channel] = settings{Lines: lines, Seconds: seconds}
	f.p.mu.Unlock()
}

func (f *spamFixture) say(channel, from, text string) {
	f.tr.Emit(context.Background(), plugin.Event{
		Type:    irc.EventMessage,
		Payload: &irc.Message{Channel: channel, From: from, Text: text},
	})
}

func (f *spamFixture) quiets() []testutil.IssuedRequest {
	var out []testutil.IssuedRequest
	for _, r := range f.tr.Requests {
		if r.Name == irc.ReqTimedQuiet {
			out = append(out, r)
		}
	}
	return out
}

func TestFloodTriggersQuietAndSwallowsLine(t *testing.T) {
	f := newSpamFixture(t)
	f.watch(t, "#chan", 3, 2)
	f.tr.Respond(irc.ReqTimedQuiet, nil, nil)

	for i := 0; i < 3; i++ {
		f.say("#chan", "flooder!f@bad.example", "spam spam spam")
		f.clock.Advance(100 * time.Millisecond)
	}

	quiets := f.quiets()
	if len(quiets) != 1 {
		t.Fatalf("issued %d quiets, want 1", len(quiets))
	}
	if got := quiets[0].Args.String("target"); got != "*!*@bad.example" {
		t.Fatalf("quiet target %q", got)
	}
	if f.delivered != 2 {
		t.Fatalf("%d lines reached listeners, want 2 (the flood line swallowed)", f.delivered)
	}
}

func TestSlowTrafficDoesNotTrigger(t *testing.T) {
	f := newSpamFixture(t)
	f.watch(t, "#chan", 3, 2)

	for i := 0; i < 6; i++ {
		f.say("#chan", "chatty!c@ok.example", "hello")
		f.clock.Advance(time.Second)
	}

	if len(f.quiets()) != 0 {
		t.Fatal("slow traffic triggered the flood check")
	}
	if f.delivered != 6 {
		t.Fatalf("%d lines delivered, want all 6", f.delivered)
	}
}

func TestUnwatchedChannelIgnored(t *testing.T) {
	f := newSpamFixture(t)

	for i := 0; i < 10; i++ {
		f.say("#chan", "flooder!f@bad.example", "spam")
	}

	if len(f.quiets()) != 0 {
		t.Fatal("unwatched channel triggered a quiet")
	}
	if f.delivered != 10 {
		t.Fatal("unwatched channel lines were swallowed")
	}
}

func TestTrackingIsPerNick(t *testing.T) {
	f := newSpamFixture(t)
	f.watch(t, "#chan", 3, 2)

	f.say("#chan", "a!a@h1", "hi")
	f.say("#chan", "b!b@h2", "hi")
	f.say("#chan", "c!c@h3", "hi")

	if len(f.quiets()) != 0 {
		t.Fatal("three different nicks counted as one flooder")
	}
}

func TestTriggerResetsWindow(t *testing.T) {
	f := newSpamFixture(t)
	f.watch(t, "#chan", 3, 10)
	f.tr.Respond(irc.ReqTimedQuiet, nil, nil)

	for i := 0; i < 4; i++ {
		f.say("#chan", "flooder!f@bad.example", "spam")
		f.clock.Advance(100 * time.Millisecond)
	}

	// Only the third line triggers; the fourth starts a fresh window.
	if got := len(f.quiets()); got != 1 {
		t.Fatalf("issued %d quiets, want 1", got)
	}
}

func TestOffenderIsNotified(t *testing.T) {
	f := newSpamFixture(t)
	f.watch(t, "#chan", 2, 2)
	f.tr.Respond(irc.ReqTimedQuiet, nil, nil)

	f.say("#chan", "flooder!f@bad.example", "spam")
	f.say("#chan", "flooder!f@bad.example", "spam")

	var notices []irc.OutgoingMessage
	for _, ev := range f.tr.Emitted {
		if ev.Type == irc.EventSend {
			notices = append(notices, ev.Payload.(irc.OutgoingMessage))
		}
	}
	if len(notices) != 1 {
		t.Fatalf("sent %d notices, want 1", len(notices))
	}
	if notices[0].Target != "flooder" || !notices[0].Notice {
		t.Fatalf("notice %+v", notices[0])
	}
}

func TestReloadPersistedChannels(t *testing.T) {
	f := newSpamFixture(t)
	if err := f.p.Config().Set("channels", map[string]settings{
		"#watched": {Lines: 2, Seconds: 5},
	}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := f.p.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	f.tr.Respond(irc.ReqTimedQuiet, nil, nil)
	f.say("#watched", "flooder!f@bad.example", "spam")
	f.say("#watched", "flooder!f@bad.example", "spam")

	if len(f.quiets()) != 1 {
		t.Fatal("reloaded channel settings not applied")
	}
}

func (f *spamFixture) command(name string, args map[string]string) {
	f.tr.Emit(context.Background(), plugin.Event{
		Type: irc.CommandPrefix + "spam." + name,
		Payload: &irc.Command{
			Channel: "#chan",
			From:    "oper!op@host.example",
			Args:    args,
			Reply:   func(string) {},
		},
	})
}

func TestCommandsPersistSnapshot(t *testing.T) {
	f := newSpamFixture(t)

	f.command("on", map[string]string{"lines": "4", "seconds": "3"})

	// The persisted table is a snapshot, detached from the live map.
	var saved map[string]settings
	ok, err := f.p.Config().Get("channels", &saved)
	if err != nil || !ok {
		t.Fatalf("saved channels missing: ok=%v err=%v", ok, err)
	}
	if got := saved["#chan"]; got.Lines != 4 || got.Seconds != 3 {
		t.Fatalf("saved settings %+v", got)
	}
	f.watch(t, "#chan", 99, 1)
	saved = nil
	if _, err := f.p.Config().Get("channels", &saved); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if saved["#chan"].Lines == 99 {
		t.Fatal("persisted value tracks the live map")
	}

	f.command("off", nil)
	saved = nil
	if _, err := f.p.Config().Get("channels", &saved); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, stillThere := saved["#chan"]; stillThere {
		t.Fatal("spam.off did not persist the removal")
	}
}

func TestRequiresAdmin(t *testing.T) {
	f := newSpamFixture(t)
	got := f.p.Requires()
	if len(got) != 1 || got[0] != "admin" {
		t.Fatalf("Requires() = %v", got)
	}
}
