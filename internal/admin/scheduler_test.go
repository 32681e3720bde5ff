package admin

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/cmdean/chanward/internal/irc"
	"github.com/cmdean/chanward/internal/testutil"
	"github.com/cmdean/chanward/pkg/plugin"
)

type schedFixture struct {
	sched  *Scheduler
	tr     *testutil.MockTransport
	clock  *testutil.Clock
	timers *testutil.Timers
	cfg    *plugin.Config
}

func newSchedFixture(t *testing.T) *schedFixture {
	t.Helper()
	cfg, err := plugin.OpenConfig(filepath.Join(t.TempDir(), "admin.json"))
	if err != nil {
		t.Fatalf("OpenConfig: %v", err)
	}
	tr := testutil.NewMockTransport()
	clock := testutil.NewClock()
	timers := &testutil.Timers{}

	s := newScheduler(tr, testutil.Logger())
	s.bind(cfg)
	s.now = clock.Now
	s.newTimer = func(d time.Duration, fn func()) stoppable {
		return timers.New(d, fn)
	}
	return &schedFixture{sched: s, tr: tr, clock: clock, timers: timers, cfg: cfg}
}

func (f *schedFixture) laters(t *testing.T) []pendingAction {
	t.Helper()
	var laters []pendingAction
	if _, err := f.cfg.Get(latersKey, &laters); err != nil {
		t.Fatalf("read laters: %v", err)
	}
	return laters
}

func TestSchedulePersistsAndArms(t *testing.T) {
	f := newSchedFixture(t)
	if err := f.sched.Schedule(time.Hour, "*!*@spammer.example", "#chan", "-q"); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	laters := f.laters(t)
	if len(laters) != 1 {
		t.Fatalf("persisted %d entries, want 1", len(laters))
	}
	want := f.clock.Now().Add(time.Hour).Unix()
	if laters[0].FireAt != want {
		t.Fatalf("FireAt %d, want %d", laters[0].FireAt, want)
	}
	if f.sched.Pending() != 1 {
		t.Fatalf("Pending %d, want 1", f.sched.Pending())
	}
}

func TestScheduleSameKeyReplaces(t *testing.T) {
	f := newSchedFixture(t)
	if err := f.sched.Schedule(time.Hour, "mask", "#chan", "-q"); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	first := f.timers.Pending()[0]

	if err := f.sched.Schedule(2*time.Hour, "mask", "#chan", "-q"); err != nil {
		t.Fatalf("reschedule: %v", err)
	}

	if f.sched.Pending() != 1 {
		t.Fatalf("Pending %d after replace, want 1", f.sched.Pending())
	}
	laters := f.laters(t)
	if len(laters) != 1 {
		t.Fatalf("persisted %d entries after replace, want 1", len(laters))
	}
	if got, want := laters[0].FireAt, f.clock.Now().Add(2*time.Hour).Unix(); got != want {
		t.Fatalf("FireAt %d, want replacement deadline %d", got, want)
	}
	if first.Stop() {
		t.Fatal("replaced timer was still armed")
	}
}

func TestDistinctKeysCoexist(t *testing.T) {
	f := newSchedFixture(t)
	for _, mode := range []string{"-q", "-b"} {
		if err := f.sched.Schedule(time.Hour, "mask", "#chan", mode); err != nil {
			t.Fatalf("Schedule %s: %v", mode, err)
		}
	}
	if f.sched.Pending() != 2 {
		t.Fatalf("Pending %d, want 2", f.sched.Pending())
	}
	if len(f.laters(t)) != 2 {
		t.Fatal("second key overwrote the first")
	}
}

func TestMinimumDelay(t *testing.T) {
	f := newSchedFixture(t)
	if err := f.sched.Schedule(0, "mask", "#chan", "-q"); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if got := f.timers.Pending()[0].D; got < minDelay {
		t.Fatalf("armed delay %v, want at least %v", got, minDelay)
	}
}

func TestFireIssuesMappedRequest(t *testing.T) {
	f := newSchedFixture(t)
	f.tr.Respond(irc.ReqUnquiet, nil, nil)
	if err := f.sched.Schedule(time.Hour, "mask", "#chan", "-q"); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	f.timers.Pending()[0].Fire()

	if len(f.tr.Requests) != 1 {
		t.Fatalf("issued %d requests, want 1", len(f.tr.Requests))
	}
	req := f.tr.Requests[0]
	if req.Name != irc.ReqUnquiet {
		t.Fatalf("request %s, want %s", req.Name, irc.ReqUnquiet)
	}
	if req.Args.String("channel") != "#chan" || req.Args.String("target") != "mask" {
		t.Fatalf("request args %v", req.Args)
	}
	if len(f.laters(t)) != 0 {
		t.Fatal("fired entry still persisted")
	}
	if f.sched.Pending() != 0 {
		t.Fatal("fired timer still pending")
	}
}

func TestFireUnknownModeFallsBackToRawMode(t *testing.T) {
	f := newSchedFixture(t)
	f.tr.Respond(irc.ReqMode, nil, nil)
	if err := f.sched.Schedule(time.Hour, "param", "#chan", "-z"); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	f.timers.Pending()[0].Fire()

	req := f.tr.Requests[0]
	if req.Name != irc.ReqMode {
		t.Fatalf("request %s, want %s", req.Name, irc.ReqMode)
	}
	if req.Args.String("mode") != "-z" || req.Args.String("param") != "param" {
		t.Fatalf("request args %v", req.Args)
	}
}

func TestFireFailureAnnouncesToChannel(t *testing.T) {
	f := newSchedFixture(t)
	f.tr.Respond(irc.ReqUnquiet, nil, &irc.OpFailedError{Reason: "could not get op"})
	if err := f.sched.Schedule(time.Hour, "mask", "#chan", "-q"); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	f.timers.Pending()[0].Fire()

	var sends []irc.OutgoingMessage
	for _, ev := range f.tr.Emitted {
		if ev.Type == irc.EventSend {
			sends = append(sends, ev.Payload.(irc.OutgoingMessage))
		}
	}
	if len(sends) != 1 {
		t.Fatalf("emitted %d sends, want 1", len(sends))
	}
	if sends[0].Target != "#chan" {
		t.Fatalf("announcement target %s", sends[0].Target)
	}
	if len(f.laters(t)) != 0 {
		t.Fatal("failed action still persisted; it should not retry")
	}
}

func TestResyncRebuildsFromPersisted(t *testing.T) {
	f := newSchedFixture(t)
	if err := f.sched.Schedule(time.Hour, "a", "#chan", "-q"); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if err := f.sched.Schedule(2*time.Hour, "b", "#chan", "-b"); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	f.sched.StopTimers()
	if f.sched.Pending() != 0 {
		t.Fatal("StopTimers left timers armed")
	}
	if len(f.laters(t)) != 2 {
		t.Fatal("StopTimers touched the persisted list")
	}

	if err := f.sched.Resync(); err != nil {
		t.Fatalf("Resync: %v", err)
	}
	if f.sched.Pending() != 2 {
		t.Fatalf("Pending %d after resync, want 2", f.sched.Pending())
	}
}

func TestResyncClampsOverdueDeadlines(t *testing.T) {
	f := newSchedFixture(t)
	if err := f.sched.Schedule(time.Hour, "mask", "#chan", "-q"); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	f.sched.StopTimers()

	// Simulate a restart long after the deadline.
	f.clock.Advance(3 * time.Hour)
	if err := f.sched.Resync(); err != nil {
		t.Fatalf("Resync: %v", err)
	}

	pending := f.timers.Pending()
	if len(pending) != 1 {
		t.Fatalf("armed %d timers, want 1", len(pending))
	}
	if pending[0].D < minDelay {
		t.Fatalf("overdue action armed with %v delay", pending[0].D)
	}
}

func TestInvalidateDropsPendingAction(t *testing.T) {
	f := newSchedFixture(t)
	if err := f.sched.Schedule(time.Hour, "mask", "#chan", "-q"); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	if err := f.sched.Invalidate("mask", "#chan", "-q"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}

	if f.sched.Pending() != 0 {
		t.Fatal("invalidated timer still armed")
	}
	if len(f.laters(t)) != 0 {
		t.Fatal("invalidated entry still persisted")
	}
	if len(f.tr.Requests) != 0 {
		t.Fatal("invalidation issued a request")
	}
}

func TestInvalidateUnknownKeyIsNoop(t *testing.T) {
	f := newSchedFixture(t)
	if err := f.sched.Schedule(time.Hour, "mask", "#chan", "-q"); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if err := f.sched.Invalidate("other", "#chan", "-q"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if f.sched.Pending() != 1 || len(f.laters(t)) != 1 {
		t.Fatal("no-op invalidation disturbed the pending action")
	}
}

func TestStoppedTimerFireIsNoop(t *testing.T) {
	f := newSchedFixture(t)
	if err := f.sched.Schedule(time.Hour, "mask", "#chan", "-q"); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	timer := f.timers.Pending()[0]
	f.sched.StopTimers()

	// A fire that races its own cancellation must do nothing.
	timer.Fire()

	if len(f.tr.Requests) != 0 {
		t.Fatal("canceled timer issued a request")
	}
	if len(f.laters(t)) != 1 {
		t.Fatal("canceled fire consumed the persisted entry")
	}
}

func TestPersistedFormatRoundTrip(t *testing.T) {
	f := newSchedFixture(t)
	// Float timestamps appear in state written by older builds.
	if err := f.cfg.Set(latersKey, []any{
		[]any{1717243200.5, "mask", "#chan", "-q"},
	}); err != nil {
		t.Fatalf("seed laters: %v", err)
	}

	laters := f.laters(t)
	if len(laters) != 1 {
		t.Fatalf("loaded %d entries", len(laters))
	}
	if laters[0].FireAt != 1717243200 {
		t.Fatalf("FireAt %d", laters[0].FireAt)
	}
	if laters[0].key() != (actionKey{Param: "mask", Channel: "#chan", Mode: "-q"}) {
		t.Fatalf("key %+v", laters[0].key())
	}
}

func TestScheduleErrorSurfacesFromConfig(t *testing.T) {
	f := newSchedFixture(t)
	// Corrupt laters so load fails.
	if err := f.cfg.Set(latersKey, "not a list"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	err := f.sched.Schedule(time.Hour, "mask", "#chan", "-q")
	if err == nil {
		t.Fatal("Schedule succeeded with unreadable state")
	}
	var opErr *irc.OpFailedError
	if errors.As(err, &opErr) {
		t.Fatal("config error misclassified as op failure")
	}
}
