package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cmdean/chanward/internal/irc"
	"github.com/cmdean/chanward/pkg/plugin"
)

// actionKey identifies a pending reversal. At most one action is pending
// per key; scheduling the same key again replaces the old one.
type actionKey struct {
	Param   string
	Channel string
	Mode    string // signed spec, e.g. "-q"
}

// pendingAction is one persisted entry in the laters list. The on-disk
// form is a four-element array so old state files keep loading.
type pendingAction struct {
	FireAt  int64
	Param   string
	Channel string
	Mode    string
}

func (p pendingAction) key() actionKey {
	return actionKey{Param: p.Param, Channel: p.Channel, Mode: p.Mode}
}

func (p pendingAction) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{p.FireAt, p.Param, p.Channel, p.Mode})
}

func (p *pendingAction) UnmarshalJSON(raw []byte) error {
	var fields []json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return err
	}
	if len(fields) != 4 {
		return fmt.Errorf("pending action has %d fields, want 4", len(fields))
	}
	// Timestamps may be stored as floats.
	var ts float64
	if err := json.Unmarshal(fields[0], &ts); err != nil {
		return err
	}
	p.FireAt = int64(ts)
	for i, dst := range []*string{&p.Param, &p.Channel, &p.Mode} {
		if err := json.Unmarshal(fields[i+1], dst); err != nil {
			return err
		}
	}
	return nil
}

const (
	latersKey = "laters"

	// minDelay floors every schedule, so "quiet for 0s" still quiets.
	minDelay = time.Second
)

// modeRequests maps the signed mode specs with first-class requests.
// Anything else falls back to a raw op.mode.
var modeRequests = map[string]string{
	"+b": irc.ReqBan,
	"-b": irc.ReqUnban,
	"+q": irc.ReqQuiet,
	"-q": irc.ReqUnquiet,
	"+o": irc.ReqOp,
	"-o": irc.ReqDeop,
	"+v": irc.ReqVoice,
	"-v": irc.ReqDevoice,
}

// stoppable is the slice of *time.Timer the scheduler needs; tests swap in
// manual timers.
type stoppable interface {
	Stop() bool
}

// Scheduler owns the timed mode reversals: an in-memory timer per pending
// action, mirrored by the persisted laters list in the plugin config. The
// two are updated together under the mutex, so a crash at any point leaves
// the persisted list describing exactly the actions still owed.
type Scheduler struct {
	tr     plugin.Transport
	logger *zap.Logger

	mu     sync.Mutex
	cfg    *plugin.Config
	timers map[actionKey]stoppable

	now      func() time.Time
	newTimer func(d time.Duration, fn func()) stoppable
}

func newScheduler(tr plugin.Transport, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		tr:     tr,
		logger: logger.Named("scheduler"),
		timers: make(map[actionKey]stoppable),
		now:    time.Now,
		newTimer: func(d time.Duration, fn func()) stoppable {
			return time.AfterFunc(d, fn)
		},
	}
}

// bind points the scheduler at the config blob holding the laters list.
func (s *Scheduler) bind(cfg *plugin.Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// Schedule records that mode should be applied to param on channel after
// delay. An existing action under the same key is replaced: its timer is
// canceled and its persisted entry rewritten with the new deadline.
func (s *Scheduler) Schedule(delay time.Duration, param, channel, mode string) error {
	if delay < minDelay {
		delay = minDelay
	}
	key := actionKey{Param: param, Channel: channel, Mode: mode}

	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[key]; ok {
		t.Stop()
		delete(s.timers, key)
	}

	laters, err := s.loadLaters()
	if err != nil {
		return err
	}
	laters = removeKey(laters, key)
	laters = append(laters, pendingAction{
		FireAt:  s.now().Add(delay).Unix(),
		Param:   param,
		Channel: channel,
		Mode:    mode,
	})
	if err := s.saveLaters(laters); err != nil {
		return err
	}

	s.timers[key] = s.newTimer(delay, func() { s.fire(key) })
	s.logger.Info("action scheduled",
		zap.String("channel", channel),
		zap.String("mode", mode),
		zap.String("param", param),
		zap.Duration("delay", delay))
	return nil
}

// fire runs when a timer elapses. The key is removed from both the timer
// table and the persisted list before the request goes out; a canceled or
// replaced timer that races its own fire finds its key gone and does
// nothing.
func (s *Scheduler) fire(key actionKey) {
	s.mu.Lock()
	if _, ok := s.timers[key]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.timers, key)

	laters, err := s.loadLaters()
	if err == nil {
		err = s.saveLaters(removeKey(laters, key))
	}
	s.mu.Unlock()
	if err != nil {
		s.logger.Error("persist fired action", zap.Error(err))
	}

	ctx := context.Background()
	name, ok := modeRequests[key.Mode]
	args := plugin.Args{"channel": key.Channel, "target": key.Param}
	if !ok {
		name = irc.ReqMode
		args["mode"] = key.Mode
		args["param"] = key.Param
	}

	if _, err := s.tr.IssueRequest(ctx, name, args); err != nil {
		var opErr *irc.OpFailedError
		if errors.As(err, &opErr) || errors.Is(err, irc.ErrBadParam) {
			s.tr.Emit(ctx, plugin.Event{
				Type:   irc.EventSend,
				Source: "admin",
				Payload: irc.OutgoingMessage{
					Target: key.Channel,
					Text: fmt.Sprintf("I was about to do a %s %s, but %s",
						key.Mode, key.Param, err),
				},
			})
			return
		}
		s.logger.Error("scheduled action failed",
			zap.String("channel", key.Channel),
			zap.String("mode", key.Mode),
			zap.String("param", key.Param),
			zap.Error(err))
	}
}

// Resync rebuilds the timer table from the persisted list: every live
// timer is canceled and one fresh timer armed per persisted entry.
// Deadlines already in the past fire after the minimum delay rather than
// being dropped.
func (s *Scheduler) Resync() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, t := range s.timers {
		t.Stop()
		delete(s.timers, key)
	}

	laters, err := s.loadLaters()
	if err != nil {
		return err
	}
	for _, p := range laters {
		key := p.key()
		if _, ok := s.timers[key]; ok {
			continue
		}
		delay := time.Unix(p.FireAt, 0).Sub(s.now())
		if delay < minDelay {
			delay = minDelay
		}
		s.timers[key] = s.newTimer(delay, func() { s.fire(key) })
	}
	s.logger.Info("timers resynced", zap.Int("pending", len(s.timers)))
	return nil
}

// Invalidate drops the pending action for (param, channel, mode) if one
// exists. Called when the mode change was observed happening by other
// means, so firing later would be wrong.
func (s *Scheduler) Invalidate(param, channel, mode string) error {
	key := actionKey{Param: param, Channel: channel, Mode: mode}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.timers[key]
	if !ok {
		return nil
	}
	t.Stop()
	delete(s.timers, key)

	laters, err := s.loadLaters()
	if err != nil {
		return err
	}
	if err := s.saveLaters(removeKey(laters, key)); err != nil {
		return err
	}
	s.logger.Info("pending action invalidated",
		zap.String("channel", channel),
		zap.String("mode", mode),
		zap.String("param", param))
	return nil
}

// StopTimers cancels every live timer without touching the persisted
// list; the actions fire after the next Resync.
func (s *Scheduler) StopTimers() {
	s.mu.Lock()
	for key, t := range s.timers {
		t.Stop()
		delete(s.timers, key)
	}
	s.mu.Unlock()
}

// Pending returns the number of armed timers.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func (s *Scheduler) loadLaters() ([]pendingAction, error) {
	var laters []pendingAction
	if _, err := s.cfg.Get(latersKey, &laters); err != nil {
		return nil, fmt.Errorf("load pending actions: %w", err)
	}
	return laters, nil
}

func (s *Scheduler) saveLaters(laters []pendingAction) error {
	if laters == nil {
		laters = []pendingAction{}
	}
	if err := s.cfg.Set(latersKey, laters); err != nil {
		return fmt.Errorf("save pending actions: %w", err)
	}
	if err := s.cfg.Save(); err != nil {
		return fmt.Errorf("save pending actions: %w", err)
	}
	return nil
}

func removeKey(laters []pendingAction, key actionKey) []pendingAction {
	out := laters[:0]
	for _, p := range laters {
		if p.key() != key {
			out = append(out, p)
		}
	}
	return out
}
