// Package admin implements the channel operator plugin: kicks, bans,
// quiets, voicing, and raw mode changes, plus the timed reversals that
// make "quiet for an hour" survive a restart.
package admin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cmdean/chanward/internal/irc"
	"github.com/cmdean/chanward/pkg/plugin"
)

// Plugin is the op and timed-action plugin.
type Plugin struct {
	plugin.Base
	sched   *Scheduler
	started bool
}

var (
	_ plugin.Plugin         = (*Plugin)(nil)
	_ plugin.EventListener  = (*Plugin)(nil)
	_ plugin.RequestHandler = (*Plugin)(nil)
)

// New constructs the admin plugin.
func New(deps plugin.Deps) plugin.Plugin {
	p := &Plugin{Base: plugin.NewBase(deps)}
	p.sched = newScheduler(deps.Transport, deps.Logger)
	return p
}

// Reload re-reads config and, when running, resyncs the pending timers
// against the freshly loaded laters list.
func (p *Plugin) Reload() error {
	if err := p.Base.Reload(); err != nil {
		return err
	}
	p.sched.bind(p.Config())
	if p.started {
		return p.sched.Resync()
	}
	return nil
}

// Start hooks commands and events, then arms timers for every action the
// previous run left pending.
func (p *Plugin) Start(ctx context.Context) error {
	p.On(irc.EventModeChanged, p.onModeChanged)
	p.Provide(irc.ReqTimedQuiet, p.handleTimedQuiet)

	log := p.Logger()
	p.On(irc.CommandPrefix+"kick", irc.CommandEvent(log, p.cmdKick))
	p.On(irc.CommandPrefix+"op", irc.CommandEvent(log, p.fanOut(irc.ReqOp)))
	p.On(irc.CommandPrefix+"deop", irc.CommandEvent(log, p.fanOut(irc.ReqDeop)))
	p.On(irc.CommandPrefix+"voice", irc.CommandEvent(log, p.fanOut(irc.ReqVoice)))
	p.On(irc.CommandPrefix+"devoice", irc.CommandEvent(log, p.fanOut(irc.ReqDevoice)))
	p.On(irc.CommandPrefix+"quiet", irc.CommandEvent(log, p.cmdQuiet))
	p.On(irc.CommandPrefix+"unquiet", irc.CommandEvent(log, p.liftMode("q", irc.ReqUnquiet)))
	p.On(irc.CommandPrefix+"ban", irc.CommandEvent(log, p.cmdBan))
	p.On(irc.CommandPrefix+"unban", irc.CommandEvent(log, p.liftMode("b", irc.ReqUnban)))
	p.On(irc.CommandPrefix+"mode", irc.CommandEvent(log, p.cmdMode))

	p.started = true
	return p.sched.Resync()
}

// Stop cancels in-memory timers. The persisted list is untouched, so the
// next Start owes the same actions.
func (p *Plugin) Stop() error {
	p.started = false
	p.sched.StopTimers()
	return nil
}

// onModeChanged drops any pending reversal that the observed change just
// made redundant, e.g. an op manually doing the -q we had queued.
func (p *Plugin) onModeChanged(ctx context.Context, ev plugin.Event) {
	mc, ok := ev.Payload.(irc.ModeChange)
	if !ok {
		return
	}
	if err := p.sched.Invalidate(mc.Arg, mc.Channel, mc.Signed()); err != nil {
		p.Logger().Error("invalidate pending action", zap.Error(err))
	}
}

// handleTimedQuiet serves admin.timedQuiet for other plugins: quiet a
// mask now and schedule the unquiet.
func (p *Plugin) handleTimedQuiet(ctx context.Context, args plugin.Args) (any, error) {
	channel := args.String("channel")
	target := args.String("target")
	if channel == "" || target == "" {
		return nil, fmt.Errorf("timedQuiet: channel and target are required")
	}
	d, ok := args.Seconds("duration")
	if !ok {
		var err error
		d, err = parseWhen(args.String("duration"), time.Now())
		if err != nil {
			return nil, err
		}
	}
	mask, err := resolveTarget(ctx, p.Transport(), target)
	if err != nil {
		return nil, err
	}
	return nil, p.setModeTimed(ctx, channel, "q", mask, d)
}

func (p *Plugin) cmdKick(ctx context.Context, cmd *irc.Command) {
	args := plugin.Args{
		"channel": cmd.Channel,
		"target":  cmd.Args["nick"],
		"reason":  cmd.Args["reason"],
	}
	if _, err := p.Transport().IssueRequest(ctx, irc.ReqKick, args); err != nil {
		p.replyFailure(cmd, err)
	}
}

// fanOut builds a handler that issues one request per listed nick,
// defaulting to the speaker. Requests run concurrently; the reply carries
// the first failure in argument order.
func (p *Plugin) fanOut(request string) irc.CommandFunc {
	return func(ctx context.Context, cmd *irc.Command) {
		nicks := strings.Fields(cmd.Args["nicks"])
		if len(nicks) == 0 {
			nicks = []string{cmd.Nick()}
		}

		errs := make([]error, len(nicks))
		var wg sync.WaitGroup
		for i, nick := range nicks {
			wg.Add(1)
			go func(i int, nick string) {
				defer wg.Done()
				_, errs[i] = p.Transport().IssueRequest(ctx, request, plugin.Args{
					"channel": cmd.Channel,
					"target":  nick,
				})
			}(i, nick)
		}
		wg.Wait()

		for _, err := range errs {
			if err != nil {
				p.replyFailure(cmd, err)
				return
			}
		}
	}
}

func (p *Plugin) cmdQuiet(ctx context.Context, cmd *irc.Command) {
	duration := p.defaultDuration()
	if ts := strings.TrimSpace(cmd.Args["timestr"]); ts != "" {
		d, err := parseWhen(ts, time.Now())
		if err != nil {
			cmd.Reply(err.Error())
			return
		}
		duration = d
	}

	mask, ok := p.resolve(ctx, cmd, cmd.Args["nick"])
	if !ok {
		return
	}
	if err := p.setModeTimed(ctx, cmd.Channel, "q", mask, duration); err != nil {
		p.replyFailure(cmd, err)
	}
}

// cmdBan bans and usually kicks. The timespec is optional and the grammar
// is loose: a trailing phrase that fails to parse as a time is treated as
// the kick reason instead of an error.
func (p *Plugin) cmdBan(ctx context.Context, cmd *irc.Command) {
	target := cmd.Args["nick"]
	reason := cmd.Args["reason"]
	duration := p.defaultDuration()

	if ts := strings.TrimSpace(cmd.Args["timestr"]); ts != "" {
		if d, err := parseWhen(ts, time.Now()); err == nil {
			duration = d
		} else if reason == "" {
			reason = ts
		}
	}
	if reason == "" {
		reason = "Banned by " + cmd.Nick()
	}

	var mask, kickNick string
	switch {
	case strings.Contains(target, "!") && strings.Contains(target, "@"):
		mask = target
		// Kick only when the nick part names one person.
		if nick := target[:strings.IndexByte(target, '!')]; !strings.ContainsAny(nick, "*?") {
			kickNick = nick
		}
	case strings.HasPrefix(target, "$"):
		mask = target
	default:
		var ok bool
		mask, ok = p.resolve(ctx, cmd, target)
		if !ok {
			return
		}
		kickNick = target
	}

	var wg sync.WaitGroup
	var banErr, kickErr error

	wg.Add(1)
	go func() {
		defer wg.Done()
		banErr = p.setModeTimed(ctx, cmd.Channel, "b", mask, duration)
	}()
	if kickNick != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, kickErr = p.Transport().IssueRequest(ctx, irc.ReqKick, plugin.Args{
				"channel": cmd.Channel,
				"target":  kickNick,
				"reason":  reason,
			})
		}()
	}
	wg.Wait()

	if banErr != nil {
		p.replyFailure(cmd, banErr)
		return
	}
	if kickErr != nil {
		p.replyFailure(cmd, kickErr)
	}
}

// liftMode builds the unban/unquiet handler for a mode letter. With a
// timespec the lift is deferred through the scheduler; without one it
// happens immediately.
func (p *Plugin) liftMode(letter, request string) irc.CommandFunc {
	return func(ctx context.Context, cmd *irc.Command) {
		mask, ok := p.resolve(ctx, cmd, cmd.Args["nick"])
		if !ok {
			return
		}

		if ts := strings.TrimSpace(cmd.Args["timestr"]); ts != "" {
			d, err := parseWhen(ts, time.Now())
			if err != nil {
				cmd.Reply(err.Error())
				return
			}
			if err := p.sched.Schedule(d, mask, cmd.Channel, "-"+letter); err != nil {
				p.replyFailure(cmd, err)
				return
			}
			cmd.Reply("It shall be done.")
			return
		}

		if _, err := p.Transport().IssueRequest(ctx, request, plugin.Args{
			"channel": cmd.Channel,
			"target":  mask,
		}); err != nil {
			p.replyFailure(cmd, err)
		}
	}
}

// cmdMode applies an arbitrary mode, optionally deferred ("in 2 hours")
// or temporary ("for 2 hours": apply now, reverse later).
func (p *Plugin) cmdMode(ctx context.Context, cmd *irc.Command) {
	mode := cmd.Args["mode"]
	param := cmd.Args["param"]
	if len(mode) != 2 || (mode[0] != '+' && mode[0] != '-') {
		cmd.Reply("Give me a mode like +b or -o.")
		return
	}

	word := cmd.Args["when"] // "in", "at", "for", "until", or empty
	ts := strings.TrimSpace(cmd.Args["timestr"])

	switch word {
	case "in", "at":
		d, err := parseWhen(ts, time.Now())
		if err != nil {
			cmd.Reply(err.Error())
			return
		}
		if err := p.sched.Schedule(d, param, cmd.Channel, mode); err != nil {
			p.replyFailure(cmd, err)
			return
		}
		cmd.Reply(fmt.Sprintf("Doing a %s %s in %.0f seconds", mode, param, d.Seconds()))
		return
	case "for", "until":
		d, err := parseWhen(ts, time.Now())
		if err != nil {
			cmd.Reply(err.Error())
			return
		}
		if err := p.applyMode(ctx, cmd.Channel, mode, param); err != nil {
			p.replyFailure(cmd, err)
			return
		}
		reverse := flipSign(mode)
		if err := p.sched.Schedule(d, param, cmd.Channel, reverse); err != nil {
			p.replyFailure(cmd, err)
		}
		return
	}

	if err := p.applyMode(ctx, cmd.Channel, mode, param); err != nil {
		p.replyFailure(cmd, err)
	}
}

func flipSign(mode string) string {
	if mode[0] == '+' {
		return "-" + mode[1:]
	}
	return "+" + mode[1:]
}

// applyMode issues the first-class request for a mode when one exists and
// falls back to raw op.mode otherwise.
func (p *Plugin) applyMode(ctx context.Context, channel, mode, param string) error {
	name, ok := modeRequests[mode]
	args := plugin.Args{"channel": channel, "target": param}
	if !ok {
		name = irc.ReqMode
		args["mode"] = mode
		args["param"] = param
	}
	_, err := p.Transport().IssueRequest(ctx, name, args)
	return err
}

// setModeTimed applies +letter now and schedules -letter. The reversal is
// scheduled only after the mode sticks; a failed mode never leaves a
// phantom pending action.
func (p *Plugin) setModeTimed(ctx context.Context, channel, letter, mask string, d time.Duration) error {
	if err := p.applyMode(ctx, channel, "+"+letter, mask); err != nil {
		return err
	}
	return p.sched.Schedule(d, mask, channel, "-"+letter)
}

// resolve turns a target into a banmask, replying to the user on failure.
func (p *Plugin) resolve(ctx context.Context, cmd *irc.Command, target string) (string, bool) {
	if target == "" {
		cmd.Reply("Who?")
		return "", false
	}
	mask, err := resolveTarget(ctx, p.Transport(), target)
	switch {
	case err == nil:
		return mask, true
	case errors.Is(err, irc.ErrNoSuchNick):
		cmd.Reply(fmt.Sprintf(
			"There is no user by that nick on the network. Try %s!*@* to %s anyone with that nick.",
			target, verbFor(cmd)))
	case errors.Is(err, irc.ErrWhoisTimeout):
		cmd.Reply("The network is being slow about that whois. Try again, or give me a full mask.")
	default:
		p.replyFailure(cmd, err)
	}
	return "", false
}

// verbFor names the action for the no-such-nick hint, keyed off the
// command's event grammar where available.
func verbFor(cmd *irc.Command) string {
	if v := cmd.Args["verb"]; v != "" {
		return v
	}
	return "match"
}

// replyFailure turns an operation error into a channel reply. Op failures
// carry a user-presentable reason; anything else is logged and answered
// generically.
func (p *Plugin) replyFailure(cmd *irc.Command, err error) {
	var opErr *irc.OpFailedError
	if errors.As(err, &opErr) {
		cmd.Reply(opErr.Reason)
		return
	}
	p.Logger().Error("operation failed", zap.Error(err))
	cmd.Reply("Something went wrong with that. Check the logs.")
}

// defaultDuration reads the configured default quiet/ban length in
// seconds, falling back to an hour.
func (p *Plugin) defaultDuration() time.Duration {
	var secs float64
	if ok, err := p.Config().Get("defaulttime", &secs); err == nil && ok && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	return time.Hour
}
