// Package spam watches for flooding and quiets offenders through the
// admin plugin's timed quiet. It rides the middleware chain so flood
// lines never reach the rest of the bot.
package spam

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cmdean/chanward/internal/irc"
	"github.com/cmdean/chanward/pkg/plugin"
)

const (
	defaultQuietSeconds = 300
	defaultNotice       = "Spamming is not allowed on this channel!"
)

// settings is the per-channel trigger: Lines messages within Seconds.
type settings struct {
	Lines   int     `json:"lines"`
	Seconds float64 `json:"seconds"`
}

// Plugin is the flood-protection plugin.
type Plugin struct {
	plugin.Base

	mu       sync.Mutex
	channels map[string]settings
	recent   map[string][]time.Time // keyed by channel + nick

	now func() time.Time
}

var (
	_ plugin.Plugin                = (*Plugin)(nil)
	_ plugin.EventListener         = (*Plugin)(nil)
	_ plugin.MiddlewareInterceptor = (*Plugin)(nil)
	_ plugin.Requirer              = (*Plugin)(nil)
)

// New constructs the spam plugin.
func New(deps plugin.Deps) plugin.Plugin {
	return &Plugin{
		Base:     plugin.NewBase(deps),
		channels: make(map[string]settings),
		recent:   make(map[string][]time.Time),
		now:      time.Now,
	}
}

// Requires declares the admin plugin, which serves the timed quiet.
func (p *Plugin) Requires() []string { return []string{"admin"} }

// Reload re-reads the watched-channel table.
func (p *Plugin) Reload() error {
	if err := p.Base.Reload(); err != nil {
		return err
	}
	channels := make(map[string]settings)
	if _, err := p.Config().Get("channels", &channels); err != nil {
		return err
	}
	p.mu.Lock()
	p.channels = channels
	p.recent = make(map[string][]time.Time)
	p.mu.Unlock()
	return nil
}

// Start installs the flood interceptor and the control commands.
func (p *Plugin) Start(ctx context.Context) error {
	p.Intercept(irc.EventMessage, p.interceptMessage)

	log := p.Logger()
	p.On(irc.CommandPrefix+"spam.on", irc.CommandEvent(log, p.cmdOn))
	p.On(irc.CommandPrefix+"spam.off", irc.CommandEvent(log, p.cmdOff))
	p.On(irc.CommandPrefix+"spam.setmsg", irc.CommandEvent(log, p.cmdSetMsg))
	p.On(irc.CommandPrefix+"spam.setduration", irc.CommandEvent(log, p.cmdSetDuration))
	return nil
}

// interceptMessage tracks message timing per nick and, on a flood,
// quiets the sender and swallows the line.
func (p *Plugin) interceptMessage(ctx context.Context, ev plugin.Event) (plugin.Event, bool) {
	msg, ok := ev.Payload.(*irc.Message)
	if !ok || msg.Channel == "" {
		return ev, true
	}

	p.mu.Lock()
	cfg, watched := p.channels[msg.Channel]
	if !watched || cfg.Lines <= 0 {
		p.mu.Unlock()
		return ev, true
	}

	key := msg.Channel + " " + msg.Nick()
	ts := append(p.recent[key], p.now())
	if len(ts) > cfg.Lines {
		ts = ts[len(ts)-cfg.Lines:]
	}

	window := time.Duration(cfg.Seconds * float64(time.Second))
	flooding := len(ts) == cfg.Lines && p.now().Sub(ts[0]) < window
	if flooding {
		// Reset so the quiet isn't re-triggered by the same burst.
		delete(p.recent, key)
	} else {
		p.recent[key] = ts
	}
	p.mu.Unlock()

	if !flooding {
		return ev, true
	}

	p.punish(ctx, msg)
	return ev, false
}

func (p *Plugin) punish(ctx context.Context, msg *irc.Message) {
	mask := "*!*@" + msg.Host()
	if msg.Host() == "" {
		mask = msg.Nick()
	}

	duration := float64(defaultQuietSeconds)
	if ok, err := p.Config().Get("duration", &duration); err != nil || !ok {
		duration = defaultQuietSeconds
	}

	if _, err := p.Transport().IssueRequest(ctx, irc.ReqTimedQuiet, plugin.Args{
		"channel":  msg.Channel,
		"target":   mask,
		"duration": duration,
	}); err != nil {
		p.Logger().Error("quiet flooder",
			zap.String("channel", msg.Channel),
			zap.String("mask", mask),
			zap.Error(err))
	}

	for _, line := range p.noticeLines() {
		p.Transport().Emit(ctx, plugin.Event{
			Type:   irc.EventSend,
			Source: p.Name(),
			Payload: irc.OutgoingMessage{
				Target: msg.Nick(),
				Text:   line,
				Notice: true,
			},
		})
	}
}

func (p *Plugin) noticeLines() []string {
	var raw string
	if ok, err := p.Config().Get("msg", &raw); err != nil || !ok || raw == "" {
		return []string{defaultNotice}
	}
	return strings.Split(raw, "\n")
}

func (p *Plugin) cmdOn(ctx context.Context, cmd *irc.Command) {
	lines, seconds := 5, 2.0
	if n := cmd.Args["lines"]; n != "" {
		fmt.Sscanf(n, "%d", &lines)
	}
	if s := cmd.Args["seconds"]; s != "" {
		fmt.Sscanf(s, "%f", &seconds)
	}

	p.mu.Lock()
	p.channels[cmd.Channel] = settings{Lines: lines, Seconds: seconds}
	channels := copyChannels(p.channels)
	p.mu.Unlock()

	if err := p.saveChannels(channels); err != nil {
		p.Logger().Error("save spam config", zap.Error(err))
		cmd.Reply("Something went wrong saving that.")
		return
	}
	cmd.Reply(fmt.Sprintf("Watching for %d lines in %.0f seconds.", lines, seconds))
}

func (p *Plugin) cmdOff(ctx context.Context, cmd *irc.Command) {
	p.mu.Lock()
	delete(p.channels, cmd.Channel)
	channels := copyChannels(p.channels)
	p.mu.Unlock()

	if err := p.saveChannels(channels); err != nil {
		p.Logger().Error("save spam config", zap.Error(err))
		cmd.Reply("Something went wrong saving that.")
		return
	}
	cmd.Reply("No longer watching this channel.")
}

func (p *Plugin) cmdSetMsg(ctx context.Context, cmd *irc.Command) {
	if err := p.setAndSave("msg", cmd.Args["text"]); err != nil {
		p.Logger().Error("save spam config", zap.Error(err))
		cmd.Reply("Something went wrong saving that.")
		return
	}
	cmd.Reply("Noted.")
}

func (p *Plugin) cmdSetDuration(ctx context.Context, cmd *irc.Command) {
	var secs float64
	if _, err := fmt.Sscanf(cmd.Args["seconds"], "%f", &secs); err != nil || secs <= 0 {
		cmd.Reply("Give me a duration in seconds.")
		return
	}
	if err := p.setAndSave("duration", secs); err != nil {
		p.Logger().Error("save spam config", zap.Error(err))
		cmd.Reply("Something went wrong saving that.")
		return
	}
	cmd.Reply("Noted.")
}

func (p *Plugin) saveChannels(channels map[string]settings) error {
	return p.setAndSave("channels", channels)
}

// copyChannels snapshots the table so it can be marshaled outside the
// lock while the interceptor keeps reading the live map.
func copyChannels(channels map[string]settings) map[string]settings {
	out := make(map[string]settings, len(channels))
	for k, v := range channels {
		out[k] = v
	}
	return out
}

func (p *Plugin) setAndSave(key string, v any) error {
	if err := p.Config().Set(key, v); err != nil {
		return err
	}
	return p.Config().Save()
}
