// Package irc defines the shared vocabulary of the bot: the request names
// and event types plugins agree on, plus the payload and error types that
// travel with them. The wire client lives outside this module; everything
// here is contract, not protocol.
package irc

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/cmdean/chanward/pkg/plugin"
)

// Request names. A plugin providing one of these owns the behavior; a
// plugin issuing one needs no knowledge of who serves it.
const (
	ReqBan     = "op.ban"
	ReqUnban   = "op.unban"
	ReqQuiet   = "op.quiet"
	ReqUnquiet = "op.unquiet"
	ReqOp      = "op.op"
	ReqDeop    = "op.deop"
	ReqVoice   = "op.voice"
	ReqDevoice = "op.devoice"
	ReqKick    = "op.kick"
	ReqMode    = "op.mode"

	ReqWhois = "directory.whois"

	ReqFetchTopic = "protocol.fetchTopic"
	ReqSetTopic   = "protocol.setTopic"
	ReqChanMode   = "protocol.queryChanMode"

	ReqTimedQuiet = "admin.timedQuiet"
	ReqRecentLog  = "log.recent"
)

// Event types.
const (
	EventModeChanged  = "mode.changed"
	EventTopicUpdated = "topic.updated"
	EventMessage      = "message.received"
	EventSend         = "message.send"

	// CommandPrefix heads the event types the command parser emits:
	// "command.quiet", "command.topic.undo", and so on.
	CommandPrefix = "command."
)

// ModeChange reports a single observed channel mode change.
type ModeChange struct {
	Channel string
	Mode    string // bare letter, e.g. "q"
	Set     bool
	Arg     string
}

// Signed renders the change as a signed mode spec such as "+q" or "-b".
func (m ModeChange) Signed() string {
	if m.Set {
		return "+" + m.Mode
	}
	return "-" + m.Mode
}

// TopicUpdate reports a channel topic change, whether set by the bot or
// observed from the network.
type TopicUpdate struct {
	Channel string
	Topic   string
}

// Message is a channel or private line addressed to the bot's attention.
// Reply sends text back where the message came from.
type Message struct {
	Channel string
	From    string // full hostmask, nick!user@host
	Text    string
	Reply   func(text string)
}

// Nick returns the nick portion of From.
func (m *Message) Nick() string {
	if i := strings.IndexByte(m.From, '!'); i >= 0 {
		return m.From[:i]
	}
	return m.From
}

// Host returns the host portion of From, or "" when From is a bare nick.
func (m *Message) Host() string {
	if i := strings.IndexByte(m.From, '@'); i >= 0 {
		return m.From[i+1:]
	}
	return ""
}

// Command is a parsed, permission-checked bot command. Args holds the
// named groups the command's pattern captured.
type Command struct {
	Channel string
	From    string
	Args    map[string]string
	Reply   func(text string)
}

// Nick returns the nick portion of From.
func (c *Command) Nick() string {
	if i := strings.IndexByte(c.From, '!'); i >= 0 {
		return c.From[:i]
	}
	return c.From
}

// WhoisReply is the result payload of ReqWhois.
type WhoisReply struct {
	Nick     string
	Username string
	Host     string
}

// OutgoingMessage is the payload of EventSend.
type OutgoingMessage struct {
	Target string
	Text   string
	Notice bool
}

// OpFailedError reports a channel operation that could not be carried out,
// typically because op could not be acquired. Reason is user-presentable.
type OpFailedError struct {
	Reason string
}

func (e *OpFailedError) Error() string { return e.Reason }

var (
	// ErrNoSuchNick reports a whois for a nick not on the network.
	ErrNoSuchNick = errors.New("no such nick")

	// ErrWhoisTimeout reports a whois the server never answered.
	ErrWhoisTimeout = errors.New("whois timed out")

	// ErrBadParam reports a mode parameter the server rejected.
	ErrBadParam = errors.New("invalid mode parameter")
)

// CommandFunc handles one parsed command.
type CommandFunc func(ctx context.Context, cmd *Command)

// CommandEvent adapts a CommandFunc into an event handler for a
// "command.*" event type. Payloads that are not commands are logged and
// dropped; commands issued outside a channel get a refusal reply, since
// every command this bot exposes acts on a channel.
func CommandEvent(logger *zap.Logger, fn CommandFunc) plugin.EventFunc {
	return func(ctx context.Context, ev plugin.Event) {
		cmd, ok := ev.Payload.(*Command)
		if !ok {
			logger.Warn("event payload is not a command",
				zap.String("type", ev.Type),
				zap.String("payload", fmt.Sprintf("%T", ev.Payload)))
			return
		}
		if cmd.Channel == "" {
			cmd.Reply("Hey, you can't do that in here!")
			return
		}
		fn(ctx, cmd)
	}
}
