// Package topic maintains a per-channel topic history and exposes piecewise
// topic editing: the topic is treated as " | "-separated parts that can be
// appended, inserted, replaced, removed, and popped, with undo backed by
// the history.
package topic

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cmdean/chanward/internal/irc"
	"github.com/cmdean/chanward/pkg/plugin"
)

const (
	// historyCap bounds the per-channel topic history; undo never needs
	// more than a handful of entries.
	historyCap = 10

	// queryTimeout bounds how long a current-topic query waits for the
	// network to answer a fetch.
	queryTimeout = 10 * time.Second

	separator = " | "
)

var errTopicUnknown = errors.New("topic fetch timed out")

type topicResult struct {
	topic string
	err   error
}

// pendingQuery is one in-flight topic fetch with everyone waiting on it.
type pendingQuery struct {
	waiters []chan topicResult
	timer   stoppable
}

type stoppable interface {
	Stop() bool
}

// Plugin is the topic plugin.
type Plugin struct {
	plugin.Base

	mu      sync.Mutex
	history map[string][]string // most recent last
	pending map[string]*pendingQuery

	newTimer func(d time.Duration, fn func()) stoppable
}

var (
	_ plugin.Plugin        = (*Plugin)(nil)
	_ plugin.EventListener = (*Plugin)(nil)
)

// New constructs the topic plugin.
func New(deps plugin.Deps) plugin.Plugin {
	return &Plugin{
		Base:    plugin.NewBase(deps),
		history: make(map[string][]string),
		pending: make(map[string]*pendingQuery),
		newTimer: func(d time.Duration, fn func()) stoppable {
			return time.AfterFunc(d, fn)
		},
	}
}

// Start hooks the topic events and commands.
func (p *Plugin) Start(ctx context.Context) error {
	p.On(irc.EventTopicUpdated, p.onTopicUpdated)

	log := p.Logger()
	p.On(irc.CommandPrefix+"topic.append", irc.CommandEvent(log, p.cmdAppend))
	p.On(irc.CommandPrefix+"topic.insert", irc.CommandEvent(log, p.cmdInsert))
	p.On(irc.CommandPrefix+"topic.replace", irc.CommandEvent(log, p.cmdReplace))
	p.On(irc.CommandPrefix+"topic.remove", irc.CommandEvent(log, p.cmdRemove))
	p.On(irc.CommandPrefix+"topic.pop", irc.CommandEvent(log, p.cmdPop))
	p.On(irc.CommandPrefix+"topic.undo", irc.CommandEvent(log, p.cmdUndo))
	return nil
}

// onTopicUpdated records the observed topic and resolves any waiters. A
// repeat of the current topic is not a change and is not pushed, so
// setting the topic to itself cannot eat undo history.
func (p *Plugin) onTopicUpdated(ctx context.Context, ev plugin.Event) {
	tu, ok := ev.Payload.(irc.TopicUpdate)
	if !ok {
		return
	}

	p.mu.Lock()
	h := p.history[tu.Channel]
	if len(h) == 0 || h[len(h)-1] != tu.Topic {
		h = append(h, tu.Topic)
		if len(h) > historyCap {
			h = h[len(h)-historyCap:]
		}
		p.history[tu.Channel] = h
	}
	pq := p.pending[tu.Channel]
	delete(p.pending, tu.Channel)
	p.mu.Unlock()

	if pq != nil {
		if pq.timer != nil {
			pq.timer.Stop()
		}
		for _, w := range pq.waiters {
			w <- topicResult{topic: tu.Topic}
		}
	}
}

// current returns the channel's topic, answering from history when
// possible and otherwise fetching from the network. Concurrent callers
// during a fetch share the single in-flight query.
func (p *Plugin) current(ctx context.Context, channel string) (string, error) {
	p.mu.Lock()
	if h := p.history[channel]; len(h) > 0 {
		top := h[len(h)-1]
		p.mu.Unlock()
		return top, nil
	}

	waiter := make(chan topicResult, 1)
	pq, inFlight := p.pending[channel]
	if !inFlight {
		pq = &pendingQuery{}
		p.pending[channel] = pq
	}
	pq.waiters = append(pq.waiters, waiter)
	p.mu.Unlock()

	if !inFlight {
		if _, err := p.Transport().IssueRequest(ctx, irc.ReqFetchTopic, plugin.Args{
			"channel": channel,
		}); err != nil {
			p.expire(channel, pq, err)
		} else {
			p.mu.Lock()
			// Arm the timeout only if the answer hasn't already landed.
			if p.pending[channel] == pq {
				pq.timer = p.newTimer(queryTimeout, func() {
					p.expire(channel, pq, errTopicUnknown)
				})
			}
			p.mu.Unlock()
		}
	}

	select {
	case res := <-waiter:
		return res.topic, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// expire fails every waiter on pq. The pointer compare guards against a
// stale timer expiring a successor query for the same channel.
func (p *Plugin) expire(channel string, pq *pendingQuery, err error) {
	p.mu.Lock()
	if p.pending[channel] != pq {
		p.mu.Unlock()
		return
	}
	delete(p.pending, channel)
	p.mu.Unlock()

	for _, w := range pq.waiters {
		w <- topicResult{err: err}
	}
}

func splitTopic(topic string) []string {
	if strings.TrimSpace(topic) == "" {
		return nil
	}
	raw := strings.Split(topic, "|")
	parts := make([]string, len(raw))
	for i, s := range raw {
		parts[i] = strings.TrimSpace(s)
	}
	return parts
}

// editTopic fetches the current topic, applies edit to its parts, and
// pushes the joined result to the network.
func (p *Plugin) editTopic(ctx context.Context, cmd *irc.Command, edit func(parts []string) ([]string, error)) {
	topic, err := p.current(ctx, cmd.Channel)
	if err != nil {
		p.replyFetchFailure(cmd, err)
		return
	}

	parts, err := edit(splitTopic(topic))
	if err != nil {
		cmd.Reply(err.Error())
		return
	}
	p.setTopic(ctx, cmd, strings.Join(parts, separator))
}

func (p *Plugin) setTopic(ctx context.Context, cmd *irc.Command, topic string) {
	_, err := p.Transport().IssueRequest(ctx, irc.ReqSetTopic, plugin.Args{
		"channel": cmd.Channel,
		"topic":   topic,
	})
	if err == nil {
		return
	}
	var opErr *irc.OpFailedError
	if errors.As(err, &opErr) {
		cmd.Reply("Channel is +t and I can't acquire op! Reason: " + opErr.Reason)
		return
	}
	p.Logger().Error("set topic", zap.String("channel", cmd.Channel), zap.Error(err))
	cmd.Reply("Something went wrong setting the topic.")
}

func (p *Plugin) replyFetchFailure(cmd *irc.Command, err error) {
	if errors.Is(err, errTopicUnknown) {
		cmd.Reply("I can't figure out what the topic is right now. Try again later.")
		return
	}
	p.Logger().Error("fetch topic", zap.String("channel", cmd.Channel), zap.Error(err))
	cmd.Reply("I couldn't get the current topic.")
}

func outOfRange(n int) error {
	return fmt.Errorf("There are only %d topic parts. Remember indexes start at 0", n)
}

func (p *Plugin) cmdAppend(ctx context.Context, cmd *irc.Command) {
	text := cmd.Args["text"]
	p.editTopic(ctx, cmd, func(parts []string) ([]string, error) {
		return append(parts, text), nil
	})
}

func (p *Plugin) cmdInsert(ctx context.Context, cmd *irc.Command) {
	pos, err := strconv.Atoi(cmd.Args["pos"])
	if err != nil {
		cmd.Reply("Give me a numeric position.")
		return
	}
	text := cmd.Args["text"]
	p.editTopic(ctx, cmd, func(parts []string) ([]string, error) {
		if pos < 0 || pos > len(parts) {
			return nil, outOfRange(len(parts))
		}
		return slices.Insert(parts, pos, text), nil
	})
}

func (p *Plugin) cmdReplace(ctx context.Context, cmd *irc.Command) {
	pos, err := strconv.Atoi(cmd.Args["pos"])
	if err != nil {
		cmd.Reply("Give me a numeric position.")
		return
	}
	text := cmd.Args["text"]
	p.editTopic(ctx, cmd, func(parts []string) ([]string, error) {
		if pos < 0 || pos >= len(parts) {
			return nil, outOfRange(len(parts))
		}
		parts[pos] = text
		return parts, nil
	})
}

func (p *Plugin) cmdRemove(ctx context.Context, cmd *irc.Command) {
	pos, err := strconv.Atoi(cmd.Args["pos"])
	if err != nil {
		cmd.Reply("Give me a numeric position.")
		return
	}
	p.editTopic(ctx, cmd, func(parts []string) ([]string, error) {
		if pos < 0 || pos >= len(parts) {
			return nil, outOfRange(len(parts))
		}
		return slices.Delete(parts, pos, pos+1), nil
	})
}

func (p *Plugin) cmdPop(ctx context.Context, cmd *irc.Command) {
	p.editTopic(ctx, cmd, func(parts []string) ([]string, error) {
		if len(parts) == 0 {
			return nil, errors.New("The topic is already empty.")
		}
		return parts[:len(parts)-1], nil
	})
}

// cmdUndo restores the previous topic. The current entry and the previous
// one both come off the history; the network's echo of the set re-pushes
// the restored topic as the new top.
func (p *Plugin) cmdUndo(ctx context.Context, cmd *irc.Command) {
	p.mu.Lock()
	h := p.history[cmd.Channel]
	if len(h) < 2 {
		p.mu.Unlock()
		cmd.Reply("I don't know what the topic used to be. Cannot undo =(")
		return
	}
	prev := h[len(h)-2]
	p.history[cmd.Channel] = h[:len(h)-2]
	p.mu.Unlock()

	p.setTopic(ctx, cmd, prev)
}
