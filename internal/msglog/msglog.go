// Package msglog records channel traffic into the shared store and serves
// recent lines back out, mostly so ops can see what led up to an incident.
package msglog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cmdean/chanward/internal/irc"
	"github.com/cmdean/chanward/pkg/plugin"
)

// LoggedMessage is one recorded line, as returned by log.recent.
type LoggedMessage struct {
	Channel string
	From    string
	Text    string
	At      time.Time
}

// Plugin is the message log plugin.
type Plugin struct {
	plugin.Base
}

var (
	_ plugin.Plugin        = (*Plugin)(nil)
	_ plugin.EventListener = (*Plugin)(nil)
)

// New constructs the msglog plugin.
func New(deps plugin.Deps) plugin.Plugin {
	return &Plugin{Base: plugin.NewBase(deps)}
}

var migrations = []plugin.Migration{
	{
		Version:     1,
		Description: "create message table",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				CREATE TABLE msglog_messages (
					id      INTEGER PRIMARY KEY AUTOINCREMENT,
					channel TEXT    NOT NULL,
					sender  TEXT    NOT NULL,
					text    TEXT    NOT NULL,
					at      INTEGER NOT NULL
				);
				CREATE INDEX msglog_messages_channel_at
					ON msglog_messages (channel, at);
			`)
			return err
		},
	},
}

// Start migrates the schema and hooks message traffic.
func (p *Plugin) Start(ctx context.Context) error {
	if p.Store() == nil {
		return fmt.Errorf("msglog needs a store")
	}
	if err := p.Store().Migrate(ctx, p.Name(), migrations); err != nil {
		return fmt.Errorf("migrate msglog schema: %w", err)
	}

	p.On(irc.EventMessage, p.onMessage)
	p.Provide(irc.ReqRecentLog, p.handleRecent)
	return nil
}

func (p *Plugin) onMessage(ctx context.Context, ev plugin.Event) {
	msg, ok := ev.Payload.(*irc.Message)
	if !ok || msg.Channel == "" {
		return
	}
	_, err := p.Store().DB().ExecContext(ctx,
		"INSERT INTO msglog_messages (channel, sender, text, at) VALUES (?, ?, ?, ?)",
		msg.Channel, msg.From, msg.Text, ev.Time.Unix(),
	)
	if err != nil {
		p.Logger().Error("record message", zap.Error(err))
	}
}

// handleRecent serves log.recent: the last N lines for a channel, oldest
// first.
func (p *Plugin) handleRecent(ctx context.Context, args plugin.Args) (any, error) {
	channel := args.String("channel")
	if channel == "" {
		return nil, fmt.Errorf("recent log: channel is required")
	}
	limit := 20
	if n, ok := args["limit"].(int); ok && n > 0 {
		limit = n
	} else if f, ok := args["limit"].(float64); ok && f > 0 {
		limit = int(f)
	}

	rows, err := p.Store().DB().QueryContext(ctx, `
		SELECT channel, sender, text, at FROM (
			SELECT channel, sender, text, at, id FROM msglog_messages
			WHERE channel = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`,
		channel, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent log: %w", err)
	}
	defer rows.Close()

	var out []LoggedMessage
	for rows.Next() {
		var m LoggedMessage
		var at int64
		if err := rows.Scan(&m.Channel, &m.From, &m.Text, &at); err != nil {
			return nil, fmt.Errorf("scan recent log: %w", err)
		}
		m.At = time.Unix(at, 0)
		out = append(out, m)
	}
	return out, rows.Err()
}
