package ari

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/coder/websocket"

	"github.com/varnalab/ariadne/internal/resilience"
)

// EventType enumerates the Stasis events the engine reacts to.
type EventType string

const (
	EventStasisStart      EventType = "StasisStart"
	EventStasisEnd        EventType = "StasisEnd"
	EventChannelDestroyed EventType = "ChannelDestroyed"
	EventPlaybackFinished EventType = "PlaybackFinished"
)

// Event is the decoded union of the Stasis events the engine consumes.
// Fields beyond Type are populated per event type.
type Event struct {
	Type     EventType
	Channel  Channel  // StasisStart, StasisEnd, ChannelDestroyed
	Args     []string // StasisStart dialplan arguments
	Cause    int      // ChannelDestroyed hangup cause
	Playback Playback // PlaybackFinished
}

// rawEvent is the wire shape shared by all event types.
type rawEvent struct {
	Type     string   `json:"type"`
	Channel  Channel  `json:"channel"`
	Args     []string `json:"args"`
	Cause    int      `json:"cause"`
	Playback Playback `json:"playback"`
}

// wsURL derives the /events WebSocket URL from the REST base.
func (c *Client) wsURL() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("ari: parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/events"
	q := u.Query()
	q.Set("app", c.cfg.App)
	q.Set("api_key", c.cfg.Username+":"+c.cfg.Password)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Events connects to the ARI event WebSocket and streams decoded events
// until ctx is cancelled. Connection loss triggers reconnects with
// exponential backoff; the channel closes only when ctx ends. Unknown
// event types are skipped.
func (c *Client) Events(ctx context.Context) (<-chan Event, error) {
	wsURL, err := c.wsURL()
	if err != nil {
		return nil, err
	}

	// Fail fast when the PBX is unreachable at startup; later drops are
	// handled by the reconnect loop.
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("ari: dial events: %w", err)
	}

	out := make(chan Event, 64)
	go c.eventLoop(ctx, wsURL, conn, out)
	return out, nil
}

// eventLoop reads events from conn, reconnecting on failure, until ctx is
// done.
func (c *Client) eventLoop(ctx context.Context, wsURL string, conn *websocket.Conn, out chan<- Event) {
	defer close(out)
	backoff := resilience.NewBackoff(0, 0)

	for {
		c.readEvents(ctx, conn, out)
		conn.Close(websocket.StatusNormalClosure, "reconnecting")

		// Reconnect until the context ends.
		for {
			if err := backoff.Wait(ctx); err != nil {
				return
			}
			next, _, err := websocket.Dial(ctx, wsURL, nil)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				c.log.Warn("ari: events reconnect failed", "error", err)
				continue
			}
			c.log.Info("ari: events reconnected")
			backoff.Reset()
			conn = next
			break
		}
	}
}

// readEvents pumps one connection until it fails or ctx ends.
func (c *Client) readEvents(ctx context.Context, conn *websocket.Conn, out chan<- Event) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.log.Warn("ari: events connection lost", "error", err)
			}
			return
		}

		var raw rawEvent
		if err := json.Unmarshal(data, &raw); err != nil {
			c.log.Warn("ari: undecodable event", "error", err)
			continue
		}

		var ev Event
		switch EventType(raw.Type) {
		case EventStasisStart:
			ev = Event{Type: EventStasisStart, Channel: raw.Channel, Args: raw.Args}
		case EventStasisEnd:
			ev = Event{Type: EventStasisEnd, Channel: raw.Channel}
		case EventChannelDestroyed:
			ev = Event{Type: EventChannelDestroyed, Channel: raw.Channel, Cause: raw.Cause}
		case EventPlaybackFinished:
			ev = Event{Type: EventPlaybackFinished, Playback: raw.Playback}
		default:
			continue
		}

		select {
		case out <- ev:
		case <-ctx.Done():
			return
		}
	}
}
