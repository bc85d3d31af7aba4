// Package ari is a thin client for the slice of the Asterisk REST
// Interface the call engine consumes: answering and hanging up channels,
// building mixing bridges, originating external-media channels, playing
// media files, and reading channel variables. Stasis events arrive over
// the /events WebSocket (see events.go).
//
// No dialplan logic lives here; the PBX side of the contract is someone
// else's problem.
package ari

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrNotFound is returned when Asterisk reports 404 for a channel, bridge,
// or variable.
var ErrNotFound = errors.New("ari: not found")

// Config locates and authenticates against the ARI endpoint.
type Config struct {
	// URL is the ARI base, e.g. "http://pbx:8088/ari".
	URL string `yaml:"url"`

	// Username and Password are the ari.conf credentials.
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// App is the Stasis application name calls are routed to.
	App string `yaml:"app"`
}

// Validate checks that all required fields are present.
func (c Config) Validate() error {
	var errs []error
	if c.URL == "" {
		errs = append(errs, errors.New("url must not be empty"))
	} else if _, err := url.Parse(c.URL); err != nil {
		errs = append(errs, fmt.Errorf("url: %w", err))
	}
	if c.Username == "" {
		errs = append(errs, errors.New("username must not be empty"))
	}
	if c.App == "" {
		errs = append(errs, errors.New("app must not be empty"))
	}
	return errors.Join(errs...)
}

// Channel is the subset of an ARI channel resource the engine cares about.
type Channel struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	State  string `json:"state"`
	Caller struct {
		Name   string `json:"name"`
		Number string `json:"number"`
	} `json:"caller"`
}

// Playback identifies a started media playback.
type Playback struct {
	ID       string `json:"id"`
	MediaURI string `json:"media_uri"`
}

// Client issues ARI REST calls.
type Client struct {
	cfg  Config
	http *http.Client
	log  *slog.Logger
}

// NewClient validates cfg and builds a client. A nil logger defaults to
// slog's default logger.
func NewClient(cfg Config, log *slog.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("ari: config: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: 10 * time.Second},
		log:  log,
	}, nil
}

// do issues one authenticated request and decodes a JSON response into out
// (out may be nil for empty responses).
func (c *Client) do(ctx context.Context, method, path string, query url.Values, out any) error {
	u := strings.TrimRight(c.cfg.URL, "/") + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return fmt.Errorf("ari: build request: %w", err)
	}
	req.SetBasicAuth(c.cfg.Username, c.cfg.Password)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ari: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("ari: %s %s: %w", method, path, ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("ari: %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("ari: %s %s: decode response: %w", method, path, err)
		}
	}
	return nil
}

// Ping verifies the REST API is reachable and the credentials are accepted.
// Used by the readiness probe.
func (c *Client) Ping(ctx context.Context) error {
	var info struct {
		System struct {
			Version string `json:"version"`
		} `json:"system"`
	}
	return c.do(ctx, http.MethodGet, "/asterisk/info", nil, &info)
}

// Answer answers a ringing channel.
func (c *Client) Answer(ctx context.Context, channelID string) error {
	return c.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/answer", nil, nil)
}

// Hangup terminates a channel. A channel that is already gone is not an
// error; teardown paths race with caller hangups.
func (c *Client) Hangup(ctx context.Context, channelID string) error {
	err := c.do(ctx, http.MethodDelete, "/channels/"+url.PathEscape(channelID), nil, nil)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// CreateBridge allocates a mixing bridge.
func (c *Client) CreateBridge(ctx context.Context, bridgeID string) (string, error) {
	q := url.Values{"type": {"mixing"}}
	if bridgeID != "" {
		q.Set("bridgeId", bridgeID)
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/bridges", q, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// DestroyBridge tears a bridge down. Missing bridges are ignored.
func (c *Client) DestroyBridge(ctx context.Context, bridgeID string) error {
	err := c.do(ctx, http.MethodDelete, "/bridges/"+url.PathEscape(bridgeID), nil, nil)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// AddToBridge places a channel into a bridge.
func (c *Client) AddToBridge(ctx context.Context, bridgeID, channelID string) error {
	q := url.Values{"channel": {channelID}}
	return c.do(ctx, http.MethodPost, "/bridges/"+url.PathEscape(bridgeID)+"/addChannel", q, nil)
}

// ExternalMediaParams shape the media channel originate.
type ExternalMediaParams struct {
	// Host is the engine-side media address (host:port).
	Host string

	// Format is the Asterisk format name, e.g. "ulaw", "alaw", "slin".
	Format string

	// Encapsulation is "rtp" or "audiosocket".
	Encapsulation string

	// Transport is "udp" for RTP, "tcp" for AudioSocket.
	Transport string

	// Data carries the AudioSocket connection UUID; unused for RTP.
	Data string
}

// ExternalMedia originates a media channel streaming to the engine and
// returns it. The caller is responsible for bridging it.
func (c *Client) ExternalMedia(ctx context.Context, p ExternalMediaParams) (Channel, error) {
	q := url.Values{
		"app":           {c.cfg.App},
		"external_host": {p.Host},
		"format":        {p.Format},
		"encapsulation": {p.Encapsulation},
		"transport":     {p.Transport},
	}
	if p.Data != "" {
		q.Set("data", p.Data)
	}
	var ch Channel
	if err := c.do(ctx, http.MethodPost, "/channels/externalMedia", q, &ch); err != nil {
		return Channel{}, err
	}
	return ch, nil
}

// Play starts playback of a media URI (e.g. "sound:agent-fallback") on a
// channel and returns the playback id.
func (c *Client) Play(ctx context.Context, channelID, mediaURI string) (string, error) {
	q := url.Values{"media": {mediaURI}}
	var pb Playback
	if err := c.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/play", q, &pb); err != nil {
		return "", err
	}
	return pb.ID, nil
}

// PlayOnBridge starts playback of a media URI into a bridge, reaching every
// party on the call.
func (c *Client) PlayOnBridge(ctx context.Context, bridgeID, mediaURI string) (string, error) {
	q := url.Values{"media": {mediaURI}}
	var pb Playback
	if err := c.do(ctx, http.MethodPost, "/bridges/"+url.PathEscape(bridgeID)+"/play", q, &pb); err != nil {
		return "", err
	}
	return pb.ID, nil
}

// ChannelVar reads a channel variable. Unset variables return "" with no
// error; dialplans are not required to set the AI_* variables.
func (c *Client) ChannelVar(ctx context.Context, channelID, name string) (string, error) {
	q := url.Values{"variable": {name}}
	var out struct {
		Value string `json:"value"`
	}
	err := c.do(ctx, http.MethodGet, "/channels/"+url.PathEscape(channelID)+"/variable", q, &out)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return out.Value, nil
}
