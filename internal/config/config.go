// Package config provides the configuration schema, loader, and validation
// for the Ariadne call engine.
package config

import (
	"log/slog"
	"time"

	"github.com/varnalab/ariadne/internal/ari"
	"github.com/varnalab/ariadne/internal/session"
	"github.com/varnalab/ariadne/pkg/audio"
)

// LogLevel controls log verbosity for the engine.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Slog maps l to the corresponding slog level. Unrecognised values map to
// Info.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Config is the root configuration structure.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	ARI        ari.Config       `yaml:"ari"`
	Audio      AudioConfig      `yaml:"audio"`
	Transports TransportsConfig `yaml:"transports"`
	Streaming  StreamingConfig  `yaml:"streaming"`
	Gating     GatingConfig     `yaml:"gating"`
	BargeIn    BargeInConfig    `yaml:"barge_in"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Media      MediaConfig      `yaml:"media"`
	Timeouts   TimeoutsConfig   `yaml:"timeouts"`
}

// ServerConfig holds process-level settings.
type ServerConfig struct {
	// LogLevel sets slog verbosity. Default info.
	LogLevel LogLevel `yaml:"log_level"`

	// AdminAddr is the listen address for the /metrics, /healthz, /readyz
	// and /calls mux. Default ":9090".
	AdminAddr string `yaml:"admin_addr"`

	// MaxCalls caps concurrent live calls; the readiness probe fails at the
	// cap. Zero means unlimited.
	MaxCalls int `yaml:"max_calls"`
}

// ProfileConfig declares one named audio profile: the codec triple for the
// caller leg, the provider leg, and the return leg.
type ProfileConfig struct {
	Name     string      `yaml:"name"`
	Ingress  audio.Codec `yaml:"ingress"`
	Provider audio.Codec `yaml:"provider"`
	Egress   audio.Codec `yaml:"egress"`
}

// AudioConfig declares the profile set.
type AudioConfig struct {
	// DefaultProfile is used when a call carries no AI_AUDIO_PROFILE channel
	// variable.
	DefaultProfile string `yaml:"default_profile"`

	Profiles []ProfileConfig `yaml:"profiles"`
}

// TransportsConfig selects and parameterises the media adapters.
type TransportsConfig struct {
	// Default is the adapter used when the dialplan does not pick one:
	// "rtp" or "audiosocket".
	Default session.TransportKind `yaml:"default"`

	AudioSocket AudioSocketConfig `yaml:"audiosocket"`
	RTP         RTPConfig         `yaml:"rtp"`
}

// AudioSocketConfig parameterises the framed-TCP media adapter.
type AudioSocketConfig struct {
	// ListenAddr is the TCP address Asterisk dials, e.g. "0.0.0.0:9092".
	// Default ":9092".
	ListenAddr string `yaml:"listen_addr"`
}

// RTPConfig parameterises the RTP/UDP media adapter.
type RTPConfig struct {
	// BindHost is the local interface RTP sockets bind to and the host
	// handed to Asterisk in the external-media originate. Default
	// "127.0.0.1".
	BindHost string `yaml:"bind_host"`
}

// StreamingConfig tunes the playback jitter buffer.
type StreamingConfig struct {
	// MinStartMs is the audio that must be buffered before the first frame
	// plays. Default 300.
	MinStartMs int `yaml:"min_start_ms"`

	// LowWatermarkMs is the depth below which a playing stream is considered
	// stalled. Default 200.
	LowWatermarkMs int `yaml:"low_watermark_ms"`

	// FallbackTimeoutMs is how long a stream may starve before the filler
	// prompt plays. Default 3000.
	FallbackTimeoutMs int `yaml:"fallback_timeout_ms"`

	// JitterBufferMs is how much out-of-order inbound RTP the reorder
	// buffer may hold back before skipping ahead. Default 60 (three
	// frames).
	JitterBufferMs int `yaml:"jitter_buffer_ms"`
}

// JitterFrames converts the jitter buffer depth to whole 20 ms frames.
func (s StreamingConfig) JitterFrames() int {
	return s.JitterBufferMs / 20
}

// Durations converts the streaming knobs to time values.
func (s StreamingConfig) Durations() (minStart, lowWatermark, fallback time.Duration) {
	return time.Duration(s.MinStartMs) * time.Millisecond,
		time.Duration(s.LowWatermarkMs) * time.Millisecond,
		time.Duration(s.FallbackTimeoutMs) * time.Millisecond
}

// GatingConfig tunes the audio gate.
type GatingConfig struct {
	// PostTTSGuardMs extends the gate after agent audio finishes, absorbing
	// echo tails. Default 300.
	PostTTSGuardMs int `yaml:"post_tts_guard_ms"`
}

// BargeInConfig tunes caller interruption detection.
type BargeInConfig struct {
	// Enabled turns barge-in off entirely when false. Default true.
	Enabled *bool `yaml:"enabled"`

	// EnergyThreshold is the normalised RMS level treated as speech by the
	// fallback estimator. Default 0.065.
	EnergyThreshold float64 `yaml:"energy_threshold"`

	// MinMs is the sustained duration above threshold that triggers a
	// barge-in. Default 160.
	MinMs int `yaml:"min_ms"`

	// SampleDuringGuard feeds the energy estimator during the post-TTS
	// guard window. Default false: the guard exists to absorb echo, and
	// echo is exactly what the estimator would be measuring.
	SampleDuringGuard bool `yaml:"sample_during_guard"`
}

// BargeInEnabled resolves the tri-state enabled flag with its default.
func (b BargeInConfig) BargeInEnabled() bool {
	return b.Enabled == nil || *b.Enabled
}

// ProvidersConfig names the conversational backends and how calls map to
// them.
type ProvidersConfig struct {
	// Default is the adapter used when neither the AI_PROVIDER channel
	// variable nor the context map selects one.
	Default string `yaml:"default"`

	// ContextMap routes AI_CONTEXT values to adapter names, e.g.
	// "support" -> "openai-realtime".
	ContextMap map[string]string `yaml:"context_map"`

	// Adapters holds one opaque options block per adapter name. The blocks
	// are handed verbatim to the registered factory; the engine never
	// interprets them.
	Adapters map[string]map[string]any `yaml:"adapters"`
}

// MediaConfig names the sound assets played by the engine itself.
type MediaConfig struct {
	// GreetingURI is an Asterisk media URI (e.g. "sound:hello") played when
	// a call connects. Empty means the provider generates the greeting.
	GreetingURI string `yaml:"greeting_uri"`

	// FallbackURI plays when agent audio starves past the fallback timeout,
	// e.g. "sound:one-moment-please".
	FallbackURI string `yaml:"fallback_uri"`

	// ErrorPromptURI plays before teardown on unrecoverable provider
	// failure.
	ErrorPromptURI string `yaml:"error_prompt_uri"`

	// SilentPromptURI plays when the caller has been silent past the
	// silent-inbound timeout, before the call is torn down.
	SilentPromptURI string `yaml:"silent_prompt_uri"`

	// FarewellText is spoken by the provider when a tool call ends the
	// conversation. Empty skips the farewell.
	FarewellText string `yaml:"farewell_text"`
}

// TimeoutsConfig bounds the call lifecycle.
type TimeoutsConfig struct {
	// ProviderHandshakeMs bounds StartSession. Default 10000.
	ProviderHandshakeMs int `yaml:"provider_handshake_ms"`

	// SilentInboundMs tears down calls with no caller audio above the
	// silence floor. Default 60000. Zero disables.
	SilentInboundMs int `yaml:"silent_inbound_ms"`

	// MaxCallDurationMs hard-caps call length. Zero disables.
	MaxCallDurationMs int `yaml:"max_call_duration_ms"`
}
