package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills zero values with the documented defaults.
func applyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.AdminAddr == "" {
		cfg.Server.AdminAddr = ":9090"
	}
	if cfg.Transports.Default == "" {
		cfg.Transports.Default = "rtp"
	}
	if cfg.Transports.AudioSocket.ListenAddr == "" {
		cfg.Transports.AudioSocket.ListenAddr = ":9092"
	}
	if cfg.Transports.RTP.BindHost == "" {
		cfg.Transports.RTP.BindHost = "127.0.0.1"
	}
	if cfg.Streaming.MinStartMs == 0 {
		cfg.Streaming.MinStartMs = 300
	}
	if cfg.Streaming.LowWatermarkMs == 0 {
		cfg.Streaming.LowWatermarkMs = 200
	}
	if cfg.Streaming.FallbackTimeoutMs == 0 {
		cfg.Streaming.FallbackTimeoutMs = 3000
	}
	if cfg.Streaming.JitterBufferMs == 0 {
		cfg.Streaming.JitterBufferMs = 60
	}
	if cfg.Gating.PostTTSGuardMs == 0 {
		cfg.Gating.PostTTSGuardMs = 300
	}
	if cfg.BargeIn.EnergyThreshold == 0 {
		cfg.BargeIn.EnergyThreshold = 0.065
	}
	if cfg.BargeIn.MinMs == 0 {
		cfg.BargeIn.MinMs = 160
	}
	if cfg.Timeouts.ProviderHandshakeMs == 0 {
		cfg.Timeouts.ProviderHandshakeMs = 10_000
	}
	if cfg.Timeouts.SilentInboundMs == 0 {
		cfg.Timeouts.SilentInboundMs = 60_000
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.MaxCalls < 0 {
		errs = append(errs, fmt.Errorf("server.max_calls must not be negative"))
	}

	if err := cfg.ARI.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("ari: %w", err))
	}

	// Audio profiles
	if len(cfg.Audio.Profiles) == 0 {
		errs = append(errs, fmt.Errorf("audio.profiles must declare at least one profile"))
	}
	seen := make(map[string]int, len(cfg.Audio.Profiles))
	for i, p := range cfg.Audio.Profiles {
		prefix := fmt.Sprintf("audio.profiles[%d]", i)
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, dup := seen[p.Name]; dup {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of audio.profiles[%d]", prefix, p.Name, prev))
			}
			seen[p.Name] = i
		}
		if err := p.Ingress.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s.ingress: %w", prefix, err))
		}
		if err := p.Provider.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s.provider: %w", prefix, err))
		}
		if err := p.Egress.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s.egress: %w", prefix, err))
		}
	}
	if cfg.Audio.DefaultProfile != "" {
		if _, ok := seen[cfg.Audio.DefaultProfile]; !ok {
			errs = append(errs, fmt.Errorf("audio.default_profile %q is not declared in audio.profiles", cfg.Audio.DefaultProfile))
		}
	} else if len(cfg.Audio.Profiles) > 1 {
		errs = append(errs, fmt.Errorf("audio.default_profile is required when more than one profile is declared"))
	}

	if !cfg.Transports.Default.IsValid() {
		errs = append(errs, fmt.Errorf("transports.default %q is invalid; valid values: rtp, audiosocket", cfg.Transports.Default))
	}

	// Streaming knobs must preserve the watermark ordering.
	if cfg.Streaming.LowWatermarkMs > cfg.Streaming.MinStartMs {
		errs = append(errs, fmt.Errorf("streaming.low_watermark_ms (%d) must not exceed streaming.min_start_ms (%d)",
			cfg.Streaming.LowWatermarkMs, cfg.Streaming.MinStartMs))
	}
	if cfg.Streaming.MinStartMs < 20 {
		errs = append(errs, fmt.Errorf("streaming.min_start_ms %d is below one frame (20 ms)", cfg.Streaming.MinStartMs))
	}
	if cfg.Streaming.JitterBufferMs < 20 {
		errs = append(errs, fmt.Errorf("streaming.jitter_buffer_ms %d is below one frame (20 ms)", cfg.Streaming.JitterBufferMs))
	}

	if cfg.BargeIn.EnergyThreshold < 0 || cfg.BargeIn.EnergyThreshold > 1 {
		errs = append(errs, fmt.Errorf("barge_in.energy_threshold %.3f is out of range [0, 1]", cfg.BargeIn.EnergyThreshold))
	}
	if cfg.BargeIn.MinMs < 0 {
		errs = append(errs, fmt.Errorf("barge_in.min_ms must not be negative"))
	}

	// Providers: every name a call can resolve to must carry an options
	// block, even an empty one, so misrouted calls fail at startup rather
	// than at answer time.
	if cfg.Providers.Default == "" {
		errs = append(errs, fmt.Errorf("providers.default is required"))
	} else if _, ok := cfg.Providers.Adapters[cfg.Providers.Default]; !ok {
		errs = append(errs, fmt.Errorf("providers.default %q has no providers.adapters entry", cfg.Providers.Default))
	}
	for ctx, name := range cfg.Providers.ContextMap {
		if _, ok := cfg.Providers.Adapters[name]; !ok {
			errs = append(errs, fmt.Errorf("providers.context_map[%q] -> %q has no providers.adapters entry", ctx, name))
		}
	}

	if cfg.Timeouts.SilentInboundMs < 0 {
		errs = append(errs, fmt.Errorf("timeouts.silent_inbound_ms must not be negative"))
	}
	if cfg.Timeouts.MaxCallDurationMs < 0 {
		errs = append(errs, fmt.Errorf("timeouts.max_call_duration_ms must not be negative"))
	}

	return errors.Join(errs...)
}
