package config_test

import (
	"strings"
	"testing"

	"github.com/varnalab/ariadne/internal/config"
)

const minimalYAML = `
ari:
  url: http://pbx:8088/ari
  username: ariadne
  password: secret
  app: ai-agent
audio:
  profiles:
    - name: telephony-ulaw
      ingress: {encoding: ulaw, rate: 8000}
      provider: {encoding: pcm16, rate: 24000}
      egress: {encoding: ulaw, rate: 8000}
providers:
  default: openai-realtime
  adapters:
    openai-realtime:
      api_key: sk-test
`

func load(t *testing.T, yml string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(yml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

func TestLoadMinimalAppliesDefaults(t *testing.T) {
	cfg := load(t, minimalYAML)

	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("LogLevel = %q, want info", cfg.Server.LogLevel)
	}
	if cfg.Server.AdminAddr != ":9090" {
		t.Errorf("AdminAddr = %q, want :9090", cfg.Server.AdminAddr)
	}
	if cfg.Transports.Default != "rtp" {
		t.Errorf("Transports.Default = %q, want rtp", cfg.Transports.Default)
	}
	if cfg.Transports.AudioSocket.ListenAddr != ":9092" {
		t.Errorf("AudioSocket.ListenAddr = %q, want :9092", cfg.Transports.AudioSocket.ListenAddr)
	}
	if cfg.Streaming.MinStartMs != 300 || cfg.Streaming.LowWatermarkMs != 200 || cfg.Streaming.FallbackTimeoutMs != 3000 {
		t.Errorf("Streaming = %+v, want 300/200/3000", cfg.Streaming)
	}
	if cfg.Streaming.JitterFrames() != 3 {
		t.Errorf("JitterFrames() = %d, want 3", cfg.Streaming.JitterFrames())
	}
	if cfg.Gating.PostTTSGuardMs != 300 {
		t.Errorf("PostTTSGuardMs = %d, want 300", cfg.Gating.PostTTSGuardMs)
	}
	if !cfg.BargeIn.BargeInEnabled() {
		t.Error("barge-in should default to enabled")
	}
	if cfg.BargeIn.EnergyThreshold != 0.065 || cfg.BargeIn.MinMs != 160 {
		t.Errorf("BargeIn = %+v, want 0.065/160", cfg.BargeIn)
	}
	if cfg.Timeouts.ProviderHandshakeMs != 10_000 || cfg.Timeouts.SilentInboundMs != 60_000 {
		t.Errorf("Timeouts = %+v, want 10000/60000", cfg.Timeouts)
	}
}

func TestLoadFullConfig(t *testing.T) {
	cfg := load(t, `
server:
  log_level: debug
  admin_addr: ":8080"
  max_calls: 50
ari:
  url: http://pbx:8088/ari
  username: ariadne
  password: secret
  app: ai-agent
audio:
  default_profile: telephony-ulaw
  profiles:
    - name: telephony-ulaw
      ingress: {encoding: ulaw, rate: 8000}
      provider: {encoding: pcm16, rate: 24000}
      egress: {encoding: ulaw, rate: 8000}
    - name: wideband
      ingress: {encoding: pcm16, rate: 8000}
      provider: {encoding: pcm16, rate: 16000}
      egress: {encoding: pcm16, rate: 8000}
transports:
  default: audiosocket
  audiosocket:
    listen_addr: "0.0.0.0:7000"
streaming:
  min_start_ms: 240
  low_watermark_ms: 160
  fallback_timeout_ms: 2000
barge_in:
  enabled: false
  energy_threshold: 0.1
  min_ms: 200
  sample_during_guard: true
providers:
  default: openai-realtime
  context_map:
    support: openai-realtime
  adapters:
    openai-realtime:
      api_key: sk-test
      voice: alloy
media:
  greeting_uri: "sound:welcome"
  fallback_uri: "sound:one-moment"
timeouts:
  max_call_duration_ms: 900000
`)

	if cfg.Server.LogLevel.Slog().String() != "DEBUG" {
		t.Errorf("Slog() = %v, want DEBUG", cfg.Server.LogLevel.Slog())
	}
	if len(cfg.Audio.Profiles) != 2 {
		t.Fatalf("profiles = %d, want 2", len(cfg.Audio.Profiles))
	}
	if cfg.Audio.Profiles[0].Provider.Rate != 24000 {
		t.Errorf("provider rate = %d, want 24000", cfg.Audio.Profiles[0].Provider.Rate)
	}
	if cfg.BargeIn.BargeInEnabled() {
		t.Error("barge-in explicitly disabled, BargeInEnabled() = true")
	}
	if !cfg.BargeIn.SampleDuringGuard {
		t.Error("SampleDuringGuard not decoded")
	}
	if cfg.Providers.ContextMap["support"] != "openai-realtime" {
		t.Errorf("context_map = %v", cfg.Providers.ContextMap)
	}
	if cfg.Providers.Adapters["openai-realtime"]["voice"] != "alloy" {
		t.Errorf("adapter options = %v", cfg.Providers.Adapters["openai-realtime"])
	}
	if cfg.Media.GreetingURI != "sound:welcome" {
		t.Errorf("GreetingURI = %q", cfg.Media.GreetingURI)
	}
	if cfg.Timeouts.MaxCallDurationMs != 900000 {
		t.Errorf("MaxCallDurationMs = %d", cfg.Timeouts.MaxCallDurationMs)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	_, err := config.LoadFromReader(strings.NewReader(minimalYAML + "\nbogus_section:\n  x: 1\n"))
	if err == nil {
		t.Fatal("unknown field accepted")
	}
}

func TestValidateFailures(t *testing.T) {
	tests := []struct {
		name string
		yml  string
		want string
	}{
		{
			"bad log level",
			strings.Replace(minimalYAML, "ari:", "server:\n  log_level: loud\nari:", 1),
			"server.log_level",
		},
		{
			"missing ari section",
			strings.Replace(minimalYAML, "  url: http://pbx:8088/ari\n", "", 1),
			"ari",
		},
		{
			"no profiles",
			strings.Replace(minimalYAML, "    - name: telephony-ulaw\n      ingress: {encoding: ulaw, rate: 8000}\n      provider: {encoding: pcm16, rate: 24000}\n      egress: {encoding: ulaw, rate: 8000}\n", "    []\n", 1),
			"audio.profiles",
		},
		{
			"g711 off 8k",
			strings.Replace(minimalYAML, "ingress: {encoding: ulaw, rate: 8000}", "ingress: {encoding: ulaw, rate: 16000}", 1),
			"ingress",
		},
		{
			"default provider unregistered",
			strings.Replace(minimalYAML, "default: openai-realtime", "default: gemini-live", 1),
			"providers.default",
		},
		{
			"bad transport",
			minimalYAML + "\ntransports:\n  default: websocket\n",
			"transports.default",
		},
		{
			"watermark above min start",
			minimalYAML + "\nstreaming:\n  min_start_ms: 100\n  low_watermark_ms: 200\n",
			"low_watermark_ms",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := config.LoadFromReader(strings.NewReader(tc.yml))
			if err == nil {
				t.Fatal("want error, got nil")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestValidateReportsAllFailures(t *testing.T) {
	yml := strings.Replace(minimalYAML, "default: openai-realtime", "default: gemini-live", 1) +
		"\nserver:\n  log_level: loud\n"
	_, err := config.LoadFromReader(strings.NewReader(yml))
	if err == nil {
		t.Fatal("want error, got nil")
	}
	for _, frag := range []string{"server.log_level", "providers.default"} {
		if !strings.Contains(err.Error(), frag) {
			t.Errorf("joined error missing %q: %v", frag, err)
		}
	}
}
