// Copyright 2025 VeloxVOIP.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// 	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/livekit/protocol/logger"
	"github.com/livekit/protocol/utils/guid"
	"github.com/livekit/psrpc"
)

const (
	DefaultPort                  = 3001
	DefaultModelSampleRate       = 24000
	DefaultKeepaliveInterval     = 25 * time.Second
	DefaultCommitInterval        = 2 * time.Second
	DefaultFrameSize             = 160
	DefaultStreamStartDelay      = time.Second
	DefaultGreetingDelay         = time.Second
	DefaultCallInactivityTimeout = 2 * time.Hour
	DefaultMaxTrackedCalls       = 10000
	DefaultTelnyxAPIBaseURL      = "https://api.telnyx.com/v2"
	DefaultStreamTrack           = "inbound_track"
	DefaultVoice                 = "alloy"
	DefaultTranscriptionModel    = "whisper-1"
	DefaultGreetingInstructions  = "Greet the caller warmly and ask how you can help them today."
)

// Audio paths between the telephony leg and the model leg.
const (
	AudioPathPassthrough = "passthrough"
	AudioPathPCM16       = "pcm16"
)

// Turn detection modes.
const (
	TurnDetectionServerVAD = "server_vad"
	TurnDetectionManual    = "manual"
)

// TelnyxConfig configures the call control provider.
type TelnyxConfig struct {
	APIKey     string `yaml:"api_key"`      // env TELNYX_API_KEY
	APIBaseURL string `yaml:"api_base_url"` // default https://api.telnyx.com/v2

	StreamTrack        string        `yaml:"stream_track"`        // inbound_track, outbound_track or both_tracks
	BidirectionalMode  string        `yaml:"bidirectional_mode"`  // e.g. "rtp"; empty leaves it to the provider
	BidirectionalCodec string        `yaml:"bidirectional_codec"` // e.g. "PCMU"
	StreamStartDelay   time.Duration `yaml:"stream_start_delay"`  // delay between answer and streaming_start
	RequestTimeout     time.Duration `yaml:"request_timeout"`
}

// ModelConfig configures the realtime speech model.
type ModelConfig struct {
	APIKey             string        `yaml:"api_key"`   // env OPENAI_API_KEY
	PromptID           string        `yaml:"prompt_id"` // env OPENAI_REALTIME_PROMPT_ID
	URL                string        `yaml:"url"`
	Model              string        `yaml:"model"`
	Voice              string        `yaml:"voice"`
	Instructions       string        `yaml:"instructions"`
	Modalities         []string      `yaml:"modalities"`
	TranscriptionModel string        `yaml:"transcription_model"` // empty disables input transcription
	Temperature        float64       `yaml:"temperature"`
	DialTimeout        time.Duration `yaml:"dial_timeout"`
}

// VADConfig configures server-side voice activity detection.
type VADConfig struct {
	Threshold       float64       `yaml:"threshold"`
	PrefixPadding   time.Duration `yaml:"prefix_padding"`
	SilenceDuration time.Duration `yaml:"silence_duration"`
}

// GreetingConfig configures the response requested right after the session starts.
type GreetingConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Instructions string        `yaml:"instructions"`
	Delay        time.Duration `yaml:"delay"`
}

// RelayConfig selects the per-session pipeline. It is fixed at session start.
type RelayConfig struct {
	AudioPath         string         `yaml:"audio_path"`     // passthrough or pcm16
	TurnDetection     string         `yaml:"turn_detection"` // server_vad or manual
	ModelSampleRate   int            `yaml:"model_sample_rate"`
	VAD               VADConfig      `yaml:"vad"`
	CommitInterval    time.Duration  `yaml:"commit_interval"` // manual mode only, in media time
	KeepaliveInterval time.Duration  `yaml:"keepalive_interval"`
	FrameSize         int            `yaml:"frame_size"`
	ToolChoice        string         `yaml:"tool_choice"`
	Greeting          GreetingConfig `yaml:"greeting"`
}

type Config struct {
	Logging logger.Config `yaml:"logging"`

	Port           int    `yaml:"port"`
	PublicURL      string `yaml:"public_url"` // env PUBLIC_URL, used to build the media stream URL
	HealthPort     int    `yaml:"health_port"`
	PrometheusPort int    `yaml:"prometheus_port"`
	PProfPort      int    `yaml:"pprof_port"`

	MaxConcurrentCalls    int           `yaml:"max_concurrent_calls"`
	MaxTrackedCalls       int           `yaml:"max_tracked_calls"`
	CallInactivityTimeout time.Duration `yaml:"call_inactivity_timeout"`

	// Webhook hardening. An empty allow-list accepts every source.
	AllowedIPs       []string `yaml:"allowed_ips"`
	WebhookRateLimit float64  `yaml:"webhook_rate_limit"` // requests per second per source IP, 0 disables
	WebhookBurst     int      `yaml:"webhook_burst"`

	Telnyx TelnyxConfig `yaml:"telnyx"`
	Model  ModelConfig  `yaml:"model"`
	Relay  RelayConfig  `yaml:"relay"`

	// internal
	ServiceName string `yaml:"-"`
	NodeID      string // Do not provide, will be overwritten
}

func NewConfig(confString string) (*Config, error) {
	conf := &Config{
		PublicURL: os.Getenv("PUBLIC_URL"),
		Telnyx: TelnyxConfig{
			APIKey: os.Getenv("TELNYX_API_KEY"),
		},
		Model: ModelConfig{
			APIKey:   os.Getenv("OPENAI_API_KEY"),
			PromptID: os.Getenv("OPENAI_REALTIME_PROMPT_ID"),
		},
		Relay: RelayConfig{
			Greeting: GreetingConfig{Enabled: true},
		},
		ServiceName: "voicerelay",
	}
	if confString != "" {
		if err := yaml.Unmarshal([]byte(confString), conf); err != nil {
			return nil, ErrCouldNotParseConfig(err)
		}
	}

	if conf.Model.APIKey == "" {
		return nil, psrpc.NewErrorf(psrpc.InvalidArgument, "model api key is required (env OPENAI_API_KEY)")
	}

	return conf, nil
}

func (c *Config) Init() error {
	c.NodeID = guid.New("NE_")

	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.CallInactivityTimeout <= 0 {
		c.CallInactivityTimeout = DefaultCallInactivityTimeout
	}
	if c.MaxTrackedCalls <= 0 {
		c.MaxTrackedCalls = DefaultMaxTrackedCalls
	}
	if c.WebhookRateLimit > 0 && c.WebhookBurst <= 0 {
		c.WebhookBurst = int(c.WebhookRateLimit) + 1
	}

	if c.Telnyx.APIBaseURL == "" {
		c.Telnyx.APIBaseURL = DefaultTelnyxAPIBaseURL
	}
	if c.Telnyx.StreamTrack == "" {
		c.Telnyx.StreamTrack = DefaultStreamTrack
	}
	if c.Telnyx.StreamStartDelay <= 0 {
		c.Telnyx.StreamStartDelay = DefaultStreamStartDelay
	}
	if c.Telnyx.RequestTimeout <= 0 {
		c.Telnyx.RequestTimeout = 10 * time.Second
	}

	if c.Model.Voice == "" {
		c.Model.Voice = DefaultVoice
	}
	if len(c.Model.Modalities) == 0 {
		c.Model.Modalities = []string{"text", "audio"}
	}
	if c.Model.TranscriptionModel == "" {
		c.Model.TranscriptionModel = DefaultTranscriptionModel
	}

	if err := c.Relay.Init(); err != nil {
		return err
	}

	if c.PublicURL != "" {
		if _, err := c.MediaStreamURL(); err != nil {
			return psrpc.NewErrorf(psrpc.InvalidArgument, "invalid public_url %q: %v", c.PublicURL, err)
		}
	}

	return c.InitLogger()
}

// Init validates the relay settings and fills in defaults.
func (r *RelayConfig) Init() error {
	switch r.AudioPath {
	case "":
		r.AudioPath = AudioPathPassthrough
	case AudioPathPassthrough, AudioPathPCM16:
	default:
		return psrpc.NewErrorf(psrpc.InvalidArgument, "unknown audio_path %q", r.AudioPath)
	}
	switch r.TurnDetection {
	case "":
		r.TurnDetection = TurnDetectionServerVAD
	case TurnDetectionServerVAD, TurnDetectionManual:
	default:
		return psrpc.NewErrorf(psrpc.InvalidArgument, "unknown turn_detection %q", r.TurnDetection)
	}
	if r.ModelSampleRate <= 0 {
		r.ModelSampleRate = DefaultModelSampleRate
	}
	if r.VAD.Threshold <= 0 {
		r.VAD.Threshold = 0.5
	}
	if r.VAD.PrefixPadding <= 0 {
		r.VAD.PrefixPadding = 300 * time.Millisecond
	}
	if r.VAD.SilenceDuration <= 0 {
		r.VAD.SilenceDuration = 500 * time.Millisecond
	}
	if r.CommitInterval <= 0 {
		r.CommitInterval = DefaultCommitInterval
	}
	if r.KeepaliveInterval <= 0 {
		r.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if r.FrameSize <= 0 {
		r.FrameSize = DefaultFrameSize
	}
	if r.ToolChoice == "" {
		r.ToolChoice = "auto"
	}
	if r.Greeting.Delay <= 0 {
		r.Greeting.Delay = DefaultGreetingDelay
	}
	if r.Greeting.Instructions == "" {
		r.Greeting.Instructions = DefaultGreetingInstructions
	}
	return nil
}

// MediaStreamURL is the WebSocket URL the provider is told to stream to.
func (c *Config) MediaStreamURL() (string, error) {
	raw := strings.TrimSpace(c.PublicURL)
	if raw == "" {
		return "", fmt.Errorf("public_url is not configured")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Host == "" {
		return "", fmt.Errorf("missing host")
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	default:
		u.Scheme = "wss"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/media-stream"
	u.RawQuery = ""
	return u.String(), nil
}

func (c *Config) InitLogger(values ...interface{}) error {
	zl, err := logger.NewZapLogger(&c.Logging)
	if err != nil {
		return err
	}

	values = append(c.GetLoggerValues(), values...)
	l := zl.WithValues(values...)
	logger.SetLogger(l, c.ServiceName)

	return nil
}

// To use with zap logger
func (c *Config) GetLoggerValues() []interface{} {
	if c.NodeID == "" {
		return nil
	}
	return []interface{}{"nodeID", c.NodeID}
}
