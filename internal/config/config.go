// Package config loads callbridge configuration from an optional yaml file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Grace period bounds.
const (
	DefaultGracePeriod = 4 * time.Second
	MinGracePeriod     = 2 * time.Second
	MaxGracePeriod     = 8 * time.Second
)

// Config is the resolved process configuration. It is not modified after Load returns.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	OpenAI   OpenAIConfig   `yaml:"openai"`
	Twilio   TwilioConfig   `yaml:"twilio"`
	Policy   Policy         `yaml:"policy"`
	Prompt   PromptConfig   `yaml:"prompt"`
	Analysis AnalysisConfig `yaml:"analysis"`
	Webhooks WebhookConfig  `yaml:"webhooks"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Archive  ArchiveConfig  `yaml:"archive"`
	LogLevel string         `yaml:"log_level"`
}

type ServerConfig struct {
	Port       int    `yaml:"port"`
	PublicHost string `yaml:"public_host"` // host used in wss:// and https:// callback URLs
	StreamPath string `yaml:"stream_path"`
}

type OpenAIConfig struct {
	APIKey             string `yaml:"api_key"`
	RealtimeURL        string `yaml:"realtime_url"`
	Model              string `yaml:"model"`
	Voice              string `yaml:"voice"`
	TranscriptionModel string `yaml:"transcription_model"`
}

type TwilioConfig struct {
	AccountSID string `yaml:"account_sid"`
	AuthToken  string `yaml:"auth_token"`
	BaseURL    string `yaml:"base_url"`
	FromNumber string `yaml:"from_number"`
}

// HasCredentials reports whether REST calls can be authenticated.
func (t TwilioConfig) HasCredentials() bool {
	return t.AccountSID != "" && t.AuthToken != ""
}

// Policy holds the call-lifetime and turn-taking thresholds.
type Policy struct {
	VADThreshold       float64       `yaml:"vad_threshold"`
	VADSilence         time.Duration `yaml:"vad_silence"`
	VADTrailingPadding time.Duration `yaml:"vad_trailing_padding"`
	VADPrefixPadding   time.Duration `yaml:"vad_prefix_padding"`

	BargeIn     bool          `yaml:"barge_in"`
	NoBargeTail time.Duration `yaml:"no_barge_tail"`

	IdlePollInterval time.Duration `yaml:"idle_poll_interval"`
	IdleWarnAfter    time.Duration `yaml:"idle_warn_after"`
	IdleHangupAfter  time.Duration `yaml:"idle_hangup_after"`

	MaxCallDuration time.Duration `yaml:"max_call_duration"`
	MaxCallWarnLead time.Duration `yaml:"max_call_warn_lead"`

	GracePeriod    time.Duration `yaml:"grace_period"`
	HangupWatchdog time.Duration `yaml:"hangup_watchdog"`
}

// Grace returns the grace period clamped to [MinGracePeriod, MaxGracePeriod].
func (p Policy) Grace() time.Duration {
	g := p.GracePeriod
	if g <= 0 {
		g = DefaultGracePeriod
	}
	if g < MinGracePeriod {
		return MinGracePeriod
	}
	if g > MaxGracePeriod {
		return MaxGracePeriod
	}
	return g
}

// EffectiveSilence is the silence the AI service waits before ending the caller's turn.
func (p Policy) EffectiveSilence() time.Duration {
	return p.VADSilence + p.VADTrailingPadding
}

// MaxCallWarnAt returns when the wrap-up directive is due, or false when it is disabled.
func (p Policy) MaxCallWarnAt() (time.Duration, bool) {
	if p.MaxCallDuration <= 0 || p.MaxCallWarnLead <= 0 || p.MaxCallWarnLead >= p.MaxCallDuration {
		return 0, false
	}
	return p.MaxCallDuration - p.MaxCallWarnLead, true
}

type PromptConfig struct {
	Base      string `yaml:"base"`
	Business  string `yaml:"business"`
	Persona   string `yaml:"persona"`
	Company   string `yaml:"company"`
	AgentName string `yaml:"agent_name"`
	Language  string `yaml:"language"`
}

type AnalysisConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

type WebhookConfig struct {
	CallLogURL string        `yaml:"call_log_url"`
	LeadURL    string        `yaml:"lead_url"`
	SummaryURL string        `yaml:"summary_url"`
	Secret     string        `yaml:"secret"`
	Timeout    time.Duration `yaml:"timeout"`
}

type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
}

type ArchiveConfig struct {
	GoogleClientID     string `yaml:"google_client_id"`
	GoogleClientSecret string `yaml:"google_client_secret"`
	RedirectURL        string `yaml:"redirect_url"`
	TokenPath          string `yaml:"token_path"`
}

// Enabled reports whether the Google Docs archive is configured.
func (a ArchiveConfig) Enabled() bool {
	return a.GoogleClientID != "" && a.GoogleClientSecret != ""
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:       8080,
			StreamPath: "/media-stream",
		},
		OpenAI: OpenAIConfig{
			RealtimeURL:        "wss://api.openai.com/v1/realtime",
			Model:              "gpt-4o-realtime-preview-2024-12-17",
			Voice:              "alloy",
			TranscriptionModel: "whisper-1",
		},
		Twilio: TwilioConfig{
			BaseURL: "https://api.twilio.com/2010-04-01",
		},
		Policy: Policy{
			VADThreshold:       0.5,
			VADSilence:         500 * time.Millisecond,
			VADTrailingPadding: 200 * time.Millisecond,
			VADPrefixPadding:   300 * time.Millisecond,
			NoBargeTail:        700 * time.Millisecond,
			IdlePollInterval:   time.Second,
			IdleWarnAfter:      12 * time.Second,
			IdleHangupAfter:    25 * time.Second,
			MaxCallDuration:    5 * time.Minute,
			MaxCallWarnLead:    30 * time.Second,
			GracePeriod:        DefaultGracePeriod,
			HangupWatchdog:     20 * time.Second,
		},
		Prompt: PromptConfig{
			AgentName: "Alex",
			Language:  "en",
		},
		Analysis: AnalysisConfig{
			BaseURL: "https://api.openai.com/v1",
			Model:   "gpt-4o-mini",
			Timeout: 8 * time.Second,
		},
		Webhooks: WebhookConfig{
			Timeout: 5 * time.Second,
		},
		MQTT: MQTTConfig{
			ClientID:    "callbridge",
			TopicPrefix: "callbridge",
		},
		LogLevel: "info",
	}
}

// Load reads the yaml file at path (skipped when path is empty), applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if cfg.Analysis.APIKey == "" {
		cfg.Analysis.APIKey = cfg.OpenAI.APIKey
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyEnv() error {
	envString("OPENAI_API_KEY", &c.OpenAI.APIKey)
	envString("OPENAI_REALTIME_MODEL", &c.OpenAI.Model)
	envString("OPENAI_VOICE", &c.OpenAI.Voice)
	envString("TWILIO_ACCOUNT_SID", &c.Twilio.AccountSID)
	envString("TWILIO_AUTH_TOKEN", &c.Twilio.AuthToken)
	envString("TWILIO_FROM_NUMBER", &c.Twilio.FromNumber)
	envString("PUBLIC_HOST", &c.Server.PublicHost)
	envString("LOG_LEVEL", &c.LogLevel)
	envString("ANALYSIS_API_KEY", &c.Analysis.APIKey)
	envString("ANALYSIS_MODEL", &c.Analysis.Model)
	envString("WEBHOOK_CALL_LOG_URL", &c.Webhooks.CallLogURL)
	envString("WEBHOOK_LEAD_URL", &c.Webhooks.LeadURL)
	envString("WEBHOOK_SUMMARY_URL", &c.Webhooks.SummaryURL)
	envString("WEBHOOK_SECRET", &c.Webhooks.Secret)
	envString("MQTT_BROKER", &c.MQTT.Broker)
	envString("GOOGLE_CLIENT_ID", &c.Archive.GoogleClientID)
	envString("GOOGLE_CLIENT_SECRET", &c.Archive.GoogleClientSecret)
	envString("PROMPT_BASE", &c.Prompt.Base)
	envString("PROMPT_BUSINESS", &c.Prompt.Business)

	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT: %w", err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("BARGE_IN"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("BARGE_IN: %w", err)
		}
		c.Policy.BargeIn = b
	}
	if err := envDuration("MAX_CALL_DURATION", &c.Policy.MaxCallDuration); err != nil {
		return err
	}
	if err := envDuration("IDLE_HANGUP_AFTER", &c.Policy.IdleHangupAfter); err != nil {
		return err
	}
	return envDuration("GRACE_PERIOD", &c.Policy.GracePeriod)
}

func (c *Config) validate() error {
	if c.OpenAI.APIKey == "" {
		return errors.New("openai.api_key is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if !strings.HasPrefix(c.Server.StreamPath, "/") {
		return fmt.Errorf("server.stream_path must start with /, got %q", c.Server.StreamPath)
	}
	p := c.Policy
	if p.VADThreshold < 0 || p.VADThreshold > 1 {
		return fmt.Errorf("policy.vad_threshold must be between 0 and 1, got %v", p.VADThreshold)
	}
	if p.IdlePollInterval <= 0 {
		return errors.New("policy.idle_poll_interval must be positive")
	}
	if p.IdleWarnAfter > 0 && p.IdleHangupAfter > 0 && p.IdleHangupAfter <= p.IdleWarnAfter {
		return errors.New("policy.idle_hangup_after must be greater than policy.idle_warn_after")
	}
	if p.MaxCallDuration < 0 || p.MaxCallWarnLead < 0 {
		return errors.New("policy.max_call_duration and policy.max_call_warn_lead must not be negative")
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}
	return nil
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envDuration(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}
