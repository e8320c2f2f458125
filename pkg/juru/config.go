package juru

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/harunnryd/juru/pkg/configutil"
	"github.com/harunnryd/juru/pkg/conversation"
	"github.com/harunnryd/juru/pkg/lang"
	"github.com/harunnryd/juru/pkg/participants"
	"github.com/harunnryd/juru/pkg/relay"
	"github.com/harunnryd/juru/pkg/segment"
)

type Config struct {
	Environment   string              `mapstructure:"environment"`
	LogLevel      string              `mapstructure:"log_level"`
	LogFormat     string              `mapstructure:"log_format"`
	Agent         AgentConfig         `mapstructure:"agent"`
	Languages     LanguageConfig      `mapstructure:"languages"`
	Segment       segment.Config      `mapstructure:"segment"`
	Context       ContextConfig       `mapstructure:"context"`
	Translation   TranslationConfig   `mapstructure:"translation"`
	Relay         RelayConfig         `mapstructure:"relay"`
	Delivery      DeliveryConfig      `mapstructure:"delivery"`
	Engine        EngineConfig        `mapstructure:"engine"`
	Vendors       VendorsConfig       `mapstructure:"vendors"`
	Transports    TransportsConfig    `mapstructure:"transports"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Privacy       PrivacyConfig       `mapstructure:"privacy"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type VendorsConfig struct {
	STT VendorConfig `mapstructure:"stt"`
	TTS VendorConfig `mapstructure:"tts"`
	LLM VendorConfig `mapstructure:"llm"`
}

type TransportsConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

// AgentConfig identifies the relay's own room identity and other agents
// whose audio must never be relayed.
type AgentConfig struct {
	Identity string `mapstructure:"identity"`
	Pattern  string `mapstructure:"pattern"`
}

type LanguageConfig struct {
	Default   string            `mapstructure:"default"`
	Supported []string          `mapstructure:"supported"`
	Voices    map[string]string `mapstructure:"voices"`
}

type ContextConfig struct {
	Capacity     int `mapstructure:"capacity"`
	SnapshotSize int `mapstructure:"snapshot_size"`
}

type TranslationConfig struct {
	Temperature       float64 `mapstructure:"temperature"`
	MaxTokens         int     `mapstructure:"max_tokens"`
	MaxAttempts       int     `mapstructure:"max_attempts"`
	RetryBaseDelayMS  int     `mapstructure:"retry_base_delay_ms"`
	CircuitThreshold  int     `mapstructure:"circuit_threshold"`
	CircuitCooldownMS int     `mapstructure:"circuit_cooldown_ms"`
}

type RelayConfig struct {
	UndetectedLanguage  string `mapstructure:"undetected_language"`
	FollowActiveSpeaker bool   `mapstructure:"follow_active_speaker"`
	TimeoutMS           int    `mapstructure:"timeout_ms"`
}

type DeliveryConfig struct {
	ChunkSize    int  `mapstructure:"chunk_size"`
	ChunkDelayMS int  `mapstructure:"chunk_delay_ms"`
	TextFallback bool `mapstructure:"text_fallback"`
}

type EngineConfig struct {
	StreamBuffer   int `mapstructure:"stream_buffer"`
	DrainTimeoutMS int `mapstructure:"drain_timeout_ms"`
}

type ObservabilityConfig struct {
	ArtifactsDir  string  `mapstructure:"artifacts_dir"`
	RetentionDays int     `mapstructure:"retention_days"`
	MetricsAddr   string  `mapstructure:"metrics_addr"`
	SampleRate    float64 `mapstructure:"sample_rate"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

func setDefaults(v *viper.Viper) {
	seg := segment.DefaultConfig()
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("agent.identity", "juru-relay")
	v.SetDefault("agent.pattern", participants.DefaultAgentPattern)
	v.SetDefault("languages.default", "en")
	v.SetDefault("languages.supported", []string{"en", "ar"})
	v.SetDefault("languages.voices", map[string]string{
		"en": "21m00Tcm4TlvDq8ikWAM",
		"ar": "TX3LPaxmHKxFdv7VOQHJ",
	})
	v.SetDefault("segment.speech_threshold", seg.SpeechThreshold)
	v.SetDefault("segment.silence_frames", seg.SilenceFrames)
	v.SetDefault("segment.min_bytes", seg.MinBytes)
	v.SetDefault("segment.max_bytes", seg.MaxBytes)
	v.SetDefault("segment.long_utterance_bytes", seg.LongUtteranceBytes)
	v.SetDefault("segment.extension_frames", seg.ExtensionFrames)
	v.SetDefault("context.capacity", conversation.DefaultCapacity)
	v.SetDefault("context.snapshot_size", 5)
	v.SetDefault("translation.temperature", 0.3)
	v.SetDefault("translation.max_tokens", 1000)
	v.SetDefault("translation.max_attempts", 2)
	v.SetDefault("translation.retry_base_delay_ms", 200)
	v.SetDefault("translation.circuit_threshold", 3)
	v.SetDefault("translation.circuit_cooldown_ms", 30000)
	v.SetDefault("relay.undetected_language", relay.UndetectedDeclared)
	v.SetDefault("relay.follow_active_speaker", true)
	v.SetDefault("relay.timeout_ms", 60000)
	v.SetDefault("delivery.chunk_size", 48000)
	v.SetDefault("delivery.chunk_delay_ms", 10)
	v.SetDefault("delivery.text_fallback", false)
	v.SetDefault("engine.stream_buffer", 256)
	v.SetDefault("engine.drain_timeout_ms", 20000)
	v.SetDefault("observability.artifacts_dir", "")
	v.SetDefault("observability.retention_days", 0)
	v.SetDefault("observability.metrics_addr", "")
	v.SetDefault("observability.sample_rate", 1.0)
	v.SetDefault("privacy.redact_pii", true)
}

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns the built-in defaults with mock vendors and the
// in-memory transport.
func DefaultConfig() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	cfg.Vendors = VendorsConfig{
		STT: VendorConfig{Provider: "mock"},
		TTS: VendorConfig{Provider: "mock"},
		LLM: VendorConfig{Provider: "mock"},
	}
	cfg.Transports.Provider = "mock"
	return cfg
}

func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Transports.Provider) == "" {
		errs = append(errs, errors.New("transports.provider is required"))
	}
	if strings.TrimSpace(c.Vendors.STT.Provider) == "" {
		errs = append(errs, errors.New("vendors.stt.provider is required"))
	}
	if strings.TrimSpace(c.Vendors.TTS.Provider) == "" {
		errs = append(errs, errors.New("vendors.tts.provider is required"))
	}
	if strings.TrimSpace(c.Vendors.LLM.Provider) == "" {
		errs = append(errs, errors.New("vendors.llm.provider is required"))
	}
	if len(c.Languages.Supported) == 0 {
		errs = append(errs, errors.New("languages.supported must list at least one language"))
	}
	supported := c.SupportedLanguages()
	if _, ok := supported.Resolve(c.Languages.Default); !ok {
		errs = append(errs, fmt.Errorf("languages.default %q is not in languages.supported", c.Languages.Default))
	}
	for code := range c.Languages.Voices {
		if !supported.Contains(code) {
			errs = append(errs, fmt.Errorf("languages.voices.%s is not a supported language", code))
		}
	}
	if err := c.Segment.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Context.Capacity <= 0 {
		errs = append(errs, fmt.Errorf("context.capacity must be positive, got %d", c.Context.Capacity))
	}
	if c.Context.SnapshotSize < 0 {
		errs = append(errs, fmt.Errorf("context.snapshot_size must not be negative, got %d", c.Context.SnapshotSize))
	}
	switch c.Relay.UndetectedLanguage {
	case relay.UndetectedDeclared, relay.UndetectedSkip:
	default:
		errs = append(errs, fmt.Errorf("relay.undetected_language must be one of [%s, %s], got %q",
			relay.UndetectedDeclared, relay.UndetectedSkip, c.Relay.UndetectedLanguage))
	}
	if c.Delivery.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("delivery.chunk_size must be positive, got %d", c.Delivery.ChunkSize))
	}
	if c.Engine.StreamBuffer <= 0 {
		errs = append(errs, fmt.Errorf("engine.stream_buffer must be positive, got %d", c.Engine.StreamBuffer))
	}
	if c.Observability.SampleRate < 0 || c.Observability.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("observability.sample_rate must be within [0, 1], got %v", c.Observability.SampleRate))
	}
	return errors.Join(errs...)
}

// SupportedLanguages returns the normalized supported language set.
func (c Config) SupportedLanguages() lang.Set {
	return lang.NewSet(c.Languages.Supported...)
}

// DefaultLanguage returns the normalized default language.
func (c Config) DefaultLanguage() string {
	return lang.Normalize(c.Languages.Default)
}

// Voices returns the voice table keyed by normalized language code.
func (c Config) Voices() map[string]string {
	out := make(map[string]string, len(c.Languages.Voices))
	for code, voice := range c.Languages.Voices {
		out[lang.Normalize(code)] = voice
	}
	return out
}

func (c Config) RelayTimeout() time.Duration {
	return time.Duration(c.Relay.TimeoutMS) * time.Millisecond
}

func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.Engine.DrainTimeoutMS) * time.Millisecond
}

func (c Config) ChunkDelay() time.Duration {
	return time.Duration(c.Delivery.ChunkDelayMS) * time.Millisecond
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Vendors.STT.Settings = configutil.ExpandSettings(cfg.Vendors.STT.Settings)
	cfg.Vendors.TTS.Settings = configutil.ExpandSettings(cfg.Vendors.TTS.Settings)
	cfg.Vendors.LLM.Settings = configutil.ExpandSettings(cfg.Vendors.LLM.Settings)
	cfg.Transports.Settings = configutil.ExpandSettings(cfg.Transports.Settings)
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	case reflect.Map:
		if v.Type().Key().Kind() == reflect.String && v.Type().Elem().Kind() == reflect.String {
			for _, key := range v.MapKeys() {
				val := v.MapIndex(key)
				v.SetMapIndex(key, reflect.ValueOf(os.ExpandEnv(val.String())))
			}
		}
	}
}
