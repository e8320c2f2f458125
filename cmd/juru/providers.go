package main

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/harunnryd/juru/pkg/adapters/stt"
	"github.com/harunnryd/juru/pkg/adapters/tts"
	"github.com/harunnryd/juru/pkg/configutil"
	"github.com/harunnryd/juru/pkg/juru"
	"github.com/harunnryd/juru/pkg/llm"
	"github.com/harunnryd/juru/pkg/providers/deepgram"
	"github.com/harunnryd/juru/pkg/providers/elevenlabs"
	"github.com/harunnryd/juru/pkg/providers/mock"
	"github.com/harunnryd/juru/pkg/providers/openai"
	"github.com/harunnryd/juru/pkg/transports"
	"github.com/harunnryd/juru/pkg/transports/gateway"
	"github.com/harunnryd/juru/pkg/transports/livekit"
	mocktransport "github.com/harunnryd/juru/pkg/transports/mock"
)

type deepgramSettings struct {
	APIKey     string `mapstructure:"api_key"`
	Model      string `mapstructure:"model"`
	SampleRate int    `mapstructure:"sample_rate"`
	Punctuate  *bool  `mapstructure:"punctuate"`
	Host       string `mapstructure:"host"`
}

type elevenlabsSettings struct {
	APIKey        string  `mapstructure:"api_key"`
	ModelID       string  `mapstructure:"model_id"`
	OutputFormat  string  `mapstructure:"output_format"`
	Stability     float64 `mapstructure:"stability"`
	Similarity    float64 `mapstructure:"similarity_boost"`
	BaseURL       string  `mapstructure:"base_url"`
	ReadTimeoutMS int     `mapstructure:"read_timeout_ms"`
}

type openAISettings struct {
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
	BaseURL string `mapstructure:"base_url"`
}

type openRouterSettings struct {
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
	Referer string `mapstructure:"referer"`
	Title   string `mapstructure:"title"`
}

type mockSTTSettings struct {
	Transcript string `mapstructure:"transcript"`
	Language   string `mapstructure:"language"`
}

type mockTTSSettings struct {
	BytesPerChar int  `mapstructure:"bytes_per_char"`
	Silent       bool `mapstructure:"silent"`
}

type mockLLMSettings struct {
	ResponseText string `mapstructure:"response_text"`
	Prefix       string `mapstructure:"prefix"`
}

func registerProviders(reg *juru.ProviderRegistry) {
	reg.RegisterSTT("deepgram", func(cfg juru.Config) (stt.Transcriber, error) {
		if err := validateSettings("vendors.stt.settings", cfg.Vendors.STT.Settings, configutil.Schema{
			Required: []string{"api_key"},
			Optional: []string{"model", "sample_rate", "punctuate", "host"},
		}); err != nil {
			return nil, err
		}
		var settings deepgramSettings
		if err := configutil.DecodeSettings(cfg.Vendors.STT.Settings, &settings); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.APIKey, "vendors.stt.settings.api_key"); err != nil {
			return nil, err
		}
		return deepgram.New(deepgram.Config{
			APIKey:     settings.APIKey,
			Model:      settings.Model,
			SampleRate: settings.SampleRate,
			Punctuate:  configutil.BoolValue(settings.Punctuate, true),
			Host:       settings.Host,
		})
	})

	reg.RegisterSTT("mock", func(cfg juru.Config) (stt.Transcriber, error) {
		if err := validateSettings("vendors.stt.settings", cfg.Vendors.STT.Settings, configutil.Schema{
			Optional: []string{"transcript", "language"},
		}); err != nil {
			return nil, err
		}
		var settings mockSTTSettings
		if err := configutil.DecodeSettings(cfg.Vendors.STT.Settings, &settings); err != nil {
			return nil, err
		}
		return mock.NewSTT(mock.STTConfig{Transcript: settings.Transcript, Language: settings.Language}), nil
	})

	reg.RegisterTTS("elevenlabs", func(cfg juru.Config) (tts.Synthesizer, error) {
		if err := validateSettings("vendors.tts.settings", cfg.Vendors.TTS.Settings, configutil.Schema{
			Required: []string{"api_key"},
			Optional: []string{"model_id", "output_format", "stability", "similarity_boost", "base_url", "read_timeout_ms"},
		}); err != nil {
			return nil, err
		}
		var settings elevenlabsSettings
		if err := configutil.DecodeSettings(cfg.Vendors.TTS.Settings, &settings); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.APIKey, "vendors.tts.settings.api_key"); err != nil {
			return nil, err
		}
		return elevenlabs.New(elevenlabs.Config{
			APIKey:       settings.APIKey,
			ModelID:      settings.ModelID,
			OutputFormat: settings.OutputFormat,
			Stability:    settings.Stability,
			Similarity:   settings.Similarity,
			BaseURL:      settings.BaseURL,
			ReadTimeout:  time.Duration(settings.ReadTimeoutMS) * time.Millisecond,
		})
	})

	reg.RegisterTTS("mock", func(cfg juru.Config) (tts.Synthesizer, error) {
		if err := validateSettings("vendors.tts.settings", cfg.Vendors.TTS.Settings, configutil.Schema{
			Optional: []string{"bytes_per_char", "silent"},
		}); err != nil {
			return nil, err
		}
		var settings mockTTSSettings
		if err := configutil.DecodeSettings(cfg.Vendors.TTS.Settings, &settings); err != nil {
			return nil, err
		}
		return mock.NewTTS(mock.TTSConfig{BytesPerChar: settings.BytesPerChar, Silent: settings.Silent}), nil
	})

	reg.RegisterLLM("openai", func(cfg juru.Config) (llm.LLMAdapter, error) {
		if err := validateSettings("vendors.llm.settings", cfg.Vendors.LLM.Settings, configutil.Schema{
			Required: []string{"api_key", "model"},
			Optional: []string{"base_url"},
		}); err != nil {
			return nil, err
		}
		var settings openAISettings
		if err := configutil.DecodeSettings(cfg.Vendors.LLM.Settings, &settings); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.APIKey, "vendors.llm.settings.api_key"); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.Model, "vendors.llm.settings.model"); err != nil {
			return nil, err
		}
		adapter := openai.NewAdapter(settings.APIKey, settings.Model)
		if settings.BaseURL != "" {
			adapter.BaseURL = settings.BaseURL
		}
		return adapter, nil
	})

	reg.RegisterLLM("openrouter", func(cfg juru.Config) (llm.LLMAdapter, error) {
		if err := validateSettings("vendors.llm.settings", cfg.Vendors.LLM.Settings, configutil.Schema{
			Required: []string{"api_key", "model"},
			Optional: []string{"referer", "title"},
		}); err != nil {
			return nil, err
		}
		var settings openRouterSettings
		if err := configutil.DecodeSettings(cfg.Vendors.LLM.Settings, &settings); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.APIKey, "vendors.llm.settings.api_key"); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.Model, "vendors.llm.settings.model"); err != nil {
			return nil, err
		}
		return openai.NewOpenRouterAdapter(settings.APIKey, settings.Model, settings.Referer, settings.Title), nil
	})

	reg.RegisterLLM("mock", func(cfg juru.Config) (llm.LLMAdapter, error) {
		if err := validateSettings("vendors.llm.settings", cfg.Vendors.LLM.Settings, configutil.Schema{
			Optional: []string{"response_text", "prefix"},
		}); err != nil {
			return nil, err
		}
		var settings mockLLMSettings
		if err := configutil.DecodeSettings(cfg.Vendors.LLM.Settings, &settings); err != nil {
			return nil, err
		}
		return mock.NewLLMAdapter(mock.LLMConfig{ResponseText: settings.ResponseText, Prefix: settings.Prefix}), nil
	})

	reg.RegisterTransport("gateway", func(cfg juru.Config, logger *slog.Logger) (transports.Transport, error) {
		if err := validateSettings("transports.settings", cfg.Transports.Settings, configutil.Schema{
			Optional: []string{"server_addr", "path", "room_name", "sample_rate", "channels", "max_message_bytes",
				"send_buffer", "write_timeout_ms", "allow_any_origin", "allowed_origins"},
		}); err != nil {
			return nil, err
		}
		var settings gateway.Config
		if err := configutil.DecodeSettings(cfg.Transports.Settings, &settings); err != nil {
			return nil, err
		}
		return gateway.New(settings, logger), nil
	})

	reg.RegisterTransport("livekit", func(cfg juru.Config, logger *slog.Logger) (transports.Transport, error) {
		if err := validateSettings("transports.settings", cfg.Transports.Settings, configutil.Schema{
			Required: []string{"url", "api_key", "api_secret", "room_name"},
			Optional: []string{"identity", "name", "channels", "max_message_bytes", "microphone_only"},
		}); err != nil {
			return nil, err
		}
		var settings livekit.Config
		if err := configutil.DecodeSettings(cfg.Transports.Settings, &settings); err != nil {
			return nil, err
		}
		// The relay must recognise its own identity as an agent.
		if strings.TrimSpace(settings.Identity) == "" {
			settings.Identity = cfg.Agent.Identity
		}
		if settings.Identity != cfg.Agent.Identity {
			return nil, fmt.Errorf("transports.settings.identity %q must match agent.identity %q", settings.Identity, cfg.Agent.Identity)
		}
		return livekit.New(settings, logger), nil
	})

	reg.RegisterTransport("mock", func(cfg juru.Config, logger *slog.Logger) (transports.Transport, error) {
		if err := validateSettings("transports.settings", cfg.Transports.Settings, configutil.Schema{}); err != nil {
			return nil, err
		}
		return mocktransport.New(), nil
	})
}

func validateSettings(path string, input map[string]any, schema configutil.Schema) error {
	if err := configutil.ValidateSettings(input, schema); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}
