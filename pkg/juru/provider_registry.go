package juru

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/harunnryd/juru/pkg/adapters/stt"
	"github.com/harunnryd/juru/pkg/adapters/tts"
	"github.com/harunnryd/juru/pkg/llm"
	"github.com/harunnryd/juru/pkg/transports"
)

type STTFactory func(cfg Config) (stt.Transcriber, error)
type TTSFactory func(cfg Config) (tts.Synthesizer, error)
type LLMFactory func(cfg Config) (llm.LLMAdapter, error)
type TransportFactory func(cfg Config, logger *slog.Logger) (transports.Transport, error)

// ProviderRegistry maps vendor names from config to constructors.
type ProviderRegistry struct {
	stt       map[string]STTFactory
	tts       map[string]TTSFactory
	llm       map[string]LLMFactory
	transport map[string]TransportFactory
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		stt:       make(map[string]STTFactory),
		tts:       make(map[string]TTSFactory),
		llm:       make(map[string]LLMFactory),
		transport: make(map[string]TransportFactory),
	}
}

func (r *ProviderRegistry) RegisterSTT(name string, factory STTFactory) {
	r.stt[providerKey(name)] = factory
}

func (r *ProviderRegistry) RegisterTTS(name string, factory TTSFactory) {
	r.tts[providerKey(name)] = factory
}

func (r *ProviderRegistry) RegisterLLM(name string, factory LLMFactory) {
	r.llm[providerKey(name)] = factory
}

func (r *ProviderRegistry) RegisterTransport(name string, factory TransportFactory) {
	r.transport[providerKey(name)] = factory
}

func (r *ProviderRegistry) BuildSTT(cfg Config) (stt.Transcriber, error) {
	fn := r.stt[providerKey(cfg.Vendors.STT.Provider)]
	if fn == nil {
		return nil, fmt.Errorf("stt provider not registered: %s", cfg.Vendors.STT.Provider)
	}
	return fn(cfg)
}

func (r *ProviderRegistry) BuildTTS(cfg Config) (tts.Synthesizer, error) {
	fn := r.tts[providerKey(cfg.Vendors.TTS.Provider)]
	if fn == nil {
		return nil, fmt.Errorf("tts provider not registered: %s", cfg.Vendors.TTS.Provider)
	}
	return fn(cfg)
}

func (r *ProviderRegistry) BuildLLM(cfg Config) (llm.LLMAdapter, error) {
	fn := r.llm[providerKey(cfg.Vendors.LLM.Provider)]
	if fn == nil {
		return nil, fmt.Errorf("llm provider not registered: %s", cfg.Vendors.LLM.Provider)
	}
	return fn(cfg)
}

func (r *ProviderRegistry) BuildTransport(cfg Config, logger *slog.Logger) (transports.Transport, error) {
	fn := r.transport[providerKey(cfg.Transports.Provider)]
	if fn == nil {
		return nil, fmt.Errorf("transport provider not registered: %s", cfg.Transports.Provider)
	}
	return fn(cfg, logger)
}

func providerKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
