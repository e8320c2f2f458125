package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonSTTTranscribe  ReasonCode = "stt_transcribe"
	ReasonSTTRateLimit   ReasonCode = "stt_rate_limit"
	ReasonSTTUnavailable ReasonCode = "stt_unavailable"

	ReasonTranslate         ReasonCode = "translate"
	ReasonLLMGenerate       ReasonCode = "llm_generate"
	ReasonLLMRateLimit      ReasonCode = "llm_rate_limit"
	ReasonLLMCircuitOpen    ReasonCode = "llm_circuit_open"
	ReasonTranslateFallback ReasonCode = "translate_fallback"

	ReasonTTSConnect     ReasonCode = "tts_connect"
	ReasonTTSSend        ReasonCode = "tts_send"
	ReasonTTSSynthesize  ReasonCode = "tts_synthesize"
	ReasonTTSRateLimit   ReasonCode = "tts_rate_limit"
	ReasonTTSUnavailable ReasonCode = "tts_unavailable"

	ReasonMetadata      ReasonCode = "participant_metadata"
	ReasonSessionCreate ReasonCode = "session_create"
	ReasonSessionClose  ReasonCode = "session_close"

	ReasonDeliver       ReasonCode = "deliver"
	ReasonTransport     ReasonCode = "transport"
	ReasonTransportSend ReasonCode = "transport_send"
	ReasonProviderInit  ReasonCode = "provider_init"
)
