package metrics

// Event names emitted by the relay.
const (
	EventUtteranceEmitted = "utterance_emitted"
	EventTranscribed      = "transcribed"
	EventTranslated       = "translated"
	EventSynthesized      = "synthesized"
	EventDelivered        = "delivered"
	EventRelayCompleted   = "relay_completed"
	EventRelayAbandoned   = "relay_abandoned"
	EventListenerFailed   = "listener_failed"
	EventListenerSkipped  = "listener_skipped"
	EventFrameDropped     = "frame_dropped"

	EventSessionCreated   = "session_created"
	EventSessionDestroyed = "session_destroyed"

	EventRateLimit     = "rate_limit"
	EventBreakerDenied = "breaker_denied"
	EventBreakerOpen   = "breaker_open"
	EventBreakerClose  = "breaker_close"
)

// Tag keys.
const (
	TagUtteranceID = "utterance_id"
	TagSpeaker     = "speaker"
	TagListener    = "listener"
	TagComponent   = "component"
	TagProvider    = "provider"
	TagReason      = "reason"
	TagLanguage    = "language"
)

// Field keys.
const (
	FieldBytes        = "bytes"
	FieldDurationMS   = "duration_ms"
	FieldAudioSeconds = "audio_seconds"
	FieldChunks       = "chunks"
	FieldChars        = "chars"
	FieldTokens       = "tokens"
)
