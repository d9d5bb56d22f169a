package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	// Ingestion failures are fatal to session start and surfaced to the
	// caller before any turn begins.
	ReasonIngestFetch   ReasonCode = "ingest_fetch"
	ReasonIngestExtract ReasonCode = "ingest_extract"
	ReasonIngestBudget  ReasonCode = "ingest_budget"

	// Engine failures mid-turn are recoverable: the turn is aborted and the
	// controller returns to listening.
	ReasonSTTConnect  ReasonCode = "stt_connect"
	ReasonSTTSend     ReasonCode = "stt_send"
	ReasonLLMGenerate ReasonCode = "llm_generate"
	ReasonLLMStream   ReasonCode = "llm_stream"
	ReasonTTSConnect  ReasonCode = "tts_connect"
	ReasonTTSSend     ReasonCode = "tts_send"

	ReasonLLMRateLimit ReasonCode = "llm_rate_limit"
	ReasonTTSRateLimit ReasonCode = "tts_rate_limit"

	// ReasonChannelClosed is ordinary during session teardown and an
	// invariant violation any other time.
	ReasonChannelClosed ReasonCode = "channel_closed"

	ReasonTransportSend ReasonCode = "transport_send"
)
