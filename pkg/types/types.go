// Package types defines the shared types used across all Voxline packages.
//
// These types form the lingua franca between providers, the tool router, the
// agent, and the call pipeline. They are intentionally minimal — each package
// defines its own domain types, but cross-cutting data structures live here to
// avoid circular imports.
package types

import "time"

// Transcript represents a speech-to-text result from an STT provider.
// Both interim and final transcripts use this type; IsFinal marks the
// canonical utterance boundary.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether this is a final (authoritative) or interim transcript.
	IsFinal bool

	// Confidence is the overall confidence score (0.0–1.0). May be zero if the
	// provider does not report confidence.
	Confidence float64

	// Language is the BCP-47 tag of the detected language, when the provider
	// performs language identification. Empty otherwise.
	Language string

	// Words contains per-word detail when available. May be nil for providers
	// that don't support word-level output.
	Words []WordDetail

	// Timestamp marks when the utterance started, relative to stream start.
	Timestamp time.Duration

	// Duration is the length of the utterance.
	Duration time.Duration
}

// WordDetail holds per-word metadata from STT providers that support it.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// Message represents a single message in an LLM conversation history.
type Message struct {
	// Role is one of "system", "user", "assistant", or "tool".
	Role string

	// Content is the text content of the message.
	Content string

	// ToolCalls contains any tool invocations requested by the assistant.
	ToolCalls []ToolCall

	// ToolCallID is set when Role is "tool", identifying which tool call this responds to.
	ToolCallID string
}

// ToolCall represents a tool/function invocation requested by the LLM.
type ToolCall struct {
	// ID is the unique identifier for this tool call (provider-assigned).
	ID string

	// Name is the tool/function name.
	Name string

	// Arguments is the JSON-encoded arguments string.
	Arguments string
}

// ToolDefinition is the LLM-facing schema of a callable tool.
type ToolDefinition struct {
	// Name is the globally unique tool name (e.g., "search_tyres").
	Name string

	// Description tells the model what the tool does and when to call it.
	Description string

	// Parameters is a JSON Schema object describing the tool's arguments.
	Parameters map[string]any
}

// ModelCapabilities describes what an LLM provider's underlying model supports.
type ModelCapabilities struct {
	SupportsToolCalling bool
	SupportsStreaming   bool
	ContextWindow       int
	MaxOutputTokens     int
}

// VoiceSpec identifies a synthesiser voice configuration. It is part of the
// TTS phrase-cache key, so two specs that compare equal must synthesise
// byte-identical audio for the same text.
type VoiceSpec struct {
	// Voice is the provider voice identifier.
	Voice string

	// SpeakingRate is the synthesis rate multiplier (1.0 = normal).
	SpeakingRate float64

	// SampleRate is the output sample rate in Hz.
	SampleRate int
}
