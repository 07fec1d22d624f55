// Package config provides the configuration schema, loader, and provider
// registry for the Voxline call handler.
package config

// LogLevel controls log verbosity for the Voxline server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for Voxline.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	AudioSocket AudioSocketConfig `yaml:"audiosocket"`
	HTTP        HTTPConfig        `yaml:"http"`
	Log         LogConfig         `yaml:"log"`
	STT         STTConfig         `yaml:"stt"`
	TTS         TTSConfig         `yaml:"tts"`
	LLM         LLMConfig         `yaml:"llm"`
	Store       StoreConfig       `yaml:"store"`
	Circuit     CircuitConfig     `yaml:"circuit"`
	Redis       RedisConfig       `yaml:"redis"`
	Session     SessionConfig     `yaml:"session"`
	Silence     SilenceConfig     `yaml:"silence"`
	Shutdown    ShutdownConfig    `yaml:"shutdown"`
}

// AudioSocketConfig holds settings for the PBX-facing TCP listener.
type AudioSocketConfig struct {
	// Port is the TCP port audio connections arrive on.
	Port int `yaml:"port"`
}

// HTTPConfig holds settings for the admin listener serving health and
// metrics endpoints.
type HTTPConfig struct {
	// ListenAddr is the address of the admin HTTP server (e.g. ":9090").
	ListenAddr string `yaml:"listen_addr"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level LogLevel `yaml:"level"`
}

// STTConfig selects and tunes the speech-to-text provider.
type STTConfig struct {
	// Provider selects the implementation: "deepgram", "whisper", or
	// "whisper-native".
	Provider string `yaml:"provider"`

	// APIKey authenticates against cloud providers.
	APIKey string `yaml:"api_key"`

	// BaseURL addresses a self-hosted recogniser (the "whisper" server).
	BaseURL string `yaml:"base_url"`

	// Model selects a provider-specific model (e.g. "nova-2").
	Model string `yaml:"model"`

	// ModelPath is the local model file used by "whisper-native".
	ModelPath string `yaml:"model_path"`

	// PrimaryLanguage is the main recognizer language hint (BCP-47).
	PrimaryLanguage string `yaml:"primary_language"`

	// AlternateLanguages lists additional recognizer language hints.
	AlternateLanguages []string `yaml:"alternate_languages"`

	// Fallback optionally names a second provider used when the primary
	// repeatedly fails mid-call (e.g. "whisper-native").
	Fallback string `yaml:"fallback"`
}

// TTSConfig selects and tunes the text-to-speech provider.
type TTSConfig struct {
	// Provider selects the implementation: "elevenlabs" or "local".
	Provider string `yaml:"provider"`

	// APIKey authenticates against cloud providers.
	APIKey string `yaml:"api_key"`

	// BaseURL addresses a self-hosted synthesiser (the "local" server).
	BaseURL string `yaml:"base_url"`

	// Voice is the provider-specific voice identifier.
	Voice string `yaml:"voice"`

	// SpeakingRate adjusts speaking speed in the range [0.5, 2.0].
	// 0 means provider default.
	SpeakingRate float64 `yaml:"speaking_rate"`
}

// LLMConfig selects and bounds the dialogue model.
type LLMConfig struct {
	// Provider selects the implementation: "openai" or "anyllm".
	Provider string `yaml:"provider"`

	// APIKey authenticates against the provider.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects the chat model (e.g. "gpt-4o-mini").
	Model string `yaml:"model"`

	// MaxToolCallsPerTurn caps tool invocations in a single user turn.
	MaxToolCallsPerTurn int `yaml:"max_tool_calls_per_turn"`

	// MaxHistoryMessages caps conversation history length before eviction.
	MaxHistoryMessages int `yaml:"max_history_messages"`

	// Temperature is passed to the model. 0 means provider default.
	Temperature float64 `yaml:"temperature"`

	// SystemPrompt overrides the built-in agent persona when non-empty.
	SystemPrompt string `yaml:"system_prompt"`
}

// StoreConfig configures the HTTP client for the shop backing store.
type StoreConfig struct {
	// BaseURL is the root of the backing store API.
	BaseURL string `yaml:"base_url"`

	// APIKey is sent as a Bearer token on every request.
	APIKey string `yaml:"api_key"`

	// RequestTimeoutS bounds a single HTTP attempt, in seconds.
	RequestTimeoutS int `yaml:"request_timeout_s"`

	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int `yaml:"max_retries"`
}

// CircuitConfig tunes the circuit breaker guarding the backing store.
type CircuitConfig struct {
	// FailMax is the consecutive-failure count that opens the breaker.
	FailMax int `yaml:"fail_max"`

	// OpenDurationS is how long the breaker stays open before probing,
	// in seconds.
	OpenDurationS int `yaml:"open_duration_s"`
}

// RedisConfig configures the session-mirror KV store.
type RedisConfig struct {
	// Addr is the Redis server address (e.g. "localhost:6379").
	Addr string `yaml:"addr"`

	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// SessionConfig tunes session persistence.
type SessionConfig struct {
	// TTLS is the KV session key TTL in seconds.
	TTLS int `yaml:"ttl_s"`
}

// SilenceConfig tunes the caller-silence policy.
type SilenceConfig struct {
	// TimeoutS is the silence timer in seconds.
	TimeoutS int `yaml:"timeout_s"`

	// MaxConsecutive ends the call after this many timeouts in a row.
	MaxConsecutive int `yaml:"max_consecutive"`
}

// ShutdownConfig tunes graceful shutdown.
type ShutdownConfig struct {
	// DrainS is the window given to in-flight calls before force-close,
	// in seconds.
	DrainS int `yaml:"drain_s"`
}
