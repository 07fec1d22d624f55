package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [applyDefaults] when the corresponding option is unset.
const (
	DefaultAudioSocketPort = 9092
	DefaultHTTPListenAddr  = ":9090"

	DefaultMaxToolCallsPerTurn = 5
	DefaultMaxHistoryMessages  = 40

	DefaultStoreTimeoutS  = 5
	DefaultStoreRetries   = 2
	DefaultCircuitFailMax = 5
	DefaultCircuitOpenS   = 30

	DefaultSessionTTLS           = 1800
	DefaultSilenceTimeoutS       = 10
	DefaultSilenceMaxConsecutive = 2
	DefaultShutdownDrainS        = 30
)

// ValidProviderNames lists known provider names per pipeline stage.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt": {"deepgram", "whisper", "whisper-native"},
	"tts": {"elevenlabs", "local"},
	"llm": {"openai", "anyllm"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills in zero-valued options with their documented defaults.
func applyDefaults(cfg *Config) {
	if cfg.AudioSocket.Port == 0 {
		cfg.AudioSocket.Port = DefaultAudioSocketPort
	}
	if cfg.HTTP.ListenAddr == "" {
		cfg.HTTP.ListenAddr = DefaultHTTPListenAddr
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = LogInfo
	}
	if cfg.LLM.MaxToolCallsPerTurn == 0 {
		cfg.LLM.MaxToolCallsPerTurn = DefaultMaxToolCallsPerTurn
	}
	if cfg.LLM.MaxHistoryMessages == 0 {
		cfg.LLM.MaxHistoryMessages = DefaultMaxHistoryMessages
	}
	if cfg.Store.RequestTimeoutS == 0 {
		cfg.Store.RequestTimeoutS = DefaultStoreTimeoutS
	}
	if cfg.Store.MaxRetries == 0 {
		cfg.Store.MaxRetries = DefaultStoreRetries
	}
	if cfg.Circuit.FailMax == 0 {
		cfg.Circuit.FailMax = DefaultCircuitFailMax
	}
	if cfg.Circuit.OpenDurationS == 0 {
		cfg.Circuit.OpenDurationS = DefaultCircuitOpenS
	}
	if cfg.Session.TTLS == 0 {
		cfg.Session.TTLS = DefaultSessionTTLS
	}
	if cfg.Silence.TimeoutS == 0 {
		cfg.Silence.TimeoutS = DefaultSilenceTimeoutS
	}
	if cfg.Silence.MaxConsecutive == 0 {
		cfg.Silence.MaxConsecutive = DefaultSilenceMaxConsecutive
	}
	if cfg.Shutdown.DrainS == 0 {
		cfg.Shutdown.DrainS = DefaultShutdownDrainS
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Log.Level.IsValid() {
		errs = append(errs, fmt.Errorf("log.level %q is invalid; valid values: debug, info, warn, error", cfg.Log.Level))
	}
	if cfg.AudioSocket.Port < 1 || cfg.AudioSocket.Port > 65535 {
		errs = append(errs, fmt.Errorf("audiosocket.port %d is out of range [1, 65535]", cfg.AudioSocket.Port))
	}

	validateProviderName("stt", cfg.STT.Provider)
	validateProviderName("tts", cfg.TTS.Provider)
	validateProviderName("llm", cfg.LLM.Provider)
	if cfg.STT.Fallback != "" {
		validateProviderName("stt", cfg.STT.Fallback)
	}

	if cfg.STT.Provider == "whisper-native" && cfg.STT.ModelPath == "" {
		errs = append(errs, errors.New("stt.model_path is required when stt.provider is whisper-native"))
	}
	if cfg.STT.Provider == "whisper" && cfg.STT.BaseURL == "" {
		errs = append(errs, errors.New("stt.base_url is required when stt.provider is whisper"))
	}
	if cfg.TTS.Provider == "local" && cfg.TTS.BaseURL == "" {
		errs = append(errs, errors.New("tts.base_url is required when tts.provider is local"))
	}
	if cfg.TTS.SpeakingRate != 0 {
		if cfg.TTS.SpeakingRate < 0.5 || cfg.TTS.SpeakingRate > 2.0 {
			errs = append(errs, fmt.Errorf("tts.speaking_rate %.2f is out of range [0.5, 2.0]", cfg.TTS.SpeakingRate))
		}
	}
	if cfg.LLM.MaxToolCallsPerTurn < 1 {
		errs = append(errs, fmt.Errorf("llm.max_tool_calls_per_turn %d must be at least 1", cfg.LLM.MaxToolCallsPerTurn))
	}
	if cfg.LLM.MaxHistoryMessages < 4 {
		errs = append(errs, fmt.Errorf("llm.max_history_messages %d must be at least 4", cfg.LLM.MaxHistoryMessages))
	}

	if cfg.Store.BaseURL == "" {
		errs = append(errs, errors.New("store.base_url is required"))
	}
	if cfg.Store.APIKey == "" {
		slog.Warn("store.api_key is empty; backing store requests will be unauthenticated")
	}
	if cfg.Circuit.FailMax < 1 {
		errs = append(errs, fmt.Errorf("circuit.fail_max %d must be at least 1", cfg.Circuit.FailMax))
	}
	if cfg.Circuit.OpenDurationS < 1 {
		errs = append(errs, fmt.Errorf("circuit.open_duration_s %d must be at least 1", cfg.Circuit.OpenDurationS))
	}

	if cfg.Redis.Addr == "" {
		slog.Warn("redis.addr is empty; the session mirror will run in-memory only")
	}
	if cfg.Session.TTLS < 60 {
		errs = append(errs, fmt.Errorf("session.ttl_s %d must be at least 60", cfg.Session.TTLS))
	}
	if cfg.Silence.TimeoutS < 1 {
		errs = append(errs, fmt.Errorf("silence.timeout_s %d must be at least 1", cfg.Silence.TimeoutS))
	}
	if cfg.Silence.MaxConsecutive < 1 {
		errs = append(errs, fmt.Errorf("silence.max_consecutive %d must be at least 1", cfg.Silence.MaxConsecutive))
	}
	if cfg.Shutdown.DrainS < 1 {
		errs = append(errs, fmt.Errorf("shutdown.drain_s %d must be at least 1", cfg.Shutdown.DrainS))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
