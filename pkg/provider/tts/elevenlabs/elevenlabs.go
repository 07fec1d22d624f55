// Package elevenlabs provides an ElevenLabs-backed TTS provider using the
// ElevenLabs HTTP synthesis API with raw PCM output. It implements the
// tts.Provider interface.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/voxline-ai/voxline/pkg/provider/tts"
	"github.com/voxline-ai/voxline/pkg/types"
)

const (
	defaultEndpoint  = "https://api.elevenlabs.io"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "pcm_16000"
	defaultTimeout   = 30 * time.Second
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithEndpoint overrides the API base URL. Used by tests.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) { p.endpoint = endpoint }
}

// WithHTTPClient overrides the HTTP client used for synthesis requests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// Provider implements tts.Provider backed by the ElevenLabs HTTP API.
type Provider struct {
	apiKey     string
	endpoint   string
	model      string
	httpClient *http.Client
}

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		endpoint:   defaultEndpoint,
		model:      defaultModel,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed,omitempty"`
}

// synthesisRequest is the JSON body for POST /v1/text-to-speech/{voice}.
type synthesisRequest struct {
	Text          string         `json:"text"`
	ModelID       string         `json:"model_id"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
}

// errorResponse extracts the detail message from an ElevenLabs error body.
type errorResponse struct {
	Detail struct {
		Message string `json:"message"`
	} `json:"detail"`
}

// Synthesize renders text as raw 16-bit little-endian mono PCM via a single
// POST to the text-to-speech endpoint with output_format=pcm_16000.
func (p *Provider) Synthesize(ctx context.Context, text string, voice types.VoiceSpec) ([]byte, error) {
	if voice.Voice == "" {
		return nil, errors.New("elevenlabs: voice.Voice must not be empty")
	}
	if text == "" {
		return nil, nil
	}

	vs := &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75}
	if voice.SpeakingRate > 0 {
		vs.Speed = voice.SpeakingRate
	}
	body, err := json.Marshal(synthesisRequest{
		Text:          text,
		ModelID:       p.model,
		VoiceSettings: vs,
	})
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: marshal request: %w", err)
	}

	reqURL := fmt.Sprintf("%s/v1/text-to-speech/%s?output_format=%s",
		p.endpoint, voice.Voice, outputFormat(voice.SampleRate))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: create request: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: synthesis HTTP: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var er errorResponse
		if json.Unmarshal(data, &er) == nil && er.Detail.Message != "" {
			return nil, fmt.Errorf("elevenlabs: synthesis returned status %d: %s", resp.StatusCode, er.Detail.Message)
		}
		return nil, fmt.Errorf("elevenlabs: synthesis returned status %d", resp.StatusCode)
	}

	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: read audio response: %w", err)
	}
	return pcm, nil
}

// SynthesizeStream splits text into sentences and synthesises them eagerly
// in order, emitting one PCM chunk per sentence.
func (p *Provider) SynthesizeStream(ctx context.Context, text string, voice types.VoiceSpec) (<-chan []byte, error) {
	if voice.Voice == "" {
		return nil, errors.New("elevenlabs: voice.Voice must not be empty")
	}
	return tts.StreamSentences(ctx, text, func(sctx context.Context, sentence string) ([]byte, error) {
		return p.Synthesize(sctx, sentence, voice)
	}), nil
}

// outputFormat maps the requested sample rate to an ElevenLabs output format
// string. Unknown or zero rates default to pcm_16000.
func outputFormat(sampleRate int) string {
	switch sampleRate {
	case 8000:
		return "pcm_8000"
	case 22050:
		return "pcm_22050"
	case 24000:
		return "pcm_24000"
	case 44100:
		return "pcm_44100"
	default:
		return defaultOutputFmt
	}
}
