// Package mock provides a test double for the tts.Provider interface.
//
// The mock generates deterministic PCM: the synthesised audio for a given
// text is a repeating pattern derived from the text bytes, so tests can
// assert byte-identical output without a real synthesiser.
package mock

import (
	"context"
	"sync"

	"github.com/voxline-ai/voxline/pkg/provider/tts"
	"github.com/voxline-ai/voxline/pkg/types"
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

// SynthesizeCall records a single invocation of Synthesize or
// SynthesizeStream.
type SynthesizeCall struct {
	Text  string
	Voice types.VoiceSpec
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// SynthesizeErr, if non-nil, is returned by every Synthesize call and
	// by SynthesizeStream before any audio is emitted.
	SynthesizeErr error

	// BytesPerChar controls how many PCM bytes are generated per input
	// character. Defaults to 64 when zero (2 ms of 16 kHz audio).
	BytesPerChar int

	// Calls records every synthesis invocation in order.
	Calls []SynthesizeCall
}

// PCMFor returns the deterministic PCM the mock generates for text.
func (p *Provider) PCMFor(text string) []byte {
	per := p.BytesPerChar
	if per <= 0 {
		per = 64
	}
	out := make([]byte, len(text)*per)
	for i := range out {
		out[i] = text[i/per] // repeat each character's byte
	}
	return out
}

// Synthesize records the call and returns the deterministic PCM for text.
func (p *Provider) Synthesize(_ context.Context, text string, voice types.VoiceSpec) ([]byte, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, SynthesizeCall{Text: text, Voice: voice})
	err := p.SynthesizeErr
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return p.PCMFor(text), nil
}

// SynthesizeStream records the call and emits one deterministic PCM chunk
// per sentence of text.
func (p *Provider) SynthesizeStream(ctx context.Context, text string, voice types.VoiceSpec) (<-chan []byte, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, SynthesizeCall{Text: text, Voice: voice})
	err := p.SynthesizeErr
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}

	sentences := tts.SplitSentences(text)
	out := make(chan []byte, len(sentences)+1)
	for _, s := range sentences {
		out <- p.PCMFor(s)
	}
	close(out)
	return out, nil
}

// CallCount returns the number of recorded synthesis calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
}
