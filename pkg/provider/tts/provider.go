// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., ElevenLabs or a
// locally hosted server) and produces raw LINEAR16 PCM at 16 kHz mono, the
// format the telephony bridge plays back directly. The streaming entry point
// SynthesizeStream returns audio chunk-by-chunk with chunk boundaries aligned
// to sentence boundaries, so playback of the first sentence can begin while
// later sentences are still being synthesised.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"strings"
	"unicode"

	"github.com/voxline-ai/voxline/pkg/types"
)

// Provider is the abstraction over any TTS backend.
//
// Implementations must be safe for concurrent use; multiple calls may run in
// parallel.
type Provider interface {
	// Synthesize renders the full text as one blob of raw 16-bit
	// little-endian mono PCM at the sample rate given in voice (16 kHz when
	// unset).
	Synthesize(ctx context.Context, text string, voice types.VoiceSpec) ([]byte, error)

	// SynthesizeStream renders the text sentence by sentence and returns a
	// channel emitting PCM chunks in sentence order. Later sentences are
	// synthesised while earlier ones are being consumed.
	//
	// The returned channel is closed when all sentences have been emitted,
	// when a synthesis error occurs mid-stream, or when ctx is cancelled.
	// The caller must drain the channel to avoid leaking the provider's
	// internal goroutines; callers can check ctx.Err() to distinguish
	// cancellation from provider errors.
	SynthesizeStream(ctx context.Context, text string, voice types.VoiceSpec) (<-chan []byte, error)
}

// streamLookahead controls how many sentence synthesis requests may be
// in-flight concurrently during SynthesizeStream. Higher values reduce
// perceived latency at the cost of additional backend load.
const streamLookahead = 3

// SplitSentences splits text into sentences on '.', '!' or '?' followed by
// whitespace or end of input, trimming surrounding whitespace. Abbreviations
// like "3.5" or "205/55R16." mid-token are not split because the terminator
// must be followed by whitespace. Text without any terminator is returned as
// a single sentence.
func SplitSentences(text string) []string {
	var out []string
	rest := text
	for {
		idx := findSentenceBoundary(rest)
		if idx < 0 {
			break
		}
		if s := strings.TrimSpace(rest[:idx+1]); s != "" {
			out = append(out, s)
		}
		rest = rest[idx+1:]
	}
	if s := strings.TrimSpace(rest); s != "" {
		out = append(out, s)
	}
	return out
}

// findSentenceBoundary returns the index of the first sentence terminator
// that is at the end of s or immediately followed by whitespace, or -1.
func findSentenceBoundary(s string) int {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '.' || c == '!' || c == '?' {
			if i+1 >= len(s) || unicode.IsSpace(rune(s[i+1])) {
				return i
			}
		}
	}
	return -1
}

// StreamSentences implements the shared sentence pipeline used by the HTTP
// providers: text is split into sentences, each sentence is synthesised by
// synth with up to streamLookahead requests in flight, and the results are
// emitted on the returned channel in original sentence order. A synthesis
// error terminates the stream early by closing the channel.
func StreamSentences(ctx context.Context, text string, synth func(ctx context.Context, sentence string) ([]byte, error)) <-chan []byte {
	type result struct {
		pcm []byte
		err error
	}

	sentences := SplitSentences(text)
	audioCh := make(chan []byte, len(sentences)+1)

	go func() {
		defer close(audioCh)

		// Ordered queue of per-sentence result channels. The dispatcher
		// blocks once streamLookahead results are pending, which bounds
		// concurrent backend calls.
		queue := make(chan chan result, streamLookahead)

		go func() {
			defer close(queue)
			for _, sentence := range sentences {
				ch := make(chan result, 1)
				select {
				case queue <- ch:
				case <-ctx.Done():
					return
				}
				go func(s string, out chan<- result) {
					pcm, err := synth(ctx, s)
					out <- result{pcm: pcm, err: err}
				}(sentence, ch)
			}
		}()

		for ch := range queue {
			select {
			case r := <-ch:
				if r.err != nil {
					return
				}
				select {
				case audioCh <- r.pcm:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return audioCh
}
