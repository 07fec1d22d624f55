// Package cache provides a phrase-caching decorator for any tts.Provider.
//
// Contact-centre calls repeat a small set of phrases constantly: the
// greeting, hold fillers, the silence prompt, the farewell. Synthesising
// those through a cloud API on every call costs both latency and money, so
// the cache stores the synthesised PCM keyed by a SHA-256 digest over the
// normalised text and the voice parameters. A hit returns the stored bytes
// without touching the wrapped provider; repeated hits are byte-identical.
//
// Warm preloads the hot phrases at startup so the very first call of the day
// already plays its greeting from memory.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/voxline-ai/voxline/pkg/provider/tts"
	"github.com/voxline-ai/voxline/pkg/types"
)

// Compile-time interface assertion.
var _ tts.Provider = (*Cache)(nil)

// Option is a functional option for configuring a Cache.
type Option func(*Cache)

// WithMeterProvider overrides the OpenTelemetry meter provider used for the
// hit/miss counters. Defaults to the global provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(c *Cache) { c.meterProvider = mp }
}

// Cache decorates a tts.Provider with a process-global phrase cache.
// It is safe for concurrent use.
type Cache struct {
	inner         tts.Provider
	meterProvider metric.MeterProvider

	mu      sync.RWMutex
	entries map[string][]byte

	hits   metric.Int64Counter
	misses metric.Int64Counter
}

// New wraps inner with a phrase cache.
func New(inner tts.Provider, opts ...Option) (*Cache, error) {
	c := &Cache{
		inner:         inner,
		meterProvider: otel.GetMeterProvider(),
		entries:       make(map[string][]byte),
	}
	for _, o := range opts {
		o(c)
	}

	meter := c.meterProvider.Meter("voxline")
	var err error
	c.hits, err = meter.Int64Counter("voxline.tts.cache.hits",
		metric.WithDescription("Number of TTS phrase cache hits"))
	if err != nil {
		return nil, fmt.Errorf("cache: create hits counter: %w", err)
	}
	c.misses, err = meter.Int64Counter("voxline.tts.cache.misses",
		metric.WithDescription("Number of TTS phrase cache misses"))
	if err != nil {
		return nil, fmt.Errorf("cache: create misses counter: %w", err)
	}
	return c, nil
}

// Key returns the cache key for a text/voice combination: a SHA-256 digest
// over the normalised text, the voice name, the speaking rate and the sample
// rate. Normalisation lower-cases the text and collapses runs of whitespace,
// so "Hello there" and "  hello   THERE " share an entry.
func Key(text string, voice types.VoiceSpec) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%g|%d", normalize(text), voice.Voice, voice.SpeakingRate, voice.SampleRate)
	return hex.EncodeToString(h.Sum(nil))
}

func normalize(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// Synthesize returns the cached PCM when the phrase is known, otherwise
// delegates to the wrapped provider and stores the result.
func (c *Cache) Synthesize(ctx context.Context, text string, voice types.VoiceSpec) ([]byte, error) {
	key := Key(text, voice)

	c.mu.RLock()
	pcm, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		c.hits.Add(ctx, 1)
		return pcm, nil
	}
	c.misses.Add(ctx, 1)

	pcm, err := c.inner.Synthesize(ctx, text, voice)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[key] = pcm
	c.mu.Unlock()
	return pcm, nil
}

// SynthesizeStream serves cached phrases as a single immediate chunk. On a
// miss it delegates to the wrapped provider's stream and stores the
// concatenated audio once the stream completes, so the next occurrence of
// the phrase is a hit.
func (c *Cache) SynthesizeStream(ctx context.Context, text string, voice types.VoiceSpec) (<-chan []byte, error) {
	key := Key(text, voice)

	c.mu.RLock()
	pcm, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		c.hits.Add(ctx, 1)
		out := make(chan []byte, 1)
		out <- pcm
		close(out)
		return out, nil
	}
	c.misses.Add(ctx, 1)

	innerCh, err := c.inner.SynthesizeStream(ctx, text, voice)
	if err != nil {
		return nil, err
	}

	out := make(chan []byte, cap(innerCh))
	go func() {
		defer close(out)
		var full []byte
		complete := true
		for chunk := range innerCh {
			full = append(full, chunk...)
			select {
			case out <- chunk:
			case <-ctx.Done():
				complete = false
				// Keep draining so the inner provider can finish.
				for range innerCh {
				}
				return
			}
		}
		// Only store streams that finished without cancellation; a partial
		// recording must never be replayed as the full phrase.
		if complete && ctx.Err() == nil && len(full) > 0 {
			c.mu.Lock()
			c.entries[key] = full
			c.mu.Unlock()
		}
	}()
	return out, nil
}

// Warm synthesises each phrase through the wrapped provider and stores the
// result, skipping phrases that are already cached. The first error aborts
// the warm-up; entries stored before the failure remain usable.
func (c *Cache) Warm(ctx context.Context, phrases []string, voice types.VoiceSpec) error {
	for _, phrase := range phrases {
		key := Key(phrase, voice)
		c.mu.RLock()
		_, ok := c.entries[key]
		c.mu.RUnlock()
		if ok {
			continue
		}
		pcm, err := c.inner.Synthesize(ctx, phrase, voice)
		if err != nil {
			return fmt.Errorf("cache: warm %q: %w", phrase, err)
		}
		c.mu.Lock()
		c.entries[key] = pcm
		c.mu.Unlock()
	}
	return nil
}

// Len reports the number of cached phrases.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
