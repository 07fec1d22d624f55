package resilience

import (
	"context"

	"github.com/voxline-ai/voxline/pkg/provider/stt"
)

// STTFailover implements [stt.Provider] with automatic failover across
// multiple STT backends (e.g., cloud streaming primary, local batch
// fallback). Each backend has its own circuit breaker. Failover applies to
// stream start only; an established session stays on the backend that
// opened it.
type STTFailover struct {
	group *FailoverGroup[stt.Provider]
}

// Compile-time interface assertion.
var _ stt.Provider = (*STTFailover)(nil)

// NewSTTFailover creates an [STTFailover] with primary as the preferred backend.
func NewSTTFailover(primary stt.Provider, primaryName string, cfg FailoverConfig) *STTFailover {
	return &STTFailover{
		group: NewFailoverGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional STT provider as a fallback.
func (f *STTFailover) AddFallback(name string, provider stt.Provider) {
	f.group.AddFallback(name, provider)
}

// StartStream opens a streaming transcription session against the first
// healthy provider. If the primary fails to start the stream, subsequent
// fallbacks are tried.
func (f *STTFailover) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	return ExecuteWithResult(f.group, func(p stt.Provider) (stt.SessionHandle, error) {
		return p.StartStream(ctx, cfg)
	})
}
