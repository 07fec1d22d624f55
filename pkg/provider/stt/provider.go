// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a transcription service (a cloud streaming recogniser
// or a locally hosted batch engine) and exposes a uniform streaming
// interface. The central abstraction is SessionHandle: once opened, a session
// accepts raw PCM audio frames and emits a single ordered stream of
// Transcript values — low-latency interims for responsiveness and
// authoritative finals marking utterance boundaries.
//
// Implementations must be safe for concurrent use. Audio input and transcript
// output channels are goroutine-safe by construction.
package stt

import (
	"context"

	"github.com/voxline-ai/voxline/pkg/types"
)

// StreamConfig describes the audio format and recognition hints for a new STT
// session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. The call pipeline always
	// delivers 16 000.
	SampleRate int

	// PrimaryLanguage is the BCP-47 language tag for recognition (e.g.,
	// "de-DE"). An empty string lets the provider auto-detect, if supported.
	PrimaryLanguage string

	// AlternateLanguages lists additional candidate languages for providers
	// that support multi-language identification.
	AlternateLanguages []string
}

// SessionHandle represents an open STT streaming session. It is an interface
// so that test code can provide mock implementations without a live provider
// connection.
//
// Callers must call Close when the session is no longer needed. Failing to do
// so may leak goroutines and network connections inside the provider
// implementation. All methods must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw 16-bit little-endian PCM audio to the
	// provider for transcription. SendAudio is non-blocking up to the
	// session's internal buffer depth. Calling SendAudio after Close returns
	// an error.
	SendAudio(chunk []byte) error

	// Transcripts returns a read-only channel emitting interim and final
	// Transcript values in recognition order. IsFinal marks the canonical
	// utterance boundary. The channel is closed when the session ends —
	// whether by Close, context cancellation, or an unrecoverable provider
	// error. The sequence is finite and not restartable.
	//
	// Providers with bounded session lengths must rotate their underlying
	// stream transparently; the channel returned here survives rotation.
	Transcripts() <-chan types.Transcript

	// Close terminates the session, flushes any pending audio, and releases
	// all associated resources. After Close returns, the Transcripts channel
	// will be closed. Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend.
//
// Implementations must be safe for concurrent use. Multiple sessions may be
// open simultaneously (one per live call).
type Provider interface {
	// StartStream opens a new streaming transcription session with the given
	// audio format and recognition configuration. The returned SessionHandle
	// is ready to accept audio immediately.
	//
	// Returns an error if the provider cannot establish the session (e.g.,
	// authentication failure, unsupported configuration, or ctx already
	// cancelled). The caller owns the SessionHandle and must call Close when
	// done.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
