package whisper

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/voxline-ai/voxline/pkg/provider/stt"
	"github.com/voxline-ai/voxline/pkg/types"
)

// inferFunc runs one batch inference over a complete utterance's PCM.
type inferFunc func(ctx context.Context, pcm []byte) (string, error)

// segmentConfig carries the immutable parameters of a segmentSession.
type segmentConfig struct {
	sampleRate          int
	silenceThresholdMs  int
	maxBufferDurationMs int
	infer               inferFunc
}

// segmentSession implements stt.SessionHandle for batch engines. A single
// goroutine owns the utterance buffer: it applies the RMS silence gate,
// flushes completed utterances to the injected inference function, and emits
// one interim plus one final transcript per utterance. Confining all mutable
// buffer state to that goroutine avoids any further synchronisation.
type segmentSession struct {
	cfg segmentConfig

	audioCh chan []byte
	out     chan types.Transcript

	// done is closed by Close; dead is closed by processLoop on exit.
	// SendAudio selects on both so it never blocks on a queue nobody drains
	// after the loop has stopped (context cancellation included).
	done chan struct{}
	dead chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// Compile-time assertion that segmentSession satisfies stt.SessionHandle.
var _ stt.SessionHandle = (*segmentSession)(nil)

func newSegmentSession(cfg segmentConfig) *segmentSession {
	return &segmentSession{
		cfg:     cfg,
		audioCh: make(chan []byte, 256),
		out:     make(chan types.Transcript, 64),
		done:    make(chan struct{}),
		dead:    make(chan struct{}),
	}
}

// start launches the processing goroutine.
func (s *segmentSession) start(ctx context.Context) {
	s.wg.Add(1)
	go s.processLoop(ctx)
}

// SendAudio queues a chunk of raw 16-bit little-endian signed PCM audio for
// silence analysis and buffering. Calling SendAudio after Close returns an
// error.
func (s *segmentSession) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errors.New("whisper: session is closed")
	case <-s.dead:
		return errors.New("whisper: transcript stream ended")
	default:
	}
	select {
	case s.audioCh <- chunk:
		return nil
	case <-s.done:
		return errors.New("whisper: session is closed")
	case <-s.dead:
		return errors.New("whisper: transcript stream ended")
	}
}

// Transcripts returns the transcript channel. Each utterance yields an
// interim and a final with identical text.
func (s *segmentSession) Transcripts() <-chan types.Transcript { return s.out }

// Close terminates the session, flushes any pending speech audio for a final
// transcription, and closes the Transcripts channel. Calling Close more than
// once is safe and returns nil.
func (s *segmentSession) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
	return nil
}

// processLoop is the single goroutine responsible for silence detection,
// audio buffering, and inference dispatch.
func (s *segmentSession) processLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.out)
	defer close(s.dead)

	var (
		buffer    []byte // accumulated PCM for the current utterance
		hadSpeech bool   // true once any high-energy chunk has been buffered
		silenceMs int    // consecutive silence accumulated after speech (ms)
	)

	// bytesPerMs: PCM bytes corresponding to 1 ms of mono audio.
	bytesPerMs := s.cfg.sampleRate * (bitsPerSample / 8) / 1000
	if bytesPerMs <= 0 {
		bytesPerMs = 32 // 16 kHz, mono, 16-bit → 32 B/ms
	}
	maxBufferBytes := s.cfg.maxBufferDurationMs * bytesPerMs

	// doFlush runs inference over the current buffer and resets the buffer
	// state regardless of outcome.
	doFlush := func(flushCtx context.Context) {
		if len(buffer) == 0 || !hadSpeech {
			buffer = nil
			hadSpeech = false
			silenceMs = 0
			return
		}

		pcm := buffer
		buffer = nil
		hadSpeech = false
		silenceMs = 0

		text, err := s.cfg.infer(flushCtx, pcm)
		if err != nil {
			slog.Error("whisper inference failed", "error", err)
			return
		}
		if text == "" {
			return
		}

		dur := time.Duration(len(pcm)/bytesPerMs) * time.Millisecond

		// Non-blocking sends: the channel is buffered. If it is somehow full
		// we skip rather than deadlock during shutdown.
		select {
		case s.out <- types.Transcript{Text: text, IsFinal: false, Duration: dur}:
		default:
		}
		select {
		case s.out <- types.Transcript{Text: text, IsFinal: true, Confidence: 1, Duration: dur}:
		default:
		}
	}

	// flushWithTimeout performs a final flush using a fresh background
	// context, independent of the caller-supplied ctx which may already be
	// cancelled.
	flushWithTimeout := func() {
		fc, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		doFlush(fc)
	}

	for {
		select {
		case <-ctx.Done():
			flushWithTimeout()
			return

		case <-s.done:
			flushWithTimeout()
			return

		case chunk := <-s.audioCh:
			rms := computeRMS(chunk)
			chunkMs := len(chunk) / bytesPerMs

			if rms < defaultRMSThreshold {
				// Silent chunk: only relevant once speech has started.
				// Leading silence before any speech is discarded.
				if hadSpeech {
					silenceMs += chunkMs
					buffer = append(buffer, chunk...)
					if silenceMs >= s.cfg.silenceThresholdMs {
						doFlush(ctx)
					}
				}
			} else {
				hadSpeech = true
				silenceMs = 0
				buffer = append(buffer, chunk...)
				if maxBufferBytes > 0 && len(buffer) >= maxBufferBytes {
					doFlush(ctx)
				}
			}
		}
	}
}
