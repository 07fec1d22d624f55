// Package pipeline runs one live call end to end: it binds the PBX
// connection, the STT stream, the dialogue agent, and the TTS synthesiser
// together and drives the session state machine.
//
// Each call runs two cooperating goroutines under one errgroup. The ingress
// loop reads wire frames and feeds audio to the recogniser; the dialogue
// loop consumes transcripts, dispatches finals to the agent, and paces
// synthesised replies back to the caller one 20 ms frame per tick. Barge-in,
// silence handling, operator transfer, and teardown all happen here.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voxline-ai/voxline/internal/agent"
	"github.com/voxline-ai/voxline/internal/audiosocket"
	"github.com/voxline-ai/voxline/internal/observe"
	"github.com/voxline-ai/voxline/internal/session"
	"github.com/voxline-ai/voxline/internal/transcript"
	"github.com/voxline-ai/voxline/pkg/provider/stt"
	"github.com/voxline-ai/voxline/pkg/provider/tts"
	"github.com/voxline-ai/voxline/pkg/types"

	"go.opentelemetry.io/otel/metric/noop"
)

const (
	defaultSilenceTimeout     = 10 * time.Second
	defaultMaxSilenceTimeouts = 2
)

// Sentinels used to unwind the errgroup without reporting a failure.
var (
	errHangup = errors.New("pipeline: hangup")
	errEnded  = errors.New("pipeline: call ended")
)

// TurnHandler is the slice of the dialogue agent the pipeline depends on.
// [agent.Agent] implements it.
type TurnHandler interface {
	HandleUserTurn(ctx context.Context, sess *session.Session, utterance string) (agent.Turn, error)
}

// Config assembles the collaborators for one call. Conn must already have
// completed the Identify handshake; the pipeline owns it from here on.
type Config struct {
	Conn   net.Conn
	CallID string

	STT       stt.Provider
	STTConfig stt.StreamConfig
	TTS       tts.Provider
	Voice     types.VoiceSpec
	Agent     TurnHandler

	// Normalizer rewrites final transcripts before dispatch. Optional.
	Normalizer *transcript.Normalizer

	Store   session.Store
	Metrics *observe.Metrics
	Logger  *slog.Logger

	// SilenceTimeout is the listening-state inactivity window.
	// Defaults to 10 s.
	SilenceTimeout time.Duration

	// MaxSilenceTimeouts ends the call after this many consecutive
	// timeouts. Defaults to 2.
	MaxSilenceTimeouts int

	// FrameInterval is the playback pacing tick. Defaults to
	// [audiosocket.FrameDuration]; tests shorten it.
	FrameInterval time.Duration
}

// Pipeline drives one call. Create with [New], run with [Run].
type Pipeline struct {
	cfg  Config
	sess *session.Session
	log  *slog.Logger

	drainOnce sync.Once
	drain     chan struct{}

	// pending holds final transcripts captured while the bot was speaking.
	// They are dispatched, in order, before the next channel read.
	pending []types.Transcript

	// lastInterim is when the current utterance's latest interim transcript
	// arrived. Only touched from the dialogue goroutine.
	lastInterim time.Time

	ttsFailures int
	outcome     string
}

// New validates cfg and returns a ready-to-run Pipeline.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Conn == nil {
		return nil, errors.New("pipeline: Conn is required")
	}
	if cfg.CallID == "" {
		return nil, errors.New("pipeline: CallID is required")
	}
	if cfg.STT == nil || cfg.TTS == nil {
		return nil, errors.New("pipeline: STT and TTS providers are required")
	}
	if cfg.Agent == nil {
		return nil, errors.New("pipeline: Agent is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("pipeline: Store is required")
	}
	if cfg.SilenceTimeout <= 0 {
		cfg.SilenceTimeout = defaultSilenceTimeout
	}
	if cfg.MaxSilenceTimeouts <= 0 {
		cfg.MaxSilenceTimeouts = defaultMaxSilenceTimeouts
	}
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = audiosocket.FrameDuration
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		m, err := observe.NewMetrics(noop.NewMeterProvider())
		if err != nil {
			return nil, fmt.Errorf("pipeline: init metrics: %w", err)
		}
		cfg.Metrics = m
	}

	return &Pipeline{
		cfg:   cfg,
		log:   cfg.Logger.With("call_id", cfg.CallID),
		drain: make(chan struct{}),
	}, nil
}

// Shutdown asks the pipeline to wind the call down: the caller hears the
// transfer phrase, the session moves through Transferring, and Run returns.
// Safe to call more than once and before Run.
func (p *Pipeline) Shutdown() {
	p.drainOnce.Do(func() { close(p.drain) })
}

// Session exposes the live session for the server's registry and tests.
// Nil until Run has started.
func (p *Pipeline) Session() *session.Session { return p.sess }

// Run executes the call until hangup, fatal error, silence policy, transfer,
// or shutdown. It guarantees on every exit path that the STT stream is
// closed, the connection is closed, the session has reached Ended, and the
// KV mirror entry is deleted.
func (p *Pipeline) Run(ctx context.Context) error {
	start := time.Now()
	p.sess = session.New(p.cfg.CallID)
	p.cfg.Metrics.CallStarted(ctx)
	p.saveSession(ctx)

	var sttSess stt.SessionHandle
	defer func() {
		_ = p.sess.Transition(session.StateEnded)
		if sttSess != nil {
			if err := sttSess.Close(); err != nil {
				p.log.Warn("closing stt session", "error", err)
			}
		}
		_, _ = p.cfg.Conn.Write(audiosocket.EncodeHangup())
		_ = p.cfg.Conn.Close()

		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		if err := p.cfg.Store.Delete(dctx, p.cfg.CallID); err != nil {
			p.log.Warn("deleting session key", "error", err)
		}
		p.cfg.Metrics.CallEnded(dctx, p.outcome, time.Since(start))
		cancel()
		p.log.Info("call ended", "outcome", p.outcome, "duration", time.Since(start))
	}()

	sttSess, err := p.cfg.STT.StartStream(ctx, p.cfg.STTConfig)
	if err != nil {
		p.log.Error("starting stt stream", "error", err)
		p.cfg.Metrics.RecordProviderError(ctx, "stt", "start")
		p.speakBestEffort(ctx, nil, PhraseTechnicalIssue)
		p.outcome = "stt_failure"
		return fmt.Errorf("pipeline: start stt stream: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.ingress(gctx, sttSess) })
	g.Go(func() error { return p.dialogue(gctx, sttSess.Transcripts()) })
	g.Go(func() error {
		// The ingress read does not observe ctx; poke it loose on cancel.
		<-gctx.Done()
		_ = p.cfg.Conn.SetReadDeadline(time.Now())
		return nil
	})

	err = g.Wait()
	switch {
	case err == nil, errors.Is(err, errEnded):
		if p.outcome == "" {
			p.outcome = "completed"
		}
		return nil
	case errors.Is(err, errHangup):
		if p.outcome == "" {
			p.outcome = "hangup"
		}
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		if p.outcome == "" {
			p.outcome = "cancelled"
		}
		return nil
	default:
		p.outcome = "error"
		return err
	}
}

// ingress reads wire frames from the connection and feeds audio to the
// recogniser until hangup, protocol error, or cancellation.
func (p *Pipeline) ingress(ctx context.Context, sttSess stt.SessionHandle) error {
	for {
		frame, err := audiosocket.ReadFrame(p.cfg.Conn)

		var unknown *audiosocket.UnknownKindError
		switch {
		case err == nil:
		case errors.As(err, &unknown):
			p.log.Warn("skipping unknown frame kind", "kind", unknown.Kind, "length", unknown.Length)
			continue
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), errors.Is(err, os.ErrDeadlineExceeded):
			return errHangup
		default:
			p.log.Warn("protocol error on ingress", "error", err)
			return fmt.Errorf("pipeline: read frame: %w", err)
		}

		switch frame.Kind {
		case audiosocket.KindAudio:
			p.cfg.Metrics.FramesIn.Add(ctx, 1)
			if err := sttSess.SendAudio(frame.Payload); err != nil {
				p.log.Warn("stt rejected audio chunk", "error", err)
			}
		case audiosocket.KindHangup:
			p.log.Info("hangup from pbx")
			return errHangup
		case audiosocket.KindError:
			p.log.Warn("error frame from pbx", "message", string(frame.Payload))
			return errHangup
		case audiosocket.KindIdentify:
			p.log.Warn("ignoring duplicate identify frame")
		}
	}
}

// dialogue greets the caller and then processes transcripts until the call
// ends. Interim transcripts only reset the silence timer; finals become
// agent turns.
func (p *Pipeline) dialogue(ctx context.Context, transcripts <-chan types.Transcript) error {
	if err := p.sess.Transition(session.StateGreeting); err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	p.saveSession(ctx)
	if _, err := p.speak(ctx, transcripts, PhraseGreeting); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.cfg.Metrics.RecordProviderError(ctx, "tts", "synthesize")
		return p.transfer(ctx, transcripts, "tts_failure")
	}
	if err := p.sess.Transition(session.StateListening); err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	p.saveSession(ctx)

	silence := time.NewTimer(p.cfg.SilenceTimeout)
	defer silence.Stop()

	for {
		// Finals captured during playback are turns in their own right.
		if len(p.pending) > 0 {
			tr := p.pending[0]
			p.pending = p.pending[1:]
			if err := p.handleTurn(ctx, transcripts, tr); err != nil {
				return err
			}
			resetTimer(silence, p.cfg.SilenceTimeout)
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-p.drain:
			p.log.Info("shutdown drain requested")
			return p.transfer(ctx, transcripts, "shutdown")

		case <-silence.C:
			p.cfg.Metrics.SilenceTimeouts.Add(ctx, 1)
			n := p.sess.RecordTimeout()
			if n >= p.cfg.MaxSilenceTimeouts {
				p.log.Info("ending call after consecutive silence timeouts", "count", n)
				p.speakBestEffort(ctx, transcripts, PhraseFarewell)
				p.outcome = "silence"
				return errEnded
			}
			p.speakBestEffort(ctx, transcripts, PhraseSilence)
			resetTimer(silence, p.cfg.SilenceTimeout)

		case tr, ok := <-transcripts:
			if !ok {
				p.log.Error("stt transcript stream closed mid-call")
				p.cfg.Metrics.RecordProviderError(ctx, "stt", "stream")
				return p.transfer(ctx, nil, "stt_failure")
			}
			p.sess.Touch()
			p.refreshActivity(ctx)
			resetTimer(silence, p.cfg.SilenceTimeout)
			if !tr.IsFinal {
				p.lastInterim = time.Now()
				continue
			}
			if err := p.handleTurn(ctx, transcripts, tr); err != nil {
				return err
			}
			resetTimer(silence, p.cfg.SilenceTimeout)
		}
	}
}

// handleTurn runs one user turn: normalise, agent, speak the reply.
func (p *Pipeline) handleTurn(ctx context.Context, transcripts <-chan types.Transcript, tr types.Transcript) error {
	if !p.lastInterim.IsZero() {
		p.cfg.Metrics.RecordSTT(ctx, time.Since(p.lastInterim))
		p.lastInterim = time.Time{}
	}

	text := tr.Text
	if p.cfg.Normalizer != nil {
		text = p.cfg.Normalizer.Normalize(text)
	}
	p.log.Debug("dispatching user turn", "text", text)

	if err := p.sess.Transition(session.StateProcessing); err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	p.saveSession(ctx)

	turnStart := time.Now()
	turn, err := p.cfg.Agent.HandleUserTurn(ctx, p.sess, text)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.log.Error("agent turn failed", "error", err)
		return p.transfer(ctx, transcripts, "agent_failure")
	}
	if turn.Transfer {
		return p.transfer(ctx, transcripts, "transfer")
	}

	if err := p.sess.Transition(session.StateSpeaking); err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	p.saveSession(ctx)
	p.cfg.Metrics.TurnDuration.Record(ctx, time.Since(turnStart).Seconds())

	if _, err := p.speak(ctx, transcripts, turn.Reply); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.cfg.Metrics.RecordProviderError(ctx, "tts", "synthesize")
		p.ttsFailures++
		if p.ttsFailures > 1 {
			return p.transfer(ctx, transcripts, "tts_failure")
		}
		// One-off synthesis failure: the hold phrase is warmed in the
		// cache, so it plays even with the provider down.
		p.speakBestEffort(ctx, transcripts, PhraseHold)
	}

	if err := p.sess.Transition(session.StateListening); err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	p.saveSession(ctx)
	return nil
}

// transfer plays the transfer phrase, moves the session through
// Transferring, and ends the call. reason becomes the recorded outcome.
func (p *Pipeline) transfer(ctx context.Context, transcripts <-chan types.Transcript, reason string) error {
	p.outcome = reason
	if err := p.toSpeaking(); err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	p.saveSession(ctx)
	p.speakBestEffort(ctx, transcripts, PhraseTransfer)
	if err := p.sess.Transition(session.StateTransferring); err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	p.saveSession(ctx)
	return errEnded
}

// toSpeaking walks the session to Speaking along legal edges so a phrase can
// be played from any non-terminal state.
func (p *Pipeline) toSpeaking() error {
	for p.sess.State() != session.StateSpeaking {
		var next session.State
		switch p.sess.State() {
		case session.StateConnected:
			next = session.StateGreeting
		case session.StateGreeting:
			next = session.StateListening
		case session.StateListening:
			next = session.StateProcessing
		case session.StateProcessing:
			next = session.StateSpeaking
		default:
			return fmt.Errorf("pipeline: cannot speak from state %q", p.sess.State())
		}
		if err := p.sess.Transition(next); err != nil {
			return err
		}
	}
	return nil
}

// speak synthesises text and paces it to the caller one frame per tick.
// A transcript arriving mid-playback is a barge-in: playback stops, queued
// chunks are discarded, and a final transcript is queued as the next turn.
// The returned bool reports whether playback was interrupted.
func (p *Pipeline) speak(ctx context.Context, transcripts <-chan types.Transcript, text string) (bool, error) {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	synthStart := time.Now()
	chunks, err := p.cfg.TTS.SynthesizeStream(sctx, text, p.cfg.Voice)
	if err != nil {
		return false, fmt.Errorf("pipeline: synthesize: %w", err)
	}
	p.cfg.Metrics.RecordTTS(ctx, time.Since(synthStart))

	ticker := time.NewTicker(p.cfg.FrameInterval)
	defer ticker.Stop()

	var buf []byte
	open := true
	for {
		if !open && len(buf) == 0 {
			return false, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()

		case c, ok := <-chunks:
			if !ok {
				open = false
				continue
			}
			buf = append(buf, c...)

		case tr, ok := <-transcripts:
			if !ok {
				transcripts = nil // keep playing; dialogue handles the closure
				continue
			}
			p.sess.Touch()
			p.cfg.Metrics.BargeIns.Add(ctx, 1)
			p.log.Debug("barge-in, stopping playback", "is_final", tr.IsFinal)
			if tr.IsFinal {
				p.pending = append(p.pending, tr)
			} else {
				p.lastInterim = time.Now()
			}
			cancel()
			if open {
				go func() { // discard whatever the synthesiser already queued
					for range chunks {
					}
				}()
			}
			return true, nil

		case <-ticker.C:
			if len(buf) == 0 {
				continue // synthesiser not keeping up; skip the tick
			}
			n := min(len(buf), audiosocket.AudioFrameBytes)
			frame, ferr := audiosocket.EncodeAudio(buf[:n])
			if ferr != nil {
				return false, fmt.Errorf("pipeline: encode frame: %w", ferr)
			}
			buf = buf[n:]
			if _, werr := p.cfg.Conn.Write(frame); werr != nil {
				return false, fmt.Errorf("pipeline: write audio: %w", werr)
			}
			p.cfg.Metrics.FramesOut.Add(ctx, 1)
		}
	}
}

// speakBestEffort plays a phrase and only logs on failure. Used on paths
// where the call is ending anyway.
func (p *Pipeline) speakBestEffort(ctx context.Context, transcripts <-chan types.Transcript, text string) {
	if _, err := p.speak(ctx, transcripts, text); err != nil && ctx.Err() == nil {
		p.log.Warn("playing phrase failed", "error", err)
	}
}

func (p *Pipeline) saveSession(ctx context.Context) {
	if err := p.cfg.Store.Save(ctx, p.sess); err != nil && ctx.Err() == nil {
		p.log.Warn("saving session", "error", err)
	}
}

func (p *Pipeline) refreshActivity(ctx context.Context) {
	if err := p.cfg.Store.RefreshActivity(ctx, p.sess); err != nil && ctx.Err() == nil {
		p.log.Warn("refreshing session activity", "error", err)
	}
}

// resetTimer restarts t for d, draining a stale fire if needed.
func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
