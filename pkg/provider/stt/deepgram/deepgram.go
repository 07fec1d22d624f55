// Package deepgram provides a Deepgram-backed STT provider using the Deepgram
// streaming WebSocket API. It implements the stt.Provider interface.
//
// Deepgram bounds the lifetime of a single streaming connection, so the
// session rotates its underlying WebSocket shortly before the limit. Rotation
// is invisible to the caller: audio queued during the reconnect window is
// flushed to the fresh connection and the Transcripts channel stays open.
// Transient connection errors are likewise retried in place with a short
// backoff; only repeated dial failures close the transcript stream.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/voxline-ai/voxline/pkg/provider/stt"
	"github.com/voxline-ai/voxline/pkg/types"
)

const (
	deepgramEndpoint  = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultSampleRate = 16000

	// rotateAfter is how long a single WebSocket connection is used before a
	// transparent reconnect. Deepgram enforces a session ceiling around five
	// minutes; rotating at 4m30s leaves margin for the handshake.
	rotateAfter = 4*time.Minute + 30*time.Second

	// maxDialAttempts bounds reconnect attempts per rotation before the
	// session gives up and closes the transcript stream.
	maxDialAttempts = 3
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithEndpoint overrides the streaming endpoint URL. Used in tests to point
// the provider at a local WebSocket server.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// WithRotateAfter overrides the connection rotation interval.
func WithRotateAfter(d time.Duration) Option {
	return func(p *Provider) {
		p.rotateAfter = d
	}
}

// Provider implements stt.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey      string
	model       string
	endpoint    string
	rotateAfter time.Duration
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:      apiKey,
		model:       defaultModel,
		endpoint:    deepgramEndpoint,
		rotateAfter: rotateAfter,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a streaming transcription session with Deepgram.
// It respects cfg.SampleRate, cfg.PrimaryLanguage, and cfg.AlternateLanguages.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	s := &session{
		apiKey:      p.apiKey,
		wsURL:       wsURL,
		rotateAfter: p.rotateAfter,
		out:         make(chan types.Transcript, 64),
		audio:       make(chan []byte, 256),
		done:        make(chan struct{}),
		dead:        make(chan struct{}),
	}

	// Establish the first connection synchronously so configuration errors
	// surface to the caller instead of silently closing the channel.
	conn, err := s.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	s.wg.Add(1)
	go s.run(ctx, conn)

	return s, nil
}

// buildURL constructs the Deepgram streaming endpoint URL for the given config.
func (p *Provider) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	sr := cfg.SampleRate
	if sr == 0 {
		sr = defaultSampleRate
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sr))
	q.Set("channels", "1")
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")

	if cfg.PrimaryLanguage != "" {
		q.Set("language", cfg.PrimaryLanguage)
	}
	if len(cfg.AlternateLanguages) > 0 {
		// Deepgram multi-language identification across the hinted set.
		q.Set("detect_language", "true")
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- session ----------------------------------------------------------------

// deepgramResponse is the JSON structure returned by Deepgram for a Results event.
type deepgramResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		DetectedLanguage string `json:"detected_language"`
		Alternatives     []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
			Words      []struct {
				Word       string  `json:"word"`
				Start      float64 `json:"start"`
				End        float64 `json:"end"`
				Confidence float64 `json:"confidence"`
			} `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// session is a live Deepgram streaming session. It implements
// stt.SessionHandle. The run goroutine owns the WebSocket and handles
// rotation; SendAudio only touches the buffered audio channel, so queued
// frames survive reconnects.
type session struct {
	apiKey      string
	wsURL       string
	rotateAfter time.Duration

	out   chan types.Transcript
	audio chan []byte

	// done is closed by Close; dead is closed by run on exit. SendAudio
	// selects on both so callers never block on the audio queue after the
	// stream has ended, even before Close is called.
	done chan struct{}
	dead chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// SendAudio queues a PCM audio chunk for delivery to Deepgram. It fails fast
// once the session is closed or the transcript stream has ended.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errors.New("deepgram: session is closed")
	case <-s.dead:
		return errors.New("deepgram: transcript stream ended")
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return errors.New("deepgram: session is closed")
	case <-s.dead:
		return errors.New("deepgram: transcript stream ended")
	}
}

// Transcripts returns the ordered interim+final transcript channel.
func (s *session) Transcripts() <-chan types.Transcript { return s.out }

// Close terminates the session cleanly.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
	return nil
}

// dial opens one WebSocket connection to Deepgram.
func (s *session) dial(ctx context.Context) (*websocket.Conn, error) {
	headers := http.Header{}
	headers.Set("Authorization", "Token "+s.apiKey)

	conn, _, err := websocket.Dial(ctx, s.wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	return conn, err
}

// redial retries dial with a short backoff. Returns nil when the session is
// shutting down or all attempts fail.
func (s *session) redial(ctx context.Context) *websocket.Conn {
	backoff := 250 * time.Millisecond
	for attempt := 1; attempt <= maxDialAttempts; attempt++ {
		conn, err := s.dial(ctx)
		if err == nil {
			return conn
		}
		slog.Warn("deepgram reconnect failed",
			"attempt", attempt, "error", err)

		select {
		case <-time.After(backoff):
		case <-s.done:
			return nil
		case <-ctx.Done():
			return nil
		}
		backoff *= 2
	}
	return nil
}

// run owns the WebSocket across rotations. Each epoch reads transcripts and
// writes queued audio until the rotation timer fires or the connection
// breaks; the next epoch reconnects and continues on the same channels.
func (s *session) run(ctx context.Context, conn *websocket.Conn) {
	defer s.wg.Done()
	defer close(s.out)
	defer close(s.dead)

	for {
		rotated := s.epoch(ctx, conn)

		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		default:
		}
		if !rotated {
			slog.Debug("deepgram connection lost, reconnecting")
		}

		conn = s.redial(ctx)
		if conn == nil {
			// Unrecoverable: end the transcript stream cleanly.
			slog.Error("deepgram session ending after repeated dial failures")
			return
		}
	}
}

// epoch drives one connection until rotation, error, or shutdown. The return
// value reports whether the epoch ended due to planned rotation.
func (s *session) epoch(ctx context.Context, conn *websocket.Conn) (rotated bool) {
	epochCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	rotate := time.NewTimer(s.rotateAfter)
	defer rotate.Stop()

	// Writer: queued audio → WebSocket.
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		for {
			select {
			case chunk := <-s.audio:
				if err := conn.Write(epochCtx, websocket.MessageBinary, chunk); err != nil {
					return
				}
			case <-epochCtx.Done():
				return
			case <-s.done:
				return
			}
		}
	}()

	// Reader: WebSocket → transcript channel.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			_, msg, err := conn.Read(epochCtx)
			if err != nil {
				return
			}
			t, ok := parseResponse(msg)
			if !ok {
				continue
			}
			select {
			case s.out <- t:
			case <-s.done:
				return
			case <-epochCtx.Done():
				return
			}
		}
	}()

	// The epoch ends on planned rotation, loop exit, or shutdown.
	select {
	case <-rotate.C:
		rotated = true
	case <-writeDone:
	case <-readDone:
	case <-s.done:
	case <-ctx.Done():
	}
	cancel()

	// Ask Deepgram to flush pending audio, then drop the connection.
	_ = conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"CloseStream"}`))
	conn.Close(websocket.StatusNormalClosure, "rotating")
	<-writeDone
	<-readDone
	return rotated
}

// parseResponse parses a raw Deepgram WebSocket message into a Transcript.
// Returns (zero, false) if the message should be ignored.
func parseResponse(data []byte) (types.Transcript, bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return types.Transcript{}, false
	}
	if resp.Type != "Results" {
		return types.Transcript{}, false
	}
	if len(resp.Channel.Alternatives) == 0 {
		return types.Transcript{}, false
	}

	alt := resp.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return types.Transcript{}, false
	}

	words := make([]types.WordDetail, 0, len(alt.Words))
	for _, w := range alt.Words {
		words = append(words, types.WordDetail{
			Word:       w.Word,
			Start:      time.Duration(w.Start * float64(time.Second)),
			End:        time.Duration(w.End * float64(time.Second)),
			Confidence: w.Confidence,
		})
	}

	return types.Transcript{
		Text:       alt.Transcript,
		IsFinal:    resp.IsFinal,
		Confidence: alt.Confidence,
		Language:   resp.Channel.DetectedLanguage,
		Words:      words,
	}, true
}
