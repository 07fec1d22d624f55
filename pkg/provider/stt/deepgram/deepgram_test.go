package deepgram

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/voxline-ai/voxline/pkg/provider/stt"
)

// ---- URL / query-param tests ----

func TestBuildURL_Defaults(t *testing.T) {
	p, err := New("test-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(stt.StreamConfig{SampleRate: 16000})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	q := u.Query()

	assertEqual(t, "model", "nova-3", q.Get("model"))
	assertEqual(t, "encoding", "linear16", q.Get("encoding"))
	assertEqual(t, "sample_rate", "16000", q.Get("sample_rate"))
	assertEqual(t, "channels", "1", q.Get("channels"))
	assertEqual(t, "punctuate", "true", q.Get("punctuate"))
	assertEqual(t, "interim_results", "true", q.Get("interim_results"))
}

func TestBuildURL_Languages(t *testing.T) {
	p, err := New("key", WithModel("base"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(stt.StreamConfig{
		SampleRate:         16000,
		PrimaryLanguage:    "nl",
		AlternateLanguages: []string{"en", "de"},
	})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, _ := url.Parse(rawURL)
	q := u.Query()

	assertEqual(t, "model", "base", q.Get("model"))
	assertEqual(t, "language", "nl", q.Get("language"))
	assertEqual(t, "detect_language", "true", q.Get("detect_language"))
}

func TestBuildURL_NoLanguageDetection(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(stt.StreamConfig{SampleRate: 16000, PrimaryLanguage: "nl"})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, _ := url.Parse(rawURL)
	if _, ok := u.Query()["detect_language"]; ok {
		t.Error("expected no 'detect_language' param without alternate languages")
	}
}

// ---- JSON parsing tests ----

func TestParseResponse_Final(t *testing.T) {
	raw := []byte(`{
		"type": "Results",
		"is_final": true,
		"channel": {
			"detected_language": "nl",
			"alternatives": [{
				"transcript": "ik zoek winterbanden",
				"confidence": 0.95,
				"words": [
					{"word": "ik", "start": 0.1, "end": 0.3, "confidence": 0.97},
					{"word": "zoek", "start": 0.4, "end": 0.8, "confidence": 0.93}
				]
			}]
		}
	}`)

	tr, ok := parseResponse(raw)
	if !ok {
		t.Fatal("expected ok=true for valid Results message")
	}

	if !tr.IsFinal {
		t.Error("expected IsFinal=true")
	}
	assertEqual(t, "text", "ik zoek winterbanden", tr.Text)
	assertEqual(t, "language", "nl", tr.Language)
	if tr.Confidence != 0.95 {
		t.Errorf("expected confidence 0.95, got %f", tr.Confidence)
	}
	if len(tr.Words) != 2 {
		t.Fatalf("expected 2 words, got %d", len(tr.Words))
	}
	assertEqual(t, "word[0]", "ik", tr.Words[0].Word)
	if tr.Words[0].Start != time.Duration(0.1*float64(time.Second)) {
		t.Errorf("unexpected start: %v", tr.Words[0].Start)
	}
}

func TestParseResponse_Interim(t *testing.T) {
	raw := []byte(`{
		"type": "Results",
		"is_final": false,
		"channel": {
			"alternatives": [{"transcript": "ik zoek", "confidence": 0.7, "words": []}]
		}
	}`)

	tr, ok := parseResponse(raw)
	if !ok {
		t.Fatal("expected ok=true")
	}
	if tr.IsFinal {
		t.Error("expected IsFinal=false for interim result")
	}
	assertEqual(t, "text", "ik zoek", tr.Text)
}

func TestParseResponse_Ignored(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"non-results type", `{"type":"Metadata","request_id":"abc"}`},
		{"empty alternatives", `{"type":"Results","is_final":true,"channel":{"alternatives":[]}}`},
		{"empty transcript", `{"type":"Results","channel":{"alternatives":[{"transcript":""}]}}`},
		{"invalid json", `{invalid`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, ok := parseResponse([]byte(tc.raw)); ok {
				t.Errorf("expected ok=false for %s", tc.name)
			}
		})
	}
}

// ---- Constructor tests ----

func TestNew_EmptyAPIKey(t *testing.T) {
	_, err := New("")
	if err == nil {
		t.Error("expected error for empty API key")
	}
}

func TestNew_Defaults(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	assertEqual(t, "model", defaultModel, p.model)
	assertEqual(t, "endpoint", deepgramEndpoint, p.endpoint)
	if p.rotateAfter != rotateAfter {
		t.Errorf("expected rotateAfter %v, got %v", rotateAfter, p.rotateAfter)
	}
}

// ---- live session tests ----

// echoServer is a minimal stand-in for the Deepgram streaming endpoint. Every
// binary (audio) message is answered with a final Results transcript naming
// the connection it arrived on, so tests can observe rotation. Once maxConns
// connections have been accepted, further upgrade attempts are refused.
type echoServer struct {
	maxConns int

	mu    sync.Mutex
	conns int
}

func (e *echoServer) handler(w http.ResponseWriter, r *http.Request) {
	e.mu.Lock()
	if e.maxConns > 0 && e.conns >= e.maxConns {
		e.mu.Unlock()
		http.Error(w, "no more connections", http.StatusServiceUnavailable)
		return
	}
	e.conns++
	n := e.conns
	e.mu.Unlock()

	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer c.Close(websocket.StatusNormalClosure, "")

	ctx := r.Context()
	for {
		typ, _, err := c.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageBinary {
			// CloseStream control message.
			return
		}
		resp := fmt.Sprintf(
			`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"conn %d","confidence":0.9}]}}`, n)
		if err := c.Write(ctx, websocket.MessageText, []byte(resp)); err != nil {
			return
		}
	}
}

func (e *echoServer) connCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conns
}

// startSession spins up the echo server and opens a streaming session
// against it.
func startSession(t *testing.T, srv *echoServer, opts ...Option) stt.SessionHandle {
	t.Helper()

	ts := httptest.NewServer(http.HandlerFunc(srv.handler))
	t.Cleanup(ts.Close)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	p, err := New("test-key", append([]Option{WithEndpoint(wsURL)}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	sess, err := p.StartStream(context.Background(), stt.StreamConfig{SampleRate: 16000})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	t.Cleanup(func() { sess.Close() })
	return sess
}

// pump feeds audio chunks until stop is closed or SendAudio fails.
func pump(sess stt.SessionHandle, stop <-chan struct{}) {
	chunk := make([]byte, 640)
	for {
		select {
		case <-stop:
			return
		case <-time.After(5 * time.Millisecond):
			if err := sess.SendAudio(chunk); err != nil {
				return
			}
		}
	}
}

func TestSession_RotationKeepsTranscriptsOpen(t *testing.T) {
	srv := &echoServer{}
	sess := startSession(t, srv, WithRotateAfter(60*time.Millisecond))

	stop := make(chan struct{})
	defer close(stop)
	go pump(sess, stop)

	// Transcripts must keep flowing on the same channel after the session
	// rotates onto its second connection.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case tr, ok := <-sess.Transcripts():
			if !ok {
				t.Fatal("transcript channel closed during rotation")
			}
			if tr.Text == "conn 2" {
				if srv.connCount() < 2 {
					t.Fatalf("saw conn 2 transcript but server counted %d connections", srv.connCount())
				}
				return
			}
		case <-deadline:
			t.Fatalf("no post-rotation transcript after %d connections", srv.connCount())
		}
	}
}

func TestSession_DialFailureClosesStream(t *testing.T) {
	// One connection only: the first rotation's redial is refused every
	// attempt, so the session must end the transcript stream cleanly.
	srv := &echoServer{maxConns: 1}
	sess := startSession(t, srv, WithRotateAfter(30*time.Millisecond))

	stop := make(chan struct{})
	defer close(stop)
	go pump(sess, stop)

	deadline := time.After(10 * time.Second)
	for {
		select {
		case _, ok := <-sess.Transcripts():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("transcript channel never closed after redial failure")
		}
	}
}

func TestSession_SendAudioFailsFastAfterStreamDeath(t *testing.T) {
	srv := &echoServer{maxConns: 1}
	sess := startSession(t, srv, WithRotateAfter(30*time.Millisecond))

	// Wait for the stream to die.
	deadline := time.After(10 * time.Second)
drain:
	for {
		select {
		case _, ok := <-sess.Transcripts():
			if !ok {
				break drain
			}
		case <-deadline:
			t.Fatal("transcript channel never closed")
		}
	}

	// Well past the audio queue's capacity: every call must return an error
	// immediately instead of blocking on a queue nobody drains.
	chunk := make([]byte, 640)
	for i := 0; i < 300; i++ {
		if err := sess.SendAudio(chunk); err == nil {
			t.Fatalf("SendAudio %d: expected error after stream death", i)
		}
	}
}

func TestSession_SendAudioAfterClose(t *testing.T) {
	srv := &echoServer{}
	sess := startSession(t, srv)

	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sess.SendAudio(make([]byte, 640)); err == nil {
		t.Error("expected error from SendAudio after Close")
	}
	if err := sess.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestStartStream_DialError(t *testing.T) {
	p, err := New("key", WithEndpoint("ws://127.0.0.1:1/listen"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.StartStream(context.Background(), stt.StreamConfig{SampleRate: 16000}); err == nil {
		t.Error("expected error when the endpoint is unreachable")
	}
}

// ---- helpers ----

func assertEqual(t *testing.T, label, want, got string) {
	t.Helper()
	if want != got {
		t.Errorf("%s: want %q, got %q", label, want, got)
	}
}
