package pipeline

import (
	"context"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/voxline-ai/voxline/internal/agent"
	"github.com/voxline-ai/voxline/internal/audiosocket"
	"github.com/voxline-ai/voxline/internal/session"
	"github.com/voxline-ai/voxline/internal/transcript"
	sttmock "github.com/voxline-ai/voxline/pkg/provider/stt/mock"
	ttsmock "github.com/voxline-ai/voxline/pkg/provider/tts/mock"
	"github.com/voxline-ai/voxline/pkg/types"
)

// scriptedAgent returns canned turns in order and records the utterances it
// was dispatched.
type scriptedAgent struct {
	mu         sync.Mutex
	turns      []agent.Turn
	utterances []string
}

func (a *scriptedAgent) HandleUserTurn(_ context.Context, _ *session.Session, utterance string) (agent.Turn, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.utterances = append(a.utterances, utterance)
	if len(a.turns) == 0 {
		return agent.Turn{Reply: "Anything else?"}, nil
	}
	t := a.turns[0]
	a.turns = a.turns[1:]
	return t, nil
}

func (a *scriptedAgent) Utterances() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.utterances...)
}

// frameSink reads wire frames from the client end of the pipe so pipeline
// writes never block, counting audio frames until the connection closes.
type frameSink struct {
	mu     sync.Mutex
	audio  int
	hangup bool
	done   chan struct{}
}

func newFrameSink(conn net.Conn) *frameSink {
	s := &frameSink{done: make(chan struct{})}
	go func() {
		defer close(s.done)
		for {
			frame, err := audiosocket.ReadFrame(conn)
			if err != nil {
				return
			}
			s.mu.Lock()
			switch frame.Kind {
			case audiosocket.KindAudio:
				s.audio++
			case audiosocket.KindHangup:
				s.hangup = true
			}
			s.mu.Unlock()
		}
	}()
	return s
}

func (s *frameSink) AudioFrames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audio
}

func (s *frameSink) SawHangup() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hangup
}

type fixture struct {
	pipe    *Pipeline
	client  net.Conn
	sink    *frameSink
	sttSess *sttmock.Session
	ttsProv *ttsmock.Provider
	agent   *scriptedAgent
	store   *session.MemoryStore
	runErr  chan error
}

// startPipeline wires a pipeline against mocks and runs it in the
// background. The returned fixture's client end simulates the PBX.
func startPipeline(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()

	server, client := net.Pipe()
	sttSess := &sttmock.Session{TranscriptsCh: make(chan types.Transcript, 16)}
	ttsProv := &ttsmock.Provider{BytesPerChar: 64}
	ag := &scriptedAgent{}
	store := session.NewMemoryStore()

	cfg := Config{
		Conn:               server,
		CallID:             "2f1e8a34-9c41-4d6e-8f2a-0b1c2d3e4f50",
		STT:                &sttmock.Provider{Session: sttSess},
		TTS:                ttsProv,
		Agent:              ag,
		Store:              store,
		Logger:             slog.New(slog.NewTextHandler(io.Discard, nil)),
		SilenceTimeout:     2 * time.Second,
		MaxSilenceTimeouts: 2,
		FrameInterval:      time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	f := &fixture{
		pipe:    p,
		client:  client,
		sink:    newFrameSink(client),
		sttSess: sttSess,
		ttsProv: ttsProv,
		agent:   ag,
		store:   store,
		runErr:  make(chan error, 1),
	}
	go func() { f.runErr <- p.Run(t.Context()) }()
	t.Cleanup(func() { client.Close() })
	return f
}

// waitDone blocks until Run returns, failing the test on timeout.
func (f *fixture) waitDone(t *testing.T) error {
	t.Helper()
	select {
	case err := <-f.runErr:
		<-f.sink.done
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("pipeline did not finish in time")
		return nil
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func final(text string) types.Transcript {
	return types.Transcript{Text: text, IsFinal: true, Confidence: 0.95}
}

func interim(text string) types.Transcript {
	return types.Transcript{Text: text, IsFinal: false, Confidence: 0.5}
}

func (f *fixture) hangupFromPBX(t *testing.T) {
	t.Helper()
	if _, err := f.client.Write(audiosocket.EncodeHangup()); err != nil {
		t.Fatalf("write hangup: %v", err)
	}
}

func TestGreetingThenTurn(t *testing.T) {
	f := startPipeline(t, nil)

	// The greeting plays before any user input.
	waitFor(t, "greeting audio", func() bool { return f.sink.AudioFrames() > 0 })
	waitFor(t, "greeting call", func() bool { return f.ttsProv.CallCount() >= 1 })

	f.sttSess.TranscriptsCh <- final("do you have winter tyres")
	waitFor(t, "agent dispatch", func() bool { return len(f.agent.Utterances()) == 1 })
	if got := f.agent.Utterances()[0]; got != "do you have winter tyres" {
		t.Errorf("utterance = %q", got)
	}

	// Reply playback brings the session back to Listening.
	waitFor(t, "listening state", func() bool {
		return f.pipe.Session().State() == session.StateListening && f.ttsProv.CallCount() >= 2
	})

	f.hangupFromPBX(t)
	if err := f.waitDone(t); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if f.pipe.Session().State() != session.StateEnded {
		t.Errorf("final state = %q, want ended", f.pipe.Session().State())
	}
	if f.sttSess.CloseCallCount == 0 {
		t.Error("stt session was not closed")
	}
	if f.store.Len() != 0 {
		t.Errorf("session key not deleted, store has %d entries", f.store.Len())
	}
}

func TestIngressFeedsAudioToSTT(t *testing.T) {
	f := startPipeline(t, nil)

	chunk := make([]byte, audiosocket.AudioFrameBytes)
	frame, err := audiosocket.EncodeAudio(chunk)
	if err != nil {
		t.Fatalf("EncodeAudio: %v", err)
	}
	if _, err := f.client.Write(frame); err != nil {
		t.Fatalf("write audio: %v", err)
	}

	waitFor(t, "audio forwarded", func() bool { return f.sttSess.SendAudioCallCount() >= 1 })

	f.hangupFromPBX(t)
	if err := f.waitDone(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestBargeInStopsPlayback(t *testing.T) {
	f := startPipeline(t, func(cfg *Config) {
		cfg.FrameInterval = 5 * time.Millisecond
	})
	// A long reply: enough PCM that playback takes seconds at 5 ms/frame.
	longReply := strings.Repeat("All our seasonal tyres are in stock today. ", 20)
	f.agent.mu.Lock()
	f.agent.turns = []agent.Turn{{Reply: longReply}, {Reply: "Sure."}}
	f.agent.mu.Unlock()

	waitFor(t, "greeting done", func() bool { return f.ttsProv.CallCount() >= 1 })
	f.sttSess.TranscriptsCh <- final("tell me about your stock")
	waitFor(t, "reply playing", func() bool { return f.pipe.Session().State() == session.StateSpeaking })

	// The caller interrupts: interim first, then the final utterance.
	f.sttSess.TranscriptsCh <- interim("wait")
	waitFor(t, "back to listening", func() bool {
		return f.pipe.Session().State() == session.StateListening
	})

	f.sttSess.TranscriptsCh <- final("wait, do you also fit them")
	waitFor(t, "fresh turn dispatched", func() bool { return len(f.agent.Utterances()) == 2 })
	if got := f.agent.Utterances()[1]; got != "wait, do you also fit them" {
		t.Errorf("post-barge-in utterance = %q", got)
	}

	f.hangupFromPBX(t)
	if err := f.waitDone(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestFinalDuringPlaybackBecomesNextTurn(t *testing.T) {
	f := startPipeline(t, func(cfg *Config) {
		cfg.FrameInterval = 5 * time.Millisecond
	})
	longReply := strings.Repeat("We stock every major brand and size. ", 20)
	f.agent.mu.Lock()
	f.agent.turns = []agent.Turn{{Reply: longReply}, {Reply: "Of course."}}
	f.agent.mu.Unlock()

	waitFor(t, "greeting done", func() bool { return f.ttsProv.CallCount() >= 1 })
	f.sttSess.TranscriptsCh <- final("what do you stock")
	waitFor(t, "reply playing", func() bool { return f.pipe.Session().State() == session.StateSpeaking })

	// A final mid-playback both interrupts and is dispatched as the next turn.
	f.sttSess.TranscriptsCh <- final("and michelin specifically")
	waitFor(t, "queued turn dispatched", func() bool { return len(f.agent.Utterances()) == 2 })
	if got := f.agent.Utterances()[1]; got != "and michelin specifically" {
		t.Errorf("queued utterance = %q", got)
	}

	f.hangupFromPBX(t)
	if err := f.waitDone(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestSilencePolicyEndsCall(t *testing.T) {
	f := startPipeline(t, func(cfg *Config) {
		cfg.SilenceTimeout = 150 * time.Millisecond
	})

	if err := f.waitDone(t); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Greeting, silence prompt, farewell.
	calls := f.ttsProv.Calls
	if len(calls) != 3 {
		t.Fatalf("tts calls = %d, want 3 (%v)", len(calls), calls)
	}
	if calls[1].Text != PhraseSilence {
		t.Errorf("second phrase = %q, want silence prompt", calls[1].Text)
	}
	if calls[2].Text != PhraseFarewell {
		t.Errorf("third phrase = %q, want farewell", calls[2].Text)
	}
	if f.store.Len() != 0 {
		t.Error("session key not deleted after silence hangup")
	}
	if !f.sink.SawHangup() {
		t.Error("no hangup frame sent to the pbx")
	}
}

func TestSpeechResetsSilenceCounter(t *testing.T) {
	f := startPipeline(t, func(cfg *Config) {
		cfg.SilenceTimeout = 300 * time.Millisecond
	})

	// Let one timeout fire, then speak; the counter must reset so the next
	// timeout prompts again instead of ending the call.
	waitFor(t, "first silence prompt", func() bool { return f.ttsProv.CallCount() >= 2 })
	f.sttSess.TranscriptsCh <- final("sorry, I am here")
	waitFor(t, "turn handled", func() bool { return len(f.agent.Utterances()) == 1 })

	// Greeting, prompt, reply, then a second prompt after renewed silence.
	waitFor(t, "second silence prompt", func() bool { return f.ttsProv.CallCount() >= 4 })

	if f.pipe.Session().State() == session.StateEnded {
		t.Fatal("call ended even though speech reset the silence counter")
	}

	f.hangupFromPBX(t)
	if err := f.waitDone(t); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var prompts int
	for _, c := range f.ttsProv.Calls {
		if c.Text == PhraseSilence {
			prompts++
		}
	}
	if prompts < 2 {
		t.Errorf("silence prompts = %d, want at least 2", prompts)
	}
}

func TestOperatorTransferEndsCall(t *testing.T) {
	f := startPipeline(t, nil)
	f.agent.mu.Lock()
	f.agent.turns = []agent.Turn{{Transfer: true}}
	f.agent.mu.Unlock()

	waitFor(t, "greeting done", func() bool { return f.ttsProv.CallCount() >= 1 })
	f.sttSess.TranscriptsCh <- final("I want to speak to a human")

	if err := f.waitDone(t); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var sawTransfer bool
	for _, c := range f.ttsProv.Calls {
		if c.Text == PhraseTransfer {
			sawTransfer = true
		}
	}
	if !sawTransfer {
		t.Error("transfer phrase was not played")
	}
	if f.store.Len() != 0 {
		t.Error("session key not deleted after transfer")
	}
}

func TestSTTStreamDeathTransfers(t *testing.T) {
	f := startPipeline(t, nil)

	waitFor(t, "greeting done", func() bool { return f.ttsProv.CallCount() >= 1 })
	close(f.sttSess.TranscriptsCh)

	if err := f.waitDone(t); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var sawTransfer bool
	for _, c := range f.ttsProv.Calls {
		if c.Text == PhraseTransfer {
			sawTransfer = true
		}
	}
	if !sawTransfer {
		t.Error("transfer phrase was not played after stt stream death")
	}
}

func TestShutdownDrains(t *testing.T) {
	f := startPipeline(t, nil)

	waitFor(t, "greeting done", func() bool { return f.ttsProv.CallCount() >= 1 })
	f.pipe.Shutdown()

	if err := f.waitDone(t); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var sawTransfer bool
	for _, c := range f.ttsProv.Calls {
		if c.Text == PhraseTransfer {
			sawTransfer = true
		}
	}
	if !sawTransfer {
		t.Error("transfer phrase was not played on shutdown")
	}
	if f.pipe.Session().State() != session.StateEnded {
		t.Errorf("state = %q, want ended", f.pipe.Session().State())
	}
}

func TestNormalizerRewritesFinals(t *testing.T) {
	f := startPipeline(t, func(cfg *Config) {
		cfg.Normalizer = transcript.New([]string{"Hankook", "Continental"})
	})

	waitFor(t, "greeting done", func() bool { return f.ttsProv.CallCount() >= 1 })
	f.sttSess.TranscriptsCh <- final("two fifteen fifty five are seventeen from han cook")

	waitFor(t, "turn dispatched", func() bool { return len(f.agent.Utterances()) == 1 })
	got := f.agent.Utterances()[0]
	if !strings.Contains(got, "215/55R17") {
		t.Errorf("size not canonicalised: %q", got)
	}
	if !strings.Contains(got, "Hankook") {
		t.Errorf("brand not corrected: %q", got)
	}

	f.hangupFromPBX(t)
	if err := f.waitDone(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestAgentFailureTransfers(t *testing.T) {
	f := startPipeline(t, func(cfg *Config) {
		cfg.Agent = failingAgent{}
	})

	waitFor(t, "greeting done", func() bool { return f.ttsProv.CallCount() >= 1 })
	f.sttSess.TranscriptsCh <- final("hello")

	if err := f.waitDone(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if f.store.Len() != 0 {
		t.Error("session key not deleted after agent failure")
	}
}

type failingAgent struct{}

func (failingAgent) HandleUserTurn(context.Context, *session.Session, string) (agent.Turn, error) {
	return agent.Turn{}, context.DeadlineExceeded
}

func TestNewValidation(t *testing.T) {
	server, _ := net.Pipe()
	defer server.Close()

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing conn", func(c *Config) { c.Conn = nil }},
		{"missing call id", func(c *Config) { c.CallID = "" }},
		{"missing stt", func(c *Config) { c.STT = nil }},
		{"missing tts", func(c *Config) { c.TTS = nil }},
		{"missing agent", func(c *Config) { c.Agent = nil }},
		{"missing store", func(c *Config) { c.Store = nil }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Config{
				Conn:   server,
				CallID: "id",
				STT:    &sttmock.Provider{},
				TTS:    &ttsmock.Provider{},
				Agent:  &scriptedAgent{},
				Store:  session.NewMemoryStore(),
			}
			tc.mutate(&cfg)
			if _, err := New(cfg); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}
