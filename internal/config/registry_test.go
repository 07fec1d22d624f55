package config

import (
	"errors"
	"testing"

	"github.com/voxline-ai/voxline/pkg/provider/stt"
	sttmock "github.com/voxline-ai/voxline/pkg/provider/stt/mock"
	"github.com/voxline-ai/voxline/pkg/provider/tts"
	ttsmock "github.com/voxline-ai/voxline/pkg/provider/tts/mock"
)

func TestRegistryCreateSTT(t *testing.T) {
	r := NewRegistry()
	r.RegisterSTT("mock", func(cfg STTConfig) (stt.Provider, error) {
		return &sttmock.Provider{}, nil
	})

	p, err := r.CreateSTT(STTConfig{Provider: "mock"})
	if err != nil {
		t.Fatalf("CreateSTT: %v", err)
	}
	if p == nil {
		t.Fatal("CreateSTT returned nil provider")
	}
}

func TestRegistryUnregisteredProvider(t *testing.T) {
	r := NewRegistry()

	_, err := r.CreateTTS(TTSConfig{Provider: "ghost"})
	if !errors.Is(err, ErrProviderNotRegistered) {
		t.Fatalf("err = %v, want ErrProviderNotRegistered", err)
	}
}

func TestRegistryOverwrite(t *testing.T) {
	r := NewRegistry()

	first := &ttsmock.Provider{}
	second := &ttsmock.Provider{}
	r.RegisterTTS("mock", func(cfg TTSConfig) (tts.Provider, error) { return first, nil })
	r.RegisterTTS("mock", func(cfg TTSConfig) (tts.Provider, error) { return second, nil })

	p, err := r.CreateTTS(TTSConfig{Provider: "mock"})
	if err != nil {
		t.Fatalf("CreateTTS: %v", err)
	}
	if p != tts.Provider(second) {
		t.Error("later registration did not overwrite earlier one")
	}
}

func TestRegistryFactoryReceivesConfig(t *testing.T) {
	r := NewRegistry()

	var got STTConfig
	r.RegisterSTT("mock", func(cfg STTConfig) (stt.Provider, error) {
		got = cfg
		return &sttmock.Provider{}, nil
	})

	in := STTConfig{Provider: "mock", APIKey: "key", PrimaryLanguage: "de"}
	if _, err := r.CreateSTT(in); err != nil {
		t.Fatalf("CreateSTT: %v", err)
	}
	if got.APIKey != "key" || got.PrimaryLanguage != "de" {
		t.Errorf("factory received %+v, want %+v", got, in)
	}
}
