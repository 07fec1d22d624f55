package audiosocket

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/google/uuid"
)

func TestReadFrame_RoundTripAudio(t *testing.T) {
	payload := make([]byte, AudioFrameBytes)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	wire, err := EncodeAudio(payload)
	if err != nil {
		t.Fatalf("EncodeAudio: %v", err)
	}

	f, err := ReadFrame(bytes.NewReader(wire))
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if f.Kind != KindAudio {
		t.Errorf("kind = %v, want audio", f.Kind)
	}
	if !bytes.Equal(f.Payload, payload) {
		t.Error("payload does not round-trip")
	}
}

func TestReadFrame_Kinds(t *testing.T) {
	callID := uuid.MustParse("7f9b6a2e-3c41-4d58-9e07-1b2a3c4d5e6f")

	tests := []struct {
		name     string
		wire     []byte
		wantKind Kind
		wantLen  int
	}{
		{"hangup", EncodeHangup(), KindHangup, 0},
		{"error with message", EncodeError("bad things"), KindError, 10},
		{"error empty", EncodeError(""), KindError, 0},
		{
			"identify binary",
			append([]byte{0x01, 0x00, 0x10}, callID[:]...),
			KindIdentify, 16,
		},
		{
			"identify ascii",
			append([]byte{0x01, 0x00, 0x24}, []byte(callID.String())...),
			KindIdentify, 36,
		},
		{"audio short tail", append([]byte{0x10, 0x00, 0x02}, 0xAB, 0xCD), KindAudio, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := ReadFrame(bytes.NewReader(tt.wire))
			if err != nil {
				t.Fatalf("ReadFrame: %v", err)
			}
			if f.Kind != tt.wantKind {
				t.Errorf("kind = %v, want %v", f.Kind, tt.wantKind)
			}
			if len(f.Payload) != tt.wantLen {
				t.Errorf("payload length = %d, want %d", len(f.Payload), tt.wantLen)
			}
		})
	}
}

func TestReadFrame_ClassifiedErrors(t *testing.T) {
	tests := []struct {
		name  string
		wire  []byte
		check func(t *testing.T, err error)
	}{
		{
			"clean eof",
			nil,
			func(t *testing.T, err error) {
				if err != io.EOF {
					t.Errorf("err = %v, want io.EOF", err)
				}
			},
		},
		{
			"truncated header",
			[]byte{0x10, 0x00},
			func(t *testing.T, err error) {
				if !errors.Is(err, ErrTruncated) {
					t.Errorf("err = %v, want ErrTruncated", err)
				}
			},
		},
		{
			"truncated payload",
			[]byte{0x10, 0x02, 0x80, 0x00}, // declares 640 bytes, delivers 1
			func(t *testing.T, err error) {
				if !errors.Is(err, ErrTruncated) {
					t.Errorf("err = %v, want ErrTruncated", err)
				}
			},
		},
		{
			"hangup with payload",
			[]byte{0x00, 0x00, 0x01, 0xAA},
			func(t *testing.T, err error) {
				var le *LengthError
				if !errors.As(err, &le) {
					t.Fatalf("err = %v, want LengthError", err)
				}
				if le.Kind != KindHangup || le.Length != 1 {
					t.Errorf("LengthError = %+v", le)
				}
			},
		},
		{
			"identify bad length",
			append([]byte{0x01, 0x00, 0x08}, make([]byte, 8)...),
			func(t *testing.T, err error) {
				var le *LengthError
				if !errors.As(err, &le) {
					t.Errorf("err = %v, want LengthError", err)
				}
			},
		},
		{
			"unknown kind skipped",
			append([]byte{0x42, 0x00, 0x03, 1, 2, 3}, EncodeHangup()...),
			func(t *testing.T, err error) {
				var uke *UnknownKindError
				if !errors.As(err, &uke) {
					t.Fatalf("err = %v, want UnknownKindError", err)
				}
				if uke.Kind != 0x42 || uke.Length != 3 {
					t.Errorf("UnknownKindError = %+v", uke)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadFrame(bytes.NewReader(tt.wire))
			if err == nil {
				t.Fatal("expected an error")
			}
			tt.check(t, err)
		})
	}
}

// A frame following a skipped unknown kind must still be readable: the decoder
// consumed exactly the declared payload.
func TestReadFrame_ResyncAfterUnknownKind(t *testing.T) {
	wire := append([]byte{0x42, 0x00, 0x03, 1, 2, 3}, EncodeHangup()...)
	r := bytes.NewReader(wire)

	_, err := ReadFrame(r)
	var uke *UnknownKindError
	if !errors.As(err, &uke) {
		t.Fatalf("first frame: err = %v, want UnknownKindError", err)
	}

	f, err := ReadFrame(r)
	if err != nil {
		t.Fatalf("second frame: %v", err)
	}
	if f.Kind != KindHangup {
		t.Errorf("second frame kind = %v, want hangup", f.Kind)
	}
}

func TestReadFrame_OversizedAudio(t *testing.T) {
	// Header declaring 65 535 bytes of audio: over the 64 kB cap.
	wire := []byte{0x10, 0xFF, 0xFF}
	_, err := ReadFrame(bytes.NewReader(wire))
	if !errors.Is(err, ErrOversized) {
		t.Errorf("err = %v, want ErrOversized", err)
	}
}

func TestEncodeAudio_Oversized(t *testing.T) {
	if _, err := EncodeAudio(make([]byte, MaxAudioPayload+1)); !errors.Is(err, ErrOversized) {
		t.Errorf("err = %v, want ErrOversized", err)
	}
}

func TestParseCallID(t *testing.T) {
	id := uuid.MustParse("7f9b6a2e-3c41-4d58-9e07-1b2a3c4d5e6f")

	tests := []struct {
		name    string
		payload []byte
		want    string
		wantErr bool
	}{
		{"binary", id[:], id.String(), false},
		{"ascii", []byte(id.String()), id.String(), false},
		{"wrong length", make([]byte, 20), "", true},
		{"garbage ascii", bytes.Repeat([]byte("x"), 36), "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCallID(tt.payload)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseCallID: %v", err)
			}
			if got != tt.want {
				t.Errorf("call id = %q, want %q", got, tt.want)
			}
		})
	}
}
