// Package audiosocket implements the PBX ingress wire protocol.
//
// Each frame on the wire is [kind: 1 byte][length: 2 bytes big-endian
// unsigned][payload: length bytes]. Audio frames carry 20 ms of 16 kHz /
// 16-bit / little-endian / mono PCM (640 bytes). Frames are fully buffered
// before they are handed to the caller.
//
// The decoder classifies every malformed input: a truncated stream yields
// [ErrTruncated], an oversized payload yields [ErrOversized], a length outside
// the kind's allowed set yields a [*LengthError] (fatal for the connection),
// and a kind outside the declared set yields a [*UnknownKindError] after the
// declared payload has been consumed so the caller can skip it and continue.
package audiosocket

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
)

// Kind is the one-byte frame type discriminator.
type Kind byte

const (
	// KindHangup signals call termination. Length must be 0.
	KindHangup Kind = 0x00

	// KindIdentify is the first frame of a call, carrying the call UUID as
	// either 16 raw bytes or a 36-byte ASCII representation.
	KindIdentify Kind = 0x01

	// KindAudio carries raw PCM samples. The expected payload is 640 bytes
	// (20 ms at 16 kHz mono 16-bit), but shorter tail frames are accepted.
	KindAudio Kind = 0x10

	// KindError carries an optional UTF-8 diagnostic message.
	KindError Kind = 0xFF
)

// String returns the human-readable name of the kind.
func (k Kind) String() string {
	switch k {
	case KindHangup:
		return "hangup"
	case KindIdentify:
		return "identify"
	case KindAudio:
		return "audio"
	case KindError:
		return "error"
	default:
		return fmt.Sprintf("unknown(0x%02X)", byte(k))
	}
}

const (
	// headerSize is the fixed [kind][length] prefix length.
	headerSize = 3

	// MaxAudioPayload is the largest accepted audio payload (64 kB). Larger
	// frames are a protocol violation that closes the connection.
	MaxAudioPayload = 64_000

	// AudioFrameBytes is the nominal payload size of one 20 ms audio frame:
	// 16 000 Hz × 2 bytes × 0.020 s.
	AudioFrameBytes = 640

	identifyBinaryLen = 16
	identifyASCIILen  = 36
)

// FrameDuration is the wall-clock duration covered by one nominal audio
// frame. The pipeline paces outbound playback at this cadence.
const FrameDuration = 20 * time.Millisecond

// ErrTruncated is returned when the stream ends mid-frame.
var ErrTruncated = errors.New("audiosocket: truncated frame")

// ErrOversized is returned for audio payloads larger than [MaxAudioPayload].
var ErrOversized = errors.New("audiosocket: oversized audio payload")

// UnknownKindError reports a frame whose kind byte is outside the declared
// set. The payload has already been consumed from the stream, so the caller
// may log a warning and continue reading.
type UnknownKindError struct {
	Kind   byte
	Length int
}

func (e *UnknownKindError) Error() string {
	return fmt.Sprintf("audiosocket: unknown frame kind 0x%02X (length %d)", e.Kind, e.Length)
}

// LengthError reports a declared length that is inconsistent with the frame
// kind's allowed set. This is a fatal protocol error: the stream position can
// no longer be trusted and the connection must be closed.
type LengthError struct {
	Kind   Kind
	Length int
}

func (e *LengthError) Error() string {
	return fmt.Sprintf("audiosocket: invalid length %d for %s frame", e.Length, e.Kind)
}

// Frame is a single fully buffered wire frame.
type Frame struct {
	Kind    Kind
	Payload []byte
}

// ReadFrame reads and fully buffers the next frame from r.
//
// The error is classified as documented on the package: [ErrTruncated],
// [ErrOversized], [*LengthError], [*UnknownKindError], or an underlying I/O
// error. io.EOF is returned unwrapped when the stream ends cleanly between
// frames.
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			return Frame{}, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrTruncated
		}
		return Frame{}, fmt.Errorf("audiosocket: read header: %w", err)
	}

	kind := Kind(hdr[0])
	length := int(binary.BigEndian.Uint16(hdr[1:3]))

	switch kind {
	case KindHangup:
		if length != 0 {
			return Frame{}, &LengthError{Kind: kind, Length: length}
		}
	case KindIdentify:
		if length != identifyBinaryLen && length != identifyASCIILen {
			return Frame{}, &LengthError{Kind: kind, Length: length}
		}
	case KindAudio:
		if length > MaxAudioPayload {
			return Frame{}, ErrOversized
		}
	case KindError:
		// Any length up to the 16-bit maximum is a valid diagnostic payload.
	default:
		// Consume the declared payload so the caller can resynchronise.
		if length > 0 {
			if _, err := io.CopyN(io.Discard, r, int64(length)); err != nil {
				return Frame{}, ErrTruncated
			}
		}
		return Frame{}, &UnknownKindError{Kind: byte(kind), Length: length}
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, ErrTruncated
		}
	}
	return Frame{Kind: kind, Payload: payload}, nil
}

// EncodeAudio wraps a PCM payload in an audio frame. Payloads larger than
// [MaxAudioPayload] return [ErrOversized].
func EncodeAudio(payload []byte) ([]byte, error) {
	if len(payload) > MaxAudioPayload {
		return nil, ErrOversized
	}
	return encode(KindAudio, payload), nil
}

// EncodeError wraps a UTF-8 diagnostic message in an error frame. Messages
// longer than the 16-bit length field allows are truncated.
func EncodeError(msg string) []byte {
	b := []byte(msg)
	if len(b) > 0xFFFF {
		b = b[:0xFFFF]
	}
	return encode(KindError, b)
}

// EncodeHangup returns the 3-byte hangup frame.
func EncodeHangup() []byte {
	return encode(KindHangup, nil)
}

// encode builds [kind][len BE][payload].
func encode(kind Kind, payload []byte) []byte {
	buf := make([]byte, headerSize+len(payload))
	buf[0] = byte(kind)
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(payload)))
	copy(buf[headerSize:], payload)
	return buf
}

// ParseCallID extracts the call UUID from an Identify frame payload,
// accepting both the 16-byte binary and 36-byte ASCII encodings.
func ParseCallID(payload []byte) (string, error) {
	switch len(payload) {
	case identifyBinaryLen:
		id, err := uuid.FromBytes(payload)
		if err != nil {
			return "", fmt.Errorf("audiosocket: parse binary call id: %w", err)
		}
		return id.String(), nil
	case identifyASCIILen:
		id, err := uuid.Parse(string(payload))
		if err != nil {
			return "", fmt.Errorf("audiosocket: parse ascii call id: %w", err)
		}
		return id.String(), nil
	default:
		return "", &LengthError{Kind: KindIdentify, Length: len(payload)}
	}
}
