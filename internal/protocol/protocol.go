package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// Wire constants
const (
	// StopSentinel is the literal text message a peer sends at end of stream
	StopSentinel = "STOP"

	// SampleSize is the encoded size of one float32 sample
	SampleSize = 4

	// TimeLayout formats Result.Time on the wire (HH:MM:SS.ffffff)
	TimeLayout = "15:04:05.000000"
)

// Message kinds as delivered by the websocket layer. The values mirror
// gorilla/websocket's TextMessage and BinaryMessage so callers can pass the
// message type straight through.
const (
	TextMessage   = 1
	BinaryMessage = 2
)

var (
	// ErrEmptyMessage is returned for a message with no payload
	ErrEmptyMessage = errors.New("empty message")

	// ErrMisalignedPayload is returned when the decoded byte count is not a
	// multiple of the sample size
	ErrMisalignedPayload = errors.New("payload length is not a multiple of 4 bytes")
)

// Kind classifies a decoded inbound message
type Kind uint8

const (
	KindAudio Kind = iota + 1
	KindStop
)

// String returns a human-readable kind name
func (k Kind) String() string {
	switch k {
	case KindAudio:
		return "audio"
	case KindStop:
		return "stop"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Message is one decoded inbound message
type Message struct {
	Kind    Kind
	Samples []float32 // Only set for audio messages
}

// ParseMessage decodes one inbound websocket message. Text messages carry
// either the stop sentinel or base64 encoded little-endian float32 samples;
// binary messages carry the raw sample bytes.
func ParseMessage(messageType int, data []byte) (*Message, error) {
	if len(data) == 0 {
		return nil, ErrEmptyMessage
	}

	switch messageType {
	case TextMessage:
		if string(data) == StopSentinel {
			return &Message{Kind: KindStop}, nil
		}

		raw := make([]byte, base64.StdEncoding.DecodedLen(len(data)))
		n, err := base64.StdEncoding.Decode(raw, data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode base64 payload: %w", err)
		}

		samples, err := DecodeSamples(raw[:n])
		if err != nil {
			return nil, err
		}
		return &Message{Kind: KindAudio, Samples: samples}, nil

	case BinaryMessage:
		samples, err := DecodeSamples(data)
		if err != nil {
			return nil, err
		}
		return &Message{Kind: KindAudio, Samples: samples}, nil

	default:
		return nil, fmt.Errorf("unsupported message type: %d", messageType)
	}
}

// DecodeSamples converts interleaved little-endian float32 bytes to samples
func DecodeSamples(data []byte) ([]float32, error) {
	if len(data) == 0 {
		return nil, ErrEmptyMessage
	}
	if len(data)%SampleSize != 0 {
		return nil, fmt.Errorf("%w: got %d bytes", ErrMisalignedPayload, len(data))
	}

	samples := make([]float32, len(data)/SampleSize)
	for i := range samples {
		bits := binary.LittleEndian.Uint32(data[i*SampleSize:])
		samples[i] = math.Float32frombits(bits)
	}

	return samples, nil
}

// EncodeSamples converts samples to interleaved little-endian float32 bytes
func EncodeSamples(samples []float32) []byte {
	data := make([]byte, len(samples)*SampleSize)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(data[i*SampleSize:], math.Float32bits(s))
	}
	return data
}

// EncodeFrame produces the base64 text form of a frame, as sent by clients
func EncodeFrame(samples []float32) []byte {
	raw := EncodeSamples(samples)
	out := make([]byte, base64.StdEncoding.EncodedLen(len(raw)))
	base64.StdEncoding.Encode(out, raw)
	return out
}

// ResultMessage is the outbound JSON object for one transcribed segment
type ResultMessage struct {
	Time           string `json:"time"`
	TranslatedText string `json:"translatedText"`
}

// MarshalResult encodes one outbound result message. Text is written as
// plain UTF-8 without HTML escaping.
func MarshalResult(at time.Time, text string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	err := enc.Encode(ResultMessage{
		Time:           at.Format(TimeLayout),
		TranslatedText: text,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// UnmarshalResult decodes an outbound result message, as clients do
func UnmarshalResult(data []byte) (*ResultMessage, error) {
	var msg ResultMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return &msg, nil
}
