package tcp

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"

	"tarun-kavipurapu/hubnet/pkg/protocol"

	"github.com/goccy/go-json"
)

// Frame layout:
// [Magic (1 byte)] + [Type (1 byte)] + [Length (4 bytes, big endian)] + [gob body]
//
// The gob body is a wireEnvelope whose payload is JSON, so any value
// encoding/json accepts can be sent without registration. Decoded payloads
// take the generic JSON shapes: objects become map[string]any, arrays
// []any and every number float64.
const (
	FrameMagic        = 0x48
	FrameTypeEnvelope = 0x01

	HeaderSize = 6

	// DefaultMaxFrameSize bounds the body length accepted by a Decoder.
	DefaultMaxFrameSize = 1 << 20
)

var ErrFrameTooLarge = errors.New("frame too large")

type wireEnvelope struct {
	Sender  string
	Type    string
	Payload []byte // JSON; empty for a nil payload
}

// EncodeFrame serializes env into a self-delimiting frame.
func EncodeFrame(env protocol.Envelope) ([]byte, error) {
	w := wireEnvelope{Sender: env.Sender, Type: env.Type}
	if env.Payload != nil {
		payload, err := json.Marshal(env.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload %q: %w", env.Type, err)
		}
		w.Payload = payload
	}

	var buf bytes.Buffer
	buf.Write(make([]byte, HeaderSize))

	if err := gob.NewEncoder(&buf).Encode(w); err != nil {
		return nil, fmt.Errorf("encode envelope %q: %w", env.Type, err)
	}

	frame := buf.Bytes()
	writeFrameHeader(frame, FrameTypeEnvelope, uint32(len(frame)-HeaderSize))
	return frame, nil
}

// CheckFrameSize returns ErrFrameTooLarge when frame's body exceeds maxFrame.
func CheckFrameSize(frame []byte, maxFrame int) error {
	if n := len(frame) - HeaderSize; n > maxFrame {
		return fmt.Errorf("%w: %d > %d bytes", ErrFrameTooLarge, n, maxFrame)
	}
	return nil
}

func writeFrameHeader(buf []byte, msgType uint8, length uint32) {
	buf[0] = FrameMagic
	buf[1] = msgType
	binary.BigEndian.PutUint32(buf[2:HeaderSize], length)
}

// readFrameHeader parses a header; ok is false when buf does not start
// with a plausible header.
func readFrameHeader(buf []byte, maxFrame int) (length int, ok bool) {
	if buf[0] != FrameMagic || buf[1] != FrameTypeEnvelope {
		return 0, false
	}
	n := binary.BigEndian.Uint32(buf[2:HeaderSize])
	if n == 0 || uint64(n) > uint64(maxFrame) {
		return 0, false
	}
	return int(n), true
}

func decodeBody(body []byte) (protocol.Envelope, error) {
	var w wireEnvelope
	if err := gob.NewDecoder(bytes.NewReader(body)).Decode(&w); err != nil {
		return protocol.Envelope{}, err
	}

	env := protocol.Envelope{Sender: w.Sender, Type: w.Type}
	if len(w.Payload) > 0 {
		if err := json.Unmarshal(w.Payload, &env.Payload); err != nil {
			return protocol.Envelope{}, fmt.Errorf("decode payload %q: %w", w.Type, err)
		}
	}
	return env, nil
}
