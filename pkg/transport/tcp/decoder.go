package tcp

import (
	"tarun-kavipurapu/hubnet/pkg/protocol"
)

// Decoder is a streaming frame parser. Bytes are pushed in with Feed in
// whatever pieces the connection delivers them; complete envelopes are
// pulled out with Next.
//
// Recovery rule for corrupt input: when the buffered bytes do not start
// with a valid header (wrong magic or type, zero length, or a length
// above the limit) one byte is discarded and the scan restarts, so the
// stream resynchronizes on the next valid header. A frame whose header is
// valid but whose body fails to decode is dropped as a whole and parsing
// continues at the following frame boundary.
type Decoder struct {
	buf      []byte
	off      int
	maxFrame int

	skipped int // bytes discarded while resynchronizing
	dropped int // complete frames with undecodable bodies
}

func NewDecoder(maxFrame int) *Decoder {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}
	return &Decoder{maxFrame: maxFrame}
}

// Feed appends p to the decoder's buffer. p may be reused by the caller.
func (d *Decoder) Feed(p []byte) {
	if d.off > 0 && d.off == len(d.buf) {
		d.buf = d.buf[:0]
		d.off = 0
	} else if d.off > len(d.buf)/2 {
		n := copy(d.buf, d.buf[d.off:])
		d.buf = d.buf[:n]
		d.off = 0
	}
	d.buf = append(d.buf, p...)
}

// Next returns the next complete envelope, or false when more input is
// needed.
func (d *Decoder) Next() (protocol.Envelope, bool) {
	for {
		pending := d.buf[d.off:]
		if len(pending) < HeaderSize {
			return protocol.Envelope{}, false
		}

		length, ok := readFrameHeader(pending, d.maxFrame)
		if !ok {
			d.off++
			d.skipped++
			continue
		}
		if len(pending) < HeaderSize+length {
			return protocol.Envelope{}, false
		}

		body := pending[HeaderSize : HeaderSize+length]
		d.off += HeaderSize + length

		env, err := decodeBody(body)
		if err != nil {
			d.dropped++
			continue
		}
		return env, true
	}
}

// Buffered returns the number of bytes waiting for the rest of a frame.
func (d *Decoder) Buffered() int {
	return len(d.buf) - d.off
}

// Skipped returns how many bytes were discarded while resynchronizing.
func (d *Decoder) Skipped() int {
	return d.skipped
}

// Dropped returns how many framed bodies failed to decode.
func (d *Decoder) Dropped() int {
	return d.dropped
}
