package dime

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// FrameHeaderSize is the fixed portion of every frame: 4 bytes of magic plus
// two 32-bit big-endian lengths.
const FrameHeaderSize = 4 + 4 + 4

// magic is the literal 4-byte tag every frame begins with.
var magic = [4]byte{'D', 'i', 'M', 'E'}

// MaxFrameBytes bounds the combined header+body size the decoder will
// buffer for a single frame. The spec requires accepting bodies of at least
// 200 MiB; 256 MiB leaves headroom while still rejecting a hostile or
// corrupt length pair before it can exhaust memory.
var MaxFrameBytes uint32 = 256 << 20

// Header is the JSON control object carried by every frame. It is kept as a
// generic map, not a fixed struct, so that header keys the server doesn't
// interpret are forwarded unchanged (spec §6: "The server forwards unknown
// header keys unchanged").
type Header map[string]any

// Command returns the frame's "command" field, or "" if absent/not a string.
func (h Header) Command() string {
	s, _ := h["command"].(string)
	return s
}

// Status returns the frame's "status" field as an int, defaulting to 0.
func (h Header) Status() int {
	switch v := h["status"].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

// IsMeta reports whether this is a server->client meta-frame.
func (h Header) IsMeta() bool {
	b, _ := h["meta"].(bool)
	return b
}

// Names returns the "name" field normalized to a slice of strings; "name"
// may be a single string or an array of strings on the wire.
func (h Header) Names() []string {
	switch v := h["name"].(type) {
	case string:
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// N returns the "n" field as an int and whether it was present and numeric.
func (h Header) N() (int, bool) {
	switch v := h["n"].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	default:
		return 0, false
	}
}

// Frame is a single wire message: a JSON control header plus an opaque
// binary body. The body is never inspected by routing logic (spec §4.4's
// "Serialization format is opaque" note).
type Frame struct {
	Header Header
	Body   []byte
}

// clone returns a deep-enough copy of f so that mutating the returned value
// (or its Header) never affects f. Used when routing into a client's
// outbox so entries never alias the frame a sender built (spec §3's
// "frames are value-copied on route" lifecycle note).
func (f Frame) clone() Frame {
	h := make(Header, len(f.Header))
	for k, v := range f.Header {
		h[k] = v
	}
	var body []byte
	if f.Body != nil {
		body = make([]byte, len(f.Body))
		copy(body, f.Body)
	}
	return Frame{Header: h, Body: body}
}

// statusFrame builds a simple {status: code} response, optionally merged
// with extra fields (e.g. "error", "n", "devices", "serialization").
func statusFrame(code int, extra Header) Frame {
	h := Header{"status": code}
	for k, v := range extra {
		h[k] = v
	}
	return Frame{Header: h}
}

func errorFrame(msg string) Frame {
	return statusFrame(-1, Header{"error": msg})
}

// Encode writes f to dst in the bit-exact wire format from spec §4.1:
//
//	offset  size  field
//	0       4     magic "DiME"
//	4       4     jlen (big-endian uint32)
//	8       4     blen (big-endian uint32)
//	12      jlen  JSON header bytes
//	12+jlen blen  binary body
func Encode(dst *bytes.Buffer, f Frame) error {
	jsonBytes, err := json.Marshal(f.Header)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}

	dst.Grow(FrameHeaderSize + len(jsonBytes) + len(f.Body))
	dst.Write(magic[:])

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(jsonBytes)))
	dst.Write(lenBuf[:])
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(f.Body)))
	dst.Write(lenBuf[:])

	dst.Write(jsonBytes)
	dst.Write(f.Body)
	return nil
}

// Decoder incrementally reassembles frames from a byte stream. Callers feed
// it raw bytes as they arrive (Feed) and repeatedly call TryDecode until it
// reports no frame is ready, matching the connection endpoint's
// try_read_frame contract: zero or more frames may be available per read,
// so callers must loop.
type Decoder struct {
	buf bytes.Buffer
}

// Feed appends newly read bytes to the decoder's accumulator.
func (d *Decoder) Feed(p []byte) {
	d.buf.Write(p)
}

// TryDecode attempts to decode one complete frame from the accumulator.
// ok=false, err=nil means "not enough bytes buffered yet, try again after
// the next read". A non-nil err is fatal: bad magic, malformed JSON, or a
// frame larger than MaxFrameBytes. The caller must close the connection
// without attempting resynchronization, per spec §4.1.
func (d *Decoder) TryDecode() (frame Frame, ok bool, err error) {
	buffered := d.buf.Bytes()
	if len(buffered) < FrameHeaderSize {
		return Frame{}, false, nil
	}

	if !bytes.Equal(buffered[:4], magic[:]) {
		return Frame{}, false, ErrBadMagic
	}

	jlen := binary.BigEndian.Uint32(buffered[4:8])
	blen := binary.BigEndian.Uint32(buffered[8:12])

	total := uint64(FrameHeaderSize) + uint64(jlen) + uint64(blen)
	if total > uint64(MaxFrameBytes) {
		return Frame{}, false, ErrFrameTooLarge
	}

	if uint64(len(buffered)) < total {
		return Frame{}, false, nil
	}

	jsonBytes := buffered[FrameHeaderSize : FrameHeaderSize+jlen]
	body := buffered[FrameHeaderSize+jlen : total]

	var header Header
	if err := json.Unmarshal(jsonBytes, &header); err != nil {
		return Frame{}, false, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}

	// Copy the body out before Next() invalidates the slice backing it.
	bodyCopy := make([]byte, len(body))
	copy(bodyCopy, body)

	d.buf.Next(int(total))

	return Frame{Header: header, Body: bodyCopy}, true, nil
}
