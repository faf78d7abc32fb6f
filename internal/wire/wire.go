// Package wire encodes and decodes the intercom's wire payloads.
//
// Every payload is a single frame:
//
//	[tag:1][bodyLen:4 big-endian][body]
//
// The leading tag selects the payload kind. Decoders drop frames with a tag
// they do not know ([ErrUnknownTag]) so newer peers can introduce payload
// kinds without breaking older ones. A body whose declared length does not
// match the bytes present is rejected with [ErrMalformedFrame]; there is no
// partial interpretation.
//
// Encoding is stateless: the same [Message] always produces the same bytes.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/chatterhouse/pkg/audio"
	"github.com/MrWong99/chatterhouse/pkg/mesh"
)

// Tag identifies the payload kind carried by a frame.
type Tag uint8

const (
	TagStart  Tag = 0x01
	TagStop   Tag = 0x02
	TagChime  Tag = 0x03
	TagBuffer Tag = 0x10
)

// String returns the tag name.
func (t Tag) String() string {
	switch t {
	case TagStart:
		return "start"
	case TagStop:
		return "stop"
	case TagChime:
		return "chime"
	case TagBuffer:
		return "buffer"
	default:
		return fmt.Sprintf("tag(0x%02x)", uint8(t))
	}
}

const (
	headerLen = 5
	maxField  = 255
	// MaxBody bounds a frame body. Larger declared lengths are malformed.
	MaxBody = 1 << 20
)

var (
	// ErrMalformedFrame is returned for truncated frames, length mismatches
	// and invalid field values.
	ErrMalformedFrame = errors.New("wire: malformed frame")

	// ErrUnknownTag is returned for well-formed frames with an unrecognised
	// tag. Callers drop such frames.
	ErrUnknownTag = errors.New("wire: unknown tag")

	// ErrInvalidMessage is returned by the encoder for values that cannot be
	// represented on the wire.
	ErrInvalidMessage = errors.New("wire: invalid message")
)

// Message is a decoded payload: a [*Control] or a [*Frame].
type Message interface {
	Tag() Tag
	Sender() mesh.PeerID
}

// ControlKind is the kind of a [Control] message.
type ControlKind uint8

const (
	ControlStart ControlKind = iota + 1
	ControlStop
	ControlChime
)

// String returns the kind name.
func (k ControlKind) String() string {
	switch k {
	case ControlStart:
		return "start"
	case ControlStop:
		return "stop"
	case ControlChime:
		return "chime"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

func (k ControlKind) tag() (Tag, bool) {
	switch k {
	case ControlStart:
		return TagStart, true
	case ControlStop:
		return TagStop, true
	case ControlChime:
		return TagChime, true
	}
	return 0, false
}

// Control marks the start or end of a broadcast session, or asks receivers
// to chime. It carries no audio.
type Control struct {
	SenderID  mesh.PeerID
	Kind      ControlKind
	From      string // display name, for chimes and logs only
	Timestamp time.Time
}

// Tag implements [Message].
func (c *Control) Tag() Tag {
	t, _ := c.Kind.tag()
	return t
}

// Sender implements [Message].
func (c *Control) Sender() mesh.PeerID { return c.SenderID }

// Frame is one fixed-size unit of captured audio.
type Frame struct {
	SenderID mesh.PeerID
	From     string
	Sequence uint64
	Format   audio.Format
	Payload  []byte
}

// Tag implements [Message].
func (f *Frame) Tag() Tag { return TagBuffer }

// Sender implements [Message].
func (f *Frame) Sender() mesh.PeerID { return f.SenderID }

// ─── Encoding ────────────────────────────────────────────────────────────────

// Encode returns the wire form of msg.
func Encode(msg Message) ([]byte, error) {
	return Append(nil, msg)
}

// Append appends the wire form of msg to dst and returns the extended slice.
// On error dst is returned unchanged.
func Append(dst []byte, msg Message) ([]byte, error) {
	switch m := msg.(type) {
	case *Control:
		return appendControl(dst, m)
	case *Frame:
		return appendFrame(dst, m)
	case nil:
		return dst, fmt.Errorf("%w: nil message", ErrInvalidMessage)
	default:
		return dst, fmt.Errorf("%w: unsupported type %T", ErrInvalidMessage, msg)
	}
}

func appendControl(dst []byte, c *Control) ([]byte, error) {
	tag, ok := c.Kind.tag()
	if !ok {
		return dst, fmt.Errorf("%w: control kind %d", ErrInvalidMessage, c.Kind)
	}
	if err := checkFields(c.SenderID, c.From); err != nil {
		return dst, err
	}
	body := 1 + len(c.SenderID) + 1 + len(c.From) + 8
	out := appendHeader(dst, tag, body)
	out = appendIdentity(out, c.SenderID, c.From)
	out = binary.BigEndian.AppendUint64(out, uint64(unixNano(c.Timestamp)))
	return out, nil
}

func appendFrame(dst []byte, f *Frame) ([]byte, error) {
	if err := checkFields(f.SenderID, f.From); err != nil {
		return dst, err
	}
	if err := checkFormat(f.Format); err != nil {
		return dst, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	if err := checkPayload(f.Format, len(f.Payload)); err != nil {
		return dst, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	body := 1 + len(f.SenderID) + 1 + len(f.From) + 8 + 1 + 4 + 1 + len(f.Payload)
	if body > MaxBody {
		return dst, fmt.Errorf("%w: body of %d bytes exceeds %d", ErrInvalidMessage, body, MaxBody)
	}
	out := appendHeader(dst, TagBuffer, body)
	out = appendIdentity(out, f.SenderID, f.From)
	out = binary.BigEndian.AppendUint64(out, f.Sequence)
	out = append(out, byte(f.Format.Encoding))
	out = binary.BigEndian.AppendUint32(out, uint32(f.Format.SampleRate))
	out = append(out, byte(f.Format.Channels))
	out = append(out, f.Payload...)
	return out, nil
}

func appendHeader(dst []byte, tag Tag, bodyLen int) []byte {
	dst = append(dst, byte(tag))
	return binary.BigEndian.AppendUint32(dst, uint32(bodyLen))
}

func appendIdentity(dst []byte, id mesh.PeerID, from string) []byte {
	dst = append(dst, byte(len(id)))
	dst = append(dst, id...)
	dst = append(dst, byte(len(from)))
	return append(dst, from...)
}

func checkFields(id mesh.PeerID, from string) error {
	if len(id) > maxField {
		return fmt.Errorf("%w: sender id longer than %d bytes", ErrInvalidMessage, maxField)
	}
	if len(from) > maxField {
		return fmt.Errorf("%w: display name longer than %d bytes", ErrInvalidMessage, maxField)
	}
	return nil
}

func checkFormat(f audio.Format) error {
	if !f.Encoding.IsValid() {
		return fmt.Errorf("encoding %d", f.Encoding)
	}
	if f.SampleRate <= 0 || int64(f.SampleRate) > int64(^uint32(0)) {
		return fmt.Errorf("sample rate %d", f.SampleRate)
	}
	if f.Channels < 1 || f.Channels > 2 {
		return fmt.Errorf("channels %d", f.Channels)
	}
	return nil
}

// checkPayload rejects PCM payloads that split a sample frame.
func checkPayload(f audio.Format, n int) error {
	if f.Encoding == audio.EncodingPCM16 && n%(2*f.Channels) != 0 {
		return fmt.Errorf("pcm payload of %d bytes is not a whole number of %d-channel samples", n, f.Channels)
	}
	return nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

// ─── Decoding ────────────────────────────────────────────────────────────────

// Decode parses one frame. The returned [*Frame] payload aliases data.
func Decode(data []byte) (Message, error) {
	if len(data) < headerLen {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the header", ErrMalformedFrame, len(data))
	}
	tag := Tag(data[0])
	declared := binary.BigEndian.Uint32(data[1:headerLen])
	body := data[headerLen:]
	if declared > MaxBody || uint64(declared) != uint64(len(body)) {
		return nil, fmt.Errorf("%w: declared body %d bytes, got %d", ErrMalformedFrame, declared, len(body))
	}

	switch tag {
	case TagStart:
		return decodeControl(ControlStart, body)
	case TagStop:
		return decodeControl(ControlStop, body)
	case TagChime:
		return decodeControl(ControlChime, body)
	case TagBuffer:
		return decodeFrame(body)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownTag, tag)
	}
}

// reader walks a frame body. Any short read latches failed.
type reader struct {
	b      []byte
	failed bool
}

func (r *reader) take(n int) []byte {
	if r.failed || n > len(r.b) {
		r.failed = true
		return nil
	}
	out := r.b[:n]
	r.b = r.b[n:]
	return out
}

func (r *reader) byte1() byte {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) str() string {
	return string(r.take(int(r.byte1())))
}

func (r *reader) uint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *reader) uint64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func decodeControl(kind ControlKind, body []byte) (Message, error) {
	r := reader{b: body}
	c := &Control{Kind: kind}
	c.SenderID = mesh.PeerID(r.str())
	c.From = r.str()
	ns := int64(r.uint64())
	if r.failed {
		return nil, fmt.Errorf("%w: truncated %s body", ErrMalformedFrame, kind)
	}
	if len(r.b) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes in %s body", ErrMalformedFrame, len(r.b), kind)
	}
	if ns != 0 {
		c.Timestamp = time.Unix(0, ns).UTC()
	}
	return c, nil
}

func decodeFrame(body []byte) (Message, error) {
	r := reader{b: body}
	f := &Frame{}
	f.SenderID = mesh.PeerID(r.str())
	f.From = r.str()
	f.Sequence = r.uint64()
	f.Format.Encoding = audio.Encoding(r.byte1())
	f.Format.SampleRate = int(r.uint32())
	f.Format.Channels = int(r.byte1())
	if r.failed {
		return nil, fmt.Errorf("%w: truncated buffer body", ErrMalformedFrame)
	}
	if err := checkFormat(f.Format); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	if err := checkPayload(f.Format, len(r.b)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	if len(r.b) > 0 {
		f.Payload = r.b
	}
	return f, nil
}
