package protocol

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// Version is the only protocol version this relay speaks.
const Version uint8 = 0b0001

// HeaderWords is the fixed header size in 4-byte words.
const HeaderWords uint8 = 1

const headerLen = 4

// MessageType is the 4-bit message type carried in header byte 1.
type MessageType uint8

const (
	MessageControl       MessageType = 0b0001 // full client request, JSON payload
	MessageAudioChunk    MessageType = 0b0010 // audio-only client request
	MessageFullResponse  MessageType = 0b1001
	MessageAudioResponse MessageType = 0b1011 // audio-bearing server frame
	MessageError         MessageType = 0b1111
)

func (t MessageType) String() string {
	switch t {
	case MessageControl:
		return "control"
	case MessageAudioChunk:
		return "audio_chunk"
	case MessageFullResponse:
		return "full_response"
	case MessageAudioResponse:
		return "audio_response"
	case MessageError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Serialization is the 4-bit payload serialization method.
type Serialization uint8

const (
	SerializationRaw  Serialization = 0b0000
	SerializationJSON Serialization = 0b0001
)

// Compression is the 4-bit payload compression method.
type Compression uint8

const (
	CompressionNone Compression = 0b0000
	CompressionGzip Compression = 0b0001
)

// flagEvent marks frames that carry a 4-byte event id after the header.
const flagEvent uint8 = 0b0100

var (
	ErrShortFrame = errors.New("protocol: frame shorter than header")
	ErrTruncated  = errors.New("protocol: frame truncated")
	ErrMalformed  = errors.New("protocol: malformed frame")
	ErrTooLarge   = errors.New("protocol: field exceeds 32-bit length")
)

// Frame is one message exchanged with the dialogue service.
type Frame struct {
	Version       uint8
	HeaderSize    uint8 // in 4-byte words
	Type          MessageType
	HasEvent      bool
	Serialization Serialization
	Compression   Compression
	Event         uint32
	SessionID     string
	ErrorCode     uint32 // error frames only
	Payload       []byte

	// Compressed is set by Decode when the payload is still gzip data
	// because decompression failed.
	Compressed bool
}

// carriesSessionID reports whether the session id field is on the wire.
// Connection-scoped events are sent before any session exists and omit it.
func (f Frame) carriesSessionID() bool {
	if f.Type == MessageError {
		return false
	}
	return !(f.HasEvent && IsConnectionEvent(f.Event))
}

// Encode serializes f. When Compression is gzip the payload is compressed here.
func Encode(f Frame) ([]byte, error) {
	payload := f.Payload
	if f.Compression == CompressionGzip {
		gz, err := gzipBytes(payload)
		if err != nil {
			return nil, fmt.Errorf("compress payload: %w", err)
		}
		payload = gz
	}
	if uint64(len(payload)) > math.MaxUint32 || uint64(len(f.SessionID)) > math.MaxUint32 {
		return nil, ErrTooLarge
	}

	var flags uint8
	if f.HasEvent {
		flags |= flagEvent
	}

	buf := bytes.NewBuffer(make([]byte, 0, headerLen+16+len(f.SessionID)+len(payload)))
	buf.WriteByte(Version<<4 | HeaderWords)
	buf.WriteByte(uint8(f.Type)<<4 | flags)
	buf.WriteByte(uint8(f.Serialization)<<4 | uint8(f.Compression))
	buf.WriteByte(0x00)

	if f.Type == MessageError {
		writeUint32(buf, f.ErrorCode)
	} else {
		if f.HasEvent {
			writeUint32(buf, f.Event)
		}
		if f.carriesSessionID() {
			writeUint32(buf, uint32(len(f.SessionID)))
			buf.WriteString(f.SessionID)
		}
	}
	writeUint32(buf, uint32(len(payload)))
	buf.Write(payload)
	return buf.Bytes(), nil
}

// Decode parses one frame. Input under 4 bytes yields ErrShortFrame and an
// empty frame. When a later field is cut short the fields parsed so far are
// returned together with ErrTruncated. A payload that fails to decompress is
// kept as received.
func Decode(data []byte) (f Frame, err error) {
	defer func() {
		if r := recover(); r != nil {
			f = Frame{}
			err = fmt.Errorf("%w: %v", ErrMalformed, r)
		}
	}()

	if len(data) < headerLen {
		return Frame{}, ErrShortFrame
	}

	f = Frame{
		Version:       data[0] >> 4,
		HeaderSize:    data[0] & 0x0f,
		Type:          MessageType(data[1] >> 4),
		HasEvent:      data[1]&flagEvent != 0,
		Serialization: Serialization(data[2] >> 4),
		Compression:   Compression(data[2] & 0x0f),
	}

	start := int(f.HeaderSize) * 4
	if start < headerLen {
		start = headerLen
	}
	if start > len(data) {
		return f, ErrTruncated
	}
	r := reader{buf: data[start:]}

	if f.Type == MessageError {
		code, ok := r.uint32()
		if !ok {
			return f, ErrTruncated
		}
		f.ErrorCode = code
	} else {
		if f.HasEvent {
			event, ok := r.uint32()
			if !ok {
				return f, ErrTruncated
			}
			f.Event = event
		}
		if f.carriesSessionID() {
			id, ok := r.sized()
			if !ok {
				return f, ErrTruncated
			}
			f.SessionID = string(id)
		}
	}

	payload, ok := r.sized()
	if !ok {
		return f, ErrTruncated
	}
	f.Payload = payload

	if f.Compression == CompressionGzip && len(payload) > 0 {
		plain, gzErr := gunzipBytes(payload)
		if gzErr != nil {
			f.Compressed = true
		} else {
			f.Payload = plain
		}
	}
	return f, nil
}

type reader struct {
	buf []byte
	off int
}

func (r *reader) uint32() (uint32, bool) {
	if len(r.buf)-r.off < 4 {
		return 0, false
	}
	v := binary.BigEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, true
}

// sized reads a 4-byte length followed by that many bytes.
func (r *reader) sized() ([]byte, bool) {
	n, ok := r.uint32()
	if !ok {
		return nil, false
	}
	if uint64(len(r.buf)-r.off) < uint64(n) {
		return nil, false
	}
	b := r.buf[r.off : r.off+int(n)]
	r.off += int(n)
	return b, true
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func gzipBytes(p []byte) ([]byte, error) {
	var out bytes.Buffer
	zw := gzip.NewWriter(&out)
	if _, err := zw.Write(p); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func gunzipBytes(p []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(p))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}
