// Package runtimedata implements the tagged-union RuntimeData record and its
// length-prefixed binary wire codec: the only format this module promises to
// keep byte-exact across versions.
package runtimedata

import "time"

// Type tags the wire frame's variant. Values match the wire format exactly.
type Type uint8

//
// The spec's 4.A type table enumerates 1=Audio 2=Video 3=Text 4=Tensor
// 5=Control 6=Numpy 7=File but the data model (section 3) also names Json
// and Binary as distinct variants with no assigned tag. Resolved here by
// giving them tags 8 and 9: Numpy
// shares Tensor's payload layout (same struct, distinct tag for origin
// tracking), Json and Binary get their own minimal payloads.
const (
	TypeAudio   Type = 1
	TypeVideo   Type = 2
	TypeText    Type = 3
	TypeTensor  Type = 4
	TypeControl Type = 5
	TypeNumpy   Type = 6
	TypeFile    Type = 7
	TypeJson    Type = 8
	TypeBinary  Type = 9
)

// PixelFormat enumerates supported raw video pixel layouts.
type PixelFormat uint8

const (
	PixelFormatRaw PixelFormat = iota
	PixelFormatRGB24
	PixelFormatYUV420P
	PixelFormatNV12
)

// VideoCodec enumerates the bitstream codec carried by a Video frame.
type VideoCodec uint8

const (
	CodecRaw VideoCodec = iota
	CodecVP8
	CodecH264
	CodecAV1
)

// Audio is raw interleaved f32 PCM. SampleRate and Channels are established
// out-of-band by the first Audio value constructed for a stream — the wire
// payload itself carries only sample data (Open Question 1, resolved in
// DESIGN.md).
type Audio struct {
	Samples      []float32
	SampleRate   uint32
	Channels     uint16
	SessionID    string
	StreamID     string
	TimestampUs  uint64
	ArrivalTsUs  uint64
}

// Video carries either raw pixels or an encoded bitstream, tagged by Codec.
type Video struct {
	PixelData   []byte
	Width       uint32
	Height      uint32
	Format      PixelFormat
	Codec       VideoCodec
	FrameNumber uint64
	IsKeyframe  bool
	SessionID   string
	StreamID    string
	TimestampUs uint64
}

// Text is a UTF-8 payload with optional encoding/format metadata.
type Text struct {
	Data        string
	Encoding    string
	Format      string
	SessionID   string
	TimestampUs uint64
}

// Tensor is a raw-byte buffer plus shape/strides/dtype metadata. Payload is
// not interpreted by the codec; it is passed through byte-for-byte.
type Tensor struct {
	Data        []byte
	Shape       []uint64
	Strides     []int64
	Dtype       string
	CContig     bool
	FContig     bool
	SessionID   string
	TimestampUs uint64
}

// Json carries a small JSON-encoded value, typically control/result payloads.
type Json struct {
	Data        []byte // raw JSON document
	SessionID   string
	TimestampUs uint64
}

// Binary is an opaque byte payload with no further structure.
type Binary struct {
	Data        []byte
	SessionID   string
	TimestampUs uint64
}

// ControlMessage carries cancellation/speculation control as a JSON document.
type ControlMessage struct {
	MessageType string
	SegmentID   string // empty means absent
	TimestampMs uint64
	Metadata    []byte // raw JSON, may be nil
	SessionID   string
	TimestampUs uint64
}

// File is a reference to file content, not the content itself. Zero values
// for Size/Offset/Length mean "unspecified" on the wire.
type File struct {
	Path        string
	Filename    string // empty means absent
	MimeType    string // empty means absent
	Size        uint64
	Offset      uint64
	Length      uint64
	StreamID    string // empty means absent
	SessionID   string
	TimestampUs uint64
}

// Now returns the current wall-clock time in microseconds since the Unix
// epoch, the unit every RuntimeData timestamp field uses.
func Now() uint64 {
	return uint64(time.Now().UnixMicro())
}
