package runtimedata

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"

	"github.com/n0remac/streamgraph/runtimeerr"
)

// Frame is the fully decoded wire envelope: a type tag, session ID,
// timestamp and opaque payload. Decode returns a Frame; the per-variant
// Decode* helpers interpret Payload further.
type Frame struct {
	Type        Type
	SessionID   string
	TimestampUs uint64
	Payload     []byte
}

// fixedHeaderMinLen is type(1)+session_id_len(2)+timestamp_us(8)+payload_len(4)
// with a zero-length session id: the smallest frame that can be decoded.
const fixedHeaderMinLen = 1 + 2 + 8 + 4

// Encode serializes f into the wire format:
//
//	type(1) | session_id_len(2) | session_id(N) | timestamp_us(8) | payload_len(4) | payload(M)
func Encode(f Frame) []byte {
	sid := []byte(f.SessionID)
	buf := make([]byte, 0, 1+2+len(sid)+8+4+len(f.Payload))
	buf = append(buf, byte(f.Type))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(sid)))
	buf = append(buf, sid...)
	buf = binary.LittleEndian.AppendUint64(buf, f.TimestampUs)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(f.Payload)))
	buf = append(buf, f.Payload...)
	return buf
}

// Decode parses a wire frame, rejecting anything shorter than the fixed
// header minimum, an invalid type tag, or a payload_len that overruns the
// buffer.
func Decode(b []byte) (Frame, error) {
	if len(b) < fixedHeaderMinLen {
		return Frame{}, runtimeerr.MalformedFrame("header", fmt.Sprintf("frame too short: %d bytes", len(b)))
	}
	typ := Type(b[0])
	if !validType(typ) {
		return Frame{}, runtimeerr.MalformedFrame("type", fmt.Sprintf("unknown type tag %d", typ))
	}
	off := 1
	sidLen := int(binary.LittleEndian.Uint16(b[off:]))
	off += 2
	if off+sidLen+8+4 > len(b) {
		return Frame{}, runtimeerr.MalformedFrame("session_id", "session_id_len overruns frame")
	}
	sid := string(b[off : off+sidLen])
	off += sidLen
	ts := binary.LittleEndian.Uint64(b[off:])
	off += 8
	plen := int(binary.LittleEndian.Uint32(b[off:]))
	off += 4
	if off+plen > len(b) {
		return Frame{}, runtimeerr.MalformedFrame("payload", "payload_len overruns frame")
	}
	payload := make([]byte, plen)
	copy(payload, b[off:off+plen])
	return Frame{Type: typ, SessionID: sid, TimestampUs: ts, Payload: payload}, nil
}

func validType(t Type) bool {
	switch t {
	case TypeAudio, TypeVideo, TypeText, TypeTensor, TypeControl, TypeNumpy, TypeFile, TypeJson, TypeBinary:
		return true
	default:
		return false
	}
}

// EncodeAudio packs Samples as little-endian f32. SampleRate/Channels are
// not part of the wire payload; callers must track them out-of-band per the
// resolved Open Question (see DESIGN.md).
func EncodeAudio(a Audio) []byte {
	payload := make([]byte, 0, len(a.Samples)*4)
	for _, s := range a.Samples {
		payload = binary.LittleEndian.AppendUint32(payload, math.Float32bits(s))
	}
	return Encode(Frame{Type: TypeAudio, SessionID: a.SessionID, TimestampUs: a.TimestampUs, Payload: payload})
}

// DecodeAudio reverses EncodeAudio. SampleRate/Channels must be supplied by
// the caller (session-level metadata), since the wire payload omits them.
func DecodeAudio(f Frame, sampleRate uint32, channels uint16) (Audio, error) {
	if f.Type != TypeAudio {
		return Audio{}, runtimeerr.MalformedFrame("type", "frame is not Audio")
	}
	if len(f.Payload)%4 != 0 {
		return Audio{}, runtimeerr.MalformedFrame("payload", "audio payload not a multiple of 4 bytes")
	}
	n := len(f.Payload) / 4
	samples := make([]float32, n)
	for i := 0; i < n; i++ {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(f.Payload[i*4:]))
	}
	return Audio{
		Samples:     samples,
		SampleRate:  sampleRate,
		Channels:    channels,
		SessionID:   f.SessionID,
		TimestampUs: f.TimestampUs,
	}, nil
}

// EncodeVideo packs: width(4) height(4) format(1) codec(1) frame_number(8) is_keyframe(1) pixels(rest).
func EncodeVideo(v Video) []byte {
	payload := make([]byte, 0, 4+4+1+1+8+1+len(v.PixelData))
	payload = binary.LittleEndian.AppendUint32(payload, v.Width)
	payload = binary.LittleEndian.AppendUint32(payload, v.Height)
	payload = append(payload, byte(v.Format), byte(v.Codec))
	payload = binary.LittleEndian.AppendUint64(payload, v.FrameNumber)
	if v.IsKeyframe {
		payload = append(payload, 1)
	} else {
		payload = append(payload, 0)
	}
	payload = append(payload, v.PixelData...)
	return Encode(Frame{Type: TypeVideo, SessionID: v.SessionID, TimestampUs: v.TimestampUs, Payload: payload})
}

const videoHeaderLen = 4 + 4 + 1 + 1 + 8 + 1

func DecodeVideo(f Frame) (Video, error) {
	if f.Type != TypeVideo {
		return Video{}, runtimeerr.MalformedFrame("type", "frame is not Video")
	}
	if len(f.Payload) < videoHeaderLen {
		return Video{}, runtimeerr.MalformedFrame("payload", "video payload shorter than fixed header")
	}
	p := f.Payload
	v := Video{
		Width:       binary.LittleEndian.Uint32(p[0:]),
		Height:      binary.LittleEndian.Uint32(p[4:]),
		Format:      PixelFormat(p[8]),
		Codec:       VideoCodec(p[9]),
		FrameNumber: binary.LittleEndian.Uint64(p[10:]),
		IsKeyframe:  p[18] != 0,
		PixelData:   append([]byte(nil), p[videoHeaderLen:]...),
		SessionID:   f.SessionID,
		TimestampUs: f.TimestampUs,
	}
	return v, nil
}

// EncodeTensor packs: shape_len(2) shape[u64...] strides_len(2) strides[i64...] dtype_len(2) dtype flags(1) data.
func EncodeTensor(t Tensor) []byte {
	payload := make([]byte, 0, 2+len(t.Shape)*8+2+len(t.Strides)*8+2+len(t.Dtype)+1+len(t.Data))
	payload = binary.LittleEndian.AppendUint16(payload, uint16(len(t.Shape)))
	for _, s := range t.Shape {
		payload = binary.LittleEndian.AppendUint64(payload, s)
	}
	payload = binary.LittleEndian.AppendUint16(payload, uint16(len(t.Strides)))
	for _, s := range t.Strides {
		payload = binary.LittleEndian.AppendUint64(payload, uint64(s))
	}
	payload = binary.LittleEndian.AppendUint16(payload, uint16(len(t.Dtype)))
	payload = append(payload, []byte(t.Dtype)...)
	var flags byte
	if t.CContig {
		flags |= 1 << 0
	}
	if t.FContig {
		flags |= 1 << 1
	}
	payload = append(payload, flags)
	payload = append(payload, t.Data...)
	typ := TypeTensor
	return Encode(Frame{Type: typ, SessionID: t.SessionID, TimestampUs: t.TimestampUs, Payload: payload})
}

func DecodeTensor(f Frame) (Tensor, error) {
	if f.Type != TypeTensor && f.Type != TypeNumpy {
		return Tensor{}, runtimeerr.MalformedFrame("type", "frame is not Tensor/Numpy")
	}
	p := f.Payload
	off := 0
	read := func(n int) ([]byte, error) {
		if off+n > len(p) {
			return nil, runtimeerr.MalformedFrame("payload", "tensor payload truncated")
		}
		b := p[off : off+n]
		off += n
		return b, nil
	}
	b, err := read(2)
	if err != nil {
		return Tensor{}, err
	}
	shapeLen := int(binary.LittleEndian.Uint16(b))
	shape := make([]uint64, shapeLen)
	for i := range shape {
		b, err = read(8)
		if err != nil {
			return Tensor{}, err
		}
		shape[i] = binary.LittleEndian.Uint64(b)
	}
	b, err = read(2)
	if err != nil {
		return Tensor{}, err
	}
	stridesLen := int(binary.LittleEndian.Uint16(b))
	strides := make([]int64, stridesLen)
	for i := range strides {
		b, err = read(8)
		if err != nil {
			return Tensor{}, err
		}
		strides[i] = int64(binary.LittleEndian.Uint64(b))
	}
	b, err = read(2)
	if err != nil {
		return Tensor{}, err
	}
	dtypeLen := int(binary.LittleEndian.Uint16(b))
	dtypeBytes, err := read(dtypeLen)
	if err != nil {
		return Tensor{}, err
	}
	flagsB, err := read(1)
	if err != nil {
		return Tensor{}, err
	}
	flags := flagsB[0]
	data := append([]byte(nil), p[off:]...)
	return Tensor{
		Data:        data,
		Shape:       shape,
		Strides:     strides,
		Dtype:       string(dtypeBytes),
		CContig:     flags&(1<<0) != 0,
		FContig:     flags&(1<<1) != 0,
		SessionID:   f.SessionID,
		TimestampUs: f.TimestampUs,
	}, nil
}

// EncodeText carries UTF-8 bytes as the whole payload; Encoding/Format are
// not part of the wire frame (they are node-contract metadata, not
// transport-level), matching the minimal description in spec 4.A.
func EncodeText(t Text) []byte {
	return Encode(Frame{Type: TypeText, SessionID: t.SessionID, TimestampUs: t.TimestampUs, Payload: []byte(t.Data)})
}

func DecodeText(f Frame) (Text, error) {
	if f.Type != TypeText {
		return Text{}, runtimeerr.MalformedFrame("type", "frame is not Text")
	}
	return Text{Data: string(f.Payload), SessionID: f.SessionID, TimestampUs: f.TimestampUs}, nil
}

// controlPayload is the JSON document shape for ControlMessage frames.
type controlPayload struct {
	MessageType string          `json:"message_type"`
	SegmentID   string          `json:"segment_id,omitempty"`
	TimestampMs uint64          `json:"timestamp_ms"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

func EncodeControl(c ControlMessage) ([]byte, error) {
	cp := controlPayload{MessageType: c.MessageType, SegmentID: c.SegmentID, TimestampMs: c.TimestampMs, Metadata: c.Metadata}
	payload, err := json.Marshal(cp)
	if err != nil {
		return nil, runtimeerr.MalformedFrame("metadata", err.Error())
	}
	return Encode(Frame{Type: TypeControl, SessionID: c.SessionID, TimestampUs: c.TimestampUs, Payload: payload}), nil
}

func DecodeControl(f Frame) (ControlMessage, error) {
	if f.Type != TypeControl {
		return ControlMessage{}, runtimeerr.MalformedFrame("type", "frame is not ControlMessage")
	}
	var cp controlPayload
	if err := json.Unmarshal(f.Payload, &cp); err != nil {
		return ControlMessage{}, runtimeerr.MalformedFrame("metadata", err.Error())
	}
	return ControlMessage{
		MessageType: cp.MessageType,
		SegmentID:   cp.SegmentID,
		TimestampMs: cp.TimestampMs,
		Metadata:    cp.Metadata,
		SessionID:   f.SessionID,
		TimestampUs: f.TimestampUs,
	}, nil
}

// EncodeFile packs: path_len(2) path | filename_len(2) filename | mime_len(2) mime | size(8) | offset(8) | length(8) | stream_id_len(2) stream_id.
// Zero values for size/offset/length/stream_id decode as "unspecified".
func EncodeFile(fl File) []byte {
	path, filename, mime, sid := []byte(fl.Path), []byte(fl.Filename), []byte(fl.MimeType), []byte(fl.StreamID)
	payload := make([]byte, 0, 2+len(path)+2+len(filename)+2+len(mime)+8+8+8+2+len(sid))
	payload = binary.LittleEndian.AppendUint16(payload, uint16(len(path)))
	payload = append(payload, path...)
	payload = binary.LittleEndian.AppendUint16(payload, uint16(len(filename)))
	payload = append(payload, filename...)
	payload = binary.LittleEndian.AppendUint16(payload, uint16(len(mime)))
	payload = append(payload, mime...)
	payload = binary.LittleEndian.AppendUint64(payload, fl.Size)
	payload = binary.LittleEndian.AppendUint64(payload, fl.Offset)
	payload = binary.LittleEndian.AppendUint64(payload, fl.Length)
	payload = binary.LittleEndian.AppendUint16(payload, uint16(len(sid)))
	payload = append(payload, sid...)
	return Encode(Frame{Type: TypeFile, SessionID: fl.SessionID, TimestampUs: fl.TimestampUs, Payload: payload})
}

func DecodeFile(f Frame) (File, error) {
	if f.Type != TypeFile {
		return File{}, runtimeerr.MalformedFrame("type", "frame is not File")
	}
	p := f.Payload
	off := 0
	readStr := func() (string, error) {
		if off+2 > len(p) {
			return "", runtimeerr.MalformedFrame("file", "truncated length prefix")
		}
		n := int(binary.LittleEndian.Uint16(p[off:]))
		off += 2
		if off+n > len(p) {
			return "", runtimeerr.MalformedFrame("file", "truncated string field")
		}
		s := string(p[off : off+n])
		off += n
		return s, nil
	}
	path, err := readStr()
	if err != nil {
		return File{}, err
	}
	filename, err := readStr()
	if err != nil {
		return File{}, err
	}
	mime, err := readStr()
	if err != nil {
		return File{}, err
	}
	if off+24 > len(p) {
		return File{}, runtimeerr.MalformedFrame("file", "truncated size/offset/length")
	}
	size := binary.LittleEndian.Uint64(p[off:])
	off += 8
	offset := binary.LittleEndian.Uint64(p[off:])
	off += 8
	length := binary.LittleEndian.Uint64(p[off:])
	off += 8
	sid, err := readStr()
	if err != nil {
		return File{}, err
	}
	return File{
		Path: path, Filename: filename, MimeType: mime,
		Size: size, Offset: offset, Length: length, StreamID: sid,
		SessionID: f.SessionID, TimestampUs: f.TimestampUs,
	}, nil
}

func EncodeJson(j Json) []byte {
	return Encode(Frame{Type: TypeJson, SessionID: j.SessionID, TimestampUs: j.TimestampUs, Payload: j.Data})
}

func DecodeJson(f Frame) (Json, error) {
	if f.Type != TypeJson {
		return Json{}, runtimeerr.MalformedFrame("type", "frame is not Json")
	}
	return Json{Data: f.Payload, SessionID: f.SessionID, TimestampUs: f.TimestampUs}, nil
}

func EncodeBinary(b Binary) []byte {
	return Encode(Frame{Type: TypeBinary, SessionID: b.SessionID, TimestampUs: b.TimestampUs, Payload: b.Data})
}

func DecodeBinary(f Frame) (Binary, error) {
	if f.Type != TypeBinary {
		return Binary{}, runtimeerr.MalformedFrame("type", "frame is not Binary")
	}
	return Binary{Data: f.Payload, SessionID: f.SessionID, TimestampUs: f.TimestampUs}, nil
}
