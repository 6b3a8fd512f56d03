package protocol

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

const (
	FrameMagic     byte = 0x4D
	FrameVersion   byte = 1
	FrameHeaderLen      = 32
	checksumOffset      = 28
)

// FrameCodec converts segments to and from their wire representation.
type FrameCodec interface {
	MarshalSegment(seg Segment) ([]byte, error)
	UnmarshalSegment(b []byte) (Segment, error)
	// Overhead is the number of header bytes added to every segment.
	Overhead() int
}

// Frame attaches sequencing and addressing metadata to codec output.
func Frame(chunks [][]byte, id CorrelationID, dest NodeID) ([]Segment, error) {
	if len(chunks) == 0 {
		return nil, malformedFrame("no chunks to frame")
	}
	if len(chunks) > MaxSegments {
		return nil, NewProtocolError(ErrorCodeMessageTooLarge, "frame", ErrMessageTooLarge).
			WithContext("segments", len(chunks))
	}

	total := uint16(len(chunks))
	segments := make([]Segment, len(chunks))
	for i, chunk := range chunks {
		segments[i] = Segment{
			CorrelationID: id,
			Index:         uint16(i),
			Total:         total,
			Destination:   dest,
			Bytes:         chunk,
		}
	}
	return segments, nil
}

// Unframe projects a segment back into its parts, rejecting structurally
// invalid sequencing.
func Unframe(seg Segment) (id CorrelationID, index, total uint16, payload []byte, dest NodeID, err error) {
	if seg.Total == 0 {
		return id, 0, 0, nil, 0, malformedFrame("total segments is zero")
	}
	if seg.Index >= seg.Total {
		return id, 0, 0, nil, 0, malformedFrame("index %d out of range for total %d", seg.Index, seg.Total)
	}
	return seg.CorrelationID, seg.Index, seg.Total, seg.Bytes, seg.Destination, nil
}

// BinaryFrameCodec is the default fixed-header wire format:
//
//	0  magic        1
//	1  version      1
//	2  correlation 16
//	18 index        2
//	20 total        2
//	22 destination  4
//	26 length       2
//	28 checksum     4  low 32 bits of xxhash64(header[0:28] || payload)
//
// All integers are big-endian.
type BinaryFrameCodec struct {
	// MaxPayload bounds the accepted payload length; zero means DefaultByteLimit.
	MaxPayload int
}

var _ FrameCodec = BinaryFrameCodec{}

func (c BinaryFrameCodec) Overhead() int {
	return FrameHeaderLen
}

func (c BinaryFrameCodec) maxPayload() int {
	if c.MaxPayload <= 0 {
		return DefaultByteLimit
	}
	return c.MaxPayload
}

func (c BinaryFrameCodec) MarshalSegment(seg Segment) ([]byte, error) {
	if _, _, _, _, _, err := Unframe(seg); err != nil {
		return nil, err
	}
	if len(seg.Bytes) > c.maxPayload() {
		return nil, malformedFrame("payload of %d bytes exceeds limit %d", len(seg.Bytes), c.maxPayload())
	}

	buf := make([]byte, FrameHeaderLen+len(seg.Bytes))
	buf[0] = FrameMagic
	buf[1] = FrameVersion
	copy(buf[2:18], seg.CorrelationID[:])
	binary.BigEndian.PutUint16(buf[18:20], seg.Index)
	binary.BigEndian.PutUint16(buf[20:22], seg.Total)
	binary.BigEndian.PutUint32(buf[22:26], uint32(seg.Destination))
	binary.BigEndian.PutUint16(buf[26:28], uint16(len(seg.Bytes)))
	copy(buf[FrameHeaderLen:], seg.Bytes)
	binary.BigEndian.PutUint32(buf[checksumOffset:FrameHeaderLen], frameChecksum(buf[:checksumOffset], seg.Bytes))

	return buf, nil
}

func (c BinaryFrameCodec) UnmarshalSegment(b []byte) (Segment, error) {
	if len(b) < FrameHeaderLen {
		return Segment{}, malformedFrame("short header: %d bytes", len(b))
	}
	if b[0] != FrameMagic {
		return Segment{}, malformedFrame("bad magic 0x%02x", b[0])
	}
	if b[1] != FrameVersion {
		return Segment{}, malformedFrame("unsupported version %d", b[1])
	}

	length := int(binary.BigEndian.Uint16(b[26:28]))
	if length > c.maxPayload() {
		return Segment{}, malformedFrame("payload of %d bytes exceeds limit %d", length, c.maxPayload())
	}
	if len(b) != FrameHeaderLen+length {
		return Segment{}, malformedFrame("length field %d does not match %d payload bytes", length, len(b)-FrameHeaderLen)
	}

	payload := b[FrameHeaderLen:]
	want := binary.BigEndian.Uint32(b[checksumOffset:FrameHeaderLen])
	if got := frameChecksum(b[:checksumOffset], payload); got != want {
		return Segment{}, malformedFrame("checksum mismatch: got %08x, want %08x", got, want)
	}

	seg := Segment{
		Index:       binary.BigEndian.Uint16(b[18:20]),
		Total:       binary.BigEndian.Uint16(b[20:22]),
		Destination: NodeID(binary.BigEndian.Uint32(b[22:26])),
		Bytes:       append([]byte(nil), payload...),
	}
	copy(seg.CorrelationID[:], b[2:18])

	if _, _, _, _, _, err := Unframe(seg); err != nil {
		return Segment{}, err
	}
	return seg, nil
}

func frameChecksum(header, payload []byte) uint32 {
	d := xxhash.New()
	_, _ = d.Write(header)
	_, _ = d.Write(payload)
	return uint32(d.Sum64())
}
