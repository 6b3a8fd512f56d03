package link

import (
	"encoding/binary"
	"fmt"

	"github.com/zeusync/meshtext/internal/core/protocol"
)

type packetKind byte

const (
	packetData packetKind = 1
	packetAck  packetKind = 2
)

const (
	flagWantAck byte = 0x01

	// PacketOverhead is the envelope size added by Peer-based links.
	PacketOverhead = 14
)

// packet is the envelope networked adapters exchange:
//
//	0  kind    1
//	1  flags   1
//	2  id      4
//	6  from    4
//	10 to      4
//	14 payload
type packet struct {
	kind    packetKind
	wantAck bool
	id      uint32
	from    protocol.NodeID
	to      protocol.NodeID
	payload []byte
}

func (p packet) marshal() []byte {
	buf := make([]byte, PacketOverhead+len(p.payload))
	buf[0] = byte(p.kind)
	if p.wantAck {
		buf[1] |= flagWantAck
	}
	binary.BigEndian.PutUint32(buf[2:6], p.id)
	binary.BigEndian.PutUint32(buf[6:10], uint32(p.from))
	binary.BigEndian.PutUint32(buf[10:14], uint32(p.to))
	copy(buf[PacketOverhead:], p.payload)
	return buf
}

func parsePacket(b []byte) (packet, error) {
	if len(b) < PacketOverhead {
		return packet{}, fmt.Errorf("link: short packet of %d bytes", len(b))
	}
	p := packet{
		kind:    packetKind(b[0]),
		wantAck: b[1]&flagWantAck != 0,
		id:      binary.BigEndian.Uint32(b[2:6]),
		from:    protocol.NodeID(binary.BigEndian.Uint32(b[6:10])),
		to:      protocol.NodeID(binary.BigEndian.Uint32(b[10:14])),
	}
	switch p.kind {
	case packetData:
		p.payload = append([]byte(nil), b[PacketOverhead:]...)
	case packetAck:
		if len(b) != PacketOverhead {
			return packet{}, fmt.Errorf("link: ack packet carries %d payload bytes", len(b)-PacketOverhead)
		}
	default:
		return packet{}, fmt.Errorf("link: unknown packet kind %d", b[0])
	}
	return p, nil
}
