package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NodeID addresses a radio node. Broadcast is a sentinel, not a real node.
type NodeID uint32

// Broadcast is the destination meaning "every node in range".
const Broadcast NodeID = 0xFFFFFFFF

// IsBroadcast reports whether n is the broadcast sentinel.
func (n NodeID) IsBroadcast() bool {
	return n == Broadcast
}

func (n NodeID) String() string {
	if n.IsBroadcast() {
		return "^all"
	}
	return fmt.Sprintf("!%08x", uint32(n))
}

// ParseNodeID accepts "^all", "!hex", "0xhex" or a decimal number.
func ParseNodeID(s string) (NodeID, error) {
	s = strings.TrimSpace(s)
	var (
		v   uint64
		err error
	)
	switch {
	case s == "^all":
		return Broadcast, nil
	case strings.HasPrefix(s, "!"):
		v, err = strconv.ParseUint(s[1:], 16, 32)
	case strings.HasPrefix(s, "0x"), strings.HasPrefix(s, "0X"):
		v, err = strconv.ParseUint(s[2:], 16, 32)
	default:
		v, err = strconv.ParseUint(s, 10, 32)
	}
	if err != nil {
		return 0, invalidConfig("bad node id %q", s)
	}
	return NodeID(v), nil
}

func (n NodeID) MarshalText() ([]byte, error) {
	return []byte(n.String()), nil
}

func (n *NodeID) UnmarshalText(b []byte) error {
	id, err := ParseNodeID(string(b))
	if err != nil {
		return err
	}
	*n = id
	return nil
}

// UnmarshalJSON accepts a bare JSON number as well as any string
// ParseNodeID takes.
func (n *NodeID) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		return n.UnmarshalText([]byte(s))
	}

	var v uint32
	if err := json.Unmarshal(b, &v); err != nil {
		return invalidConfig("bad node id %s", b)
	}
	*n = NodeID(v)
	return nil
}

// CorrelationID groups every segment of one Message.
type CorrelationID = uuid.UUID

// NewCorrelationID generates a random correlation id.
func NewCorrelationID() CorrelationID {
	return uuid.New()
}

// Message is one logical text unit handed to the Transmitter.
type Message struct {
	CorrelationID CorrelationID
	Destination   NodeID
	Payload       string
	CreatedAt     time.Time
}

// NewMessage stamps a fresh correlation id and creation time.
func NewMessage(dest NodeID, payload string) Message {
	return Message{
		CorrelationID: NewCorrelationID(),
		Destination:   dest,
		Payload:       payload,
		CreatedAt:     time.Now(),
	}
}

// Segment is one framed, byte-bounded piece of a Message.
type Segment struct {
	CorrelationID CorrelationID
	Index         uint16
	Total         uint16
	Destination   NodeID
	Bytes         []byte
}

// Delivery is a Message reconstructed on the receiving side.
type Delivery struct {
	CorrelationID CorrelationID
	From          NodeID
	Destination   NodeID
	Payload       string
	Segments      int
	FirstSeenAt   time.Time
	CompletedAt   time.Time
}
