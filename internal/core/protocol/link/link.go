// Package link defines the radio transport capability the protocol core
// depends on, plus the pieces shared by its adapters.
//
// A Link sends one opaque frame to a destination and, when asked, waits for
// the addressee's acknowledgment. It makes no promise about ordering or
// retransmission; the Transmitter provides both.
package link

import (
	"context"
	"errors"

	"github.com/zeusync/meshtext/internal/core/protocol"
)

var (
	ErrAckTimeout      = errors.New("link: ack timeout")
	ErrClosed          = errors.New("link: closed")
	ErrPayloadTooLarge = errors.New("link: payload too large")
	ErrNodeExists      = errors.New("link: node already joined")
	ErrInvalidNode     = errors.New("link: invalid node address")
)

// Handler receives one inbound frame. The payload is owned by the handler.
type Handler func(from protocol.NodeID, payload []byte)

// Link is the send/receive capability of one radio interface.
type Link interface {
	// LocalNode is the address this link transmits from.
	LocalNode() protocol.NodeID
	// MaxPayload is the largest frame Send accepts.
	MaxPayload() int
	// Send transmits payload to dest. With wantAck set and a unicast
	// destination it returns nil only once the addressee acknowledged,
	// and ErrAckTimeout if no acknowledgment arrived in time. Broadcast
	// sends never wait.
	Send(ctx context.Context, payload []byte, dest protocol.NodeID, wantAck bool) error
	// OnReceive installs the inbound frame handler, replacing any previous one.
	OnReceive(h Handler)
	Close() error
}
