package websocket

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zeusync/meshtext/internal/core/observability/log"
	"github.com/zeusync/meshtext/internal/core/protocol"
	"github.com/zeusync/meshtext/internal/core/protocol/link"
)

type received struct {
	from    protocol.NodeID
	payload string
}

func connect(t *testing.T, cfg Config) (client, server *Link) {
	t.Helper()

	accepted := make(chan *Link, 1)
	srv := httptest.NewServer(NewAcceptor(2, cfg, log.NewNop(), func(l *Link) { accepted <- l }))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, err := Dial(context.Background(), url, 1, cfg, log.NewNop())
	require.NoError(t, err)

	select {
	case server = <-accepted:
	case <-time.After(time.Second):
		t.Fatal("server never accepted the link")
	}

	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return client, server
}

func TestLink_AckedUnicastBothWays(t *testing.T) {
	client, server := connect(t, DefaultConfig())

	serverInbox := make(chan received, 1)
	server.OnReceive(func(from protocol.NodeID, payload []byte) {
		serverInbox <- received{from, string(payload)}
	})
	clientInbox := make(chan received, 1)
	client.OnReceive(func(from protocol.NodeID, payload []byte) {
		clientInbox <- received{from, string(payload)}
	})

	require.NoError(t, client.Send(context.Background(), []byte("up"), 2, true))
	require.Equal(t, received{1, "up"}, <-serverInbox)

	require.NoError(t, server.Send(context.Background(), []byte("down"), 1, true))
	require.Equal(t, received{2, "down"}, <-clientInbox)

	require.Equal(t, protocol.NodeID(1), client.LocalNode())
	require.Equal(t, protocol.NodeID(2), server.LocalNode())
}

func TestLink_WrongAddressTimesOut(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Peer.AckTimeout = 30 * time.Millisecond
	client, _ := connect(t, cfg)

	require.ErrorIs(t, client.Send(context.Background(), []byte("x"), 9, true), link.ErrAckTimeout)
}

func TestLink_BroadcastDoesNotWait(t *testing.T) {
	client, server := connect(t, DefaultConfig())

	inbox := make(chan received, 1)
	server.OnReceive(func(from protocol.NodeID, payload []byte) {
		inbox <- received{from, string(payload)}
	})

	require.NoError(t, client.Send(context.Background(), []byte("all"), protocol.Broadcast, true))
	require.Equal(t, received{1, "all"}, <-inbox)
}

func TestLink_FramesSurviveTransport(t *testing.T) {
	client, server := connect(t, DefaultConfig())

	frames := make(chan []byte, 4)
	server.OnReceive(func(_ protocol.NodeID, payload []byte) { frames <- payload })

	chunks, err := protocol.Encode(strings.Repeat("привет ", 40), protocol.DefaultByteLimit)
	require.NoError(t, err)
	segs, err := protocol.Frame(chunks, protocol.NewCorrelationID(), 2)
	require.NoError(t, err)

	codec := protocol.BinaryFrameCodec{}
	for _, seg := range segs {
		raw, err := codec.MarshalSegment(seg)
		require.NoError(t, err)
		require.NoError(t, client.Send(context.Background(), raw, 2, true))

		got, err := codec.UnmarshalSegment(<-frames)
		require.NoError(t, err)
		require.Equal(t, seg, got)
	}
}

func TestLink_RemoteCloseFailsSends(t *testing.T) {
	client, server := connect(t, DefaultConfig())

	require.NoError(t, server.Close())

	select {
	case <-client.Done():
	case <-time.After(time.Second):
		t.Fatal("client never noticed the close")
	}
	require.ErrorIs(t, client.Send(context.Background(), []byte("x"), 2, true), link.ErrClosed)
}

func TestLink_PayloadLimit(t *testing.T) {
	client, _ := connect(t, DefaultConfig())

	big := make([]byte, client.MaxPayload()+1)
	require.ErrorIs(t, client.Send(context.Background(), big, 2, false), link.ErrPayloadTooLarge)
}
