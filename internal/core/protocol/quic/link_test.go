package quic

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zeusync/meshtext/internal/core/observability/log"
	"github.com/zeusync/meshtext/internal/core/protocol"
	"github.com/zeusync/meshtext/internal/core/protocol/link"
)

func loopback(t *testing.T, cfg Config) (client, server *Link) {
	t.Helper()

	ln, err := Listen("127.0.0.1:0", 2, cfg, log.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	accepted := make(chan *Link, 1)
	acceptErr := make(chan error, 1)
	go func() {
		l, err := ln.Accept(ctx)
		if err != nil {
			acceptErr <- err
			return
		}
		accepted <- l
	}()

	client, err = Dial(ctx, ln.Addr().String(), 1, cfg, log.NewNop())
	require.NoError(t, err)

	select {
	case server = <-accepted:
	case err = <-acceptErr:
		t.Fatalf("accept failed: %v", err)
	}

	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return client, server
}

func TestLink_DatagramRoundTrip(t *testing.T) {
	client, server := loopback(t, DefaultConfig())

	inbox := make(chan string, 1)
	server.OnReceive(func(from protocol.NodeID, payload []byte) {
		inbox <- from.String() + " " + string(payload)
	})

	chunks, err := protocol.Encode("привет мир", protocol.DefaultByteLimit)
	require.NoError(t, err)
	segs, err := protocol.Frame(chunks, protocol.NewCorrelationID(), 2)
	require.NoError(t, err)
	frame, err := protocol.BinaryFrameCodec{}.MarshalSegment(segs[0])
	require.NoError(t, err)

	require.NoError(t, client.Send(context.Background(), frame, 2, true))
	require.Equal(t, "!00000001 "+string(frame), <-inbox)
}

func TestLink_AckTimeoutForUnknownNode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Peer.AckTimeout = 50 * time.Millisecond
	client, _ := loopback(t, cfg)

	require.ErrorIs(t, client.Send(context.Background(), []byte("x"), 77, true), link.ErrAckTimeout)
}

func TestLink_CloseIsObservedByPeer(t *testing.T) {
	client, server := loopback(t, DefaultConfig())

	require.NoError(t, client.Close())
	select {
	case <-server.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("server never noticed the close")
	}
	require.ErrorIs(t, server.Send(context.Background(), []byte("x"), 1, true), link.ErrClosed)
}
