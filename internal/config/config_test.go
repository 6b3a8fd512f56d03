package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zeusync/meshtext/internal/core/protocol"
)

const sample = `
node:
  id: "!0000beef"
log:
  level: debug
link:
  kind: websocket
  listen: ":7400"
  peer: ws://10.0.0.2:7400/link
protocol:
  byte_limit: 120
  pacing_delay: 250ms
  max_retries: 5
  ack_timeout: 3s
  reassembly_timeout: 2m
  extend_on_segment: true
gateway:
  listen: ":8080"
  token: s3cret
  rate_limit: 10
`

func TestDecode_Sample(t *testing.T) {
	cfg, err := Decode(strings.NewReader(sample))
	require.NoError(t, err)

	require.Equal(t, protocol.NodeID(0xbeef), cfg.Node.ID)
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, LinkWebsocket, cfg.Link.Kind)
	require.Equal(t, "ws://10.0.0.2:7400/link", cfg.Link.Peer)

	require.Equal(t, 120, cfg.Protocol.ByteLimit)
	require.Equal(t, 250*time.Millisecond, cfg.Protocol.PacingDelay)
	require.Equal(t, 5, cfg.Protocol.MaxRetries)
	require.Equal(t, 3*time.Second, cfg.Protocol.AckTimeout)
	require.Equal(t, 2*time.Minute, cfg.Protocol.ReassemblyTimeout)
	require.True(t, cfg.Protocol.ExtendOnSegment)

	// Unset keys keep their defaults.
	require.Equal(t, protocol.DefaultConfig().MaxPendingBuffers, cfg.Protocol.MaxPendingBuffers)
	require.Equal(t, "/chat", cfg.Gateway.Path)
	require.Equal(t, "s3cret", cfg.Gateway.Token)
	require.Equal(t, 10, cfg.Gateway.RateLimit)
	require.Equal(t, time.Minute, cfg.Gateway.RateWindow)
	require.Equal(t, 120+protocol.FrameHeaderLen, cfg.LinkMaxPayload())
}

func TestDecode_EmptyIsDefault(t *testing.T) {
	cfg, err := Decode(strings.NewReader(""))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestDecode_Invalid(t *testing.T) {
	cases := map[string]string{
		"unknown key":       "nodes:\n  id: 1\n",
		"broadcast node":    "node:\n  id: \"^all\"\n",
		"bad node id":       "node:\n  id: nope\n",
		"bad level":         "log:\n  level: loud\n",
		"bad link":          "link:\n  kind: carrier-pigeon\n",
		"net link no addr":  "link:\n  kind: quic\n",
		"loss rate":         "link:\n  kind: memory\n  loss_rate: 1.5\n",
		"tiny limit":        "protocol:\n  byte_limit: 2\n",
		"small max payload": "link:\n  kind: memory\n  max_payload: 100\n",
		"zero ack timeout":  "protocol:\n  ack_timeout: 0s\n",
		"rate window":       "gateway:\n  rate_limit: 5\n  rate_window: 0s\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(strings.NewReader(doc))
			require.ErrorIs(t, err, protocol.ErrInvalidConfiguration)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, protocol.NodeID(0xbeef), cfg.Node.ID)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}
