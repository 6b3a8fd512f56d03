package protocol

import (
	"encoding/binary"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func framedSegments(t *testing.T, payload string, limit int, dest NodeID) []Segment {
	t.Helper()
	chunks, err := Encode(payload, limit)
	require.NoError(t, err)
	segments, err := Frame(chunks, NewCorrelationID(), dest)
	require.NoError(t, err)
	return segments
}

func TestFrame_StampsSequencing(t *testing.T) {
	segments := framedSegments(t, strings.Repeat("данные ", 60), 180, 0x1234)
	require.Greater(t, len(segments), 1)

	for i, seg := range segments {
		id, index, total, payload, dest, err := Unframe(seg)
		require.NoError(t, err)
		require.Equal(t, segments[0].CorrelationID, id)
		require.EqualValues(t, i, index)
		require.EqualValues(t, len(segments), total)
		require.Equal(t, NodeID(0x1234), dest)
		require.Equal(t, seg.Bytes, payload)
	}
}

func TestFrame_Errors(t *testing.T) {
	_, err := Frame(nil, NewCorrelationID(), 1)
	require.ErrorIs(t, err, ErrMalformedFrame)

	chunks := make([][]byte, MaxSegments+1)
	_, err = Frame(chunks, NewCorrelationID(), 1)
	require.ErrorIs(t, err, ErrMessageTooLarge)
	require.Equal(t, ErrorCodeMessageTooLarge, GetErrorCode(err))
}

func TestUnframe_RejectsBadSequencing(t *testing.T) {
	_, _, _, _, _, err := Unframe(Segment{Index: 0, Total: 0})
	require.ErrorIs(t, err, ErrMalformedFrame)

	_, _, _, _, _, err = Unframe(Segment{Index: 3, Total: 3})
	require.ErrorIs(t, err, ErrMalformedFrame)
}

func TestBinaryFrameCodec_RoundTrip(t *testing.T) {
	codec := BinaryFrameCodec{MaxPayload: 180}
	require.Equal(t, FrameHeaderLen, codec.Overhead())

	for _, payload := range []string{"", "привет мир", strings.Repeat("🙂", 100)} {
		for _, seg := range framedSegments(t, payload, 180, Broadcast) {
			wire, err := codec.MarshalSegment(seg)
			require.NoError(t, err)
			require.Len(t, wire, FrameHeaderLen+len(seg.Bytes))

			got, err := codec.UnmarshalSegment(wire)
			require.NoError(t, err)
			require.Equal(t, seg.CorrelationID, got.CorrelationID)
			require.Equal(t, seg.Index, got.Index)
			require.Equal(t, seg.Total, got.Total)
			require.Equal(t, seg.Destination, got.Destination)
			require.Equal(t, string(seg.Bytes), string(got.Bytes))
		}
	}
}

func TestBinaryFrameCodec_MalformedInput(t *testing.T) {
	codec := BinaryFrameCodec{}
	seg := framedSegments(t, "hello", 180, 7)[0]
	wire, err := codec.MarshalSegment(seg)
	require.NoError(t, err)

	mutate := func(f func(b []byte) []byte) []byte {
		b := append([]byte(nil), wire...)
		return f(b)
	}

	cases := map[string][]byte{
		"short":    wire[:FrameHeaderLen-1],
		"magic":    mutate(func(b []byte) []byte { b[0] = 0; return b }),
		"version":  mutate(func(b []byte) []byte { b[1] = 9; return b }),
		"length":   mutate(func(b []byte) []byte { return b[:len(b)-1] }),
		"checksum": mutate(func(b []byte) []byte { b[len(b)-1] ^= 0xFF; return b }),
		"header bit flip": mutate(func(b []byte) []byte {
			b[22] ^= 0x01
			return b
		}),
		"oversized length": mutate(func(b []byte) []byte {
			binary.BigEndian.PutUint16(b[26:28], 4000)
			return b
		}),
	}

	for name, b := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := codec.UnmarshalSegment(b)
			require.ErrorIs(t, err, ErrMalformedFrame)
		})
	}
}

func TestBinaryFrameCodec_RejectsOversizedPayload(t *testing.T) {
	codec := BinaryFrameCodec{MaxPayload: 4}
	_, err := codec.MarshalSegment(Segment{Total: 1, Bytes: []byte("toolong")})
	require.ErrorIs(t, err, ErrMalformedFrame)
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cases := map[string]func(c *Config){
		"zero limit":       func(c *Config) { c.ByteLimit = 0 },
		"tiny limit":       func(c *Config) { c.ByteLimit = 3 },
		"huge limit":       func(c *Config) { c.ByteLimit = 1 << 17 },
		"negative pacing":  func(c *Config) { c.PacingDelay = -1 },
		"negative retries": func(c *Config) { c.MaxRetries = -1 },
		"zero ack timeout": func(c *Config) { c.AckTimeout = 0 },
		"zero reassembly":  func(c *Config) { c.ReassemblyTimeout = 0 },
		"negative buffers": func(c *Config) { c.MaxPendingBuffers = -1 },
		"negative message": func(c *Config) { c.MaxMessageBytes = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(&cfg)
			require.ErrorIs(t, cfg.Validate(), ErrInvalidConfiguration)
		})
	}
}

func TestNodeID_String(t *testing.T) {
	require.Equal(t, "^all", Broadcast.String())
	require.Equal(t, "!0000002a", NodeID(42).String())
	require.True(t, Broadcast.IsBroadcast())
}

func TestParseNodeID(t *testing.T) {
	cases := map[string]NodeID{
		"^all":      Broadcast,
		"!0000002a": 42,
		"0x2A":      42,
		" 42 ":      42,
	}
	for in, want := range cases {
		got, err := ParseNodeID(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}

	for _, bad := range []string{"", "!", "!zz", "-1", "4294967296"} {
		_, err := ParseNodeID(bad)
		require.ErrorIs(t, err, ErrInvalidConfiguration, bad)
	}

	var id NodeID
	require.NoError(t, id.UnmarshalText([]byte("!00000007")))
	text, err := id.MarshalText()
	require.NoError(t, err)
	require.Equal(t, "!00000007", string(text))
}

func TestConfig_MaxSegmentsPerMessage(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxMessageBytes = 1000
	require.Equal(t, 6, cfg.MaxSegmentsPerMessage())

	cfg.ByteLimit = 4
	require.Equal(t, 1000, cfg.MaxSegmentsPerMessage())

	cfg.MaxMessageBytes = 0
	require.Equal(t, MaxSegments, cfg.MaxSegmentsPerMessage())

	cfg.MaxMessageBytes = 1 << 20
	require.Equal(t, MaxSegments, cfg.MaxSegmentsPerMessage())
}
