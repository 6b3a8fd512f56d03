package protocol

import (
	"time"
	"unicode/utf8"
)

const (
	// DefaultByteLimit is the payload ceiling per radio frame.
	DefaultByteLimit = 180
	// MaxSegments is bounded by the 16-bit total field of the frame header.
	MaxSegments = 0xFFFF
)

// Config holds the per-link protocol settings.
type Config struct {
	// Segmentation
	ByteLimit int `yaml:"byte_limit"`
	// MaxMessageBytes caps the payload of one Message; zero leaves only the
	// 16-bit segment count as a bound.
	MaxMessageBytes int `yaml:"max_message_bytes"`

	// Transmission
	PacingDelay time.Duration `yaml:"pacing_delay"`
	MaxRetries  int           `yaml:"max_retries"`
	// AckTimeout bounds every attempt, including the link's own wait for
	// the acknowledgment.
	AckTimeout time.Duration `yaml:"ack_timeout"`

	// Reassembly
	ReassemblyTimeout time.Duration `yaml:"reassembly_timeout"`
	ExtendOnSegment   bool          `yaml:"extend_on_segment"`
	MaxPendingBuffers int           `yaml:"max_pending_buffers"`
}

// DefaultConfig returns conservative defaults for a LoRa-class link.
func DefaultConfig() Config {
	return Config{
		ByteLimit:         DefaultByteLimit,
		MaxMessageBytes:   16 << 10,
		PacingDelay:       100 * time.Millisecond,
		MaxRetries:        3,
		AckTimeout:        15 * time.Second,
		ReassemblyTimeout: 10 * time.Minute,
		ExtendOnSegment:   false,
		MaxPendingBuffers: 1024,
	}
}

// Validate checks the settings, returning ErrInvalidConfiguration on failure.
func (c Config) Validate() error {
	if c.ByteLimit <= 0 {
		return invalidConfig("byte limit must be positive, got %d", c.ByteLimit)
	}
	if c.ByteLimit < utf8.UTFMax {
		return invalidConfig("byte limit %d cannot hold a %d-byte character", c.ByteLimit, utf8.UTFMax)
	}
	if c.ByteLimit > 0xFFFF {
		return invalidConfig("byte limit %d exceeds the 16-bit length field", c.ByteLimit)
	}
	if c.MaxMessageBytes < 0 {
		return invalidConfig("max message bytes must not be negative, got %d", c.MaxMessageBytes)
	}
	if c.PacingDelay < 0 {
		return invalidConfig("pacing delay must not be negative, got %s", c.PacingDelay)
	}
	if c.MaxRetries < 0 {
		return invalidConfig("max retries must not be negative, got %d", c.MaxRetries)
	}
	if c.AckTimeout <= 0 {
		return invalidConfig("ack timeout must be positive, got %s", c.AckTimeout)
	}
	if c.ReassemblyTimeout <= 0 {
		return invalidConfig("reassembly timeout must be positive, got %s", c.ReassemblyTimeout)
	}
	if c.MaxPendingBuffers < 0 {
		return invalidConfig("max pending buffers must not be negative, got %d", c.MaxPendingBuffers)
	}
	return nil
}

// MaxSegmentsPerMessage is the largest Total a Message within
// MaxMessageBytes can need. A segment may end up to UTFMax-1 bytes short of
// ByteLimit when a character does not fit.
func (c Config) MaxSegmentsPerMessage() int {
	if c.MaxMessageBytes <= 0 {
		return MaxSegments
	}
	perSegment := max(c.ByteLimit-(utf8.UTFMax-1), 1)
	return min((c.MaxMessageBytes+perSegment-1)/perSegment, MaxSegments)
}
