// Package config loads the YAML node configuration.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zeusync/meshtext/internal/core/observability/log"
	"github.com/zeusync/meshtext/internal/core/protocol"
)

// Link kinds.
const (
	LinkMemory    = "memory"
	LinkWebsocket = "websocket"
	LinkQUIC      = "quic"
)

// Config is the whole node configuration file.
type Config struct {
	Node     NodeConfig      `yaml:"node"`
	Log      LogConfig       `yaml:"log"`
	Link     LinkConfig      `yaml:"link"`
	Protocol protocol.Config `yaml:"protocol"`
	Gateway  GatewayConfig   `yaml:"gateway"`
}

type NodeConfig struct {
	ID protocol.NodeID `yaml:"id"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// LinkConfig selects and configures the radio link.
type LinkConfig struct {
	Kind string `yaml:"kind"`
	// Listen accepts peers (websocket, quic).
	Listen string `yaml:"listen,omitempty"`
	// Peer is dialed at startup (websocket URL or quic host:port).
	Peer string `yaml:"peer,omitempty"`
	// MaxPayload is the frame ceiling of the link; zero derives it from the byte limit.
	MaxPayload int `yaml:"max_payload,omitempty"`

	// Memory link only.
	LossRate float64       `yaml:"loss_rate,omitempty"`
	Latency  time.Duration `yaml:"latency,omitempty"`
	Seed     int64         `yaml:"seed,omitempty"`
}

// GatewayConfig configures the chat websocket endpoint. An empty Listen
// disables it.
type GatewayConfig struct {
	Listen string `yaml:"listen,omitempty"`
	Path   string `yaml:"path,omitempty"`

	// Token, when set, is required from chat clients.
	Token string `yaml:"token,omitempty"`

	// RateLimit caps requests per client per RateWindow; zero disables it.
	RateLimit  int           `yaml:"rate_limit,omitempty"`
	RateWindow time.Duration `yaml:"rate_window,omitempty"`
}

// Default returns a single memory-link node with protocol defaults.
func Default() Config {
	return Config{
		Node:     NodeConfig{ID: 1},
		Log:      LogConfig{Level: "info"},
		Link:     LinkConfig{Kind: LinkMemory, Seed: 1},
		Protocol: protocol.DefaultConfig(),
		Gateway:  GatewayConfig{Path: "/chat", RateWindow: time.Minute},
	}
}

// Load reads and validates the file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Decode(bytes.NewReader(data))
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Decode reads YAML from r over Default and validates the result. Unknown
// keys are rejected.
func Decode(r io.Reader) (Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return Config{}, fmt.Errorf("%w: %v", protocol.ErrInvalidConfiguration, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	if c.Node.ID.IsBroadcast() {
		return fmt.Errorf("%w: node id cannot be the broadcast address", protocol.ErrInvalidConfiguration)
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrInvalidConfiguration, err)
	}
	if err := c.Protocol.Validate(); err != nil {
		return err
	}

	switch c.Link.Kind {
	case LinkMemory:
		if c.Link.LossRate < 0 || c.Link.LossRate > 1 {
			return fmt.Errorf("%w: loss rate %v outside [0,1]", protocol.ErrInvalidConfiguration, c.Link.LossRate)
		}
	case LinkWebsocket, LinkQUIC:
		if c.Link.Listen == "" && c.Link.Peer == "" {
			return fmt.Errorf("%w: %s link needs listen or peer", protocol.ErrInvalidConfiguration, c.Link.Kind)
		}
	default:
		return fmt.Errorf("%w: unknown link kind %q", protocol.ErrInvalidConfiguration, c.Link.Kind)
	}

	if c.Gateway.RateLimit < 0 || (c.Gateway.RateLimit > 0 && c.Gateway.RateWindow <= 0) {
		return fmt.Errorf("%w: gateway rate limit needs a positive window", protocol.ErrInvalidConfiguration)
	}

	if c.Link.MaxPayload != 0 && c.Link.MaxPayload < c.Protocol.ByteLimit+protocol.FrameHeaderLen {
		return fmt.Errorf("%w: link max payload %d cannot carry a %d-byte segment plus header",
			protocol.ErrInvalidConfiguration, c.Link.MaxPayload, c.Protocol.ByteLimit)
	}
	return nil
}

// LinkMaxPayload is the frame ceiling handed to the link adapter.
func (c Config) LinkMaxPayload() int {
	if c.Link.MaxPayload > 0 {
		return c.Link.MaxPayload
	}
	return c.Protocol.ByteLimit + protocol.FrameHeaderLen
}
