package scope

import (
	"log/slog"
	"time"

	"github.com/roboplc/metrics-exporter-scope/server"
)

// Config collects everything an Option can change before the exporter
// starts listening.
type Config struct {
	server   server.Config
	fallback Recorder
}

// Option configures a ScopeRecorder at construction time.
type Option func(*Config)

func newConfig() Config {
	return Config{server: server.DefaultConfig()}
}

// WithBindAddr overrides the TCP listener address (default "0.0.0.0:5001").
func WithBindAddr(addr string) Option {
	return func(c *Config) { c.server.BindAddr = addr }
}

// WithFallback sets a recorder that receives every describe/register call
// for a key without the "~" sigil. Without a fallback, such calls return
// no-op handles.
func WithFallback(r Recorder) Option {
	return func(c *Config) { c.fallback = r }
}

// WithMetadataInterval overrides the period between metadata packets on
// each connection (default 5s).
func WithMetadataInterval(d time.Duration) Option {
	return func(c *Config) { c.server.MetadataInterval = d }
}

// WithMinSamplingInterval overrides the floor enforced on a client-requested
// sampling interval (default 1µs).
func WithMinSamplingInterval(d time.Duration) Option {
	return func(c *Config) { c.server.MinSamplingInterval = d }
}

// WithHandshakeTimeout overrides the read timeout applied while awaiting
// ClientSettings (default 10s).
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *Config) { c.server.HandshakeTimeout = d }
}

// WithRecencyWindow overrides the liveness window for metadata/snapshot
// inclusion; zero (the default) means a metric stays live forever once
// registered.
func WithRecencyWindow(d time.Duration) Option {
	return func(c *Config) { c.server.RecencyWindow = d }
}

// WithMaxConsecutiveDrops closes a connection after this many consecutive
// dropped packets; zero (the default) means unbounded.
func WithMaxConsecutiveDrops(n int) Option {
	return func(c *Config) { c.server.MaxConsecutiveDrops = n }
}

// WithLogger overrides the logger used for handshake, transport, and
// policy-drop events. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) { c.server.Logger = l }
}
