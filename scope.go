package scope

import (
	"github.com/roboplc/metrics-exporter-scope/internal/registry"
	"github.com/roboplc/metrics-exporter-scope/server"
)

// ScopeRecorder implements Recorder and owns the lock-free registry plus the
// TCP streaming server that exports it (spec §3, component B wired to E).
// A ScopeRecorder is safe for concurrent use by any number of
// describe/register callers and by the server's own connection goroutines.
type ScopeRecorder struct {
	registry *registry.Registry
	server   *server.Server
	fallback Recorder
}

// New builds a ScopeRecorder, binds its listener, and starts serving
// connections in a background goroutine. Callers should defer Close.
func New(opts ...Option) (*ScopeRecorder, error) {
	cfg := newConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	reg := registry.New()
	srv, err := server.New(cfg.server, reg)
	if err != nil {
		return nil, err
	}

	sr := &ScopeRecorder{registry: reg, server: srv, fallback: cfg.fallback}
	go srv.Serve()
	return sr, nil
}

// Addr returns the address the listener is actually bound to, useful when
// WithBindAddr requests an ephemeral port.
func (sr *ScopeRecorder) Addr() string {
	return sr.server.Addr()
}

// Close shuts down the listener and every active connection, waiting for
// their goroutines to exit before returning.
func (sr *ScopeRecorder) Close() error {
	return sr.server.Shutdown()
}

// Stats returns a snapshot of the server's operational counters.
func (sr *ScopeRecorder) Stats() server.Stats {
	return sr.server.Stats()
}

func toLabels(in []Label) []registry.Label {
	out := make([]registry.Label, len(in))
	for i, l := range in {
		out[i] = registry.Label{Key: l.Key, Value: l.Value}
	}
	return out
}

// DescribeGauge records a description for a scope-owned gauge, and forwards
// to the fallback recorder (if any) for every other key.
func (sr *ScopeRecorder) DescribeGauge(key Key, unit string, description string) {
	if key.HasSigil() {
		sr.registry.Intern(key.Name, toLabels(key.Labels)).Describe(description)
		return
	}
	if sr.fallback != nil {
		sr.fallback.DescribeGauge(key, unit, description)
	}
}

// RegisterGauge returns a Handle-backed Gauge for a scope-owned key,
// idempotent per spec §4.1 (first registration wins; later calls return the
// same underlying cell and discard new labels). Every other key is
// forwarded to the fallback recorder, or gets a no-op if there is none.
func (sr *ScopeRecorder) RegisterGauge(key Key) Gauge {
	if key.HasSigil() {
		return sr.registry.Intern(key.Name, toLabels(key.Labels))
	}
	if sr.fallback != nil {
		return sr.fallback.RegisterGauge(key)
	}
	return NoopGauge
}

// DescribeCounter forwards to the fallback recorder. This exporter owns no
// counters of its own: a sigil-prefixed counter key is described nowhere,
// since the wire protocol only ever transmits gauge values (spec §2, §6.2).
func (sr *ScopeRecorder) DescribeCounter(key Key, unit string, description string) {
	if !key.HasSigil() && sr.fallback != nil {
		sr.fallback.DescribeCounter(key, unit, description)
	}
}

// RegisterCounter forwards to the fallback recorder for non-sigil keys and
// returns a no-op for a sigil-prefixed key, since this exporter has no
// counter type to own it with.
func (sr *ScopeRecorder) RegisterCounter(key Key) Counter {
	if !key.HasSigil() && sr.fallback != nil {
		return sr.fallback.RegisterCounter(key)
	}
	return NoopCounter
}

// DescribeHistogram forwards to the fallback recorder, for the same reason
// as DescribeCounter.
func (sr *ScopeRecorder) DescribeHistogram(key Key, unit string, description string) {
	if !key.HasSigil() && sr.fallback != nil {
		sr.fallback.DescribeHistogram(key, unit, description)
	}
}

// RegisterHistogram forwards to the fallback recorder for non-sigil keys and
// returns a no-op for a sigil-prefixed key, for the same reason as
// RegisterCounter.
func (sr *ScopeRecorder) RegisterHistogram(key Key) Histogram {
	if !key.HasSigil() && sr.fallback != nil {
		return sr.fallback.RegisterHistogram(key)
	}
	return NoopHistogram
}
