// Package snapshot implements the snapshot builder and metadata builder
// (components C and D): turning a point-in-time read of the registry into
// the two wire packet shapes.
package snapshot

import (
	"time"

	"github.com/roboplc/metrics-exporter-scope/internal/registry"
	"github.com/roboplc/metrics-exporter-scope/wire"
)

// BuildMetadata produces the information packet for every metric live at now.
func BuildMetadata(reg *registry.Registry, now time.Time, recency time.Duration) wire.MetadataPacket {
	live := reg.IterLive(now, recency)
	metrics := make(map[string]wire.MetricInfo, len(live))
	for _, m := range live {
		labels := make(map[string]string, len(m.Labels))
		for _, l := range m.Labels {
			labels[l.Key] = l.Value
		}
		metrics[m.Name] = wire.MetricInfo{Labels: labels}
	}
	return wire.MetadataPacket{Metrics: metrics}
}

// BuildSnapshot produces a point-in-time snapshot, timestamped relative to
// t0 (the connection's streaming-phase start). now is taken once by the
// caller at the start of the build, per the wire contract.
func BuildSnapshot(reg *registry.Registry, t0, now time.Time, recency time.Duration) wire.SnapshotPacket {
	live := reg.IterLive(now, recency)
	data := make(map[string]float64, len(live))
	for _, m := range live {
		data[m.Name] = m.Value
	}
	return wire.SnapshotPacket{
		T: uint64(now.Sub(t0).Nanoseconds()),
		D: data,
	}
}
