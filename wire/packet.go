// Package wire implements the MessagePack wire codec (component F): framing
// and (de)serialization of the four packet kinds defined by the streaming
// protocol.
package wire

// ClientSettings is the one-shot, client-to-server handshake payload read
// once when a connection enters the Streaming phase.
type ClientSettings struct {
	// SamplingInterval is the requested period between snapshot packets, in
	// nanoseconds.
	SamplingInterval uint64 `msgpack:"sampling_interval"`
}

// MetricInfo is the per-metric metadata entry of a MetadataPacket.
type MetricInfo struct {
	Labels map[string]string `msgpack:"labels"`
}

// MetadataPacket is the server-to-client information packet. The client
// discriminates it from a SnapshotPacket structurally, by the presence of
// the "metrics" key.
type MetadataPacket struct {
	Metrics map[string]MetricInfo `msgpack:"metrics"`
}

// SnapshotPacket is the server-to-client sample packet. The client
// discriminates it from a MetadataPacket structurally, by the presence of
// the "t" and "d" keys.
type SnapshotPacket struct {
	// T is nanoseconds elapsed since the connection's streaming-phase t0.
	T uint64 `msgpack:"t"`
	// D maps every live metric name to its current value.
	D map[string]float64 `msgpack:"d"`
}
