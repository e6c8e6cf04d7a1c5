package wire

import (
	"bytes"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// Version is the current wire protocol version.
const Version uint16 = 1

// EncodeVersion returns the 2-byte little-endian version word written
// immediately on accept. It is raw, not MessagePack-wrapped.
func EncodeVersion(version uint16) []byte {
	return []byte{byte(version), byte(version >> 8)}
}

// Codec reuses one internal buffer across Encode* calls made on a single
// connection's sampler goroutine, avoiding a fresh allocation per tick.
// A result slice aliases the internal buffer and stays valid only until the
// next Encode* call on the same Codec: callers must fully write or copy a
// payload before encoding the next packet.
type Codec struct {
	buf bytes.Buffer
}

// NewCodec returns a Codec with an empty internal buffer.
func NewCodec() *Codec {
	return &Codec{}
}

// EncodeMetadata serializes an information packet.
func (c *Codec) EncodeMetadata(pkt MetadataPacket) ([]byte, error) {
	c.buf.Reset()
	if err := msgpack.NewEncoder(&c.buf).Encode(pkt); err != nil {
		return nil, err
	}
	return c.buf.Bytes(), nil
}

// EncodeSnapshot serializes a snapshot packet. NaN and +/-Inf values in data
// are transmitted verbatim: MessagePack's float64 format is the IEEE-754 bit
// pattern, so no coercion is needed.
func (c *Codec) EncodeSnapshot(tNanos uint64, data map[string]float64) ([]byte, error) {
	c.buf.Reset()
	pkt := SnapshotPacket{T: tNanos, D: data}
	if err := msgpack.NewEncoder(&c.buf).Encode(pkt); err != nil {
		return nil, err
	}
	return c.buf.Bytes(), nil
}

// EncodeMetadataBytes and EncodeSnapshotBytes are stateless convenience
// wrappers over Codec, for callers that do not need buffer reuse (tests,
// one-off encodes outside a sampler loop).

func EncodeMetadataBytes(pkt MetadataPacket) ([]byte, error) {
	return msgpack.Marshal(pkt)
}

func EncodeSnapshotBytes(tNanos uint64, data map[string]float64) ([]byte, error) {
	return msgpack.Marshal(SnapshotPacket{T: tNanos, D: data})
}

// DecodeSettings decodes a single ClientSettings value from a byte slice.
func DecodeSettings(data []byte) (ClientSettings, error) {
	var cs ClientSettings
	err := msgpack.Unmarshal(data, &cs)
	return cs, err
}

// DecodeSettingsFrom decodes exactly one ClientSettings MessagePack value
// from a stream. MessagePack's self-describing framing is the delimiter: no
// length prefix is read or expected.
func DecodeSettingsFrom(r io.Reader) (ClientSettings, error) {
	var cs ClientSettings
	err := msgpack.NewDecoder(r).Decode(&cs)
	return cs, err
}
