package server

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/roboplc/metrics-exporter-scope/internal/registry"
	"github.com/roboplc/metrics-exporter-scope/wire"
	"github.com/vmihailenco/msgpack/v5"
)

func newTestServer(t *testing.T, cfg Config, reg *registry.Registry) (*Server, func()) {
	t.Helper()
	cfg.BindAddr = "127.0.0.1:0"
	srv, err := New(cfg, reg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve()
	}()
	return srv, func() {
		srv.Shutdown()
		<-done
	}
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	return conn
}

func readVersion(t *testing.T, conn net.Conn) uint16 {
	t.Helper()
	var buf [2]byte
	if _, err := conn.Read(buf[:]); err != nil {
		t.Fatalf("read version: %v", err)
	}
	return binary.LittleEndian.Uint16(buf[:])
}

func sendSettings(t *testing.T, conn net.Conn, samplingIntervalNanos uint64) {
	t.Helper()
	data, err := msgpack.Marshal(wire.ClientSettings{SamplingInterval: samplingIntervalNanos})
	if err != nil {
		t.Fatalf("marshal settings: %v", err)
	}
	if _, err := conn.Write(data); err != nil {
		t.Fatalf("write settings: %v", err)
	}
}

func TestHandshakeThenFirstPacketIsMetadata(t *testing.T) {
	reg := registry.New()
	reg.Intern("~x", nil).Set(42.0)

	srv, stop := newTestServer(t, DefaultConfig(), reg)
	defer stop()

	conn := dial(t, srv.Addr())
	defer conn.Close()

	if v := readVersion(t, conn); v != wire.Version {
		t.Fatalf("version = %d, want %d", v, wire.Version)
	}
	sendSettings(t, conn, uint64(time.Millisecond))

	dec := msgpack.NewDecoder(conn)
	var meta wire.MetadataPacket
	if err := dec.Decode(&meta); err != nil {
		t.Fatalf("decode first packet as metadata: %v", err)
	}
	if _, ok := meta.Metrics["~x"]; !ok {
		t.Fatalf("expected ~x in first metadata packet, got %+v", meta.Metrics)
	}

	var snap wire.SnapshotPacket
	if err := dec.Decode(&snap); err != nil {
		t.Fatalf("decode second packet as snapshot: %v", err)
	}
	if snap.D["~x"] != 42.0 {
		t.Fatalf("expected ~x=42.0 in first snapshot, got %+v", snap.D)
	}
}

func TestSnapshotTimestampsAreMonotonicNonDecreasing(t *testing.T) {
	reg := registry.New()
	reg.Intern("~x", nil).Set(1.0)

	srv, stop := newTestServer(t, DefaultConfig(), reg)
	defer stop()

	conn := dial(t, srv.Addr())
	defer conn.Close()
	readVersion(t, conn)
	sendSettings(t, conn, uint64(200*time.Microsecond))

	dec := msgpack.NewDecoder(conn)
	var meta wire.MetadataPacket
	if err := dec.Decode(&meta); err != nil {
		t.Fatalf("decode metadata: %v", err)
	}

	var lastT uint64
	for i := 0; i < 20; i++ {
		var snap wire.SnapshotPacket
		if err := dec.Decode(&snap); err != nil {
			t.Fatalf("decode snapshot %d: %v", i, err)
		}
		if snap.T < lastT {
			t.Fatalf("timestamp went backwards: %d then %d", lastT, snap.T)
		}
		lastT = snap.T
	}
}

func TestBelowFloorSamplingIntervalClosesConnection(t *testing.T) {
	reg := registry.New()
	cfg := DefaultConfig()
	cfg.MinSamplingInterval = time.Millisecond

	srv, stop := newTestServer(t, cfg, reg)
	defer stop()

	conn := dial(t, srv.Addr())
	defer conn.Close()
	readVersion(t, conn)
	sendSettings(t, conn, uint64(time.Microsecond)) // below the 1ms floor

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 16)
	n, err := conn.Read(buf)
	if n != 0 || err == nil {
		t.Fatalf("expected connection closed with no further bytes, got n=%d err=%v", n, err)
	}
}

func TestHandshakeTimeoutClosesConnection(t *testing.T) {
	reg := registry.New()
	cfg := DefaultConfig()
	cfg.HandshakeTimeout = 50 * time.Millisecond

	srv, stop := newTestServer(t, cfg, reg)
	defer stop()

	conn := dial(t, srv.Addr())
	defer conn.Close()
	readVersion(t, conn)
	// Never send ClientSettings.

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 16)
	n, err := conn.Read(buf)
	if n != 0 || err == nil {
		t.Fatalf("expected connection closed after handshake timeout, got n=%d err=%v", n, err)
	}
}

func TestClientDisconnectMidStreamDoesNotPanicOtherConnections(t *testing.T) {
	reg := registry.New()
	reg.Intern("~x", nil).Set(1.0)

	srv, stop := newTestServer(t, DefaultConfig(), reg)
	defer stop()

	a := dial(t, srv.Addr())
	readVersion(t, a)
	sendSettings(t, a, uint64(time.Millisecond))
	a.Close() // disconnect mid-stream

	time.Sleep(50 * time.Millisecond)

	b := dial(t, srv.Addr())
	defer b.Close()
	if v := readVersion(t, b); v != wire.Version {
		t.Fatalf("second connection got bad version %d", v)
	}
	sendSettings(t, b, uint64(time.Millisecond))
	var meta wire.MetadataPacket
	if err := msgpack.NewDecoder(b).Decode(&meta); err != nil {
		t.Fatalf("second connection failed to decode metadata: %v", err)
	}
}

// TestSlowClientDropsSamplesButStaysOpen simulates a client that stops
// reading mid-stream (spec §8 scenario 5): the server must drop samples
// once its send buffer fills rather than blocking or buffering unboundedly,
// and must keep serving once the client resumes reading.
func TestSlowClientDropsSamplesButStaysOpen(t *testing.T) {
	reg := registry.New()
	reg.Intern("~x", nil).Set(1.0)

	cfg := DefaultConfig()
	srv, stop := newTestServer(t, cfg, reg)
	defer stop()

	conn := dial(t, srv.Addr())
	defer conn.Close()
	readVersion(t, conn)
	sendSettings(t, conn, uint64(time.Millisecond))

	// Stop reading entirely for a while. At one small snapshot per
	// millisecond this pause alone may not fill the OS send buffer, so the
	// test does not assert that drops happened; it checks that the
	// connection survives the pause and that the stream stays decodable.
	time.Sleep(300 * time.Millisecond)

	// Resume reading: the connection must still be alive, and every packet
	// on the wire from here on must decode cleanly. A torn write (payload
	// requeued after only part of it reached the socket) would desynchronize
	// the MessagePack decoder and show up here as a decode error, not just a
	// missing sample.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	dec := msgpack.NewDecoder(conn)
	for i := 0; i < 10; i++ {
		var pkt map[string]interface{}
		if err := dec.Decode(&pkt); err != nil {
			t.Fatalf("decode packet %d after slow-reader period: %v", i, err)
		}
		_, isMetadata := pkt["metrics"]
		_, hasT := pkt["t"]
		_, hasD := pkt["d"]
		if !isMetadata && !(hasT && hasD) {
			t.Fatalf("packet %d is neither metadata nor snapshot shaped: %+v", i, pkt)
		}
	}
}
