package server

import (
	"errors"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/roboplc/metrics-exporter-scope/internal/registry"
	"github.com/roboplc/metrics-exporter-scope/internal/snapshot"
	"github.com/roboplc/metrics-exporter-scope/wire"
)

// outboxCapacity bounds the per-connection absorption buffer. It is small
// and fixed on purpose: large enough to ride out one stalled write, never
// large enough to become a buffering strategy.
const outboxCapacity = 2

// session drives one accepted connection through the handshake and
// streaming phases of the protocol state machine in spec §4.4.
type session struct {
	conn   net.Conn
	cfg    Config
	reg    *registry.Registry
	logger *slog.Logger

	closeOnce sync.Once
	closed    chan struct{}

	consecutiveDrops int
	dropCount        uint64
}

func newSession(conn net.Conn, cfg Config, reg *registry.Registry, logger *slog.Logger) *session {
	return &session{conn: conn, cfg: cfg, reg: reg, logger: logger, closed: make(chan struct{})}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.conn.Close()
	})
}

// run executes the full per-connection lifecycle and never panics: any
// handshake or transport failure simply closes the connection, per spec §7
// ("do not propagate to other connections or to producers").
func (s *session) run() {
	defer s.close()

	if err := s.writeVersion(); err != nil {
		s.logger.Debug("version write failed", "remote", s.remoteAddr(), "error", err)
		return
	}

	settings, err := s.readSettings()
	if err != nil {
		s.logger.Debug("handshake failed", "remote", s.remoteAddr(), "error", err)
		return
	}

	samplingInterval := time.Duration(settings.SamplingInterval) * time.Nanosecond
	if samplingInterval < s.cfg.MinSamplingInterval {
		s.logger.Debug("sampling interval below floor, closing connection",
			"remote", s.remoteAddr(), "requested", samplingInterval, "floor", s.cfg.MinSamplingInterval)
		return
	}

	s.stream(samplingInterval)
}

func (s *session) remoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

func (s *session) writeVersion() error {
	if _, err := s.conn.Write(wire.EncodeVersion(wire.Version)); err != nil {
		return TransportError("write version", err)
	}
	return nil
}

func (s *session) readSettings() (wire.ClientSettings, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout)); err != nil {
		return wire.ClientSettings{}, HandshakeError("set handshake read deadline", err)
	}
	settings, err := wire.DecodeSettingsFrom(s.conn)
	if err != nil {
		return wire.ClientSettings{}, HandshakeError("decode client settings", err)
	}
	if err := s.conn.SetReadDeadline(time.Time{}); err != nil {
		return wire.ClientSettings{}, HandshakeError("clear handshake read deadline", err)
	}
	return settings, nil
}

// stream runs the two-deadline emission loop of spec §4.4: metadata fires
// immediately then every MetadataInterval, snapshots fire every
// samplingInterval, and both are always computed from the previously
// scheduled tick rather than from actual send time so consecutive drops
// never shift the cadence.
func (s *session) stream(samplingInterval time.Duration) {
	t0 := time.Now()
	nextMetadata := t0
	nextSnapshot := t0.Add(samplingInterval)

	codec := wire.NewCodec()
	out := newOutbox(outboxCapacity)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		due := nextMetadata
		if nextSnapshot.Before(due) {
			due = nextSnapshot
		}

		wait := time.Until(due)
		if wait < 0 {
			wait = 0
		}
		timer.Reset(wait)

		select {
		case <-s.closed:
			return
		case <-timer.C:
		}

		now := time.Now()
		// Metadata is emitted before the snapshot when both are due for
		// this instant, per spec §4.4.
		if !now.Before(nextMetadata) {
			pkt := snapshot.BuildMetadata(s.reg, now, s.cfg.RecencyWindow)
			payload, err := codec.EncodeMetadata(pkt)
			if err != nil {
				s.logger.Debug("encode metadata failed", "remote", s.remoteAddr(),
					"error", EncodeError("encode metadata packet", err))
				return
			}
			if !s.emit(out, payload) {
				return
			}
			nextMetadata = nextMetadata.Add(s.cfg.MetadataInterval)
		}
		if !now.Before(nextSnapshot) {
			pkt := snapshot.BuildSnapshot(s.reg, t0, now, s.cfg.RecencyWindow)
			payload, err := codec.EncodeSnapshot(pkt.T, pkt.D)
			if err != nil {
				s.logger.Debug("encode snapshot failed", "remote", s.remoteAddr(),
					"error", EncodeError("encode snapshot packet", err))
				return
			}
			if !s.emit(out, payload) {
				return
			}
			nextSnapshot = nextSnapshot.Add(samplingInterval)
		}
	}
}

type writeResult int

const (
	writeOK writeResult = iota
	writeDropped
	writeFatal
)

// tryWrite attempts a write whose blocking is bounded by writeProbeTimeout:
// while the socket send buffer has room the write completes at once; if it
// stays full until the deadline the write gives up, which is the drop
// signal spec §4.4/§9 call for. (A deadline already in the past would make
// Write fail before sending anything, even on a writable socket.)
//
// A deadline-exceeded write can still have copied 0 < n < len(payload) into
// the socket send buffer before giving up. That leaves the stream torn
// mid-packet: there is no way to resume without either duplicating the n
// bytes already on the wire or corrupting the client's MessagePack decoder,
// so a partial write is classified as fatal rather than requeued whole.
func (s *session) tryWrite(payload []byte) (writeResult, error) {
	const writeProbeTimeout = time.Millisecond
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeProbeTimeout))
	n, err := s.conn.Write(payload)
	_ = s.conn.SetWriteDeadline(time.Time{})
	if err == nil {
		return writeOK, nil
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		if n > 0 {
			return writeFatal, TransportError("partial write before deadline, stream torn", err).
				WithContext("written", n).WithContext("payload_len", len(payload))
		}
		return writeDropped, nil
	}
	return writeFatal, TransportError("write failed", err)
}

func (s *session) closeOnFatalWrite(err error) {
	s.logger.Debug("closing connection after fatal write", "remote", s.remoteAddr(), "error", err)
}

// emit flushes whatever is already queued, then attempts the new packet.
// It returns false when the connection should close: either a fatal
// transport error (including a torn partial write), or the
// consecutive-drop threshold was reached.
func (s *session) emit(out *outbox, payload []byte) bool {
	for out.len() > 0 {
		front, _ := out.peek()
		result, err := s.tryWrite(front)
		switch result {
		case writeFatal:
			s.closeOnFatalWrite(err)
			return false
		case writeDropped:
			return s.queueDrop(out, payload)
		case writeOK:
			out.pop()
		}
	}

	result, err := s.tryWrite(payload)
	switch result {
	case writeOK:
		s.consecutiveDrops = 0
		return true
	case writeFatal:
		s.closeOnFatalWrite(err)
		return false
	default: // writeDropped
		return s.queueDrop(out, payload)
	}
}

// queueDrop enqueues payload (a whole, never-before-attempted-partially
// packet) for retry on the next tick, evicting the oldest queued packet
// first if the outbox is already full. It returns false once
// MaxConsecutiveDrops has been reached, telling the caller to close the
// connection instead.
func (s *session) queueDrop(out *outbox, payload []byte) bool {
	evicted := out.push(append([]byte(nil), payload...))
	s.dropCount++
	s.consecutiveDrops++
	if evicted {
		s.logger.Debug("outbox full, dropped oldest queued packet",
			"remote", s.remoteAddr(), "error", PolicyDropError("outbox at capacity"))
	} else {
		s.logger.Debug("socket not writable, packet dropped",
			"remote", s.remoteAddr(), "error", PolicyDropError("write would block"))
	}
	if s.cfg.MaxConsecutiveDrops > 0 && s.consecutiveDrops >= s.cfg.MaxConsecutiveDrops {
		s.logger.Debug("closing connection after consecutive drop threshold",
			"remote", s.remoteAddr(), "threshold", s.cfg.MaxConsecutiveDrops)
		return false
	}
	return true
}
