// Package sender implements the STP sender endpoint: the Lifecycle
// Controller, Transmit Engine, and Receive Path described in §4.2-4.3,
// wired together the way the teacher's Connection type orchestrates
// sendLoop/recvLoop/reliabilityLoop goroutines over channels, but
// reduced to STP's single-timer, cumulative-ACK-only model.
package sender

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"time"

	guuid "github.com/Lzww0608/GUUID"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/denniemok/simple-transport-protocol/internal/stp/protocol"
	"github.com/denniemok/simple-transport-protocol/internal/stp/reliability"
	"github.com/denniemok/simple-transport-protocol/internal/stp/seqnum"
	"github.com/denniemok/simple-transport-protocol/internal/stp/stplog"
	"github.com/denniemok/simple-transport-protocol/internal/stp/transport"
	"github.com/denniemok/simple-transport-protocol/internal/telemetry"
)

// maxControlTransmissions bounds SYN/FIN retransmission: three total
// transmissions; when the third times out, RESET is sent instead (§4.2).
const maxControlTransmissions = 3

// State is the sender's lifecycle state.
type State int

const (
	StateClosed State = iota
	StateSynSent
	StateEstablished
	StateClosing
	StateFinWait
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateSynSent:
		return "SYN_SENT"
	case StateEstablished:
		return "ESTABLISHED"
	case StateClosing:
		return "CLOSING"
	case StateFinWait:
		return "FIN_WAIT"
	default:
		return "UNKNOWN"
	}
}

// ErrPeerReset is returned when the peer sends RESET at any point.
var ErrPeerReset = errors.New("sender: connection reset by peer")

// ackEvent is what the receive path posts to the transmit context: a
// decoded ACK sequence number, or a RESET notification. This is the
// channel-based message passing §4.3 and §9 call for, so the send
// window state is mutated by a single goroutine with no locking.
type ackEvent struct {
	seq     uint16
	isReset bool
}

// Sender drives one file transfer to completion.
type Sender struct {
	conn   *transport.Conn
	file   []byte
	maxWin uint32
	rto    time.Duration

	opLog       *zap.Logger
	tracer      *telemetry.Tracer
	traceWriter io.Writer
	trace       *stplog.TraceLogger
	connID      string

	isn         uint16
	isnOverride *uint16
	state       State
	sendBuf     *reliability.SendBuffer
	ackCh       chan ackEvent
}

// New builds a sender bound to conn, ready to transmit file's contents.
// isnOverride, when non-nil, fixes the initial sequence number instead of
// drawing one uniformly at random (§3); pass nil in production, a
// non-nil value only to make a sequence-wrap scenario reproducible in
// tests.
func New(conn *transport.Conn, file []byte, maxWin uint32, rto time.Duration, isnOverride *uint16, traceWriter io.Writer, opLog *zap.Logger, tracer *telemetry.Tracer) (*Sender, error) {
	id, err := guuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("sender: generate connection id: %w", err)
	}
	return &Sender{
		conn:        conn,
		file:        file,
		maxWin:      maxWin,
		rto:         rto,
		isnOverride: isnOverride,
		opLog:       opLog,
		tracer:      tracer,
		traceWriter: traceWriter,
		connID:      id.String(),
		state:       StateClosed,
		ackCh:       make(chan ackEvent, 16),
	}, nil
}

// Run executes the handshake, transfers file, and tears down the
// connection. It returns nil only after reaching CLOSED through the
// normal path.
func (s *Sender) Run(ctx context.Context) error {
	if s.isnOverride != nil {
		s.isn = *s.isnOverride
	} else {
		s.isn = uint16(rand.Intn(65536))
	}
	s.trace = stplog.NewTraceLogger(s.traceWriter, time.Now())
	defer s.trace.Sync()

	ctx, span := s.tracer.Start(ctx, "stp.sender.connection")
	defer span.End()
	s.tracer.SetAttributes(ctx, telemetry.ConnIDAttr(s.connID), attribute.Int("stp.isn", int(s.isn)))

	recvCtx, cancelRecv := context.WithCancel(ctx)
	defer cancelRecv()
	go s.receiveLoop(recvCtx)

	if err := s.handshake(ctx); err != nil {
		s.tracer.RecordError(ctx, err)
		return err
	}

	if err := s.transfer(ctx); err != nil {
		s.tracer.RecordError(ctx, err)
		return err
	}

	if err := s.teardown(ctx); err != nil {
		s.tracer.RecordError(ctx, err)
		return err
	}

	stats := s.sendBuf.Statistics()
	s.trace.SenderFooter(uint64(len(s.file)), stplog.SenderFooterStats{
		DataSegmentsSent: stats.DataSegmentsSent,
		Retransmitted:    stats.Retransmitted,
		DuplicateAcks:    stats.DuplicateAcks,
	})
	s.tracer.SetAttributes(ctx,
		attribute.Int64("stp.data_segments_sent", int64(stats.DataSegmentsSent)),
		attribute.Int64("stp.retransmitted", int64(stats.Retransmitted)),
		attribute.Int64("stp.duplicate_acks", int64(stats.DuplicateAcks)),
	)
	return nil
}

// handshake drives CLOSED -> SYN_SENT -> ESTABLISHED.
func (s *Sender) handshake(ctx context.Context) error {
	hctx, hspan := s.tracer.Start(ctx, "handshake")
	defer hspan.End()

	s.state = StateSynSent
	wantAck := seqnum.Add(seqnum.Value(s.isn), 1).Value16()
	if err := s.reliableControlSend(hctx, protocol.TypeSyn, s.isn, wantAck); err != nil {
		s.state = StateClosed
		return err
	}
	s.state = StateEstablished
	s.sendBuf = reliability.NewSendBuffer(wantAck, s.maxWin, s.rto)
	return nil
}

// transfer drives the ESTABLISHED data phase until every byte of file
// has been sent and cumulatively acknowledged.
func (s *Sender) transfer(ctx context.Context) error {
	tctx, tspan := s.tracer.Start(ctx, "transfer")
	defer tspan.End()

	offset := 0
	for {
		for offset < len(s.file) {
			chunkLen := min(protocol.MSS, len(s.file)-offset)
			if !s.sendBuf.CanEnqueue(chunkLen) {
				break
			}
			chunk := s.file[offset : offset+chunkLen]
			entry := s.sendBuf.Enqueue(chunk, time.Now())
			if err := s.sendSegment(protocol.NewSegment(protocol.TypeData, entry.SeqStart, chunk)); err != nil {
				return err
			}
			offset += chunkLen
		}

		if offset >= len(s.file) && s.sendBuf.Empty() {
			return nil
		}

		var timerC <-chan time.Time
		if s.sendBuf.TimerArmed() {
			d := time.Until(s.sendBuf.TimerDeadline())
			if d < 0 {
				d = 0
			}
			timerC = time.After(d)
		}

		select {
		case <-tctx.Done():
			return tctx.Err()
		case ev := <-s.ackCh:
			if ev.isReset {
				return ErrPeerReset
			}
			result := s.sendBuf.HandleAck(ev.seq, time.Now())
			if result.FastRetransmit != nil {
				if err := s.sendSegment(protocol.NewSegment(protocol.TypeData, result.FastRetransmit.SeqStart, result.FastRetransmit.Payload)); err != nil {
					return err
				}
			}
		case <-timerC:
			if entry := s.sendBuf.ExpireOldest(time.Now()); entry != nil {
				if err := s.sendSegment(protocol.NewSegment(protocol.TypeData, entry.SeqStart, entry.Payload)); err != nil {
					return err
				}
			}
		}
	}
}

// teardown drives ESTABLISHED -> CLOSING -> FIN_WAIT -> CLOSED.
func (s *Sender) teardown(ctx context.Context) error {
	tctx, tspan := s.tracer.Start(ctx, "teardown")
	defer tspan.End()

	s.state = StateClosing
	finSeq := seqnum.Add(seqnum.Value(s.isn), uint32(1+len(s.file))).Value16()
	wantAck := seqnum.Add(seqnum.Value(finSeq), 1).Value16()

	s.state = StateFinWait
	if err := s.reliableControlSend(tctx, protocol.TypeFin, finSeq, wantAck); err != nil {
		s.state = StateClosed
		return err
	}
	s.state = StateClosed
	return nil
}

// reliableControlSend sends a SYN or FIN up to maxControlTransmissions
// times, waiting rto between attempts for an ACK of wantAckSeq. It
// sends RESET and fails once transmissions are exhausted.
func (s *Sender) reliableControlSend(ctx context.Context, typ protocol.Type, seq, wantAckSeq uint16) error {
	for attempt := 1; attempt <= maxControlTransmissions; attempt++ {
		if err := s.sendSegment(protocol.NewSegment(typ, seq, nil)); err != nil {
			return err
		}

		acked, reset, err := s.awaitAck(ctx, wantAckSeq, time.Now().Add(s.rto))
		if err != nil {
			return err
		}
		if reset {
			return ErrPeerReset
		}
		if acked {
			return nil
		}
	}

	if err := s.sendSegment(protocol.NewSegment(protocol.TypeReset, 0, nil)); err != nil {
		return err
	}
	return fmt.Errorf("sender: %s exhausted %d transmissions without ack", typ, maxControlTransmissions)
}

// awaitAck blocks until wantSeq is acknowledged, a RESET arrives, the
// deadline passes, or ctx is cancelled.
func (s *Sender) awaitAck(ctx context.Context, wantSeq uint16, deadline time.Time) (acked, reset bool, err error) {
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, false, nil
		}
		select {
		case <-ctx.Done():
			return false, false, ctx.Err()
		case ev := <-s.ackCh:
			if ev.isReset {
				return false, true, nil
			}
			if ev.seq == wantSeq {
				return true, false, nil
			}
			// Any other ACK is stale for this SYN/FIN; keep waiting.
		case <-time.After(remaining):
			return false, false, nil
		}
	}
}

// sendSegment transmits seg and records the trace-log line for it.
func (s *Sender) sendSegment(seg *protocol.Segment) error {
	if err := s.conn.Send(seg); err != nil {
		return fmt.Errorf("sender: send %s: %w", seg.Type, err)
	}
	payloadLen := 0
	if seg.Type == protocol.TypeData {
		payloadLen = len(seg.Payload)
	}
	s.trace.Trace(stplog.DirSend, seg.Type, seg.Seq, payloadLen)
	return nil
}

// receiveLoop is the Receive Path: it owns nothing but the socket and
// the decoder, and forwards every ACK/RESET onto ackCh for the
// Transmit context (transfer/reliableControlSend) to fold into window
// state.
func (s *Sender) receiveLoop(ctx context.Context) {
	for {
		dg, err := s.conn.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) {
				s.opLog.Error("sender: fatal socket read error", zap.Error(err))
				return
			}
			// Malformed segment: ignore silently, per §7.
			continue
		}

		seg := dg.Segment
		switch seg.Type {
		case protocol.TypeAck:
			s.trace.Trace(stplog.DirRecv, protocol.TypeAck, seg.Seq, 0)
			select {
			case s.ackCh <- ackEvent{seq: seg.Seq}:
			case <-ctx.Done():
				return
			}
		case protocol.TypeReset:
			s.trace.Trace(stplog.DirRecv, protocol.TypeReset, seg.Seq, 0)
			select {
			case s.ackCh <- ackEvent{isReset: true}:
			case <-ctx.Done():
			}
			return
		default:
			// A sender never expects SYN/DATA/FIN from its peer; ignore.
		}
	}
}
