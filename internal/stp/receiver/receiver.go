// Package receiver implements the STP receiver endpoint: the Lifecycle
// Controller, Loss Channel, Reassembly Buffer, and ACK Generator described
// in §4.4-4.6, mirrored against the sender's Lifecycle Controller but
// collapsed into a single Receive context that both consumes segments and
// drives the socket, per §5 ("this is the only context that writes to the
// socket in the ESTABLISHED state").
package receiver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	guuid "github.com/Lzww0608/GUUID"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/denniemok/simple-transport-protocol/internal/stp/losschannel"
	"github.com/denniemok/simple-transport-protocol/internal/stp/protocol"
	"github.com/denniemok/simple-transport-protocol/internal/stp/reliability"
	"github.com/denniemok/simple-transport-protocol/internal/stp/seqnum"
	"github.com/denniemok/simple-transport-protocol/internal/stp/stplog"
	"github.com/denniemok/simple-transport-protocol/internal/stp/transport"
	"github.com/denniemok/simple-transport-protocol/internal/telemetry"
)

// timeWaitDuration is the hard, uncancellable wait §4.4 specifies between
// acking a FIN and closing.
const timeWaitDuration = 2 * time.Second

// State is the receiver's lifecycle state.
type State int

const (
	StateClosed State = iota
	StateListen
	StateEstablished
	StateTimeWait
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateListen:
		return "LISTEN"
	case StateEstablished:
		return "ESTABLISHED"
	case StateTimeWait:
		return "TIME_WAIT"
	default:
		return "UNKNOWN"
	}
}

// ErrPeerReset is returned when the peer sends RESET at any point.
var ErrPeerReset = errors.New("receiver: connection reset by peer")

// Receiver drives one inbound file transfer to completion.
type Receiver struct {
	conn     *transport.Conn
	out      io.Writer
	loss     *losschannel.Channel
	peerPort int

	opLog       *zap.Logger
	tracer      *telemetry.Tracer
	traceWriter io.Writer
	trace       *stplog.TraceLogger
	connID      string

	state   State
	peerISN uint16
	recvBuf *reliability.ReceiveBuffer

	dataDropped uint64
}

// New builds a receiver bound to conn, writing delivered bytes to out. seed
// drives the Loss Channel's PRNG; flp/rlp are its inbound/outbound drop
// probabilities (§4.6). peerPort is the sender's configured port (§6); a
// datagram from any other source port is treated as foreign traffic and
// ignored, since STP permits no multi-connection multiplexing.
func New(conn *transport.Conn, out io.Writer, seed int64, flp, rlp float64, peerPort int, traceWriter io.Writer, opLog *zap.Logger, tracer *telemetry.Tracer) (*Receiver, error) {
	id, err := guuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("receiver: generate connection id: %w", err)
	}
	return &Receiver{
		conn:        conn,
		out:         out,
		loss:        losschannel.New(seed, flp, rlp),
		peerPort:    peerPort,
		opLog:       opLog,
		tracer:      tracer,
		traceWriter: traceWriter,
		connID:      id.String(),
		state:       StateClosed,
	}, nil
}

// Run executes LISTEN, the data transfer, and TIME_WAIT. It returns nil
// only after reaching CLOSED through the normal path.
func (r *Receiver) Run(ctx context.Context) error {
	ctx, span := r.tracer.Start(ctx, "stp.receiver.connection")
	defer span.End()
	r.tracer.SetAttributes(ctx, telemetry.ConnIDAttr(r.connID))
	defer func() {
		if r.trace != nil {
			r.trace.Sync()
		}
	}()

	r.state = StateListen
	lctx, lspan := r.tracer.Start(ctx, "listen")
	err := r.listen(lctx)
	lspan.End()
	if err != nil {
		r.tracer.RecordError(ctx, err)
		return err
	}
	r.tracer.SetAttributes(ctx, attribute.Int("stp.peer_isn", int(r.peerISN)))

	tctx, tspan := r.tracer.Start(ctx, "transfer")
	err = r.transfer(tctx)
	tspan.End()
	if err != nil {
		r.tracer.RecordError(ctx, err)
		return err
	}

	wctx, wspan := r.tracer.Start(ctx, "time_wait")
	err = r.timeWait(wctx)
	wspan.End()
	if err != nil {
		r.tracer.RecordError(ctx, err)
		return err
	}
	r.state = StateClosed

	recvStats := r.recvBuf.Statistics()
	r.trace.ReceiverFooter(recvStats.BytesReceived, stplog.ReceiverFooterStats{
		DataSegmentsReceived: recvStats.DataSegmentsReceived,
		Duplicates:           recvStats.Duplicates,
		DataDropped:          r.dataDropped,
		AckDropped:           r.loss.DroppedOutbound(),
	})
	r.tracer.SetAttributes(ctx,
		attribute.Int64("stp.data_bytes_received", int64(recvStats.BytesReceived)),
		attribute.Int64("stp.data_segments_received", int64(recvStats.DataSegmentsReceived)),
		attribute.Int64("stp.duplicates", int64(recvStats.Duplicates)),
		attribute.Int64("stp.data_dropped", int64(r.dataDropped)),
		attribute.Int64("stp.ack_dropped", int64(r.loss.DroppedOutbound())),
	)
	return nil
}

// listen drives CLOSED -> LISTEN -> ESTABLISHED: it waits for a SYN (or a
// retransmit of one the Loss Channel previously discarded), learns the
// peer's address and ISN, and acks it.
func (r *Receiver) listen(ctx context.Context) error {
	for {
		dg, err := r.conn.Receive(ctx)
		if err != nil {
			if done, derr := r.fatalOrDone(ctx, err); done {
				return derr
			}
			continue
		}
		if r.foreign(dg) {
			continue
		}
		seg := dg.Segment
		if r.trace == nil {
			r.trace = stplog.NewTraceLogger(r.traceWriter, time.Now())
		}

		switch seg.Type {
		case protocol.TypeReset:
			r.trace.Trace(stplog.DirRecv, protocol.TypeReset, seg.Seq, 0)
			return ErrPeerReset

		case protocol.TypeSyn:
			if r.dropCheck(seg) {
				continue
			}
			r.trace.Trace(stplog.DirRecv, protocol.TypeSyn, seg.Seq, 0)
			r.conn.SetRemoteAddr(dg.Addr)
			r.peerISN = seg.Seq
			// max_win is not passed to the receiver (§6); the forward
			// horizon falls back to the 32KB cap Design Notes §9 allows.
			r.recvBuf = reliability.NewReceiveBuffer(r.peerISN, 0)
			if err := r.sendAck(r.recvBuf.ExpectedSeq()); err != nil {
				return err
			}
			r.state = StateEstablished
			return nil

		default:
			r.sendRawReset(dg.Addr)
			return fmt.Errorf("receiver: unexpected %s in LISTEN", seg.Type)
		}
	}
}

// transfer drives ESTABLISHED: every inbound DATA segment is run through
// the Loss Channel, then the Reassembly Buffer, with exactly one
// cumulative ACK emitted per segment processed (§4.5). It returns once a
// valid FIN has been acked.
func (r *Receiver) transfer(ctx context.Context) error {
	for {
		dg, err := r.conn.Receive(ctx)
		if err != nil {
			if done, derr := r.fatalOrDone(ctx, err); done {
				return derr
			}
			continue
		}
		if r.foreign(dg) {
			continue
		}
		seg := dg.Segment

		switch seg.Type {
		case protocol.TypeReset:
			r.trace.Trace(stplog.DirRecv, protocol.TypeReset, seg.Seq, 0)
			return ErrPeerReset

		case protocol.TypeData:
			if r.dropCheck(seg) {
				continue
			}
			r.trace.Trace(stplog.DirRecv, protocol.TypeData, seg.Seq, len(seg.Payload))
			toWrite, _ := r.recvBuf.Accept(seg.Seq, seg.Payload)
			for _, chunk := range toWrite {
				if _, err := r.out.Write(chunk); err != nil {
					return fmt.Errorf("receiver: write output: %w", err)
				}
			}
			if err := r.sendAck(r.recvBuf.ExpectedSeq()); err != nil {
				return err
			}

		case protocol.TypeSyn:
			if seg.Seq != r.peerISN {
				r.sendRawReset(dg.Addr)
				return fmt.Errorf("receiver: SYN mismatch in ESTABLISHED")
			}
			if r.dropCheck(seg) {
				continue
			}
			r.trace.Trace(stplog.DirRecv, protocol.TypeSyn, seg.Seq, 0)
			// The sender's original ACK must have been lost; re-ack.
			if err := r.sendAck(r.recvBuf.ExpectedSeq()); err != nil {
				return err
			}

		case protocol.TypeFin:
			if r.dropCheck(seg) {
				continue
			}
			if seg.Seq != r.recvBuf.ExpectedSeq() {
				r.sendRawReset(dg.Addr)
				return fmt.Errorf("receiver: FIN before data complete")
			}
			r.trace.Trace(stplog.DirRecv, protocol.TypeFin, seg.Seq, 0)
			finAck := seqnum.Add(seqnum.Value(seg.Seq), 1).Value16()
			if err := r.sendAck(finAck); err != nil {
				return err
			}
			r.state = StateTimeWait
			return nil

		default:
			r.sendRawReset(dg.Addr)
			return fmt.Errorf("receiver: unexpected %s in ESTABLISHED", seg.Type)
		}
	}
}

// timeWait holds TIME_WAIT for the 2-second window (§4.4, §5), re-acking a
// retransmitted FIN (the sender's ACK of it must have been lost) should one
// arrive before the deadline. It returns early only when a RESET arrives or
// ctx ends first.
func (r *Receiver) timeWait(ctx context.Context) error {
	deadline := time.Now().Add(timeWaitDuration)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}

		rctx, cancel := context.WithTimeout(ctx, remaining)
		dg, err := r.conn.Receive(rctx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			if done, derr := r.fatalOrDone(ctx, err); done {
				return derr
			}
			continue
		}
		if r.foreign(dg) {
			continue
		}

		seg := dg.Segment
		switch seg.Type {
		case protocol.TypeReset:
			r.trace.Trace(stplog.DirRecv, protocol.TypeReset, seg.Seq, 0)
			return ErrPeerReset
		case protocol.TypeFin:
			if r.dropCheck(seg) {
				continue
			}
			r.trace.Trace(stplog.DirRecv, protocol.TypeFin, seg.Seq, 0)
			finAck := seqnum.Add(seqnum.Value(seg.Seq), 1).Value16()
			if err := r.sendAck(finAck); err != nil {
				return err
			}
		default:
			// Stray segments during TIME_WAIT are ignored, per §7.
		}
	}
}

// foreign reports whether dg arrived from a source port other than the
// sender's configured port. A zero peerPort disables the check.
func (r *Receiver) foreign(dg *transport.Datagram) bool {
	return r.peerPort != 0 && dg.Addr != nil && dg.Addr.Port != r.peerPort
}

// dropCheck runs the Loss Channel's inbound Bernoulli trial for seg and,
// if dropped, records the trace-log "drp" line and counters. It reports
// whether the caller should treat seg as never having arrived.
func (r *Receiver) dropCheck(seg *protocol.Segment) bool {
	if !r.loss.DropInbound(seg.Type) {
		return false
	}
	payloadLen := 0
	if seg.Type == protocol.TypeData {
		payloadLen = len(seg.Payload)
		r.dataDropped++
	}
	r.trace.Trace(stplog.DirDrop, seg.Type, seg.Seq, payloadLen)
	return true
}

// sendAck runs the Loss Channel's outbound Bernoulli trial and, unless
// dropped, transmits an ACK for seq.
func (r *Receiver) sendAck(seq uint16) error {
	if r.loss.DropOutbound() {
		r.trace.Trace(stplog.DirDrop, protocol.TypeAck, seq, 0)
		return nil
	}
	if err := r.conn.Send(protocol.NewSegment(protocol.TypeAck, seq, nil)); err != nil {
		return fmt.Errorf("receiver: send ack: %w", err)
	}
	r.trace.Trace(stplog.DirSend, protocol.TypeAck, seq, 0)
	return nil
}

// sendRawReset transmits a RESET, bypassing the Loss Channel (§4.6: RESET
// is never dropped), learning the peer address from addr if it is not yet
// known.
func (r *Receiver) sendRawReset(addr *net.UDPAddr) {
	if r.conn.RemoteAddr() == nil && addr != nil {
		r.conn.SetRemoteAddr(addr)
	}
	if err := r.conn.Send(protocol.NewSegment(protocol.TypeReset, 0, nil)); err != nil {
		r.opLog.Error("receiver: failed to send reset", zap.Error(err))
		return
	}
	if r.trace != nil {
		r.trace.Trace(stplog.DirSend, protocol.TypeReset, 0, 0)
	}
}

// fatalOrDone classifies an error from conn.Receive: a cancelled context
// is a clean shutdown, a net.Error is a fatal socket failure, and anything
// else (a malformed segment) is absorbed silently per §7.
func (r *Receiver) fatalOrDone(ctx context.Context, err error) (done bool, rerr error) {
	if ctx.Err() != nil {
		return true, ctx.Err()
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true, fmt.Errorf("receiver: fatal socket read: %w", err)
	}
	return false, nil
}
