// Package reliability implements the sender's Transmit Engine window state
// and the receiver's Reassembly Buffer — adapted from the teacher's
// SACK-based send/receive buffers but reduced to STP's cumulative-ACK-only,
// single-timer, single-segment-retransmission model (no SACK, no adaptive
// RTT/backoff: §1 excludes both).
package reliability

import (
	"time"

	"github.com/denniemok/simple-transport-protocol/internal/stp/seqnum"
)

// FastRetransmitThreshold is the number of duplicate ACKs that trigger a
// fast retransmit of the oldest unacknowledged segment.
const FastRetransmitThreshold = 3

// Entry is one in-flight DATA segment: created on first transmission,
// removed once the cumulative ACK advances past its last byte.
type Entry struct {
	SeqStart      uint16
	Payload       []byte
	SendTime      time.Time
	Transmissions int
	Acked         bool
}

// End returns the sequence number one past this entry's last byte.
func (e *Entry) End() uint16 {
	return seqnum.Add(seqnum.Value(e.SeqStart), uint32(len(e.Payload))).Value16()
}

// SendBuffer holds the sender's window state: send_base, next_seq, the
// in-flight entries, the duplicate-ACK counter, and the single
// retransmission timer (deadline + generation, per Design Notes §9).
type SendBuffer struct {
	entries []*Entry // FIFO, oldest (send_base) first — cumulative ACK only

	sendBase uint16
	nextSeq  uint16
	maxWin   uint32
	rto      time.Duration

	lastAckSeq  uint16
	dupAckCount int

	timerArmed    bool
	timerDeadline time.Time
	timerGen      uint64

	dataSent      uint64
	retransmitted uint64
	dupAcks       uint64
}

// NewSendBuffer creates a send buffer whose window opens at dataStart (the
// first data sequence number, isn+1) with the given max_win and rto.
func NewSendBuffer(dataStart uint16, maxWin uint32, rto time.Duration) *SendBuffer {
	return &SendBuffer{
		sendBase:   dataStart,
		nextSeq:    dataStart,
		maxWin:     maxWin,
		rto:        rto,
		lastAckSeq: dataStart,
	}
}

// CanEnqueue reports whether a DATA segment of length bytes fits the
// current window: (next_seq - send_base) mod 2^16 + length <= max_win.
func (sb *SendBuffer) CanEnqueue(length int) bool {
	inFlight := uint32(sb.nextSeq - sb.sendBase)
	return inFlight+uint32(length) <= sb.maxWin
}

// Empty reports whether every transmitted segment has been acknowledged.
func (sb *SendBuffer) Empty() bool {
	return len(sb.entries) == 0
}

// NextSeq returns the sequence number the next enqueued segment will use.
func (sb *SendBuffer) NextSeq() uint16 {
	return sb.nextSeq
}

// Enqueue records a new DATA segment as in flight and advances next_seq.
// If no timer was armed (no data was previously in flight), it arms
// one, per the sending rule in §4.3.
func (sb *SendBuffer) Enqueue(payload []byte, now time.Time) *Entry {
	e := &Entry{
		SeqStart: sb.nextSeq,
		Payload:  payload,
		SendTime: now,
	}
	sb.entries = append(sb.entries, e)
	sb.nextSeq = seqnum.Add(seqnum.Value(sb.nextSeq), uint32(len(payload))).Value16()
	sb.dataSent++
	if !sb.timerArmed {
		sb.arm(now)
	}
	return e
}

// AckResult reports the effect of processing one inbound ACK.
type AckResult struct {
	Advanced       bool
	FastRetransmit *Entry // set when this ACK was the 3rd duplicate
}

// HandleAck applies §4.3's ACK-handling rules 1-3 against ackSeq.
func (sb *SendBuffer) HandleAck(ackSeq uint16, now time.Time) AckResult {
	diff := uint32(uint16(ackSeq - sb.sendBase))
	inFlight := uint32(uint16(sb.nextSeq - sb.sendBase))

	switch {
	case diff > 0 && diff <= inFlight:
		// Rule 1: advancing ACK. Every entry lies within [send_base,
		// next_seq) which spans at most max_win bytes, so distances from
		// the pre-update send_base stay unambiguous even near a 2^16 wrap.
		oldBase := sb.sendBase
		for len(sb.entries) > 0 {
			endDistance := uint32(uint16(sb.entries[0].End() - oldBase))
			if endDistance > diff {
				break
			}
			sb.entries[0].Acked = true
			sb.entries = sb.entries[1:]
		}
		sb.sendBase = ackSeq
		sb.lastAckSeq = ackSeq
		sb.dupAckCount = 0
		if len(sb.entries) > 0 {
			sb.arm(now)
		} else {
			sb.disarm()
		}
		return AckResult{Advanced: true}

	case diff == 0:
		// Rule 2: duplicate ACK.
		sb.dupAcks++
		sb.dupAckCount++
		if sb.dupAckCount == FastRetransmitThreshold && len(sb.entries) > 0 {
			oldest := sb.entries[0]
			oldest.Transmissions++
			oldest.SendTime = now
			sb.retransmitted++
			sb.arm(now)
			sb.dupAckCount = 0
			return AckResult{FastRetransmit: oldest}
		}
		return AckResult{}

	default:
		// Rule 3: stale or beyond next_seq — ignore.
		return AckResult{}
	}
}

// arm (re)arms the single retransmission timer for now+rto, bumping the
// generation so any previously observed deadline is recognized as stale.
func (sb *SendBuffer) arm(now time.Time) {
	sb.timerArmed = true
	sb.timerDeadline = now.Add(sb.rto)
	sb.timerGen++
}

func (sb *SendBuffer) disarm() {
	sb.timerArmed = false
}

// TimerGeneration returns the current timer generation, for a caller that
// schedules its own wakeup and must discard a stale firing.
func (sb *SendBuffer) TimerGeneration() uint64 {
	return sb.timerGen
}

// TimerArmed reports whether a retransmission timer is currently armed.
func (sb *SendBuffer) TimerArmed() bool {
	return sb.timerArmed
}

// TimerDeadline returns the current timer deadline; only meaningful while
// TimerArmed is true.
func (sb *SendBuffer) TimerDeadline() time.Time {
	return sb.timerDeadline
}

// ExpireOldest is called when the timer fires: it retransmits the oldest
// unacknowledged entry (never all of them — STP does single-segment
// retransmission only, no Go-Back-N) and rearms the timer.
func (sb *SendBuffer) ExpireOldest(now time.Time) *Entry {
	if len(sb.entries) == 0 {
		sb.disarm()
		return nil
	}
	oldest := sb.entries[0]
	oldest.Transmissions++
	oldest.SendTime = now
	sb.retransmitted++
	sb.arm(now)
	return oldest
}

// SendStats holds the sender footer counters required by §6.
type SendStats struct {
	DataSegmentsSent uint64
	Retransmitted    uint64
	DuplicateAcks    uint64
}

// Statistics returns a snapshot of the sender's footer counters.
func (sb *SendBuffer) Statistics() SendStats {
	return SendStats{
		DataSegmentsSent: sb.dataSent,
		Retransmitted:    sb.retransmitted,
		DuplicateAcks:    sb.dupAcks,
	}
}
