package reliability

import (
	"github.com/denniemok/simple-transport-protocol/internal/stp/seqnum"
)

// forwardHorizonCap bounds the out-of-order acceptance window so the
// forward/stale classification stays unambiguous under the signed 16-bit
// comparator even when max_win is close to the sequence space.
const forwardHorizonCap = 32 * 1024 // 32KB, per Design Notes §9

// ReceiveBuffer is the receiver's Reassembly Buffer: it accepts DATA
// segments in any order, delivers contiguous runs starting at
// expected_seq, and classifies everything else as forward (buffered),
// stale (duplicate), or a repeat of an already-buffered segment.
type ReceiveBuffer struct {
	expectedSeq uint16
	horizon     uint32
	outOfOrder  map[uint16][]byte

	dataReceived  uint64
	bytesReceived uint64
	duplicates    uint64
}

// NewReceiveBuffer creates a reassembly buffer expecting peerISN+1 next.
func NewReceiveBuffer(peerISN uint16, maxWin uint32) *ReceiveBuffer {
	horizon := maxWin
	if horizon == 0 || horizon > forwardHorizonCap {
		horizon = forwardHorizonCap
	}
	return &ReceiveBuffer{
		expectedSeq: peerISN + 1,
		horizon:     horizon,
		outOfOrder:  make(map[uint16][]byte),
	}
}

// ExpectedSeq returns the receiver's current cumulative-ACK value.
func (rb *ReceiveBuffer) ExpectedSeq() uint16 {
	return rb.expectedSeq
}

// Accept implements §4.5's three-way classification for an inbound DATA
// segment and returns the contiguous payload runs now ready to write to
// the output file, in order. isDuplicate is true for both the
// already-delivered (behind) case and the already-buffered (repeat)
// case.
func (rb *ReceiveBuffer) Accept(seq uint16, payload []byte) (toWrite [][]byte, isDuplicate bool) {
	rb.dataReceived++
	rb.bytesReceived += uint64(len(payload))

	switch {
	case seq == rb.expectedSeq:
		toWrite = append(toWrite, payload)
		rb.expectedSeq = seqnum.Add(seqnum.Value(rb.expectedSeq), uint32(len(payload))).Value16()

		for {
			buffered, ok := rb.outOfOrder[rb.expectedSeq]
			if !ok {
				break
			}
			toWrite = append(toWrite, buffered)
			delete(rb.outOfOrder, rb.expectedSeq)
			rb.expectedSeq = seqnum.Add(seqnum.Value(rb.expectedSeq), uint32(len(buffered))).Value16()
		}
		return toWrite, false

	case seqnum.InForwardWindow(seqnum.Value(seq), seqnum.Value(rb.expectedSeq), rb.horizon):
		if _, exists := rb.outOfOrder[seq]; exists {
			rb.duplicates++
			return nil, true
		}
		rb.outOfOrder[seq] = payload
		return nil, false

	default:
		// Behind expected_seq: bytes already delivered. Discard as duplicate.
		rb.duplicates++
		return nil, true
	}
}

// RecvStats holds the receiver footer counters required by §6.
type RecvStats struct {
	DataSegmentsReceived uint64
	BytesReceived        uint64
	Duplicates           uint64
}

// Statistics returns a snapshot of the reassembly counters.
func (rb *ReceiveBuffer) Statistics() RecvStats {
	return RecvStats{
		DataSegmentsReceived: rb.dataReceived,
		BytesReceived:        rb.bytesReceived,
		Duplicates:           rb.duplicates,
	}
}
