package reliability

import (
	"testing"
	"time"
)

func TestSendBufferCanEnqueueBoundary(t *testing.T) {
	sb := NewSendBuffer(1, 3000, time.Second)

	sb.Enqueue(make([]byte, 1000), time.Now())
	sb.Enqueue(make([]byte, 1000), time.Now())

	if !sb.CanEnqueue(1000) {
		t.Error("exactly filling max_win should be allowed")
	}
	sb.Enqueue(make([]byte, 1000), time.Now())

	if sb.CanEnqueue(1) {
		t.Error("window is full; one more byte should not fit")
	}
}

func TestSendBufferCumulativeAckAdvance(t *testing.T) {
	sb := NewSendBuffer(1, 5000, time.Second)
	now := time.Now()

	sb.Enqueue(make([]byte, 100), now) // seq 1..100
	sb.Enqueue(make([]byte, 100), now) // seq 101..200
	sb.Enqueue(make([]byte, 100), now) // seq 201..300

	result := sb.HandleAck(201, now)
	if !result.Advanced {
		t.Fatal("ACK covering first two segments should advance send_base")
	}
	if len(sb.entries) != 1 {
		t.Fatalf("expected 1 entry remaining, got %d", len(sb.entries))
	}
	if sb.entries[0].SeqStart != 201 {
		t.Errorf("remaining entry should start at 201, got %d", sb.entries[0].SeqStart)
	}
	if sb.sendBase != 201 {
		t.Errorf("send_base should be 201, got %d", sb.sendBase)
	}
}

func TestSendBufferFastRetransmitOnThirdDuplicate(t *testing.T) {
	sb := NewSendBuffer(1, 5000, time.Second)
	now := time.Now()

	sb.Enqueue(make([]byte, 100), now)
	sb.Enqueue(make([]byte, 100), now)

	for i := 0; i < 2; i++ {
		result := sb.HandleAck(1, now)
		if result.FastRetransmit != nil {
			t.Fatalf("fast retransmit should not trigger before 3rd duplicate, got it at dup %d", i+1)
		}
	}

	result := sb.HandleAck(1, now)
	if result.FastRetransmit == nil {
		t.Fatal("3rd duplicate ACK should trigger fast retransmit")
	}
	if result.FastRetransmit.SeqStart != 1 {
		t.Errorf("fast retransmit should target the oldest entry (seq 1), got %d", result.FastRetransmit.SeqStart)
	}

	// A 4th and 5th duplicate must not re-trigger until the counter resets.
	result = sb.HandleAck(1, now)
	if result.FastRetransmit != nil {
		t.Error("4th duplicate ACK should not re-trigger fast retransmit")
	}
	result = sb.HandleAck(1, now)
	if result.FastRetransmit != nil {
		t.Error("5th duplicate ACK should not re-trigger fast retransmit")
	}
}

func TestSendBufferTimerArmDisarmExpire(t *testing.T) {
	sb := NewSendBuffer(1, 5000, 50*time.Millisecond)
	now := time.Now()

	if sb.TimerArmed() {
		t.Error("timer should not be armed before any segment is sent")
	}

	sb.Enqueue(make([]byte, 100), now)
	sb.arm(now)
	if !sb.TimerArmed() {
		t.Fatal("timer should be armed once a segment is in flight")
	}
	gen := sb.TimerGeneration()

	entry := sb.ExpireOldest(now.Add(50 * time.Millisecond))
	if entry == nil || entry.SeqStart != 1 {
		t.Fatal("expiry should retransmit the oldest entry")
	}
	if sb.TimerGeneration() == gen {
		t.Error("expiry should bump the timer generation")
	}
	if !sb.TimerArmed() {
		t.Error("timer should be rearmed after expiry while entries remain")
	}

	sb.HandleAck(101, now)
	if sb.TimerArmed() {
		t.Error("timer should disarm once every entry is acknowledged")
	}
}

func TestSendBufferIgnoresStaleAck(t *testing.T) {
	sb := NewSendBuffer(1, 5000, time.Second)
	now := time.Now()

	sb.Enqueue(make([]byte, 100), now)
	sb.HandleAck(101, now)

	result := sb.HandleAck(50, now) // behind send_base
	if result.Advanced {
		t.Error("stale ACK behind send_base must not advance state")
	}
	if result.FastRetransmit != nil {
		t.Error("stale ACK must not trigger a retransmit")
	}
}

func TestSendBufferStatistics(t *testing.T) {
	sb := NewSendBuffer(1, 5000, time.Second)
	now := time.Now()

	sb.Enqueue(make([]byte, 100), now)
	sb.Enqueue(make([]byte, 100), now)
	sb.HandleAck(1, now)
	sb.HandleAck(1, now)
	sb.HandleAck(1, now) // 3rd duplicate: fast retransmit

	stats := sb.Statistics()
	if stats.DataSegmentsSent != 2 {
		t.Errorf("DataSegmentsSent should be 2, got %d", stats.DataSegmentsSent)
	}
	if stats.DuplicateAcks != 3 {
		t.Errorf("DuplicateAcks should be 3, got %d", stats.DuplicateAcks)
	}
	if stats.Retransmitted != 1 {
		t.Errorf("Retransmitted should be 1, got %d", stats.Retransmitted)
	}
}
