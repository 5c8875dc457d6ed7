package stplog

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/denniemok/simple-transport-protocol/internal/stp/protocol"
)

func TestTraceLineFormat(t *testing.T) {
	var buf bytes.Buffer
	start := time.Now().Add(-5 * time.Millisecond)
	tl := NewTraceLogger(&buf, start)

	tl.Trace(DirSend, protocol.TypeData, 1001, 250)
	tl.Sync()

	line := strings.TrimSpace(buf.String())
	fields := strings.Fields(line)
	if len(fields) != 5 {
		t.Fatalf("expected 5 fields, got %d: %q", len(fields), line)
	}
	if fields[0] != "snd" {
		t.Errorf("direction = %q, want snd", fields[0])
	}
	if fields[2] != "DATA" {
		t.Errorf("type = %q, want DATA", fields[2])
	}
	if fields[3] != "1001" {
		t.Errorf("seq = %q, want 1001", fields[3])
	}
	if fields[4] != "250" {
		t.Errorf("payload_len = %q, want 250", fields[4])
	}
}

func TestTraceLineNonDataPayloadLenZero(t *testing.T) {
	var buf bytes.Buffer
	tl := NewTraceLogger(&buf, time.Now())

	tl.Trace(DirRecv, protocol.TypeAck, 1, 0)
	tl.Sync()

	fields := strings.Fields(strings.TrimSpace(buf.String()))
	if fields[4] != "0" {
		t.Errorf("non-DATA payload_len should be 0, got %q", fields[4])
	}
}

func TestSenderFooter(t *testing.T) {
	var buf bytes.Buffer
	tl := NewTraceLogger(&buf, time.Now())

	tl.SenderFooter(3500, SenderFooterStats{DataSegmentsSent: 4, Retransmitted: 0, DuplicateAcks: 0})
	tl.Sync()

	out := buf.String()
	for _, want := range []string{"data_bytes_transferred=3500", "data_segments_sent=4", "retransmitted=0", "duplicate_acks=0"} {
		if !strings.Contains(out, want) {
			t.Errorf("footer missing %q in %q", want, out)
		}
	}
}

func TestReceiverFooter(t *testing.T) {
	var buf bytes.Buffer
	tl := NewTraceLogger(&buf, time.Now())

	tl.ReceiverFooter(3500, ReceiverFooterStats{DataSegmentsReceived: 4, Duplicates: 1, DataDropped: 2, AckDropped: 1})
	tl.Sync()

	out := buf.String()
	for _, want := range []string{"data_bytes_received=3500", "data_segments_received=4", "duplicate_data=1", "data_dropped=2", "ack_dropped=1"} {
		if !strings.Contains(out, want) {
			t.Errorf("footer missing %q in %q", want, out)
		}
	}
}
