package sender

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/denniemok/simple-transport-protocol/internal/stp/protocol"
	"github.com/denniemok/simple-transport-protocol/internal/stp/transport"
	"github.com/denniemok/simple-transport-protocol/internal/telemetry"
)

func disabledTracer(t *testing.T) *telemetry.Tracer {
	t.Helper()
	tracer, err := telemetry.NewTracer(&telemetry.Config{Enable: false}, zap.NewNop())
	if err != nil {
		t.Fatalf("build tracer: %v", err)
	}
	return tracer
}

// rawPeer is a bare UDP socket standing in for a receiver, used to
// script ACK/RESET replies a real Receiver would produce, and to observe
// exactly what the sender transmits.
type rawPeer struct {
	conn *net.UDPConn
}

func newRawPeer(t *testing.T) (*rawPeer, *net.UDPAddr) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen raw peer: %v", err)
	}
	return &rawPeer{conn: conn}, conn.LocalAddr().(*net.UDPAddr)
}

func (p *rawPeer) recvSegment(t *testing.T, timeout time.Duration) (*protocol.Segment, *net.UDPAddr) {
	t.Helper()
	if err := p.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		t.Fatalf("set read deadline: %v", err)
	}
	buf := make([]byte, 2048)
	n, addr, err := p.conn.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("raw peer read: %v", err)
	}
	seg, err := protocol.Unmarshal(buf[:n])
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return seg, addr
}

func (p *rawPeer) send(t *testing.T, addr *net.UDPAddr, seg *protocol.Segment) {
	t.Helper()
	if _, err := p.conn.WriteToUDP(seg.Marshal(), addr); err != nil {
		t.Fatalf("raw peer write: %v", err)
	}
}

func startSender(t *testing.T, file []byte, maxWin uint32, rto time.Duration, peerAddr *net.UDPAddr, isn *uint16) *Sender {
	t.Helper()
	conn, err := transport.Dial(0, peerAddr.Port)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	s, err := New(conn, file, maxWin, rto, isn, &discardWriter{}, zap.NewNop(), disabledTracer(t))
	if err != nil {
		t.Fatalf("build sender: %v", err)
	}
	return s
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestSenderHandshakeExhaustionSendsReset(t *testing.T) {
	peer, peerAddr := newRawPeer(t)
	defer peer.conn.Close()

	s := startSender(t, []byte("hi"), 1000, 30*time.Millisecond, peerAddr, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	// Never ack any SYN: the sender should retry exactly
	// maxControlTransmissions times, then RESET.
	var synAddr *net.UDPAddr
	for i := 0; i < maxControlTransmissions; i++ {
		seg, addr := peer.recvSegment(t, time.Second)
		if seg.Type != protocol.TypeSyn {
			t.Fatalf("attempt %d: expected SYN, got %s", i+1, seg.Type)
		}
		synAddr = addr
	}

	reset, _ := peer.recvSegment(t, time.Second)
	if reset.Type != protocol.TypeReset {
		t.Fatalf("expected RESET after handshake exhaustion, got %s", reset.Type)
	}
	_ = synAddr

	err := <-errCh
	if err == nil {
		t.Fatal("expected an error after handshake exhaustion")
	}
}

func TestSenderHandshakeSucceedsAndTransfers(t *testing.T) {
	peer, peerAddr := newRawPeer(t)
	defer peer.conn.Close()

	file := []byte("hello, stp")
	isn := uint16(100)
	s := startSender(t, file, 1000, 100*time.Millisecond, peerAddr, &isn)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	syn, synAddr := peer.recvSegment(t, time.Second)
	if syn.Type != protocol.TypeSyn || syn.Seq != isn {
		t.Fatalf("expected SYN(%d), got %s(%d)", isn, syn.Type, syn.Seq)
	}
	peer.send(t, synAddr, protocol.NewSegment(protocol.TypeAck, isn+1, nil))

	data, _ := peer.recvSegment(t, time.Second)
	if data.Type != protocol.TypeData || data.Seq != isn+1 || string(data.Payload) != string(file) {
		t.Fatalf("expected DATA(%d)=%q, got %s(%d)=%q", isn+1, file, data.Type, data.Seq, data.Payload)
	}
	finalAck := uint16(int(isn) + 1 + len(file))
	peer.send(t, synAddr, protocol.NewSegment(protocol.TypeAck, finalAck, nil))

	fin, _ := peer.recvSegment(t, time.Second)
	if fin.Type != protocol.TypeFin || fin.Seq != finalAck {
		t.Fatalf("expected FIN(%d), got %s(%d)", finalAck, fin.Type, fin.Seq)
	}
	peer.send(t, synAddr, protocol.NewSegment(protocol.TypeAck, finalAck+1, nil))

	if err := <-errCh; err != nil {
		t.Fatalf("sender.Run: %v", err)
	}
}

func TestSenderFastRetransmitOnTripleDuplicateAck(t *testing.T) {
	peer, peerAddr := newRawPeer(t)
	defer peer.conn.Close()

	file := make([]byte, 250) // fits in one segment, well under max_win
	isn := uint16(1)
	s := startSender(t, file, 5000, 500*time.Millisecond, peerAddr, &isn)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	syn, synAddr := peer.recvSegment(t, time.Second)
	if syn.Type != protocol.TypeSyn {
		t.Fatalf("expected SYN, got %s", syn.Type)
	}
	peer.send(t, synAddr, protocol.NewSegment(protocol.TypeAck, isn+1, nil))

	data, _ := peer.recvSegment(t, time.Second)
	if data.Type != protocol.TypeData {
		t.Fatalf("expected DATA, got %s", data.Type)
	}

	// Three duplicate ACKs of send_base must trigger exactly one fast
	// retransmit of the same segment, well before the (long) RTO fires.
	for i := 0; i < 3; i++ {
		peer.send(t, synAddr, protocol.NewSegment(protocol.TypeAck, isn+1, nil))
	}
	retransmit, _ := peer.recvSegment(t, time.Second)
	if retransmit.Type != protocol.TypeData || retransmit.Seq != data.Seq {
		t.Fatalf("expected fast retransmit of seq %d, got %s(%d)", data.Seq, retransmit.Type, retransmit.Seq)
	}

	finalAck := uint16(int(isn) + 1 + len(file))
	peer.send(t, synAddr, protocol.NewSegment(protocol.TypeAck, finalAck, nil))
	fin, _ := peer.recvSegment(t, time.Second)
	peer.send(t, synAddr, protocol.NewSegment(protocol.TypeAck, fin.Seq+1, nil))

	if err := <-errCh; err != nil {
		t.Fatalf("sender.Run: %v", err)
	}
}

func TestSenderPeerResetDuringHandshake(t *testing.T) {
	peer, peerAddr := newRawPeer(t)
	defer peer.conn.Close()

	s := startSender(t, []byte("x"), 1000, 200*time.Millisecond, peerAddr, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	syn, synAddr := peer.recvSegment(t, time.Second)
	if syn.Type != protocol.TypeSyn {
		t.Fatalf("expected SYN, got %s", syn.Type)
	}
	peer.send(t, synAddr, protocol.NewSegment(protocol.TypeReset, 0, nil))

	err := <-errCh
	if !errors.Is(err, ErrPeerReset) {
		t.Fatalf("expected ErrPeerReset, got %v", err)
	}
}
