// Package transport provides the UDP datagram substrate STP segments ride
// on, adapted from the teacher's Quantum transport layer but stripped of
// FEC/SACK framing: every datagram is exactly one STP segment.
package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/denniemok/simple-transport-protocol/internal/stp/protocol"
)

// maxDatagramSize bounds a single read: header plus the largest DATA payload.
const maxDatagramSize = protocol.HeaderSize + protocol.MSS

// Datagram is a received segment paired with the address it arrived from.
type Datagram struct {
	Segment *protocol.Segment
	Addr    *net.UDPAddr
}

// Conn is a thin wrapper over *net.UDPConn that speaks STP segments.
type Conn struct {
	udpConn    *net.UDPConn
	localAddr  *net.UDPAddr
	remoteAddr *net.UDPAddr
	readBuf    []byte
}

// Dial opens a connected UDP socket between localPort and remotePort, for
// the sender side. Both endpoints run on loopback per §6.
func Dial(localPort, remotePort int) (*Conn, error) {
	local := &net.UDPAddr{Port: localPort, IP: net.IPv4(127, 0, 0, 1)}
	remote := &net.UDPAddr{Port: remotePort, IP: net.IPv4(127, 0, 0, 1)}

	udpConn, err := net.DialUDP("udp", local, remote)
	if err != nil {
		return nil, fmt.Errorf("transport: dial udp: %w", err)
	}

	return &Conn{
		udpConn:    udpConn,
		localAddr:  udpConn.LocalAddr().(*net.UDPAddr),
		remoteAddr: remote,
		readBuf:    make([]byte, maxDatagramSize),
	}, nil
}

// Listen opens a UDP socket bound to localPort, for the receiver side.
func Listen(localPort int) (*Conn, error) {
	local := &net.UDPAddr{Port: localPort, IP: net.IPv4(127, 0, 0, 1)}

	udpConn, err := net.ListenUDP("udp", local)
	if err != nil {
		return nil, fmt.Errorf("transport: listen udp: %w", err)
	}

	return &Conn{
		udpConn:   udpConn,
		localAddr: udpConn.LocalAddr().(*net.UDPAddr),
		readBuf:   make([]byte, maxDatagramSize),
	}, nil
}

// SetRemoteAddr fixes the peer address used by Send (the receiver learns
// this from the sender's SYN, since it does not dial).
func (c *Conn) SetRemoteAddr(addr *net.UDPAddr) {
	c.remoteAddr = addr
}

// RemoteAddr returns the peer address, if known.
func (c *Conn) RemoteAddr() *net.UDPAddr {
	return c.remoteAddr
}

// Send transmits seg to the connection's remote address.
func (c *Conn) Send(seg *protocol.Segment) error {
	if c.remoteAddr == nil {
		return fmt.Errorf("transport: no remote address to send to")
	}
	var err error
	if c.udpConn.RemoteAddr() != nil {
		// A dialed socket rejects WriteTo; it writes to its connected peer.
		_, err = c.udpConn.Write(seg.Marshal())
	} else {
		_, err = c.udpConn.WriteToUDP(seg.Marshal(), c.remoteAddr)
	}
	if err != nil {
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

// Receive blocks until a datagram arrives, ctx is cancelled, or the socket
// is closed. A malformed datagram is reported as an error; callers treat
// it as the silent-discard case required by §7.
func (c *Conn) Receive(ctx context.Context) (*Datagram, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if err := c.udpConn.SetReadDeadline(deadline); err != nil {
			return nil, fmt.Errorf("transport: set read deadline: %w", err)
		}
	} else if err := c.udpConn.SetReadDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("transport: clear read deadline: %w", err)
	}
	// Cancelling ctx unblocks a read in progress by expiring its deadline.
	stop := context.AfterFunc(ctx, func() { _ = c.udpConn.SetReadDeadline(time.Now()) })
	defer stop()

	n, addr, err := c.udpConn.ReadFromUDP(c.readBuf)
	if err != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
			return nil, fmt.Errorf("transport: read: %w", err)
		}
	}

	seg, err := protocol.Unmarshal(c.readBuf[:n])
	if err != nil {
		return nil, err
	}

	return &Datagram{Segment: seg, Addr: addr}, nil
}

// Close closes the underlying socket.
func (c *Conn) Close() error {
	return c.udpConn.Close()
}

// LocalAddr returns the bound local address.
func (c *Conn) LocalAddr() *net.UDPAddr {
	return c.localAddr
}
