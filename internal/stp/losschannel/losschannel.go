// Package losschannel implements the receiver's probabilistic loss
// emulation: a Bernoulli filter on inbound DATA/SYN/FIN segments and on
// outbound ACK segments.
package losschannel

import (
	"math/rand"

	"github.com/denniemok/simple-transport-protocol/internal/stp/protocol"
)

// Channel is a seeded, per-endpoint PRNG gate. Built the way the teacher's
// reliability buffers hold their own counters: no shared state, one
// instance per connection, deterministic given its seed.
type Channel struct {
	rng *rand.Rand
	flp float64 // inbound drop probability (DATA/SYN/FIN)
	rlp float64 // outbound drop probability (ACK)

	droppedInbound  uint64
	droppedOutbound uint64
}

// New creates a loss channel seeded once at startup.
func New(seed int64, flp, rlp float64) *Channel {
	return &Channel{
		rng: rand.New(rand.NewSource(seed)),
		flp: flp,
		rlp: rlp,
	}
}

// DropInbound runs the Bernoulli(flp) trial for an inbound segment. RESET
// is never subject to loss.
func (c *Channel) DropInbound(typ protocol.Type) bool {
	if typ == protocol.TypeReset {
		return false
	}
	if c.rng.Float64() < c.flp {
		c.droppedInbound++
		return true
	}
	return false
}

// DropOutbound runs the Bernoulli(rlp) trial for an outbound ACK.
func (c *Channel) DropOutbound() bool {
	if c.rng.Float64() < c.rlp {
		c.droppedOutbound++
		return true
	}
	return false
}

// DroppedInbound returns the count of segments the inbound filter dropped.
func (c *Channel) DroppedInbound() uint64 { return c.droppedInbound }

// DroppedOutbound returns the count of ACKs the outbound filter dropped.
func (c *Channel) DroppedOutbound() uint64 { return c.droppedOutbound }
