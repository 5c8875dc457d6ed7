// Package seqnum implements modular arithmetic over the protocol's 16-bit
// sequence number space so that comparisons behave correctly across the
// 2^16 wraparound.
package seqnum

// Value is a 16-bit sequence number that wraps at 2^16.
type Value uint16

// Diff returns a-b interpreted as a signed 16-bit half-space comparison:
// positive when a is ahead of b, negative when a is behind b, zero when
// equal. This is the comparator Design Notes §9 requires for every
// forward/stale classification in the protocol.
func Diff(a, b Value) int16 {
	return int16(a - b)
}

// LessThan reports whether a precedes b in the modular sequence space.
func LessThan(a, b Value) bool {
	return Diff(a, b) < 0
}

// LessOrEqual reports whether a precedes or equals b in the modular space.
func LessOrEqual(a, b Value) bool {
	return Diff(a, b) <= 0
}

// InForwardWindow reports whether seq lies in (base, base+horizon] — ahead
// of base but within the forward horizon used to distinguish an
// out-of-order segment from one so stale it must be a wrapped duplicate.
func InForwardWindow(seq, base Value, horizon uint32) bool {
	d := Diff(seq, base)
	return d > 0 && uint32(d) <= horizon
}

// Add returns base+n, wrapping at 2^16.
func Add(base Value, n uint32) Value {
	return Value(uint32(base) + n)
}

// Value16 returns the plain uint16 representation.
func (v Value) Value16() uint16 {
	return uint16(v)
}
