package sorter

import "math"

// encodeKey maps a 64-bit IEEE-754 double to a 64-bit unsigned key such that
// numeric '<' on keys equals the IEEE-754-2019 total order on values,
// including the ordering of -0 before +0 and NaN payloads after +Inf.
//
// If the sign bit is set, all 64 bits are flipped; otherwise only the sign
// bit is flipped. This is the standard order-preserving float-to-uint
// transform and never inspects the value as a float, so it never traps on
// signaling NaNs.
func encodeKey(v float64) uint64 {
	u := math.Float64bits(v)
	if u&signBit != 0 {
		return ^u
	}
	return u | signBit
}

// decodeKey inverts encodeKey. decodeKey(encodeKey(v)) == v bit-for-bit for
// every 64-bit pattern v.
func decodeKey(k uint64) float64 {
	if k&signBit != 0 {
		return math.Float64frombits(k &^ signBit)
	}
	return math.Float64frombits(^k)
}

const signBit = uint64(1) << 63
