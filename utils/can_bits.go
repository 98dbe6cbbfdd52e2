package utils

// Payload bits are numbered little-endian: bit 0 is the LSB of byte 0.

func getBits(payload uint64, startBit, bitLen int) uint64 {
	if bitLen <= 0 || bitLen > 64 {
		return 0
	}
	return (payload >> startBit) & lowMask(bitLen)
}

func setBits(payload uint64, startBit, bitLen int, value uint64) uint64 {
	if bitLen <= 0 || bitLen > 64 {
		return payload
	}
	mask := lowMask(bitLen)
	payload &^= mask << startBit
	payload |= (value & mask) << startBit
	return payload
}

func lowMask(bitLen int) uint64 {
	if bitLen >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << bitLen) - 1
}

// signExtend interprets the low bitLen bits of u as a two's complement value
// when signed is set.
func signExtend(u uint64, bitLen int, signed bool) int64 {
	if !signed || bitLen >= 64 {
		return int64(u)
	}
	if u&(uint64(1)<<(bitLen-1)) == 0 {
		return int64(u)
	}
	return int64(u | ^lowMask(bitLen))
}

// toTwos truncates raw to bitLen bits in two's complement form.
func toTwos(raw int64, bitLen int) uint64 {
	return uint64(raw) & lowMask(bitLen)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// clampRaw saturates raw to the representable range of the field.
func clampRaw(raw int64, bitLen int, signed bool) int64 {
	if bitLen <= 0 || bitLen > 63 {
		return raw
	}
	if !signed {
		hi := int64(lowMask(bitLen))
		if raw < 0 {
			return 0
		}
		if raw > hi {
			return hi
		}
		return raw
	}
	lo := -int64(1) << (bitLen - 1)
	hi := int64(1)<<(bitLen-1) - 1
	if raw < lo {
		return lo
	}
	if raw > hi {
		return hi
	}
	return raw
}
